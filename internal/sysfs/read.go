// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

// Package sysfs reads kernel attribute files.
package sysfs

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ReadBounded reads at most limit bytes of file using plain read(2) calls.
// Some sysfs and debugfs drivers, ODPM accumulators among them, return EAGAIN
// while busy, which makes os.ReadFile poll forever; a direct read either
// returns data or fails immediately. Interrupted reads are retried.
func ReadBounded(file string, limit int) ([]byte, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	buf := make([]byte, limit)
	total := 0
	for total < limit {
		n, err := unix.Read(int(f.Fd()), buf[total:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", file, err)
		}
		if n <= 0 {
			break
		}
		total += n
	}

	return buf[:total], nil
}

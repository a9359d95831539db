// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

const (
	usageHeaderKey   = "uid"
	maxUsageTableLen = 4 << 20
	maxUsageLineLen  = 1 << 20
)

var ErrNoUsageHeader = errors.New("consumer: usage table has no header")

// UsageTable holds per-owner usage counters by bucket. Rows[uid][i] is the
// usage of the owner in Buckets[i].
type UsageTable struct {
	Buckets []string
	Rows    map[int32][]uint64
}

// ParseUsageTable parses a table of the form
//
//	uid: <bucket> <bucket> ...
//	<uid>: <usage> <usage> ...
//
// Malformed rows are skipped and reported in the returned error together
// with the rows that did parse.
func ParseUsageTable(r io.Reader) (*UsageTable, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxUsageLineLen)

	var (
		table *UsageTable
		errs  []error
	)
	for scanner.Scan() {
		key, rest, ok := strings.Cut(scanner.Text(), ":")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			continue
		}

		if table == nil {
			if key != usageHeaderKey {
				return nil, fmt.Errorf("%w: first row is %q", ErrNoUsageHeader, key)
			}
			table = &UsageTable{Buckets: strings.Fields(rest), Rows: map[int32][]uint64{}}
			continue
		}

		uid, err := strconv.ParseInt(key, 10, 32)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid uid %q: %w", key, err))
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) != len(table.Buckets) {
			errs = append(errs, fmt.Errorf("uid %d has %d values for %d buckets", uid, len(fields), len(table.Buckets)))
			continue
		}
		values := make([]uint64, len(fields))
		for i, f := range fields {
			if values[i], err = strconv.ParseUint(f, 10, 64); err != nil {
				break
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid usage for uid %d: %w", uid, err))
			continue
		}
		table.Rows[int32(uid)] = values
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read usage table: %w", err)
	}
	if table == nil {
		return nil, ErrNoUsageHeader
	}

	return table, errors.Join(errs...)
}

// readUsageTable parses the usage table stored at path
func readUsageTable(path string) (*UsageTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	return ParseUsageTable(io.LimitReader(f, maxUsageTableLen))
}

// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import "context"

// Service is the interface that all services must implement
type Service interface {
	// Name returns the name of the service
	Name() string
}

// Initializer is implemented by services that need to be set up before
// any service runs
type Initializer interface {
	Service
	Init() error
}

// Runner is implemented by services that run in the background
type Runner interface {
	Service
	// Run runs the service and is expected to block and be thread safe
	Run(ctx context.Context) error
}

// Shutdowner is implemented by services that hold resources to release
type Shutdowner interface {
	Service
	// Shutdown shuts down the service
	Shutdown() error
}

// LiveChecker is implemented by services that can tell whether they are
// still making progress
type LiveChecker interface {
	Service
	IsLive() bool
}

// ReadyChecker is implemented by services that can tell whether they are
// able to answer queries
type ReadyChecker interface {
	Service
	IsReady() bool
}

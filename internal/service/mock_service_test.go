// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"sync"
)

// journal records lifecycle calls of several services in call order
type journal struct {
	mu     sync.Mutex
	events []string
}

func (j *journal) add(event string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, event)
}

func (j *journal) get() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.events...)
}

// stub only has a name; the types embedding it add one capability each
type stub struct {
	name string
	j    *journal
}

func (s *stub) Name() string {
	return s.name
}

type initStub struct {
	stub
	initErr error
}

func (s *initStub) Init() error {
	s.j.add(s.name + ":init")
	return s.initErr
}

// lifecycleStub is an Initializer and a Shutdowner
type lifecycleStub struct {
	initStub
	shutdownErr error
}

func (s *lifecycleStub) Shutdown() error {
	s.j.add(s.name + ":shutdown")
	return s.shutdownErr
}

type runStub struct {
	stub
	run func(ctx context.Context) error
}

func (s *runStub) Run(ctx context.Context) error {
	s.j.add(s.name + ":run")
	return s.run(ctx)
}

// runShutdownStub is a Runner and a Shutdowner
type runShutdownStub struct {
	runStub
	shutdownErr error
}

func (s *runShutdownStub) Shutdown() error {
	s.j.add(s.name + ":shutdown")
	return s.shutdownErr
}

func returns(err error) func(context.Context) error {
	return func(context.Context) error { return err }
}

func blocks(started chan<- struct{}) func(context.Context) error {
	return func(ctx context.Context) error {
		if started != nil {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}
}

// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package residency

import (
	"log/slog"
)

const defaultMaxReadBytes = 64 * 1024

// Provider reports the state residency of one or more power entities
type Provider interface {
	// Name returns a string identifying the provider
	Name() string

	// PowerEntities returns the static list of entities and their state names
	PowerEntities() []PowerEntity

	// Snapshot re-reads the backing sources and returns the current residencies.
	// Failures are logged and result in missing records, never in an error.
	Snapshot() []StateResidency
}

// PowerEntity describes an entity and the ordered names of its states
type PowerEntity struct {
	Name   string
	States []string
}

// PowerEntityConfig groups the states of one entity. HeaderLabel delimits the
// entity's block when several entities share one backing file; empty means the
// whole file belongs to the entity.
type PowerEntityConfig struct {
	EntityName  string
	HeaderLabel string
	States      []StateConfig
}

func (c PowerEntityConfig) entity() PowerEntity {
	states := make([]string, 0, len(c.States))
	for _, s := range c.States {
		if s.Supported() {
			states = append(states, s.Name)
		}
	}
	return PowerEntity{Name: c.EntityName, States: states}
}

type Opts struct {
	logger   *slog.Logger
	maxBytes int
}

// DefaultOpts returns the default provider options
func DefaultOpts() Opts {
	return Opts{
		logger:   slog.Default(),
		maxBytes: defaultMaxReadBytes,
	}
}

// OptionFn is a function sets one more more options in Opts struct
type OptionFn func(*Opts)

// WithLogger sets the logger for the provider
func WithLogger(logger *slog.Logger) OptionFn {
	return func(o *Opts) {
		o.logger = logger
	}
}

// WithMaxReadBytes bounds how much of each backing file is read
func WithMaxReadBytes(n int) OptionFn {
	return func(o *Opts) {
		if n > 0 {
			o.maxBytes = n
		}
	}
}

func buildOpts(applyOpts []OptionFn) Opts {
	opts := DefaultOpts()
	for _, apply := range applyOpts {
		apply(&opts)
	}
	return opts
}

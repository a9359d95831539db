// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package residency

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var (
	ErrUnknownEntity      = errors.New("residency: unknown entity")
	ErrCallbackRegistered = errors.New("residency: callback already registered")
	ErrNoCallback         = errors.New("residency: no callback registered")
)

// CallbackState identifies a state of a user-space entity
type CallbackState struct {
	ID   int32
	Name string
}

// CallbackResidency is the residency reported by a user-space client for one state
type CallbackResidency struct {
	StateID     int32
	EntryCount  uint64
	TotalTimeMs uint64
	LastEntryMs uint64
}

// ResidencyCallback is implemented by user-space clients that own an entity
type ResidencyCallback func(entity string) ([]CallbackResidency, error)

type callbackEntity struct {
	name     string
	states   []CallbackState
	callback ResidencyCallback
}

// CallbackProvider serves entities whose residency lives in user space.
// Entities and their states are declared up front; their owners register a
// callback that is invoked on every snapshot.
type CallbackProvider struct {
	logger *slog.Logger

	mu       sync.RWMutex
	entities []*callbackEntity
	byName   map[string]*callbackEntity
}

var _ Provider = (*CallbackProvider)(nil)

// NewCallbackProvider creates an empty user-space provider
func NewCallbackProvider(applyOpts ...OptionFn) *CallbackProvider {
	opts := buildOpts(applyOpts)
	return &CallbackProvider{
		logger: opts.logger.With("provider", "callback"),
		byName: map[string]*callbackEntity{},
	}
}

func (p *CallbackProvider) Name() string {
	return "callback"
}

// AddEntity declares an entity and its states. Redeclaring an entity replaces its states.
func (p *CallbackProvider) AddEntity(name string, states []CallbackState) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if e, ok := p.byName[name]; ok {
		e.states = append([]CallbackState(nil), states...)
		return
	}
	e := &callbackEntity{name: name, states: append([]CallbackState(nil), states...)}
	p.entities = append(p.entities, e)
	p.byName[name] = e
}

// RegisterCallback attaches the callback serving entity
func (p *CallbackProvider) RegisterCallback(entity string, cb ResidencyCallback) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byName[entity]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	if e.callback != nil {
		return fmt.Errorf("%w: %s", ErrCallbackRegistered, entity)
	}
	e.callback = cb
	return nil
}

// UnregisterCallback detaches the callback of entity
func (p *CallbackProvider) UnregisterCallback(entity string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byName[entity]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntity, entity)
	}
	if e.callback == nil {
		return fmt.Errorf("%w: %s", ErrNoCallback, entity)
	}
	e.callback = nil
	return nil
}

func (p *CallbackProvider) PowerEntities() []PowerEntity {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ret := make([]PowerEntity, 0, len(p.entities))
	for _, e := range p.entities {
		names := make([]string, len(e.states))
		for i, s := range e.states {
			names[i] = s.Name
		}
		ret = append(ret, PowerEntity{Name: e.name, States: names})
	}
	return ret
}

func (p *CallbackProvider) Snapshot() []StateResidency {
	type pending struct {
		name     string
		states   []CallbackState
		callback ResidencyCallback
	}

	// callbacks run without the lock so that a slow client cannot block registration
	p.mu.RLock()
	work := make([]pending, 0, len(p.entities))
	for _, e := range p.entities {
		if e.callback != nil {
			work = append(work, pending{e.name, e.states, e.callback})
		}
	}
	p.mu.RUnlock()

	var records []StateResidency
	for _, w := range work {
		results, err := w.callback(w.name)
		if err != nil {
			p.logger.Warn("state residency callback failed", "entity", w.name, "error", err)
			continue
		}

		byID := make(map[int32]CallbackResidency, len(results))
		for _, r := range results {
			byID[r.StateID] = r
		}
		for _, s := range w.states {
			r, ok := byID[s.ID]
			if !ok {
				continue
			}
			records = append(records, StateResidency{
				EntityName:  w.name,
				StateName:   s.Name,
				EntryCount:  &r.EntryCount,
				TotalTimeMs: &r.TotalTimeMs,
				LastEntryMs: &r.LastEntryMs,
			})
		}
	}
	return records
}

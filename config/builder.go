// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"reflect"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// Builder layers YAML overlays on top of a base configuration
type Builder struct {
	yamls  []string
	Config *Config
}

// Use sets the base configuration; DefaultConfig is used otherwise
func (b *Builder) Use(c *Config) *Builder {
	b.Config = c
	return b
}

// Merge queues YAML overlays, applied in order by Build
func (b *Builder) Merge(yamls ...string) *Builder {
	b.yamls = append(b.yamls, yamls...)
	return b
}

// Build applies every overlay. Scalars set in an overlay replace the base,
// unset ones keep it. All overlay errors are reported together.
func (b *Builder) Build() (*Config, error) {
	if b.Config == nil {
		b.Config = DefaultConfig()
	}

	var errs []error
	for _, y := range b.yamls {
		overlay := &Config{}
		if err := yaml.Unmarshal([]byte(y), overlay); err != nil {
			errs = append(errs, fmt.Errorf("failed to parse YAML: %w, yaml: %s", err, y))
			continue
		}
		if err := mergo.Merge(b.Config, overlay, mergo.WithOverride,
			mergo.WithTransformers(overlayTransformers{})); err != nil {
			errs = append(errs, fmt.Errorf("failed to merge config: %w, yaml: %s", err, y))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return b.Config, nil
}

// ExtendBoard returns base with overlay applied: the overlay's name replaces
// the base name, its source groups, providers, user-space entities and
// consumers are appended, and a meter section that names a type or devices
// replaces the base meter as a whole. base is not modified.
func ExtendBoard(base, overlay *Board) (*Board, error) {
	merged, err := cloneBoard(base)
	if err != nil {
		return nil, err
	}
	if err := mergo.Merge(merged, overlay, mergo.WithOverride, mergo.WithAppendSlice,
		mergo.WithTransformers(overlayTransformers{})); err != nil {
		return nil, fmt.Errorf("failed to extend board %q: %w", base.Name, err)
	}
	return merged, nil
}

// cloneBoard deep copies b through its YAML form so appends never alias
func cloneBoard(b *Board) (*Board, error) {
	data, err := yaml.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("failed to copy board %q: %w", b.Name, err)
	}
	ret := &Board{}
	if err := yaml.Unmarshal(data, ret); err != nil {
		return nil, fmt.Errorf("failed to copy board %q: %w", b.Name, err)
	}
	return ret, nil
}

// overlayTransformers customizes merging for types whose zero value is
// meaningful: a nil *bool keeps the base and a set one always wins, even
// when false; a BoardMeter is replaced wholesale rather than field by field.
type overlayTransformers struct{}

var (
	boolPtrType    = reflect.TypeOf((*bool)(nil))
	boardMeterType = reflect.TypeOf(BoardMeter{})
)

func (overlayTransformers) Transformer(typ reflect.Type) func(dst, src reflect.Value) error {
	switch typ {
	case boolPtrType:
		return func(dst, src reflect.Value) error {
			if !src.IsNil() && dst.CanSet() {
				dst.Set(src)
			}
			return nil
		}
	case boardMeterType:
		return func(dst, src reflect.Value) error {
			m := src.Interface().(BoardMeter)
			if (m.Type != "" || len(m.Devices) > 0) && dst.CanSet() {
				dst.Set(src)
			}
			return nil
		}
	}
	return nil
}

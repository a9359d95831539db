// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package residency

import (
	"errors"
	"log/slog"
	"os"
	"strings"

	"github.com/sustainable-computing-io/powerstats/internal/sysfs"
)

// Source binds a backing file to the entities whose counters it carries
type Source struct {
	Path     string
	Entities []PowerEntityConfig
}

// GenericProvider parses prefix/value counters out of text files described
// entirely by PowerEntityConfig. It holds no state between snapshots.
type GenericProvider struct {
	name     string
	logger   *slog.Logger
	maxBytes int

	files    []Source // one entry per distinct path
	entities []PowerEntity
}

var _ Provider = (*GenericProvider)(nil)

// NewGenericProvider creates a provider over sources. Sources sharing a path
// are merged so that the file is read once per snapshot.
func NewGenericProvider(name string, sources []Source, applyOpts ...OptionFn) *GenericProvider {
	opts := buildOpts(applyOpts)

	p := &GenericProvider{
		name:     name,
		logger:   opts.logger.With("provider", name),
		maxBytes: opts.maxBytes,
	}

	byPath := map[string]int{}
	for _, src := range sources {
		idx, seen := byPath[src.Path]
		if !seen {
			idx = len(p.files)
			byPath[src.Path] = idx
			p.files = append(p.files, Source{Path: src.Path})
		}
		p.files[idx].Entities = append(p.files[idx].Entities, src.Entities...)
		for _, e := range src.Entities {
			p.entities = append(p.entities, e.entity())
		}
	}

	return p
}

func (p *GenericProvider) Name() string {
	return p.name
}

func (p *GenericProvider) PowerEntities() []PowerEntity {
	return clonePowerEntities(p.entities)
}

func (p *GenericProvider) Snapshot() []StateResidency {
	var records []StateResidency

	for _, f := range p.files {
		data, err := sysfs.ReadBounded(f.Path, p.maxBytes)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				p.logger.Warn("backing file not found", "path", f.Path)
			} else {
				p.logger.Warn("failed to read backing file", "path", f.Path, "error", err)
			}
			continue
		}

		blocks := splitEntityBlocks(string(data), f.Entities)
		for _, ec := range f.Entities {
			block, ok := blocks[ec.HeaderLabel]
			if !ok {
				p.logger.Debug("entity header not found", "path", f.Path, "entity", ec.EntityName, "header", ec.HeaderLabel)
				continue
			}
			records = append(records, p.parseEntity(ec, block)...)
		}
	}

	return records
}

func (p *GenericProvider) parseEntity(ec PowerEntityConfig, block string) []StateResidency {
	records := make([]StateResidency, 0, len(ec.States))
	for i, sc := range ec.States {
		if !sc.Supported() {
			continue
		}
		text, ok := stateBlock(block, ec.States, i)
		if !ok {
			p.logger.Debug("state header not found", "entity", ec.EntityName, "state", sc.Name, "header", sc.Header)
			continue
		}

		sr, _, err := Extract(ec.EntityName, sc, text)
		if err != nil {
			p.logger.Debug("partial state residency", "entity", ec.EntityName, "state", sc.Name, "error", err)
		}
		records = append(records, sr)
	}
	return records
}

// splitEntityBlocks returns the text of every entity keyed by header label.
// Entities without a header label get the whole content. Lines equal to a
// configured header start that entity's block, which runs until the next
// configured header; other lines, header-like or not, stay in the current
// block. Content before the first header is discarded. When a header repeats only
// its first block is used.
func splitEntityBlocks(content string, entities []PowerEntityConfig) map[string]string {
	blocks := make(map[string]string, len(entities))
	headers := map[string]bool{}
	for _, e := range entities {
		if e.HeaderLabel == "" {
			blocks[""] = content
			continue
		}
		headers[e.HeaderLabel] = true
	}
	if len(headers) == 0 {
		return blocks
	}

	var (
		current string
		sb      strings.Builder
		inBlock bool
	)
	flush := func() {
		if inBlock {
			if _, dup := blocks[current]; !dup {
				blocks[current] = sb.String()
			}
		}
		sb.Reset()
	}

	for line := range strings.Lines(content) {
		trimmed := strings.TrimSpace(line)
		if headers[trimmed] {
			flush()
			current, inBlock = trimmed, true
			continue
		}
		if inBlock {
			sb.WriteString(line)
		}
	}
	flush()

	return blocks
}

// stateBlock returns the lines of states[idx] within an entity block. States
// without a header see the whole block; otherwise the block starts at the
// header line (its remainder included) and ends at the next sibling header.
func stateBlock(block string, states []StateConfig, idx int) (string, bool) {
	header := states[idx].Header
	if header == "" {
		return block, true
	}

	var (
		sb    strings.Builder
		found bool
	)
	for line := range strings.Lines(block) {
		trimmed := strings.TrimSpace(line)
		if !found {
			if isHeaderLine(trimmed, header) {
				found = true
				sb.WriteString(strings.TrimSpace(trimmed[len(header):]))
				sb.WriteString("\n")
			}
			continue
		}
		if isSiblingHeader(trimmed, states, idx) {
			break
		}
		sb.WriteString(line)
	}

	return sb.String(), found
}

func isSiblingHeader(line string, states []StateConfig, self int) bool {
	for i, s := range states {
		if i != self && s.Header != "" && isHeaderLine(line, s.Header) {
			return true
		}
	}
	return false
}

// isHeaderLine matches header at the start of line as a whole word, so that
// "SLEEP" does not match "SLEEP_SLCMON"
func isHeaderLine(line, header string) bool {
	if !strings.HasPrefix(line, header) {
		return false
	}
	rest := line[len(header):]
	if rest == "" || strings.HasSuffix(header, ":") {
		return true
	}
	return rest[0] == ' ' || rest[0] == '\t'
}

func clonePowerEntities(in []PowerEntity) []PowerEntity {
	out := make([]PowerEntity, len(in))
	for i, e := range in {
		out[i] = PowerEntity{Name: e.Name, States: append([]string(nil), e.States...)}
	}
	return out
}

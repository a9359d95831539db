// SPDX-FileCopyrightText: 2025 The Kepler Authors
// SPDX-License-Identifier: Apache-2.0

package residency

const dvfsEntitySuffix = "-DVFS"

// DvfsDomain lists the operating points of one DVFS domain in a shared
// stats file. Each state is a (name, key) pair where key is the frequency
// token that starts the state's line, e.g. {"2024MHz", "2024000"}.
type DvfsDomain struct {
	Name   string
	States [][2]string
}

// NewDvfsProvider creates a provider for a shared DVFS stats file in which a
// line holding the domain name starts each domain's block and every operating
// point line reads "<key> <time>". Reported entities are named "<domain>-DVFS".
func NewDvfsProvider(path string, transform UnitTransform, domains []DvfsDomain, opts ...OptionFn) *GenericProvider {
	entities := make([]PowerEntityConfig, 0, len(domains))
	for _, d := range domains {
		states := make([]StateConfig, 0, len(d.States))
		for _, s := range d.States {
			states = append(states, StateConfig{
				Name:      s[0],
				TotalTime: Rule(s[1]+" ", transform),
			})
		}
		entities = append(entities, PowerEntityConfig{
			EntityName:  d.Name + dvfsEntitySuffix,
			HeaderLabel: d.Name,
			States:      states,
		})
	}

	return NewGenericProvider("dvfs", []Source{{Path: path, Entities: entities}}, opts...)
}

package computation

import (
	"fmt"
	"slices"
)

// Metadata declares a computation's name and its logical input and output
// stream names, in order. Logical names are local to the computation; the
// topology maps them onto physical streams.
type Metadata struct {
	Name    string
	Inputs  []string
	Outputs []string
}

// NewMetadata declares inputs i1..iN and outputs o1..oM.
func NewMetadata(name string, inputs, outputs int) Metadata {
	m := Metadata{Name: name}
	for i := 1; i <= inputs; i++ {
		m.Inputs = append(m.Inputs, fmt.Sprintf("i%d", i))
	}
	for i := 1; i <= outputs; i++ {
		m.Outputs = append(m.Outputs, fmt.Sprintf("o%d", i))
	}
	return m
}

func (m Metadata) validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: computation without a name", ErrInvalidTopology)
	}
	seen := make(map[string]bool)
	for _, s := range append(slices.Clone(m.Inputs), m.Outputs...) {
		if s == "" {
			return fmt.Errorf("%w: %s declares an empty stream name", ErrInvalidTopology, m.Name)
		}
		if seen[s] {
			return fmt.Errorf("%w: %s declares stream %q twice", ErrInvalidTopology, m.Name, s)
		}
		seen[s] = true
	}
	return nil
}

// MetadataMapping is the metadata of a computation bound into a topology.
// Logical names without an explicit binding map to a physical stream of the
// same name.
type MetadataMapping struct {
	Metadata
	Mapping map[string]string
}

func NewMetadataMapping(meta Metadata, mapping map[string]string) MetadataMapping {
	m := make(map[string]string, len(mapping))
	for k, v := range mapping {
		m[k] = v
	}
	return MetadataMapping{Metadata: meta, Mapping: m}
}

// Physical resolves a logical name.
func (m MetadataMapping) Physical(logical string) string {
	if p, ok := m.Mapping[logical]; ok {
		return p
	}
	return logical
}

// Logical resolves a physical input or output stream back to the first
// logical name bound to it.
func (m MetadataMapping) Logical(physical string) (string, bool) {
	for _, l := range m.Inputs {
		if m.Physical(l) == physical {
			return l, true
		}
	}
	for _, l := range m.Outputs {
		if m.Physical(l) == physical {
			return l, true
		}
	}
	return "", false
}

// Output returns the physical stream of a declared logical output.
func (m MetadataMapping) Output(logical string) (string, bool) {
	if !slices.Contains(m.Outputs, logical) {
		return "", false
	}
	return m.Physical(logical), true
}

func (m MetadataMapping) InputStreams() []string {
	out := make([]string, 0, len(m.Inputs))
	for _, l := range m.Inputs {
		out = append(out, m.Physical(l))
	}
	return out
}

func (m MetadataMapping) OutputStreams() []string {
	out := make([]string, 0, len(m.Outputs))
	for _, l := range m.Outputs {
		out = append(out, m.Physical(l))
	}
	return out
}

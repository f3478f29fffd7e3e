package computation

import (
	"fmt"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Node is a computation bound into a topology.
type Node struct {
	Name    string
	Factory Factory
	Mapping MetadataMapping
}

// Topology is a validated DAG of computations connected by physical streams.
// Streams nobody produces are sources fed from outside; streams nobody
// consumes are sinks.
type Topology struct {
	nodes     map[string]*Node
	order     []string
	producers map[string][]string
	consumers map[string][]string
}

type addition struct {
	factory  Factory
	bindings []string
}

// Builder collects computations; nothing is validated before Build.
type Builder struct {
	additions []addition
}

func NewBuilder() *Builder { return &Builder{} }

// AddComputation binds the computation created by factory. Each binding is
// "logical:physical", for instance "i1:input" or "o1:output".
func (b *Builder) AddComputation(factory Factory, bindings []string) *Builder {
	b.additions = append(b.additions, addition{factory: factory, bindings: slices.Clone(bindings)})
	return b
}

func (b *Builder) Build() (*Topology, error) {
	t := &Topology{
		nodes:     make(map[string]*Node),
		producers: make(map[string][]string),
		consumers: make(map[string][]string),
	}
	var names []string
	for i, a := range b.additions {
		if a.factory == nil {
			return nil, fmt.Errorf("%w: computation #%d has no factory", ErrInvalidTopology, i)
		}
		node, err := bind(a)
		if err != nil {
			return nil, err
		}
		if _, dup := t.nodes[node.Name]; dup {
			return nil, fmt.Errorf("%w: computation %s added twice", ErrInvalidTopology, node.Name)
		}
		t.nodes[node.Name] = node
		names = append(names, node.Name)
		for _, s := range node.Mapping.InputStreams() {
			if !slices.Contains(t.consumers[s], node.Name) {
				t.consumers[s] = append(t.consumers[s], node.Name)
			}
		}
		for _, s := range node.Mapping.OutputStreams() {
			if !slices.Contains(t.producers[s], node.Name) {
				t.producers[s] = append(t.producers[s], node.Name)
			}
		}
	}
	order, err := t.sort(names)
	if err != nil {
		return nil, err
	}
	t.order = order
	return t, nil
}

func bind(a addition) (*Node, error) {
	meta := a.factory().Metadata()
	if err := meta.validate(); err != nil {
		return nil, err
	}
	mapping := make(map[string]string, len(a.bindings))
	for _, binding := range a.bindings {
		logical, physical, ok := strings.Cut(binding, ":")
		if !ok || logical == "" || physical == "" {
			return nil, fmt.Errorf("%w: %s: malformed binding %q, want logical:physical", ErrInvalidTopology, meta.Name, binding)
		}
		if !slices.Contains(meta.Inputs, logical) && !slices.Contains(meta.Outputs, logical) {
			return nil, fmt.Errorf("%w: %s: binding %q references undeclared stream %q", ErrInvalidTopology, meta.Name, binding, logical)
		}
		if _, dup := mapping[logical]; dup {
			return nil, fmt.Errorf("%w: %s: stream %q bound twice", ErrInvalidTopology, meta.Name, logical)
		}
		mapping[logical] = physical
	}
	return &Node{Name: meta.Name, Factory: a.factory, Mapping: NewMetadataMapping(meta, mapping)}, nil
}

// sort orders computations so that producers come before their consumers,
// keeping insertion order between independent computations.
func (t *Topology) sort(names []string) ([]string, error) {
	indegree := make(map[string]int, len(names))
	for _, name := range names {
		for _, child := range t.Children(name) {
			indegree[child]++
		}
	}
	var order []string
	done := make(map[string]bool, len(names))
	for len(order) < len(names) {
		progressed := false
		for _, name := range names {
			if done[name] || indegree[name] > 0 {
				continue
			}
			done[name] = true
			order = append(order, name)
			progressed = true
			for _, child := range t.Children(name) {
				indegree[child]--
			}
		}
		if !progressed {
			var cyclic []string
			for _, name := range names {
				if !done[name] {
					cyclic = append(cyclic, name)
				}
			}
			return nil, fmt.Errorf("%w: cycle between %s", ErrInvalidTopology, strings.Join(cyclic, ", "))
		}
	}
	return order, nil
}

// Computations lists computation names, producers before consumers.
func (t *Topology) Computations() []string { return slices.Clone(t.order) }

func (t *Topology) Node(name string) (*Node, error) {
	n, ok := t.nodes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownComputation, name)
	}
	return n, nil
}

// Streams lists every physical stream, sorted.
func (t *Topology) Streams() []string {
	set := make(map[string]bool)
	for s := range t.producers {
		set[s] = true
	}
	for s := range t.consumers {
		set[s] = true
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// SourceStreams lists the streams that no computation produces.
func (t *Topology) SourceStreams() []string {
	var out []string
	for _, s := range t.Streams() {
		if len(t.producers[s]) == 0 {
			out = append(out, s)
		}
	}
	return out
}

func (t *Topology) Producers(stream string) []string { return slices.Clone(t.producers[stream]) }

func (t *Topology) Consumers(stream string) []string { return slices.Clone(t.consumers[stream]) }

// Children lists the computations reading a stream produced by name.
func (t *Topology) Children(name string) []string {
	n, ok := t.nodes[name]
	if !ok {
		return nil
	}
	var out []string
	for _, s := range n.Mapping.OutputStreams() {
		for _, c := range t.consumers[s] {
			if !slices.Contains(out, c) {
				out = append(out, c)
			}
		}
	}
	return out
}

// Layout annotates renderings with runtime sizing. Zero values are omitted.
type Layout struct {
	Concurrency map[string]int
	Partitions  map[string]int
}

// ToPlantUML renders the topology as a PlantUML component diagram.
func (t *Topology) ToPlantUML(layout Layout) string {
	var sb strings.Builder
	sb.WriteString("@startuml\n")
	for _, name := range t.order {
		label := name
		if n := layout.Concurrency[name]; n > 0 {
			label = fmt.Sprintf("%s\\nconcurrency: %d", name, n)
		}
		fmt.Fprintf(&sb, "rectangle \"%s\" as %s\n", label, alias("c", name))
	}
	for _, s := range t.Streams() {
		label := s
		if n := layout.Partitions[s]; n > 0 {
			label = fmt.Sprintf("%s\\npartitions: %d", s, n)
		}
		fmt.Fprintf(&sb, "queue \"%s\" as %s\n", label, alias("s", s))
	}
	for _, name := range t.order {
		n := t.nodes[name]
		for _, s := range n.Mapping.InputStreams() {
			fmt.Fprintf(&sb, "%s ==> %s\n", alias("s", s), alias("c", name))
		}
		for _, s := range n.Mapping.OutputStreams() {
			fmt.Fprintf(&sb, "%s --> %s\n", alias("c", name), alias("s", s))
		}
	}
	sb.WriteString("@enduml\n")
	return sb.String()
}

func alias(prefix, name string) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	sb.WriteByte('_')
	for _, r := range name {
		if r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9') {
			sb.WriteRune(r)
			continue
		}
		sb.WriteByte('_')
	}
	return sb.String()
}

type Binding struct {
	Logical string `yaml:"logical"`
	Stream  string `yaml:"stream"`
}

type ComputationDescription struct {
	Name        string    `yaml:"name"`
	Concurrency int       `yaml:"concurrency,omitempty"`
	Inputs      []Binding `yaml:"inputs,omitempty"`
	Outputs     []Binding `yaml:"outputs,omitempty"`
}

type StreamDescription struct {
	Name       string `yaml:"name"`
	Partitions int    `yaml:"partitions,omitempty"`
	Source     bool   `yaml:"source,omitempty"`
}

// Description is the serializable shape of a topology.
type Description struct {
	Computations []ComputationDescription `yaml:"computations"`
	Streams      []StreamDescription      `yaml:"streams"`
}

func (t *Topology) Describe(layout Layout) Description {
	var d Description
	for _, name := range t.order {
		n := t.nodes[name]
		cd := ComputationDescription{Name: name, Concurrency: layout.Concurrency[name]}
		for _, l := range n.Mapping.Inputs {
			cd.Inputs = append(cd.Inputs, Binding{Logical: l, Stream: n.Mapping.Physical(l)})
		}
		for _, l := range n.Mapping.Outputs {
			cd.Outputs = append(cd.Outputs, Binding{Logical: l, Stream: n.Mapping.Physical(l)})
		}
		d.Computations = append(d.Computations, cd)
	}
	for _, s := range t.Streams() {
		d.Streams = append(d.Streams, StreamDescription{Name: s, Partitions: layout.Partitions[s], Source: len(t.producers[s]) == 0})
	}
	return d
}

func (t *Topology) ToYAML(layout Layout) ([]byte, error) {
	return yaml.Marshal(t.Describe(layout))
}

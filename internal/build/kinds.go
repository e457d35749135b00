package build

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StepKind identifies one of the build steps a cycle can run.
type StepKind uint8

const (
	Frontend StepKind = iota
	Binary
	Style
	Assets

	numStepKinds
)

// AllSteps lists every step kind in their fixed order.
var AllSteps = []StepKind{Frontend, Binary, Style, Assets}

var stepNames = [...]string{
	Frontend: "frontend",
	Binary:   "binary",
	Style:    "style",
	Assets:   "assets",
}

func (k StepKind) String() string {
	if k < numStepKinds {
		return stepNames[k]
	}
	return fmt.Sprintf("step(%d)", uint8(k))
}

// ParseStepKind maps a step name back to its kind.
func ParseStepKind(name string) (StepKind, error) {
	for i, n := range stepNames {
		if strings.EqualFold(n, name) {
			return StepKind(i), nil
		}
	}
	return 0, fmt.Errorf("unknown step %q", name)
}

// Produces is the artifact class a step writes.
func (k StepKind) Produces() ArtifactClass {
	switch k {
	case Frontend:
		return ClientBundle
	case Binary:
		return ServerBinary
	case Style:
		return Stylesheet
	default:
		return StaticAsset
	}
}

// StepSet is a set of step kinds.
type StepSet uint8

// NewStepSet builds a set from kinds.
func NewStepSet(kinds ...StepKind) StepSet {
	var s StepSet
	for _, k := range kinds {
		s = s.Add(k)
	}
	return s
}

// AllStepSet contains every step kind.
func AllStepSet() StepSet { return NewStepSet(AllSteps...) }

func (s StepSet) Add(k StepKind) StepSet      { return s | 1<<k }
func (s StepSet) Has(k StepKind) bool         { return s&(1<<k) != 0 }
func (s StepSet) Union(o StepSet) StepSet     { return s | o }
func (s StepSet) Intersect(o StepSet) StepSet { return s & o }
func (s StepSet) IsEmpty() bool               { return s == 0 }

// Len is the number of kinds in the set.
func (s StepSet) Len() int {
	n := 0
	for _, k := range AllSteps {
		if s.Has(k) {
			n++
		}
	}
	return n
}

// Kinds returns the members in fixed step order.
func (s StepSet) Kinds() []StepKind {
	out := make([]StepKind, 0, len(AllSteps))
	for _, k := range AllSteps {
		if s.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// Names returns the member names in fixed step order.
func (s StepSet) Names() []string {
	kinds := s.Kinds()
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = k.String()
	}
	return out
}

func (s StepSet) String() string { return "{" + strings.Join(s.Names(), ",") + "}" }

func (s StepSet) MarshalJSON() ([]byte, error) { return json.Marshal(s.Names()) }

func (s *StepSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	var out StepSet
	for _, n := range names {
		k, err := ParseStepKind(n)
		if err != nil {
			return err
		}
		out = out.Add(k)
	}
	*s = out
	return nil
}

// ArtifactClass categorizes an output artifact by how a change to it must be
// handled downstream.
type ArtifactClass uint8

const (
	ClientBundle ArtifactClass = iota
	ServerBinary
	Stylesheet
	StaticAsset

	numClasses
)

var classNames = [...]string{
	ClientBundle: "client_bundle",
	ServerBinary: "server_binary",
	Stylesheet:   "stylesheet",
	StaticAsset:  "static_asset",
}

func (c ArtifactClass) String() string {
	if c < numClasses {
		return classNames[c]
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// ClassSet is a set of artifact classes.
type ClassSet uint8

// NewClassSet builds a set from classes.
func NewClassSet(classes ...ArtifactClass) ClassSet {
	var s ClassSet
	for _, c := range classes {
		s = s.Add(c)
	}
	return s
}

func (s ClassSet) Add(c ArtifactClass) ClassSet { return s | 1<<c }
func (s ClassSet) Has(c ArtifactClass) bool     { return s&(1<<c) != 0 }
func (s ClassSet) Union(o ClassSet) ClassSet    { return s | o }
func (s ClassSet) IsEmpty() bool                { return s == 0 }

// OnlyStylesheet reports whether the set is exactly {Stylesheet}.
func (s ClassSet) OnlyStylesheet() bool { return s == NewClassSet(Stylesheet) }

// Names returns the member names in class order.
func (s ClassSet) Names() []string {
	var out []string
	for c := ArtifactClass(0); c < numClasses; c++ {
		if s.Has(c) {
			out = append(out, c.String())
		}
	}
	return out
}

func (s ClassSet) String() string { return "{" + strings.Join(s.Names(), ",") + "}" }

func (s ClassSet) MarshalJSON() ([]byte, error) {
	names := s.Names()
	if names == nil {
		names = []string{}
	}
	return json.Marshal(names)
}

func (s *ClassSet) UnmarshalJSON(data []byte) error {
	var names []string
	if err := json.Unmarshal(data, &names); err != nil {
		return err
	}
	var out ClassSet
	for _, n := range names {
		c, err := ParseArtifactClass(n)
		if err != nil {
			return err
		}
		out = out.Add(c)
	}
	*s = out
	return nil
}

// ParseArtifactClass resolves a class name.
func ParseArtifactClass(name string) (ArtifactClass, error) {
	for c := ArtifactClass(0); c < numClasses; c++ {
		if classNames[c] == name {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown artifact class %q", name)
}

package scope

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// scope files use the study's established layout: a "scope" header and
// "inputs"/"outputs" mappings whose key order is the declaration order.
type fileHeader struct {
	Name string `yaml:"name"`
	Desc string `yaml:"desc,omitempty"`
}

type fileInput struct {
	PType   string   `yaml:"ptype"`
	DType   string   `yaml:"dtype,omitempty"`
	Default any      `yaml:"default,omitempty"`
	Min     any      `yaml:"min,omitempty"`
	Max     any      `yaml:"max,omitempty"`
	Values  []string `yaml:"values,omitempty"`
	Desc    string   `yaml:"desc,omitempty"`
}

type fileOutput struct {
	Kind          string `yaml:"kind,omitempty"`
	Transform     string `yaml:"transform,omitempty"`
	MetamodelType string `yaml:"metamodeltype,omitempty"`
	Desc          string `yaml:"desc,omitempty"`
}

// Load reads and validates a scope file.
func Load(path string) (*Scope, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading scope file: %w", err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return s, nil
}

// Parse decodes a scope document and validates it.
func Parse(data []byte) (*Scope, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decoding yaml: %w", err)
	}
	if len(doc.Content) == 0 || doc.Content[0].Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: document is not a mapping", ErrInvalidScope)
	}
	root := doc.Content[0]

	s := &Scope{}
	for i := 0; i+1 < len(root.Content); i += 2 {
		key, val := root.Content[i].Value, root.Content[i+1]
		switch key {
		case "scope":
			var h fileHeader
			if err := val.Decode(&h); err != nil {
				return nil, fmt.Errorf("decoding scope header: %w", err)
			}
			s.Name, s.Desc = h.Name, h.Desc
		case "inputs":
			if err := eachEntry(val, func(name string, n *yaml.Node) error {
				var in fileInput
				if err := n.Decode(&in); err != nil {
					return fmt.Errorf("input %s: %w", name, err)
				}
				v, err := in.variable(name)
				if err != nil {
					return err
				}
				s.Inputs = append(s.Inputs, v)
				return nil
			}); err != nil {
				return nil, err
			}
		case "outputs":
			if err := eachEntry(val, func(name string, n *yaml.Node) error {
				var out fileOutput
				if n.Kind == yaml.MappingNode {
					if err := n.Decode(&out); err != nil {
						return fmt.Errorf("output %s: %w", name, err)
					}
				}
				s.Measures = append(s.Measures, out.measure(name))
				return nil
			}); err != nil {
				return nil, err
			}
		}
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func eachEntry(n *yaml.Node, fn func(name string, val *yaml.Node) error) error {
	if n.Kind != yaml.MappingNode {
		return fmt.Errorf("%w: expected mapping at line %d", ErrInvalidScope, n.Line)
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if err := fn(n.Content[i].Value, n.Content[i+1]); err != nil {
			return err
		}
	}
	return nil
}

func (in fileInput) variable(name string) (Variable, error) {
	v := Variable{
		Name:    name,
		Default: in.Default,
		Min:     in.Min,
		Max:     in.Max,
		Values:  in.Values,
		Desc:    in.Desc,
	}
	switch strings.ToLower(strings.TrimSpace(in.PType)) {
	case "constant":
		v.Role = RoleConstant
	case "uncertainty", "exogenous uncertainty", "risk":
		v.Role = RoleUncertainty
	case "lever", "policy lever", "strategy":
		v.Role = RoleLever
	default:
		return Variable{}, fmt.Errorf("%w: %q on %s", ErrUnknownRole, in.PType, name)
	}
	switch strings.ToLower(strings.TrimSpace(in.DType)) {
	case "", "float", "real":
		v.DType = DTypeFloat
	case "int", "integer":
		v.DType = DTypeInt
	case "bool", "boolean":
		v.DType = DTypeBool
	case "cat", "categorical":
		v.DType = DTypeCat
	default:
		return Variable{}, fmt.Errorf("%w: %q on %s", ErrUnknownDType, in.DType, name)
	}
	return v, nil
}

func (out fileOutput) measure(name string) Measure {
	m := Measure{Name: name, Kind: MeasureKind(out.Kind), Desc: out.Desc}
	if m.Kind == "" {
		m.Kind = KindInfo
	}
	switch {
	case out.Transform != "":
		m.Transform = Transform(out.Transform)
	case out.MetamodelType == "log":
		m.Transform = TransformLn
	case out.MetamodelType != "" && out.MetamodelType != "linear":
		m.Transform = Transform(out.MetamodelType)
	}
	return m
}

// Marshal encodes s in the scope file layout accepted by Parse.
func Marshal(s *Scope) ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}

	header := &yaml.Node{}
	if err := header.Encode(fileHeader{Name: s.Name, Desc: s.Desc}); err != nil {
		return nil, fmt.Errorf("encoding header: %w", err)
	}
	root.Content = append(root.Content, scalar("scope"), header)

	inputs := &yaml.Node{Kind: yaml.MappingNode}
	for _, v := range s.Inputs {
		n := &yaml.Node{}
		if err := n.Encode(fileInput{
			PType:   string(v.Role),
			DType:   string(v.DType),
			Default: v.Default,
			Min:     v.Min,
			Max:     v.Max,
			Values:  v.Values,
			Desc:    v.Desc,
		}); err != nil {
			return nil, fmt.Errorf("encoding input %s: %w", v.Name, err)
		}
		inputs.Content = append(inputs.Content, scalar(v.Name), n)
	}
	root.Content = append(root.Content, scalar("inputs"), inputs)

	outputs := &yaml.Node{Kind: yaml.MappingNode}
	for _, m := range s.Measures {
		n := &yaml.Node{}
		out := fileOutput{Kind: string(m.Kind), Desc: m.Desc}
		if m.Transform != "" && m.Transform != TransformNone {
			out.Transform = string(m.Transform)
		}
		if err := n.Encode(out); err != nil {
			return nil, fmt.Errorf("encoding output %s: %w", m.Name, err)
		}
		outputs.Content = append(outputs.Content, scalar(m.Name), n)
	}
	root.Content = append(root.Content, scalar("outputs"), outputs)

	return yaml.Marshal(&yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{root}})
}

func scalar(v string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v}
}

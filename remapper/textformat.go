package remapper

import (
	"bytes"
	"io"
	"os"
	"slices"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// The text format is YAML, e.g.:
//
//	fetch: [fetch]
//	nodes:
//	  - name: input
//	    op: Placeholder
//	    attrs:
//	      dtype: {type: DT_FLOAT}
//	      shape: {shape: {dims: [8, 32, 32, 3]}}
//	  - name: conv
//	    op: Conv2D
//	    inputs: [input, filter]
//	    device: /device:CPU:0
//	    attrs:
//	      T: {type: DT_FLOAT}
//	      strides: {ints: [1, 1, 1, 1]}
//	      padding: {s: SAME}
//
// Each attribute sets exactly one of the keys: i, f, b, s, type, shape, ints, strings, shapes or tensor.
type yamlGraph struct {
	Fetch []string   `yaml:"fetch,flow,omitempty"`
	Nodes []yamlNode `yaml:"nodes"`
}

type yamlNode struct {
	Name   string              `yaml:"name"`
	Op     string              `yaml:"op"`
	Inputs []string            `yaml:"inputs,flow,omitempty"`
	Device string              `yaml:"device,omitempty"`
	Attrs  map[string]yamlAttr `yaml:"attrs,omitempty"`
}

type yamlAttr struct {
	I       *int64       `yaml:"i,omitempty"`
	F       *float64     `yaml:"f,omitempty"`
	B       *bool        `yaml:"b,omitempty"`
	S       *string      `yaml:"s,omitempty"`
	Type    string       `yaml:"type,omitempty"`
	Shape   *yamlShape   `yaml:"shape,omitempty"`
	Ints    *[]int64     `yaml:"ints,flow,omitempty"`
	Strings *[]string    `yaml:"strings,flow,omitempty"`
	Shapes  *[]yamlShape `yaml:"shapes,omitempty"`
	Tensor  *yamlTensor  `yaml:"tensor,omitempty"`
}

type yamlShape struct {
	Dims        []int `yaml:"dims,flow"`
	UnknownRank bool  `yaml:"unknown_rank,omitempty"`
}

type yamlTensor struct {
	DType  string    `yaml:"dtype"`
	Dims   []int     `yaml:"dims,flow"`
	Values []float64 `yaml:"values,flow"`
}

// Parse parses a graph in the YAML text format.
func Parse(contents []byte) (*Graph, error) {
	var yg yamlGraph
	dec := yaml.NewDecoder(bytes.NewReader(contents))
	dec.KnownFields(true)
	if err := dec.Decode(&yg); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "failed to parse graph")
	}
	g := &Graph{Fetch: yg.Fetch, Nodes: make([]*Node, 0, len(yg.Nodes))}
	for ii, yn := range yg.Nodes {
		node := &Node{Name: yn.Name, Op: yn.Op, Inputs: yn.Inputs, Device: yn.Device}
		if len(yn.Attrs) > 0 {
			node.Attrs = make(map[string]AttrValue, len(yn.Attrs))
		}
		for key, ya := range yn.Attrs {
			v, err := ya.toAttrValue()
			if err != nil {
				return nil, errors.WithMessagef(err, "node #%d %q attribute %q", ii, yn.Name, key)
			}
			node.Attrs[key] = v
		}
		g.Nodes = append(g.Nodes, node)
	}
	return g, nil
}

// ReadFile reads and parses a graph in the YAML text format.
func ReadFile(filePath string) (*Graph, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read graph file in %s", filePath)
	}
	return Parse(contents)
}

// Marshal serializes the graph in the YAML text format.
func Marshal(g *Graph) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, g); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write serializes the graph in the YAML text format to w.
func Write(w io.Writer, g *Graph) error {
	yg := yamlGraph{Fetch: g.Fetch, Nodes: make([]yamlNode, 0, len(g.Nodes))}
	for _, node := range g.Nodes {
		yn := yamlNode{Name: node.Name, Op: node.Op, Inputs: node.Inputs, Device: node.Device}
		if len(node.Attrs) > 0 {
			yn.Attrs = make(map[string]yamlAttr, len(node.Attrs))
		}
		for key, v := range node.Attrs {
			ya, err := fromAttrValue(v)
			if err != nil {
				return errors.WithMessagef(err, "node %q attribute %q", node.Name, key)
			}
			yn.Attrs[key] = ya
		}
		yg.Nodes = append(yg.Nodes, yn)
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&yg); err != nil {
		return errors.Wrap(err, "failed to serialize graph")
	}
	return errors.Wrap(enc.Close(), "failed to serialize graph")
}

// WriteFile serializes the graph in the YAML text format to the given file.
func WriteFile(filePath string, g *Graph) error {
	contents, err := Marshal(g)
	if err != nil {
		return err
	}
	return errors.Wrapf(os.WriteFile(filePath, contents, 0o644), "failed to write graph file %s", filePath)
}

func (ya yamlAttr) toAttrValue() (AttrValue, error) {
	var values []AttrValue
	if ya.I != nil {
		values = append(values, IntAttr(*ya.I))
	}
	if ya.F != nil {
		values = append(values, FloatAttr(*ya.F))
	}
	if ya.B != nil {
		values = append(values, BoolAttr(*ya.B))
	}
	if ya.S != nil {
		values = append(values, StringAttr(*ya.S))
	}
	if ya.Type != "" {
		dtype, err := DTypeForTF(ya.Type)
		if err != nil {
			return AttrValue{}, err
		}
		values = append(values, TypeAttr(dtype))
	}
	if ya.Shape != nil {
		values = append(values, ShapeAttr(ya.Shape.toShape()))
	}
	if ya.Ints != nil {
		values = append(values, IntListAttr(*ya.Ints...))
	}
	if ya.Strings != nil {
		values = append(values, StringListAttr(*ya.Strings...))
	}
	if ya.Shapes != nil {
		shapes := make([]TensorShape, len(*ya.Shapes))
		for ii, s := range *ya.Shapes {
			shapes[ii] = s.toShape()
		}
		values = append(values, ShapeListAttr(shapes...))
	}
	if ya.Tensor != nil {
		t, err := ya.Tensor.toTensor()
		if err != nil {
			return AttrValue{}, err
		}
		values = append(values, TensorAttr(t))
	}
	if len(values) != 1 {
		return AttrValue{}, errors.Errorf("attribute must set exactly one value, got %d", len(values))
	}
	return values[0], nil
}

func (ys yamlShape) toShape() TensorShape {
	if ys.UnknownRank {
		return UnknownShape()
	}
	if ys.Dims == nil {
		return MakeShape()
	}
	return MakeShape(ys.Dims...)
}

func (yt *yamlTensor) toTensor() (*TensorValue, error) {
	dtype, err := DTypeForTF(yt.DType)
	if err != nil {
		return nil, err
	}
	t := &TensorValue{DType: dtype, Dims: slices.Clone(yt.Dims), Values: slices.Clone(yt.Values)}
	if t.Size() != len(t.Values) {
		return nil, errors.Errorf("tensor of shape %v needs %d values, got %d", t.Dims, t.Size(), len(t.Values))
	}
	return t, nil
}

func fromAttrValue(v AttrValue) (yamlAttr, error) {
	var ya yamlAttr
	switch v.Kind() {
	case AttrInt:
		i, _ := v.Int()
		ya.I = &i
	case AttrFloat:
		f, _ := v.Float()
		ya.F = &f
	case AttrBool:
		b, _ := v.Bool()
		ya.B = &b
	case AttrString:
		s, _ := v.Str()
		ya.S = &s
	case AttrType:
		dtype, _ := v.Type()
		if dtype == dtypes.InvalidDType {
			return ya, errors.New("invalid data type")
		}
		ya.Type = TFTypeName(dtype)
	case AttrShapeKind:
		s, _ := v.Shape()
		ys := toYAMLShape(s)
		ya.Shape = &ys
	case AttrIntList:
		ints, _ := v.IntList()
		ints = slices.Clone(ints)
		if ints == nil {
			ints = []int64{}
		}
		ya.Ints = &ints
	case AttrStringList:
		strs, _ := v.StringList()
		strs = slices.Clone(strs)
		if strs == nil {
			strs = []string{}
		}
		ya.Strings = &strs
	case AttrShapeList:
		shapes, _ := v.ShapeList()
		yshapes := make([]yamlShape, len(shapes))
		for ii, s := range shapes {
			yshapes[ii] = toYAMLShape(s)
		}
		ya.Shapes = &yshapes
	case AttrTensor:
		t, _ := v.Tensor()
		if t == nil {
			return ya, errors.New("nil tensor")
		}
		ya.Tensor = &yamlTensor{DType: TFTypeName(t.DType), Dims: t.Dims, Values: t.Values}
	default:
		return ya, errors.Errorf("invalid attribute kind %s", v.Kind())
	}
	return ya, nil
}

func toYAMLShape(s TensorShape) yamlShape {
	if s.UnknownRank {
		return yamlShape{UnknownRank: true}
	}
	dims := s.Dims
	if dims == nil {
		dims = []int{}
	}
	return yamlShape{Dims: dims}
}

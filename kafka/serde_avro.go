package kafka

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/linkedin/goavro"
)

// AvroSerde encodes values as plain Avro binary (no registry framing)
// using an inline schema. Values travel through their JSON form, so struct
// fields must carry json tags matching the Avro field names. Nullable
// fields map to pointers or omitted values; []byte maps to bytes and fixed.
type AvroSerde[T any] struct {
	schema string
	codec  *goavro.Codec
	root   *avroType
}

var (
	_ Serializer[map[string]any]   = (*AvroSerde[map[string]any])(nil)
	_ Deserializer[map[string]any] = (*AvroSerde[map[string]any])(nil)
)

// NewAvroSerde compiles schema and returns a serde for T.
func NewAvroSerde[T any](schema string) (*AvroSerde[T], error) {
	codec, err := goavro.NewCodec(schema)
	if err != nil {
		return nil, fmt.Errorf("compile avro schema: %w", err)
	}

	var parsed any
	if err := json.Unmarshal([]byte(schema), &parsed); err != nil {
		return nil, fmt.Errorf("parse avro schema: %w", err)
	}
	root, err := newAvroCompiler().compile(parsed, "")
	if err != nil {
		return nil, fmt.Errorf("compile avro schema: %w", err)
	}

	return &AvroSerde[T]{schema: schema, codec: codec, root: root}, nil
}

// Schema returns the schema the serde was built with.
func (s *AvroSerde[T]) Schema() string {
	return s.schema
}

func (s *AvroSerde[T]) Serialize(topic string, v T) ([]byte, error) {
	textual, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("avro serialize %s: %w", topic, err)
	}

	dec := json.NewDecoder(bytes.NewReader(textual))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("avro serialize %s: %w", topic, err)
	}

	native, err := s.root.native(generic)
	if err != nil {
		return nil, fmt.Errorf("avro serialize %s: %w", topic, err)
	}
	data, err := s.codec.BinaryFromNative(nil, native)
	if err != nil {
		return nil, fmt.Errorf("avro serialize %s: %w", topic, err)
	}
	return data, nil
}

func (s *AvroSerde[T]) Deserialize(topic string, data []byte) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	native, _, err := s.codec.NativeFromBinary(data)
	if err != nil {
		return v, fmt.Errorf("avro deserialize %s: %w", topic, err)
	}
	generic, err := s.root.generic(native)
	if err != nil {
		return v, fmt.Errorf("avro deserialize %s: %w", topic, err)
	}
	textual, err := json.Marshal(generic)
	if err != nil {
		return v, fmt.Errorf("avro deserialize %s: %w", topic, err)
	}
	if err := json.Unmarshal(textual, &v); err != nil {
		return v, fmt.Errorf("avro deserialize %s: %w", topic, err)
	}
	return v, nil
}

// avroType is a compiled schema node. Named types are shared between every
// reference to them, so recursive records compile to a cycle.
type avroType struct {
	kind     string
	name     string
	fields   []avroField
	items    *avroType
	values   *avroType
	branches []*avroType
}

type avroField struct {
	name       string
	typ        *avroType
	def        any
	hasDefault bool
}

var avroPrimitives = map[string]bool{
	"null": true, "boolean": true, "int": true, "long": true,
	"float": true, "double": true, "bytes": true, "string": true,
}

type avroCompiler struct {
	named map[string]*avroType
}

func newAvroCompiler() *avroCompiler {
	return &avroCompiler{named: make(map[string]*avroType)}
}

func (c *avroCompiler) compile(schema any, namespace string) (*avroType, error) {
	switch s := schema.(type) {
	case string:
		if avroPrimitives[s] {
			return &avroType{kind: s}, nil
		}
		return c.lookup(s, namespace)
	case []any:
		union := &avroType{kind: "union"}
		for _, b := range s {
			branch, err := c.compile(b, namespace)
			if err != nil {
				return nil, err
			}
			union.branches = append(union.branches, branch)
		}
		return union, nil
	case map[string]any:
		return c.compileMap(s, namespace)
	default:
		return nil, fmt.Errorf("unexpected schema %T", schema)
	}
}

func (c *avroCompiler) compileMap(s map[string]any, namespace string) (*avroType, error) {
	kind, ok := s["type"].(string)
	if !ok {
		return c.compile(s["type"], namespace)
	}

	switch kind {
	case "record", "error":
		full, ns := avroFullName(s, namespace)
		node := &avroType{kind: "record", name: full}
		c.named[full] = node

		fields, _ := s["fields"].([]any)
		for _, f := range fields {
			fm, ok := f.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("record %s: field ought to be an object", full)
			}
			name, _ := fm["name"].(string)
			typ, err := c.compile(fm["type"], ns)
			if err != nil {
				return nil, fmt.Errorf("record %s field %s: %w", full, name, err)
			}
			def, hasDefault := fm["default"]
			node.fields = append(node.fields, avroField{name: name, typ: typ, def: def, hasDefault: hasDefault})
		}
		return node, nil
	case "enum", "fixed":
		full, _ := avroFullName(s, namespace)
		node := &avroType{kind: kind, name: full}
		c.named[full] = node
		return node, nil
	case "array":
		items, err := c.compile(s["items"], namespace)
		if err != nil {
			return nil, err
		}
		return &avroType{kind: "array", items: items}, nil
	case "map":
		values, err := c.compile(s["values"], namespace)
		if err != nil {
			return nil, err
		}
		return &avroType{kind: "map", values: values}, nil
	default:
		// Primitives with attributes such as logicalType.
		return c.compile(kind, namespace)
	}
}

func (c *avroCompiler) lookup(name, namespace string) (*avroType, error) {
	if !strings.Contains(name, ".") && namespace != "" {
		if t, ok := c.named[namespace+"."+name]; ok {
			return t, nil
		}
	}
	if t, ok := c.named[name]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("unknown type %q", name)
}

// avroFullName returns the full name of a named type and the namespace its
// own fields resolve names in.
func avroFullName(s map[string]any, enclosing string) (string, string) {
	name, _ := s["name"].(string)
	if i := strings.LastIndex(name, "."); i >= 0 {
		return name, name[:i]
	}
	ns := enclosing
	if explicit, ok := s["namespace"].(string); ok {
		ns = explicit
	}
	if ns == "" {
		return name, ""
	}
	return ns + "." + name, ns
}

// branchName is the key goavro uses for the type inside a union.
func (t *avroType) branchName() string {
	if t.name != "" {
		return t.name
	}
	return t.kind
}

// native converts a value decoded from JSON (numbers as json.Number) into
// goavro's native form, wrapping union values with goavro.Union.
func (t *avroType) native(v any) (any, error) {
	switch t.kind {
	case "null":
		if v != nil {
			return nil, fmt.Errorf("expected null, got %T", v)
		}
		return nil, nil
	case "boolean":
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("expected boolean, got %T", v)
		}
		return b, nil
	case "int":
		n, err := avroInt(v)
		if err != nil {
			return nil, err
		}
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("int %d out of range", n)
		}
		return int32(n), nil
	case "long":
		return avroInt(v)
	case "float":
		f, err := avroFloat(v)
		return float32(f), err
	case "double":
		return avroFloat(v)
	case "string", "enum":
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected %s, got %T", t.kind, v)
		}
		return s, nil
	case "bytes", "fixed":
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected %s, got %T", t.kind, v)
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", t.kind, err)
		}
		return b, nil
	case "array":
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array, got %T", v)
		}
		out := make([]any, len(items))
		for i, item := range items {
			n, err := t.items.native(item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out[i] = n
		}
		return out, nil
	case "map":
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected map, got %T", v)
		}
		out := make(map[string]any, len(m))
		for k, val := range m {
			n, err := t.values.native(val)
			if err != nil {
				return nil, fmt.Errorf("key %s: %w", k, err)
			}
			out[k] = n
		}
		return out, nil
	case "record":
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected record %s, got %T", t.name, v)
		}
		out := make(map[string]any, len(t.fields))
		for _, f := range t.fields {
			val, present := m[f.name]
			if !present && f.hasDefault {
				val = f.def
			}
			n, err := f.typ.native(normalizeDefault(val))
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.name, err)
			}
			out[f.name] = n
		}
		return out, nil
	case "union":
		if v == nil {
			for _, b := range t.branches {
				if b.kind == "null" {
					return nil, nil
				}
			}
			return nil, fmt.Errorf("null not allowed")
		}
		for _, b := range t.branches {
			if b.kind == "null" {
				continue
			}
			if n, err := b.native(v); err == nil {
				return goavro.Union(b.branchName(), n), nil
			}
		}
		return nil, fmt.Errorf("no union branch accepts %T", v)
	default:
		return nil, fmt.Errorf("unsupported type %s", t.kind)
	}
}

// generic unwraps goavro union maps so the result marshals to the JSON shape
// of T.
func (t *avroType) generic(v any) (any, error) {
	switch t.kind {
	case "union":
		if v == nil {
			return nil, nil
		}
		m, ok := v.(map[string]any)
		if !ok || len(m) != 1 {
			return nil, fmt.Errorf("unexpected union value %T", v)
		}
		for name, val := range m {
			for _, b := range t.branches {
				if b.branchName() == name {
					return b.generic(val)
				}
			}
			return nil, fmt.Errorf("unknown union branch %s", name)
		}
		return nil, nil
	case "record":
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected record %s, got %T", t.name, v)
		}
		out := make(map[string]any, len(m))
		for _, f := range t.fields {
			g, err := f.typ.generic(m[f.name])
			if err != nil {
				return nil, fmt.Errorf("field %s: %w", f.name, err)
			}
			out[f.name] = g
		}
		return out, nil
	case "array":
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("expected array, got %T", v)
		}
		out := make([]any, len(items))
		for i, item := range items {
			g, err := t.items.generic(item)
			if err != nil {
				return nil, err
			}
			out[i] = g
		}
		return out, nil
	case "map":
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expected map, got %T", v)
		}
		out := make(map[string]any, len(m))
		for k, val := range m {
			g, err := t.values.generic(val)
			if err != nil {
				return nil, err
			}
			out[k] = g
		}
		return out, nil
	default:
		return v, nil
	}
}

func avroInt(v any) (int64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("expected number, got %T", v)
	}
	return n.Int64()
}

func avroFloat(v any) (float64, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("expected number, got %T", v)
	}
	return n.Float64()
}

// normalizeDefault turns float64 numbers from schema defaults into
// json.Number like the rest of the decoded value.
func normalizeDefault(v any) any {
	switch d := v.(type) {
	case float64:
		return json.Number(fmt.Sprint(d))
	case []any:
		out := make([]any, len(d))
		for i, item := range d {
			out[i] = normalizeDefault(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(d))
		for k, item := range d {
			out[k] = normalizeDefault(item)
		}
		return out
	default:
		return v
	}
}

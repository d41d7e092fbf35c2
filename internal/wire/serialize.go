package wire

import (
	"reflect"
	"strconv"
)

// node identifies one container for cycle detection.
type node struct {
	ptr  uintptr
	kind reflect.Kind
}

type serializer struct {
	exporter Exporter
	maxDepth int
	buffers  [][]byte
	seen     map[node]string // container identity -> JSON Pointer of first occurrence
}

// Serialize walks v and produces its wire representation. Functions are
// exported through exp, buffers are collected by reference, and containers
// already visited in the same walk become back-references. The input tree is
// never mutated.
func (c *Codec) Serialize(v any, exp Exporter) (*Encoded, error) {
	s := &serializer{
		exporter: exp,
		maxDepth: c.maxDepth,
		seen:     make(map[node]string),
	}

	value, err := s.walk(v, "", 0)
	if err != nil {
		return nil, err
	}

	return &Encoded{Value: value, Buffers: s.buffers}, nil
}

func (s *serializer) walk(v any, path string, depth int) (any, error) {
	if depth > s.maxDepth {
		return nil, ErrDepthExceeded
	}

	switch val := v.(type) {
	case nil, bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64,
		float32, float64:
		return v, nil

	case []byte:
		idx := len(s.buffers)
		s.buffers = append(s.buffers, val)
		return map[string]any{bufKey: idx}, nil

	case Func:
		return s.export(val)

	case map[string]any:
		// Zero-length containers cannot participate in a cycle.
		if len(val) > 0 {
			n := node{reflect.ValueOf(val).Pointer(), reflect.Map}
			if first, ok := s.seen[n]; ok {
				return map[string]any{refKey: first}, nil
			}
			s.seen[n] = path
		}

		out := make(map[string]any, len(val))
		for k, elem := range val {
			w, err := s.walk(elem, path+"/"+escapeToken(k), depth+1)
			if err != nil {
				return nil, err
			}
			out[k] = w
		}
		return out, nil

	case []any:
		if len(val) > 0 {
			n := node{reflect.ValueOf(val).Pointer(), reflect.Slice}
			if first, ok := s.seen[n]; ok {
				return map[string]any{refKey: first}, nil
			}
			s.seen[n] = path
		}

		out := make([]any, len(val))
		for i, elem := range val {
			w, err := s.walk(elem, path+"/"+strconv.Itoa(i), depth+1)
			if err != nil {
				return nil, err
			}
			out[i] = w
		}
		return out, nil
	}

	// Any other func shape is exported too; the exporter adapts it.
	if reflect.ValueOf(v).Kind() == reflect.Func {
		return s.export(v)
	}

	// Everything else passes through for the JSON layer to handle.
	return v, nil
}

func (s *serializer) export(fn any) (any, error) {
	if s.exporter == nil {
		return nil, ErrNoExporter
	}
	name := funcName(fn)
	id, err := s.exporter.Export(name, fn)
	if err != nil {
		return nil, err
	}
	return map[string]any{fnKey: id, nameKey: name}, nil
}

// escapeToken escapes one JSON Pointer reference token per RFC 6901.
func escapeToken(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '~':
			out = append(out, '~', '0')
		case '/':
			out = append(out, '~', '1')
		default:
			out = append(out, s[i])
		}
	}
	return string(out)
}

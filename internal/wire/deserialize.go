package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// refMarker is the in-walk stand-in for a back-reference slot awaiting
// resolution.
type refMarker struct {
	pointer string
}

// patch records one container slot to fill once the whole tree is built.
type patch struct {
	parentMap   map[string]any
	parentSlice []any
	key         string
	idx         int
	pointer     string
}

type deserializer struct {
	proxy    ProxyFactory
	buffers  [][]byte
	maxDepth int
	patches  []patch
}

// Deserialize is the structural inverse of Serialize: function tokens become
// proxies via the factory, buffer markers reattach entries of buffers, and
// back-references are resolved after the tree is built so cycles and shared
// nodes keep their identity.
func (c *Codec) Deserialize(v any, buffers [][]byte, proxy ProxyFactory) (any, error) {
	d := &deserializer{
		proxy:    proxy,
		buffers:  buffers,
		maxDepth: c.maxDepth,
	}

	root, err := d.walk(v, 0)
	if err != nil {
		return nil, err
	}
	if rm, ok := root.(refMarker); ok {
		return nil, fmt.Errorf("wire: dangling reference %q at root", rm.pointer)
	}

	for _, p := range d.patches {
		target, err := resolvePointer(root, p.pointer)
		if err != nil {
			return nil, err
		}
		if p.parentMap != nil {
			p.parentMap[p.key] = target
		} else {
			p.parentSlice[p.idx] = target
		}
	}

	return root, nil
}

func (d *deserializer) walk(v any, depth int) (any, error) {
	if depth > d.maxDepth {
		return nil, ErrDepthExceeded
	}

	switch val := v.(type) {
	case map[string]any:
		if pointer, ok := val[refKey].(string); ok {
			return refMarker{pointer: pointer}, nil
		}

		if id, ok := val[fnKey].(string); ok {
			if d.proxy == nil {
				return nil, ErrNoProxyFactory
			}
			name, _ := val[nameKey].(string)
			return d.proxy(id, name), nil
		}

		if rawIdx, ok := val[bufKey]; ok {
			idx, ok := bufferIndex(rawIdx)
			if !ok || idx < 0 || idx >= len(d.buffers) {
				return nil, fmt.Errorf("wire: buffer index %v out of range", rawIdx)
			}
			return d.buffers[idx], nil
		}

		out := make(map[string]any, len(val))
		for k, elem := range val {
			w, err := d.walk(elem, depth+1)
			if err != nil {
				return nil, err
			}
			if rm, ok := w.(refMarker); ok {
				d.patches = append(d.patches, patch{parentMap: out, key: k, pointer: rm.pointer})
				continue
			}
			out[k] = w
		}
		return out, nil

	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			w, err := d.walk(elem, depth+1)
			if err != nil {
				return nil, err
			}
			if rm, ok := w.(refMarker); ok {
				d.patches = append(d.patches, patch{parentSlice: out, idx: i, pointer: rm.pointer})
				continue
			}
			out[i] = w
		}
		return out, nil
	}

	return v, nil
}

// bufferIndex accepts the numeric types a decoder may produce for $buf.
func bufferIndex(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	}
	return 0, false
}

// resolvePointer walks an RFC 6901 JSON Pointer against the built tree.
func resolvePointer(root any, pointer string) (any, error) {
	if pointer == "" {
		return root, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, fmt.Errorf("wire: malformed reference %q", pointer)
	}

	cur := root
	for _, token := range strings.Split(pointer[1:], "/") {
		token = unescapeToken(token)
		switch c := cur.(type) {
		case map[string]any:
			v, ok := c[token]
			if !ok {
				return nil, fmt.Errorf("wire: unresolved reference %q", pointer)
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(token)
			if err != nil || i < 0 || i >= len(c) {
				return nil, fmt.Errorf("wire: unresolved reference %q", pointer)
			}
			cur = c[i]
		default:
			return nil, fmt.Errorf("wire: unresolved reference %q", pointer)
		}
	}
	return cur, nil
}

// unescapeToken reverses RFC 6901 escaping. Order matters: ~1 before ~0.
func unescapeToken(s string) string {
	s = strings.ReplaceAll(s, "~1", "/")
	return strings.ReplaceAll(s, "~0", "~")
}

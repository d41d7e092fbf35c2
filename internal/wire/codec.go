package wire

import (
	"context"
	"errors"
	"reflect"
	"regexp"
	"runtime"
	"strings"
)

// Marker keys embedded in wire values. Reserved: user maps carrying these
// exact keys are interpreted as markers.
const (
	fnKey   = "$fn"
	bufKey  = "$buf"
	refKey  = "$ref"
	nameKey = "name"
)

// DefaultMaxDepth bounds the serialization walk.
const DefaultMaxDepth = 100

var (
	// ErrDepthExceeded fails an operation whose value tree nests deeper
	// than the configured cap.
	ErrDepthExceeded = errors.New("wire: value depth exceeds maximum")

	// ErrRegistryFull fails a serialize that would export a function past
	// the registry capacity. Exporters return it; the codec propagates it
	// unchanged.
	ErrRegistryFull = errors.New("wire: function registry full")

	// ErrNoProxyFactory fails a deserialize that encounters a function
	// token with no factory to build its proxy.
	ErrNoProxyFactory = errors.New("wire: function token without proxy factory")

	// ErrNoExporter fails a serialize that encounters a function with no
	// exporter to own it.
	ErrNoExporter = errors.New("wire: function value without exporter")
)

// Func is the canonical cross-boundary function signature. Arbitrary Go
// functions are adapted to it before export.
type Func func(ctx context.Context, args ...any) (any, error)

// Exporter stores functions discovered during serialization and mints their
// token ids. Implementations return ErrRegistryFull at capacity.
type Exporter interface {
	Export(name string, fn any) (id string, err error)
}

// ProxyFactory builds the callable stand-in for a function token during
// deserialization. Each side controls how its proxies dispatch.
type ProxyFactory func(id, name string) Func

// Encoded is the output of Serialize: a wire-safe value plus the buffers to
// move alongside it. Buffers hold the original byte slices by reference.
type Encoded struct {
	Value   any
	Buffers [][]byte
}

// Codec performs the wire conversion with a configured depth cap.
type Codec struct {
	maxDepth int
}

// NewCodec creates a codec with the default depth cap.
func NewCodec() *Codec {
	return &Codec{maxDepth: DefaultMaxDepth}
}

// NewCodecWithDepth creates a codec with a custom depth cap.
func NewCodecWithDepth(maxDepth int) *Codec {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Codec{maxDepth: maxDepth}
}

var anonymousName = regexp.MustCompile(`^(func)?\d+(\.\d+)*$`)

// funcName recovers a human-readable name for an exported function,
// falling back to "anonymous" for closures.
func funcName(fn any) string {
	f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer())
	if f == nil {
		return "anonymous"
	}

	name := f.Name()
	if i := strings.LastIndexByte(name, '.'); i >= 0 {
		name = name[i+1:]
	}
	name = strings.TrimSuffix(name, "-fm")

	if name == "" || anonymousName.MatchString(name) {
		return "anonymous"
	}
	return name
}

package grpcchan

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/encoding/protowire"
)

// Registration lets servers resolve the codec from the content-subtype the
// dialer advertises.
func init() {
	encoding.RegisterCodec(frameCodec{})
}

// frameField is the tag of the bytes field inside a Frame message.
const frameField = 1

// frame is the single message exchanged on an attach stream. On the wire it
// is a regular protobuf message with one bytes field, so standard tooling
// can decode captures, but it is marshaled by hand to avoid codegen.
type frame struct {
	data []byte
}

// frameCodec is forced on every attach call. Name distinguishes it from the
// default proto codec in the content-subtype.
type frameCodec struct{}

func (frameCodec) Name() string { return "transom-frame" }

func (frameCodec) Marshal(v any) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, fmt.Errorf("grpcchan: codec cannot marshal %T", v)
	}
	out := protowire.AppendTag(nil, frameField, protowire.BytesType)
	return protowire.AppendBytes(out, f.data), nil
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	f, ok := v.(*frame)
	if !ok {
		return fmt.Errorf("grpcchan: codec cannot unmarshal into %T", v)
	}
	f.data = nil
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("grpcchan: malformed frame tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		if num == frameField && typ == protowire.BytesType {
			b, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return fmt.Errorf("grpcchan: malformed frame body: %w", protowire.ParseError(m))
			}
			f.data = b
			data = data[m:]
			continue
		}
		m := protowire.ConsumeFieldValue(num, typ, data)
		if m < 0 {
			return fmt.Errorf("grpcchan: malformed frame field %d: %w", num, protowire.ParseError(m))
		}
		data = data[m:]
	}
	return nil
}

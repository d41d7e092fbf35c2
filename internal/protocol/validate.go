package protocol

import (
	"github.com/bytedance/sonic"
	"go.uber.org/zap"
)

// Validator screens inbound payloads before any handler runs. A nil result
// means "ignore this message"; it is never an error requiring a response.
type Validator struct {
	logger *zap.Logger
}

// NewValidator creates a validator. A nil logger disables diagnostics.
func NewValidator(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{logger: logger}
}

// Validate checks raw against the vocabulary and the kind-specific required
// fields, in order: decodes to a JSON object, has a string type, type is
// known, required fields present and correctly typed. Unknown extra fields
// are ignored.
func (v *Validator) Validate(raw []byte) (*Message, bool) {
	var decoded any
	if err := sonic.Unmarshal(raw, &decoded); err != nil {
		v.logger.Warn("dropping undecodable message", zap.Error(err))
		return nil, false
	}

	obj, ok := decoded.(map[string]any)
	if !ok {
		v.logger.Warn("dropping non-object message")
		return nil, false
	}

	typ, ok := obj["type"].(string)
	if !ok {
		v.logger.Warn("dropping message without string type")
		return nil, false
	}

	if !KnownType(typ) {
		v.logger.Warn("dropping message with unknown type", zap.String("type", typ))
		return nil, false
	}

	msg := &Message{Type: typ}
	if field, ok := v.fill(msg, obj); !ok {
		v.logger.Warn("dropping message with bad field",
			zap.String("type", typ),
			zap.String("field", field),
		)
		return nil, false
	}

	return msg, true
}

// fill extracts kind-specific fields, returning the offending field name on
// failure.
func (v *Validator) fill(msg *Message, obj map[string]any) (string, bool) {
	switch msg.Type {
	case TypeHandshakeInit:
		name, ok := requireString(obj, "name")
		if !ok {
			return "name", false
		}
		base, ok := optionalString(obj, "base")
		if !ok {
			return "base", false
		}
		policy, ok := optionalString(obj, "policy")
		if !ok {
			return "policy", false
		}
		props, ok := optionalObject(obj, "props")
		if !ok {
			return "props", false
		}
		msg.Name, msg.Base, msg.Policy, msg.Props = name, base, policy, props

	case TypeHandshakeReady:
		name, ok := optionalString(obj, "name")
		if !ok {
			return "name", false
		}
		msg.Name = name

	case TypeAttributeChange:
		attr, ok := requireString(obj, "attribute")
		if !ok {
			return "attribute", false
		}
		value, present := obj["value"]
		if !present {
			return "value", false
		}
		msg.Attribute, msg.Value = attr, value

	case TypeEvent, TypeCustomEvent:
		name, ok := requireString(obj, "name")
		if !ok {
			return "name", false
		}
		msg.Name, msg.Data = name, obj["data"]

	case TypeFunctionCall:
		callID, ok := requireString(obj, "callId")
		if !ok {
			return "callId", false
		}
		fnID, ok := requireString(obj, "fnId")
		if !ok {
			return "fnId", false
		}
		params, ok := obj["params"].([]any)
		if !ok {
			return "params", false
		}
		msg.CallID, msg.FnID, msg.Params = callID, fnID, params

	case TypeFunctionResponse:
		callID, ok := requireString(obj, "callId")
		if !ok {
			return "callId", false
		}
		success, ok := obj["success"].(bool)
		if !ok {
			return "success", false
		}
		errMsg, ok := optionalString(obj, "error")
		if !ok {
			return "error", false
		}
		msg.CallID, msg.Success, msg.Result, msg.Error = callID, success, obj["result"], errMsg

	case TypeFunctionRelease:
		fnID, ok := requireString(obj, "fnId")
		if !ok {
			return "fnId", false
		}
		msg.FnID = fnID

	case TypeFunctionReleaseBatch:
		arr, ok := obj["fnIds"].([]any)
		if !ok || len(arr) == 0 {
			return "fnIds", false
		}
		ids := make([]string, 0, len(arr))
		for _, e := range arr {
			s, ok := e.(string)
			if !ok {
				return "fnIds", false
			}
			ids = append(ids, s)
		}
		msg.FnIDs = ids
	}

	return "", true
}

// requireString extracts a required non-empty string field.
func requireString(obj map[string]any, key string) (string, bool) {
	s, ok := obj[key].(string)
	return s, ok && s != ""
}

// optionalString extracts a string field that may be absent, failing only
// when present with the wrong type.
func optionalString(obj map[string]any, key string) (string, bool) {
	raw, present := obj[key]
	if !present || raw == nil {
		return "", true
	}
	s, ok := raw.(string)
	return s, ok
}

// optionalObject extracts an object field that may be absent, failing only
// when present with the wrong type.
func optionalObject(obj map[string]any, key string) (map[string]any, bool) {
	raw, present := obj[key]
	if !present || raw == nil {
		return nil, true
	}
	m, ok := raw.(map[string]any)
	return m, ok
}

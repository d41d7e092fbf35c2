package protocol

import (
	"fmt"

	"github.com/bytedance/sonic"
)

// Wire type values. These are stable identifiers shared with every peer
// implementation and must never change.
const (
	TypeHandshakeInit        = "handshake-init"
	TypeHandshakeReady       = "handshake-ready"
	TypeAttributeChange      = "attribute-change"
	TypeEvent                = "event"
	TypeCustomEvent          = "custom-event"
	TypeFunctionCall         = "function-call"
	TypeFunctionResponse     = "function-response"
	TypeFunctionRelease      = "function-release"
	TypeFunctionReleaseBatch = "function-release-batch"
)

// Conventional event names carried by TypeEvent messages.
const (
	EventRegister   = "register"
	EventUnregister = "unregister"
)

// vocabulary is the set of known wire types.
var vocabulary = map[string]struct{}{
	TypeHandshakeInit:        {},
	TypeHandshakeReady:       {},
	TypeAttributeChange:      {},
	TypeEvent:                {},
	TypeCustomEvent:          {},
	TypeFunctionCall:         {},
	TypeFunctionResponse:     {},
	TypeFunctionRelease:      {},
	TypeFunctionReleaseBatch: {},
}

// KnownType reports whether t is part of the wire vocabulary.
func KnownType(t string) bool {
	_, ok := vocabulary[t]
	return ok
}

// Message is the tagged union over all wire types. Which fields are
// meaningful depends on Type; MarshalJSON emits only those, so a
// handshake-init never carries call fields and vice versa.
type Message struct {
	Type string

	// handshake-init / handshake-ready
	Name   string
	Base   string
	Policy string
	Props  map[string]any

	// attribute-change
	Attribute string
	Value     any

	// event / custom-event (Name doubles as the event name)
	Data any

	// function-call / function-response
	CallID  string
	FnID    string
	Params  []any
	Success bool
	Result  any
	Error   string

	// function-release-batch
	FnIDs []string
}

// NewHandshakeInit builds the host's opening message carrying the initial
// serialized props snapshot.
func NewHandshakeInit(name, base, policy string, props map[string]any) *Message {
	return &Message{
		Type:   TypeHandshakeInit,
		Name:   name,
		Base:   base,
		Policy: policy,
		Props:  props,
	}
}

// NewHandshakeReady builds the guest's handshake acknowledgement.
func NewHandshakeReady(name string) *Message {
	return &Message{Type: TypeHandshakeReady, Name: name}
}

// NewAttributeChange builds a single-key sync message.
func NewAttributeChange(attribute string, value any) *Message {
	return &Message{Type: TypeAttributeChange, Attribute: attribute, Value: value}
}

// NewEvent builds a protocol-conventional event such as register.
func NewEvent(name string, data any) *Message {
	return &Message{Type: TypeEvent, Name: name, Data: data}
}

// NewCustomEvent builds an application-level event.
func NewCustomEvent(name string, data any) *Message {
	return &Message{Type: TypeCustomEvent, Name: name, Data: data}
}

// NewCall builds a function invocation for the peer's registry.
func NewCall(callID, fnID string, params []any) *Message {
	if params == nil {
		params = []any{}
	}
	return &Message{Type: TypeFunctionCall, CallID: callID, FnID: fnID, Params: params}
}

// NewResponse builds a successful function-response.
func NewResponse(callID string, result any) *Message {
	return &Message{Type: TypeFunctionResponse, CallID: callID, Success: true, Result: result}
}

// NewErrorResponse builds a failed function-response carrying the remote
// error message.
func NewErrorResponse(callID, errMsg string) *Message {
	return &Message{Type: TypeFunctionResponse, CallID: callID, Success: false, Error: errMsg}
}

// NewRelease builds a single function reference release.
func NewRelease(fnID string) *Message {
	return &Message{Type: TypeFunctionRelease, FnID: fnID}
}

// NewReleaseBatch builds a bulk release, used on teardown.
func NewReleaseBatch(fnIDs []string) *Message {
	if fnIDs == nil {
		fnIDs = []string{}
	}
	return &Message{Type: TypeFunctionReleaseBatch, FnIDs: fnIDs}
}

// Encode marshals the message for the channel.
func (m *Message) Encode() ([]byte, error) {
	return sonic.Marshal(m)
}

// MarshalJSON emits the kind-specific wire shape. Fields belonging to other
// kinds never leak onto the wire, and presence-required fields (success,
// value, params) are always present.
func (m Message) MarshalJSON() ([]byte, error) {
	switch m.Type {
	case TypeHandshakeInit:
		return sonic.Marshal(struct {
			Type   string         `json:"type"`
			Name   string         `json:"name"`
			Base   string         `json:"base,omitempty"`
			Policy string         `json:"policy,omitempty"`
			Props  map[string]any `json:"props,omitempty"`
		}{m.Type, m.Name, m.Base, m.Policy, m.Props})

	case TypeHandshakeReady:
		return sonic.Marshal(struct {
			Type string `json:"type"`
			Name string `json:"name,omitempty"`
		}{m.Type, m.Name})

	case TypeAttributeChange:
		return sonic.Marshal(struct {
			Type      string `json:"type"`
			Attribute string `json:"attribute"`
			Value     any    `json:"value"`
		}{m.Type, m.Attribute, m.Value})

	case TypeEvent, TypeCustomEvent:
		return sonic.Marshal(struct {
			Type string `json:"type"`
			Name string `json:"name"`
			Data any    `json:"data,omitempty"`
		}{m.Type, m.Name, m.Data})

	case TypeFunctionCall:
		params := m.Params
		if params == nil {
			params = []any{}
		}
		return sonic.Marshal(struct {
			Type   string `json:"type"`
			CallID string `json:"callId"`
			FnID   string `json:"fnId"`
			Params []any  `json:"params"`
		}{m.Type, m.CallID, m.FnID, params})

	case TypeFunctionResponse:
		return sonic.Marshal(struct {
			Type    string `json:"type"`
			CallID  string `json:"callId"`
			Success bool   `json:"success"`
			Result  any    `json:"result,omitempty"`
			Error   string `json:"error,omitempty"`
		}{m.Type, m.CallID, m.Success, m.Result, m.Error})

	case TypeFunctionRelease:
		return sonic.Marshal(struct {
			Type string `json:"type"`
			FnID string `json:"fnId"`
		}{m.Type, m.FnID})

	case TypeFunctionReleaseBatch:
		ids := m.FnIDs
		if ids == nil {
			ids = []string{}
		}
		return sonic.Marshal(struct {
			Type  string   `json:"type"`
			FnIDs []string `json:"fnIds"`
		}{m.Type, ids})
	}

	return nil, fmt.Errorf("unknown message type: %q", m.Type)
}

package host

import (
	"fmt"
	"strings"
)

// Sandbox capability tokens a guest may be granted.
const (
	CapScripts       = "scripts"
	CapSameOrigin    = "same-origin"
	CapForms         = "forms"
	CapPopups        = "popups"
	CapModals        = "modals"
	CapDownloads     = "downloads"
	CapTopNavigation = "top-navigation"
)

// DefaultSandbox is the policy applied when none is configured. It grants
// everything a well-behaved guest needs while still denying navigation of
// the embedding surface, so top-navigation is not in it.
const DefaultSandbox = "scripts+same-origin+forms+popups+modals"

// capOrder fixes the canonical token order for Policy.String.
var capOrder = []string{
	CapScripts,
	CapSameOrigin,
	CapForms,
	CapPopups,
	CapModals,
	CapDownloads,
	CapTopNavigation,
}

var knownCaps = func() map[string]struct{} {
	m := make(map[string]struct{}, len(capOrder))
	for _, c := range capOrder {
		m[c] = struct{}{}
	}
	return m
}()

// Policy is a parsed sandbox capability set.
type Policy struct {
	caps map[string]struct{}
}

// ParsePolicy parses a "+"-separated token list. Unknown or empty tokens
// are rejected rather than ignored, so a typo cannot silently widen or
// narrow a guest's capabilities. An empty string yields the default policy.
func ParsePolicy(s string) (Policy, error) {
	if s == "" {
		s = DefaultSandbox
	}
	caps := make(map[string]struct{})
	for _, token := range strings.Split(s, "+") {
		token = strings.TrimSpace(token)
		if token == "" {
			return Policy{}, fmt.Errorf("host: empty sandbox token in %q", s)
		}
		if _, ok := knownCaps[token]; !ok {
			return Policy{}, fmt.Errorf("host: unknown sandbox token %q", token)
		}
		caps[token] = struct{}{}
	}
	return Policy{caps: caps}, nil
}

// Allows reports whether the policy grants a capability.
func (p Policy) Allows(cap string) bool {
	_, ok := p.caps[cap]
	return ok
}

// String renders the policy in canonical token order.
func (p Policy) String() string {
	out := make([]string, 0, len(p.caps))
	for _, c := range capOrder {
		if _, ok := p.caps[c]; ok {
			out = append(out, c)
		}
	}
	return strings.Join(out, "+")
}

package id

import (
	"strings"
	"sync"
	"testing"
)

func TestGenerate(t *testing.T) {
	gen := NewGenerator()

	id1 := gen.Generate()
	id2 := gen.Generate()

	if id1.String() == id2.String() {
		t.Error("Generated IDs should be unique")
	}
}

func TestGenerateWithPrefix(t *testing.T) {
	gen := NewGenerator()

	tests := []struct {
		prefix string
	}{
		{"fn"},
		{"call"},
		{"guest"},
	}

	for _, tt := range tests {
		id := gen.GenerateWithPrefix(tt.prefix)

		if !strings.HasPrefix(id, tt.prefix+"_") {
			t.Errorf("ID should start with '%s_', got: %s", tt.prefix, id)
		}

		parts := strings.Split(id, "_")
		if len(parts) != 2 {
			t.Errorf("Prefixed ID should have format 'prefix_ulid', got: %s", id)
		}

		if !IsValid(parts[1]) {
			t.Errorf("ULID part should be valid: %s", parts[1])
		}
	}
}

func TestTypedIDGeneration(t *testing.T) {
	fnID := NewFuncID()
	callID := NewCallID()
	guestID := NewGuestID()
	chanID := NewChannelID()

	if !strings.HasPrefix(string(fnID), "fn_") {
		t.Errorf("FuncID should start with 'fn_', got: %s", fnID)
	}
	if !strings.HasPrefix(string(callID), "call_") {
		t.Errorf("CallID should start with 'call_', got: %s", callID)
	}
	if !strings.HasPrefix(string(guestID), "guest_") {
		t.Errorf("GuestID should start with 'guest_', got: %s", guestID)
	}
	if !strings.HasPrefix(string(chanID), "chan_") {
		t.Errorf("ChannelID should start with 'chan_', got: %s", chanID)
	}
}

func TestHasPrefix(t *testing.T) {
	fnID := NewFuncID().String()

	if !HasPrefix(fnID, "fn") {
		t.Errorf("HasPrefix should accept %s as fn id", fnID)
	}
	if HasPrefix(fnID, "call") {
		t.Errorf("HasPrefix should reject %s as call id", fnID)
	}
	if HasPrefix("fn_notaulid", "fn") {
		t.Error("HasPrefix should reject a malformed ULID body")
	}
	if HasPrefix("", "fn") {
		t.Error("HasPrefix should reject empty ids")
	}
}

func TestTimestamp(t *testing.T) {
	callID := NewCallID().String()

	ts, err := Timestamp(callID)
	if err != nil {
		t.Fatalf("Timestamp failed: %v", err)
	}
	if ts.IsZero() {
		t.Error("Timestamp should not be zero")
	}
}

func TestConcurrentGeneration(t *testing.T) {
	gen := NewGenerator()
	const n = 100

	var wg sync.WaitGroup
	seen := sync.Map{}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := gen.GenerateString()
			if _, dup := seen.LoadOrStore(id, true); dup {
				t.Errorf("duplicate id generated: %s", id)
			}
		}()
	}
	wg.Wait()
}

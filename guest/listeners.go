package guest

import (
	"sync"

	"go.uber.org/zap"
)

// Local event names the runtime raises alongside host-sent events.
const (
	// EventError carries receive and deserialization failures.
	EventError = "error"
	// EventSendFailed fires when a message could not be written to the
	// channel. The failed operation also returns the error to its caller.
	EventSendFailed = "message-send-failed"
)

// EventHandler consumes one event's deserialized payload.
type EventHandler func(data any)

// maxPending bounds the per-name buffer of events that arrived before any
// listener existed. Beyond it the newest events are dropped, not the oldest:
// a subscriber that eventually shows up sees the true beginning of the
// stream.
const maxPending = 256

type listenerEntry struct {
	id int
	fn EventHandler
}

// listenerTable routes inbound events to handlers. Events with no handler
// are buffered per name and replayed, in arrival order, to the first
// listener that subscribes; the buffer for that name then clears.
type listenerTable struct {
	mu      sync.Mutex
	nextID  int
	byName  map[string][]listenerEntry
	pending map[string][]any
	logger  *zap.Logger
}

func newListenerTable(logger *zap.Logger) *listenerTable {
	return &listenerTable{
		byName:  make(map[string][]listenerEntry),
		pending: make(map[string][]any),
		logger:  logger,
	}
}

func (t *listenerTable) on(name string, fn EventHandler) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	entry := listenerEntry{id: id, fn: fn}
	t.byName[name] = append(t.byName[name], entry)
	replay := t.pending[name]
	delete(t.pending, name)
	t.mu.Unlock()

	for _, data := range replay {
		t.call(entry, name, data)
	}

	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		entries := t.byName[name]
		for i, e := range entries {
			if e.id == id {
				t.byName[name] = append(entries[:i], entries[i+1:]...)
				return
			}
		}
	}
}

func (t *listenerTable) dispatch(name string, data any) {
	t.mu.Lock()
	entries := make([]listenerEntry, len(t.byName[name]))
	copy(entries, t.byName[name])
	if len(entries) == 0 {
		if len(t.pending[name]) >= maxPending {
			t.mu.Unlock()
			t.logger.Warn("event buffer full, dropping",
				zap.String("event", name))
			return
		}
		t.pending[name] = append(t.pending[name], data)
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	for _, e := range entries {
		t.call(e, name, data)
	}
}

// call isolates listener panics so one bad handler cannot take down the
// reader loop or starve its siblings.
func (t *listenerTable) call(e listenerEntry, name string, data any) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("event listener panicked",
				zap.String("event", name),
				zap.Any("panic", r))
		}
	}()
	e.fn(data)
}

func (t *listenerTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byName = make(map[string][]listenerEntry)
	t.pending = make(map[string][]any)
}

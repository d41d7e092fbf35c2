package host

import (
	"sync"

	"go.uber.org/zap"
)

// Local frame event names, dispatched alongside application events
// re-raised from the guest.
const (
	// EventReady fires once when the guest completes the handshake.
	EventReady = "ready"
	// EventError carries launch, serialization and receive failures.
	EventError = "error"
	// EventSendFailed fires when a message could not be written to the
	// channel. The failed operation also returns the error to its caller.
	EventSendFailed = "message-send-failed"
)

// Event is one local frame notification.
type Event struct {
	Name string
	Data any
}

// Handler consumes local frame events.
type Handler func(evt Event)

type handlerEntry struct {
	id int
	fn Handler
}

// handlerTable routes events to explicitly registered handlers.
type handlerTable struct {
	mu     sync.Mutex
	nextID int
	byName map[string][]handlerEntry
	logger *zap.Logger
}

func newHandlerTable(logger *zap.Logger) *handlerTable {
	return &handlerTable{
		byName: make(map[string][]handlerEntry),
		logger: logger,
	}
}

func (t *handlerTable) on(name string, fn Handler) func() {
	t.mu.Lock()
	t.nextID++
	id := t.nextID
	t.byName[name] = append(t.byName[name], handlerEntry{id: id, fn: fn})
	t.mu.Unlock()

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

func (t *handlerTable) emit(name string, data any) {
	t.mu.Lock()
	entries := make([]handlerEntry, len(t.byName[name]))
	copy(entries, t.byName[name])
	t.mu.Unlock()

	evt := Event{Name: name, Data: data}
	for _, e := range entries {
		t.dispatch(e, evt)
	}
}

// dispatch isolates handler panics so one bad handler cannot take down the
// reader loop or starve its siblings.
func (t *handlerTable) dispatch(e handlerEntry, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("event handler panicked",
				zap.String("event", evt.Name),
				zap.Any("panic", r))
		}
	}()
	e.fn(evt)
}

func (t *handlerTable) clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.byName = make(map[string][]handlerEntry)
}

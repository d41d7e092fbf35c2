package jsguest

import (
	"sync"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"
)

// timerTable tracks live setTimeout/setInterval handles so cleared ids stop
// firing and Close cancels everything.
type timerTable struct {
	mu     sync.Mutex
	nextID int64
	cancel map[int64]func()
}

func newTimerTable() *timerTable {
	return &timerTable{cancel: make(map[int64]func())}
}

func (t *timerTable) after(d time.Duration, fire func(id int64)) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	timer := time.AfterFunc(d, func() { fire(id) })
	t.cancel[id] = func() { timer.Stop() }
	return id
}

func (t *timerTable) every(d time.Duration, fire func()) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	ticker := time.NewTicker(d)
	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				fire()
			case <-stop:
				return
			}
		}
	}()
	var once sync.Once
	t.cancel[id] = func() {
		once.Do(func() {
			ticker.Stop()
			close(stop)
		})
	}
	return id
}

func (t *timerTable) clear(id int64) {
	t.mu.Lock()
	cancel := t.cancel[id]
	delete(t.cancel, id)
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (t *timerTable) drop(id int64) {
	t.mu.Lock()
	delete(t.cancel, id)
	t.mu.Unlock()
}

func (t *timerTable) stopAll() {
	t.mu.Lock()
	cancels := make([]func(), 0, len(t.cancel))
	for _, c := range t.cancel {
		cancels = append(cancels, c)
	}
	t.cancel = make(map[int64]func())
	t.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

// jsSetTimeout schedules a one-shot callback. Extra arguments are passed to
// the callback, matching the usual timer contract.
func (m *VM) jsSetTimeout(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(m.vm.NewTypeError("setTimeout expects a function"))
	}
	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if delay < 0 {
		delay = 0
	}
	args := timerArgs(call)

	id := m.timers.after(delay, func(id int64) {
		m.timers.drop(id)
		m.post(func() {
			if _, err := fn(goja.Undefined(), args...); err != nil {
				m.logger.Warn("timer callback failed", zap.Error(err))
			}
		})
	})
	return m.vm.ToValue(id)
}

func (m *VM) jsSetInterval(call goja.FunctionCall) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(m.vm.NewTypeError("setInterval expects a function"))
	}
	every := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if every < time.Millisecond {
		every = time.Millisecond
	}
	args := timerArgs(call)

	id := m.timers.every(every, func() {
		m.post(func() {
			if _, err := fn(goja.Undefined(), args...); err != nil {
				m.logger.Warn("interval callback failed", zap.Error(err))
			}
		})
	})
	return m.vm.ToValue(id)
}

// jsClearTimer serves both clearTimeout and clearInterval; ids share one
// table and unknown ids are ignored.
func (m *VM) jsClearTimer(call goja.FunctionCall) goja.Value {
	m.timers.clear(call.Argument(0).ToInteger())
	return goja.Undefined()
}

func timerArgs(call goja.FunctionCall) []goja.Value {
	if len(call.Arguments) <= 2 {
		return nil
	}
	return append([]goja.Value(nil), call.Arguments[2:]...)
}

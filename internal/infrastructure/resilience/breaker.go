package resilience

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrOpen is returned by Do while the circuit refuses requests.
var ErrOpen = errors.New("resilience: circuit open")

// State is the circuit position.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Options tunes a breaker. Zero values take the defaults.
type Options struct {
	// Trip opens the circuit after this many consecutive failures.
	Trip uint32
	// Cooldown is how long the circuit stays open before probing again.
	Cooldown time.Duration
	// Probes is how many trial requests half-open admits; that many
	// consecutive successes close the circuit again.
	Probes uint32
	Logger *zap.Logger
}

// Breaker fails fast once a dependency keeps failing: consecutive
// failures open the circuit, Do then returns ErrOpen without calling
// the function until the cooldown elapses and trial requests succeed.
type Breaker struct {
	name   string
	opts   Options
	logger *zap.Logger

	mu         sync.Mutex
	state      State
	generation uint64
	fails      uint32
	probes     uint32
	probeOKs   uint32
	openedAt   time.Time
}

// New builds a breaker. name labels log lines only.
func New(name string, opts Options) *Breaker {
	if opts.Trip == 0 {
		opts.Trip = 5
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	if opts.Probes == 0 {
		opts.Probes = 1
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Breaker{
		name:   name,
		opts:   opts,
		logger: opts.Logger,
	}
}

// State reports the current circuit position.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.position(time.Now())
}

// Do runs fn unless the circuit is open. fn's error is returned as-is;
// a panic counts as a failure and is re-raised.
func (b *Breaker) Do(fn func() error) error {
	gen, err := b.admit()
	if err != nil {
		return err
	}

	done := false
	defer func() {
		if !done {
			b.settle(gen, false)
		}
	}()

	err = fn()
	done = true
	b.settle(gen, err == nil)
	return err
}

func (b *Breaker) admit() (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.position(time.Now()) {
	case StateOpen:
		return b.generation, ErrOpen
	case StateHalfOpen:
		if b.probes >= b.opts.Probes {
			return b.generation, ErrOpen
		}
		b.probes++
	}
	return b.generation, nil
}

// settle records an outcome. Outcomes from before the last state change
// are stale and ignored.
func (b *Breaker) settle(gen uint64, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	state := b.position(time.Now())
	if gen != b.generation {
		return
	}

	switch state {
	case StateClosed:
		if success {
			b.fails = 0
			return
		}
		b.fails++
		if b.fails >= b.opts.Trip {
			b.trip(StateOpen)
		}
	case StateHalfOpen:
		if !success {
			b.trip(StateOpen)
			return
		}
		b.probeOKs++
		if b.probeOKs >= b.opts.Probes {
			b.trip(StateClosed)
		}
	}
}

// position resolves the state at now, moving open to half-open once the
// cooldown has elapsed. Callers hold b.mu.
func (b *Breaker) position(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) >= b.opts.Cooldown {
		b.trip(StateHalfOpen)
	}
	return b.state
}

// trip moves to a new state and starts a fresh generation. Callers hold
// b.mu.
func (b *Breaker) trip(to State) {
	if b.state == to {
		return
	}
	from := b.state
	b.state = to
	b.generation++
	b.fails = 0
	b.probes = 0
	b.probeOKs = 0
	log := b.logger.Info
	if to == StateOpen {
		b.openedAt = time.Now()
		log = b.logger.Warn
	}
	log("circuit state changed",
		zap.String("breaker", b.name),
		zap.String("from", from.String()),
		zap.String("to", to.String()))
}

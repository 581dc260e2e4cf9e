// Package connpool is a bounded pool of long-lived transport connections.
package connpool

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/jackc/puddle/v2"
)

var (
	// ErrExhausted is returned when no connection frees up within the borrow timeout.
	// Callers may retry.
	ErrExhausted = errors.New("connection pool exhausted")
	// ErrClosed is returned by Borrow after Close.
	ErrClosed = errors.New("connection pool closed")
	// ErrDial is returned when no connection could be opened, including a
	// dial still running when the borrow timeout expires.
	ErrDial = errors.New("connection dial failed")
)

// Defaults applied to zero Config fields.
const (
	DefaultMaxTotal      = 8
	DefaultMaxIdle       = 4
	DefaultBorrowTimeout = 5 * time.Second
)

// Config describes how connections are made, checked and torn down
type Config[T any] struct {
	// Dial opens a new connection. Required.
	Dial func(ctx context.Context) (T, error)
	// Close tears a connection down. Optional.
	Close func(T)
	// Alive reports whether a pooled connection is still usable. Optional;
	// without it every pooled connection is assumed alive.
	Alive func(T) bool

	// Zero values take the defaults; MaxIdle is clamped to MaxTotal.
	MaxTotal      int
	MaxIdle       int
	BorrowTimeout time.Duration
}

// Pool hands out at most MaxTotal connections and keeps at most MaxIdle idle ones.
// It is safe for concurrent use.
type Pool[T any] struct {
	res     *puddle.Pool[T]
	alive   func(T) bool
	maxIdle int
	timeout time.Duration

	timeouts atomic.Int64
}

// Lease is a borrowed connection. Exactly one of Return or Destroy takes
// effect; later calls are ignored.
type Lease[T any] struct {
	res  *puddle.Resource[T]
	done atomic.Bool
}

// Value returns the leased connection
func (l *Lease[T]) Value() T { return l.res.Value() }

// Stats is a point-in-time view of the pool
type Stats struct {
	Total    int
	Idle     int
	Borrowed int
	Max      int
	Borrows  int64
	Timeouts int64
}

// New validates cfg and returns an empty pool. Connections are dialed lazily.
func New[T any](cfg Config[T]) (*Pool[T], error) {
	if cfg.Dial == nil {
		return nil, errors.New("connpool: Dial is required")
	}
	if cfg.MaxTotal <= 0 {
		cfg.MaxTotal = DefaultMaxTotal
	}
	if cfg.MaxIdle <= 0 {
		cfg.MaxIdle = DefaultMaxIdle
	}
	if cfg.MaxIdle > cfg.MaxTotal {
		cfg.MaxIdle = cfg.MaxTotal
	}
	if cfg.BorrowTimeout <= 0 {
		cfg.BorrowTimeout = DefaultBorrowTimeout
	}

	closeFn := cfg.Close
	if closeFn == nil {
		closeFn = func(T) {}
	}
	res, err := puddle.NewPool(&puddle.Config[T]{
		Constructor: cfg.Dial,
		Destructor:  closeFn,
		MaxSize:     int32(cfg.MaxTotal),
	})
	if err != nil {
		return nil, fmt.Errorf("connpool: %w", err)
	}
	return &Pool[T]{
		res:     res,
		alive:   cfg.Alive,
		maxIdle: cfg.MaxIdle,
		timeout: cfg.BorrowTimeout,
	}, nil
}

// Borrow returns a live connection, dialing one if the pool has room. It
// waits at most the borrow timeout. When every connection is borrowed for the
// whole wait it fails with ErrExhausted; a dial that fails or does not finish
// in time fails with ErrDial. Dead pooled connections are destroyed and
// replaced.
func (p *Pool[T]) Borrow(ctx context.Context) (*Lease[T], error) {
	bctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	for {
		r, err := p.res.Acquire(bctx)
		if err != nil {
			switch {
			case errors.Is(err, puddle.ErrClosedPool):
				return nil, ErrClosed
			case ctx.Err() != nil:
				return nil, ctx.Err()
			case bctx.Err() == nil:
				return nil, fmt.Errorf("%w: %w", ErrDial, err)
			case p.full():
				p.timeouts.Add(1)
				return nil, fmt.Errorf("%w after %s", ErrExhausted, p.timeout)
			default:
				return nil, fmt.Errorf("%w: no connection within %s: %w", ErrDial, p.timeout, err)
			}
		}
		if p.alive != nil && !p.alive(r.Value()) {
			r.Destroy()
			continue
		}
		return &Lease[T]{res: r}, nil
	}
}

// full reports whether every slot is held by a borrower. A slot that is
// still dialing does not count.
func (p *Pool[T]) full() bool {
	s := p.res.Stat()
	return s.AcquiredResources() >= s.MaxResources()
}

// Return gives l back to the pool. Past the idle limit the connection is
// closed instead. Return never fails and tolerates nil.
func (p *Pool[T]) Return(l *Lease[T]) {
	if l == nil || !l.done.CompareAndSwap(false, true) {
		return
	}
	if int(p.res.Stat().IdleResources()) >= p.maxIdle {
		l.res.Destroy()
		return
	}
	l.res.Release()
}

// Destroy closes the leased connection and frees its slot
func (p *Pool[T]) Destroy(l *Lease[T]) {
	if l == nil || !l.done.CompareAndSwap(false, true) {
		return
	}
	l.res.Destroy()
}

// Stat reports current pool usage
func (p *Pool[T]) Stat() Stats {
	s := p.res.Stat()
	return Stats{
		Total:    int(s.TotalResources()),
		Idle:     int(s.IdleResources()),
		Borrowed: int(s.AcquiredResources()),
		Max:      int(s.MaxResources()),
		Borrows:  s.AcquireCount(),
		Timeouts: p.timeouts.Load(),
	}
}

// Close closes idle connections and waits for borrowed ones to come back
func (p *Pool[T]) Close() {
	p.res.Close()
}

// Package pool keeps a bounded set of engine connections keyed by caller
// supplied strings. Entries are evicted least recently used first when the
// pool is full, and a background sweep drops entries idle for longer than
// the TTL.
//
// Borrowers hold a Lease. A connection that leaves the pool while leased is
// closed when its last lease is released, so eviction never pulls a
// connection out from under a running sandbox.
package pool

import (
	"container/list"
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"k8s.io/utils/clock"

	"github.com/ajaxzhan/localsandbox/internal/engine"
	"github.com/ajaxzhan/localsandbox/internal/logging"
	"github.com/ajaxzhan/localsandbox/internal/metrics"
	"github.com/ajaxzhan/localsandbox/pkg/types"
)

// Factory opens a new engine connection for key.
type Factory func(ctx context.Context, key string) (engine.Engine, error)

// Options configures a Pool.
type Options struct {
	// Capacity is the maximum number of pooled connections.
	Capacity int
	// TTL is how long an entry may go unused before the sweep drops it.
	TTL time.Duration
	// SweepInterval is the period of the idle sweep.
	SweepInterval time.Duration

	Clock  clock.WithTicker
	Logger *zap.Logger
}

const (
	defaultCapacity      = 10
	defaultTTL           = 30 * time.Minute
	defaultSweepInterval = 5 * time.Minute
)

type entry struct {
	key      string
	conn     engine.Engine
	lastUsed time.Time
	element  *list.Element
	refs     int
	removed  bool
}

// Pool is a TTL-swept LRU cache of engine connections.
type Pool struct {
	mu      sync.Mutex
	factory Factory
	opts    Options
	clock   clock.WithTicker
	log     *zap.Logger
	entries map[string]*entry
	lru     *list.List
	dials   singleflight.Group
	closed  bool

	stopCh chan struct{}
	done   chan struct{}
}

// New creates a Pool and starts its idle sweep.
func New(factory Factory, opts Options) *Pool {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}

	p := &Pool{
		factory: factory,
		opts:    opts,
		clock:   opts.Clock,
		log:     logging.OrDefault(opts.Logger).Named("pool"),
		entries: make(map[string]*entry),
		lru:     list.New(),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Get returns a lease on the connection for key, dialing one if needed.
// Concurrent misses for the same key share a single dial.
func (p *Pool) Get(ctx context.Context, key string) (*Lease, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, types.ErrPoolClosed
		}
		if e, ok := p.entries[key]; ok {
			e.lastUsed = p.clock.Now()
			e.refs++
			p.lru.MoveToFront(e.element)
			p.mu.Unlock()
			return &Lease{pool: p, entry: e}, nil
		}
		p.mu.Unlock()

		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err, _ := p.dials.Do(key, func() (any, error) {
			return nil, p.dial(ctx, key)
		}); err != nil {
			return nil, err
		}
	}
}

func (p *Pool) dial(ctx context.Context, key string) error {
	p.mu.Lock()
	_, exists := p.entries[key]
	p.mu.Unlock()
	if exists {
		// Another dial for key finished between our lookup and this one.
		return nil
	}

	conn, err := p.factory(ctx, key)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		conn.Close()
		return types.ErrPoolClosed
	}
	if _, ok := p.entries[key]; ok {
		conn.Close()
		return nil
	}

	for len(p.entries) >= p.opts.Capacity {
		p.evictOldest()
	}

	e := &entry{key: key, conn: conn, lastUsed: p.clock.Now()}
	e.element = p.lru.PushFront(e)
	p.entries[key] = e
	metrics.PoolConnections.Set(float64(len(p.entries)))
	p.log.Debug("connection opened", zap.String("key", key), zap.Int("size", len(p.entries)))
	return nil
}

// evictOldest removes the least recently used entry (must be called with lock held).
func (p *Pool) evictOldest() {
	back := p.lru.Back()
	if back == nil {
		return
	}
	e := back.Value.(*entry)
	p.log.Debug("evicting least recently used connection", zap.String("key", e.key))
	p.remove(e)
	metrics.PoolEvictions.WithLabelValues(metrics.ReasonCapacity).Inc()
}

// remove unmaps e and closes it if nobody holds it (must be called with lock held).
func (p *Pool) remove(e *entry) {
	if e.removed {
		return
	}
	e.removed = true
	p.lru.Remove(e.element)
	delete(p.entries, e.key)
	metrics.PoolConnections.Set(float64(len(p.entries)))
	if e.refs == 0 {
		p.closeConn(e)
	}
}

func (p *Pool) closeConn(e *entry) {
	if err := e.conn.Close(); err != nil {
		p.log.Warn("closing connection failed", zap.String("key", e.key), zap.Error(err))
	}
}

func (p *Pool) run() {
	ticker := p.clock.NewTicker(p.opts.SweepInterval)
	defer close(p.done)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C():
			p.sweep()
		}
	}
}

// sweep drops every entry idle for longer than the TTL.
func (p *Pool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.clock.Now()
	for el := p.lru.Back(); el != nil; {
		e := el.Value.(*entry)
		el = el.Prev()
		if now.Sub(e.lastUsed) <= p.opts.TTL {
			// The list is ordered by last use, so everything in front is fresher.
			break
		}
		p.log.Debug("dropping idle connection", zap.String("key", e.key), zap.Duration("idle", now.Sub(e.lastUsed)))
		p.remove(e)
		metrics.PoolEvictions.WithLabelValues(metrics.ReasonTTL).Inc()
	}
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Close stops the sweep and empties the pool. Idle connections are closed
// now; leased ones are closed when released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.stopCh)
	for _, e := range p.entries {
		p.remove(e)
	}
	p.mu.Unlock()

	<-p.done
	return nil
}

// Lease is a borrowed pool connection.
type Lease struct {
	pool  *Pool
	entry *entry
	once  sync.Once
}

// Key returns the key the lease was obtained for.
func (l *Lease) Key() string {
	return l.entry.key
}

// Engine returns the leased connection.
func (l *Lease) Engine() engine.Engine {
	return l.entry.conn
}

// Touch marks the connection as used now.
func (l *Lease) Touch() {
	p := l.pool
	p.mu.Lock()
	defer p.mu.Unlock()
	if l.entry.removed {
		return
	}
	l.entry.lastUsed = p.clock.Now()
	p.lru.MoveToFront(l.entry.element)
}

// Release gives the lease back. The connection stays pooled.
func (l *Lease) Release() {
	l.once.Do(func() { l.release(false) })
}

// Discard gives the lease back and drops the connection from the pool.
func (l *Lease) Discard() {
	l.once.Do(func() { l.release(true) })
}

func (l *Lease) release(discard bool) {
	p := l.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	e := l.entry
	e.refs--
	if discard && !e.removed {
		p.remove(e)
		return
	}
	if e.removed && e.refs == 0 {
		p.closeConn(e)
	}
}

// Package slotpool implements the fixed-size backend slot pool that backs
// txpipeline.SlotBroker: a shared array of borrowed/idle PostgreSQL backend
// connections, grouped by (username, database) into ordered failover lists,
// handed out and reclaimed under a single mutex and condition variable.
package slotpool

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/yibit/pgagroal/internal/config"
	"github.com/yibit/pgagroal/internal/pgproto"
	"github.com/yibit/pgagroal/internal/txpipeline"
)

// slot is the concrete txpipeline.Slot handed out by Broker.
type slot struct {
	conn       net.Conn
	username   string
	database   string
	server     string
	params     map[string]string
	backendPID uint32
	backendKey uint32
	isNew      bool

	groupKey string
	groupIdx int // index into the group's server list this slot was dialed against
}

func (s *slot) Conn() net.Conn                  { return s.conn }
func (s *slot) Username() string                { return s.username }
func (s *slot) Database() string                { return s.database }
func (s *slot) IsNew() bool                      { return s.isNew }
func (s *slot) ServerName() string              { return s.server }
func (s *slot) ServerParams() map[string]string { return s.params }
func (s *slot) BackendPID() uint32              { return s.backendPID }
func (s *slot) BackendKey() uint32              { return s.backendKey }

// group is the ordered failover list of servers configured for one
// (username, database) pair. idx tracks which entry is currently being
// dialed; Failover advances it and discards idle slots left over from the
// server it moved past.
type group struct {
	key     string
	servers []config.ServerConfig
	idx     int
}

func (g *group) current() config.ServerConfig { return g.servers[g.idx] }

// Broker is a txpipeline.SlotBroker backed by a single fixed-size slot
// array shared across every configured backend. Acquire blocks, subject to
// ctx and the configured acquire timeout, when the array is full.
type Broker struct {
	mu   sync.Mutex
	cond *sync.Cond

	maxConnections int
	acquireTimeout time.Duration
	validateOnIdle bool

	groups map[string]*group

	idle   []*slot
	active map[*slot]struct{}
	total  int
	closed bool

	logger      *slog.Logger
	statsStopCh chan struct{}
}

// New builds a Broker from the pool sizing and server failover lists in
// cfg. Servers sharing a (Username, Database) pair form one failover group,
// in the order they appear in cfg.Servers.
func New(cfg config.Config, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	groups := make(map[string]*group)
	for _, srv := range cfg.Servers {
		key := groupKey(srv.Username, srv.Database)
		g, ok := groups[key]
		if !ok {
			g = &group{key: key}
			groups[key] = g
		}
		g.servers = append(g.servers, srv)
	}

	b := &Broker{
		maxConnections: cfg.Pool.MaxConnections,
		acquireTimeout: cfg.Pool.AcquireTimeout,
		validateOnIdle: cfg.Pool.ValidateOnIdle,
		groups:         groups,
		active:         make(map[*slot]struct{}),
		logger:         logger,
		statsStopCh:    make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func groupKey(username, database string) string {
	return username + "\x00" + database
}

// StatsRecorder receives periodic slot counts, split by server name.
type StatsRecorder interface {
	UpdateSlotStats(server string, active, idle int)
}

// StartStatsLoop runs a goroutine that reports slot counts per server on
// every tick until Close is called.
func (b *Broker) StartStatsLoop(interval time.Duration, recorder StatsRecorder) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				for server, counts := range b.statsSnapshot() {
					recorder.UpdateSlotStats(server, counts[0], counts[1])
				}
			case <-b.statsStopCh:
				return
			}
		}
	}()
}

func (b *Broker) statsSnapshot() map[string][2]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	counts := make(map[string][2]int)
	for s := range b.active {
		c := counts[s.server]
		c[0]++
		counts[s.server] = c
	}
	for _, s := range b.idle {
		c := counts[s.server]
		c[1]++
		counts[s.server] = c
	}
	return counts
}

// Stats summarizes one server's current slot counts, for the admin API.
type Stats struct {
	Server        string `json:"server"`
	Active        int    `json:"active"`
	Idle          int    `json:"idle"`
	CurrentInPool bool   `json:"current_in_pool"`
}

// AllStats reports current slot counts for every configured server,
// flagging which one each failover group is currently dialing against.
func (b *Broker) AllStats() []Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	currentByServer := make(map[string]bool)
	for _, g := range b.groups {
		currentByServer[g.current().Name] = true
	}

	counts := make(map[string][2]int)
	seen := make(map[string]bool)
	for _, g := range b.groups {
		for _, srv := range g.servers {
			seen[srv.Name] = true
		}
	}
	for s := range b.active {
		c := counts[s.server]
		c[0]++
		counts[s.server] = c
	}
	for _, s := range b.idle {
		c := counts[s.server]
		c[1]++
		counts[s.server] = c
	}

	stats := make([]Stats, 0, len(seen))
	for name := range seen {
		c := counts[name]
		stats = append(stats, Stats{Server: name, Active: c[0], Idle: c[1], CurrentInPool: currentByServer[name]})
	}
	return stats
}

// Acquire returns a matching idle slot if one is available for the group's
// currently active server, dials a fresh one if the array has room, or
// blocks until one is returned, the acquire timeout elapses, or ctx is
// cancelled.
func (b *Broker) Acquire(ctx context.Context, username, database string) (txpipeline.Slot, error) {
	key := groupKey(username, database)
	b.mu.Lock()
	g, ok := b.groups[key]
	if !ok {
		b.mu.Unlock()
		return nil, fmt.Errorf("slotpool: no configured server for %s/%s", username, database)
	}

	deadline := time.Now().Add(b.acquireTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}

	// Wake the wait below when ctx is cancelled, not only on a return or
	// the timeout.
	stopWake := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		b.cond.Broadcast()
		b.mu.Unlock()
	})
	defer stopWake()

	for {
		select {
		case <-ctx.Done():
			b.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if b.closed {
			b.mu.Unlock()
			return nil, fmt.Errorf("slotpool: closed")
		}

		for i, s := range b.idle {
			if s.groupKey != key || s.groupIdx != g.idx {
				continue
			}
			b.idle = append(b.idle[:i], b.idle[i+1:]...)
			if b.validateOnIdle && !probeAlive(s.conn) {
				s.conn.Close()
				b.total--
				continue
			}
			s.isNew = false
			b.active[s] = struct{}{}
			b.mu.Unlock()
			return s, nil
		}

		if b.total < b.maxConnections {
			b.total++
			srv := g.current()
			groupIdx := g.idx
			b.mu.Unlock()

			s, err := dial(ctx, srv, key, groupIdx)
			if err != nil {
				b.mu.Lock()
				b.total--
				b.mu.Unlock()
				return nil, fmt.Errorf("slotpool: dialing %s: %w", srv.Name, err)
			}
			s.isNew = true

			b.mu.Lock()
			b.active[s] = struct{}{}
			b.mu.Unlock()
			return s, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			b.mu.Unlock()
			return nil, fmt.Errorf("slotpool: acquire timeout (%s): pool exhausted", b.acquireTimeout)
		}
		timer := time.AfterFunc(remaining, func() { b.cond.Broadcast() })
		b.cond.Wait()
		timer.Stop()

		if b.closed {
			b.mu.Unlock()
			return nil, fmt.Errorf("slotpool: closed")
		}
		if time.Now().After(deadline) {
			b.mu.Unlock()
			return nil, fmt.Errorf("slotpool: acquire timeout (%s): pool exhausted", b.acquireTimeout)
		}
	}
}

// dial connects and authenticates a fresh backend connection for srv,
// producing a slot attributed to the given failover group/index.
func dial(ctx context.Context, srv config.ServerConfig, key string, groupIdx int) (*slot, error) {
	dialer := net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	addr := net.JoinHostPort(srv.Host, fmt.Sprintf("%d", srv.Port))
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	res, err := pgproto.PerformHandshake(conn, srv.Username, srv.Database, srv.Password)
	if err != nil {
		conn.Close()
		return nil, err
	}

	return &slot{
		conn:       conn,
		username:   srv.Username,
		database:   srv.Database,
		server:     srv.Name,
		params:     res.Params,
		backendPID: res.BackendPID,
		backendKey: res.BackendKey,
		groupKey:   key,
		groupIdx:   groupIdx,
	}, nil
}

// probeAlive peeks at an idle connection with a 1ms read deadline to catch
// a peer that closed while the slot sat idle. A timeout means still alive;
// anything else, including a stray byte, is treated as dead.
func probeAlive(conn net.Conn) bool {
	if err := conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return true
	}
	defer conn.SetReadDeadline(time.Time{})
	var buf [1]byte
	_, err := conn.Read(buf[:])
	if err == nil {
		return false
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

func (b *Broker) toSlot(s txpipeline.Slot) (*slot, bool) {
	concrete, ok := s.(*slot)
	return concrete, ok
}

// Return hands a slot back for reuse, unless the broker has since moved
// its group's failover pointer past the server it was dialed against, in
// which case it is closed instead.
func (b *Broker) Return(s txpipeline.Slot) error {
	cs, ok := b.toSlot(s)
	if !ok {
		return fmt.Errorf("slotpool: Return called with a slot this broker did not issue")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.active, cs)

	g := b.groups[cs.groupKey]
	if b.closed || g == nil || g.idx != cs.groupIdx {
		cs.conn.Close()
		b.total--
		b.cond.Signal()
		return nil
	}

	b.idle = append(b.idle, cs)
	b.cond.Signal()
	return nil
}

// Discard closes a slot's connection instead of recycling it, e.g. after a
// FATAL/PANIC ErrorResponse or a failed write.
func (b *Broker) Discard(s txpipeline.Slot) {
	cs, ok := b.toSlot(s)
	if !ok {
		return
	}
	b.mu.Lock()
	delete(b.active, cs)
	b.mu.Unlock()
	cs.conn.Close()

	b.mu.Lock()
	b.total--
	b.cond.Signal()
	b.mu.Unlock()
}

// Failover advances the slot's failover group to the next configured
// server and discards every idle slot left over from the server it moved
// past, so future acquisitions dial the new target instead of handing out
// a stale connection.
func (b *Broker) Failover(s txpipeline.Slot) {
	cs, ok := b.toSlot(s)
	if !ok {
		return
	}

	b.mu.Lock()
	delete(b.active, cs)
	g := b.groups[cs.groupKey]
	if g != nil && g.idx == cs.groupIdx {
		g.idx = (g.idx + 1) % len(g.servers)
		b.logger.Warn("failing over", "from", cs.server, "to", g.current().Name)
	}

	kept := b.idle[:0]
	for _, idleSlot := range b.idle {
		if idleSlot.groupKey == cs.groupKey && idleSlot.groupIdx != g.idx {
			idleSlot.conn.Close()
			b.total--
		} else {
			kept = append(kept, idleSlot)
		}
	}
	b.idle = kept
	b.total--
	b.cond.Broadcast()
	b.mu.Unlock()

	cs.conn.Close()
}

// Close shuts down the broker: no further Acquire call will succeed, idle
// connections are closed immediately, and any goroutine blocked in Acquire
// is woken with an error.
func (b *Broker) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.statsStopCh)
	for _, s := range b.idle {
		s.conn.Close()
		b.total--
	}
	b.idle = nil
	b.cond.Broadcast()
	b.mu.Unlock()
}

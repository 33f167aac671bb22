package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"riskwatch/internal/events"
	"riskwatch/internal/monitor"
	"riskwatch/pkg/cache"
	"riskwatch/pkg/db"
)

// Connection health states reported by Health.
const (
	StateConnected    = "connected"
	StateDisconnected = "disconnected"
	StateReconnecting = "reconnecting"
)

// TickHandler consumes dispatched price ticks. Handlers run on the read
// goroutine in registration order; a slow handler delays the feed.
type TickHandler func(events.Tick)

// AccountDirectory supplies failover candidates and records health marks.
// Candidates returns the current primary first, then backups by priority,
// skipping accounts marked inactive.
type AccountDirectory interface {
	Candidates(ctx context.Context) ([]db.Account, error)
	Promote(ctx context.Context, id, reason string) error
	MarkHealth(ctx context.Context, id, health string) error
}

// ReplaySource yields the full subscription set to restore after a reconnect.
type ReplaySource interface {
	ActiveSet() []Subscription
}

// Config holds connection tuning.
type Config struct {
	ConnectTimeout    time.Duration
	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxRetriesPerHost int
	PingInterval      time.Duration
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

// Manager owns the single shared feed connection. All consumers go through
// Acquire; concurrent callers share one connect attempt.
type Manager struct {
	cfg     Config
	dialer  Dialer
	dir     AccountDirectory
	store   *db.Database
	bus     *events.Bus
	prices  *cache.ShardedPriceCache
	metrics *monitor.SystemMetrics

	mu         sync.Mutex
	state      string
	conn       Conn
	gen        int
	account    db.Account
	hasAccount bool
	attempt    *connectAttempt
	pending    []controlFrame
	closed     bool

	handlerMu sync.RWMutex
	handlers  []TickHandler

	// writeMu serializes frames onto the wire.
	writeMu sync.Mutex

	replay    ReplaySource
	closeOnce sync.Once
}

// NewManager builds a connection manager. SetReplaySource must be called
// before the first Acquire.
func NewManager(cfg Config, dialer Dialer, dir AccountDirectory, store *db.Database,
	bus *events.Bus, prices *cache.ShardedPriceCache, metrics *monitor.SystemMetrics) *Manager {
	if cfg.MaxRetriesPerHost <= 0 {
		cfg.MaxRetriesPerHost = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 60 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Manager{
		cfg:     cfg,
		dialer:  dialer,
		dir:     dir,
		store:   store,
		bus:     bus,
		prices:  prices,
		metrics: metrics,
		state:   StateDisconnected,
	}
}

// SetReplaySource wires the subscription ledger used for post-reconnect replay.
func (m *Manager) SetReplaySource(s ReplaySource) {
	m.mu.Lock()
	m.replay = s
	m.mu.Unlock()
}

// OnTick registers a tick handler. Registration happens at startup, before
// the first Acquire; handlers are invoked in registration order.
func (m *Manager) OnTick(h TickHandler) {
	m.handlerMu.Lock()
	m.handlers = append(m.handlers, h)
	m.handlerMu.Unlock()
}

// Health returns connected, disconnected or reconnecting.
func (m *Manager) Health() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentAccount returns the account backing the live connection, if any.
func (m *Manager) CurrentAccount() (db.Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.account, m.hasAccount
}

// PendingControl reports how many control frames are queued for replay.
func (m *Manager) PendingControl() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Acquire ensures the shared connection is up. Concurrent callers during a
// connect share the in-flight attempt and its result.
func (m *Manager) Acquire(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state == StateConnected {
		m.mu.Unlock()
		return nil
	}
	if m.attempt != nil {
		a := m.attempt
		m.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &connectAttempt{done: make(chan struct{})}
	m.attempt = a
	m.state = StateReconnecting
	m.mu.Unlock()

	err := m.connect(ctx)

	m.mu.Lock()
	a.err = err
	m.attempt = nil
	if err != nil && m.state == StateReconnecting {
		m.state = StateDisconnected
	}
	m.mu.Unlock()
	close(a.done)
	return err
}

// connect walks the candidate accounts, retrying each with capped exponential
// backoff before moving to the next.
func (m *Manager) connect(ctx context.Context) error {
	cands, err := m.dir.Candidates(ctx)
	if err != nil {
		return fmt.Errorf("list failover candidates: %w", err)
	}
	if len(cands) == 0 {
		return ErrConnectionExhausted
	}

	var lastErr error
	for _, acct := range cands {
		bo := &Backoff{Base: m.cfg.BackoffBase, Cap: m.cfg.BackoffCap}
		for try := 1; try <= m.cfg.MaxRetriesPerHost; try++ {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			m.metrics.IncrementReconnects()
			_ = m.store.AppendActivity(ctx, acct.ID, "connect_attempt",
				fmt.Sprintf("attempt %d/%d to %s", try, m.cfg.MaxRetriesPerHost, acct.WSURL))

			conn, err := m.dialAndAuth(ctx, acct)
			if err == nil {
				if err = m.adopt(ctx, conn, acct); err == nil {
					return nil
				}
			}
			lastErr = err
			log.Printf("[stream] connect %s attempt %d failed: %v", acct.Name, try, err)

			if errors.Is(err, ErrAuthentication) {
				_ = m.store.AppendActivity(ctx, acct.ID, "auth_failed", err.Error())
				break // credentials are wrong, retrying won't help
			}
			if try < m.cfg.MaxRetriesPerHost {
				delay := bo.Next()
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
		_ = m.dir.MarkHealth(ctx, acct.ID, db.HealthDisconnected)
	}
	if lastErr != nil {
		return fmt.Errorf("%w: last error: %v", ErrConnectionExhausted, lastErr)
	}
	return ErrConnectionExhausted
}

// dialAndAuth opens a connection and completes the authenticate handshake.
func (m *Manager) dialAndAuth(ctx context.Context, acct db.Account) (Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(dctx, acct.WSURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	frame, err := controlFrame{Action: opAuthenticate, APIKey: acct.APIKey}.encode()
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(frame); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	type readResult struct {
		msg []byte
		err error
	}
	ch := make(chan readResult, 1)
	go func() {
		msg, err := conn.ReadMessage()
		ch <- readResult{msg, err}
	}()

	select {
	case <-dctx.Done():
		conn.Close()
		return nil, fmt.Errorf("%w: auth handshake timeout", ErrTransient)
	case r := <-ch:
		if r.err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: %v", ErrTransient, r.err)
		}
		f, perr := parseServerFrame(r.msg)
		if perr != nil {
			conn.Close()
			return nil, perr
		}
		if f.Type == "auth" && f.Status != "ok" {
			conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrAuthentication, f.Message)
		}
		return conn, nil
	}
}

// adopt installs a fresh connection: replay the full subscription set, drain
// queued control frames, then start the read and ping loops. A write failure
// before the read loop starts tears the connection down and reports an error,
// so the caller retries instead of leaving a connected state nobody watches.
func (m *Manager) adopt(ctx context.Context, conn Conn, acct db.Account) error {
	m.mu.Lock()
	prev := m.account
	hadPrev := m.hasAccount
	m.conn = conn
	m.account = acct
	m.hasAccount = true
	m.state = StateConnected
	m.gen++
	gen := m.gen
	pending := m.pending
	m.pending = nil
	replay := m.replay
	m.mu.Unlock()

	_ = m.dir.MarkHealth(ctx, acct.ID, db.HealthConnected)
	_ = m.store.AppendActivity(ctx, acct.ID, "connected", acct.WSURL)
	m.bus.Publish(events.EventConnState, events.ConnState{
		AccountID: acct.ID, State: StateConnected, At: time.Now(),
	})
	log.Printf("[stream] connected to %s (%s)", acct.Name, acct.WSURL)

	if acct.Role != db.RolePrimary {
		prevID := ""
		if hadPrev {
			prevID = prev.ID
		}
		if err := m.dir.Promote(ctx, acct.ID, "failover"); err != nil {
			log.Printf("[stream] promote %s failed: %v", acct.ID, err)
		} else {
			m.metrics.IncrementPromotions()
			_ = m.store.AppendActivity(ctx, acct.ID, "promoted", "failover from "+prevID)
			m.bus.Publish(events.EventAccountPromoted, events.AccountPromoted{
				FromAccountID: prevID, ToAccountID: acct.ID, Reason: "failover", At: time.Now(),
			})
			log.Printf("[stream] promoted backup %s to primary", acct.Name)
		}
	}

	// Replay first so the feed state matches the ledger, then drain frames
	// queued while disconnected. The feed dedupes repeated subscribes.
	if replay != nil {
		for _, f := range replayFrames(replay.ActiveSet()) {
			if err := m.writeFrame(conn, f); err != nil {
				return m.abandon(ctx, conn, acct, fmt.Errorf("subscription replay: %w", err))
			}
		}
	}
	for _, f := range pending {
		if err := m.writeFrame(conn, f); err != nil {
			return m.abandon(ctx, conn, acct, fmt.Errorf("drain queued control: %w", err))
		}
	}

	go m.readLoop(conn, acct, gen)
	if m.cfg.PingInterval > 0 {
		go m.pingLoop(conn, gen)
	}
	return nil
}

// abandon discards a connection that died during adoption. The failed frames
// are already back on the pending queue, so the next adopt resends them.
func (m *Manager) abandon(ctx context.Context, conn Conn, acct db.Account, cause error) error {
	conn.Close()
	m.mu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.state = StateReconnecting
	}
	m.mu.Unlock()

	log.Printf("[stream] dropping %s: %v", acct.Name, cause)
	_ = m.dir.MarkHealth(ctx, acct.ID, db.HealthDisconnected)
	_ = m.store.AppendActivity(ctx, acct.ID, "disconnected", cause.Error())
	m.bus.Publish(events.EventConnState, events.ConnState{
		AccountID: acct.ID, State: StateDisconnected, Detail: cause.Error(), At: time.Now(),
	})
	return cause
}

// replayFrames batches the active set into one subscribe frame per mode.
func replayFrames(subs []Subscription) []controlFrame {
	byMode := make(map[Mode][]Instrument)
	for _, s := range subs {
		byMode[s.Mode] = append(byMode[s.Mode], s.Instrument)
	}
	modes := make([]int, 0, len(byMode))
	for mode := range byMode {
		modes = append(modes, int(mode))
	}
	sort.Ints(modes)

	frames := make([]controlFrame, 0, len(modes))
	for _, mode := range modes {
		frames = append(frames, controlFrame{
			Action:      OpSubscribe,
			Mode:        mode,
			Instruments: byMode[Mode(mode)],
		})
	}
	return frames
}

// Send issues a subscribe/unsubscribe. While disconnected the frame is queued
// and flushed after the subscription replay on the next connect.
func (m *Manager) Send(ctx context.Context, op string, instruments []Instrument, mode Mode) error {
	if len(instruments) == 0 {
		return nil
	}
	frame := controlFrame{Action: op, Mode: int(mode), Instruments: instruments}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	if m.state != StateConnected {
		m.pending = append(m.pending, frame)
		state := m.state
		m.mu.Unlock()
		log.Printf("[stream] queued %s for %d instruments while %s", op, len(instruments), state)
		return nil
	}
	conn := m.conn
	m.mu.Unlock()

	return m.writeFrame(conn, frame)
}

func (m *Manager) writeFrame(conn Conn, f controlFrame) error {
	b, err := f.encode()
	if err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err := conn.WriteMessage(b); err != nil {
		// The read loop will notice the broken connection; keep the frame
		// for the post-reconnect drain.
		m.mu.Lock()
		if f.Action != opPing {
			m.pending = append(m.pending, f)
		}
		m.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if f.Action == OpSubscribe || f.Action == OpUnsubscribe {
		m.metrics.IncrementControlMessages()
	}
	return nil
}

// readLoop is the single reader; it owns tick dispatch.
func (m *Manager) readLoop(conn Conn, acct db.Account, gen int) {
	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(acct, gen, err)
			return
		}
		f, perr := parseServerFrame(msg)
		if perr != nil {
			log.Printf("[stream] %v", perr)
			continue
		}
		switch f.Type {
		case "tick":
			t := f.tick()
			if !m.prices.Set(t.Key(), t.LTP) {
				// Zero tick from the feed: fall back to the last valid price.
				last, ok := m.prices.Get(t.Key())
				if !ok {
					continue
				}
				t.LTP = last
			}
			m.metrics.IncrementTicks()
			m.bus.Publish(events.EventPriceTick, t)
			m.dispatch(t)
		case "auth", "ack", "pong":
			// handshake echoes and keepalives
		case "error":
			log.Printf("[stream] feed error: %s", f.Message)
		}
	}
}

// dispatch runs handlers in registration order, isolating panics.
func (m *Manager) dispatch(t events.Tick) {
	m.handlerMu.RLock()
	handlers := m.handlers
	m.handlerMu.RUnlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.metrics.IncrementErrors()
					log.Printf("[stream] tick handler panic: %v", r)
				}
			}()
			h(t)
		}()
	}
}

func (m *Manager) handleDisconnect(acct db.Account, gen int, cause error) {
	m.mu.Lock()
	if m.closed || gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	m.conn = nil
	m.mu.Unlock()

	log.Printf("[stream] connection to %s lost: %v", acct.Name, cause)
	ctx := context.Background()
	_ = m.dir.MarkHealth(ctx, acct.ID, db.HealthDisconnected)
	_ = m.store.AppendActivity(ctx, acct.ID, "disconnected", cause.Error())
	m.bus.Publish(events.EventConnState, events.ConnState{
		AccountID: acct.ID, State: StateDisconnected, Detail: cause.Error(), At: time.Now(),
	})

	go func() {
		if err := m.Acquire(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
			m.metrics.IncrementErrors()
			log.Printf("[stream] reconnect failed: %v", err)
		}
	}()
}

func (m *Manager) pingLoop(conn Conn, gen int) {
	ticker := time.NewTicker(m.cfg.PingInterval)
	defer ticker.Stop()
	for range ticker.C {
		m.mu.Lock()
		stale := m.closed || gen != m.gen
		m.mu.Unlock()
		if stale {
			return
		}
		if err := m.writeFrame(conn, controlFrame{Action: opPing}); err != nil {
			return
		}
	}
}

// Close shuts the connection down; idempotent.
func (m *Manager) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		conn := m.conn
		m.conn = nil
		m.state = StateDisconnected
		m.gen++
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

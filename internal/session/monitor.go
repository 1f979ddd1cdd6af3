// Package session runs the background monitor that keeps a signed-in
// session valid and ends it on expiry, inactivity or a concurrent sign-in.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/tenantgate/internal/autherr"
	"github.com/wolfeidau/tenantgate/internal/models"
	"github.com/wolfeidau/tenantgate/internal/resilience"
	"github.com/wolfeidau/tenantgate/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"
)

var (
	// ErrSessionExpired is returned by Check once the session has ended.
	ErrSessionExpired = errors.New("session expired")

	// ErrAlreadyStarted is returned when Start is called twice.
	ErrAlreadyStarted = errors.New("monitor already started")
)

// Source fetches the authoritative session status from the backend-of-record.
type Source interface {
	CurrentSession(ctx context.Context) (*models.SessionStatus, error)
}

// Toucher records user activity on the backend-of-record.
type Toucher interface {
	TouchSession(ctx context.Context) error
}

// Terminator ends the session on the backend-of-record.
type Terminator interface {
	Logout(ctx context.Context) error
}

// Refresher rotates the session's tokens.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Trigger is an on-demand reason to check the session.
type Trigger int

const (
	TriggerVisible Trigger = iota // tab became visible
	TriggerOnline                 // connectivity regained
)

func (t Trigger) String() string {
	switch t {
	case TriggerVisible:
		return "visible"
	case TriggerOnline:
		return "online"
	default:
		return "unknown"
	}
}

// Config configures a Monitor.
type Config struct {
	// Interval between scheduled checks.
	// Default: 60s
	Interval time.Duration

	// MaxAge is both the idle limit and the session lifetime since creation
	// or the last token refresh.
	// Default: 30m
	MaxAge time.Duration

	// RefreshThreshold triggers a refresh when less lifetime than this remains.
	// Default: 5m
	RefreshThreshold time.Duration

	// AllowConcurrentSessions disables concurrent session eviction.
	AllowConcurrentSessions bool

	// CallTimeout bounds each backend call.
	// Default: 10s
	CallTimeout time.Duration

	// Policy is the retry policy for session status calls.
	// Default: a single attempt, the next tick is the retry.
	Policy resilience.Policy

	// Breaker guards the session status endpoint.
	// Default: a breaker named "session-status".
	Breaker *resilience.CircuitBreaker

	// EventBuffer is the event channel capacity.
	// Default: 16
	EventBuffer int
}

// ApplyDefaults applies default values to unset fields.
func (c *Config) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.MaxAge <= 0 {
		c.MaxAge = 30 * time.Minute
	}
	if c.RefreshThreshold <= 0 {
		c.RefreshThreshold = 5 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.Policy.MaxAttempts <= 0 {
		c.Policy.MaxAttempts = 1
	}
	c.Policy.ApplyDefaults()
	if c.Breaker == nil {
		c.Breaker = resilience.NewCircuitBreaker(resilience.BreakerConfig{Name: "session-status"})
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 16
	}
}

// Validate checks the configuration is coherent.
func (c *Config) Validate() error {
	if c.RefreshThreshold >= c.MaxAge {
		return fmt.Errorf("refresh threshold %s must be less than max age %s", c.RefreshThreshold, c.MaxAge)
	}
	return nil
}

// Monitor polls session validity on a fixed interval plus on-demand triggers
// and emits lifecycle events. Once the session expires the monitor stops its
// own loop and makes no further backend calls.
type Monitor struct {
	cfg       Config
	source    Source
	refresher Refresher
	now       func() time.Time

	events  chan Event
	trigger chan Trigger
	touches *rate.Limiter

	// serialises checks between the loop and direct Check callers
	checkMu sync.Mutex

	mu             sync.Mutex
	expired        bool
	closed         bool
	started        bool
	lastActivity   time.Time
	touchPending   bool
	lastRefresh    time.Time
	location       string
	connectionLost bool
	dropped        int

	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMonitor creates a Monitor. refresher may be nil when tokens are managed
// elsewhere; source may also implement Toucher and Terminator.
func NewMonitor(cfg Config, source Source, refresher Refresher) (*Monitor, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid session monitor config: %w", err)
	}
	if source == nil {
		return nil, errors.New("session source is required")
	}

	return &Monitor{
		cfg:       cfg,
		source:    source,
		refresher: refresher,
		now:       time.Now,
		events:    make(chan Event, cfg.EventBuffer),
		trigger:   make(chan Trigger, 1),
		touches:   rate.NewLimiter(rate.Every(cfg.Interval), 1),
	}, nil
}

// Events returns the event channel. It is closed by Stop.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// Expired returns true once a sessionExpired event has been emitted.
func (m *Monitor) Expired() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expired
}

// Dropped returns the number of events dropped because nobody was reading.
func (m *Monitor) Dropped() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

// SetLocation records the caller's current location, reported as the return
// URL on terminal events.
func (m *Monitor) SetLocation(location string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.location = location
}

// RecordActivity notes user activity. The backend is touched at most once per
// interval, from the monitor loop.
func (m *Monitor) RecordActivity() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.expired {
		return
	}
	m.lastActivity = m.now()
	m.touchPending = true
}

// Trigger requests an immediate check. Triggers arriving while one is already
// queued are coalesced.
func (m *Monitor) Trigger(t Trigger) {
	select {
	case m.trigger <- t:
	default:
	}
}

// Start runs an immediate check and then the polling loop until Stop is called,
// ctx is canceled or the session expires.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return ErrAlreadyStarted
	}
	if m.closed {
		m.mu.Unlock()
		return errors.New("monitor stopped")
	}
	m.started = true
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop(loopCtx)

	return nil
}

// Stop stops the loop and closes the event channel. It is safe to call more
// than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		cancel := m.cancel
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		m.wg.Wait()

		m.mu.Lock()
		m.closed = true
		close(m.events)
		m.mu.Unlock()

		log.Debug().Msg("session monitor stopped")
	})
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	if err := m.Check(ctx); err != nil && !errors.Is(err, ErrSessionExpired) {
		log.Debug().Err(err).Msg("initial session check failed")
	}

	for {
		if m.Expired() {
			return
		}

		select {
		case <-ctx.Done():
			return

		case <-ticker.C:
			m.tick(ctx, "interval")

		case t := <-m.trigger:
			m.tick(ctx, t.String())
		}
	}
}

func (m *Monitor) tick(ctx context.Context, cause string) {
	log.Debug().Str("cause", cause).Msg("checking session")
	if err := m.Check(ctx); err != nil && !errors.Is(err, ErrSessionExpired) && !autherr.IsCanceled(err) {
		log.Debug().Err(err).Str("cause", cause).Msg("session check failed")
	}
}

// Check runs one monitor tick. It returns ErrSessionExpired without any
// backend call once the session has ended.
func (m *Monitor) Check(ctx context.Context) error {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	if m.Expired() {
		return ErrSessionExpired
	}

	status, err := resilience.GuardValue(ctx, m.cfg.Policy, m.cfg.Breaker, func(ctx context.Context) (*models.SessionStatus, error) {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		defer cancel()
		return m.source.CurrentSession(cctx)
	})
	switch {
	case err == nil && status == nil:
		m.expire(ReasonUnauthenticated, nil)
		return ErrSessionExpired
	case err == nil:
		m.restored()
	case autherr.IsCanceled(err):
		return err
	case errors.Is(err, autherr.ErrUnauthenticated),
		errors.Is(err, autherr.ErrNotFound),
		errors.Is(err, autherr.ErrAuthExpired):
		m.expire(ReasonUnauthenticated, err)
		return ErrSessionExpired
	default:
		m.lost(err)
		return err
	}

	now := m.now()

	if idle := now.Sub(m.effectiveActivity(status)); idle > m.cfg.MaxAge {
		log.Info().Dur("idle", idle).Str("subject", status.Identity.Subject).Msg("session idle beyond max age")
		m.expire(ReasonInactivity, nil)
		return ErrSessionExpired
	}

	remaining := m.cfg.MaxAge - now.Sub(m.sessionStart(status))
	if remaining <= 0 {
		m.expire(ReasonExpired, nil)
		return ErrSessionExpired
	}

	if remaining < m.cfg.RefreshThreshold && m.refresher != nil {
		if err := m.refresh(ctx); err != nil {
			return err
		}
	}

	if !m.cfg.AllowConcurrentSessions && status.ConcurrentSessions > 1 {
		m.evictConcurrent(ctx, status.ConcurrentSessions)
		return ErrSessionExpired
	}

	m.flushTouch(ctx)

	return nil
}

// effectiveActivity is the latest of the backend's and the locally recorded
// activity, falling back to the session creation time.
func (m *Monitor) effectiveActivity(status *models.SessionStatus) time.Time {
	m.mu.Lock()
	local := m.lastActivity
	m.mu.Unlock()

	last := status.LastActivityAt
	if local.After(last) {
		last = local
	}
	if last.IsZero() {
		last = status.CreatedAt
	}
	return last
}

// sessionStart is the creation time, moved forward by successful refreshes.
func (m *Monitor) sessionStart(status *models.SessionStatus) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastRefresh.After(status.CreatedAt) {
		return m.lastRefresh
	}
	return status.CreatedAt
}

func (m *Monitor) refresh(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	err := m.refresher.Refresh(cctx)
	switch {
	case err == nil:
		m.mu.Lock()
		m.lastRefresh = m.now()
		m.mu.Unlock()
		m.emit(Event{Type: EventTokensRefreshed})
		return nil
	case autherr.IsTerminal(err):
		m.expire(ReasonRefreshFailed, err)
		return ErrSessionExpired
	default:
		// still inside the lifetime; the next tick retries
		log.Warn().Err(err).Msg("session token refresh failed")
		return nil
	}
}

func (m *Monitor) evictConcurrent(ctx context.Context, count int) {
	log.Info().Int("sessions", count).Msg("concurrent session detected, forcing logout")

	m.emit(Event{Type: EventConcurrentSession, ConcurrentSessions: count})

	if t, ok := m.source.(Terminator); ok {
		cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
		if err := t.Logout(cctx); err != nil {
			log.Warn().Err(err).Msg("logout after concurrent session failed")
		}
		cancel()
	}

	m.expire(ReasonConcurrentSession, nil)
}

func (m *Monitor) flushTouch(ctx context.Context) {
	toucher, ok := m.source.(Toucher)
	if !ok {
		return
	}

	m.mu.Lock()
	pending := m.touchPending
	m.mu.Unlock()

	if !pending || !m.touches.Allow() {
		return
	}

	cctx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	if err := toucher.TouchSession(cctx); err != nil {
		log.Debug().Err(err).Msg("session touch failed")
		return
	}

	m.mu.Lock()
	m.touchPending = false
	m.mu.Unlock()
}

func (m *Monitor) lost(err error) {
	m.mu.Lock()
	already := m.connectionLost
	m.connectionLost = true
	m.mu.Unlock()

	if already {
		return
	}

	log.Warn().Err(err).Msg("session status unavailable")
	m.emit(Event{Type: EventConnectionLost, Err: err})
}

func (m *Monitor) restored() {
	m.mu.Lock()
	was := m.connectionLost
	m.connectionLost = false
	m.mu.Unlock()

	if was {
		m.emit(Event{Type: EventConnectionRestored})
	}
}

// expire is the one-way terminal transition.
func (m *Monitor) expire(reason Reason, err error) {
	m.mu.Lock()
	if m.expired {
		m.mu.Unlock()
		return
	}
	m.expired = true
	m.touchPending = false
	location := m.location
	cancel := m.cancel
	m.mu.Unlock()

	log.Info().Str("reason", string(reason)).Str("return_url", location).Msg("session expired")

	m.emit(Event{Type: EventSessionExpired, Reason: reason, ReturnURL: location, Err: err})

	if cancel != nil {
		cancel()
	}
}

func (m *Monitor) emit(ev Event) {
	ev.At = m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}

	metrics := telemetry.GetMetrics()
	attrs := metric.WithAttributes(attribute.String("type", string(ev.Type)))

	select {
	case m.events <- ev:
		metrics.SessionEventsTotal.Add(context.Background(), 1, attrs)
		return
	default:
	}

	if !ev.Terminal() {
		m.drop(ev)
		return
	}

	// terminal events always reach the reader, evicting the oldest buffered one
	for {
		select {
		case m.events <- ev:
			metrics.SessionEventsTotal.Add(context.Background(), 1, attrs)
			return
		case old := <-m.events:
			m.drop(old)
		}
	}
}

// drop records an undelivered event. Callers hold m.mu.
func (m *Monitor) drop(ev Event) {
	m.dropped++
	telemetry.GetMetrics().SessionEventsDroppedTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("type", string(ev.Type))))
	log.Warn().Stringer("event", ev).Msg("session event dropped, no reader")
}

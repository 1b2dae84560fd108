package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/CzarSimon/httputil/id"
	"github.com/CzarSimon/httputil/logger"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/call-manager/internal/models"
	"github.com/rtcheap/call-manager/internal/realtime"
	"github.com/rtcheap/call-manager/internal/repository"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("call-manager/service")

// DefaultPendingTimeout age after which a pending session no longer blocks a new call.
const DefaultPendingTimeout = 2 * time.Minute

// RelayAllocator assigns a relay server to a new call channel.
type RelayAllocator interface {
	Allocate(ctx context.Context) (string, error)
}

// CreateSessionRequest inputs of a new call session.
type CreateSessionRequest struct {
	UserID   string
	ExpertID string
	Category string
	CallType models.CallType
	Rate     models.Rate
}

// PairLocks serializes session creation per user and expert pair.
// The zero value is ready to use.
type PairLocks struct {
	mu   sync.Mutex
	held map[string]*pairLock
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until the pair is free and returns the func releasing it.
func (p *PairLocks) Lock(userID, expertID string) func() {
	key := userID + ":" + expertID

	p.mu.Lock()
	if p.held == nil {
		p.held = make(map[string]*pairLock)
	}
	l, ok := p.held[key]
	if !ok {
		l = &pairLock{}
		p.held[key] = l
	}
	l.refs++
	p.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		p.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(p.held, key)
		}
		p.mu.Unlock()
	}
}

// SessionManager persists the call sessions of one caller and tracks the current one.
type SessionManager struct {
	Repo           repository.CallSessionRepository
	Namer          *realtime.ChannelNamer
	Relays         RelayAllocator
	Events         EventPublisher
	Pairs          *PairLocks
	PendingTimeout time.Duration
	Now            func() time.Time

	mu      sync.Mutex
	current *models.CallSession
}

// Create writes a pending session for the pair. It is rejected with a conflict if the
// pair already has an active session or a pending one younger than the pending timeout.
// Concurrent creates for one pair are serialized by Pairs and the repository refuses a
// second open session across processes.
func (m *SessionManager) Create(ctx context.Context, req CreateSessionRequest) (models.CallSession, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionManager.Create")
	defer span.Finish()

	if !req.CallType.Valid() {
		err := models.NewCallError(models.KindState, fmt.Sprintf("unsupported call type %q", req.CallType), nil)
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, err
	}

	if m.Pairs != nil {
		unlock := m.Pairs.Lock(req.UserID, req.ExpertID)
		defer unlock()
	}

	err := m.rejectDuplicates(ctx, req)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, err
	}

	now := m.now()
	session := models.CallSession{
		ID:          id.New(),
		ExpertID:    req.ExpertID,
		UserID:      req.UserID,
		Category:    req.Category,
		ChannelName: m.Namer.Next(req.ExpertID, req.UserID),
		CallType:    req.CallType,
		Status:      models.StatusPending,
		RelayServer: m.allocateRelay(ctx),
		Currency:    req.Rate.Currency,
		Rate:        req.Rate.PerMinute,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err = m.Repo.Save(ctx, session)
	if errors.Is(err, repository.ErrOpenSession) {
		err = models.NewCallError(models.KindConflict, "a call with this expert is already in progress", err)
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, err
	}
	if err != nil {
		err = models.NewCallError(models.KindPersistence, "failed to create call session", err)
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, err
	}

	m.mu.Lock()
	current := session
	m.current = &current
	m.mu.Unlock()

	sessionTransitionsTotal.WithLabelValues(session.Status).Inc()
	m.publish(ctx, session)
	return session, nil
}

// UpdateStatus persists a status change with the optional fields of the update. The
// current session is only changed if the write succeeded and the id still matches it.
func (m *SessionManager) UpdateStatus(ctx context.Context, sessionID, status string, update models.SessionUpdate) (models.CallSession, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionManager.UpdateStatus")
	defer span.Finish()

	session, err := m.lookup(ctx, sessionID)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, err
	}

	if !models.CanTransition(session.Status, status) {
		err = models.NewCallError(models.KindState, fmt.Sprintf("cannot move %s to %s", session, status), nil)
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, err
	}

	err = m.Repo.UpdateStatus(ctx, sessionID, session.Status, status, update)
	if err != nil {
		err = models.NewCallError(models.KindPersistence, "failed to update call session", err)
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, err
	}

	session.Status = status
	session.UpdatedAt = m.now()
	update.Apply(&session)

	m.mu.Lock()
	if m.current != nil && m.current.ID == sessionID {
		current := session
		m.current = &current
	}
	m.mu.Unlock()

	sessionTransitionsTotal.WithLabelValues(status).Inc()
	m.publish(ctx, session)
	return session, nil
}

// End persists the final duration and cost and stops tracking the session. If the write
// fails the final values are logged for reconciliation.
func (m *SessionManager) End(ctx context.Context, sessionID string, duration int, cost float64) (models.CallSession, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionManager.End")
	defer span.Finish()

	endTime := m.now()
	session, err := m.UpdateStatus(ctx, sessionID, models.StatusEnded, models.SessionUpdate{
		EndTime:  &endTime,
		Duration: &duration,
		Cost:     &cost,
	})
	if err != nil {
		log.Error("failed to persist final call cost",
			zap.String("sessionId", sessionID),
			zap.Int("duration", duration),
			zap.Float64("cost", cost),
			zap.Error(err),
		)
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, err
	}

	m.clear(sessionID)
	return session, nil
}

// Fail marks the session as failed and stops tracking it.
func (m *SessionManager) Fail(ctx context.Context, sessionID string) (models.CallSession, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.SessionManager.Fail")
	defer span.Finish()

	endTime := m.now()
	session, err := m.UpdateStatus(ctx, sessionID, models.StatusFailed, models.SessionUpdate{EndTime: &endTime})
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.CallSession{}, err
	}

	m.clear(sessionID)
	return session, nil
}

// Current returns a copy of the tracked session.
func (m *SessionManager) Current() (models.CallSession, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return models.CallSession{}, false
	}

	return *m.current, true
}

func (m *SessionManager) lookup(ctx context.Context, sessionID string) (models.CallSession, error) {
	m.mu.Lock()
	if m.current != nil && m.current.ID == sessionID {
		session := *m.current
		m.mu.Unlock()
		return session, nil
	}
	m.mu.Unlock()

	session, err := m.Repo.Find(ctx, sessionID)
	if err != nil {
		return models.CallSession{}, models.NewCallError(models.KindPersistence, "failed to read call session", err)
	}

	return session, nil
}

func (m *SessionManager) rejectDuplicates(ctx context.Context, req CreateSessionRequest) error {
	open, err := m.Repo.FindOpen(ctx, req.UserID, req.ExpertID)
	if err != nil {
		return models.NewCallError(models.KindPersistence, "failed to check for open call sessions", err)
	}

	cutoff := m.now().Add(-m.pendingTimeout())
	for _, s := range open {
		if s.Status == models.StatusActive || s.CreatedAt.After(cutoff) {
			return models.NewCallError(models.KindConflict, "a call with this expert is already in progress", fmt.Errorf("open session %s", s))
		}

		err := m.Repo.UpdateStatus(ctx, s.ID, models.StatusPending, models.StatusFailed, models.SessionUpdate{})
		if err != nil {
			log.Warn("failed to expire abandoned pending session", zap.String("sessionId", s.ID), zap.Error(err))
		}
	}

	return nil
}

func (m *SessionManager) allocateRelay(ctx context.Context) string {
	if m.Relays == nil {
		return ""
	}

	relay, err := m.Relays.Allocate(ctx)
	if err != nil {
		log.Warn("failed to allocate relay server, continuing without one", zap.Error(err))
		return ""
	}

	return relay
}

func (m *SessionManager) publish(ctx context.Context, session models.CallSession) {
	if m.Events == nil {
		return
	}

	err := m.Events.Publish(ctx, session)
	if err != nil {
		log.Warn("failed to publish session event", zap.Stringer("session", session), zap.Error(err))
	}
}

func (m *SessionManager) clear(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current != nil && m.current.ID == sessionID {
		m.current = nil
	}
}

func (m *SessionManager) pendingTimeout() time.Duration {
	if m.PendingTimeout <= 0 {
		return DefaultPendingTimeout
	}

	return m.PendingTimeout
}

func (m *SessionManager) now() time.Time {
	if m.Now == nil {
		return time.Now().UTC()
	}

	return m.Now().UTC()
}

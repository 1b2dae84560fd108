package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/id"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/call-manager/internal/realtime"
	"github.com/rtcheap/call-manager/internal/repository"
	"go.uber.org/zap"
)

// DefaultIdleTTL time a call without live media is tracked before it is evicted.
const DefaultIdleTTL = 10 * time.Minute

// CallService creates and tracks the calls of all users.
type CallService struct {
	Config         CallConfig
	Transports     realtime.TransportFactory
	Tokens         TokenIssuer
	Rates          RateResolver
	SessionRepo    repository.CallSessionRepository
	Namer          *realtime.ChannelNamer
	Relays         RelayAllocator
	Events         EventPublisher
	Settler        *Settler
	Notifier       Notifier
	PendingTimeout time.Duration
	IdleTTL        time.Duration
	Now            func() time.Time

	pairs PairLocks
	mu    sync.RWMutex
	calls map[string]*CallOperations
}

// Open creates a call between a user and an expert in the choosing state.
func (s *CallService) Open(ctx context.Context, userID, expertID, category string) *CallOperations {
	span, _ := opentracing.StartSpanFromContext(ctx, "service.CallService.Open")
	defer span.Finish()

	now := s.Now
	if now == nil {
		now = time.Now
	}

	var client *realtime.Client
	if s.Transports != nil {
		client = realtime.NewClient(s.Transports)
	}

	ops := &CallOperations{
		id:       id.New(),
		userID:   userID,
		expertID: expertID,
		category: category,
		cfg:      s.Config,
		client:   client,
		tokens:   s.Tokens,
		sessions: &SessionManager{
			Repo:           s.SessionRepo,
			Namer:          s.Namer,
			Relays:         s.Relays,
			Events:         s.Events,
			Pairs:          &s.pairs,
			PendingTimeout: s.PendingTimeout,
			Now:            now,
		},
		rates:     s.Rates,
		settler:   s.Settler,
		notifier:  s.Notifier,
		now:       now,
		state:     StateChoosing,
		changedAt: now(),
	}

	s.mu.Lock()
	if s.calls == nil {
		s.calls = make(map[string]*CallOperations)
	}
	evicted := s.evictIdle(now())
	s.calls[ops.id] = ops
	s.mu.Unlock()

	if evicted > 0 {
		log.Debug("evicted idle calls", zap.Int("count", evicted))
	}
	return ops
}

// Evict stops tracking calls that have been choosing, failed or ended for longer than the idle TTL.
func (s *CallService) Evict(ctx context.Context) int {
	span, _ := opentracing.StartSpanFromContext(ctx, "service.CallService.Evict")
	defer span.Finish()

	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	evicted := s.evictIdle(now())
	span.LogFields(tracelog.Int("evicted", evicted))
	return evicted
}

// evictIdle must be called with mu held.
func (s *CallService) evictIdle(now time.Time) int {
	ttl := s.IdleTTL
	if ttl <= 0 {
		ttl = DefaultIdleTTL
	}

	cutoff := now.Add(-ttl)
	evicted := 0
	for callID, ops := range s.calls {
		if ops.idle(cutoff) {
			delete(s.calls, callID)
			evicted++
		}
	}

	return evicted
}

// Find returns a call owned by the user.
func (s *CallService) Find(ctx context.Context, callID, userID string) (*CallOperations, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "service.CallService.Find")
	defer span.Finish()

	s.mu.RLock()
	ops, ok := s.calls[callID]
	s.mu.RUnlock()

	if !ok {
		err := httputil.NotFoundError(fmt.Errorf("no call with id %s", callID))
		span.LogFields(tracelog.Error(err))
		return nil, err
	}
	if ops.UserID() != userID {
		err := httputil.ForbiddenError(fmt.Errorf("call %s is not owned by user(id=%s)", callID, userID))
		span.LogFields(tracelog.Error(err))
		return nil, err
	}

	return ops, nil
}

// End ends a call and stops tracking it.
func (s *CallService) End(ctx context.Context, callID, userID string) (EndResult, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.CallService.End")
	defer span.Finish()

	ops, err := s.Find(ctx, callID, userID)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return EndResult{}, err
	}

	result, err := ops.EndCall(ctx)
	s.Remove(callID)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return result, err
	}

	return result, nil
}

// Remove stops tracking a call.
func (s *CallService) Remove(callID string) {
	s.mu.Lock()
	delete(s.calls, callID)
	s.mu.Unlock()
}

// Shutdown ends every tracked call.
func (s *CallService) Shutdown(ctx context.Context) {
	s.mu.Lock()
	calls := make([]*CallOperations, 0, len(s.calls))
	for _, ops := range s.calls {
		calls = append(calls, ops)
	}
	s.calls = make(map[string]*CallOperations)
	s.mu.Unlock()

	for _, ops := range calls {
		if ops.State() == StateChoosing || ops.State() == StateEnded {
			continue
		}

		_, err := ops.EndCall(ctx)
		if err != nil {
			log.Error("failed to end call on shutdown", zap.String("callId", ops.ID()), zap.Error(err))
		}
	}
}

// Len number of tracked calls.
func (s *CallService) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.calls)
}

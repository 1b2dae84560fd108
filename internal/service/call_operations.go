package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/call-manager/internal/models"
	"github.com/rtcheap/call-manager/internal/pricing"
	"github.com/rtcheap/call-manager/internal/realtime"
	"github.com/rtcheap/call-manager/internal/timer"
	"go.uber.org/zap"
)

// CallState stage of a call as driven by its participant.
type CallState string

// Call states.
const (
	StateChoosing   CallState = "choosing"
	StateConnecting CallState = "connecting"
	StateActive     CallState = "active"
	StateEnded      CallState = "ended"
	StateError      CallState = "error"
)

// RateResolver resolves the per-minute rate of a call.
type RateResolver interface {
	Resolve(ctx context.Context, req pricing.Request) models.Rate
}

// TokenIssuer signs channel join tokens.
type TokenIssuer interface {
	AppID() string
	Issue(channel, uid string) (string, error)
}

// CallConfig settings shared by all calls.
type CallConfig struct {
	AppID        string
	Allowance    time.Duration
	Extension    time.Duration
	TickInterval time.Duration
}

// StartRequest inputs of a call attempt.
type StartRequest struct {
	CallType models.CallType
	Devices  realtime.Devices
	Locale   pricing.Locale
}

// EndResult outcome of ending a call.
type EndResult struct {
	Success    bool            `json:"success"`
	Cost       float64         `json:"cost"`
	Duration   int             `json:"duration"`
	Currency   models.Currency `json:"currency,omitempty"`
	Settlement *Settlement     `json:"settlement,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// CallView snapshot of a call exposed to its participant.
type CallView struct {
	ID                  string               `json:"id"`
	State               CallState            `json:"state"`
	CallType            models.CallType      `json:"callType,omitempty"`
	ExpertID            string               `json:"expertId"`
	Rate                *models.Rate         `json:"rate,omitempty"`
	Session             *models.CallSession  `json:"session,omitempty"`
	Offer               *models.SessionOffer `json:"offer,omitempty"`
	Timer               *timer.Snapshot      `json:"timer,omitempty"`
	Media               realtime.State       `json:"media"`
	InsufficientBalance bool                 `json:"insufficientBalance"`
	Error               *models.CallError    `json:"error,omitempty"`
	Result              *EndResult           `json:"result,omitempty"`
}

// CallOperations state machine of one participant's call with an expert.
type CallOperations struct {
	id       string
	userID   string
	expertID string
	category string

	cfg      CallConfig
	client   *realtime.Client
	tokens   TokenIssuer
	sessions *SessionManager
	rates    RateResolver
	settler  *Settler
	notifier Notifier
	now      func() time.Time

	mu                  sync.Mutex
	state               CallState
	changedAt           time.Time
	callType            models.CallType
	rate                *models.Rate
	session             *models.CallSession
	offer               *models.SessionOffer
	timer               *timer.Timer
	balance             float64
	hasBalance          bool
	insufficientBalance bool
	lastErr             *models.CallError
	result              *EndResult
}

// ID identifier of the call.
func (o *CallOperations) ID() string {
	return o.id
}

// UserID the participant driving the call.
func (o *CallOperations) UserID() string {
	return o.userID
}

// StartCall creates a pending session, joins its channel and starts the call timer.
// Any failure moves the call to the error state with no timer left running.
func (o *CallOperations) StartCall(ctx context.Context, req StartRequest) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.CallOperations.StartCall")
	defer span.Finish()

	err := o.beginConnecting(req.CallType)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return err
	}

	session, err := o.connect(ctx, req)
	if err != nil {
		o.fail(ctx, err)
		span.LogFields(tracelog.Error(err))
		return err
	}

	callTimer := timer.New(timer.Options{
		RatePerMinute: session.Rate,
		Allowance:     o.cfg.Allowance,
		Extension:     o.cfg.Extension,
		Interval:      o.cfg.TickInterval,
		Now:           o.now,
		OnTick:        o.onTick,
		OnExtend:      o.onExtend,
	})

	o.mu.Lock()
	if o.state != StateConnecting {
		o.mu.Unlock()
		o.leave(ctx)
		_, failErr := o.sessions.Fail(ctx, session.ID)
		if failErr != nil {
			log.Debug("session already closed", zap.String("sessionId", session.ID), zap.Error(failErr))
		}
		err = models.NewCallError(models.KindState, "call was ended while connecting", nil)
		span.LogFields(tracelog.Error(err))
		return err
	}
	callTimer.Start()
	o.timer = callTimer
	o.setState(StateActive)
	o.mu.Unlock()
	activeCalls.Inc()

	startTime := o.now().UTC()
	updated, err := o.sessions.UpdateStatus(ctx, session.ID, models.StatusActive, models.SessionUpdate{StartTime: &startTime})
	if err != nil {
		log.Warn("failed to mark call session active, continuing call", zap.String("sessionId", session.ID), zap.Error(err))
		span.LogFields(tracelog.Error(err))
		return nil
	}

	o.mu.Lock()
	if o.session != nil && o.session.ID == updated.ID {
		o.session = &updated
	}
	o.mu.Unlock()

	return nil
}

func (o *CallOperations) beginConnecting(callType models.CallType) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateChoosing {
		return models.NewCallError(models.KindState, fmt.Sprintf("cannot start a call in state %s", o.state), nil)
	}
	if !callType.Valid() {
		return models.NewCallError(models.KindState, fmt.Sprintf("unsupported call type %q", callType), nil)
	}
	if o.client == nil || o.cfg.AppID == "" || o.tokens == nil {
		err := models.NewCallError(models.KindConfiguration, "realtime app id or client is not configured", nil)
		o.setState(StateError)
		o.lastErr = err
		callErrorsTotal.WithLabelValues(string(err.Kind)).Inc()
		return err
	}

	o.setState(StateConnecting)
	o.callType = callType
	o.lastErr = nil
	o.insufficientBalance = false
	o.result = nil
	return nil
}

func (o *CallOperations) connect(ctx context.Context, req StartRequest) (models.CallSession, error) {
	wallet, hasWallet := o.settler.Wallet(ctx, o.userID)
	locale := req.Locale
	if hasWallet && wallet.Country != "" {
		locale.Country = wallet.Country
	}

	rate := o.rates.Resolve(ctx, pricing.Request{
		ExpertID: o.expertID,
		Category: o.category,
		Currency: pricing.ResolveCurrency(locale),
	})

	session, err := o.sessions.Create(ctx, CreateSessionRequest{
		UserID:   o.userID,
		ExpertID: o.expertID,
		Category: o.category,
		CallType: req.CallType,
		Rate:     rate,
	})
	if err != nil {
		return models.CallSession{}, err
	}

	o.mu.Lock()
	o.rate = &rate
	o.session = &session
	o.balance = wallet.Balance
	o.hasBalance = hasWallet && walletCurrency(wallet) == rate.Currency
	o.mu.Unlock()

	token, err := o.tokens.Issue(session.ChannelName, o.userID)
	if err != nil {
		return session, models.NewCallError(models.KindConfiguration, "failed to sign channel token", err)
	}

	turn, stun := realtime.Candidates(session.RelayServer, o.userID)
	offer := models.SessionOffer{
		AppID:   o.cfg.AppID,
		Channel: session.ChannelName,
		Token:   token,
		TURN:    turn,
		STUN:    stun,
	}

	_, err = o.client.Join(ctx, realtime.JoinOptions{
		AppID:    o.cfg.AppID,
		Channel:  session.ChannelName,
		Token:    token,
		UID:      o.userID,
		CallType: req.CallType,
	}, req.Devices)
	if err != nil {
		return session, err
	}

	o.mu.Lock()
	o.offer = &offer
	o.mu.Unlock()

	return session, nil
}

// fail moves the call to the error state, stopping the timer, leaving the
// channel and marking the session failed.
func (o *CallOperations) fail(ctx context.Context, err error) {
	callErr := models.AsCallError(err, models.KindUnknown, "call failed")

	o.mu.Lock()
	wasActive := o.state == StateActive
	callTimer := o.timer
	session := o.session
	o.setState(StateError)
	o.lastErr = callErr
	o.mu.Unlock()

	if callTimer != nil {
		callTimer.Stop()
	}
	if wasActive {
		activeCalls.Dec()
	}
	o.leave(ctx)

	if session != nil && !models.IsTerminal(session.Status) {
		failed, failErr := o.sessions.Fail(ctx, session.ID)
		if failErr != nil {
			log.Warn("failed to mark call session failed", zap.String("sessionId", session.ID), zap.Error(failErr))
		} else {
			o.mu.Lock()
			o.session = &failed
			o.mu.Unlock()
		}
		o.notify(ctx, session.ChannelName, models.Message{Type: models.TypeCallError, Body: callErr})
	}

	callErrorsTotal.WithLabelValues(string(callErr.Kind)).Inc()
	log.Info("call failed", zap.String("callId", o.id), zap.String("kind", string(callErr.Kind)), zap.Error(err))
}

// EndCall stops the timer before reading the final cost, leaves the channel and
// persists the ended session. The media state is cleared whatever the outcome.
func (o *CallOperations) EndCall(ctx context.Context) (EndResult, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.CallOperations.EndCall")
	defer span.Finish()

	o.mu.Lock()
	switch o.state {
	case StateEnded:
		result := o.endResult()
		o.mu.Unlock()
		return result, nil
	case StateChoosing:
		o.mu.Unlock()
		err := models.NewCallError(models.KindState, "no call in progress", nil)
		span.LogFields(tracelog.Error(err))
		return EndResult{Success: false, Error: err.Error()}, err
	}
	wasActive := o.state == StateActive
	callTimer := o.timer
	session := o.session
	o.setState(StateEnded)
	o.mu.Unlock()

	duration := 0
	cost := 0.0
	if callTimer != nil {
		callTimer.Stop()
		duration = callTimer.Duration()
		cost = callTimer.FinalCost()
	}
	if wasActive {
		activeCalls.Dec()
	}
	o.leave(ctx)

	result := EndResult{Success: true, Cost: cost, Duration: duration}
	if session == nil {
		o.setResult(result)
		return result, nil
	}
	result.Currency = session.Currency

	if models.IsTerminal(session.Status) {
		o.setResult(result)
		return result, nil
	}

	ended, err := o.sessions.End(ctx, session.ID, duration, cost)
	if err != nil {
		result.Success = false
		result.Error = err.Error()
		o.setResult(result)
		span.LogFields(tracelog.Error(err))
		return result, err
	}

	o.mu.Lock()
	o.session = &ended
	o.mu.Unlock()

	callDurationSeconds.Observe(float64(duration))
	billedTotal.WithLabelValues(string(ended.Currency)).Add(cost)
	o.notify(ctx, ended.ChannelName, models.Message{Type: models.TypeCallEnded, Body: result})

	if cost > 0 && o.settler != nil {
		settlement, err := o.settler.Settle(ctx, ended)
		result.Settlement = &settlement
		if err != nil {
			result.Error = err.Error()
			log.Error("failed to settle call cost", zap.String("sessionId", ended.ID), zap.Float64("cost", cost), zap.Error(err))
			span.LogFields(tracelog.Error(err))
		}
	}

	o.setResult(result)
	return result, nil
}

// ToggleMute flips the local audio mute. The flag is unchanged if the transport fails.
func (o *CallOperations) ToggleMute(ctx context.Context) (realtime.State, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.CallOperations.ToggleMute")
	defer span.Finish()

	err := o.requireState(StateActive)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return realtime.State{}, err
	}

	err = o.client.SetMuted(ctx, !o.client.State().IsMuted)
	if err != nil {
		span.LogFields(tracelog.Error(err))
	}

	return o.client.State(), err
}

// ToggleVideo flips the local video. The flag is unchanged if the transport fails.
func (o *CallOperations) ToggleVideo(ctx context.Context) (realtime.State, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.CallOperations.ToggleVideo")
	defer span.Finish()

	err := o.requireState(StateActive)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return realtime.State{}, err
	}

	err = o.client.SetVideoEnabled(ctx, !o.client.State().IsVideoEnabled)
	if err != nil {
		span.LogFields(tracelog.Error(err))
	}

	return o.client.State(), err
}

// Extend grows the free countdown by one extension block.
func (o *CallOperations) Extend(ctx context.Context) (timer.Snapshot, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.CallOperations.Extend")
	defer span.Finish()

	err := o.requireState(StateActive)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return timer.Snapshot{}, err
	}

	o.mu.Lock()
	callTimer := o.timer
	o.mu.Unlock()

	return callTimer.Extend(), nil
}

// Retry returns a failed call to the choosing state.
func (o *CallOperations) Retry() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateError {
		return models.NewCallError(models.KindState, fmt.Sprintf("cannot retry a call in state %s", o.state), nil)
	}

	o.setState(StateChoosing)
	o.lastErr = nil
	o.session = nil
	o.offer = nil
	o.timer = nil
	o.rate = nil
	o.insufficientBalance = false
	return nil
}

// setState must be called with mu held.
func (o *CallOperations) setState(state CallState) {
	o.state = state
	o.changedAt = o.now()
}

// idle reports whether the call has no live media and has not changed state since the cutoff.
func (o *CallOperations) idle(cutoff time.Time) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	switch o.state {
	case StateChoosing, StateError, StateEnded:
		return o.changedAt.Before(cutoff)
	default:
		return false
	}
}

// State current state of the call.
func (o *CallOperations) State() CallState {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.state
}

// View returns a snapshot of the call.
func (o *CallOperations) View() CallView {
	o.mu.Lock()
	view := CallView{
		ID:                  o.id,
		State:               o.state,
		CallType:            o.callType,
		ExpertID:            o.expertID,
		InsufficientBalance: o.insufficientBalance,
		Error:               o.lastErr,
		Result:              o.result,
	}
	if o.rate != nil {
		rate := *o.rate
		view.Rate = &rate
	}
	if o.session != nil {
		session := *o.session
		view.Session = &session
	}
	if o.offer != nil && o.state == StateActive {
		offer := *o.offer
		view.Offer = &offer
	}
	callTimer := o.timer
	o.mu.Unlock()

	if callTimer != nil {
		snap := callTimer.Snapshot()
		view.Timer = &snap
	}
	if o.client != nil {
		view.Media = o.client.State()
	}

	return view
}

func (o *CallOperations) onTick(snap timer.Snapshot) {
	o.mu.Lock()
	channel := o.channel()
	warn := o.hasBalance && !o.insufficientBalance && snap.Cost > o.balance
	if warn {
		o.insufficientBalance = true
	}
	balance := o.balance
	o.mu.Unlock()

	ctx := context.Background()
	o.notify(ctx, channel, models.Message{Type: models.TypeTick, Body: snap})
	if warn {
		log.Info("call cost exceeds wallet balance", zap.String("callId", o.id), zap.Float64("cost", snap.Cost), zap.Float64("balance", balance))
		o.notify(ctx, channel, models.Message{Type: models.TypeInsufficientBalance, Body: snap})
	}
}

func (o *CallOperations) onExtend(snap timer.Snapshot) {
	o.mu.Lock()
	channel := o.channel()
	o.mu.Unlock()

	o.notify(context.Background(), channel, models.Message{Type: models.TypeExtendPrompt, Body: snap})
}

func (o *CallOperations) notify(ctx context.Context, channel string, message models.Message) {
	if o.notifier == nil || channel == "" {
		return
	}

	err := o.notifier.Notify(ctx, channel, message)
	if err != nil {
		log.Debug("call event not delivered", zap.String("callId", o.id), zap.String("type", message.Type), zap.Error(err))
	}
}

func (o *CallOperations) leave(ctx context.Context) {
	if o.client == nil {
		return
	}

	err := o.client.Leave(ctx)
	if err != nil {
		log.Warn("failed to leave call channel cleanly", zap.String("callId", o.id), zap.Error(err))
	}
}

func (o *CallOperations) requireState(state CallState) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != state {
		return models.NewCallError(models.KindState, fmt.Sprintf("call is %s, not %s", o.state, state), nil)
	}

	return nil
}

func (o *CallOperations) setResult(result EndResult) {
	o.mu.Lock()
	o.result = &result
	o.mu.Unlock()
}

// endResult must be called with mu held.
func (o *CallOperations) endResult() EndResult {
	if o.result == nil {
		return EndResult{Success: true}
	}

	return *o.result
}

// channel must be called with mu held.
func (o *CallOperations) channel() string {
	if o.session == nil {
		return ""
	}

	return o.session.ChannelName
}

package service_test

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/dbutil"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rtcheap/call-manager/internal/models"
	"github.com/rtcheap/call-manager/internal/pricing"
	"github.com/rtcheap/call-manager/internal/realtime"
	"github.com/rtcheap/call-manager/internal/repository"
	"github.com/rtcheap/call-manager/internal/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var newYork = pricing.Locale{Timezone: "America/New_York", Languages: []string{"en-US"}}

func TestCallOperations_EndToEnd(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	e := createTestEnv(t)
	defer e.db.Close()
	ctx := e.ctx

	err := repository.NewWalletRepository(e.db).Save(ctx, models.Wallet{UserID: "user-1", Country: "US", Balance: 4})
	require.NoError(err)

	ops := e.svc.Open(ctx, "user-1", "expert-1", "")
	assert.Equal(service.StateChoosing, ops.State())

	err = ops.StartCall(ctx, service.StartRequest{
		CallType: models.CallTypeVideo,
		Devices:  offerDevices(t, "sendrecv", "sendrecv"),
		Locale:   newYork,
	})
	require.NoError(err)
	assert.Equal(service.StateActive, ops.State())

	view := ops.View()
	require.NotNil(view.Session)
	require.NotNil(view.Offer)
	require.NotNil(view.Rate)
	assert.Equal(models.StatusActive, view.Session.Status)
	assert.NotNil(view.Session.StartTime)
	assert.Equal(models.CurrencyUSD, view.Rate.Currency)
	assert.Equal(1.0, view.Rate.PerMinute)
	assert.Equal("app-1", view.Offer.AppID)
	assert.True(view.Media.IsJoined)
	assert.Len(view.Media.LocalTracks, 2)

	expert := realtime.NewClient(e.hub.NewTransport)
	token, err := e.issuer.Issue(view.Session.ChannelName, "expert-1")
	require.NoError(err)
	_, err = expert.Join(ctx, realtime.JoinOptions{
		AppID:    "app-1",
		Channel:  view.Session.ChannelName,
		Token:    token,
		UID:      "expert-1",
		CallType: models.CallTypeVideo,
	}, offerDevices(t, "sendrecv", "sendrecv"))
	require.NoError(err)
	require.Len(ops.View().Media.Participants, 1)
	assert.Equal("expert-1", ops.View().Media.Participants[0].ID)

	e.clock.Advance(1500 * time.Second)

	result, err := ops.EndCall(ctx)
	require.NoError(err)
	assert.True(result.Success)
	assert.Equal(10.0, result.Cost)
	assert.Equal(1500, result.Duration)
	assert.Equal(models.CurrencyUSD, result.Currency)
	require.NotNil(result.Settlement)
	assert.Equal(4.0, result.Settlement.Debited)
	assert.Equal(6.0, result.Settlement.Charged)
	assert.Empty(result.Error)

	view = ops.View()
	assert.Equal(service.StateEnded, view.State)
	require.NotNil(view.Timer)
	assert.False(view.Timer.Running)
	assert.Equal(1500, view.Timer.Elapsed)
	assert.False(view.Media.IsJoined)
	assert.Empty(view.Media.Participants)
	assert.Empty(view.Media.LocalTracks)
	assert.Empty(expert.State().Participants)

	e.clock.Advance(time.Hour)
	again, err := ops.EndCall(ctx)
	assert.NoError(err)
	assert.Equal(10.0, again.Cost)

	stored, err := repository.NewCallSessionRepository(e.db).Find(ctx, view.Session.ID)
	require.NoError(err)
	assert.Equal(models.StatusEnded, stored.Status)
	assert.Equal(1500, stored.Duration)
	assert.Equal(10.0, stored.Cost)
	assert.NotNil(stored.EndTime)

	wallet, err := repository.NewWalletRepository(e.db).Find(ctx, "user-1")
	require.NoError(err)
	assert.Equal(0.0, wallet.Balance)

	charges, err := repository.NewChargeRepository(e.db).FindBySession(ctx, stored.ID)
	require.NoError(err)
	require.Len(charges, 1)
	assert.Equal(6.0, charges[0].Amount)
	assert.NotEmpty(charges[0].OrderID)

	assert.Equal([]string{
		"calls.session.pending",
		"calls.session.active",
		"calls.session.ended",
	}, e.events.subjects())
	assert.NoError(expert.Leave(ctx))
}

func TestCallOperations_PermissionErrorAndRetry(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	e := createTestEnv(t)
	defer e.db.Close()
	ctx := e.ctx

	ops := e.svc.Open(ctx, "user-1", "expert-1", "")
	err := ops.StartCall(ctx, service.StartRequest{
		CallType: models.CallTypeVideo,
		Devices:  offerDevices(t, "sendrecv", "inactive"),
		Locale:   newYork,
	})
	assert.Equal(models.KindPermission, models.KindOf(err))
	assert.True(models.KindOf(err).Retryable())

	view := ops.View()
	assert.Equal(service.StateError, view.State)
	require.NotNil(view.Error)
	assert.Equal(models.KindPermission, view.Error.Kind)
	require.NotNil(view.Session)
	assert.Equal(models.StatusFailed, view.Session.Status)
	assert.Nil(view.Timer)
	assert.False(view.Media.IsJoined)
	failedChannel := view.Session.ChannelName

	err = ops.StartCall(ctx, service.StartRequest{CallType: models.CallTypeAudio, Devices: offerDevices(t, "sendrecv", "")})
	assert.Equal(models.KindState, models.KindOf(err))

	require.NoError(ops.Retry())
	assert.Equal(service.StateChoosing, ops.State())

	err = ops.StartCall(ctx, service.StartRequest{
		CallType: models.CallTypeAudio,
		Devices:  offerDevices(t, "sendrecv", ""),
		Locale:   newYork,
	})
	require.NoError(err)
	view = ops.View()
	assert.Equal(service.StateActive, view.State)
	assert.NotEqual(failedChannel, view.Session.ChannelName)

	result, err := ops.EndCall(ctx)
	require.NoError(err)
	assert.True(result.Success)
	assert.Equal(0.0, result.Cost)
	assert.Nil(result.Settlement)
}

func TestCallOperations_TransportErrorTeardown(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	e := createTestEnv(t)
	defer e.db.Close()
	ctx := e.ctx

	e.svc.Tokens = realtime.NewTokenIssuer("app-1", "wrong-certificate", time.Hour)
	ops := e.svc.Open(ctx, "user-1", "expert-1", "")

	err := ops.StartCall(ctx, service.StartRequest{
		CallType: models.CallTypeAudio,
		Devices:  offerDevices(t, "sendrecv", ""),
		Locale:   newYork,
	})
	assert.Equal(models.KindTransport, models.KindOf(err))
	assert.Equal(service.StateError, ops.State())

	result, err := ops.EndCall(ctx)
	require.NoError(err)
	assert.True(result.Success)
	assert.Equal(0.0, result.Cost)

	view := ops.View()
	assert.Equal(service.StateEnded, view.State)
	assert.False(view.Media.IsJoined)
	assert.Empty(view.Media.Participants)
	assert.Equal(models.StatusFailed, view.Session.Status)
}

func TestCallOperations_ConfigurationError(t *testing.T) {
	assert := assert.New(t)
	e := createTestEnv(t)
	defer e.db.Close()
	ctx := e.ctx

	e.svc.Config.AppID = ""
	ops := e.svc.Open(ctx, "user-1", "expert-1", "")
	err := ops.StartCall(ctx, service.StartRequest{CallType: models.CallTypeAudio, Devices: offerDevices(t, "sendrecv", "")})
	assert.Equal(models.KindConfiguration, models.KindOf(err))
	assert.False(models.KindOf(err).Retryable())
	assert.Equal(service.StateError, ops.State())
	assert.Nil(ops.View().Session)

	e.svc.Config.AppID = "app-1"
	e.svc.Transports = nil
	ops = e.svc.Open(ctx, "user-1", "expert-1", "")
	err = ops.StartCall(ctx, service.StartRequest{CallType: models.CallTypeAudio, Devices: offerDevices(t, "sendrecv", "")})
	assert.Equal(models.KindConfiguration, models.KindOf(err))
}

func TestCallOperations_ExtendAndInsufficientBalance(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	e := createTestEnv(t)
	defer e.db.Close()
	ctx := e.ctx

	e.svc.Config.Allowance = time.Minute
	e.svc.Config.Extension = time.Minute
	err := repository.NewWalletRepository(e.db).Save(ctx, models.Wallet{UserID: "user-1", Country: "US", Balance: 0.5})
	require.NoError(err)

	ops := e.svc.Open(ctx, "user-1", "expert-1", "")
	err = ops.StartCall(ctx, service.StartRequest{
		CallType: models.CallTypeAudio,
		Devices:  offerDevices(t, "sendrecv", ""),
		Locale:   newYork,
	})
	require.NoError(err)

	e.clock.Advance(90 * time.Second)
	assert.Eventually(func() bool {
		view := ops.View()
		return view.InsufficientBalance && view.Timer.IsExtending
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(service.StateActive, ops.State(), "insufficient balance only warns")

	snap, err := ops.Extend(ctx)
	require.NoError(err)
	assert.False(snap.IsExtending)
	assert.Equal(60, snap.RemainingFree)
	assert.Equal(1.0, snap.Cost, "extension does not waive accrued cost")

	state, err := ops.ToggleMute(ctx)
	require.NoError(err)
	assert.True(state.IsMuted)
	state, err = ops.ToggleMute(ctx)
	require.NoError(err)
	assert.False(state.IsMuted)

	_, err = ops.ToggleVideo(ctx)
	assert.Equal(models.KindState, models.KindOf(err))

	result, err := ops.EndCall(ctx)
	require.NoError(err)
	assert.Equal(1.0, result.Cost)
	assert.Equal(0.5, result.Settlement.Debited)
	assert.Equal(0.5, result.Settlement.Charged)

	_, err = ops.Extend(ctx)
	assert.Equal(models.KindState, models.KindOf(err))
	_, err = ops.ToggleMute(ctx)
	assert.Equal(models.KindState, models.KindOf(err))
}

func TestCallService_Ownership(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	e := createTestEnv(t)
	defer e.db.Close()
	ctx := e.ctx

	ops := e.svc.Open(ctx, "user-1", "expert-1", "")
	assert.Equal(1, e.svc.Len())

	found, err := e.svc.Find(ctx, ops.ID(), "user-1")
	require.NoError(err)
	assert.True(found == ops)

	_, err = e.svc.Find(ctx, ops.ID(), "user-2")
	assertHTTPStatus(t, http.StatusForbidden, err)

	_, err = e.svc.Find(ctx, "missing", "user-1")
	assertHTTPStatus(t, http.StatusNotFound, err)

	err = ops.StartCall(ctx, service.StartRequest{
		CallType: models.CallTypeAudio,
		Devices:  offerDevices(t, "sendrecv", ""),
		Locale:   newYork,
	})
	require.NoError(err)

	err = e.svc.Open(ctx, "user-1", "expert-1", "").StartCall(ctx, service.StartRequest{
		CallType: models.CallTypeAudio,
		Devices:  offerDevices(t, "sendrecv", ""),
		Locale:   newYork,
	})
	assert.Equal(models.KindConflict, models.KindOf(err))

	result, err := e.svc.End(ctx, ops.ID(), "user-1")
	require.NoError(err)
	assert.True(result.Success)
	assert.Equal(1, e.svc.Len())

	e.svc.Shutdown(ctx)
	assert.Equal(0, e.svc.Len())
}

func TestCallService_EvictsIdleCalls(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	e := createTestEnv(t)
	defer e.db.Close()
	ctx := e.ctx
	e.svc.IdleTTL = time.Minute

	e.svc.Config.AppID = ""
	failed := e.svc.Open(ctx, "user-1", "expert-1", "")
	err := failed.StartCall(ctx, service.StartRequest{CallType: models.CallTypeAudio, Devices: offerDevices(t, "sendrecv", "")})
	assert.Equal(models.KindConfiguration, models.KindOf(err))
	assert.Equal(service.StateError, failed.State())

	e.svc.Config.AppID = "app-1"
	choosing := e.svc.Open(ctx, "user-2", "expert-1", "")
	active := e.svc.Open(ctx, "user-3", "expert-1", "")
	err = active.StartCall(ctx, service.StartRequest{
		CallType: models.CallTypeAudio,
		Devices:  offerDevices(t, "sendrecv", ""),
		Locale:   newYork,
	})
	require.NoError(err)
	assert.Equal(3, e.svc.Len())

	assert.Equal(0, e.svc.Evict(ctx))
	e.clock.Advance(2 * time.Minute)
	assert.Equal(2, e.svc.Evict(ctx))
	assert.Equal(1, e.svc.Len())

	_, err = e.svc.Find(ctx, failed.ID(), "user-1")
	assertHTTPStatus(t, http.StatusNotFound, err)
	_, err = e.svc.Find(ctx, choosing.ID(), "user-2")
	assertHTTPStatus(t, http.StatusNotFound, err)
	found, err := e.svc.Find(ctx, active.ID(), "user-3")
	require.NoError(err)
	assert.True(found == active)

	e.svc.Open(ctx, "user-4", "expert-1", "")
	assert.Equal(2, e.svc.Len())
	e.clock.Advance(2 * time.Minute)
	e.svc.Open(ctx, "user-5", "expert-1", "")
	assert.Equal(2, e.svc.Len(), "opening a call sweeps idle ones")

	e.svc.Shutdown(ctx)
}

func TestSettler_WalletCurrency(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	db, ctx := createTestDB()
	defer db.Close()

	wallets := repository.NewWalletRepository(db)
	sessions := repository.NewCallSessionRepository(db)
	settler := &service.Settler{
		Wallets:  wallets,
		Payments: &service.LedgerPaymentProvider{Charges: repository.NewChargeRepository(db)},
	}

	require.NoError(wallets.Save(ctx, models.Wallet{UserID: "user-1", Country: "US", Balance: 100}))
	require.NoError(wallets.Save(ctx, models.Wallet{UserID: "user-2", Country: "US", Currency: models.CurrencyINR, Balance: 100}))

	settle := func(userID string) service.Settlement {
		now := time.Now().UTC()
		session := models.CallSession{
			ID:          userID + "-session",
			ExpertID:    "expert-1",
			UserID:      userID,
			ChannelName: userID + "-channel",
			CallType:    models.CallTypeAudio,
			Status:      models.StatusEnded,
			Currency:    models.CurrencyINR,
			Rate:        5,
			Duration:    1500,
			Cost:        50,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		require.NoError(sessions.Save(ctx, session))

		result, err := settler.Settle(ctx, session)
		require.NoError(err)
		return result
	}

	result := settle("user-1")
	assert.Equal(0.0, result.Debited, "a USD wallet is not debited for an INR call")
	assert.Equal(50.0, result.Charged)
	require.NotNil(result.Payment)
	assert.Equal(models.CurrencyINR, result.Payment.Currency)

	wallet, err := wallets.Find(ctx, "user-1")
	require.NoError(err)
	assert.Equal(100.0, wallet.Balance)

	result = settle("user-2")
	assert.Equal(50.0, result.Debited)
	assert.Equal(0.0, result.Charged)

	wallet, err = wallets.Find(ctx, "user-2")
	require.NoError(err)
	assert.Equal(50.0, wallet.Balance)
}

// ---- Test utils ----

type testEnv struct {
	db     *sql.DB
	ctx    context.Context
	clock  *fakeClock
	hub    *realtime.Hub
	issuer *realtime.TokenIssuer
	events *recordingPublisher
	svc    *service.CallService
}

func createTestEnv(t *testing.T) *testEnv {
	db, ctx := createTestDB()
	clock := newFakeClock()
	issuer := realtime.NewTokenIssuer("app-1", "certificate", time.Hour)
	hub := realtime.NewHub(issuer, realtime.DefaultMaxPeers)
	events := &recordingPublisher{}
	sessionRepo := repository.NewCallSessionRepository(db)

	svc := &service.CallService{
		Config: service.CallConfig{
			AppID:        "app-1",
			TickInterval: 5 * time.Millisecond,
		},
		Transports:  hub.NewTransport,
		Tokens:      issuer,
		Rates:       pricing.NewResolver(repository.NewPricingRepository(db), nil, pricing.Defaults{}),
		SessionRepo: sessionRepo,
		Namer:       realtime.NewChannelNamer(clock.Now),
		Events:      events,
		Settler: &service.Settler{
			Wallets:  repository.NewWalletRepository(db),
			Payments: &service.LedgerPaymentProvider{Charges: repository.NewChargeRepository(db)},
		},
		Notifier: &service.MessageService{Hub: hub, Tokens: issuer, SessionRepo: sessionRepo},
		Now:      clock.Now,
	}

	return &testEnv{
		db:     db,
		ctx:    ctx,
		clock:  clock,
		hub:    hub,
		issuer: issuer,
		events: events,
		svc:    svc,
	}
}

func createTestDB() (*sql.DB, context.Context) {
	dbConf := dbutil.SqliteConfig{}
	migrationsPath := "../../resources/db/sqlite"
	db := dbutil.MustConnect(dbConf)

	_, err := db.Exec("PRAGMA foreign_keys = ON")
	if err != nil {
		log.Panic("Failed to enable foreign_keys", zap.Error(err))
	}

	err = dbutil.Downgrade(migrationsPath, dbConf.Driver(), db)
	if err != nil {
		log.Panic("Failed to apply downgrade migratons", zap.Error(err))
	}

	err = dbutil.Upgrade(migrationsPath, dbConf.Driver(), db)
	if err != nil {
		log.Panic("Failed to apply upgrade migratons", zap.Error(err))
	}

	return db, context.Background()
}

func offerDevices(t *testing.T, audio, video string) realtime.Devices {
	lines := []string{
		"v=0",
		"o=- 4611731400430051336 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
	}
	if audio != "" {
		lines = append(lines, "m=audio 9 UDP/TLS/RTP/SAVPF 111", "c=IN IP4 0.0.0.0", "a=rtpmap:111 opus/48000/2", "a="+audio)
	}
	if video != "" {
		lines = append(lines, "m=video 9 UDP/TLS/RTP/SAVPF 96", "c=IN IP4 0.0.0.0", "a=rtpmap:96 VP8/90000", "a="+video)
	}

	devices, err := realtime.ParseOffer([]byte(strings.Join(lines, "\r\n") + "\r\n"))
	if err != nil {
		t.Fatal(err)
	}

	return devices
}

func assertHTTPStatus(t *testing.T, status int, err error) {
	httpErr, ok := err.(*httputil.Error)
	if !ok {
		t.Fatalf("expected *httputil.Error, got %v", err)
	}
	assert.Equal(t, status, httpErr.Status)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu       sync.Mutex
	sessions []models.CallSession
}

func (p *recordingPublisher) Publish(ctx context.Context, session models.CallSession) error {
	p.mu.Lock()
	p.sessions = append(p.sessions, session)
	p.mu.Unlock()
	return nil
}

func (p *recordingPublisher) subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	subjects := make([]string, 0, len(p.sessions))
	for _, s := range p.sessions {
		subjects = append(subjects, service.SessionSubject(s.Status))
	}
	return subjects
}

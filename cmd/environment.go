package main

import (
	"context"
	"database/sql"
	"io"
	"time"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/client"
	"github.com/CzarSimon/httputil/client/rpc"
	"github.com/CzarSimon/httputil/dbutil"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/opentracing/opentracing-go"
	"github.com/rtcheap/call-manager/internal/pricing"
	"github.com/rtcheap/call-manager/internal/realtime"
	"github.com/rtcheap/call-manager/internal/repository"
	"github.com/rtcheap/call-manager/internal/service"
	"github.com/rtcheap/service-clients/go/serviceregistry"
	"github.com/rtcheap/service-clients/go/turnserver"
	jaegercfg "github.com/uber/jaeger-client-go/config"
	"go.uber.org/zap"
)

type env struct {
	cfg            config
	db             *sql.DB
	traceCloser    io.Closer
	verifier       jwt.Verifier
	callService    *service.CallService
	messageService *service.MessageService
	cache          *pricing.RedisCache
	events         *service.NATSPublisher
	stopWatch      context.CancelFunc
}

func (e *env) checkHealth() error {
	err := dbutil.Connected(e.db)
	if err != nil {
		return httputil.ServiceUnavailableError(err)
	}

	if e.events != nil && !e.events.Connected() {
		log.Warn("event publisher is disconnected")
	}

	return nil
}

func (e *env) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.callService.Shutdown(ctx)

	if e.stopWatch != nil {
		e.stopWatch()
	}

	err := e.db.Close()
	if err != nil {
		log.Error("failed to close database connection", zap.Error(err))
	}

	if e.cache != nil {
		err = e.cache.Close()
		if err != nil {
			log.Error("failed to close rate cache", zap.Error(err))
		}
	}

	if e.events != nil {
		err = e.events.Close()
		if err != nil {
			log.Error("failed to close event publisher", zap.Error(err))
		}
	}

	if e.traceCloser != nil {
		err = e.traceCloser.Close()
		if err != nil {
			log.Error("failed to close tracer connection", zap.Error(err))
		}
	}
}

func setupEnv() *env {
	jcfg, err := jaegercfg.FromEnv()
	if err != nil {
		log.Fatal("failed to create jaeger configuration", zap.Error(err))
	}

	tracer, closer, err := jcfg.NewTracer()
	if err != nil {
		log.Fatal("failed to create tracer", zap.Error(err))
	}

	opentracing.SetGlobalTracer(tracer)

	cfg := getConfig()
	db := dbutil.MustConnect(cfg.db)
	err = dbutil.Upgrade(cfg.migrationsPath, cfg.db.Driver(), db)
	if err != nil {
		log.Fatal("failed to apply database migrations", zap.Error(err))
	}

	e := &env{
		cfg:         cfg,
		db:          db,
		traceCloser: closer,
		verifier:    jwt.NewVerifier(cfg.jwtCredentials, time.Minute),
	}

	var cache pricing.RateCache
	if cfg.redisURL != "" {
		e.cache = pricing.NewRedisCache(cfg.redisURL, pricing.DefaultCacheTTL)
		cache = e.cache
	}

	defaults := pricing.Defaults{}
	if cfg.pricingFile != "" {
		defaults, err = pricing.LoadDefaults(cfg.pricingFile)
		if err != nil {
			log.Fatal("failed to load pricing defaults", zap.Error(err))
		}
	}
	resolver := pricing.NewResolver(repository.NewPricingRepository(db), cache, defaults)

	if cfg.pricingFile != "" {
		ctx, cancel := context.WithCancel(context.Background())
		e.stopWatch = cancel
		go func() {
			err := pricing.WatchDefaults(ctx, cfg.pricingFile, resolver)
			if err != nil {
				log.Error("stopped watching pricing defaults", zap.Error(err))
			}
		}()
	}

	var events service.EventPublisher
	if cfg.natsURL != "" {
		e.events, err = service.NewNATSPublisher(cfg.natsURL)
		if err != nil {
			log.Fatal("failed to connect to nats", zap.Error(err))
		}
		events = e.events
	}

	var relays service.RelayAllocator
	if cfg.sessionRegistry.url != "" {
		relays = &realtime.RelayAllocator{
			RPCProtocol:    cfg.turn.rpcProtocol,
			RelayPort:      cfg.turn.udpPort,
			RegistryClient: serviceregistry.NewClient(newServiceClient(cfg.sessionRegistry.url, cfg.jwtCredentials)),
			TurnClient:     turnserver.NewClient(newServiceClient("", cfg.jwtCredentials)),
		}
	}

	e.callService, e.messageService = newServices(cfg, db, resolver, relays, events)
	return e
}

func newServices(cfg config, db *sql.DB, rates service.RateResolver, relays service.RelayAllocator, events service.EventPublisher) (*service.CallService, *service.MessageService) {
	tokens := realtime.NewTokenIssuer(cfg.rtc.appID, cfg.rtc.certificate, cfg.rtc.tokenTTL)
	hub := realtime.NewHub(tokens, cfg.rtc.maxPeers)
	sessionRepo := repository.NewCallSessionRepository(db)

	messageService := &service.MessageService{
		Hub:         hub,
		Tokens:      tokens,
		SessionRepo: sessionRepo,
	}

	callService := &service.CallService{
		Config: service.CallConfig{
			AppID:     cfg.rtc.appID,
			Allowance: cfg.call.allowance,
			Extension: cfg.call.extension,
		},
		Transports:  hub.NewTransport,
		Tokens:      tokens,
		Rates:       rates,
		SessionRepo: sessionRepo,
		Namer:       realtime.NewChannelNamer(time.Now),
		Relays:      relays,
		Events:      events,
		Settler: &service.Settler{
			Wallets: repository.NewWalletRepository(db),
			Payments: &service.LedgerPaymentProvider{
				Charges: repository.NewChargeRepository(db),
			},
		},
		Notifier:       messageService,
		PendingTimeout: cfg.call.pendingTimeout,
	}

	return callService, messageService
}

func newServiceClient(baseURL string, creds jwt.Credentials) client.Client {
	return client.Client{
		RPCClient: rpc.NewClient(time.Second),
		Issuer:    jwt.NewIssuer(creds),
		BaseURL:   baseURL,
		Role:      jwt.SystemRole,
		UserAgent: "call-manager",
	}
}

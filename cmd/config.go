package main

import (
	"strconv"
	"time"

	"github.com/CzarSimon/httputil/dbutil"
	"github.com/CzarSimon/httputil/environ"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/rtcheap/call-manager/internal/realtime"
	"github.com/rtcheap/call-manager/internal/service"
	"github.com/rtcheap/call-manager/internal/timer"
	"go.uber.org/zap"
)

type config struct {
	db              dbutil.Config
	port            string
	sessionRegistry sessionRegistryConfig
	turn            turnConfig
	rtc             rtcConfig
	call            callConfig
	redisURL        string
	natsURL         string
	pricingFile     string
	migrationsPath  string
	jwtCredentials  jwt.Credentials
}

type sessionRegistryConfig struct {
	url string
}

type turnConfig struct {
	udpPort     int
	rpcProtocol string
}

type rtcConfig struct {
	appID       string
	certificate string
	tokenTTL    time.Duration
	maxPeers    int
}

type callConfig struct {
	allowance      time.Duration
	extension      time.Duration
	pendingTimeout time.Duration
}

func getConfig() config {
	return config{
		db: dbutil.MysqlConfig{
			Host:             environ.MustGet("DB_HOST"),
			Port:             environ.MustGet("DB_PORT"),
			Database:         environ.MustGet("DB_DATABASE"),
			User:             environ.MustGet("DB_USERNAME"),
			Password:         environ.MustGet("DB_PASSWORD"),
			ConnectionParams: "parseTime=true",
		},
		port:            environ.Get("SERVICE_PORT", "8080"),
		turn:            getTurnConfig(),
		sessionRegistry: getSessionRegistryConfig(),
		rtc:             getRTCConfig(),
		call:            getCallConfig(),
		redisURL:        environ.Get("REDIS_URL", ""),
		natsURL:         environ.Get("NATS_URL", ""),
		pricingFile:     environ.Get("PRICING_FILE", ""),
		migrationsPath:  environ.Get("MIGRATIONS_PATH", "/etc/call-manager/migrations"),
		jwtCredentials:  getJwtCredentials(),
	}
}

func getTurnConfig() turnConfig {
	udpPort, err := strconv.Atoi(environ.Get("TURN_UDP_PORT", "3478"))
	if err != nil {
		log.Fatal("failed to parse turn udp port", zap.Error(err))
	}

	return turnConfig{
		udpPort:     udpPort,
		rpcProtocol: environ.Get("TURN_RPC_PROTOCOL", "http"),
	}
}

func getSessionRegistryConfig() sessionRegistryConfig {
	return sessionRegistryConfig{
		url: environ.Get("SESSIONREGISTRY_URL", ""),
	}
}

// getRTCConfig reads the realtime settings. A missing app id is not fatal at
// startup; every call attempt fails with a configuration error instead.
func getRTCConfig() rtcConfig {
	maxPeers, err := strconv.Atoi(environ.Get("RTC_MAX_PEERS", strconv.Itoa(realtime.DefaultMaxPeers)))
	if err != nil {
		log.Fatal("failed to parse max peers per channel", zap.Error(err))
	}

	appID := environ.Get("RTC_APP_ID", "")
	if appID == "" {
		log.Warn("RTC_APP_ID is not set, calls cannot be started")
	}

	return rtcConfig{
		appID:       appID,
		certificate: environ.MustGet("RTC_APP_CERTIFICATE"),
		tokenTTL:    getDuration("RTC_TOKEN_TTL", realtime.DefaultTokenTTL),
		maxPeers:    maxPeers,
	}
}

func getCallConfig() callConfig {
	return callConfig{
		allowance:      getDuration("CALL_FREE_ALLOWANCE", timer.DefaultAllowance),
		extension:      getDuration("CALL_EXTENSION", timer.DefaultExtension),
		pendingTimeout: getDuration("CALL_PENDING_TIMEOUT", service.DefaultPendingTimeout),
	}
}

func getJwtCredentials() jwt.Credentials {
	return jwt.Credentials{
		Issuer: environ.MustGet("JWT_ISSUER"),
		Secret: environ.MustGet("JWT_SECRET"),
	}
}

func getDuration(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(environ.Get(key, fallback.String()))
	if err != nil {
		log.Fatal("failed to parse duration "+key, zap.Error(err))
	}

	return d
}

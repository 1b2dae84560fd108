package main

import (
	"net/http"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/logger"
	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
)

var log = logger.GetDefaultLogger("call-manager/main")

func main() {
	e := setupEnv()
	defer e.close()

	server := newServer(e)
	log.Info("Started call-manager listening on port: " + e.cfg.port)

	err := server.ListenAndServe()
	if err != nil {
		log.Error("Unexpected error stoped server.", zap.Error(err))
	}
}

func newServer(e *env) *http.Server {
	r := httputil.NewRouter("call-manager", e.checkHealth)
	rbac := httputil.RBAC{Verifier: e.verifier}

	calls := r.Group("/v1/calls", rbac.Secure(userRole))
	calls.POST("", e.startCall)
	calls.GET("/:callId", e.getCall)
	calls.DELETE("/:callId", e.endCall)
	calls.POST("/:callId/start", e.restartCall)
	calls.POST("/:callId/retry", e.retryCall)
	calls.POST("/:callId/mute", e.toggleMute)
	calls.POST("/:callId/video", e.toggleVideo)
	calls.POST("/:callId/extend", e.extendCall)

	sessions := r.Group("/v1/sessions", rbac.Secure(userRole, expertRole))
	sessions.POST("/:sessionId/tokens", e.issueToken)

	r.GET("/v1/channels/:channel/socket", e.connectSocket)

	return &http.Server{
		Addr:    ":" + e.cfg.port,
		Handler: r,
	}
}

package main

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/CzarSimon/httputil"
	"github.com/CzarSimon/httputil/jwt"
	"github.com/gin-gonic/gin"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/call-manager/internal/models"
	"github.com/rtcheap/call-manager/internal/pricing"
	"github.com/rtcheap/call-manager/internal/realtime"
	"github.com/rtcheap/call-manager/internal/service"
)

const (
	userRole   = "USER"
	expertRole = "EXPERT"
)

type startCallRequest struct {
	ExpertID string          `json:"expertId"`
	Category string          `json:"category"`
	CallType models.CallType `json:"callType"`
	Offer    string          `json:"offer"`
	Timezone string          `json:"timezone"`
	Locales  []string        `json:"locales"`
}

func (r startCallRequest) toStartRequest() (service.StartRequest, error) {
	devices, err := realtime.ParseOffer([]byte(r.Offer))
	if err != nil {
		return service.StartRequest{}, err
	}

	return service.StartRequest{
		CallType: r.CallType,
		Devices:  devices,
		Locale: pricing.Locale{
			Timezone:  r.Timezone,
			Languages: r.Locales,
		},
	}, nil
}

func (e *env) startCall(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.startCall")
	defer span.Finish()

	var body startCallRequest
	err := c.ShouldBindJSON(&body)
	if err != nil || body.ExpertID == "" {
		err = httputil.BadRequestError(fmt.Errorf("failed to parse start call request. %v", err))
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	req, err := body.toStartRequest()
	if err != nil {
		err = httputil.BadRequestError(err)
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	user, err := getPrincipal(c)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	call := e.callService.Open(ctx, user.ID, body.ExpertID, body.Category)
	err = call.StartCall(ctx, req)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.JSON(mapError(err).Status, call.View())
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, call.View())
}

func (e *env) restartCall(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.restartCall")
	defer span.Finish()

	call, err := e.findCall(c)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	var body startCallRequest
	err = c.ShouldBindJSON(&body)
	if err != nil {
		err = httputil.BadRequestError(err)
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	req, err := body.toStartRequest()
	if err != nil {
		err = httputil.BadRequestError(err)
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	err = call.StartCall(ctx, req)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.JSON(mapError(err).Status, call.View())
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, call.View())
}

func (e *env) getCall(c *gin.Context) {
	span, _ := opentracing.StartSpanFromContext(c.Request.Context(), "controller.getCall")
	defer span.Finish()

	call, err := e.findCall(c)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, call.View())
}

func (e *env) retryCall(c *gin.Context) {
	span, _ := opentracing.StartSpanFromContext(c.Request.Context(), "controller.retryCall")
	defer span.Finish()

	call, err := e.findCall(c)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	err = call.Retry()
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(mapError(err))
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, call.View())
}

func (e *env) toggleMute(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.toggleMute")
	defer span.Finish()

	call, err := e.findCall(c)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	media, err := call.ToggleMute(ctx)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(mapError(err))
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, media)
}

func (e *env) toggleVideo(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.toggleVideo")
	defer span.Finish()

	call, err := e.findCall(c)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	media, err := call.ToggleVideo(ctx)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(mapError(err))
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, media)
}

func (e *env) extendCall(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.extendCall")
	defer span.Finish()

	call, err := e.findCall(c)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	snapshot, err := call.Extend(ctx)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(mapError(err))
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, snapshot)
}

func (e *env) endCall(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.endCall")
	defer span.Finish()

	user, err := getPrincipal(c)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	result, err := e.callService.End(ctx, c.Param("callId"), user.ID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(mapError(err))
		return
	}

	span.LogFields(tracelog.Bool("success", result.Success))
	c.JSON(http.StatusOK, result)
}

func (e *env) issueToken(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.issueToken")
	defer span.Finish()

	user, err := getPrincipal(c)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	offer, err := e.messageService.IssueToken(ctx, c.Param("sessionId"), user.ID)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
	c.JSON(http.StatusOK, offer)
}

func (e *env) connectSocket(c *gin.Context) {
	span, ctx := opentracing.StartSpanFromContext(c.Request.Context(), "controller.connectSocket")
	defer span.Finish()

	err := e.messageService.Connect(ctx, c.Param("channel"), c.Query("token"), c.Request, c.Writer)
	if err != nil {
		span.LogFields(tracelog.Bool("success", false), tracelog.Error(err))
		c.Error(err)
		return
	}

	span.LogFields(tracelog.Bool("success", true))
}

func (e *env) findCall(c *gin.Context) (*service.CallOperations, error) {
	user, err := getPrincipal(c)
	if err != nil {
		return nil, err
	}

	return e.callService.Find(c.Request.Context(), c.Param("callId"), user.ID)
}

func getPrincipal(c *gin.Context) (jwt.User, error) {
	user, ok := httputil.GetPrincipal(c)
	if !ok {
		return jwt.User{}, httputil.UnauthorizedError(errors.New("request has no authenticated principal"))
	}

	return user, nil
}

// mapError converts a call failure to the http error returned to the client.
func mapError(err error) *httputil.Error {
	var httpErr *httputil.Error
	if errors.As(err, &httpErr) {
		return httpErr
	}

	switch models.KindOf(err) {
	case models.KindConfiguration, models.KindPersistence:
		return httputil.ServiceUnavailableError(err)
	case models.KindPermission:
		return httputil.BadRequestError(err)
	case models.KindTransport, models.KindPayment:
		return httputil.BadGatewayError(err)
	case models.KindConflict:
		return httputil.ConflictError(err)
	case models.KindState:
		return httputil.PreconditionRequiredError(err)
	default:
		return httputil.InternalServerError(err)
	}
}

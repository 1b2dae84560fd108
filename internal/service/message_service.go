package service

import (
	"context"
	"fmt"
	"net/http"

	"github.com/CzarSimon/httputil"
	"github.com/opentracing/opentracing-go"
	tracelog "github.com/opentracing/opentracing-go/log"
	"github.com/rtcheap/call-manager/internal/models"
	"github.com/rtcheap/call-manager/internal/realtime"
	"github.com/rtcheap/call-manager/internal/repository"
	"go.uber.org/zap"
)

// Notifier delivers service messages to the peers of a call channel.
type Notifier interface {
	Notify(ctx context.Context, channel string, message models.Message) error
}

// MessageService service to connect channel peers and send messages to them.
type MessageService struct {
	Hub         *realtime.Hub
	Tokens      *realtime.TokenIssuer
	SessionRepo repository.CallSessionRepository
}

// IssueToken issues a channel token to a participant of the session using the channel.
func (m *MessageService) IssueToken(ctx context.Context, sessionID, userID string) (models.SessionOffer, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.MessageService.IssueToken")
	defer span.Finish()

	session, err := m.SessionRepo.Find(ctx, sessionID)
	if err != nil {
		err = httputil.NotFoundError(err)
		span.LogFields(tracelog.Error(err))
		return models.SessionOffer{}, err
	}

	if userID != session.UserID && userID != session.ExpertID {
		err = httputil.ForbiddenError(fmt.Errorf("user(id=%s) is not a participant of %s", userID, session))
		span.LogFields(tracelog.Error(err))
		return models.SessionOffer{}, err
	}

	if models.IsTerminal(session.Status) {
		err = httputil.PreconditionRequiredError(fmt.Errorf("%s is no longer open", session))
		span.LogFields(tracelog.Error(err))
		return models.SessionOffer{}, err
	}

	token, err := m.Tokens.Issue(session.ChannelName, userID)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return models.SessionOffer{}, err
	}

	turn, stun := realtime.Candidates(session.RelayServer, userID)
	return models.SessionOffer{
		AppID:   m.Tokens.AppID(),
		Channel: session.ChannelName,
		Token:   token,
		TURN:    turn,
		STUN:    stun,
	}, nil
}

// Connect upgrades the request to a websocket connected to the channel.
func (m *MessageService) Connect(ctx context.Context, channel, token string, r *http.Request, w http.ResponseWriter) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.MessageService.Connect")
	defer span.Finish()

	err := m.Hub.Connect(ctx, channel, token, r, w)
	if err != nil {
		span.LogFields(tracelog.Error(err))
		return err
	}

	return nil
}

// Notify sends a service message to every peer of the channel.
func (m *MessageService) Notify(ctx context.Context, channel string, message models.Message) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "service.MessageService.Notify")
	defer span.Finish()

	err := m.Hub.Notify(ctx, channel, message)
	if err != nil {
		log.Debug("failed to notify channel", zap.String("channel", channel), zap.String("type", message.Type), zap.Error(err))
		span.LogFields(tracelog.Error(err))
		return err
	}

	messagesTotal.WithLabelValues(message.Type).Inc()
	return nil
}

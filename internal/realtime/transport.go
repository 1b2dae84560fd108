// Package realtime joins call channels and tracks the media of a running call.
package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/CzarSimon/httputil/logger"
	"github.com/rtcheap/call-manager/internal/models"
)

var log = logger.GetDefaultLogger("call-manager/realtime")

// Transport errors.
var (
	ErrChannelFull   = errors.New("channel is full")
	ErrNotJoined     = errors.New("not joined to a channel")
	ErrAlreadyJoined = errors.New("already joined to a channel")
	ErrInvalidToken  = errors.New("invalid channel token")
	ErrNotPublished  = errors.New("participant has not published the requested media")
)

// MediaKind kind of a media track.
type MediaKind string

// Media kinds.
const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Track handle to a local or remote media track.
type Track struct {
	ID            string    `json:"id"`
	Kind          MediaKind `json:"kind"`
	ParticipantID string    `json:"participantId,omitempty"`
	Enabled       bool      `json:"enabled"`
}

func (t Track) String() string {
	return fmt.Sprintf("Track(id=%s, kind=%s, participantId=%s, enabled=%t)", t.ID, t.Kind, t.ParticipantID, t.Enabled)
}

// EventType transport event names.
type EventType string

// Transport events.
const (
	EventUserPublished   EventType = models.TypeUserPublished
	EventUserUnpublished EventType = models.TypeUserUnpublished
	EventUserLeft        EventType = models.TypeUserLeft
	EventError           EventType = "error"
)

// Event emitted by a transport.
type Event struct {
	Type          EventType
	ParticipantID string
	Kind          MediaKind
	Err           error
}

// Handler transport event callback.
type Handler func(Event)

// HandlerID identifies a registered handler so it can be removed again.
type HandlerID uint64

// JoinOptions parameters of a channel join.
type JoinOptions struct {
	AppID    string
	Channel  string
	Token    string
	UID      string
	CallType models.CallType
}

// Transport the real-time channel connection of one participant.
type Transport interface {
	Join(ctx context.Context, opts JoinOptions) error
	Publish(ctx context.Context, tracks ...Track) error
	Subscribe(ctx context.Context, participantID string, kind MediaKind) (Track, error)
	SetTrackEnabled(ctx context.Context, track Track, enabled bool) error
	On(event EventType, h Handler) HandlerID
	Off(event EventType, id HandlerID)
	Leave(ctx context.Context) error
}

// TransportFactory creates a transport handle. Must not touch the network.
type TransportFactory func() Transport

package realtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/sdp/v3"
)

// Device errors.
var (
	ErrPermissionDenied  = errors.New("media permission denied")
	ErrDeviceUnavailable = errors.New("media device unavailable")
)

// IsDeviceError reports whether err comes from local media acquisition.
func IsDeviceError(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrDeviceUnavailable)
}

// Devices acquires the local media tracks of a participant.
type Devices interface {
	Microphone(ctx context.Context) (Track, error)
	Camera(ctx context.Context) (Track, error)
}

// OfferDevices the local media a client advertised in its SDP offer.
type OfferDevices struct {
	audio mediaState
	video mediaState
}

type mediaState int

const (
	mediaMissing mediaState = iota
	mediaBlocked
	mediaSending
)

// ParseOffer reads the audio and video sections of an SDP offer.
func ParseOffer(offer []byte) (*OfferDevices, error) {
	desc := &sdp.SessionDescription{}
	err := desc.Unmarshal(offer)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SDP offer: %w", err)
	}

	d := &OfferDevices{}
	for _, media := range desc.MediaDescriptions {
		state := sendState(media)
		switch MediaKind(media.MediaName.Media) {
		case KindAudio:
			d.audio = maxState(d.audio, state)
		case KindVideo:
			d.video = maxState(d.video, state)
		}
	}

	return d, nil
}

// Microphone returns the local audio track.
func (d *OfferDevices) Microphone(ctx context.Context) (Track, error) {
	return acquire(ctx, KindAudio, d.audio)
}

// Camera returns the local video track.
func (d *OfferDevices) Camera(ctx context.Context) (Track, error) {
	return acquire(ctx, KindVideo, d.video)
}

func acquire(ctx context.Context, kind MediaKind, state mediaState) (Track, error) {
	if err := ctx.Err(); err != nil {
		return Track{}, err
	}

	switch state {
	case mediaSending:
		return Track{ID: uuid.New().String(), Kind: kind, Enabled: true}, nil
	case mediaBlocked:
		return Track{}, fmt.Errorf("%s: %w", kind, ErrPermissionDenied)
	default:
		return Track{}, fmt.Errorf("%s: %w", kind, ErrDeviceUnavailable)
	}
}

func sendState(media *sdp.MediaDescription) mediaState {
	if media.MediaName.Port.Value == 0 {
		return mediaBlocked
	}

	for _, attr := range media.Attributes {
		switch attr.Key {
		case "inactive", "recvonly":
			return mediaBlocked
		}
	}

	return mediaSending
}

func maxState(a, b mediaState) mediaState {
	if b > a {
		return b
	}

	return a
}

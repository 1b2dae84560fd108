package realtime

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rtcheap/call-manager/internal/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Participant remote member of a call channel.
type Participant struct {
	ID    string `json:"id"`
	Audio *Track `json:"audio,omitempty"`
	Video *Track `json:"video,omitempty"`
}

// State transient media state of a running call. Never persisted.
type State struct {
	LocalTracks    []Track       `json:"localTracks"`
	IsJoined       bool          `json:"isJoined"`
	IsMuted        bool          `json:"isMuted"`
	IsVideoEnabled bool          `json:"isVideoEnabled"`
	Participants   []Participant `json:"participants"`
}

// Client owns the transport of one participant and the state of its call.
type Client struct {
	factory TransportFactory

	mu           sync.Mutex
	transport    Transport
	scope        *Scope
	joined       bool
	connecting   bool
	local        []Track
	muted        bool
	videoEnabled bool
	participants map[string]Participant

	toggleMu sync.Mutex
}

// NewClient creates a Client. No transport is created until Create or Join.
func NewClient(factory TransportFactory) *Client {
	return &Client{
		factory:      factory,
		participants: make(map[string]Participant),
	}
}

// Create returns the transport handle, creating it on first use.
func (c *Client) Create() Transport {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.create()
}

func (c *Client) create() Transport {
	if c.transport == nil && c.factory != nil {
		c.transport = c.factory()
	}

	return c.transport
}

// Join acquires the local tracks for the call type, joins the channel and publishes them.
func (c *Client) Join(ctx context.Context, opts JoinOptions, devices Devices) ([]Track, error) {
	c.mu.Lock()
	if c.joined || c.connecting {
		c.mu.Unlock()
		return nil, models.NewCallError(models.KindState, "already in a call", ErrAlreadyJoined)
	}
	transport := c.create()
	c.connecting = transport != nil
	c.mu.Unlock()

	tracks, err := c.join(ctx, transport, opts, devices)

	c.mu.Lock()
	c.connecting = false
	if err != nil {
		c.participants = make(map[string]Participant)
	}
	c.mu.Unlock()

	return tracks, err
}

func (c *Client) join(ctx context.Context, transport Transport, opts JoinOptions, devices Devices) ([]Track, error) {
	if transport == nil {
		return nil, models.NewCallError(models.KindConfiguration, "realtime client is not configured", nil)
	}
	if devices == nil {
		return nil, models.NewCallError(models.KindPermission, "no media devices available", ErrDeviceUnavailable)
	}

	tracks, err := acquireTracks(ctx, opts.CallType, devices)
	if err != nil {
		if IsDeviceError(err) {
			return nil, models.NewCallError(models.KindPermission, permissionMessage(err), err)
		}
		return nil, models.NewCallError(models.KindTransport, "failed to acquire media", err)
	}

	scope := NewScope(transport)
	scope.On(EventUserPublished, c.onUserPublished)
	scope.On(EventUserUnpublished, c.onUserRemoved)
	scope.On(EventUserLeft, c.onUserRemoved)
	scope.On(EventError, c.onError)

	err = transport.Join(ctx, opts)
	if err != nil {
		scope.UnsubscribeAll()
		return nil, models.NewCallError(models.KindTransport, "failed to join call channel", err)
	}

	err = transport.Publish(ctx, tracks...)
	if err != nil {
		scope.UnsubscribeAll()
		leaveErr := transport.Leave(ctx)
		if leaveErr != nil {
			log.Warn("failed to leave channel after publish failure", zap.String("channel", opts.Channel), zap.Error(leaveErr))
		}
		return nil, models.NewCallError(models.KindTransport, "failed to publish local media", err)
	}

	c.mu.Lock()
	c.scope = scope
	c.joined = true
	c.local = tracks
	c.muted = false
	c.videoEnabled = opts.CallType == models.CallTypeVideo
	c.mu.Unlock()

	return copyTracks(tracks), nil
}

// SetMuted mutes or unmutes the local audio. The local flag is rolled back
// if the transport rejects the change.
func (c *Client) SetMuted(ctx context.Context, muted bool) error {
	return c.toggle(ctx, KindAudio, func(s *Client) *bool { return &s.muted }, muted, !muted)
}

// SetVideoEnabled enables or disables the local video.
func (c *Client) SetVideoEnabled(ctx context.Context, enabled bool) error {
	return c.toggle(ctx, KindVideo, func(s *Client) *bool { return &s.videoEnabled }, enabled, enabled)
}

func (c *Client) toggle(ctx context.Context, kind MediaKind, flag func(*Client) *bool, value, trackEnabled bool) error {
	c.toggleMu.Lock()
	defer c.toggleMu.Unlock()

	c.mu.Lock()
	if !c.joined {
		c.mu.Unlock()
		return models.NewCallError(models.KindState, "not in a call", ErrNotJoined)
	}
	track, ok := findTrack(c.local, kind)
	if !ok {
		c.mu.Unlock()
		return models.NewCallError(models.KindState, fmt.Sprintf("call has no local %s track", kind), nil)
	}
	transport := c.transport
	prev := *flag(c)
	*flag(c) = value
	c.mu.Unlock()

	err := transport.SetTrackEnabled(ctx, track, trackEnabled)
	if err != nil {
		c.mu.Lock()
		*flag(c) = prev
		c.mu.Unlock()
		return models.NewCallError(models.KindTransport, fmt.Sprintf("failed to update %s track", kind), err)
	}

	c.mu.Lock()
	setTrackEnabled(c.local, track.ID, trackEnabled)
	c.mu.Unlock()
	return nil
}

// Leave removes all handlers, leaves the channel and resets the call state.
// The state is reset even if the transport fails to leave.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	transport := c.transport
	scope := c.scope
	joined := c.joined
	c.scope = nil
	c.joined = false
	c.local = nil
	c.muted = false
	c.videoEnabled = false
	c.participants = make(map[string]Participant)
	c.mu.Unlock()

	if scope != nil {
		scope.UnsubscribeAll()
	}
	if transport == nil || !joined {
		return nil
	}

	err := transport.Leave(ctx)
	if err != nil {
		return models.NewCallError(models.KindTransport, "failed to leave call channel", err)
	}

	return nil
}

// State returns a copy of the call state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	participants := make([]Participant, 0, len(c.participants))
	for _, p := range c.participants {
		participants = append(participants, p)
	}
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].ID < participants[j].ID
	})

	return State{
		LocalTracks:    copyTracks(c.local),
		IsJoined:       c.joined,
		IsMuted:        c.muted,
		IsVideoEnabled: c.videoEnabled,
		Participants:   participants,
	}
}

// HandlerCount number of handlers currently registered by the client.
func (c *Client) HandlerCount() int {
	c.mu.Lock()
	scope := c.scope
	c.mu.Unlock()

	if scope == nil {
		return 0
	}
	return scope.Len()
}

func (c *Client) onUserPublished(e Event) {
	c.mu.Lock()
	transport := c.transport
	active := c.joined || c.connecting
	c.mu.Unlock()
	if !active || transport == nil {
		return
	}

	track, err := transport.Subscribe(context.Background(), e.ParticipantID, e.Kind)
	if err != nil {
		log.Warn("failed to subscribe to remote track",
			zap.String("participantId", e.ParticipantID),
			zap.String("kind", string(e.Kind)),
			zap.Error(err),
		)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.joined && !c.connecting {
		return
	}

	p := c.participants[e.ParticipantID]
	p.ID = e.ParticipantID
	switch e.Kind {
	case KindAudio:
		p.Audio = &track
	case KindVideo:
		p.Video = &track
	}
	c.participants[e.ParticipantID] = p
}

func (c *Client) onUserRemoved(e Event) {
	c.mu.Lock()
	delete(c.participants, e.ParticipantID)
	c.mu.Unlock()
}

func (c *Client) onError(e Event) {
	log.Warn("realtime transport error", zap.String("participantId", e.ParticipantID), zap.Error(e.Err))
}

func acquireTracks(ctx context.Context, callType models.CallType, devices Devices) ([]Track, error) {
	var audio, video Track
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		audio, err = devices.Microphone(gctx)
		return err
	})
	if callType == models.CallTypeVideo {
		g.Go(func() error {
			var err error
			video, err = devices.Camera(gctx)
			return err
		})
	}

	err := g.Wait()
	if err != nil {
		return nil, err
	}

	if callType == models.CallTypeVideo {
		return []Track{audio, video}, nil
	}
	return []Track{audio}, nil
}

func permissionMessage(err error) string {
	if errors.Is(err, ErrPermissionDenied) {
		return "camera or microphone access was denied"
	}

	return "camera or microphone is not available"
}

func findTrack(tracks []Track, kind MediaKind) (Track, bool) {
	for _, t := range tracks {
		if t.Kind == kind {
			return t, true
		}
	}

	return Track{}, false
}

func setTrackEnabled(tracks []Track, id string, enabled bool) {
	for i := range tracks {
		if tracks[i].ID == id {
			tracks[i].Enabled = enabled
		}
	}
}

func copyTracks(tracks []Track) []Track {
	out := make([]Track, len(tracks))
	copy(out, tracks)
	return out
}

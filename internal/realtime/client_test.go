package realtime_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rtcheap/call-manager/internal/models"
	"github.com/rtcheap/call-manager/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_CreateIsIdempotent(t *testing.T) {
	assert := assert.New(t)

	created := 0
	client := realtime.NewClient(func() realtime.Transport {
		created++
		return newFakeTransport()
	})
	assert.Equal(0, created)

	first := client.Create()
	second := client.Create()
	assert.Equal(1, created)
	assert.True(first == second)
}

func TestClient_JoinPublishesLocalTracks(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	ft := newFakeTransport()
	client := realtime.NewClient(func() realtime.Transport { return ft })

	tracks, err := client.Join(ctx, joinOpts(models.CallTypeVideo), videoDevices(t))
	require.NoError(err)
	assert.Len(tracks, 2)
	assert.Len(ft.published, 2)
	assert.Equal(4, ft.handlerCount())

	state := client.State()
	assert.True(state.IsJoined)
	assert.False(state.IsMuted)
	assert.True(state.IsVideoEnabled)
	assert.Len(state.LocalTracks, 2)

	_, err = client.Join(ctx, joinOpts(models.CallTypeVideo), videoDevices(t))
	assert.Equal(models.KindState, models.KindOf(err))
}

func TestClient_AudioCallDoesNotAcquireCamera(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	ft := newFakeTransport()
	client := realtime.NewClient(func() realtime.Transport { return ft })

	devices, err := realtime.ParseOffer(testOffer("sendrecv", ""))
	assert.NoError(err)

	tracks, err := client.Join(ctx, joinOpts(models.CallTypeAudio), devices)
	assert.NoError(err)
	assert.Len(tracks, 1)
	assert.Equal(realtime.KindAudio, tracks[0].Kind)
	assert.False(client.State().IsVideoEnabled)

	err = client.SetVideoEnabled(ctx, true)
	assert.Equal(models.KindState, models.KindOf(err))
}

func TestClient_PermissionFailure(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	ft := newFakeTransport()
	client := realtime.NewClient(func() realtime.Transport { return ft })

	devices, err := realtime.ParseOffer(testOffer("sendrecv", "inactive"))
	assert.NoError(err)

	_, err = client.Join(ctx, joinOpts(models.CallTypeVideo), devices)
	assert.Equal(models.KindPermission, models.KindOf(err))
	assert.True(errors.Is(err, realtime.ErrPermissionDenied))
	assert.False(ft.joined)
	assert.Equal(0, ft.handlerCount())
	assert.False(client.State().IsJoined)
}

func TestClient_TransportFailure(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	ft := newFakeTransport()
	ft.joinErr = realtime.ErrChannelFull
	client := realtime.NewClient(func() realtime.Transport { return ft })

	_, err := client.Join(ctx, joinOpts(models.CallTypeVideo), videoDevices(t))
	assert.Equal(models.KindTransport, models.KindOf(err))
	assert.True(errors.Is(err, realtime.ErrChannelFull))
	assert.Equal(0, ft.handlerCount())

	ft.joinErr = nil
	ft.publishErr = errors.New("publish failed")
	_, err = client.Join(ctx, joinOpts(models.CallTypeVideo), videoDevices(t))
	assert.Equal(models.KindTransport, models.KindOf(err))
	assert.Equal(0, ft.handlerCount())
	assert.False(ft.joined)
	assert.Equal(1, ft.leaves)
}

func TestClient_NotConfigured(t *testing.T) {
	assert := assert.New(t)

	client := realtime.NewClient(nil)
	_, err := client.Join(context.Background(), joinOpts(models.CallTypeAudio), videoDevices(t))
	assert.Equal(models.KindConfiguration, models.KindOf(err))
}

func TestClient_RemoteParticipants(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	ft := newFakeTransport()
	client := realtime.NewClient(func() realtime.Transport { return ft })
	_, err := client.Join(ctx, joinOpts(models.CallTypeVideo), videoDevices(t))
	require.NoError(err)

	ft.emit(realtime.Event{Type: realtime.EventUserPublished, ParticipantID: "expert-1", Kind: realtime.KindAudio})
	ft.emit(realtime.Event{Type: realtime.EventUserPublished, ParticipantID: "expert-1", Kind: realtime.KindVideo})
	ft.emit(realtime.Event{Type: realtime.EventUserPublished, ParticipantID: "observer", Kind: realtime.KindAudio})

	state := client.State()
	require.Len(state.Participants, 2)
	expert := state.Participants[0]
	assert.Equal("expert-1", expert.ID)
	require.NotNil(expert.Audio)
	require.NotNil(expert.Video)
	firstAudio := expert.Audio.ID

	ft.emit(realtime.Event{Type: realtime.EventUserPublished, ParticipantID: "expert-1", Kind: realtime.KindAudio})
	state = client.State()
	require.Len(state.Participants, 2)
	assert.NotEqual(firstAudio, state.Participants[0].Audio.ID, "stale entry should be replaced")

	ft.emit(realtime.Event{Type: realtime.EventUserUnpublished, ParticipantID: "observer", Kind: realtime.KindAudio})
	state = client.State()
	require.Len(state.Participants, 1)

	ft.emit(realtime.Event{Type: realtime.EventUserLeft, ParticipantID: "expert-1"})
	assert.Len(client.State().Participants, 0)

	ft.subscribeErr = errors.New("subscribe failed")
	ft.emit(realtime.Event{Type: realtime.EventUserPublished, ParticipantID: "expert-1", Kind: realtime.KindAudio})
	assert.Len(client.State().Participants, 0)
}

func TestClient_ToggleRollsBackOnTransportFailure(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	ft := newFakeTransport()
	client := realtime.NewClient(func() realtime.Transport { return ft })
	_, err := client.Join(ctx, joinOpts(models.CallTypeVideo), videoDevices(t))
	require.NoError(err)

	err = client.SetMuted(ctx, true)
	assert.NoError(err)
	assert.True(client.State().IsMuted)
	assert.Equal(false, ft.enabled[realtime.KindAudio])

	ft.enableErr = errors.New("transport rejected mute")
	err = client.SetMuted(ctx, false)
	assert.Equal(models.KindTransport, models.KindOf(err))
	assert.True(client.State().IsMuted, "mute flag must be rolled back")
	assert.Equal(false, ft.enabled[realtime.KindAudio])

	err = client.SetVideoEnabled(ctx, false)
	assert.Error(err)
	assert.True(client.State().IsVideoEnabled)

	ft.enableErr = nil
	err = client.SetVideoEnabled(ctx, false)
	assert.NoError(err)
	state := client.State()
	assert.False(state.IsVideoEnabled)
	for _, track := range state.LocalTracks {
		if track.Kind == realtime.KindVideo {
			assert.False(track.Enabled)
		}
	}
}

func TestClient_LeaveClearsStateAndHandlers(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	ft := newFakeTransport()
	client := realtime.NewClient(func() realtime.Transport { return ft })

	for i := 0; i < 3; i++ {
		_, err := client.Join(ctx, joinOpts(models.CallTypeVideo), videoDevices(t))
		require.NoError(err)
		ft.emit(realtime.Event{Type: realtime.EventUserPublished, ParticipantID: "expert-1", Kind: realtime.KindAudio})
		assert.Equal(4, ft.handlerCount())
		assert.Equal(4, client.HandlerCount())

		ft.leaveErr = errors.New("already disconnected")
		err = client.Leave(ctx)
		assert.Error(err)
		ft.leaveErr = nil

		state := client.State()
		assert.False(state.IsJoined)
		assert.Empty(state.Participants)
		assert.Empty(state.LocalTracks)
		assert.Equal(0, ft.handlerCount(), "handlers leaked after cycle %d", i)
		assert.Equal(0, client.HandlerCount())
	}

	assert.NoError(client.Leave(ctx))
}

func joinOpts(callType models.CallType) realtime.JoinOptions {
	return realtime.JoinOptions{
		AppID:    "app-1",
		Channel:  "channel-1",
		Token:    "token",
		UID:      "user-1",
		CallType: callType,
	}
}

func videoDevices(t *testing.T) realtime.Devices {
	devices, err := realtime.ParseOffer(testOffer("sendrecv", "sendrecv"))
	if err != nil {
		t.Fatal(err)
	}

	return devices
}

type fakeTransport struct {
	mu           sync.Mutex
	next         realtime.HandlerID
	handlers     map[realtime.EventType]map[realtime.HandlerID]realtime.Handler
	joined       bool
	published    []realtime.Track
	enabled      map[realtime.MediaKind]bool
	leaves       int
	joinErr      error
	publishErr   error
	subscribeErr error
	enableErr    error
	leaveErr     error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[realtime.EventType]map[realtime.HandlerID]realtime.Handler),
		enabled:  make(map[realtime.MediaKind]bool),
	}
}

func (f *fakeTransport) Join(ctx context.Context, opts realtime.JoinOptions) error {
	if f.joinErr != nil {
		return f.joinErr
	}
	f.joined = true
	return nil
}

func (f *fakeTransport) Publish(ctx context.Context, tracks ...realtime.Track) error {
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, tracks...)
	return nil
}

func (f *fakeTransport) Subscribe(ctx context.Context, participantID string, kind realtime.MediaKind) (realtime.Track, error) {
	if f.subscribeErr != nil {
		return realtime.Track{}, f.subscribeErr
	}

	f.mu.Lock()
	f.next++
	id := f.next
	f.mu.Unlock()

	return realtime.Track{
		ID:            participantID + "-" + string(kind) + "-" + string(rune('a'+int(id))),
		Kind:          kind,
		ParticipantID: participantID,
		Enabled:       true,
	}, nil
}

func (f *fakeTransport) SetTrackEnabled(ctx context.Context, track realtime.Track, enabled bool) error {
	if f.enableErr != nil {
		return f.enableErr
	}
	f.enabled[track.Kind] = enabled
	return nil
}

func (f *fakeTransport) On(event realtime.EventType, h realtime.Handler) realtime.HandlerID {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.next++
	if f.handlers[event] == nil {
		f.handlers[event] = make(map[realtime.HandlerID]realtime.Handler)
	}
	f.handlers[event][f.next] = h
	return f.next
}

func (f *fakeTransport) Off(event realtime.EventType, id realtime.HandlerID) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.handlers[event], id)
}

func (f *fakeTransport) Leave(ctx context.Context) error {
	f.leaves++
	f.joined = false
	return f.leaveErr
}

func (f *fakeTransport) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	n := 0
	for _, hs := range f.handlers {
		n += len(hs)
	}
	return n
}

func (f *fakeTransport) emit(e realtime.Event) {
	f.mu.Lock()
	var handlers []realtime.Handler
	for _, h := range f.handlers[e.Type] {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		h(e)
	}
}

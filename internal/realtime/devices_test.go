package realtime_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rtcheap/call-manager/internal/realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOffer(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	devices, err := realtime.ParseOffer(testOffer("sendrecv", "sendrecv"))
	require.NoError(err)

	mic, err := devices.Microphone(ctx)
	assert.NoError(err)
	assert.Equal(realtime.KindAudio, mic.Kind)
	assert.NotEmpty(mic.ID)
	assert.True(mic.Enabled)

	cam, err := devices.Camera(ctx)
	assert.NoError(err)
	assert.Equal(realtime.KindVideo, cam.Kind)
	assert.NotEqual(mic.ID, cam.ID)
}

func TestParseOffer_MissingAndBlockedMedia(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	devices, err := realtime.ParseOffer(testOffer("sendonly", ""))
	require.NoError(err)
	_, err = devices.Microphone(ctx)
	assert.NoError(err)
	_, err = devices.Camera(ctx)
	assert.True(errors.Is(err, realtime.ErrDeviceUnavailable))
	assert.True(realtime.IsDeviceError(err))

	devices, err = realtime.ParseOffer(testOffer("inactive", "recvonly"))
	require.NoError(err)
	_, err = devices.Microphone(ctx)
	assert.True(errors.Is(err, realtime.ErrPermissionDenied))
	_, err = devices.Camera(ctx)
	assert.True(errors.Is(err, realtime.ErrPermissionDenied))

	_, err = realtime.ParseOffer([]byte("not sdp"))
	assert.Error(err)
}

func TestTokenIssuer(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	issuer := realtime.NewTokenIssuer("app-1", "certificate", time.Hour)
	token, err := issuer.Issue("channel-1", "user-1")
	require.NoError(err)

	claims, err := issuer.Verify(token)
	require.NoError(err)
	assert.Equal("app-1", claims.AppID)
	assert.Equal("channel-1", claims.Channel)
	assert.Equal("user-1", claims.UID())

	other := realtime.NewTokenIssuer("app-1", "other-certificate", time.Hour)
	_, err = other.Verify(token)
	assert.True(errors.Is(err, realtime.ErrInvalidToken))

	otherApp := realtime.NewTokenIssuer("app-2", "certificate", time.Hour)
	_, err = otherApp.Verify(token)
	assert.True(errors.Is(err, realtime.ErrInvalidToken))

	expired := realtime.NewTokenIssuer("app-1", "certificate", time.Nanosecond)
	token, err = expired.Issue("channel-1", "user-1")
	require.NoError(err)
	time.Sleep(1100 * time.Millisecond)
	_, err = expired.Verify(token)
	assert.True(errors.Is(err, realtime.ErrInvalidToken))
}

func testOffer(audio, video string) []byte {
	lines := []string{
		"v=0",
		"o=- 4611731400430051336 2 IN IP4 127.0.0.1",
		"s=-",
		"t=0 0",
	}
	if audio != "" {
		lines = append(lines,
			"m=audio 9 UDP/TLS/RTP/SAVPF 111",
			"c=IN IP4 0.0.0.0",
			"a=rtpmap:111 opus/48000/2",
			"a="+audio,
		)
	}
	if video != "" {
		lines = append(lines,
			"m=video 9 UDP/TLS/RTP/SAVPF 96",
			"c=IN IP4 0.0.0.0",
			"a=rtpmap:96 VP8/90000",
			"a="+video,
		)
	}

	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

package realtime_test

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/rtcheap/call-manager/internal/realtime"
	"github.com/stretchr/testify/assert"
)

var channelPattern = regexp.MustCompile(`^[A-Za-z0-9]*_[A-Za-z0-9]*_[0-9]+$`)

func TestChannelNamer_UniqueAndBounded(t *testing.T) {
	assert := assert.New(t)

	frozen := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	namer := realtime.NewChannelNamer(func() time.Time { return frozen })

	expertID := "5f0c8a52-7e0c-4a6e-9b5e-2d6f1c9e3b11"
	userID := "0b6c5d1e-2f3a-4b5c-8d9e-0f1a2b3c4d5e"

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		name := namer.Next(expertID, userID)
		assert.False(seen[name], "duplicate channel name %s", name)
		seen[name] = true
		assert.True(len(name) <= realtime.MaxChannelNameBytes, "channel name %s too long", name)
		assert.Regexp(channelPattern, name)
	}
	assert.Len(seen, 1000)
}

func TestChannelNamer_KeepsFullTimestamp(t *testing.T) {
	assert := assert.New(t)

	now := time.Date(2026, 5, 1, 12, 0, 0, 123456789, time.UTC)
	namer := realtime.NewChannelNamer(func() time.Time { return now })

	longID := strings.Repeat("a", 100)
	name := namer.Next(longID, longID)
	assert.Len(name, realtime.MaxChannelNameBytes)
	assert.True(strings.HasSuffix(name, "_1777636800123456789"), name)

	name = namer.Next("expert-1", "user_1")
	assert.Equal("expert1_user1_1777636800123456790", name)

	name = namer.Next("e", strings.Repeat("u", 80))
	assert.Len(name, realtime.MaxChannelNameBytes)
	assert.True(strings.HasPrefix(name, "e_uuu"), name)
}

package realtime

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// MaxChannelNameBytes transport limit on channel names.
const MaxChannelNameBytes = 64

// ChannelNamer generates unique channel names from participant ids and a timestamp.
type ChannelNamer struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewChannelNamer creates a ChannelNamer. A nil clock uses time.Now.
func NewChannelNamer(now func() time.Time) *ChannelNamer {
	if now == nil {
		now = time.Now
	}

	return &ChannelNamer{now: now}
}

// Next returns a channel name of the form <expert>_<user>_<unix nanos>.
// The id parts are truncated to fit the byte limit, the timestamp never is.
func (n *ChannelNamer) Next(expertID, userID string) string {
	ts := strconv.FormatInt(n.timestamp(), 10)

	budget := MaxChannelNameBytes - len(ts) - 2
	expert := sanitize(expertID)
	user := sanitize(userID)
	expert, user = fit(expert, user, budget)

	return expert + "_" + user + "_" + ts
}

// timestamp returns strictly increasing unix nanos, so names stay unique even
// when the clock is coarse or repeats.
func (n *ChannelNamer) timestamp() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	ts := n.now().UnixNano()
	if ts <= n.last {
		ts = n.last + 1
	}
	n.last = ts
	return ts
}

func fit(a, b string, budget int) (string, string) {
	if len(a)+len(b) <= budget {
		return a, b
	}

	half := budget / 2
	switch {
	case len(a) <= half:
		return a, b[:budget-len(a)]
	case len(b) <= budget-half:
		return a[:budget-len(b)], b
	default:
		return a[:half], b[:budget-half]
	}
}

func sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}

	return b.String()
}

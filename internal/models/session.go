package models

import (
	"fmt"
	"time"
)

// CallType media kind of a call.
type CallType string

// Call types.
const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

// Valid reports whether the call type is known.
func (t CallType) Valid() bool {
	return t == CallTypeAudio || t == CallTypeVideo
}

// Session statuses.
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusEnded   = "ended"
	StatusFailed  = "failed"
)

var transitions = map[string][]string{
	StatusPending: {StatusActive, StatusEnded, StatusFailed},
	StatusActive:  {StatusEnded, StatusFailed},
}

// CanTransition reports whether a session may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}

	return false
}

// IsTerminal reports whether no further transitions are allowed from the status.
func IsTerminal(status string) bool {
	return status == StatusEnded || status == StatusFailed
}

// CallSession a single paid call attempt between a user and an expert.
type CallSession struct {
	ID          string     `json:"id"`
	ExpertID    string     `json:"expertId"`
	UserID      string     `json:"userId"`
	Category    string     `json:"category,omitempty"`
	ChannelName string     `json:"channelName"`
	CallType    CallType   `json:"callType"`
	Status      string     `json:"status"`
	RelayServer string     `json:"relayServer,omitempty"`
	Currency    Currency   `json:"currency"`
	Rate        float64    `json:"rate"`
	StartTime   *time.Time `json:"startTime,omitempty"`
	EndTime     *time.Time `json:"endTime,omitempty"`
	Duration    int        `json:"duration"`
	Cost        float64    `json:"cost"`
	Rating      *int       `json:"rating,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func (s CallSession) String() string {
	return fmt.Sprintf(
		"CallSession(id=%s, expertId=%s, userId=%s, channel=%s, type=%s, status=%s, duration=%d, cost=%.2f %s)",
		s.ID,
		s.ExpertID,
		s.UserID,
		s.ChannelName,
		s.CallType,
		s.Status,
		s.Duration,
		s.Cost,
		s.Currency,
	)
}

// SessionUpdate optional fields written together with a status change.
type SessionUpdate struct {
	StartTime *time.Time
	EndTime   *time.Time
	Duration  *int
	Cost      *float64
}

// Apply copies the set fields of the update onto the session.
func (u SessionUpdate) Apply(s *CallSession) {
	if u.StartTime != nil {
		s.StartTime = u.StartTime
	}
	if u.EndTime != nil {
		s.EndTime = u.EndTime
	}
	if u.Duration != nil {
		s.Duration = *u.Duration
	}
	if u.Cost != nil {
		s.Cost = *u.Cost
	}
}

// SessionOffer metadata a participant needs to join the call channel.
type SessionOffer struct {
	AppID   string        `json:"appId,omitempty"`
	Channel string        `json:"channel,omitempty"`
	Token   string        `json:"token,omitempty"`
	TURN    TurnCandidate `json:"turn,omitempty"`
	STUN    StunCandidate `json:"stun,omitempty"`
}

// TurnCandidate ICE candidate for inititating a peer connection usring a relay server.
type TurnCandidate struct {
	URL      string `json:"url,omitempty"`
	Username string `json:"username,omitempty"`
}

// StunCandidate ICE candidate for inititating a peer connection using a STUN server for network information exchange.
type StunCandidate struct {
	URL string `json:"url,omitempty"`
}

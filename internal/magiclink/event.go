package magiclink

import "time"

// EventType names a committed lifecycle transition.
type EventType string

const (
	EventTokenIssued      EventType = "token.issued"
	EventTokenRedeemed    EventType = "token.redeemed"
	EventTokenBlocked     EventType = "token.blocked"
	EventTokenActivated   EventType = "token.activated"
	EventTokenExtended    EventType = "token.extended"
	EventTokenDeleted     EventType = "token.deleted"
	EventTokenResent      EventType = "token.resent"
	EventSessionIssued    EventType = "session.issued"
	EventSessionRevoked   EventType = "session.revoked"
	EventSessionUnrevoked EventType = "session.unrevoked"
	EventSessionsCleaned  EventType = "sessions.cleaned"
	EventIPBanned         EventType = "ip.banned"
	EventIPUnbanned       EventType = "ip.unbanned"
)

// Event never carries secrets or signed JWTs.
type Event struct {
	Type    EventType         `json:"type"`
	Subject string            `json:"subject"`
	UserID  string            `json:"userId,omitempty"`
	Email   string            `json:"email,omitempty"`
	At      time.Time         `json:"at"`
	Attrs   map[string]string `json:"attrs,omitempty"`
}

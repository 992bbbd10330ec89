package domain

import (
	"time"
)

type SessionID string

type SessionStatus string

const (
	StatusUpcoming SessionStatus = "UPCOMING"
	StatusLive     SessionStatus = "LIVE"
	StatusEnded    SessionStatus = "ENDED"
)

func (s SessionStatus) Valid() bool {
	return s == StatusUpcoming || s == StatusLive || s == StatusEnded
}

// CanTransitionTo reports whether next is reachable from s in one step.
// ENDED is terminal.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	switch s {
	case StatusUpcoming:
		return next == StatusLive
	case StatusLive:
		return next == StatusEnded
	}
	return false
}

type MediaType string

const (
	MediaVideo MediaType = "VIDEO"
	MediaAudio MediaType = "AUDIO"
)

func (m MediaType) Valid() bool {
	return m == MediaVideo || m == MediaAudio
}

// Session is the canonical in-memory AMA session.
type Session struct {
	ID               SessionID     `json:"id"`
	Title            string        `json:"title"`
	Description      string        `json:"description"`
	Host             User          `json:"host"`
	CoHosts          []User        `json:"co_hosts"`
	SourceURLs       []string      `json:"source_urls"`
	Status           SessionStatus `json:"status"`
	MediaType        MediaType     `json:"media_type"`
	TimeLimitMinutes int           `json:"time_limit_minutes"`
	StartTime        time.Time     `json:"start_time"`
	Viewers          int           `json:"viewers"`
	Likes            int           `json:"likes"`
	Dislikes         int           `json:"dislikes"`
	WalletAddress    string        `json:"wallet_address,omitempty"`
	WalletTicker     string        `json:"wallet_ticker,omitempty"`
	IsFeatured       bool          `json:"is_featured"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate it without racing the store.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	c.CoHosts = append([]User(nil), s.CoHosts...)
	c.SourceURLs = append([]string(nil), s.SourceURLs...)
	return &c
}

// Validate checks the fields every stored session must carry.
func (s *Session) Validate() error {
	if s.Title == "" {
		return ErrInvalidSession
	}
	if s.Host.ID == "" {
		return ErrInvalidSession
	}
	if !s.Status.Valid() || !s.MediaType.Valid() {
		return ErrInvalidSession
	}
	if s.TimeLimitMinutes <= 0 {
		return ErrInvalidSession
	}
	if s.MediaType == MediaVideo && len(s.SourceURLs) == 0 {
		return ErrInvalidSession
	}
	return nil
}

type ParticipantRole string

const (
	ParticipantHost   ParticipantRole = "host"
	ParticipantCoHost ParticipantRole = "co-host"
)

// Participant is derived per composition and never stored.
type Participant struct {
	User    User            `json:"user"`
	Role    ParticipantRole `json:"role"`
	IsLocal bool            `json:"is_local"`
}

func (p Participant) IsPrimaryHost() bool {
	return p.Role == ParticipantHost
}

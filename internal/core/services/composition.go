package services

import (
	"strings"

	"amalive/internal/core/domain"
)

const (
	// MaxComposedParticipants is the host plus up to three co-hosts.
	MaxComposedParticipants = 4
	maxComposedCoHosts      = MaxComposedParticipants - 1

	StaffTimeLimitMinutes   = 9999
	PremiumTimeLimitMinutes = 120
	FreeTimeLimitMinutes    = 30
)

// IsPremiumOrStaff is the single tier gate. Admins and moderators bypass the tier.
func IsPremiumOrStaff(host domain.User) bool {
	return host.Tier == domain.TierPremium || host.Role.IsStaff()
}

func IsHost(userID domain.UserID, session *domain.Session) bool {
	return userID != "" && session != nil && session.Host.ID == userID
}

func IsCoHost(userID domain.UserID, session *domain.Session) bool {
	if userID == "" || session == nil {
		return false
	}
	for _, c := range session.CoHosts {
		if c.ID == userID {
			return true
		}
	}
	return false
}

// CanPublish reports whether userID may publish media in session.
func CanPublish(userID domain.UserID, session *domain.Session) bool {
	if session == nil {
		return false
	}
	return IsHost(userID, session) || (IsPremiumOrStaff(session.Host) && IsCoHost(userID, session))
}

// TimeLimitMinutes is the session duration cap for host.
func TimeLimitMinutes(host domain.User) int {
	switch {
	case host.Role.IsStaff():
		return StaffTimeLimitMinutes
	case host.Tier == domain.TierPremium:
		return PremiumTimeLimitMinutes
	default:
		return FreeTimeLimitMinutes
	}
}

type VideoLayout string

const (
	VideoSingle      VideoLayout = "single"
	VideoGrid        VideoLayout = "grid"
	VideoUnavailable VideoLayout = "unavailable"
)

type VideoSources struct {
	Layout VideoLayout `json:"layout"`
	URLs   []string    `json:"urls"`
}

// SelectVideoSources picks the external video sources to embed. Blank URLs are ignored.
func SelectVideoSources(urls []string, premiumOrStaff bool) VideoSources {
	var valid []string
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			valid = append(valid, u)
		}
	}

	switch {
	case premiumOrStaff && len(valid) > 1:
		if len(valid) > MaxComposedParticipants {
			valid = valid[:MaxComposedParticipants]
		}
		return VideoSources{Layout: VideoGrid, URLs: valid}
	case len(valid) > 0:
		return VideoSources{Layout: VideoSingle, URLs: valid[:1]}
	default:
		return VideoSources{Layout: VideoUnavailable}
	}
}

// Composition is what one visitor sees and may do in a session.
type Composition struct {
	Participants       []domain.Participant `json:"participants"`
	MediaType          domain.MediaType     `json:"media_type"`
	PremiumOrStaff     bool                 `json:"premium_or_staff"`
	CanPublish         bool                 `json:"can_publish"`
	ShouldAcquireAudio bool                 `json:"should_acquire_audio"`
	Video              VideoSources         `json:"video"`
}

// Compose computes the ordered participant list and viewer's entitlement.
// Co-hosts past the cap are left out of the composition, not the roster.
func Compose(session *domain.Session, viewer domain.UserID) Composition {
	if session == nil {
		return Composition{Video: VideoSources{Layout: VideoUnavailable}}
	}

	premium := IsPremiumOrStaff(session.Host)
	participants := []domain.Participant{{
		User:    session.Host,
		Role:    domain.ParticipantHost,
		IsLocal: viewer != "" && session.Host.ID == viewer,
	}}
	if premium {
		for i, c := range session.CoHosts {
			if i == maxComposedCoHosts {
				break
			}
			participants = append(participants, domain.Participant{
				User:    c,
				Role:    domain.ParticipantCoHost,
				IsLocal: viewer != "" && c.ID == viewer,
			})
		}
	}

	canPublish := CanPublish(viewer, session)
	comp := Composition{
		Participants:       participants,
		MediaType:          session.MediaType,
		PremiumOrStaff:     premium,
		CanPublish:         canPublish,
		ShouldAcquireAudio: canPublish && session.MediaType == domain.MediaAudio,
		Video:              VideoSources{Layout: VideoUnavailable},
	}
	if session.MediaType == domain.MediaVideo {
		comp.Video = SelectVideoSources(session.SourceURLs, premium)
	}
	return comp
}

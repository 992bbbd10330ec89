package render

import (
	"fmt"

	"amalive/internal/core/domain"
	"amalive/internal/core/services"
)

const (
	NoteListeningIn    = "You are listening in."
	NotePremiumCoHosts = "Premium hosts can add up to 3 co-hosts."
)

// Stage is the media panel of one room visit.
type Stage struct {
	SessionID domain.SessionID     `json:"session_id"`
	Title     string               `json:"title"`
	Host      string               `json:"host"`
	HostStaff bool                 `json:"host_staff"`
	Viewers   int                  `json:"viewers"`
	Status    domain.SessionStatus `json:"status"`
	MediaType domain.MediaType     `json:"media_type"`
	Timer     string               `json:"timer,omitempty"`

	Tiles []Tile      `json:"tiles,omitempty"`
	Video *VideoStage `json:"video,omitempty"`
	Notes []string    `json:"notes,omitempty"`

	ShowControls     bool `json:"show_controls"`
	ShowCameraToggle bool `json:"show_camera_toggle"`
	Muted            bool `json:"muted"`
	CameraOff        bool `json:"camera_off"`

	ShowHostControls bool                 `json:"show_host_controls"`
	NextStatus       domain.SessionStatus `json:"next_status,omitempty"`
}

// StageInput is the controller state a stage is built from.
type StageInput struct {
	Session          *domain.Session
	Viewer           domain.UserID
	Composition      services.Composition
	Tiles            []Tile
	RemainingSeconds int
	HasLocalStream   bool
	Muted            bool
	CameraOff        bool
	// MultiParty renders video sessions as participant tiles instead of embeds.
	MultiParty bool
}

func BuildStage(in StageInput) Stage {
	s := in.Session
	if s == nil {
		return Stage{Video: &VideoStage{Layout: services.VideoUnavailable, Message: MessageVideoUnavailable}}
	}

	stage := Stage{
		SessionID: s.ID,
		Title:     s.Title,
		Host:      s.Host.Name,
		HostStaff: s.Host.Role.IsStaff(),
		Viewers:   s.Viewers,
		Status:    s.Status,
		MediaType: s.MediaType,
		Muted:     in.Muted,
		CameraOff: in.CameraOff,
	}
	if s.Status == domain.StatusLive {
		stage.Timer = "TIME LEFT: " + FormatClock(in.RemainingSeconds)
	}

	comp := in.Composition
	switch {
	case s.MediaType == domain.MediaAudio:
		stage.Tiles = in.Tiles
		if !isParticipant(comp, in.Viewer) && !in.HasLocalStream {
			stage.Notes = append(stage.Notes, NoteListeningIn)
		}
		if len(comp.Participants) == 1 && !comp.PremiumOrStaff {
			stage.Notes = append(stage.Notes, NotePremiumCoHosts)
		}
	case in.MultiParty:
		stage.Tiles = padTiles(in.Tiles, VariantVideo)
	default:
		v := BuildVideoStage(comp.Video)
		stage.Video = &v
	}

	if comp.CanPublish && in.HasLocalStream {
		stage.ShowControls = true
		stage.ShowCameraToggle = s.MediaType == domain.MediaVideo
	}
	if services.IsHost(in.Viewer, s) {
		switch s.Status {
		case domain.StatusUpcoming:
			stage.ShowHostControls, stage.NextStatus = true, domain.StatusLive
		case domain.StatusLive:
			stage.ShowHostControls, stage.NextStatus = true, domain.StatusEnded
		}
	}
	return stage
}

// FormatClock renders seconds as HH:MM:SS. Negative input renders as zero.
func FormatClock(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, seconds%3600/60, seconds%60)
}

func isParticipant(comp services.Composition, viewer domain.UserID) bool {
	if viewer == "" {
		return false
	}
	for _, p := range comp.Participants {
		if p.User.ID == viewer {
			return true
		}
	}
	return false
}

func padTiles(tiles []Tile, v Variant) []Tile {
	if len(tiles) > services.MaxComposedParticipants {
		tiles = tiles[:services.MaxComposedParticipants]
	}
	out := make([]Tile, 0, services.MaxComposedParticipants)
	out = append(out, tiles...)
	for len(out) < services.MaxComposedParticipants {
		out = append(out, EmptySlot(v))
	}
	return out
}

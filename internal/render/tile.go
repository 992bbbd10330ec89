package render

import (
	"amalive/internal/core/domain"
)

type Variant string

const (
	VariantAudio Variant = "audio"
	VariantVideo Variant = "video"
)

const (
	HostLabel         = "HOST"
	OverlayConnecting = "Connecting..."
	OverlayCameraOff  = "Camera Off"
	EmptySlotLabel    = "Empty Slot"
)

// VariantFor picks the tile variant for a session media type.
func VariantFor(mediaType domain.MediaType) Variant {
	if mediaType == domain.MediaVideo {
		return VariantVideo
	}
	return VariantAudio
}

// Tile is the view model of one participant slot.
type Tile struct {
	Variant    Variant       `json:"variant"`
	UserID     domain.UserID `json:"user_id,omitempty"`
	Name       string        `json:"name"`
	AvatarURL  string        `json:"avatar_url,omitempty"`
	HostLabel  string        `json:"host_label,omitempty"`
	StaffBadge bool          `json:"staff_badge"`
	IsLocal    bool          `json:"is_local"`
	Speaking   bool          `json:"speaking"`
	Muted      bool          `json:"muted"`

	// Audio variant.
	PulseRing bool `json:"pulse_ring,omitempty"`
	MutedIcon bool `json:"muted_icon,omitempty"`

	// Video variant.
	StreamID      string `json:"stream_id,omitempty"`
	Highlight     bool   `json:"highlight,omitempty"`
	PlaybackMuted bool   `json:"playback_muted,omitempty"`
	Overlay       string `json:"overlay,omitempty"`

	Placeholder bool `json:"placeholder,omitempty"`
}

// TileState is everything a tile depends on.
type TileState struct {
	Participant domain.Participant
	Variant     Variant
	StreamID    string
	Speaking    bool
	Muted       bool
}

func BuildTile(st TileState) Tile {
	u := st.Participant.User
	t := Tile{
		Variant:    st.Variant,
		UserID:     u.ID,
		Name:       u.Name,
		AvatarURL:  u.AvatarURL,
		StaffBadge: u.Role.IsStaff(),
		IsLocal:    st.Participant.IsLocal,
		Speaking:   st.Speaking,
		Muted:      st.Muted,
	}
	if st.Participant.IsPrimaryHost() {
		t.HostLabel = HostLabel
	}

	switch st.Variant {
	case VariantVideo:
		t.StreamID = st.StreamID
		t.Highlight = st.Speaking
		// Local playback is always silenced to avoid feedback.
		t.PlaybackMuted = st.Participant.IsLocal
		switch {
		case st.StreamID == "":
			t.Overlay = OverlayConnecting
		case st.Muted:
			t.Overlay = OverlayCameraOff
		}
	default:
		t.PulseRing = st.Speaking
		t.MutedIcon = st.Muted
	}
	return t
}

func EmptySlot(v Variant) Tile {
	return Tile{Variant: v, Name: EmptySlotLabel, Placeholder: true}
}

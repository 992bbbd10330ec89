package render

import (
	"regexp"

	"amalive/internal/core/services"
)

const (
	MessageInvalidURL       = "Invalid YouTube URL provided."
	MessageVideoUnavailable = "Video stream is not available for this AMA."
	MessageNoGridURLs       = "No YouTube URLs provided for this multi-stream."
)

var youtubeIDPattern = regexp.MustCompile(`^.*(youtu\.be/|v/|u/\w/|embed/|watch\?v=|&v=)([^#&?]*).*`)

// YouTubeID extracts the 11 character video id from the common YouTube URL shapes.
func YouTubeID(raw string) (string, bool) {
	m := youtubeIDPattern.FindStringSubmatch(raw)
	if m == nil || len(m[2]) != 11 {
		return "", false
	}
	return m[2], true
}

func EmbedURL(videoID string) string {
	return "https://www.youtube.com/embed/" + videoID + "?autoplay=1&mute=1"
}

// Embed is one external video frame. Invalid sources keep their slot and
// show Message instead of a player.
type Embed struct {
	SourceURL string `json:"source_url"`
	VideoID   string `json:"video_id,omitempty"`
	EmbedURL  string `json:"embed_url,omitempty"`
	Valid     bool   `json:"valid"`
	Message   string `json:"message,omitempty"`
	FullWidth bool   `json:"full_width"`
}

func NewEmbed(raw string) Embed {
	id, ok := YouTubeID(raw)
	if !ok {
		return Embed{SourceURL: raw, Message: MessageInvalidURL}
	}
	return Embed{SourceURL: raw, VideoID: id, EmbedURL: EmbedURL(id), Valid: true}
}

// VideoStage is the external video area of a VIDEO session.
type VideoStage struct {
	Layout  services.VideoLayout `json:"layout"`
	Embeds  []Embed              `json:"embeds"`
	Message string               `json:"message,omitempty"`
}

// BuildVideoStage arranges sources on a two column grid: one source spans
// the full width, two sit side by side, three are two plus one full width
// below, four form a 2x2 grid.
func BuildVideoStage(sources services.VideoSources) VideoStage {
	stage := VideoStage{Layout: sources.Layout}

	switch sources.Layout {
	case services.VideoUnavailable:
		stage.Message = MessageVideoUnavailable
	case services.VideoSingle:
		e := NewEmbed(sources.URLs[0])
		e.FullWidth = true
		stage.Embeds = []Embed{e}
	case services.VideoGrid:
		urls := sources.URLs
		if len(urls) > services.MaxComposedParticipants {
			urls = urls[:services.MaxComposedParticipants]
		}
		if len(urls) == 0 {
			stage.Message = MessageNoGridURLs
			break
		}
		for i, u := range urls {
			e := NewEmbed(u)
			e.FullWidth = len(urls) == 1 || (len(urls) == 3 && i == 2)
			stage.Embeds = append(stage.Embeds, e)
		}
	}
	return stage
}

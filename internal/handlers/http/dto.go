package http

import (
	"fmt"
	"strings"
	"time"

	"amalive/internal/core/domain"
	"amalive/internal/core/ports"
	"amalive/pkg/errors"
	"amalive/pkg/validation"
)

// CreateSessionRequest accepts both the camelCase and the snake_case field
// names clients send. Camel case wins when both are present.
type CreateSessionRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`

	AmaType      domain.MediaType `json:"amaType"`
	AmaTypeSnake domain.MediaType `json:"ama_type"`

	// youtube_url is a comma separated list.
	YoutubeURLs []string `json:"youtubeUrls"`
	YoutubeURL  string   `json:"youtube_url"`
	SourceURLs  []string `json:"source_urls"`

	StartTime      *time.Time `json:"startTime"`
	StartTimeSnake *time.Time `json:"start_time"`

	TimeLimitMinutes      *int `json:"timeLimitMinutes"`
	TimeLimitMinutesSnake *int `json:"time_limit_minutes"`

	IsFeatured      *bool `json:"isFeatured"`
	IsFeaturedSnake *bool `json:"is_featured"`

	WalletAddress      string `json:"walletAddress"`
	WalletAddressSnake string `json:"wallet_address"`
	WalletTicker       string `json:"walletTicker"`
	WalletTickerSnake  string `json:"wallet_ticker"`

	CoHosts      []domain.User `json:"coHosts"`
	CoHostsSnake []domain.User `json:"co_hosts"`
}

// Draft converts the request into the canonical session draft.
func (r *CreateSessionRequest) Draft() (ports.SessionDraft, error) {
	title := validation.Sanitize(r.Title)
	if err := validation.ValidateTitle(title); err != nil {
		return ports.SessionDraft{}, errors.InvalidInput(err.Error())
	}
	description := validation.Sanitize(r.Description)
	if err := validation.ValidateDescription(description); err != nil {
		return ports.SessionDraft{}, errors.InvalidInput(err.Error())
	}

	mediaType := first(r.AmaType, r.AmaTypeSnake)
	if mediaType == "" {
		mediaType = domain.MediaVideo
	}
	mediaType = domain.MediaType(strings.ToUpper(string(mediaType)))
	if !mediaType.Valid() {
		return ports.SessionDraft{}, errors.InvalidInput(fmt.Sprintf("unknown ama type: %s", mediaType))
	}

	var urls []string
	if mediaType == domain.MediaVideo {
		urls = sourceURLs(r)
		if len(urls) == 0 {
			return ports.SessionDraft{}, errors.InvalidInput("video sessions need at least one source url")
		}
		if err := validation.ValidateSourceURLs(urls); err != nil {
			return ports.SessionDraft{}, errors.InvalidInput(err.Error())
		}
	}

	walletAddress := strings.TrimSpace(first(r.WalletAddress, r.WalletAddressSnake))
	walletTicker := strings.ToUpper(strings.TrimSpace(first(r.WalletTicker, r.WalletTickerSnake)))
	if err := validation.ValidateWallet(walletAddress, walletTicker); err != nil {
		return ports.SessionDraft{}, errors.InvalidInput(err.Error())
	}

	var limit int
	if p := firstPtr(r.TimeLimitMinutes, r.TimeLimitMinutesSnake); p != nil {
		limit = *p
	}
	if err := validation.ValidateTimeLimit(limit); err != nil {
		return ports.SessionDraft{}, errors.InvalidInput(err.Error())
	}

	coHosts := r.CoHosts
	if coHosts == nil {
		coHosts = r.CoHostsSnake
	}
	roster, err := coHostRoster(coHosts)
	if err != nil {
		return ports.SessionDraft{}, err
	}

	draft := ports.SessionDraft{
		Title:            title,
		Description:      description,
		CoHosts:          roster,
		SourceURLs:       urls,
		MediaType:        mediaType,
		WalletAddress:    walletAddress,
		WalletTicker:     walletTicker,
		TimeLimitMinutes: limit,
	}
	if p := firstPtr(r.StartTime, r.StartTimeSnake); p != nil {
		draft.StartTime = p.UTC()
	}
	if p := firstPtr(r.IsFeatured, r.IsFeaturedSnake); p != nil {
		draft.IsFeatured = *p
	}
	return draft, nil
}

func sourceURLs(r *CreateSessionRequest) []string {
	raw := r.YoutubeURLs
	if len(raw) == 0 && r.YoutubeURL != "" {
		raw = strings.Split(r.YoutubeURL, ",")
	}
	if len(raw) == 0 {
		raw = r.SourceURLs
	}

	var urls []string
	for _, u := range raw {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

// coHostRoster keeps every listed co-host; composition decides how many are shown.
func coHostRoster(users []domain.User) ([]domain.User, error) {
	roster := make([]domain.User, 0, len(users))
	seen := make(map[domain.UserID]bool, len(users))
	for _, u := range users {
		if u.ID == "" {
			return nil, errors.InvalidInput("co-host id is required")
		}
		if seen[u.ID] {
			continue
		}
		seen[u.ID] = true
		if u.Role == "" {
			u.Role = domain.RoleCoHost
		}
		if u.Tier == "" {
			u.Tier = domain.TierFree
		}
		if !u.Role.Valid() || !u.Tier.Valid() {
			return nil, errors.InvalidInput(fmt.Sprintf("invalid role or tier for co-host %s", u.ID))
		}
		u.Name = validation.Sanitize(u.Name)
		roster = append(roster, u)
	}
	return roster, nil
}

type StatusRequest struct {
	Status domain.SessionStatus `json:"status"`
}

func first[T ~string](values ...T) T {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPtr[T any](values ...*T) *T {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}

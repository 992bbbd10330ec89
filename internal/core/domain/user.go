package domain

type UserID string

type UserRole string

const (
	RoleAdmin     UserRole = "ADMIN"
	RoleHost      UserRole = "HOST"
	RoleCoHost    UserRole = "CO_HOST"
	RoleModerator UserRole = "MODERATOR"
	RoleViewer    UserRole = "VIEWER"
)

func (r UserRole) Valid() bool {
	switch r {
	case RoleAdmin, RoleHost, RoleCoHost, RoleModerator, RoleViewer:
		return true
	}
	return false
}

// IsStaff reports whether the role bypasses every tier gate.
func (r UserRole) IsStaff() bool {
	return r == RoleAdmin || r == RoleModerator
}

type UserTier string

const (
	TierFree    UserTier = "FREE"
	TierPremium UserTier = "PREMIUM"
)

func (t UserTier) Valid() bool {
	return t == TierFree || t == TierPremium
}

type User struct {
	ID        UserID   `json:"id"`
	Name      string   `json:"name"`
	AvatarURL string   `json:"avatar_url"`
	Role      UserRole `json:"role"`
	Tier      UserTier `json:"tier"`
}

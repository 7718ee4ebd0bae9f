package room

import "time"

// Role is a user's privilege level. Roles are strictly ordered:
// user < moderator < admin.
type Role string

const (
	RoleUser      Role = "user"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// NewAccountAge is the account age under which a user receives the
// new-account rate budget.
const NewAccountAge = 24 * time.Hour

// Rank returns the numeric privilege of a role. Unknown roles rank as user.
func (r Role) Rank() int {
	switch r {
	case RoleAdmin:
		return 2
	case RoleModerator:
		return 1
	default:
		return 0
	}
}

// Outranks reports whether r is strictly more privileged than other.
func (r Role) Outranks(other Role) bool {
	return r.Rank() > other.Rank()
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleModerator || r == RoleAdmin
}

// Warning is recorded on a user after repeated high-severity violations.
type Warning struct {
	Reason    string    `json:"reason"`
	Category  string    `json:"category"`
	Severity  string    `json:"severity"`
	CreatedAt time.Time `json:"created_at"`
}

// User is the subset of the player account the chat core needs.
type User struct {
	ID             string     `json:"id"`
	Username       string     `json:"username"`
	Role           Role       `json:"role"`
	Level          int        `json:"level"`
	CreatedAt      time.Time  `json:"created_at"`
	Warnings       []Warning  `json:"warnings,omitempty"`
	SuspendedUntil *time.Time `json:"suspended_until,omitempty"`
}

// IsNewAccount reports whether the account is younger than NewAccountAge.
func (u *User) IsNewAccount(now time.Time) bool {
	return now.Sub(u.CreatedAt) < NewAccountAge
}

// IsSuspended reports whether the user has an active suspension.
func (u *User) IsSuspended(now time.Time) bool {
	return u.SuspendedUntil != nil && now.Before(*u.SuspendedUntil)
}

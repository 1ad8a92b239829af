package model

import (
	"fmt"
	"time"
)

// Kind is the type of a punishment.
type Kind string

const (
	KindBan  Kind = "ban"
	KindMute Kind = "mute"
	KindKick Kind = "kick"
)

// ParseKind converts a configured action name into a Kind.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindBan, KindMute, KindKick:
		return k, nil
	}
	return "", &ValidationError{Field: "kind", Reason: fmt.Sprintf("unknown punishment kind %q", s)}
}

// HasActiveState reports whether punishments of this kind stay active until reversed.
// Kicks are instantaneous and always terminal.
func (k Kind) HasActiveState() bool {
	return k == KindBan || k == KindMute
}

// ClosedBy tells manual reversals apart from automatic expiry in the audit trail.
type ClosedBy string

const (
	ClosedManual ClosedBy = "manual"
	ClosedExpiry ClosedBy = "expiry"
)

// SystemModerator is the moderator id recorded for actions the engine takes on its own.
const SystemModerator = "system"

// Warning is a single warning issued to a member.
type Warning struct {
	ID          int64     `json:"id"`
	CommunityID string    `json:"community_id"`
	MemberID    string    `json:"member_id"`
	ModeratorID string    `json:"moderator_id"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// Punishment is a ban, mute or kick recorded against a member.
// ExpiresAt is nil for permanent punishments.
type Punishment struct {
	ID          int64      `json:"id"`
	CommunityID string     `json:"community_id"`
	MemberID    string     `json:"member_id"`
	ModeratorID string     `json:"moderator_id"`
	Kind        Kind       `json:"kind"`
	Reason      string     `json:"reason"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	Active      bool       `json:"active"`
	ReversedAt  *time.Time `json:"reversed_at,omitempty"`
	ReversedBy  ClosedBy   `json:"reversed_by,omitempty"`
}

// Permanent reports whether the punishment has no expiry.
func (p Punishment) Permanent() bool {
	return p.ExpiresAt == nil
}

// Overdue reports whether an active punishment should have been lifted by now.
func (p Punishment) Overdue(now time.Time) bool {
	return p.Active && p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}

// Mod log actions.
const (
	ActionWarn           = "warn"
	ActionUnwarn         = "unwarn"
	ActionOpen           = "open"
	ActionClose          = "close"
	ActionExpiry         = "expiry"
	ActionAutoEscalation = "auto-escalation"
)

// ModLogEntry is one immutable row of the audit trail.
type ModLogEntry struct {
	ID          int64     `json:"id"`
	CommunityID string    `json:"community_id"`
	MemberID    string    `json:"member_id"`
	ModeratorID string    `json:"moderator_id"`
	Action      string    `json:"action"`
	Detail      string    `json:"detail"`
	CreatedAt   time.Time `json:"created_at"`
}

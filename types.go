package tokenpool

import (
	"fmt"
	"time"
)

// Token is one pooled upstream credential.
type Token struct {
	ID     string `yaml:"id" json:"id"`
	Email  string `yaml:"email" json:"email"`
	Active bool   `yaml:"active" json:"active"`

	// ExpiresAt is the credential expiry. Zero means unknown.
	ExpiresAt time.Time `yaml:"expires_at" json:"expires_at"`
	Plan      PlanTier  `yaml:"plan" json:"plan"`

	ImageEnabled   bool `yaml:"image_enabled" json:"image_enabled"`
	VideoEnabled   bool `yaml:"video_enabled" json:"video_enabled"`
	VideoSupported bool `yaml:"video_supported" json:"video_supported"` // upstream video family available on the account

	// CooldownUntil marks video quota as exhausted until this instant. Zero means no cooldown.
	CooldownUntil time.Time `yaml:"cooldown_until" json:"cooldown_until"`
	UsageCount    int64     `yaml:"usage_count" json:"usage_count"`
}

// InCooldown reports whether the token's video quota is still exhausted at now.
func (t Token) InCooldown(now time.Time) bool {
	return !t.CooldownUntil.IsZero() && t.CooldownUntil.After(now)
}

// CooldownElapsed reports whether a cooldown is recorded but already past.
// Such a cooldown stays in effect until the registry refreshes the token.
func (t Token) CooldownElapsed(now time.Time) bool {
	return !t.CooldownUntil.IsZero() && !t.CooldownUntil.After(now)
}

// ExpiresWithin reports whether the token expires within d of now.
// Tokens with an unknown expiry never do.
func (t Token) ExpiresWithin(now time.Time, d time.Duration) bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return t.ExpiresAt.Sub(now) <= d
}

// PlanTier is the subscription tier of a token.
type PlanTier string

const (
	PlanStandard PlanTier = "standard"
	PlanPro      PlanTier = "pro"
)

// Elevated reports whether the tier satisfies an elevated-plan requirement.
func (p PlanTier) Elevated() bool {
	return p == PlanPro
}

// Workload is a class of upstream work that admission is tracked for.
type Workload string

const (
	WorkloadImage Workload = "image"
	WorkloadVideo Workload = "video"
)

// SchedulingMode selects the fairness policy applied to surviving candidates.
type SchedulingMode string

const (
	ModeRandom     SchedulingMode = "random"
	ModeRoundRobin SchedulingMode = "round_robin"
)

// ParseSchedulingMode converts a configured mode name.
func ParseSchedulingMode(s string) (SchedulingMode, error) {
	switch SchedulingMode(s) {
	case ModeRandom, ModeRoundRobin:
		return SchedulingMode(s), nil
	case "":
		return ModeRandom, nil
	default:
		return "", fmt.Errorf("%w: unknown scheduling mode %q", ErrInvalidConfig, s)
	}
}

// Requirements describes what a request needs from the selected token.
// Image and Video are normally exclusive; neither set means no workload filtering.
type Requirements struct {
	Image    bool
	Video    bool
	Elevated bool
}

// Workload returns the workload the requirements imply, or "" for none.
func (r Requirements) Workload() Workload {
	switch {
	case r.Image:
		return WorkloadImage
	case r.Video:
		return WorkloadVideo
	default:
		return ""
	}
}

// Stage names the filtering step that emptied the candidate pool.
type Stage string

const (
	StagePool      Stage = "pool"
	StagePlan      Stage = "plan"
	StageVideo     Stage = "video"
	StageImage     Stage = "image"
	StageAdmission Stage = "admission"
)

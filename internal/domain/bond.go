package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// BpsDenominator is the basis-point scale used by bond multipliers.
const BpsDenominator = 10_000

// BondTier discounts the bond for submitters whose score is at least MinScore.
type BondTier struct {
	MinScore      int   `json:"min_score" toml:"min_score"`
	MultiplierBps int64 `json:"multiplier_bps" toml:"multiplier_bps"`
}

// PenaltyTier surcharges the bond for submitters whose score is below BelowScore.
type PenaltyTier struct {
	BelowScore    int   `json:"below_score" toml:"below_score"`
	MultiplierBps int64 `json:"multiplier_bps" toml:"multiplier_bps"`
}

// BondPolicy is the versioned economic configuration for disputes.
type BondPolicy struct {
	Version              string                `json:"version" toml:"version"`
	Base                 map[DisputeType]int64 `json:"base" toml:"base"`
	Tiers                []BondTier            `json:"tiers" toml:"tiers"`
	PenaltyTiers         []PenaltyTier         `json:"penalty_tiers" toml:"penalty_tiers"`
	DefaultMultiplierBps int64                 `json:"default_multiplier_bps" toml:"default_multiplier_bps"`
	ReputationReward     int                   `json:"reputation_reward" toml:"reputation_reward"`
	ReputationPenalty    int                   `json:"reputation_penalty" toml:"reputation_penalty"`
	UpdatedAt            time.Time             `json:"updated_at" toml:"-"`
}

// DefaultBondPolicy returns the launch policy: evidence=100,
// interpretation=250, api_error=500; score >= 100 pays 70%, >= 50 pays 85%,
// < 10 pays 150%.
func DefaultBondPolicy() BondPolicy {
	return BondPolicy{
		Version: "v1",
		Base: map[DisputeType]int64{
			DisputeEvidence:       100,
			DisputeInterpretation: 250,
			DisputeAPIError:       500,
		},
		Tiers: []BondTier{
			{MinScore: 100, MultiplierBps: 7_000},
			{MinScore: 50, MultiplierBps: 8_500},
		},
		PenaltyTiers: []PenaltyTier{
			{BelowScore: 10, MultiplierBps: 15_000},
		},
		DefaultMultiplierBps: BpsDenominator,
		ReputationReward:     10,
		ReputationPenalty:    5,
	}
}

// Clone returns a deep copy of p.
func (p BondPolicy) Clone() BondPolicy {
	out := p
	if p.Base != nil {
		out.Base = make(map[DisputeType]int64, len(p.Base))
		for k, v := range p.Base {
			out.Base[k] = v
		}
	}
	out.Tiers = append([]BondTier(nil), p.Tiers...)
	out.PenaltyTiers = append([]PenaltyTier(nil), p.PenaltyTiers...)
	return out
}

// MultiplierBps returns the multiplier for a reputation score. Discount tiers
// are consulted from the highest threshold down, then penalty tiers from the
// lowest threshold up.
func (p BondPolicy) MultiplierBps(score int) int64 {
	tiers := append([]BondTier(nil), p.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinScore > tiers[j].MinScore })
	for _, t := range tiers {
		if score >= t.MinScore {
			return t.MultiplierBps
		}
	}
	penalties := append([]PenaltyTier(nil), p.PenaltyTiers...)
	sort.Slice(penalties, func(i, j int) bool { return penalties[i].BelowScore < penalties[j].BelowScore })
	for _, t := range penalties {
		if score < t.BelowScore {
			return t.MultiplierBps
		}
	}
	return p.DefaultMultiplierBps
}

// Validate rejects policies that would make ComputeBond partial or
// non-monotonic in the reputation score.
func (p BondPolicy) Validate() error {
	var errs []string
	if strings.TrimSpace(p.Version) == "" {
		errs = append(errs, "version must not be empty")
	}
	for _, t := range DisputeTypes {
		if p.Base[t] <= 0 {
			errs = append(errs, fmt.Sprintf("base bond for %s must be > 0", t))
		}
	}
	if p.DefaultMultiplierBps <= 0 {
		errs = append(errs, "default_multiplier_bps must be > 0")
	}

	tiers := append([]BondTier(nil), p.Tiers...)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinScore < tiers[j].MinScore })
	prev := p.DefaultMultiplierBps
	for i, t := range tiers {
		if t.MultiplierBps <= 0 {
			errs = append(errs, fmt.Sprintf("tier min_score=%d: multiplier_bps must be > 0", t.MinScore))
		}
		if t.MultiplierBps > prev {
			errs = append(errs, fmt.Sprintf("tier min_score=%d: multiplier_bps %d exceeds the tier below it (%d)", t.MinScore, t.MultiplierBps, prev))
		}
		if i > 0 && t.MinScore == tiers[i-1].MinScore {
			errs = append(errs, fmt.Sprintf("duplicate tier min_score=%d", t.MinScore))
		}
		prev = t.MultiplierBps
	}

	penalties := append([]PenaltyTier(nil), p.PenaltyTiers...)
	sort.Slice(penalties, func(i, j int) bool { return penalties[i].BelowScore > penalties[j].BelowScore })
	prev = p.DefaultMultiplierBps
	for _, t := range penalties {
		if t.MultiplierBps < prev {
			errs = append(errs, fmt.Sprintf("penalty below_score=%d: multiplier_bps %d is lower than the band above it (%d)", t.BelowScore, t.MultiplierBps, prev))
		}
		prev = t.MultiplierBps
	}
	if len(tiers) > 0 && len(penalties) > 0 && penalties[0].BelowScore > tiers[0].MinScore {
		errs = append(errs, "penalty tiers overlap discount tiers")
	}

	if p.ReputationReward < 0 || p.ReputationPenalty < 0 {
		errs = append(errs, "reputation reward and penalty must be >= 0")
	}

	if len(errs) > 0 {
		return &ValidationError{Field: "bond_policy", Code: "invalid_bond_policy", Reason: strings.Join(errs, "; ")}
	}
	return nil
}

// ComputeBond converts a dispute type and a reputation score into the bond
// required to submit. It is total over valid types and floors toward zero.
func ComputeBond(p BondPolicy, t DisputeType, score int) int64 {
	return p.Base[t] * p.MultiplierBps(score) / BpsDenominator
}

package domain

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeBondDefaultPolicy(t *testing.T) {
	p := DefaultBondPolicy()
	tests := []struct {
		typ   DisputeType
		score int
		want  int64
	}{
		{DisputeEvidence, 120, 70},
		{DisputeEvidence, 100, 70},
		{DisputeEvidence, 99, 85},
		{DisputeInterpretation, 50, 212},
		{DisputeInterpretation, 49, 250},
		{DisputeInterpretation, 10, 250},
		{DisputeAPIError, 9, 750},
		{DisputeAPIError, -40, 750},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ComputeBond(p, tt.typ, tt.score), "%s score=%d", tt.typ, tt.score)
	}
}

func TestComputeBondNonIncreasingInScore(t *testing.T) {
	p := DefaultBondPolicy()
	f := func(a, b int16, pick uint8) bool {
		typ := DisputeTypes[int(pick)%len(DisputeTypes)]
		lo, hi := int(a), int(b)
		if lo > hi {
			lo, hi = hi, lo
		}
		return ComputeBond(p, typ, hi) <= ComputeBond(p, typ, lo)
	}
	require.NoError(t, quick.Check(f, nil))
}

func TestBondPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultBondPolicy().Validate())

	tests := []struct {
		name   string
		mutate func(*BondPolicy)
	}{
		{"empty version", func(p *BondPolicy) { p.Version = " " }},
		{"missing base", func(p *BondPolicy) { delete(p.Base, DisputeAPIError) }},
		{"discount above default", func(p *BondPolicy) { p.Tiers[0].MultiplierBps = 11_000 }},
		{"higher tier costs more", func(p *BondPolicy) { p.Tiers = []BondTier{{MinScore: 100, MultiplierBps: 9_000}, {MinScore: 50, MultiplierBps: 8_000}} }},
		{"penalty below default", func(p *BondPolicy) { p.PenaltyTiers[0].MultiplierBps = 9_000 }},
		{"overlapping bands", func(p *BondPolicy) { p.PenaltyTiers[0].BelowScore = 60 }},
		{"negative reward", func(p *BondPolicy) { p.ReputationReward = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := DefaultBondPolicy()
			tt.mutate(&p)
			err := p.Validate()
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, "invalid_bond_policy", ve.Code)
		})
	}
}

func TestSplitBondConservesAmount(t *testing.T) {
	f := func(raw uint32, accepted bool) bool {
		bond := int64(raw)
		refund, forfeited, d := SplitBond(bond, accepted)
		if refund+forfeited != bond || refund < 0 || forfeited < 0 {
			return false
		}
		if accepted {
			return forfeited == 0 && d == DispositionRefundedFull
		}
		return forfeited == bond/2 && d == DispositionRefundedHalf
	}
	require.NoError(t, quick.Check(f, nil))

	refund, forfeited, _ := SplitBond(75, false)
	assert.Equal(t, int64(38), refund)
	assert.Equal(t, int64(37), forfeited)
}

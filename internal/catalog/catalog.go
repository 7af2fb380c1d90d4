// Package catalog answers static game-content lookups.
package catalog

type Catalog interface {
	PvpMatchCost(hqLevel int) int64
	TopTierPercentage(tournamentID string) float64
}

type Static struct {
	BaseCost       int64
	CostPerHQ      int64
	CostOverrides  map[int]int64
	DefaultTopTier float64
	TopTiers       map[string]float64
}

func NewStatic(baseCost, costPerHQ int64, defaultTopTier float64) *Static {
	return &Static{
		BaseCost:       baseCost,
		CostPerHQ:      costPerHQ,
		CostOverrides:  map[int]int64{},
		DefaultTopTier: defaultTopTier,
		TopTiers:       map[string]float64{},
	}
}

func (s *Static) PvpMatchCost(hqLevel int) int64 {
	if c, ok := s.CostOverrides[hqLevel]; ok {
		return c
	}
	if hqLevel < 1 {
		hqLevel = 1
	}
	return s.BaseCost + s.CostPerHQ*int64(hqLevel-1)
}

// TopTierPercentage is the share of players in a tournament's best tier.
func (s *Static) TopTierPercentage(tournamentID string) float64 {
	if p, ok := s.TopTiers[tournamentID]; ok && p > 0 {
		return p
	}
	return s.DefaultTopTier
}

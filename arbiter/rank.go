package arbiter

import (
	"math"

	"github.com/quantgully/tradefabric/types"
)

// ScoreFunc ranks a signal inside a batch lane.
type ScoreFunc func(types.Signal) float64

// RankScore is the default batch score: weighted open-interest alignment
// plus capped volume surge.
//
//	rank = 0.6 * oi_score + 0.4 * min(volume_surge, 10.0)
func RankScore(s types.Signal) float64 {
	return 0.6*OIScore(s) + 0.4*math.Min(s.Rank.VolumeSurge, 10.0)
}

// OIScore rewards OI buildup aligned with the trade direction at double
// weight, the covering counter-label at single weight, and anything else
// not at all.
func OIScore(s types.Signal) float64 {
	ratio := math.Abs(s.Rank.OIRatio)
	switch s.Side {
	case types.SideLong:
		switch s.Rank.OILabel {
		case types.OILongBuildup:
			return ratio * 2.0
		case types.OIShortCovering:
			return ratio * 1.0
		}
	case types.SideShort:
		switch s.Rank.OILabel {
		case types.OIShortBuildup:
			return ratio * 2.0
		case types.OILongUnwinding:
			return ratio * 1.0
		}
	}
	return 0
}

// laneScore returns the score function for a named category lane. FUDKOI
// ranks on OI alone; every other lane uses the default weighting.
func laneScore(category string) ScoreFunc {
	if category == "FUDKOI" {
		return OIScore
	}
	return RankScore
}

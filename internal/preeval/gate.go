package preeval

import (
	"github.com/signalforge/signalforge/internal/model"
	"github.com/signalforge/signalforge/internal/params"
)

// Band thresholds on the composite score
const (
	bandCriticalFloor = 0.85
	bandHighFloor     = 0.70
	bandMediumFloor   = 0.55
)

// composite computes the weighted quality score; weights come from the
// active parameter set and are normalized so a skewed set cannot push the
// composite out of [0,1]
func composite(q model.QualityScores, ps *params.Set, scopes ...string) float64 {
	wCompleteness := ps.Resolve("quality_w_completeness", 0.2, scopes...)
	wClarity := ps.Resolve("quality_w_clarity", 0.25, scopes...)
	wConfidence := ps.Resolve("quality_w_confidence", 0.25, scopes...)
	wVolatility := ps.Resolve("quality_w_volatility", 0.15, scopes...)
	wLiquidity := ps.Resolve("quality_w_liquidity", 0.15, scopes...)

	total := wCompleteness + wClarity + wConfidence + wVolatility + wLiquidity
	if total <= 0 {
		return 0
	}
	sum := q.DataCompleteness*wCompleteness +
		q.SignalClarity*wClarity +
		q.Confidence*wConfidence +
		q.VolatilityFit*wVolatility +
		q.LiquidityFit*wLiquidity
	return sum / total
}

// band buckets a composite score into a priority band
func band(score float64) model.PriorityBand {
	switch {
	case score >= bandCriticalFloor:
		return model.BandCritical
	case score >= bandHighFloor:
		return model.BandHigh
	case score >= bandMediumFloor:
		return model.BandMedium
	default:
		return model.BandLow
	}
}

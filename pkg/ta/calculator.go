// Package ta computes the indicator cluster the strategy engine consumes:
// a bank of simple moving averages over closed candles, plus an optional
// Bollinger Band bandwidth reading over the raw tick buffer for the
// dormant squeeze-breakout variant.
package ta

import (
	"math"

	"github.com/markcheno/go-talib"
)

// SMAPeriods are the periods computed for the primary timeframe cluster.
var SMAPeriods = [4]int{25, 50, 100, 200}

// IndicatorSet is the derived SMA cluster. A field is zero-valued and
// Defined is false for it until enough closed candles exist to compute
// it.
type IndicatorSet struct {
	SMA25, SMA50, SMA100, SMA200 float64
	Defined25, Defined50, Defined100, Defined200 bool
}

// Cluster computes SMA25/50/100/200 over closes, a slice of strictly
// closed candle closes for the primary timeframe (the caller must
// already have excluded the still-forming candle). Any SMA whose
// period exceeds len(closes) is left undefined.
func Cluster(closes []float64) IndicatorSet {
	var set IndicatorSet
	for _, period := range SMAPeriods {
		if len(closes) < period {
			continue
		}
		result := talib.Sma(closes, period)
		value := result[len(result)-1]
		if math.IsNaN(value) {
			continue
		}
		switch period {
		case 25:
			set.SMA25, set.Defined25 = value, true
		case 50:
			set.SMA50, set.Defined50 = value, true
		case 100:
			set.SMA100, set.Defined100 = value, true
		case 200:
			set.SMA200, set.Defined200 = value, true
		}
	}
	return set
}

// AllDefined reports whether every SMA needed for a MarketState
// evaluation (50/100/200) is available.
func (s IndicatorSet) AllDefined() bool {
	return s.Defined50 && s.Defined100 && s.Defined200
}

// BandwidthSqueeze computes Bollinger Band bandwidth ((upper-lower)/mid)
// over the given tick price buffer. It is used only to arm the alternate
// squeeze-breakout entry variant; the SMA-cluster variant does not gate
// entries on it.
func BandwidthSqueeze(prices []float64, period int) (bandwidth float64, ready bool) {
	if len(prices) < period {
		return 0, false
	}
	upper, mid, lower := talib.BBands(prices, period, 2, 2, talib.SMA)
	u, m, l := upper[len(upper)-1], mid[len(mid)-1], lower[len(lower)-1]
	if m == 0 || math.IsNaN(u) || math.IsNaN(l) || math.IsNaN(m) {
		return 0, false
	}
	return (u - l) / m, true
}

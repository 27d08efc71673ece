package indicators

import (
	"fmt"
	"math"

	"github.com/cinar/indicator/v2/momentum"
	"github.com/cinar/indicator/v2/trend"
	"github.com/cinar/indicator/v2/volatility"

	"github.com/signalforge/signalforge/internal/model"
)

// seriesChan converts a slice to the channel form cinar/indicator consumes
func seriesChan(values []float64) chan float64 {
	ch := make(chan float64, len(values))
	for _, v := range values {
		ch <- v
	}
	close(ch)
	return ch
}

func collect(ch <-chan float64) []float64 {
	var out []float64
	for v := range ch {
		out = append(out, v)
	}
	return out
}

func closes(bars []model.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func last(values []float64) (float64, error) {
	if len(values) == 0 {
		return 0, fmt.Errorf("no values calculated")
	}
	return values[len(values)-1], nil
}

// RSINode computes the Relative Strength Index over bar closes
type RSINode struct {
	NodeName string
	Period   int
}

func (n *RSINode) Name() string    { return n.NodeName }
func (n *RSINode) Deps() []string  { return nil }
func (n *RSINode) MinBars() int    { return n.Period + 1 }

func (n *RSINode) Compute(in Input) (float64, error) {
	rsi := momentum.NewRsiWithPeriod[float64](n.Period)
	return last(collect(rsi.Compute(seriesChan(closes(in.Bars)))))
}

// EMANode computes an Exponential Moving Average over bar closes
type EMANode struct {
	NodeName string
	Period   int
}

func (n *EMANode) Name() string    { return n.NodeName }
func (n *EMANode) Deps() []string  { return nil }
func (n *EMANode) MinBars() int    { return n.Period }

func (n *EMANode) Compute(in Input) (float64, error) {
	ema := trend.NewEmaWithPeriod[float64](n.Period)
	return last(collect(ema.Compute(seriesChan(closes(in.Bars)))))
}

// SMANode computes a Simple Moving Average over bar volumes or closes
type SMANode struct {
	NodeName string
	Period   int
	OnVolume bool
}

func (n *SMANode) Name() string    { return n.NodeName }
func (n *SMANode) Deps() []string  { return nil }
func (n *SMANode) MinBars() int    { return n.Period }

func (n *SMANode) Compute(in Input) (float64, error) {
	series := closes(in.Bars)
	if n.OnVolume {
		series = make([]float64, len(in.Bars))
		for i, b := range in.Bars {
			series[i] = b.Volume
		}
	}
	sma := trend.NewSmaWithPeriod[float64](n.Period)
	return last(collect(sma.Compute(seriesChan(series))))
}

// MACDOutput selects which MACD series a node emits
type MACDOutput string

const (
	MACDLine      MACDOutput = "macd"
	MACDSignal    MACDOutput = "signal"
	MACDHistogram MACDOutput = "histogram"
)

// MACDNode computes one output of the Moving Average Convergence Divergence
type MACDNode struct {
	NodeName     string
	Fast         int
	Slow         int
	SignalPeriod int
	Output       MACDOutput
}

func (n *MACDNode) Name() string   { return n.NodeName }
func (n *MACDNode) Deps() []string { return nil }
func (n *MACDNode) MinBars() int   { return n.Slow + n.SignalPeriod }

func (n *MACDNode) Compute(in Input) (float64, error) {
	if n.Fast >= n.Slow {
		return 0, fmt.Errorf("fast period (%d) must be less than slow period (%d)", n.Fast, n.Slow)
	}
	macd := trend.NewMacdWithPeriod[float64](n.Fast, n.Slow, n.SignalPeriod)
	macdChan, signalChan := macd.Compute(seriesChan(closes(in.Bars)))

	var macdValues, signalValues []float64
	for {
		m, mok := <-macdChan
		s, sok := <-signalChan
		if !mok || !sok {
			break
		}
		macdValues = append(macdValues, m)
		signalValues = append(signalValues, s)
	}
	if len(macdValues) == 0 {
		return 0, fmt.Errorf("no MACD values calculated")
	}

	m := macdValues[len(macdValues)-1]
	s := signalValues[len(signalValues)-1]
	switch n.Output {
	case MACDLine:
		return m, nil
	case MACDSignal:
		return s, nil
	case MACDHistogram:
		return m - s, nil
	default:
		return 0, fmt.Errorf("unknown MACD output %q", n.Output)
	}
}

// BollingerOutput selects which band a node emits
type BollingerOutput string

const (
	BollingerUpper  BollingerOutput = "upper"
	BollingerMiddle BollingerOutput = "middle"
	BollingerLower  BollingerOutput = "lower"
	BollingerWidth  BollingerOutput = "width"
)

// BollingerNode computes one Bollinger Bands output
type BollingerNode struct {
	NodeName string
	Period   int
	Output   BollingerOutput
}

func (n *BollingerNode) Name() string   { return n.NodeName }
func (n *BollingerNode) Deps() []string { return nil }
func (n *BollingerNode) MinBars() int   { return n.Period }

func (n *BollingerNode) Compute(in Input) (float64, error) {
	bb := volatility.NewBollingerBandsWithPeriod[float64](n.Period)
	lowerChan, middleChan, upperChan := bb.Compute(seriesChan(closes(in.Bars)))

	var lower, middle, upper []float64
	for {
		l, lok := <-lowerChan
		m, mok := <-middleChan
		u, uok := <-upperChan
		if !lok || !mok || !uok {
			break
		}
		lower = append(lower, l)
		middle = append(middle, m)
		upper = append(upper, u)
	}
	if len(middle) == 0 {
		return 0, fmt.Errorf("no Bollinger Bands values calculated")
	}

	cl := lower[len(lower)-1]
	cm := middle[len(middle)-1]
	cu := upper[len(upper)-1]
	switch n.Output {
	case BollingerUpper:
		return cu, nil
	case BollingerMiddle:
		return cm, nil
	case BollingerLower:
		return cl, nil
	case BollingerWidth:
		if cm == 0 {
			return 0, fmt.Errorf("middle band is zero")
		}
		return (cu - cl) / cm * 100, nil
	default:
		return 0, fmt.Errorf("unknown Bollinger output %q", n.Output)
	}
}

// ATRNode computes the Average True Range with Wilder's smoothing.
// ATR over bar structs is not covered by cinar/indicator v2's channel API,
// so the smoothing is implemented here.
type ATRNode struct {
	NodeName string
	Period   int
}

func (n *ATRNode) Name() string   { return n.NodeName }
func (n *ATRNode) Deps() []string { return nil }
func (n *ATRNode) MinBars() int   { return n.Period + 1 }

func (n *ATRNode) Compute(in Input) (float64, error) {
	bars := in.Bars
	tr := make([]float64, len(bars))
	for i := 1; i < len(bars); i++ {
		tr[i] = math.Max(bars[i].High-bars[i].Low,
			math.Max(math.Abs(bars[i].High-bars[i-1].Close),
				math.Abs(bars[i].Low-bars[i-1].Close)))
	}
	smoothed := smoothWilder(tr[1:], n.Period)
	v := smoothed[len(smoothed)-1]
	if v == 0 {
		return 0, fmt.Errorf("ATR calculation produced zero range")
	}
	return v, nil
}

// smoothWilder applies Wilder's smoothing method
func smoothWilder(data []float64, period int) []float64 {
	n := len(data)
	result := make([]float64, n)
	if n < period {
		return result
	}

	sum := 0.0
	for i := 0; i < period; i++ {
		sum += data[i]
	}
	result[period-1] = sum / float64(period)

	for i := period; i < n; i++ {
		result[i] = (result[i-1]*float64(period-1) + data[i]) / float64(period)
	}
	return result
}

// VolatilityRatioNode emits ATR relative to the close price; the generator
// uses it as the market-stress input for deep-lane routing.
type VolatilityRatioNode struct {
	NodeName string
	ATRName  string
}

func (n *VolatilityRatioNode) Name() string   { return n.NodeName }
func (n *VolatilityRatioNode) Deps() []string { return []string{n.ATRName} }
func (n *VolatilityRatioNode) MinBars() int   { return 1 }

func (n *VolatilityRatioNode) Compute(in Input) (float64, error) {
	close := in.Bars[len(in.Bars)-1].Close
	if close <= 0 {
		return 0, fmt.Errorf("non-positive close price")
	}
	return in.Values[n.ATRName] / close, nil
}

// FearGreedNode injects an external sentiment index as an indicator-level
// input. Without a source it reports the neutral midpoint so downstream
// weighting stays deterministic.
type FearGreedNode struct {
	NodeName string
	Source   func() (float64, bool)
}

func (n *FearGreedNode) Name() string   { return n.NodeName }
func (n *FearGreedNode) Deps() []string { return nil }
func (n *FearGreedNode) MinBars() int   { return 1 }

func (n *FearGreedNode) Compute(in Input) (float64, error) {
	if n.Source != nil {
		if v, ok := n.Source(); ok {
			return v, nil
		}
	}
	return 0.5, nil
}

// DefaultGraph returns the built-in indicator graph used when no YAML
// declaration is configured
func DefaultGraph() (*Graph, error) {
	return NewGraph([]Node{
		&RSINode{NodeName: "rsi_14", Period: 14},
		&EMANode{NodeName: "ema_12", Period: 12},
		&EMANode{NodeName: "ema_26", Period: 26},
		&SMANode{NodeName: "volume_sma_20", Period: 20, OnVolume: true},
		&MACDNode{NodeName: "macd", Fast: 12, Slow: 26, SignalPeriod: 9, Output: MACDLine},
		&MACDNode{NodeName: "macd_signal", Fast: 12, Slow: 26, SignalPeriod: 9, Output: MACDSignal},
		&MACDNode{NodeName: "macd_hist", Fast: 12, Slow: 26, SignalPeriod: 9, Output: MACDHistogram},
		&BollingerNode{NodeName: "bb_upper", Period: 20, Output: BollingerUpper},
		&BollingerNode{NodeName: "bb_lower", Period: 20, Output: BollingerLower},
		&BollingerNode{NodeName: "bb_width", Period: 20, Output: BollingerWidth},
		&ATRNode{NodeName: "atr_14", Period: 14},
		&VolatilityRatioNode{NodeName: "vol_ratio", ATRName: "atr_14"},
		&FearGreedNode{NodeName: "fear_greed"},
	})
}

package indicators

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// nodeSpec is one indicator declaration in the YAML graph file
type nodeSpec struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Period int    `yaml:"period"`
	Fast   int    `yaml:"fast"`
	Slow   int    `yaml:"slow"`
	Signal int    `yaml:"signal"`
	Output string `yaml:"output"`
	Source string `yaml:"source"` // dependency name for derived nodes
	Volume bool   `yaml:"volume"`
}

type graphSpec struct {
	Indicators []nodeSpec `yaml:"indicators"`
}

// LoadGraph reads an indicator graph declaration from a YAML file
func LoadGraph(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read indicator file: %w", err)
	}
	return ParseGraph(data)
}

// ParseGraph builds a graph from YAML declaration bytes
func ParseGraph(data []byte) (*Graph, error) {
	var spec graphSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse indicator file: %w", err)
	}
	if len(spec.Indicators) == 0 {
		return nil, fmt.Errorf("indicator file declares no indicators")
	}

	nodes := make([]Node, 0, len(spec.Indicators))
	for _, s := range spec.Indicators {
		node, err := buildNode(s)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	return NewGraph(nodes)
}

func buildNode(s nodeSpec) (Node, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("indicator declaration missing name")
	}

	switch s.Type {
	case "rsi":
		if s.Period <= 0 {
			return nil, fmt.Errorf("indicator %q: rsi requires a positive period", s.Name)
		}
		return &RSINode{NodeName: s.Name, Period: s.Period}, nil
	case "ema":
		if s.Period <= 0 {
			return nil, fmt.Errorf("indicator %q: ema requires a positive period", s.Name)
		}
		return &EMANode{NodeName: s.Name, Period: s.Period}, nil
	case "sma":
		if s.Period <= 0 {
			return nil, fmt.Errorf("indicator %q: sma requires a positive period", s.Name)
		}
		return &SMANode{NodeName: s.Name, Period: s.Period, OnVolume: s.Volume}, nil
	case "macd":
		if s.Fast <= 0 || s.Slow <= 0 || s.Signal <= 0 {
			return nil, fmt.Errorf("indicator %q: macd requires fast, slow, and signal periods", s.Name)
		}
		out := MACDOutput(s.Output)
		if out == "" {
			out = MACDLine
		}
		switch out {
		case MACDLine, MACDSignal, MACDHistogram:
		default:
			return nil, fmt.Errorf("indicator %q: unknown macd output %q", s.Name, s.Output)
		}
		return &MACDNode{NodeName: s.Name, Fast: s.Fast, Slow: s.Slow, SignalPeriod: s.Signal, Output: out}, nil
	case "bollinger":
		if s.Period <= 0 {
			return nil, fmt.Errorf("indicator %q: bollinger requires a positive period", s.Name)
		}
		out := BollingerOutput(s.Output)
		if out == "" {
			out = BollingerMiddle
		}
		switch out {
		case BollingerUpper, BollingerMiddle, BollingerLower, BollingerWidth:
		default:
			return nil, fmt.Errorf("indicator %q: unknown bollinger output %q", s.Name, s.Output)
		}
		return &BollingerNode{NodeName: s.Name, Period: s.Period, Output: out}, nil
	case "atr":
		if s.Period <= 0 {
			return nil, fmt.Errorf("indicator %q: atr requires a positive period", s.Name)
		}
		return &ATRNode{NodeName: s.Name, Period: s.Period}, nil
	case "vol_ratio":
		if s.Source == "" {
			return nil, fmt.Errorf("indicator %q: vol_ratio requires a source atr node", s.Name)
		}
		return &VolatilityRatioNode{NodeName: s.Name, ATRName: s.Source}, nil
	case "fear_greed":
		return &FearGreedNode{NodeName: s.Name}, nil
	default:
		return nil, fmt.Errorf("indicator %q: unknown type %q", s.Name, s.Type)
	}
}

package strategy

import (
	"fmt"

	"github.com/aristath/quantflow/internal/market"
)

func init() {
	Register("dual_ma", func(params Params) (Strategy, error) {
		fast := params.Get("fast", 5)
		slow := params.Get("slow", 20)
		if fast >= slow {
			return nil, fmt.Errorf("dual_ma requires fast < slow, got %.0f >= %.0f", fast, slow)
		}
		return &DualMA{
			Base: Base{StrategyName: "dual_ma"},
			fast: maName(int(fast)),
			slow: maName(int(slow)),
		}, nil
	})
}

func maName(period int) string {
	return fmt.Sprintf("ma%d", period)
}

// DualMA trades moving-average crossovers: a fast MA crossing above the
// slow opens a long, crossing back below closes it. It trades long only; a
// down-cross never opens a short.
type DualMA struct {
	Base
	fast string
	slow string
}

// crossed reports the fast/slow relationship now and on the previous bar.
func (s *DualMA) crossed(ind, prev market.IndicatorRecord) (crossUp, crossDown, ok bool) {
	fastNow, ok1 := ind.Value(s.fast)
	slowNow, ok2 := ind.Value(s.slow)
	fastPrev, ok3 := prev.Value(s.fast)
	slowPrev, ok4 := prev.Value(s.slow)
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return false, false, false
	}
	crossUp = fastPrev <= slowPrev && fastNow > slowNow
	crossDown = fastPrev >= slowPrev && fastNow < slowNow
	return crossUp, crossDown, true
}

// CheckEntry opens a long on an up-cross.
func (s *DualMA) CheckEntry(symbol string, bar market.Bar, ind, prev market.IndicatorRecord) *market.Signal {
	crossUp, _, ok := s.crossed(ind, prev)
	if !ok || !crossUp {
		return nil
	}
	return s.NewOpen(symbol, bar, ind, market.SideLong,
		fmt.Sprintf("%s crossed above %s", s.fast, s.slow))
}

// CheckExit layers the reverse cross on top of the default protective
// exits.
func (s *DualMA) CheckExit(symbol string, bar market.Bar, ind, prev market.IndicatorRecord, pos *Position) *market.Signal {
	if sig := s.Base.CheckExit(symbol, bar, ind, prev, pos); sig != nil {
		return sig
	}
	_, crossDown, ok := s.crossed(ind, prev)
	if ok && crossDown && pos.Side == market.SideLong {
		return s.NewClose(symbol, bar, pos, fmt.Sprintf("%s crossed below %s", s.fast, s.slow))
	}
	return nil
}

package optimizer

import (
	"math/rand"

	"makerflow/config"
)

type variant struct {
	params   Params
	startPnL float64
	endPnL   float64
	measured bool
}

// VariantTester runs N parallel parameter variants, giving each a live slot
// in rotation and crediting it with the total-PnL change over its slot. On
// evaluation the variant with the largest improvement wins and a fresh set is
// generated around it.
type VariantTester struct {
	cfg      config.VariantTestConfig
	ranges   map[string]config.ParamRange
	rng      *rand.Rand
	variants []*variant
	active   int
}

func NewVariantTester(cfg config.VariantTestConfig, ranges map[string]config.ParamRange, rng *rand.Rand) *VariantTester {
	if cfg.Count <= 0 {
		cfg.Count = 3
	}
	return &VariantTester{cfg: cfg, ranges: ranges, rng: rng}
}

// Generate builds a fresh variant set around base. The first variant is base
// itself so the incumbent always competes.
func (t *VariantTester) Generate(base Params, startPnL float64) {
	t.variants = make([]*variant, 0, t.cfg.Count)
	t.variants = append(t.variants, &variant{params: base.clone(), startPnL: startPnL})
	for len(t.variants) < t.cfg.Count {
		p := base.clone()
		for name, r := range t.ranges {
			span := r.Max - r.Min
			p[name] = snapToStep(p[name]+(t.rng.Float64()*2-1)*span*0.2, r)
		}
		t.variants = append(t.variants, &variant{params: p, startPnL: startPnL})
	}
	t.active = 0
}

// ActiveParams returns the variant currently live, or nil before Generate.
func (t *VariantTester) ActiveParams() Params {
	if len(t.variants) == 0 {
		return nil
	}
	return t.variants[t.active].params
}

// Advance closes the live variant's slot at the given total PnL and rotates
// to the next one.
func (t *VariantTester) Advance(totalPnL float64) {
	if len(t.variants) == 0 {
		return
	}
	cur := t.variants[t.active]
	cur.endPnL = totalPnL
	cur.measured = true

	t.active = (t.active + 1) % len(t.variants)
	t.variants[t.active].startPnL = totalPnL
}

// Evaluate picks the measured variant with the largest PnL improvement and
// regenerates the set around it. Falls back to the incumbent when nothing
// was measured yet.
func (t *VariantTester) Evaluate(totalPnL float64) (Params, float64) {
	if len(t.variants) == 0 {
		return nil, 0
	}
	cur := t.variants[t.active]
	if !cur.measured {
		cur.endPnL = totalPnL
		cur.measured = true
	}

	best := t.variants[0]
	bestGain := best.endPnL - best.startPnL
	for _, v := range t.variants[1:] {
		if !v.measured {
			continue
		}
		if gain := v.endPnL - v.startPnL; gain > bestGain {
			best, bestGain = v, gain
		}
	}

	winner := best.params.clone()
	t.Generate(winner, totalPnL)
	return winner, bestGain
}

package optimizer

import (
	"math"
	"math/rand"
	"sort"

	"makerflow/config"
)

// Params is one candidate parameter assignment, keyed by parameter name.
type Params map[string]float64

func (p Params) clone() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

type individual struct {
	params  Params
	fitness float64
}

// GeneticSearch explores the declared parameter ranges. The population is
// seeded with the current best plus randomized variants; parents are
// tournament-selected, crossed over per gene and mutated within range. The
// fitness function scores closeness to the incumbent with injected noise, a
// stand-in with the same shape a real back-tester would have.
type GeneticSearch struct {
	cfg     config.GeneticConfig
	ranges  map[string]config.ParamRange
	rng     *rand.Rand
	fitness func(Params) float64
}

// NewGeneticSearch builds a search over ranges. rng must not be shared with
// other goroutines. A nil fitness uses the built-in incumbent-distance score.
func NewGeneticSearch(cfg config.GeneticConfig, ranges map[string]config.ParamRange, rng *rand.Rand, fitness func(Params) float64) *GeneticSearch {
	if cfg.PopulationSize <= 0 {
		cfg.PopulationSize = 20
	}
	if cfg.Generations <= 0 {
		cfg.Generations = 10
	}
	if cfg.TournamentSize <= 0 {
		cfg.TournamentSize = 3
	}
	return &GeneticSearch{cfg: cfg, ranges: ranges, rng: rng, fitness: fitness}
}

// Run evolves the population and returns the fittest parameters found.
func (g *GeneticSearch) Run(best Params) Params {
	if len(g.ranges) == 0 {
		return best.clone()
	}
	score := g.fitness
	if score == nil {
		score = func(p Params) float64 { return g.incumbentScore(best, p) }
	}

	pop := make([]individual, 0, g.cfg.PopulationSize)
	pop = append(pop, individual{params: g.snap(best.clone())})
	for len(pop) < g.cfg.PopulationSize {
		pop = append(pop, individual{params: g.randomParams()})
	}
	for i := range pop {
		pop[i].fitness = score(pop[i].params)
	}

	for gen := 0; gen < g.cfg.Generations; gen++ {
		sort.Slice(pop, func(i, j int) bool { return pop[i].fitness > pop[j].fitness })

		// elitism: the fittest survives unchanged
		next := make([]individual, 0, len(pop))
		next = append(next, pop[0])

		for len(next) < len(pop) {
			a, b := g.tournament(pop), g.tournament(pop)
			child := g.crossover(a.params, b.params)
			g.mutate(child)
			next = append(next, individual{params: child, fitness: score(child)})
		}
		pop = next
	}

	sort.Slice(pop, func(i, j int) bool { return pop[i].fitness > pop[j].fitness })
	return pop[0].params
}

// incumbentScore rewards closeness to the current best values, jittered so
// the search keeps exploring.
func (g *GeneticSearch) incumbentScore(best, p Params) float64 {
	var distance float64
	for name, r := range g.ranges {
		span := r.Max - r.Min
		if span <= 0 {
			continue
		}
		distance += math.Abs(p[name]-best[name]) / span
	}
	return -distance + g.rng.Float64()*0.1
}

func (g *GeneticSearch) randomParams() Params {
	p := make(Params, len(g.ranges))
	for name, r := range g.ranges {
		p[name] = snapToStep(r.Min+g.rng.Float64()*(r.Max-r.Min), r)
	}
	return p
}

// snap clamps and steps every parameter to its declared range.
func (g *GeneticSearch) snap(p Params) Params {
	for name, r := range g.ranges {
		p[name] = snapToStep(p[name], r)
	}
	return p
}

func (g *GeneticSearch) tournament(pop []individual) individual {
	best := pop[g.rng.Intn(len(pop))]
	for i := 1; i < g.cfg.TournamentSize; i++ {
		c := pop[g.rng.Intn(len(pop))]
		if c.fitness > best.fitness {
			best = c
		}
	}
	return best
}

// crossover blends numeric genes or picks uniformly, gene by gene.
func (g *GeneticSearch) crossover(a, b Params) Params {
	child := make(Params, len(g.ranges))
	for name, r := range g.ranges {
		if g.rng.Float64() < g.cfg.CrossoverRate {
			// blend
			t := g.rng.Float64()
			child[name] = snapToStep(a[name]*t+b[name]*(1-t), r)
		} else if g.rng.Float64() < 0.5 {
			child[name] = a[name]
		} else {
			child[name] = b[name]
		}
	}
	return child
}

func (g *GeneticSearch) mutate(p Params) {
	for name, r := range g.ranges {
		if g.rng.Float64() >= g.cfg.MutationRate {
			continue
		}
		span := r.Max - r.Min
		p[name] = snapToStep(p[name]+(g.rng.Float64()*2-1)*span*0.1, r)
	}
}

// snapToStep clamps v into the range and rounds it to the declared step.
func snapToStep(v float64, r config.ParamRange) float64 {
	if v < r.Min {
		v = r.Min
	}
	if v > r.Max {
		v = r.Max
	}
	if r.Step > 0 {
		v = r.Min + math.Round((v-r.Min)/r.Step)*r.Step
		if v > r.Max {
			v -= r.Step
		}
	}
	return v
}

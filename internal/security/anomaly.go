package security

import (
	"math"
	"sync"
	"time"

	"makerflow/config"
	"makerflow/models"
)

const (
	anomalyAlertInterval = 10 * time.Minute
	orderCountWindow     = 5 * time.Minute
	maxAnomalySamples    = 500
)

// sensitivityThreshold maps configured sensitivity to the z-score magnitude
// that raises an alert. Higher sensitivity fires on smaller deviations.
func sensitivityThreshold(sensitivity string) float64 {
	switch sensitivity {
	case "high":
		return 2.0
	case "medium":
		return 3.0
	default:
		return 4.0
	}
}

type metricSeries struct {
	samples []float64
}

func (m *metricSeries) add(v float64) {
	m.samples = append(m.samples, v)
	if len(m.samples) > maxAnomalySamples {
		m.samples = m.samples[len(m.samples)-maxAnomalySamples:]
	}
}

// zScore measures the latest sample against the mean and standard deviation
// of the preceding ones.
func (m *metricSeries) zScore() (float64, float64, bool) {
	n := len(m.samples)
	if n < 2 {
		return 0, 0, false
	}
	latest := m.samples[n-1]
	prior := m.samples[:n-1]

	var sum float64
	for _, v := range prior {
		sum += v
	}
	mean := sum / float64(len(prior))
	var variance float64
	for _, v := range prior {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(prior))
	std := math.Sqrt(variance)
	if std == 0 {
		return latest, 0, false
	}
	return latest, (latest - mean) / std, true
}

// AnomalyDetector keeps rolling statistics of order sizes, order rate, and
// per-symbol position sizes, and flags samples whose z-score exceeds the
// sensitivity threshold. Alerts are rate limited per metric.
type AnomalyDetector struct {
	mu          sync.Mutex
	cfg         config.AnomalyConfig
	orderSizes  metricSeries
	orderTimes  []time.Time
	orderCounts metricSeries
	positions   map[string]*metricSeries
	lastAlert   map[string]time.Time
	now         func() time.Time
}

func NewAnomalyDetector(cfg config.AnomalyConfig) *AnomalyDetector {
	if cfg.MinSamples <= 0 {
		cfg.MinSamples = 10
	}
	return &AnomalyDetector{
		cfg:       cfg,
		positions: make(map[string]*metricSeries),
		lastAlert: make(map[string]time.Time),
		now:       time.Now,
	}
}

// RecordOrder folds an order submission into the size and rate series.
func (d *AnomalyDetector) RecordOrder(size float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.orderSizes.add(size)
	d.orderTimes = append(d.orderTimes, d.now())
}

// RecordPosition folds a position size into the per-symbol series.
func (d *AnomalyDetector) RecordPosition(symbol string, size float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	s, ok := d.positions[symbol]
	if !ok {
		s = &metricSeries{}
		d.positions[symbol] = s
	}
	s.add(math.Abs(size))
}

// Sweep evaluates every tracked metric and returns the signals that clear
// both the minimum-sample gate and the per-metric alert rate limit.
func (d *AnomalyDetector) Sweep() []models.AnomalySignal {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	threshold := sensitivityThreshold(d.cfg.Sensitivity)

	// Fold the trailing window's order count into its own series.
	cutoff := now.Add(-orderCountWindow)
	kept := d.orderTimes[:0]
	for _, ts := range d.orderTimes {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	d.orderTimes = kept
	d.orderCounts.add(float64(len(kept)))

	var signals []models.AnomalySignal
	check := func(name string, s *metricSeries) {
		if len(s.samples) < d.cfg.MinSamples {
			return
		}
		value, z, ok := s.zScore()
		if !ok || math.Abs(z) < threshold {
			return
		}
		if last, seen := d.lastAlert[name]; seen && now.Sub(last) < anomalyAlertInterval {
			return
		}
		d.lastAlert[name] = now
		signals = append(signals, models.AnomalySignal{
			Metric:    name,
			Value:     value,
			ZScore:    z,
			Threshold: threshold,
		})
	}

	check("order_size", &d.orderSizes)
	check("order_count_5m", &d.orderCounts)
	for symbol, s := range d.positions {
		check("position_size:"+symbol, s)
	}
	return signals
}

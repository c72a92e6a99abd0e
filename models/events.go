package models

import (
	"time"
)

// EventKind identifies the payload type carried by a bus event.
type EventKind string

const (
	EventOrderBook       EventKind = "orderbook"
	EventMarket          EventKind = "market"
	EventTrade           EventKind = "trade"
	EventOrder           EventKind = "order"
	EventPosition        EventKind = "position"
	EventConnectionError EventKind = "connection_error"
	EventImbalance       EventKind = "imbalance"
	EventRiskLimit       EventKind = "risk_limit"
	EventCircuitBreaker  EventKind = "circuit_breaker"
	EventPortfolioAlert  EventKind = "portfolio_alert"
	EventAnomaly         EventKind = "anomaly"
	EventFill            EventKind = "fill"
	EventAudit           EventKind = "audit"
	EventConfigUpdate    EventKind = "config_update"
)

// Event is the unit published on the internal bus. Payload holds one of the
// typed structs below (or a model type such as *OrderBookSnapshot) according
// to Kind.
type Event struct {
	Kind      EventKind `json:"kind"`
	Symbol    string    `json:"symbol,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Trade is a public trade print from the venue.
type Trade struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Size      float64   `json:"size"`
	Side      Side      `json:"side"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionError reports a stream-level failure. Recoverable errors are
// retried by the gateway; the event is observability only.
type ConnectionError struct {
	Conn        string `json:"conn"`
	Err         string `json:"error"`
	Recoverable bool   `json:"recoverable"`
}

// ImbalanceSignal reports an order-book imbalance beyond the configured
// threshold, prompting an out-of-cycle quote refresh.
type ImbalanceSignal struct {
	Symbol string  `json:"symbol"`
	Ratio  float64 `json:"ratio"`
}

// RiskLimitSignal is advisory: a position breached a configured limit.
type RiskLimitSignal struct {
	Symbol   string  `json:"symbol"`
	Limit    string  `json:"limit"`
	Observed float64 `json:"observed"`
	Max      float64 `json:"max"`
}

// CircuitBreakerSignal reports a volatility breaker trip or reset.
type CircuitBreakerSignal struct {
	Symbol     string    `json:"symbol"`
	Triggered  bool      `json:"triggered"`
	Volatility float64   `json:"volatility"`
	Threshold  float64   `json:"threshold"`
	CooldownTo time.Time `json:"cooldown_to,omitempty"`
}

// PortfolioAlert is advisory: aggregate exposure or drawdown breached a cap.
type PortfolioAlert struct {
	Kind     string  `json:"kind"` // "exposure" or "drawdown"
	Observed float64 `json:"observed"`
	Max      float64 `json:"max"`
}

// AnomalySignal reports a statistical anomaly in trading activity.
type AnomalySignal struct {
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	ZScore    float64 `json:"z_score"`
	Threshold float64 `json:"threshold"`
}

package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"makerflow/config"
	"makerflow/internal/events"
	"makerflow/logger"
	"makerflow/models"
)

const sweepInterval = 5 * time.Second

// ExecuteFunc performs the authorized action once the gate clears it.
type ExecuteFunc func(ctx context.Context) error

// Gate classifies value-bearing actions into security tiers, holds medium and
// high tier actions for multi-signature approval, runs anomaly detection, and
// writes every decision to the hash-chained audit log.
type Gate struct {
	cfg     config.SecurityConfig
	local   string
	bus     *events.Bus
	log     *logger.Log
	audit   *AuditLog
	anomaly *AnomalyDetector

	mu        sync.RWMutex
	pending   map[string]*models.PendingTransaction
	executors map[string]ExecuteFunc
	running   bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	now       func() time.Time
}

// NewGate builds a gate. localSigner is the identity that auto-signs every
// transaction this process registers, normally the wallet address.
func NewGate(cfg config.SecurityConfig, localSigner string, bus *events.Bus) *Gate {
	if cfg.TxTTL <= 0 {
		cfg.TxTTL = 24 * time.Hour
	}
	return &Gate{
		cfg:       cfg,
		local:     localSigner,
		bus:       bus,
		log:       logger.GetLogger(),
		audit:     NewAuditLog(),
		anomaly:   NewAnomalyDetector(cfg.Anomaly),
		pending:   make(map[string]*models.PendingTransaction),
		executors: make(map[string]ExecuteFunc),
		now:       time.Now,
	}
}

// Audit exposes the gate's audit log for verification and the control
// surface.
func (g *Gate) Audit() *AuditLog { return g.audit }

// record appends to the audit chain and republishes the entry so the
// recorder can persist it.
func (g *Gate) record(action string, details map[string]any) {
	entry := g.audit.Append(action, details)
	g.bus.Publish(models.Event{Kind: models.EventAudit, Payload: &entry})
}

// Start launches the 5s expiry and anomaly sweep.
func (g *Gate) Start(ctx context.Context) error {
	g.mu.Lock()
	if g.running {
		g.mu.Unlock()
		return fmt.Errorf("security gate already running")
	}
	g.running = true
	ctx, g.cancel = context.WithCancel(ctx)
	g.mu.Unlock()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sweep()
			}
		}
	}()

	g.record("gate_started", nil)
	g.log.WithComponent("security").Info("security gate started")
	return nil
}

// Stop cancels the sweep loop.
func (g *Gate) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	g.mu.Unlock()
	g.cancel()
	g.wg.Wait()
	g.record("gate_stopped", nil)
	g.log.WithComponent("security").Info("security gate stopped")
}

// classify maps a notional value to the security level of the first tier
// band that contains it.
func (g *Gate) classify(notional float64) models.SecurityLevel {
	tiers := g.cfg.Tiers
	switch {
	case notional <= tiers.Tier1.MaxAmount:
		return models.SecurityLevel(tiers.Tier1.Level)
	case notional <= tiers.Tier2.MaxAmount:
		return models.SecurityLevel(tiers.Tier2.Level)
	default:
		return models.SecurityLevel(tiers.Tier3.Level)
	}
}

// Authorize gates one value-bearing action. Low-tier actions (and all actions
// while multi-signature is disabled) execute immediately. Otherwise the
// action is registered pending, auto-signed by the local identity, and
// executes once enough authorized signers have signed. The returned status
// tells the caller whether the action ran or is awaiting signatures.
func (g *Gate) Authorize(ctx context.Context, txType string, symbol string, notional float64, payload map[string]any, execute ExecuteFunc) (models.TransactionStatus, string, error) {
	level := g.classify(notional)

	if level == models.SecurityLevelLow || !g.cfg.MultiSig.Enabled {
		err := execute(ctx)
		details := map[string]any{
			"type": txType, "symbol": symbol, "notional": notional, "level": string(level),
		}
		if err != nil {
			details["error"] = err.Error()
			g.record("action_failed", details)
			return models.TransactionRejected, "", err
		}
		g.record("action_executed", details)
		return models.TransactionExecuted, "", nil
	}

	tx := &models.PendingTransaction{
		ID:        uuid.NewString(),
		Type:      txType,
		Payload:   payload,
		Notional:  notional,
		Level:     level,
		CreatedAt: g.now(),
		Signers:   map[string]bool{g.local: true},
		Status:    models.TransactionPending,
	}

	g.mu.Lock()
	g.pending[tx.ID] = tx
	g.executors[tx.ID] = execute
	g.mu.Unlock()

	g.record("transaction_registered", map[string]any{
		"tx_id": tx.ID, "type": txType, "symbol": symbol,
		"notional": notional, "level": string(level),
	})
	g.log.WithComponent("security").WithFields(logger.Fields{
		"tx_id":    tx.ID,
		"level":    string(level),
		"notional": notional,
	}).Info("transaction held for signatures")

	// The local auto-signature may already satisfy the threshold.
	if tx.Signatures() >= g.cfg.MultiSig.RequiredSignatures {
		return g.approve(ctx, tx.ID)
	}
	return models.TransactionPending, tx.ID, nil
}

// Sign records a signature from an external signer. Signatures from unknown
// identities are rejected without touching the count.
func (g *Gate) Sign(ctx context.Context, txID, signer string) (models.TransactionStatus, error) {
	if !g.authorizedSigner(signer) {
		g.record("signature_rejected", map[string]any{
			"tx_id": txID, "signer": signer, "reason": "unauthorized signer",
		})
		return "", fmt.Errorf("signer %q is not authorized", signer)
	}

	g.mu.Lock()
	tx, ok := g.pending[txID]
	if !ok {
		g.mu.Unlock()
		return "", fmt.Errorf("transaction %s not found", txID)
	}
	if tx.Status != models.TransactionPending {
		status := tx.Status
		g.mu.Unlock()
		return status, fmt.Errorf("transaction %s is %s, not pending", txID, status)
	}
	if g.now().Sub(tx.CreatedAt) > g.cfg.TxTTL {
		tx.Status = models.TransactionExpired
		g.mu.Unlock()
		g.record("transaction_expired", map[string]any{"tx_id": txID})
		return models.TransactionExpired, fmt.Errorf("transaction %s expired", txID)
	}
	tx.Signers[signer] = true
	count := tx.Signatures()
	g.mu.Unlock()

	g.record("transaction_signed", map[string]any{
		"tx_id": txID, "signer": signer, "signatures": count,
	})

	if count >= g.cfg.MultiSig.RequiredSignatures {
		status, _, err := g.approve(ctx, txID)
		return status, err
	}
	return models.TransactionPending, nil
}

// approve flips a pending transaction to approved and runs its executor.
func (g *Gate) approve(ctx context.Context, txID string) (models.TransactionStatus, string, error) {
	g.mu.Lock()
	tx, ok := g.pending[txID]
	if !ok || tx.Status != models.TransactionPending {
		g.mu.Unlock()
		return "", txID, fmt.Errorf("transaction %s no longer pending", txID)
	}
	tx.Status = models.TransactionApproved
	execute := g.executors[txID]
	g.mu.Unlock()

	g.record("transaction_approved", map[string]any{
		"tx_id": txID, "signatures": tx.Signatures(),
	})

	err := execute(ctx)

	g.mu.Lock()
	if err != nil {
		tx.Status = models.TransactionRejected
	} else {
		tx.Status = models.TransactionExecuted
	}
	delete(g.executors, txID)
	g.mu.Unlock()

	if err != nil {
		g.record("transaction_failed", map[string]any{
			"tx_id": txID, "error": err.Error(),
		})
		return models.TransactionRejected, txID, err
	}
	g.record("transaction_executed", map[string]any{"tx_id": txID})
	return models.TransactionExecuted, txID, nil
}

func (g *Gate) authorizedSigner(signer string) bool {
	for _, s := range g.cfg.MultiSig.AuthorizedSigners {
		if s == signer {
			return true
		}
	}
	return signer == g.local
}

// PendingTransactions returns a snapshot of non-terminal transactions.
func (g *Gate) PendingTransactions() []models.PendingTransaction {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]models.PendingTransaction, 0, len(g.pending))
	for _, tx := range g.pending {
		if tx.Status != models.TransactionPending {
			continue
		}
		cp := *tx
		cp.Signers = make(map[string]bool, len(tx.Signers))
		for k, v := range tx.Signers {
			cp.Signers[k] = v
		}
		out = append(out, cp)
	}
	return out
}

// RecordOrder feeds an order submission into anomaly detection.
func (g *Gate) RecordOrder(size float64) { g.anomaly.RecordOrder(size) }

// RecordPosition feeds a position size into anomaly detection.
func (g *Gate) RecordPosition(symbol string, size float64) {
	g.anomaly.RecordPosition(symbol, size)
}

// sweep expires stale pending transactions, prunes terminal ones, and
// publishes anomaly signals.
func (g *Gate) sweep() {
	now := g.now()

	g.mu.Lock()
	var expired []string
	for id, tx := range g.pending {
		if tx.Status == models.TransactionPending && now.Sub(tx.CreatedAt) > g.cfg.TxTTL {
			tx.Status = models.TransactionExpired
			expired = append(expired, id)
		}
		// Terminal transactions already live in the audit chain; drop
		// them here so the map cannot grow without bound.
		if tx.Status != models.TransactionPending {
			delete(g.pending, id)
			delete(g.executors, id)
		}
	}
	g.mu.Unlock()

	for _, id := range expired {
		g.record("transaction_expired", map[string]any{"tx_id": id})
		g.log.WithComponent("security").WithField("tx_id", id).Warn("pending transaction expired")
	}

	for _, sig := range g.anomaly.Sweep() {
		s := sig
		g.record("anomaly_detected", map[string]any{
			"metric": s.Metric, "value": s.Value, "z_score": s.ZScore,
		})
		g.bus.Publish(models.Event{
			Kind:      models.EventAnomaly,
			Timestamp: now,
			Payload:   &s,
		})
		g.log.WithComponent("security").WithFields(logger.Fields{
			"metric":  s.Metric,
			"z_score": s.ZScore,
		}).Warn("trading anomaly detected")
	}
}

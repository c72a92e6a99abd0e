package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"makerflow/config"
	"makerflow/internal/orchestrator"
)

func testServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Exchange.Driver = "sim"
	cfg.Wallet.Address = "0x1111111111111111111111111111111111111111"

	orch := orchestrator.New(cfg)
	s := NewServer(cfg.API, orch)
	ts := httptest.NewServer(s.router())
	t.Cleanup(ts.Close)
	t.Cleanup(orch.Stop)
	return s, ts
}

func TestHealthEndpoint(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("health request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Fatalf("unexpected health body: %v", body)
	}
	if body["running"] != false {
		t.Fatal("expected running=false before start")
	}
}

func TestStatusReportsStoppedSystem(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("status request: %v", err)
	}
	defer resp.Body.Close()

	var st orchestrator.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.Running {
		t.Fatal("expected stopped status")
	}
	if st.Exchange != "sim" {
		t.Fatalf("expected sim exchange, got %q", st.Exchange)
	}
	if !st.WalletReady {
		t.Fatal("expected wallet ready")
	}
}

func TestStartAndStopEndpoints(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/start", "application/json", nil)
	if err != nil {
		t.Fatalf("start request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from start, got %d", resp.StatusCode)
	}

	// A second start must be rejected.
	resp, err = http.Post(ts.URL+"/api/v1/start", "application/json", nil)
	if err != nil {
		t.Fatalf("second start request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 from second start, got %d", resp.StatusCode)
	}

	resp, err = http.Post(ts.URL+"/api/v1/stop", "application/json", nil)
	if err != nil {
		t.Fatalf("stop request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from stop, got %d", resp.StatusCode)
	}
}

func TestReplaceConfigRejectsInvalidUpdate(t *testing.T) {
	_, ts := testServer(t)

	update := map[string]any{
		"exchange": map[string]any{"driver": "unknown-venue"},
	}
	raw, _ := json.Marshal(update)

	resp, err := http.Post(ts.URL+"/api/v1/config", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("config request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", resp.StatusCode)
	}

	var body errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error == "" {
		t.Fatal("expected an error message")
	}
}

func TestReplaceConfigRejectsEmptyUpdate(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/config", "application/json", bytes.NewReader([]byte("{}")))
	if err != nil {
		t.Fatalf("config request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestPendingTransactionsEmptyWhenStopped(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/pending-transactions")
	if err != nil {
		t.Fatalf("pending request: %v", err)
	}
	defer resp.Body.Close()

	var body struct {
		Pending []json.RawMessage `json:"pending"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Pending) != 0 {
		t.Fatalf("expected no pending transactions, got %d", len(body.Pending))
	}
}

func TestSignRequiresSigner(t *testing.T) {
	_, ts := testServer(t)

	resp, err := http.Post(ts.URL+"/api/v1/transactions/tx-1/sign", "application/json", bytes.NewReader([]byte("{}")))
	if err != nil {
		t.Fatalf("sign request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

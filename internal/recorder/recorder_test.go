package recorder

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"makerflow/config"
	"makerflow/internal/events"
	"makerflow/models"
)

func waitForFile(t *testing.T, dir string) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		entries, err := os.ReadDir(dir)
		if err == nil && len(entries) > 0 {
			return filepath.Join(dir, entries[0].Name())
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no file appeared in %s", dir)
	return ""
}

func TestRecorderWritesFillBatch(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(16)
	rec := New(config.RecorderConfig{
		Enabled:       true,
		LocalDir:      dir,
		BatchSize:     2,
		FlushInterval: time.Hour,
	}, bus)

	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("start recorder: %v", err)
	}
	defer rec.Stop()

	for i := 0; i < 2; i++ {
		bus.Publish(models.Event{Kind: models.EventFill, Payload: &models.Fill{
			OrderID:   "ord-1",
			Symbol:    "BTC-PERP",
			Side:      models.SideBuy,
			Price:     50000,
			Size:      0.5,
			BookMid:   50001,
			Timestamp: time.Now(),
		}})
	}

	path := waitForFile(t, filepath.Join(dir, "fills"))

	fr, err := local.NewLocalFileReader(path)
	if err != nil {
		t.Fatalf("open parquet file: %v", err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(fillRecord), 1)
	if err != nil {
		t.Fatalf("create parquet reader: %v", err)
	}
	defer pr.ReadStop()

	if got := pr.GetNumRows(); got != 2 {
		t.Fatalf("expected 2 rows, got %d", got)
	}
	rows := make([]fillRecord, 2)
	if err := pr.Read(&rows); err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if rows[0].Symbol != "BTC-PERP" || rows[0].Price != 50000 {
		t.Fatalf("unexpected first row: %+v", rows[0])
	}
}

func TestRecorderFlushesAuditOnStop(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(16)
	rec := New(config.RecorderConfig{
		Enabled:       true,
		LocalDir:      dir,
		BatchSize:     100,
		FlushInterval: time.Hour,
	}, bus)

	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("start recorder: %v", err)
	}

	bus.Publish(models.Event{Kind: models.EventAudit, Payload: &models.AuditEntry{
		Index:     0,
		Action:    "gate_started",
		Hash:      "abc",
		Timestamp: time.Now(),
	}})

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		rec.mu.Lock()
		buffered := len(rec.audits)
		rec.mu.Unlock()
		if buffered == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	rec.Stop()

	path := waitForFile(t, filepath.Join(dir, "audit"))
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat flushed file: %v", err)
	}
	if info.Size() == 0 {
		t.Fatal("flushed audit file is empty")
	}
}

func TestRecorderStartCreatesDirectories(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(4)
	rec := New(config.RecorderConfig{LocalDir: filepath.Join(dir, "nested", "records")}, bus)

	if err := rec.Start(context.Background()); err != nil {
		t.Fatalf("start recorder: %v", err)
	}
	defer rec.Stop()

	for _, table := range []string{"fills", "audit"} {
		if _, err := os.Stat(filepath.Join(dir, "nested", "records", table)); err != nil {
			t.Fatalf("expected %s directory: %v", table, err)
		}
	}
}

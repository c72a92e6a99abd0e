package recorder

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/writer"

	"makerflow/config"
	"makerflow/internal/events"
	"makerflow/logger"
	"makerflow/models"
)

const (
	defaultBatchSize     = 500
	defaultFlushInterval = 30 * time.Second

	tableFills = "fills"
	tableAudit = "audit"
)

// fillRecord is the parquet row layout for one execution.
type fillRecord struct {
	Symbol        string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side          string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	Price         float64 `parquet:"name=price, type=DOUBLE"`
	Size          float64 `parquet:"name=size, type=DOUBLE"`
	OrderID       string  `parquet:"name=order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	CorrelationID string  `parquet:"name=correlation_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	BookMid       float64 `parquet:"name=book_mid, type=DOUBLE"`
	BookBestBid   float64 `parquet:"name=book_best_bid, type=DOUBLE"`
	BookBestAsk   float64 `parquet:"name=book_best_ask, type=DOUBLE"`
	Timestamp     int64   `parquet:"name=timestamp, type=INT64"`
}

// auditRecord is the parquet row layout for one audit-chain entry. Details
// are flattened to JSON so the chain can be re-verified offline.
type auditRecord struct {
	Index     int64  `parquet:"name=index, type=INT64"`
	Action    string `parquet:"name=action, type=BYTE_ARRAY, convertedtype=UTF8"`
	Details   string `parquet:"name=details, type=BYTE_ARRAY, convertedtype=UTF8"`
	PrevHash  string `parquet:"name=prev_hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Hash      string `parquet:"name=hash, type=BYTE_ARRAY, convertedtype=UTF8"`
	Timestamp int64  `parquet:"name=timestamp, type=INT64"`
}

// Recorder persists fills and audit entries from the bus into parquet files
// under the configured local directory, optionally mirroring each file to S3.
// Rows are buffered and flushed by count or interval, never per event.
type Recorder struct {
	cfg config.RecorderConfig
	bus *events.Bus
	log *logger.Log

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sub     *events.Subscription

	fills  []fillRecord
	audits []auditRecord

	s3Client *s3.Client
	now      func() time.Time
}

// New creates a recorder consuming fill and audit events from the bus.
func New(cfg config.RecorderConfig, bus *events.Bus) *Recorder {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	return &Recorder{
		cfg: cfg,
		bus: bus,
		log: logger.GetLogger(),
		now: time.Now,
	}
}

// Start creates the local directory tree, connects to S3 when configured and
// launches the consume loop.
func (r *Recorder) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("recorder already running")
	}
	r.running = true
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	log := r.log.WithComponent("recorder")

	fail := func(err error) error {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		r.cancel()
		return err
	}

	for _, table := range []string{tableFills, tableAudit} {
		if err := os.MkdirAll(filepath.Join(r.cfg.LocalDir, table), 0o755); err != nil {
			return fail(fmt.Errorf("create recorder directory: %w", err))
		}
	}

	if r.cfg.S3.Enabled {
		if err := r.initS3(ctx); err != nil {
			return fail(fmt.Errorf("recorder s3: %w", err))
		}
		log.WithFields(logger.Fields{
			"bucket": r.cfg.S3.Bucket,
			"region": r.cfg.S3.Region,
			"prefix": r.cfg.S3.Prefix,
		}).Info("recorder s3 upload enabled")
	}

	r.sub = r.bus.Subscribe("recorder", models.EventFill, models.EventAudit)

	r.wg.Add(1)
	go r.consumeLoop(ctx)

	log.WithFields(logger.Fields{
		"local_dir":      r.cfg.LocalDir,
		"batch_size":     r.cfg.BatchSize,
		"flush_interval": r.cfg.FlushInterval,
	}).Info("recorder started")
	return nil
}

// Stop flushes pending rows and shuts the consume loop down.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	r.sub.Cancel()
	r.log.WithComponent("recorder").Info("recorder stopped")
}

func (r *Recorder) initS3(ctx context.Context) error {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(r.cfg.S3.Region),
	}
	if r.cfg.S3.AccessKeyID != "" && r.cfg.S3.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(r.cfg.S3.AccessKeyID, r.cfg.S3.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return fmt.Errorf("load aws configuration: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return fmt.Errorf("aws credentials not found")
	}
	r.s3Client = s3.NewFromConfig(awsCfg)
	return nil
}

func (r *Recorder) consumeLoop(ctx context.Context) {
	defer r.wg.Done()

	log := r.log.WithComponent("recorder")
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.flushAll("shutdown")
			return
		case <-ticker.C:
			r.flushAll("interval")
		case ev, ok := <-r.sub.C:
			if !ok {
				r.flushAll("bus closed")
				return
			}
			r.ingest(ev, log)
		}
	}
}

func (r *Recorder) ingest(ev models.Event, log *logger.Entry) {
	switch ev.Kind {
	case models.EventFill:
		fill, ok := ev.Payload.(*models.Fill)
		if !ok {
			return
		}
		r.mu.Lock()
		r.fills = append(r.fills, fillRecord{
			Symbol:        fill.Symbol,
			Side:          string(fill.Side),
			Price:         fill.Price,
			Size:          fill.Size,
			OrderID:       fill.OrderID,
			CorrelationID: fill.CorrelationID,
			BookMid:       fill.BookMid,
			BookBestBid:   fill.BookBestBid,
			BookBestAsk:   fill.BookBestAsk,
			Timestamp:     fill.Timestamp.UnixMilli(),
		})
		full := len(r.fills) >= r.cfg.BatchSize
		r.mu.Unlock()
		if full {
			r.flushFills("batch full")
		}
	case models.EventAudit:
		entry, ok := ev.Payload.(*models.AuditEntry)
		if !ok {
			return
		}
		details := ""
		if len(entry.Details) > 0 {
			if raw, err := json.Marshal(entry.Details); err == nil {
				details = string(raw)
			}
		}
		r.mu.Lock()
		r.audits = append(r.audits, auditRecord{
			Index:     int64(entry.Index),
			Action:    entry.Action,
			Details:   details,
			PrevHash:  entry.PrevHash,
			Hash:      entry.Hash,
			Timestamp: entry.Timestamp.UnixMilli(),
		})
		full := len(r.audits) >= r.cfg.BatchSize
		r.mu.Unlock()
		if full {
			r.flushAudits("batch full")
		}
	default:
		log.WithField("kind", string(ev.Kind)).Debug("unhandled event kind")
	}
}

func (r *Recorder) flushAll(reason string) {
	r.flushFills(reason)
	r.flushAudits(reason)
}

func (r *Recorder) flushFills(reason string) {
	r.mu.Lock()
	rows := r.fills
	r.fills = nil
	r.mu.Unlock()
	if len(rows) == 0 {
		return
	}

	records := make([]interface{}, len(rows))
	for i := range rows {
		records[i] = rows[i]
	}
	r.writeTable(tableFills, new(fillRecord), records, reason)
}

func (r *Recorder) flushAudits(reason string) {
	r.mu.Lock()
	rows := r.audits
	r.audits = nil
	r.mu.Unlock()
	if len(rows) == 0 {
		return
	}

	records := make([]interface{}, len(rows))
	for i := range rows {
		records[i] = rows[i]
	}
	r.writeTable(tableAudit, new(auditRecord), records, reason)
}

// writeTable writes one parquet file for the table and uploads it to S3 when
// configured. A write failure drops the batch; the recorder must never stall
// trading because storage is unhealthy.
func (r *Recorder) writeTable(table string, schema interface{}, records []interface{}, reason string) {
	ts := r.now().UTC()
	name := fmt.Sprintf("%s_%s_%s.parquet", table, ts.Format("20060102T150405"), uuid.New().String()[:8])
	path := filepath.Join(r.cfg.LocalDir, table, name)

	log := r.log.WithComponent("recorder").WithFields(logger.Fields{
		"table":  table,
		"rows":   len(records),
		"path":   path,
		"reason": reason,
	})

	if err := writeParquet(path, schema, records); err != nil {
		log.WithError(err).Error("failed to write parquet file")
		return
	}
	logger.IncrementRecorderWrite()
	log.Debug("parquet file written")

	if r.s3Client == nil {
		return
	}
	key := filepath.ToSlash(filepath.Join(r.cfg.S3.Prefix, table, fmt.Sprintf("date=%s", ts.Format("2006-01-02")), name))
	if err := r.upload(path, key); err != nil {
		log.WithError(err).WithField("s3_key", key).Error("failed to upload to s3")
		return
	}
	log.WithField("s3_key", key).Debug("parquet file uploaded")
}

func writeParquet(path string, schema interface{}, records []interface{}) error {
	fw, err := local.NewLocalFileWriter(path)
	if err != nil {
		return fmt.Errorf("create parquet file: %w", err)
	}
	pw, err := writer.NewParquetWriter(fw, schema, 1)
	if err != nil {
		fw.Close()
		return fmt.Errorf("create parquet writer: %w", err)
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		if err := pw.Write(rec); err != nil {
			pw.WriteStop()
			fw.Close()
			return fmt.Errorf("write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		fw.Close()
		return fmt.Errorf("finalize parquet file: %w", err)
	}
	return fw.Close()
}

func (r *Recorder) upload(path, key string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err = r.s3Client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(r.cfg.S3.Bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	return err
}

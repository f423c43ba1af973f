package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "marketsim/config"
	"marketsim/logger"
	"marketsim/models"
)

// execRecord defines the parquet schema for archived simulated executions.
type execRecord struct {
	OrderID         int64   `parquet:"name=order_id, type=INT64"`
	ClientOrderID   string  `parquet:"name=client_order_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol          string  `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Side            string  `parquet:"name=side, type=BYTE_ARRAY, convertedtype=UTF8"`
	OrderType       string  `parquet:"name=order_type, type=BYTE_ARRAY, convertedtype=UTF8"`
	TradeID         int64   `parquet:"name=trade_id, type=INT64"`
	Price           float64 `parquet:"name=price, type=DOUBLE"`
	Quantity        float64 `parquet:"name=quantity, type=DOUBLE"`
	Commission      float64 `parquet:"name=commission, type=DOUBLE"`
	CommissionAsset string  `parquet:"name=commission_asset, type=BYTE_ARRAY, convertedtype=UTF8"`
	IsMaker         bool    `parquet:"name=is_maker, type=BOOLEAN"`
	Time            int64   `parquet:"name=time, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

// memFileWriter builds the parquet file in memory so a batch can be written
// to disk and S3 from the same bytes.
type memFileWriter struct{ buffer *bytes.Buffer }

func newMemFileWriter() *memFileWriter { return &memFileWriter{buffer: &bytes.Buffer{}} }

func (m *memFileWriter) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFileWriter) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFileWriter) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFileWriter) Read([]byte) (int, error)                  { return 0, nil }
func (m *memFileWriter) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFileWriter) Close() error                              { return nil }
func (m *memFileWriter) Bytes() []byte                             { return m.buffer.Bytes() }

// Writer consumes execution records and archives them as parquet batches.
// Records are buffered per symbol and flushed on the configured interval, on
// buffer pressure, and on shutdown. Batches always land in the local archive
// directory; S3 upload is optional on top.
type Writer struct {
	cfg         *appconfig.Config
	execChan    <-chan models.ExecutionRecord
	s3Client    *s3.Client
	buffer      map[string][]models.ExecutionRecord
	mu          sync.Mutex
	flushTicker *time.Ticker
	ctx         context.Context
	wg          sync.WaitGroup
	running     bool
	log         *logger.Log
}

// NewWriter initializes the archive writer. The S3 client is only built when
// upload is enabled in the config.
func NewWriter(cfg *appconfig.Config, execChan <-chan models.ExecutionRecord) (*Writer, error) {
	w := &Writer{
		cfg:      cfg,
		execChan: execChan,
		buffer:   make(map[string][]models.ExecutionRecord),
		log:      logger.GetLogger(),
	}

	if cfg.Archive.S3.Enabled {
		loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Archive.S3.Region)}
		if cfg.Archive.S3.AccessKeyID != "" && cfg.Archive.S3.SecretAccessKey != "" {
			loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(
					cfg.Archive.S3.AccessKeyID,
					cfg.Archive.S3.SecretAccessKey,
					"",
				)))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		w.s3Client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if cfg.Archive.S3.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Archive.S3.Endpoint)
			}
			o.UsePathStyle = cfg.Archive.S3.PathStyle
		})
	}

	return w, nil
}

// Start launches the consumer and the flush ticker.
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("archive writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.flushTicker = time.NewTicker(w.cfg.Archive.FlushInterval)
	w.mu.Unlock()

	if err := os.MkdirAll(w.cfg.Archive.Directory, 0o755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	w.wg.Add(1)
	go w.worker()

	w.wg.Add(1)
	go w.flushLoop()

	w.log.WithComponent("archive").Info("archive writer started")
	return nil
}

// Stop waits for the workers and flushes remaining buffers. The context
// passed to Start must be cancelled first.
func (w *Writer) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}
	w.wg.Wait()
	w.flushBuffers()
	w.log.WithComponent("archive").Info("archive writer stopped")
}

func (w *Writer) worker() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			return
		case record, ok := <-w.execChan:
			if !ok {
				return
			}
			w.add(record)
		}
	}
}

func (w *Writer) add(record models.ExecutionRecord) {
	w.mu.Lock()
	w.buffer[record.Symbol] = append(w.buffer[record.Symbol], record)
	size := len(w.buffer[record.Symbol])
	w.mu.Unlock()

	if w.cfg.Archive.MaxBuffer > 0 && size >= w.cfg.Archive.MaxBuffer {
		w.flushSymbol(record.Symbol)
	}
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			w.flushBuffers()
			return
		case <-w.flushTicker.C:
			w.flushBuffers()
		}
	}
}

func (w *Writer) flushSymbol(symbol string) {
	w.mu.Lock()
	records := w.buffer[symbol]
	if len(records) == 0 {
		w.mu.Unlock()
		return
	}
	delete(w.buffer, symbol)
	w.mu.Unlock()

	w.writeBatch(symbol, records)
}

func (w *Writer) flushBuffers() {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[string][]models.ExecutionRecord)
	w.mu.Unlock()

	for symbol, records := range buffers {
		if len(records) == 0 {
			continue
		}
		w.writeBatch(symbol, records)
	}
}

func (w *Writer) writeBatch(symbol string, records []models.ExecutionRecord) {
	start := time.Now()
	data, err := w.createParquet(records)
	if err != nil {
		w.log.WithComponent("archive").WithError(err).Error("create parquet failed")
		return
	}

	now := time.Now().UTC()
	filename := fmt.Sprintf("exec_%s_%d.parquet", symbol, now.UnixNano())
	localPath := filepath.Join(w.cfg.Archive.Directory, filename)
	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		w.log.WithComponent("archive").WithError(err).Error("write archive file failed")
		return
	}

	if w.s3Client != nil {
		key := filepath.ToSlash(filepath.Join(
			fmt.Sprintf("symbol=%s", symbol),
			fmt.Sprintf("year=%04d/month=%02d/day=%02d", now.Year(), int(now.Month()), now.Day()),
			filename,
		))
		if err := w.upload(key, data); err != nil {
			w.log.WithComponent("archive").WithError(err).Error("upload to s3 failed")
		}
	}

	duration := time.Since(start)
	w.log.WithComponent("archive").WithFields(logger.Fields{
		"symbol":      symbol,
		"path":        localPath,
		"records":     len(records),
		"bytes":       len(data),
		"duration_ms": float64(duration.Nanoseconds()) / 1e6,
	}).Info("execution batch archived")
	logger.IncrementArchiveWrite(int64(len(data)))
}

func (w *Writer) createParquet(records []models.ExecutionRecord) ([]byte, error) {
	mw := newMemFileWriter()
	pw, err := writer.NewParquetWriter(mw, new(execRecord), 4)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY
	for _, r := range records {
		rec := execRecord{
			OrderID:         r.OrderID,
			ClientOrderID:   r.ClientOrderID,
			Symbol:          r.Symbol,
			Side:            r.Side,
			OrderType:       r.OrderType,
			TradeID:         r.TradeID,
			Price:           r.Price,
			Quantity:        r.Quantity,
			Commission:      r.Commission,
			CommissionAsset: r.CommissionAsset,
			IsMaker:         r.IsMaker,
			Time:            r.Time.UnixMilli(),
		}
		if err := pw.Write(rec); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mw.Bytes(), nil
}

func (w *Writer) upload(key string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(w.cfg.Archive.S3.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	}
	ctx := context.WithoutCancel(w.ctx)
	_, err := w.s3Client.PutObject(ctx, input)
	return err
}

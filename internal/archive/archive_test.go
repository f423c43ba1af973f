package archive

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	appconfig "marketsim/config"
	"marketsim/models"
)

func archiveConfig(dir string) *appconfig.Config {
	return &appconfig.Config{
		Archive: appconfig.ArchiveConfig{
			Enabled:       true,
			Directory:     dir,
			FlushInterval: time.Hour,
			MaxBuffer:     2,
		},
	}
}

func execution(orderID, tradeID int64, symbol string) models.ExecutionRecord {
	return models.ExecutionRecord{
		OrderID:         orderID,
		ClientOrderID:   "client-1",
		Symbol:          symbol,
		Side:            "BUY",
		OrderType:       "MARKET",
		TradeID:         tradeID,
		Price:           100.5,
		Quantity:        0.25,
		Commission:      0.0251,
		CommissionAsset: "USDT",
		Time:            time.Now(),
	}
}

func archivedFiles(t *testing.T, dir, symbol string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "exec_"+symbol+"_*.parquet"))
	if err != nil {
		t.Fatalf("glob archive dir: %v", err)
	}
	return files
}

// parquet files start and end with the PAR1 magic bytes
func assertParquet(t *testing.T, data []byte) {
	t.Helper()
	magic := []byte("PAR1")
	if len(data) <= 2*len(magic) {
		t.Fatalf("parquet output too small: %d bytes", len(data))
	}
	if !bytes.HasPrefix(data, magic) || !bytes.HasSuffix(data, magic) {
		t.Fatal("output is not a parquet file")
	}
}

func TestCreateParquetBatch(t *testing.T) {
	w, err := NewWriter(archiveConfig(t.TempDir()), nil)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	data, err := w.createParquet([]models.ExecutionRecord{
		execution(1, 1, "BTCUSDT"),
		execution(1, 2, "BTCUSDT"),
	})
	if err != nil {
		t.Fatalf("create parquet: %v", err)
	}
	assertParquet(t, data)
}

func TestWriterFlushesOnShutdown(t *testing.T) {
	dir := t.TempDir()
	execChan := make(chan models.ExecutionRecord, 4)
	w, err := NewWriter(archiveConfig(dir), execChan)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start writer: %v", err)
	}

	execChan <- execution(7, 1, "BTCUSDT")

	// wait until the consumer has buffered the record before shutting down
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		buffered := len(w.buffer["BTCUSDT"])
		w.mu.Unlock()
		if buffered == 1 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	w.Stop()

	files := archivedFiles(t, dir, "BTCUSDT")
	if len(files) != 1 {
		t.Fatalf("shutdown should flush the remaining buffer, files=%v", files)
	}
	data, err := os.ReadFile(files[0])
	if err != nil {
		t.Fatalf("read archived batch: %v", err)
	}
	assertParquet(t, data)
}

func TestWriterFlushesOnBufferPressure(t *testing.T) {
	dir := t.TempDir()
	execChan := make(chan models.ExecutionRecord, 4)
	w, err := NewWriter(archiveConfig(dir), execChan)
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		w.Stop()
	}()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start writer: %v", err)
	}

	// MaxBuffer is 2: the second record must force a flush without waiting
	// for the interval or shutdown
	execChan <- execution(8, 1, "ETHUSDT")
	execChan <- execution(8, 2, "ETHUSDT")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(archivedFiles(t, dir, "ETHUSDT")) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("buffer pressure should flush a batch, files=%v", archivedFiles(t, dir, "ETHUSDT"))
}

func TestWriterDoubleStart(t *testing.T) {
	w, err := NewWriter(archiveConfig(t.TempDir()), make(chan models.ExecutionRecord))
	if err != nil {
		t.Fatalf("new writer: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start writer: %v", err)
	}
	defer func() {
		cancel()
		w.Stop()
	}()

	if err := w.Start(ctx); err == nil {
		t.Fatal("second start should fail")
	}
}

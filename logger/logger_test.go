package logger

import (
	"bytes"
	"os"
	"strings"
	"sync/atomic"
	"testing"
)

func TestWithComponent(t *testing.T) {
	log := Logger()
	entry := log.WithComponent("book_sync")
	if v, ok := entry.Entry.Data["component"]; !ok || v != "book_sync" {
		t.Fatalf("component field missing: %v", entry.Entry.Data)
	}
}

func TestConfigureInvalidLevel(t *testing.T) {
	// Ensure environment variables do not override the provided level
	t.Setenv("LOG_LEVEL", "")

	log := Logger()
	if err := log.Configure("invalid", "json", "stdout", 0); err == nil {
		t.Fatalf("expected error for invalid level")
	}
}

func TestWithEnv(t *testing.T) {
	os.Setenv("FOO", "bar")
	log := Logger()
	entry := log.WithEnv("FOO")
	if v, ok := entry.Entry.Data["FOO"]; !ok || v != "bar" {
		t.Fatalf("env field not set: %v", entry.Entry.Data)
	}
}

func TestCountersIncrement(t *testing.T) {
	before := atomic.LoadInt64(&gapsDetected)
	IncrementGapDetected()
	if atomic.LoadInt64(&gapsDetected) != before+1 {
		t.Error("gap counter should increment")
	}

	before = atomic.LoadInt64(&fillsExecuted)
	IncrementFillExecuted()
	IncrementFillExecuted()
	if atomic.LoadInt64(&fillsExecuted) != before+2 {
		t.Error("fill counter should increment per call")
	}
}

func TestWarnRoutedByComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Logger()
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stdout)

	before := atomic.LoadInt64(&warnsBook)
	log.WithComponent("book_sync").Warn("replica fell behind")
	if atomic.LoadInt64(&warnsBook) != before+1 {
		t.Error("book component warning should be attributed to the book counter")
	}
	if !strings.Contains(buf.String(), "replica fell behind") {
		t.Errorf("warning should be written to the configured output: %s", buf.String())
	}
}

func TestChannelStats(t *testing.T) {
	RecordChannelMessage("test_channel", 42)
	RecordChannelMessage("test_channel", 8)

	v, ok := channels.Load("test_channel")
	if !ok {
		t.Fatal("channel stat should exist")
	}
	cs := v.(*channelStat)
	if atomic.LoadInt64(&cs.messages) != 2 {
		t.Errorf("unexpected message count: %d", cs.messages)
	}
	if atomic.LoadInt64(&cs.bytes) != 50 {
		t.Errorf("unexpected byte count: %d", cs.bytes)
	}
}

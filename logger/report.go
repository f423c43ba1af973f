package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorsHub       int64
	errorsBook      int64
	errorsSim       int64
	warnsHub        int64
	warnsBook       int64
	warnsSim        int64
	framesRead      int64
	deltasApplied   int64
	gapsDetected    int64
	resyncs         int64
	ordersSubmitted int64
	ordersRejected  int64
	fillsExecuted   int64
	stopsTriggered  int64
	archiveWrites   int64
	channels        sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	switch {
	case strings.Contains(component, "book"):
		atomic.AddInt64(&warnsBook, 1)
	case strings.Contains(component, "hub"), strings.Contains(component, "ws"):
		atomic.AddInt64(&warnsHub, 1)
	case strings.Contains(component, "sim"), strings.Contains(component, "matching"):
		atomic.AddInt64(&warnsSim, 1)
	}
}

func recordError(component string) {
	switch {
	case strings.Contains(component, "book"):
		atomic.AddInt64(&errorsBook, 1)
	case strings.Contains(component, "hub"), strings.Contains(component, "ws"):
		atomic.AddInt64(&errorsHub, 1)
	case strings.Contains(component, "sim"), strings.Contains(component, "matching"):
		atomic.AddInt64(&errorsSim, 1)
	}
}

func IncrementFrameRead(size int) {
	atomic.AddInt64(&framesRead, 1)
	recordChannel("transport_frames", size)
}

func IncrementDeltaApplied(levels int) {
	atomic.AddInt64(&deltasApplied, 1)
	recordChannel("book_deltas", levels)
}

func IncrementGapDetected() {
	atomic.AddInt64(&gapsDetected, 1)
}

func IncrementResync() {
	atomic.AddInt64(&resyncs, 1)
}

func IncrementOrderSubmitted() {
	atomic.AddInt64(&ordersSubmitted, 1)
}

func IncrementOrderRejected() {
	atomic.AddInt64(&ordersRejected, 1)
}

func IncrementFillExecuted() {
	atomic.AddInt64(&fillsExecuted, 1)
}

func IncrementStopTriggered() {
	atomic.AddInt64(&stopsTriggered, 1)
}

func IncrementArchiveWrite(size int64) {
	atomic.AddInt64(&archiveWrites, 1)
	recordChannel("archive_writes", int(size))
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of runtime and channel statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	fields := Fields{
		"errors_hub":       atomic.LoadInt64(&errorsHub),
		"errors_book":      atomic.LoadInt64(&errorsBook),
		"errors_sim":       atomic.LoadInt64(&errorsSim),
		"warns_hub":        atomic.LoadInt64(&warnsHub),
		"warns_book":       atomic.LoadInt64(&warnsBook),
		"warns_sim":        atomic.LoadInt64(&warnsSim),
		"frames_read":      atomic.LoadInt64(&framesRead),
		"deltas_applied":   atomic.LoadInt64(&deltasApplied),
		"gaps_detected":    atomic.LoadInt64(&gapsDetected),
		"resyncs":          atomic.LoadInt64(&resyncs),
		"orders_submitted": atomic.LoadInt64(&ordersSubmitted),
		"orders_rejected":  atomic.LoadInt64(&ordersRejected),
		"fills_executed":   atomic.LoadInt64(&fillsExecuted),
		"stops_triggered":  atomic.LoadInt64(&stopsTriggered),
		"archive_writes":   atomic.LoadInt64(&archiveWrites),
		"goroutines":       runtime.NumGoroutine(),
		"channels":         channelData,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	for name, key := range map[string]string{
		"FramesRead":      "frames_read",
		"DeltasApplied":   "deltas_applied",
		"GapsDetected":    "gaps_detected",
		"Resyncs":         "resyncs",
		"OrdersSubmitted": "orders_submitted",
		"OrdersRejected":  "orders_rejected",
		"FillsExecuted":   "fills_executed",
		"StopsTriggered":  "stops_triggered",
		"ArchiveWrites":   "archive_writes",
		"ErrorsHub":       "errors_hub",
		"ErrorsBook":      "errors_book",
		"ErrorsSim":       "errors_sim",
	} {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(fields[key].(int64))),
		})
	}

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}

package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	errorCount       int64
	warnCount        int64
	eventsPublished  int64
	eventsDropped    int64
	ordersPlaced     int64
	ordersCanceled   int64
	restCalls        int64
	restRetries      int64
	streamReconnects int64
	recorderWrites   int64
	channels         sync.Map // map[string]*channelStat
)

func recordWarn(string)  { atomic.AddInt64(&warnCount, 1) }
func recordError(string) { atomic.AddInt64(&errorCount, 1) }

func IncrementEventPublished()  { atomic.AddInt64(&eventsPublished, 1) }
func IncrementEventDropped()    { atomic.AddInt64(&eventsDropped, 1) }
func IncrementOrderPlaced()     { atomic.AddInt64(&ordersPlaced, 1) }
func IncrementOrderCanceled()   { atomic.AddInt64(&ordersCanceled, 1) }
func IncrementRestCall()        { atomic.AddInt64(&restCalls, 1) }
func IncrementRestRetry()       { atomic.AddInt64(&restRetries, 1) }
func IncrementStreamReconnect() { atomic.AddInt64(&streamReconnects, 1) }
func IncrementRecorderWrite()   { atomic.AddInt64(&recorderWrites, 1) }

// Counters returns a snapshot of the process-wide activity counters keyed by
// report field name.
func Counters() map[string]int64 {
	return map[string]int64{
		"errors":            atomic.LoadInt64(&errorCount),
		"warns":             atomic.LoadInt64(&warnCount),
		"events_published":  atomic.LoadInt64(&eventsPublished),
		"events_dropped":    atomic.LoadInt64(&eventsDropped),
		"orders_placed":     atomic.LoadInt64(&ordersPlaced),
		"orders_canceled":   atomic.LoadInt64(&ordersCanceled),
		"rest_calls":        atomic.LoadInt64(&restCalls),
		"rest_retries":      atomic.LoadInt64(&restRetries),
		"stream_reconnects": atomic.LoadInt64(&streamReconnects),
		"recorder_writes":   atomic.LoadInt64(&recorderWrites),
	}
}

// RecordChannelMessage tracks per-channel message and byte counts for the
// periodic report.
func RecordChannelMessage(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of runtime and activity statistics,
// publishing them to CloudWatch when a client has been initialized.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
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

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()

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

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memMB := int64(0)
	if memStats != nil {
		memMB = int64(memStats.Used) / 1024 / 1024
	}

	counters := Counters()

	fields := Fields{
		"goroutines":  runtime.NumGoroutine(),
		"cpu_percent": cpuPct,
		"memory_mb":   memMB,
		"channels":    channelData,
	}
	for k, v := range counters {
		fields[k] = v
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memMB))},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
	}
	for name, v := range counters {
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(metricName(name)),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(v)),
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

func metricName(counter string) string {
	switch counter {
	case "errors":
		return "Errors"
	case "warns":
		return "Warns"
	case "events_published":
		return "EventsPublished"
	case "events_dropped":
		return "EventsDropped"
	case "orders_placed":
		return "OrdersPlaced"
	case "orders_canceled":
		return "OrdersCanceled"
	case "rest_calls":
		return "RestCalls"
	case "rest_retries":
		return "RestRetries"
	case "stream_reconnects":
		return "StreamReconnects"
	case "recorder_writes":
		return "RecorderWrites"
	}
	return counter
}

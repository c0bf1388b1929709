package internaltelemetry

import (
	"context"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// StorageGauges is a point-in-time reading of the engine's sizes and counters.
type StorageGauges struct {
	CacheEntries       int64
	CacheHits          int64
	CacheMisses        int64
	CacheEvictions     int64
	BuffersOutstanding int64
	LogPages           int64
	WalPages           int64
	ActiveTransactions int64
	LastPageID         int64
}

// StorageMetrics holds all the metric instruments for the storage engine.
type StorageMetrics struct {
	CommitsCounter             metric.Int64Counter
	RollbacksCounter           metric.Int64Counter
	CommitLatencyHistogram     metric.Int64Histogram
	CommitPagesHistogram       metric.Int64Histogram
	CheckpointsCounter         metric.Int64Counter
	CheckpointLatencyHistogram metric.Int64Histogram
	CheckpointPagesCounter     metric.Int64Counter
	LockWaitHistogram          metric.Int64Histogram
	LockTimeoutsCounter        metric.Int64Counter
	registration               metric.Registration
}

// NewStorageMetrics creates and registers the storage metrics. read is polled
// on every collection for the observable gauges.
func NewStorageMetrics(meter metric.Meter, read func() StorageGauges) (*StorageMetrics, error) {
	m := &StorageMetrics{}
	var err error
	if m.CommitsCounter, err = meter.Int64Counter(
		"gojodoc.storage.commits_total",
		metric.WithDescription("Total number of committed transactions."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.RollbacksCounter, err = meter.Int64Counter(
		"gojodoc.storage.rollbacks_total",
		metric.WithDescription("Total number of rolled back transactions."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.CommitLatencyHistogram, err = meter.Int64Histogram(
		"gojodoc.storage.commit.duration",
		metric.WithDescription("The latency of commits, log write and publication included."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.CommitPagesHistogram, err = meter.Int64Histogram(
		"gojodoc.storage.commit.pages",
		metric.WithDescription("Pages written to the log per commit."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.CheckpointsCounter, err = meter.Int64Counter(
		"gojodoc.storage.checkpoints_total",
		metric.WithDescription("Total number of checkpoints."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.CheckpointLatencyHistogram, err = meter.Int64Histogram(
		"gojodoc.storage.checkpoint.duration",
		metric.WithDescription("The latency of checkpoints."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.CheckpointPagesCounter, err = meter.Int64Counter(
		"gojodoc.storage.checkpoint.pages_total",
		metric.WithDescription("Pages copied, staged or cleared by checkpoints."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}
	if m.LockWaitHistogram, err = meter.Int64Histogram(
		"gojodoc.storage.lock.wait",
		metric.WithDescription("Time spent waiting for engine locks."),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if m.LockTimeoutsCounter, err = meter.Int64Counter(
		"gojodoc.storage.lock.timeouts_total",
		metric.WithDescription("Lock waits that failed."),
		metric.WithUnit("1"),
	); err != nil {
		return nil, err
	}

	gauges := map[string]func(StorageGauges) int64{
		"gojodoc.storage.cache.entries":       func(g StorageGauges) int64 { return g.CacheEntries },
		"gojodoc.storage.cache.hits":          func(g StorageGauges) int64 { return g.CacheHits },
		"gojodoc.storage.cache.misses":        func(g StorageGauges) int64 { return g.CacheMisses },
		"gojodoc.storage.cache.evictions":     func(g StorageGauges) int64 { return g.CacheEvictions },
		"gojodoc.storage.buffers.outstanding": func(g StorageGauges) int64 { return g.BuffersOutstanding },
		"gojodoc.storage.log.pages":           func(g StorageGauges) int64 { return g.LogPages },
		"gojodoc.storage.wal.pages":           func(g StorageGauges) int64 { return g.WalPages },
		"gojodoc.storage.transactions.active": func(g StorageGauges) int64 { return g.ActiveTransactions },
		"gojodoc.storage.data.last_page_id":   func(g StorageGauges) int64 { return g.LastPageID },
	}
	type observed struct {
		gauge metric.Int64ObservableGauge
		pick  func(StorageGauges) int64
	}
	instruments := make([]observed, 0, len(gauges))
	observables := make([]metric.Observable, 0, len(gauges))
	for name, pick := range gauges {
		g, err := meter.Int64ObservableGauge(name, metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
		instruments = append(instruments, observed{gauge: g, pick: pick})
		observables = append(observables, g)
	}
	m.registration, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		snapshot := read()
		for _, in := range instruments {
			o.ObserveInt64(in.gauge, in.pick(snapshot))
		}
		return nil
	}, observables...)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecordLockWait records one lock acquisition.
func (m *StorageMetrics) RecordLockWait(lock string, waited time.Duration, err error) {
	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("lock", lockKind(lock)), attribute.Bool("acquired", err == nil))
	m.LockWaitHistogram.Record(ctx, waited.Milliseconds(), attrs)
	if err != nil {
		m.LockTimeoutsCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("lock", lockKind(lock))))
	}
}

// Unregister stops the gauge callback.
func (m *StorageMetrics) Unregister() error {
	if m.registration == nil {
		return nil
	}
	return m.registration.Unregister()
}

// lockKind folds per-collection lock names into one label value.
func lockKind(lock string) string {
	if strings.HasPrefix(lock, "collection-") {
		return "collection"
	}
	return lock
}

// Package peak implements the node-side peak monitor: a
// long-running sampler over CPU/memory/disk/network metrics, a
// per-(category,metric) FSM that turns threshold crossings into
// deduplicated start/resolve PeakEvents, and a bounded in-process queue
// that StreamPeakEvents reads from.
package peak

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"

	"github.com/kelex-io/fleetd/internal/config"
	"github.com/kelex-io/fleetd/internal/wire"
)

// state is the per-(category,metric) FSM state.
type state int

const (
	stateIdle state = iota
	stateRising
	statePeak
	stateCooling
)

// fsm tracks one (category, metric) peak in progress. threshold holds the
// highest threshold actually crossed (warn or crit) over the peak's
// lifetime, so a peak that escalates to CRITICAL still reports 90 (not 75)
// on its resolve event even though the sample that triggers resolution has
// long since dropped back below warn.
type fsm struct {
	state          state
	startedAtMs    int64
	peakValue      float64
	threshold      float64
	level          string
	dedupeKey      string
	contextJSON    string
	coolingSamples int
}

// Monitor samples host metrics on an interval and drives the per-metric
// FSMs, emitting PeakEvents onto a bounded queue.
type Monitor struct {
	nodeID int64
	cfg    config.PeakConfig
	seq    *SeqCounter
	logger *slog.Logger

	mu      sync.Mutex
	fsms    map[string]*fsm
	queue   chan wire.PeakEvent
	history []wire.PeakEvent

	dropped int64

	lastNetRx, lastNetTx uint64
	lastNetAt            time.Time
}

// NewMonitor constructs a Monitor for nodeID, using seq for sequence
// numbers and cfg for thresholds/timing.
func NewMonitor(nodeID int64, cfg config.PeakConfig, seq *SeqCounter, logger *slog.Logger) *Monitor {
	return &Monitor{
		nodeID: nodeID,
		cfg:    cfg,
		seq:    seq,
		logger: logger,
		fsms:   make(map[string]*fsm),
		queue:  make(chan wire.PeakEvent, cfg.QueueCapacity),
	}
}

// Run samples metrics every cfg.SampleInterval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sampleOnce(ctx)
		}
	}
}

func (m *Monitor) sampleOnce(ctx context.Context) {
	now := time.Now()

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		m.observe(wire.CategoryCPU, "cpu_percent", pct[0], m.cfg.CPUWarn, m.cfg.CPUCrit, now)
	} else if err != nil {
		m.logger.Warn("peak: cpu sample failed", "error", err)
	}

	if avg, err := load.AvgWithContext(ctx); err == nil {
		m.observe(wire.CategoryCPU, "load1", avg.Load1, m.cfg.CPUWarn, m.cfg.CPUCrit, now)
	}

	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		m.observe(wire.CategoryMemory, "mem_percent", vm.UsedPercent, m.cfg.MemWarn, m.cfg.MemCrit, now)
	} else if err != nil {
		m.logger.Warn("peak: mem sample failed", "error", err)
	}

	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		m.observe(wire.CategoryDisk, "disk_percent", du.UsedPercent, m.cfg.DiskWarn, m.cfg.DiskCrit, now)
	} else if err != nil {
		m.logger.Warn("peak: disk sample failed", "error", err)
	}

	if counters, err := net.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		m.observeNetwork(counters[0], now)
	}
}

// observe feeds a single metric sample through its FSM.
func (m *Monitor) observe(category, metric string, value, warnThresh, critThresh float64, now time.Time) {
	key := category + ":" + metric

	m.mu.Lock()
	defer m.mu.Unlock()

	f, ok := m.fsms[key]
	if !ok {
		f = &fsm{state: stateIdle}
		m.fsms[key] = f
	}

	level, threshold := classify(value, warnThresh, critThresh)
	nowMs := now.UnixMilli()

	switch f.state {
	case stateIdle:
		if level != "" {
			f.state = stateRising
			f.startedAtMs = nowMs
			f.peakValue = value
			f.threshold = threshold
			f.level = level
			f.coolingSamples = 0
			f.dedupeKey = dedupeKey(m.nodeID, category, metric)
			// Captured once at open; the resolve event carries the same
			// snapshot rather than resampling.
			f.contextJSON = contextJSON(category, metric)
			seq, err := m.seq.Next()
			if err != nil {
				m.logger.Error("peak: seq counter failed", "error", err)
			}
			m.emit(wire.PeakEvent{
				NodeID: m.nodeID, Category: category, Metric: metric, Level: level,
				Value: value, Threshold: threshold, DedupeKey: f.dedupeKey,
				ContextJSON: f.contextJSON, StartedAtMs: nowMs, Seq: seq,
			})
		}

	case stateRising, statePeak:
		hysteresisLow := warnThresh * (1 - m.cfg.HysteresisPct/100)
		if value < hysteresisLow {
			f.state = stateCooling
			f.coolingSamples = 1
			return
		}
		if value > f.peakValue {
			f.peakValue = value
		}
		if threshold > f.threshold {
			f.threshold = threshold
		}
		if level == wire.LevelCritical && f.level != wire.LevelCritical {
			f.level = wire.LevelCritical
		}
		f.state = statePeak

	case stateCooling:
		hysteresisLow := warnThresh * (1 - m.cfg.HysteresisPct/100)
		if value >= hysteresisLow {
			f.state = statePeak
			f.coolingSamples = 0
			if value > f.peakValue {
				f.peakValue = value
			}
			return
		}
		f.coolingSamples++
		elapsed := time.Duration(nowMs-f.startedAtMs) * time.Millisecond
		if f.coolingSamples >= m.cfg.CoolDownCycles && elapsed >= m.cfg.MinDuration {
			seq, err := m.seq.Next()
			if err != nil {
				m.logger.Error("peak: seq counter failed", "error", err)
			}
			m.emit(wire.PeakEvent{
				NodeID: m.nodeID, Category: category, Metric: metric, Level: f.level,
				Value: f.peakValue, Threshold: f.threshold, DedupeKey: f.dedupeKey,
				ContextJSON: f.contextJSON, StartedAtMs: f.startedAtMs, ResolvedAtMs: nowMs, Seq: seq,
			})
			f.state = stateIdle
		}
	}
}

func (m *Monitor) observeNetwork(c net.IOCountersStat, now time.Time) {
	if m.lastNetAt.IsZero() {
		m.lastNetRx, m.lastNetTx, m.lastNetAt = c.BytesRecv, c.BytesSent, now
		return
	}

	elapsed := now.Sub(m.lastNetAt).Seconds()
	if elapsed <= 0 {
		return
	}
	rxRate := rateOrZero(c.BytesRecv, m.lastNetRx, elapsed)
	txRate := rateOrZero(c.BytesSent, m.lastNetTx, elapsed)
	m.lastNetRx, m.lastNetTx, m.lastNetAt = c.BytesRecv, c.BytesSent, now

	m.observe(wire.CategoryNetwork, "rx_bytes_per_sec", rxRate, m.cfg.NetWarnBps, m.cfg.NetCritBps, now)
	m.observe(wire.CategoryNetwork, "tx_bytes_per_sec", txRate, m.cfg.NetWarnBps, m.cfg.NetCritBps, now)
}

// rateOrZero computes (current-previous)/elapsedSeconds, returning 0 if the
// counter went backwards (e.g. a backend or NIC counter reset).
func rateOrZero(current, previous uint64, elapsedSeconds float64) float64 {
	if current < previous {
		return 0
	}
	return float64(current-previous) / elapsedSeconds
}

// classify returns the crossed level ("" if below warn) and the threshold
// that was crossed.
func classify(value, warn, crit float64) (level string, threshold float64) {
	switch {
	case value >= crit:
		return wire.LevelCritical, crit
	case value >= warn:
		return wire.LevelWarning, warn
	default:
		return "", warn
	}
}

// dedupeKey is the first 16 hex chars of
// md5("<node_id>:<category>:<metric>"), letting consumers correlate a
// start event with its resolve.
func dedupeKey(nodeID int64, category, metric string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d:%s:%s", nodeID, category, metric)))
	return hex.EncodeToString(sum[:])[:16]
}

func contextJSON(category, metric string) string {
	b, _ := json.Marshal(map[string]string{"category": category, "metric": metric})
	return string(b)
}

// historyCapacity bounds the replay buffer FetchPeakEvents serves from.
const historyCapacity = 1024

// emit records evt in the replay history and pushes it onto the bounded
// queue. Queue overflow drops the newest event and increments a drop
// counter: losing a warning beats blocking the sampler.
func (m *Monitor) emit(evt wire.PeakEvent) {
	m.history = append(m.history, evt)
	if len(m.history) > historyCapacity {
		m.history = m.history[len(m.history)-historyCapacity:]
	}
	select {
	case m.queue <- evt:
	default:
		m.dropped++
		m.logger.Warn("peak: event queue full, dropping", "category", evt.Category, "metric", evt.Metric)
	}
}

// History returns recorded events with StartedAtMs >= sinceMs, optionally
// restricted to one category, oldest first. The buffer is bounded, so a
// long-running node only replays its most recent events; the panel's
// store is the durable system of record.
func (m *Monitor) History(sinceMs int64, category string) []wire.PeakEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]wire.PeakEvent, 0, len(m.history))
	for _, ev := range m.history {
		if ev.StartedAtMs < sinceMs {
			continue
		}
		if category != "" && ev.Category != category {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Events returns the channel new PeakEvents are published on.
func (m *Monitor) Events() <-chan wire.PeakEvent {
	return m.queue
}

// Dropped returns the number of events dropped due to a full queue.
func (m *Monitor) Dropped() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

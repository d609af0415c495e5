// Package monitor samples host resource usage for the agent: aggregate CPU
// busy fraction computed from per-sample time deltas and memory utilisation,
// both via gopsutil. The queue processor consults it for admission control
// and the connection manager includes the latest snapshot in heartbeat pongs.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"go.uber.org/zap"
)

// Level classifies current resource pressure.
type Level int

const (
	// LevelOK: below the warn threshold, business as usual.
	LevelOK Level = iota
	// LevelWarn: approaching the configured limit; logged, nothing else.
	LevelWarn
	// LevelCritical: at or above the limit; new tasks are rejected.
	LevelCritical
	// LevelDanger: well past the limit; the shedder is asked to free load.
	LevelDanger
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelCritical:
		return "critical"
	case LevelDanger:
		return "danger"
	default:
		return "ok"
	}
}

// warnFraction puts the warn threshold at this fraction of the configured
// limit; dangerMargin puts the danger threshold this many points above it.
// shutdownAfter is how many consecutive danger samples with nothing left to
// shed it takes before the monitor asks for a graceful shutdown.
const (
	warnFraction  = 0.9
	dangerMargin  = 5.0
	shutdownAfter = 3
)

// Config holds the monitor tunables.
type Config struct {
	// MaxCPUPct and MaxMemoryPct are the critical thresholds in percent.
	MaxCPUPct    float64
	MaxMemoryPct float64

	// Interval is the sampling cadence.
	Interval time.Duration
}

// Monitor samples CPU and memory on a ticker and exposes the latest reading.
// Safe for concurrent use.
type Monitor struct {
	cfg    Config
	logger *zap.Logger

	// shed is invoked once per sample while at LevelDanger; the queue
	// processor wires it to cancel the oldest active task. It reports
	// whether anything was actually shed.
	shed func() bool

	// shutdown is the last rung of the ladder: invoked once when danger
	// persists with nothing left to shed.
	shutdown func()

	mu           sync.Mutex
	cpuPct       float64
	memPct       float64
	level        Level
	lastTimes    *cpu.TimesStat
	dangerStreak int
	shutdownSent bool
}

// New creates a Monitor. Call Run to start sampling.
func New(cfg Config, logger *zap.Logger) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	return &Monitor{
		cfg:    cfg,
		logger: logger.Named("monitor"),
	}
}

// SetShedder registers the load-shedding callback invoked at LevelDanger.
// Must be called during wiring, before Run.
func (m *Monitor) SetShedder(fn func() bool) {
	m.shed = fn
}

// SetShutdown registers the graceful-shutdown callback. Must be called
// during wiring, before Run.
func (m *Monitor) SetShutdown(fn func()) {
	m.shutdown = fn
}

// Run samples on the configured interval until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	// Prime the CPU time baseline so the first real sample has a delta.
	m.Sample(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Sample takes one reading and applies the threshold ladder.
func (m *Monitor) Sample(ctx context.Context) {
	memStat, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		m.logger.Warn("memory sample failed", zap.Error(err))
		return
	}

	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil || len(times) == 0 {
		m.logger.Warn("cpu sample failed", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.memPct = memStat.UsedPercent
	if m.lastTimes != nil {
		m.cpuPct = busyPercent(*m.lastTimes, times[0])
	}
	t := times[0]
	m.lastTimes = &t

	level := m.classify()
	changed := level != m.level
	m.level = level
	cpuPct, memPct := m.cpuPct, m.memPct
	m.mu.Unlock()

	if changed && level != LevelOK {
		m.logger.Warn("resource pressure changed",
			zap.String("level", level.String()),
			zap.Float64("cpu_pct", cpuPct),
			zap.Float64("mem_pct", memPct),
		)
	}
	m.react(level)
}

// react applies the danger-level actions for one sample: shed load, and
// escalate to a graceful shutdown when danger persists with nothing left to
// shed. Shedding takes a couple of samples to show up in the readings, so the
// escalation waits out a streak rather than firing on the first empty shed.
func (m *Monitor) react(level Level) {
	if level != LevelDanger {
		m.mu.Lock()
		m.dangerStreak = 0
		m.mu.Unlock()
		return
	}

	shedded := false
	if m.shed != nil {
		shedded = m.shed()
	}

	m.mu.Lock()
	m.dangerStreak++
	streak := m.dangerStreak
	fire := !shedded && streak >= shutdownAfter && !m.shutdownSent && m.shutdown != nil
	if fire {
		m.shutdownSent = true
	}
	m.mu.Unlock()

	if fire {
		m.logger.Error("resource pressure unrecoverable, requesting shutdown",
			zap.Int("danger_samples", streak))
		m.shutdown()
	}
}

// classify applies the ladder to the current reading. Caller holds mu.
func (m *Monitor) classify() Level {
	cpuLevel := ladder(m.cpuPct, m.cfg.MaxCPUPct)
	memLevel := ladder(m.memPct, m.cfg.MaxMemoryPct)
	if memLevel > cpuLevel {
		return memLevel
	}
	return cpuLevel
}

func ladder(value, limit float64) Level {
	switch {
	case value >= limit+dangerMargin:
		return LevelDanger
	case value >= limit:
		return LevelCritical
	case value >= limit*warnFraction:
		return LevelWarn
	default:
		return LevelOK
	}
}

// CanAcceptNewTasks reports whether admission control should let a new task
// start. False at LevelCritical and above.
func (m *Monitor) CanAcceptNewTasks() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level < LevelCritical
}

// Snapshot returns the latest CPU and memory percentages for heartbeats.
func (m *Monitor) Snapshot() (cpuPct, memPct float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cpuPct, m.memPct
}

// busyPercent computes the busy fraction between two aggregate CPU time
// snapshots. Iowait counts as idle.
func busyPercent(prev, cur cpu.TimesStat) float64 {
	prevTotal := totalTime(prev)
	curTotal := totalTime(cur)
	totalDelta := curTotal - prevTotal
	if totalDelta <= 0 {
		return 0
	}
	idleDelta := (cur.Idle + cur.Iowait) - (prev.Idle + prev.Iowait)
	busy := totalDelta - idleDelta
	if busy < 0 {
		busy = 0
	}
	return busy / totalDelta * 100
}

func totalTime(t cpu.TimesStat) float64 {
	return t.User + t.System + t.Idle + t.Nice + t.Iowait + t.Irq + t.Softirq + t.Steal
}

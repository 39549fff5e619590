// Package quality samples transport statistics on an interval and
// classifies connection health into tiers. Transitions between tiers
// are reported; individual samples are not, so a flapping link cannot
// cause a notification storm.
package quality

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Tier is the classified health of a connection.
type Tier int

const (
	TierGood Tier = iota
	TierFair
	TierPoor
)

func (t Tier) String() string {
	switch t {
	case TierGood:
		return "good"
	case TierFair:
		return "fair"
	case TierPoor:
		return "poor"
	default:
		return "unknown"
	}
}

// Sample is one reading of the transport's statistics.
type Sample struct {
	RTT        time.Duration
	Bandwidth  float64 // available outgoing, bits per second
	PacketLoss float64 // ratio, 0.0-1.0
}

func (s Sample) String() string {
	return fmt.Sprintf("rtt=%v bw=%.0fbps loss=%.1f%%", s.RTT, s.Bandwidth, s.PacketLoss*100)
}

// Thresholds are tuning knobs, not hard physics.
type Thresholds struct {
	// PoorLoss: packet loss above this ratio is poor.
	PoorLoss float64
	// FairRTT: round-trip time above this is at best fair.
	FairRTT time.Duration
	// FairBandwidth: available bandwidth below this (bits/s) is at
	// best fair. Zero disables the check.
	FairBandwidth float64
}

// DefaultThresholds returns the shipped classification rules.
func DefaultThresholds() Thresholds {
	return Thresholds{
		PoorLoss: 0.10,
		FairRTT:  300 * time.Millisecond,
	}
}

// Classify maps one sample to a tier.
func (th Thresholds) Classify(s Sample) Tier {
	if s.PacketLoss > th.PoorLoss {
		return TierPoor
	}
	if s.RTT > th.FairRTT {
		return TierFair
	}
	if th.FairBandwidth > 0 && s.Bandwidth > 0 && s.Bandwidth < th.FairBandwidth {
		return TierFair
	}
	return TierGood
}

// SampleFunc reads current statistics from a transport.
type SampleFunc func(ctx context.Context) (Sample, error)

// DefaultInterval is how often the monitor samples.
const DefaultInterval = 5 * time.Second

// Monitor periodically samples one connection and reports tier changes.
type Monitor struct {
	sample     SampleFunc
	interval   time.Duration
	thresholds Thresholds
	onChange   func(Tier, Sample)
	logger     *zap.Logger

	mu      sync.Mutex
	tier    Tier
	sampled bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMonitor builds a stopped monitor. onChange fires once per tier
// transition, including the very first classification, and may be nil.
func NewMonitor(sample SampleFunc, interval time.Duration, th Thresholds, onChange func(Tier, Sample), logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Monitor{
		sample:     sample,
		interval:   interval,
		thresholds: th,
		onChange:   onChange,
		logger:     logger.Named("quality"),
		tier:       TierGood,
	}
}

// Start launches the sampling loop. Calling Start on a running monitor
// is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(runCtx)
}

// Stop halts sampling and waits for the loop to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Current returns the last classified tier.
func (m *Monitor) Current() Tier {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tier
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.observe(ctx)
		}
	}
}

// Observe takes one sample immediately. Exposed so tests and callers
// can force a reading without waiting out the interval.
func (m *Monitor) Observe(ctx context.Context) {
	m.observe(ctx)
}

func (m *Monitor) observe(ctx context.Context) {
	s, err := m.sample(ctx)
	if err != nil {
		m.logger.Debug("stats sample failed", zap.Error(err))
		return
	}
	tier := m.thresholds.Classify(s)

	m.mu.Lock()
	changed := !m.sampled || tier != m.tier
	m.sampled = true
	m.tier = tier
	onChange := m.onChange
	m.mu.Unlock()

	if !changed {
		return
	}
	m.logger.Info("connection quality changed",
		zap.String("tier", tier.String()),
		zap.Duration("rtt", s.RTT),
		zap.Float64("loss", s.PacketLoss))
	if onChange != nil {
		onChange(tier, s)
	}
}

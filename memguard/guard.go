// Package memguard keeps long detection batches from exhausting the host.
//
// A Guard is created once and shared by reference between every page worker.
// Each page's detection call goes through Guard.Run, which samples the
// resident set size before the call, reclaims memory when the high-water
// mark is crossed and refuses to start the page when the hard ceiling is
// still exceeded afterwards. While the call is running a watchdog keeps
// sampling and cancels the page's context when the ceiling is crossed.
package memguard

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"github.com/sirupsen/logrus"

	"tagscan/internal/failure"
)

var log = logrus.New()

// SetLogLevel sets the logging level for the memguard package
func SetLogLevel(level logrus.Level) {
	log.SetLevel(level)
}

const (
	mib = 1024 * 1024

	DefaultReclaimEvery  = 5
	DefaultWatchInterval = 250 * time.Millisecond
)

// Sampler returns the current resident set size of the process in bytes.
type Sampler func() (uint64, error)

// Config holds the thresholds. A zero threshold disables that check.
type Config struct {
	HighWaterMB   uint64
	HardCeilingMB uint64
	// ReclaimEvery forces a reclamation pass after this many pages.
	ReclaimEvery  int
	WatchInterval time.Duration
}

// Stats are cumulative counters since the guard was created.
type Stats struct {
	Pages      int64   `json:"pages"`
	Reclaims   int64   `json:"reclaims"`
	Aborts     int64   `json:"aborts"`
	PeakRSSMiB float64 `json:"peak_rss_mib"`
}

// Guard is safe for concurrent use.
type Guard struct {
	mu  sync.RWMutex
	cfg Config

	sample  Sampler
	reclaim func()

	pages    atomic.Int64
	reclaims atomic.Int64
	aborts   atomic.Int64
	peak     atomic.Uint64
}

// Option customises a Guard.
type Option func(*Guard)

// WithSampler replaces the RSS sampler.
func WithSampler(s Sampler) Option {
	return func(g *Guard) { g.sample = s }
}

// WithReclaimer replaces the reclamation function.
func WithReclaimer(f func()) Option {
	return func(g *Guard) { g.reclaim = f }
}

// New creates a Guard.
func New(cfg Config, opts ...Option) *Guard {
	g := &Guard{
		cfg:     withDefaults(cfg),
		reclaim: Reclaim,
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.sample == nil {
		g.sample = processSampler()
	}
	return g
}

func withDefaults(cfg Config) Config {
	if cfg.ReclaimEvery < 0 {
		cfg.ReclaimEvery = 0
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = DefaultWatchInterval
	}
	return cfg
}

// Validate checks that the thresholds are consistent.
func (c Config) Validate() error {
	if c.HardCeilingMB > 0 && c.HighWaterMB > c.HardCeilingMB {
		return failure.Validation("memory high-water mark (%d MiB) is above the hard ceiling (%d MiB)", c.HighWaterMB, c.HardCeilingMB)
	}
	return nil
}

// SetConfig replaces the thresholds. Workers pick up the new values on their
// next page.
func (g *Guard) SetConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	g.mu.Lock()
	g.cfg = withDefaults(cfg)
	g.mu.Unlock()
	log.WithFields(logrus.Fields{
		"high_water_mb":   cfg.HighWaterMB,
		"hard_ceiling_mb": cfg.HardCeilingMB,
		"reclaim_every":   cfg.ReclaimEvery,
	}).Info("Memory thresholds updated")
	return nil
}

// Config returns the thresholds currently in effect.
func (g *Guard) Config() Config {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cfg
}

// Stats returns a snapshot of the counters.
func (g *Guard) Stats() Stats {
	return Stats{
		Pages:      g.pages.Load(),
		Reclaims:   g.reclaims.Load(),
		Aborts:     g.aborts.Load(),
		PeakRSSMiB: float64(g.peak.Load()) / mib,
	}
}

// Run executes fn for one page under the guard. It returns a MemoryAborted
// error when the page was refused, or when fn failed after the watchdog
// cancelled it; otherwise it returns whatever fn returned.
func (g *Guard) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	cfg := g.Config()
	high := cfg.HighWaterMB * mib
	hard := cfg.HardCeilingMB * mib

	rss, err := g.measure()
	if err != nil {
		log.WithError(err).Warn("Failed to sample memory, running page unguarded")
		return fn(ctx)
	}

	if high > 0 && rss > high {
		log.WithField("rss_mib", rss/mib).Debug("Above high-water mark, reclaiming")
		g.doReclaim()
		if rss, err = g.measure(); err != nil {
			log.WithError(err).Warn("Failed to sample memory after reclaim")
		}
	}
	if hard > 0 && rss > hard {
		g.aborts.Add(1)
		log.WithField("rss_mib", rss/mib).Warn("Hard memory ceiling exceeded, refusing page")
		return failure.New(failure.KindMemoryAborted, "resident memory %d MiB above ceiling %d MiB before page start", rss/mib, cfg.HardCeilingMB)
	}

	defer g.afterPage(cfg.ReclaimEvery)

	if hard == 0 {
		return fn(ctx)
	}

	wctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		g.watch(wctx, cancel, done, hard, cfg.WatchInterval)
	}()

	runErr := fn(wctx)
	close(done)
	wg.Wait()
	if runErr == nil {
		// the page finished, a late watchdog firing does not discard it
		return nil
	}

	var aborted *failure.Error
	if cause := context.Cause(wctx); errors.As(cause, &aborted) && aborted.Kind == failure.KindMemoryAborted {
		g.aborts.Add(1)
		return aborted
	}
	return runErr
}

func (g *Guard) watch(ctx context.Context, cancel context.CancelCauseFunc, done <-chan struct{}, hard uint64, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			rss, err := g.measure()
			if err != nil {
				continue
			}
			if rss > hard {
				log.WithField("rss_mib", rss/mib).Warn("Hard memory ceiling exceeded, aborting page")
				cancel(failure.New(failure.KindMemoryAborted, "resident memory %d MiB crossed ceiling %d MiB during detection", rss/mib, hard/mib))
				return
			}
		}
	}
}

func (g *Guard) afterPage(every int) {
	n := g.pages.Add(1)
	if every > 0 && n%int64(every) == 0 {
		log.WithField("pages", n).Debug("Proactive reclamation")
		g.doReclaim()
	}
}

func (g *Guard) doReclaim() {
	g.reclaims.Add(1)
	g.reclaim()
}

func (g *Guard) measure() (uint64, error) {
	rss, err := g.sample()
	if err != nil {
		return 0, err
	}
	for {
		peak := g.peak.Load()
		if rss <= peak || g.peak.CompareAndSwap(peak, rss) {
			break
		}
	}
	return rss, nil
}

// Reclaim forces a garbage collection and returns freed memory to the OS.
func Reclaim() {
	runtime.GC()
	debug.FreeOSMemory()
}

func processSampler() Sampler {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return func() (uint64, error) {
			return 0, fmt.Errorf("error opening process handle: %w", err)
		}
	}
	return func() (uint64, error) {
		info, err := p.MemoryInfo()
		if err != nil {
			return 0, fmt.Errorf("error reading memory info: %w", err)
		}
		return info.RSS, nil
	}
}

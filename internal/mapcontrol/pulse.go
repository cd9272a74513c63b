package mapcontrol

import (
	"sync"
	"time"
)

// Pulsing halo bounds, in display units.
const (
	PulseMinRadius = 16.0
	PulseMaxRadius = 24.0
	PulseStep      = 0.3
	PulseInterval  = time.Second / 60
)

// PulseOpacity maps a halo radius to its opacity.
func PulseOpacity(radius float64) float64 {
	return 0.4 - ((radius-PulseMinRadius)/(PulseMaxRadius-PulseMinRadius))*0.3
}

// Pulse drives the pulsing halo from its own goroutine. Stop joins it.
type Pulse struct {
	interval time.Duration
	apply    func(radius, opacity float64)

	mu     sync.Mutex
	radius float64
	dir    float64

	stop    chan struct{}
	done    chan struct{}
	started bool
	once    sync.Once
}

func NewPulse(interval time.Duration, apply func(radius, opacity float64)) *Pulse {
	if interval <= 0 {
		interval = PulseInterval
	}
	return &Pulse{
		interval: interval,
		apply:    apply,
		radius:   PulseMinRadius,
		dir:      1,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Step advances one frame and returns the new radius and opacity.
func (p *Pulse) Step() (float64, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.radius += PulseStep * p.dir
	if p.radius >= PulseMaxRadius {
		p.radius = PulseMaxRadius
		p.dir = -1
	} else if p.radius <= PulseMinRadius {
		p.radius = PulseMinRadius
		p.dir = 1
	}
	return p.radius, PulseOpacity(p.radius)
}

// Start launches the frame loop. Calling it twice has no effect.
func (p *Pulse) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				// stop wins over a tick that raced it
				select {
				case <-p.stop:
					return
				default:
				}
				p.apply(p.Step())
			}
		}
	}()
}

// Stop halts the loop and waits for the goroutine to exit. No apply call
// happens after Stop returns.
func (p *Pulse) Stop() {
	p.once.Do(func() {
		close(p.stop)
	})
	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if started {
		<-p.done
	}
}

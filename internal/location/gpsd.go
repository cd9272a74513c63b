package location

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/terrascout/fieldmap/pkg/core"
)

const (
	watchCommand = `?WATCH={"enable":true,"json":true};` + "\n"

	// below this ground speed the reported track is noise
	minHeadingSpeed = 0.5
)

var _ Source = (*GPSD)(nil)

// report is the subset of gpsd's JSON reports we read.
type report struct {
	Class   string   `json:"class"`
	Mode    int      `json:"mode"`
	Time    string   `json:"time"`
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
	Eph     *float64 `json:"eph"`
	Epx     *float64 `json:"epx"`
	Epy     *float64 `json:"epy"`
	Track   *float64 `json:"track"`
	Speed   *float64 `json:"speed"`
	Message string   `json:"message"`
}

// fix converts a TPV report. Reports without a 2D fix are rejected.
func (r report) fix(now time.Time) (core.PositionFix, bool) {
	if r.Class != "TPV" || r.Mode < 2 || r.Lat == nil || r.Lon == nil {
		return core.PositionFix{}, false
	}
	f := core.PositionFix{Latitude: *r.Lat, Longitude: *r.Lon, CapturedAt: now}
	if t, err := time.Parse(time.RFC3339Nano, r.Time); err == nil {
		f.CapturedAt = t
	}
	switch {
	case r.Eph != nil:
		f.AccuracyMeters = core.Float64(*r.Eph)
	case r.Epx != nil && r.Epy != nil:
		f.AccuracyMeters = core.Float64(max(*r.Epx, *r.Epy))
	}
	if r.Track != nil && r.Speed != nil && *r.Speed >= minHeadingSpeed {
		f.HeadingDegrees = core.Float64(*r.Track)
	}
	return f, true
}

// GPSD reads fixes from a gpsd daemon. Addresses are host:port for TCP or
// unix:/path for the daemon's local socket.
type GPSD struct {
	addr   string
	logger *slog.Logger
	dialer net.Dialer
	now    func() time.Time

	mu      sync.Mutex
	current *core.PositionFix
	cancel  context.CancelFunc
	done    chan struct{}
	fixed   chan struct{} // closed on the first fix of a run
}

type GPSDOption func(*GPSD)

func WithLogger(l *slog.Logger) GPSDOption {
	return func(g *GPSD) { g.logger = l }
}

func NewGPSD(addr string, opts ...GPSDOption) *GPSD {
	g := &GPSD{addr: addr, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *GPSD) dial(ctx context.Context) (net.Conn, error) {
	network, addr := "tcp", g.addr
	if path, ok := strings.CutPrefix(g.addr, "unix:"); ok {
		network, addr = "unix", path
	}
	conn, err := g.dialer.DialContext(ctx, network, addr)
	if err != nil {
		if errors.Is(err, os.ErrPermission) {
			return nil, fmt.Errorf("connect to gpsd at %s: %w", g.addr, ErrPermissionDenied)
		}
		return nil, fmt.Errorf("connect to gpsd at %s: %w: %v", g.addr, ErrFixUnavailable, err)
	}
	if _, err := conn.Write([]byte(watchCommand)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable gpsd watch: %w", err)
	}
	return conn, nil
}

// readFixes calls fn for every fix on conn until fn returns false, the
// connection fails or ctx ends.
func (g *GPSD) readFixes(ctx context.Context, conn net.Conn, fn func(core.PositionFix) bool) error {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var r report
		if err := json.Unmarshal(scanner.Bytes(), &r); err != nil {
			g.logger.Debug("ignoring malformed gpsd report", "error", err)
			continue
		}
		if r.Class == "ERROR" {
			if strings.Contains(strings.ToLower(r.Message), "permission") {
				return fmt.Errorf("gpsd: %s: %w", r.Message, ErrPermissionDenied)
			}
			g.logger.Warn("gpsd reported an error", "message", r.Message)
			continue
		}
		fix, ok := r.fix(g.now())
		if !ok {
			continue
		}
		g.mu.Lock()
		g.current = &fix
		g.mu.Unlock()
		if !fn(fix) {
			return nil
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read gpsd: %w", err)
	}
	return nil
}

func (g *GPSD) Start(ctx context.Context, opts Options) (<-chan core.PositionFix, error) {
	g.mu.Lock()
	if g.cancel != nil {
		g.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.done = make(chan struct{})
	g.fixed = make(chan struct{})
	done, fixed := g.done, g.fixed
	g.mu.Unlock()

	conn, err := g.dial(ctx)
	if err != nil {
		g.reset(cancel, done)
		close(done)
		return nil, err
	}

	out := make(chan core.PositionFix, 1)
	throttle := NewThrottle(opts)
	go func() {
		defer close(done)
		defer close(out)
		defer conn.Close()

		var once sync.Once
		err := g.readFixes(ctx, conn, func(fix core.PositionFix) bool {
			once.Do(func() { close(fixed) })
			if !throttle.Accept(fix) {
				return true
			}
			select {
			case out <- fix:
				return true
			case <-ctx.Done():
				return false
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			g.logger.Warn("gpsd stream ended", "error", err)
		}
		g.reset(cancel, done)
	}()
	return out, nil
}

// reset clears the run state unless a newer run replaced it.
func (g *GPSD) reset(cancel context.CancelFunc, done chan struct{}) {
	cancel()
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.done == done {
		g.cancel = nil
	}
}

func (g *GPSD) Stop() {
	g.mu.Lock()
	cancel, done := g.cancel, g.done
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (g *GPSD) CurrentFix(ctx context.Context) (core.PositionFix, error) {
	g.mu.Lock()
	current, running, fixed, done := g.current, g.cancel != nil, g.fixed, g.done
	g.mu.Unlock()
	if current != nil {
		return *current, nil
	}

	if running {
		select {
		case <-fixed:
			g.mu.Lock()
			defer g.mu.Unlock()
			if g.current != nil {
				return *g.current, nil
			}
			return core.PositionFix{}, ErrFixUnavailable
		case <-done:
			return core.PositionFix{}, ErrFixUnavailable
		case <-ctx.Done():
			return core.PositionFix{}, fmt.Errorf("%w: %v", ErrFixUnavailable, ctx.Err())
		}
	}

	// one-shot read on a private connection
	conn, err := g.dial(ctx)
	if err != nil {
		return core.PositionFix{}, err
	}
	defer conn.Close()
	var got *core.PositionFix
	err = g.readFixes(ctx, conn, func(fix core.PositionFix) bool {
		got = &fix
		return false
	})
	if got != nil {
		return *got, nil
	}
	switch {
	case err == nil:
		return core.PositionFix{}, ErrFixUnavailable
	case errors.Is(err, ErrPermissionDenied):
		return core.PositionFix{}, err
	}
	return core.PositionFix{}, fmt.Errorf("%w: %v", ErrFixUnavailable, err)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"

	"github.com/terrascout/fieldmap/internal/config"
	"github.com/terrascout/fieldmap/internal/influx"
	"github.com/terrascout/fieldmap/internal/logging"
	"github.com/terrascout/fieldmap/internal/metrics"
	intOtel "github.com/terrascout/fieldmap/internal/otel"
	"github.com/terrascout/fieldmap/internal/remote"
	"github.com/terrascout/fieldmap/internal/remote/couch"
	"github.com/terrascout/fieldmap/internal/remote/drive"
	remotemem "github.com/terrascout/fieldmap/internal/remote/memory"
	"github.com/terrascout/fieldmap/internal/storage"
	"github.com/terrascout/fieldmap/internal/storage/factory"
	"github.com/terrascout/fieldmap/internal/syncer"
)

const appName = "fieldmap"

// app holds the services shared by every command.
type app struct {
	slogs   *logging.SlogManager
	logger  *slog.Logger
	zlog    zerolog.Logger
	logFile *os.File

	// context attributes for log records, set once the screen exists
	logContext atomic.Pointer[logging.ContextProvider]

	otel    *intOtel.Provider
	metrics *metrics.Registry
	influx  *influx.Manager

	store  storage.Store
	files  remote.FileService
	engine *syncer.Engine

	closers []func() error
}

// newApp sets up logging and telemetry. fileLog also writes a session log
// into logsDir.
func newApp(fileLog bool) (*app, error) {
	a := &app{slogs: logging.NewSlogManager(), metrics: metrics.New()}
	level := viper.GetString("logLevel")

	a.zlog = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(zerologLevel(level)).
		With().Timestamp().Logger()

	var extra []slog.Handler
	if gl := config.GetGraylogConfig(); gl.Enabled {
		h, err := logging.NewGELFHandler(gl.Address, gl.Facility, level)
		if err != nil {
			fmt.Fprintln(os.Stderr, "Graylog disabled:", err)
		} else {
			extra = append(extra, h)
		}
	}

	if fileLog {
		f, err := logging.OpenLogFile(viper.GetString("logsDir"), appName, time.Now())
		if err != nil {
			return nil, err
		}
		a.logFile = f
		// console and file both get records
		extra = append(extra, slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	if a.logFile != nil {
		a.slogs.Setup(a.logFile, level, extra...)
	} else {
		a.slogs.Setup(nil, level, extra...)
	}
	a.logger = slog.New(logging.NewContextHandler(a.slogs.Logger().Handler(), func() []slog.Attr {
		if p := a.logContext.Load(); p != nil {
			return (*p)()
		}
		return nil
	}))
	slog.SetDefault(a.logger)

	oc := config.GetOTelConfig()
	p, err := intOtel.New(intOtel.Config{
		Enabled:        oc.Enabled,
		ServiceName:    oc.ServiceName,
		ExportInterval: oc.ExportInterval,
	})
	if err != nil {
		a.logger.Error("Failed to initialize OTel provider", "error", err)
	} else {
		a.otel = p
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return p.Shutdown(ctx)
		})
	}
	return a, nil
}

func zerologLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(level)
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// setLogContext adds fn's attributes to every following record.
func (a *app) setLogContext(fn logging.ContextProvider) {
	a.logContext.Store(&fn)
}

func (a *app) openStore() error {
	cfg := config.GetStorageConfig()
	st, err := factory.NewStore(cfg, a.zlog)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Type, err)
	}
	if err := st.Init(context.Background()); err != nil {
		_ = st.Close()
		return fmt.Errorf("init store: %w", err)
	}
	a.store = st
	a.closers = append(a.closers, st.Close)
	a.logger.Info("Overlay store ready", "type", cfg.Type)
	return nil
}

// connectInflux starts the sync statistics reporter when enabled.
func (a *app) connectInflux(ctx context.Context) {
	cfg := config.GetInfluxConfig()
	if !cfg.Enabled {
		return
	}
	host, _ := os.Hostname()
	backup := filepath.Join(viper.GetString("logsDir"), appName+".influx.gz")
	m := influx.NewManager(a.zlog, backup, host)
	if err := m.Connect(ctx, cfg); err != nil {
		a.logger.Warn("InfluxDB reporting disabled", "error", err)
		return
	}
	a.influx = m
	a.closers = append(a.closers, m.Close)
}

// openSync builds the remote file service and the sync engine. The session
// is the stored sign-in for drive, and a static local credential for the
// memory and couch services.
func (a *app) openSync(ctx context.Context, opts ...syncer.Option) error {
	cfg := config.GetSyncConfig()

	var session *remote.Session
	switch cfg.Remote {
	case "drive":
		tok, err := remote.LoadToken(cfg.Drive.TokenFile)
		switch {
		case err == nil:
			if session, err = remote.NewSession(tok); err != nil {
				a.logger.Warn("Stored sign-in is unusable", "error", err)
			}
		case errors.Is(err, os.ErrNotExist):
			a.logger.Info("Not signed in", "tokenFile", cfg.Drive.TokenFile)
		default:
			a.logger.Warn("Failed to read stored sign-in", "error", err)
		}
		oc := drive.OAuthConfig(cfg.Drive.ClientID, cfg.Drive.ClientSecret)
		client := oauth2.NewClient(ctx, &engineTokens{ctx: ctx, app: a, cfg: oc})
		a.files = drive.New(client, cfg.Folder, drive.WithBaseURL(cfg.Drive.BaseURL), drive.WithLogger(a.logger))
	case "couch":
		svc, err := couch.New(cfg.Couch.URL, cfg.Couch.Database, a.logger)
		if err != nil {
			return fmt.Errorf("connect couch: %w", err)
		}
		a.files = svc
		a.closers = append(a.closers, svc.Close)
		session = localSession()
	case "memory", "":
		a.files = remotemem.New()
		session = localSession()
	default:
		return fmt.Errorf("unknown sync remote: %s", cfg.Remote)
	}

	observers := []syncer.Observer{a.metrics}
	if a.influx != nil {
		observers = append(observers, a.influx)
	}
	opts = append([]syncer.Option{
		syncer.WithLogger(a.logger),
		syncer.WithObserver(observers...),
	}, opts...)
	a.engine = syncer.NewEngine(a.store, a.files, session, opts...)
	return nil
}

// localSession authorizes services that do not use OAuth.
func localSession() *remote.Session {
	s, _ := remote.NewSession(&oauth2.Token{AccessToken: "local"})
	return s
}

// engineTokens serves the engine's current session so a new sign-in takes
// effect without rebuilding the drive client.
type engineTokens struct {
	ctx context.Context
	app *app
	cfg *oauth2.Config
}

func (t *engineTokens) Token() (*oauth2.Token, error) {
	if t.app.engine == nil {
		return nil, remote.ErrAuthExpired
	}
	s := t.app.engine.Session()
	if s == nil {
		return nil, remote.ErrAuthExpired
	}
	return s.TokenSource(t.ctx, t.cfg).Token()
}

// signIn runs the OAuth device flow and stores the token for later runs.
func (a *app) signIn(ctx context.Context) (*remote.Session, error) {
	cfg := config.GetSyncConfig()
	if cfg.Remote != "drive" {
		return localSession(), nil
	}
	oc := drive.OAuthConfig(cfg.Drive.ClientID, cfg.Drive.ClientSecret)
	resp, err := oc.DeviceAuth(ctx)
	if err != nil {
		return nil, fmt.Errorf("start device sign-in: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Open %s and enter code %s\n", resp.VerificationURI, resp.UserCode)
	tok, err := oc.DeviceAccessToken(ctx, resp)
	if err != nil {
		return nil, fmt.Errorf("device sign-in: %w", err)
	}
	if err := remote.SaveToken(cfg.Drive.TokenFile, tok); err != nil {
		a.logger.Warn("Failed to store sign-in", "error", err)
	}
	return remote.NewSession(tok)
}

// forgetSignIn removes the stored token.
func (a *app) forgetSignIn() {
	cfg := config.GetSyncConfig()
	if cfg.Remote != "drive" {
		return
	}
	if err := os.Remove(cfg.Drive.TokenFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		a.logger.Warn("Failed to remove stored sign-in", "error", err)
	}
}

// Close releases everything in reverse order of opening.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Close failed", "error", err)
		}
	}
	a.closers = nil
	_ = a.slogs.Close()
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

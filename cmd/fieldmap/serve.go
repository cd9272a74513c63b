package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrascout/fieldmap/internal/config"
	"github.com/terrascout/fieldmap/internal/location"
	"github.com/terrascout/fieldmap/internal/mapcontrol"
	"github.com/terrascout/fieldmap/internal/mapcontrol/bridge"
	"github.com/terrascout/fieldmap/internal/mapcontrol/style"
	"github.com/terrascout/fieldmap/internal/screen"
	"github.com/terrascout/fieldmap/internal/syncer"
	"github.com/terrascout/fieldmap/pkg/core"
)

func newServeCmd() *cobra.Command {
	var syncInterval time.Duration
	var baseURL string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the map screen with its HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), baseURL, syncInterval)
		},
	}
	cmd.Flags().String("renderer", "inprocess", "map control variant (inprocess, bridged)")
	cmd.Flags().String("address", ":8080", "HTTP listen address")
	cmd.Flags().String("import-dir", "", "folder watched for new .pmtiles archives")
	cmd.Flags().String("location", "none", "position source (gpsd, replay, none)")
	cmd.Flags().String("remote", "memory", "sync remote (memory, drive, couch)")
	cmd.Flags().StringVar(&baseURL, "public-url", "", "URL map clients use to reach this server")
	cmd.Flags().DurationVar(&syncInterval, "sync-interval", 0, "run a sync pass this often (0 disables)")
	return cmd
}

// mapSide is the map control chosen for serve plus what the HTTP surface
// needs from it.
type mapSide struct {
	ctrl     mapcontrol.Control
	renderer *style.Renderer
	// views delivers bridge connections when the map runs in a separate view
	views chan bridge.Transport
}

func runServe(ctx context.Context, baseURL string, syncInterval time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.openStore(); err != nil {
		return err
	}
	a.connectInflux(ctx)

	srvCfg := config.GetServerConfig()
	if baseURL == "" {
		baseURL = publicURL(srvCfg.Address)
	}
	side, err := a.buildMap(config.GetBridgeConfig(), core.ParseTileSource(srvCfg.TileSource), baseURL)
	if err != nil {
		return err
	}
	defer side.ctrl.Dispose()

	if err := a.openSync(ctx, syncer.WithSink(side.ctrl)); err != nil {
		return err
	}

	opts := []screen.Option{
		screen.WithLogger(a.logger),
		screen.WithSync(a.engine),
		screen.WithSignIn(a.signIn, a.forgetSignIn),
	}
	src, locOpts, err := location.NewSource(config.GetLocationConfig(), a.logger)
	if err != nil {
		return err
	}
	opts = append(opts, screen.WithLocation(src, locOpts))

	scr := screen.New(a.store, side.ctrl, opts...)
	a.setLogContext(scr.LogContext)
	if err := scr.Start(ctx); err != nil {
		return err
	}
	defer scr.Stop()

	rt := routes{
		store:    a.store,
		renderer: side.renderer,
		metrics:  a.metrics.Handler(),
		logger:   a.logger,
		status: func() map[string]any {
			return map[string]any{
				"map":    side.ctrl.State().String(),
				"screen": scr.Status(),
				"sync":   string(a.engine.Status()),
			}
		},
	}
	if side.views != nil {
		rt.bridge = func(t bridge.Transport) {
			select {
			case side.views <- t:
			default:
				a.logger.Warn("A map view is already connected")
				_ = t.Close()
			}
		}
	}

	srv := &http.Server{
		Addr:              srvCfg.Address,
		Handler:           newRouter(rt, srvCfg.AllowedOrigins),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("Listening", "address", srvCfg.Address, "publicUrl", baseURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.initMap(ctx, side)
	}()

	if srvCfg.ImportDir != "" {
		if err := a.watchImports(ctx, scr, srvCfg.ImportDir); err != nil {
			a.logger.Error("Import folder disabled", "dir", srvCfg.ImportDir, "error", err)
		}
	}
	if syncInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			periodicSync(ctx, scr, syncInterval)
		}()
	}

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}

	a.logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		a.logger.Warn("HTTP shutdown", "error", serr)
	}
	stop()
	wg.Wait()
	return err
}

// buildMap creates the configured map control. The bridged control talks
// to one view on /bridge at a time; a view connecting after the current one
// left takes over.
func (a *app) buildMap(cfg config.BridgeConfig, source core.TileSource, baseURL string) (*mapSide, error) {
	switch cfg.Renderer {
	case "inprocess", "":
		r := style.NewRenderer(mapcontrol.BaseStyle(source))
		ctrl := mapcontrol.NewInProcess(r, &mapcontrol.URLResolver{Payloads: a.payload},
			mapcontrol.WithLogger(a.logger),
			mapcontrol.WithTileSource(source),
			mapcontrol.WithTileURL(tileURL(baseURL)))
		return &mapSide{ctrl: ctrl, renderer: r}, nil
	case "bridged":
		views := make(chan bridge.Transport, 1)
		ctrl := bridge.NewControl(bridge.Deferred(views),
			bridge.WithLogger(a.logger),
			bridge.WithResponseTimeout(cfg.ResponseTimeout),
			bridge.WithMetrics(a.metrics))
		return &mapSide{ctrl: ctrl, views: views}, nil
	}
	return nil, fmt.Errorf("unknown renderer: %s", cfg.Renderer)
}

func (a *app) payload(ctx context.Context, id string) ([]byte, error) {
	o, err := a.store.GetOverlay(ctx, id)
	if err != nil {
		return nil, err
	}
	return o.Data, nil
}

// initMap brings the map up. A bridged map waits for its view.
func (a *app) initMap(ctx context.Context, side *mapSide) {
	if side.views != nil {
		a.logger.Info("Waiting for a map view on /bridge")
	}
	if err := side.ctrl.Init(ctx); err != nil {
		if ctx.Err() == nil {
			a.logger.Error("Map failed to start", "error", err)
		}
		return
	}
	side.ctrl.SetTileSource(core.ParseTileSource(config.GetServerConfig().TileSource))
}

func (a *app) watchImports(ctx context.Context, scr *screen.Controller, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	// wait for the map so imported overlays are shown
	go func() {
		select {
		case <-scr.Restored():
		case <-ctx.Done():
			return
		}
		report, err := scr.ImportDir(ctx, dir)
		if err != nil {
			a.logger.Error("Initial import failed", "dir", dir, "error", err)
			return
		}
		a.logger.Info("Initial import", "imported", len(report.Imported), "skipped", len(report.Skipped), "failed", len(report.Failed))
	}()
	_, err := scr.WatchDir(ctx, dir, screen.DefaultSettle)
	return err
}

func periodicSync(ctx context.Context, scr *screen.Controller, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			_, _ = scr.Sync(ctx)
		}
	}
}

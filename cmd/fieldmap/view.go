package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/terrascout/fieldmap/internal/config"
	"github.com/terrascout/fieldmap/internal/location"
	"github.com/terrascout/fieldmap/internal/logging"
	"github.com/terrascout/fieldmap/internal/mapcontrol"
	"github.com/terrascout/fieldmap/internal/mapcontrol/bridge"
	"github.com/terrascout/fieldmap/internal/mapcontrol/style"
	"github.com/terrascout/fieldmap/pkg/core"
)

func newViewCmd() *cobra.Command {
	var server, listen string
	cmd := &cobra.Command{
		Use:   "view",
		Short: "Run an isolated map view driven by a bridged server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runView(cmd.Context(), server, listen)
		},
	}
	cmd.Flags().StringVar(&server, "server", "http://localhost:8080", "URL of the fieldmap server")
	cmd.Flags().StringVar(&listen, "listen", ":8081", "address serving the view's style")
	cmd.Flags().String("location", "none", "position source reported to the server (gpsd, replay, none)")
	return cmd
}

func runView(ctx context.Context, server, listen string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(false)
	if err != nil {
		return err
	}
	defer a.Close()

	server = strings.TrimRight(server, "/")
	source := core.ParseTileSource(config.GetServerConfig().TileSource)
	r := style.NewRenderer(mapcontrol.BaseStyle(source))
	view := mapcontrol.NewInProcess(r, &mapcontrol.URLResolver{Payloads: remotePayload(server)},
		mapcontrol.WithLogger(a.logger),
		mapcontrol.WithTileSource(source),
		mapcontrol.WithTileURL(tileURL(server)))
	defer view.Dispose()

	host, err := bridge.NewHost(ctx, view, logging.NewDispatcherLogger(a.zlog, "bridge-host"), a.logger)
	if err != nil {
		return err
	}
	t, err := bridge.Dial(bridgeURL(server), nil, a.logger)
	if err != nil {
		return fmt.Errorf("connect to %s: %w", server, err)
	}
	defer t.Close()

	if err := view.Init(ctx); err != nil {
		return err
	}
	go host.Run(ctx)

	src, locOpts, err := location.NewSource(config.GetLocationConfig(), a.logger)
	if err != nil {
		return err
	}
	if fixes, err := src.Start(ctx, locOpts); err != nil {
		a.logger.Warn("No position reports", "error", err)
	} else {
		defer src.Stop()
		go func() {
			for fix := range fixes {
				view.ReportPosition(fix)
			}
		}()
	}

	srv := &http.Server{
		Addr:              listen,
		Handler:           newRouter(routes{renderer: r, logger: a.logger}, []string{"*"}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Style server stopped", "error", err)
		}
	}()
	defer srv.Close()

	a.logger.Info("Map view running", "server", server, "style", publicURL(listen)+"/style.json")
	host.Serve(ctx, t)
	return nil
}

// bridgeURL turns the server's http URL into its websocket endpoint.
func bridgeURL(server string) string {
	u, err := url.Parse(server)
	if err != nil {
		return server + "/bridge"
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/bridge"
	return u.String()
}

// remotePayload loads overlay archives from the server's /overlays endpoint.
func remotePayload(server string) mapcontrol.PayloadLoader {
	return func(ctx context.Context, id string) ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, server+"/overlays/"+url.PathEscape(id), nil)
		if err != nil {
			return nil, err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("overlay %q: status %d", id, resp.StatusCode)
		}
		return io.ReadAll(resp.Body)
	}
}

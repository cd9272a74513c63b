package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
	ws "github.com/gorilla/websocket"
	"github.com/rs/cors"

	"github.com/terrascout/fieldmap/internal/mapcontrol"
	"github.com/terrascout/fieldmap/internal/mapcontrol/bridge"
	"github.com/terrascout/fieldmap/internal/mapcontrol/style"
	"github.com/terrascout/fieldmap/internal/storage"
)

const pmtilesContentType = "application/vnd.pmtiles"

// routes collects what the HTTP surface serves. Nil fields disable their
// endpoint.
type routes struct {
	store    storage.Store
	renderer *style.Renderer
	metrics  http.Handler
	status   func() map[string]any
	// bridge receives every accepted view connection
	bridge func(t bridge.Transport)
	logger *slog.Logger
}

func newRouter(rt routes, allowedOrigins []string) http.Handler {
	if rt.logger == nil {
		rt.logger = slog.Default()
	}
	r := mux.NewRouter()
	r.HandleFunc("/health", rt.health).Methods(http.MethodGet)
	if rt.metrics != nil {
		r.Handle("/metrics", rt.metrics).Methods(http.MethodGet)
	}
	r.HandleFunc("/style.json", rt.style).Methods(http.MethodGet)
	r.HandleFunc("/overlays/{id}", rt.overlay).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/bridge", rt.bridgeConn)

	c := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Range", "Content-Type"},
		ExposedHeaders: []string{"Content-Range", "Content-Length", "ETag"},
	})
	return c.Handler(r)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (rt routes) health(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{"status": "ok"}
	if rt.status != nil {
		for k, v := range rt.status() {
			body[k] = v
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func (rt routes) style(w http.ResponseWriter, _ *http.Request) {
	if rt.renderer == nil {
		http.Error(w, "style is rendered by the map view", http.StatusNotFound)
		return
	}
	data, err := rt.renderer.MarshalJSON()
	if err != nil {
		rt.logger.Error("Failed to encode style", "error", err)
		http.Error(w, "style unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}

// overlay serves the stored archive. Range requests are honored since map
// clients read PMTiles in slices.
func (rt routes) overlay(w http.ResponseWriter, r *http.Request) {
	if rt.store == nil {
		http.NotFound(w, r)
		return
	}
	id := mux.Vars(r)["id"]
	o, err := rt.store.GetOverlay(r.Context(), id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.NotFound(w, r)
		return
	case err != nil:
		rt.logger.Error("Failed to load overlay", "id", id, "error", err)
		http.Error(w, "overlay unavailable", http.StatusInternalServerError)
		return
	}
	if o.SourceURL != "" {
		http.Redirect(w, r, o.SourceURL, http.StatusTemporaryRedirect)
		return
	}
	w.Header().Set("Content-Type", pmtilesContentType)
	http.ServeContent(w, r, id+".pmtiles", o.CreatedAt, bytes.NewReader(o.Data))
}

var upgrader = ws.Upgrader{
	// origins are checked by the cors layer
	CheckOrigin: func(*http.Request) bool { return true },
}

func (rt routes) bridgeConn(w http.ResponseWriter, r *http.Request) {
	if rt.bridge == nil {
		http.Error(w, "bridge is not enabled", http.StatusNotFound)
		return
	}
	t, err := bridge.Accept(w, r, &upgrader, rt.logger)
	if err != nil {
		rt.logger.Warn("Bridge connection failed", "error", err)
		return
	}
	rt.logger.Info("Map view connected", "remote", r.RemoteAddr)
	rt.bridge(t)
}

// tileURL points map sources for stored overlays at the /overlays endpoint
// of baseURL. Other sources are read by the client directly.
func tileURL(baseURL string) func(id, sourceURL string) string {
	base := strings.TrimRight(baseURL, "/")
	return func(id, sourceURL string) string {
		if strings.HasPrefix(sourceURL, mapcontrol.OverlayScheme+"://") {
			return "pmtiles://" + base + "/overlays/" + url.PathEscape(id)
		}
		return "pmtiles://" + sourceURL
	}
}

// publicURL derives a browsable URL from a listen address like ":8080".
func publicURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

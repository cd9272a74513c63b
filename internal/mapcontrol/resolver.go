package mapcontrol

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/terrascout/fieldmap/internal/pmtiles"
)

// OverlayScheme addresses payloads held by the overlay store.
const OverlayScheme = "overlay"

// HeaderResolver fetches the archive header behind an overlay source URL.
type HeaderResolver interface {
	ResolveHeader(ctx context.Context, sourceURL string) (pmtiles.Header, error)
}

// PayloadLoader returns the stored payload of an overlay.
type PayloadLoader func(ctx context.Context, id string) ([]byte, error)

// URLResolver reads headers from overlay://, file:// or plain paths, and
// http(s) URLs with a range request.
type URLResolver struct {
	Payloads PayloadLoader
	Client   *http.Client
}

// OverlayURL builds the overlay:// reference for a stored overlay.
func OverlayURL(id string) string {
	return OverlayScheme + "://" + url.PathEscape(id)
}

func (r *URLResolver) ResolveHeader(ctx context.Context, sourceURL string) (pmtiles.Header, error) {
	u, err := url.Parse(sourceURL)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// bare path, including windows drive letters
		return readFileHeader(sourceURL)
	}

	switch u.Scheme {
	case OverlayScheme:
		if r.Payloads == nil {
			return pmtiles.Header{}, fmt.Errorf("no payload loader for %s", sourceURL)
		}
		id, err := url.PathUnescape(strings.TrimPrefix(sourceURL, OverlayScheme+"://"))
		if err != nil {
			return pmtiles.Header{}, fmt.Errorf("overlay url %q: %w", sourceURL, err)
		}
		data, err := r.Payloads(ctx, id)
		if err != nil {
			return pmtiles.Header{}, err
		}
		return pmtiles.ReadHeader(bytes.NewReader(data))
	case "file":
		return readFileHeader(u.Path)
	case "http", "https":
		return r.fetchHeader(ctx, sourceURL)
	}
	return pmtiles.Header{}, fmt.Errorf("unsupported overlay url scheme %q", u.Scheme)
}

func readFileHeader(path string) (pmtiles.Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return pmtiles.Header{}, err
	}
	defer f.Close()
	return pmtiles.ReadHeader(f)
}

func (r *URLResolver) fetchHeader(ctx context.Context, sourceURL string) (pmtiles.Header, error) {
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return pmtiles.Header{}, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=0-%d", pmtiles.HeaderLen-1))

	resp, err := client.Do(req)
	if err != nil {
		return pmtiles.Header{}, fmt.Errorf("fetch header: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return pmtiles.Header{}, fmt.Errorf("fetch header: status %d", resp.StatusCode)
	}
	buf, err := io.ReadAll(io.LimitReader(resp.Body, pmtiles.HeaderLen))
	if err != nil {
		return pmtiles.Header{}, fmt.Errorf("fetch header: %w", err)
	}
	return pmtiles.ParseHeader(buf)
}

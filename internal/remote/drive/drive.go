// Package drive implements remote.FileService against the Google Drive v3
// REST API. All objects live in one folder that is created on first use.
package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/terrascout/fieldmap/internal/remote"
	"golang.org/x/oauth2"
)

var _ remote.FileService = (*Service)(nil)

const (
	DefaultBaseURL = "https://www.googleapis.com"
	folderMimeType = "application/vnd.google-apps.folder"
	fileFields     = "nextPageToken,files(id,name,size,modifiedTime)"

	// Scope limits the app to files it created.
	Scope = "https://www.googleapis.com/auth/drive.file"
)

// Endpoint is Google's OAuth 2.0 endpoint, device flow included.
var Endpoint = oauth2.Endpoint{
	AuthURL:       "https://accounts.google.com/o/oauth2/auth",
	TokenURL:      "https://oauth2.googleapis.com/token",
	DeviceAuthURL: "https://oauth2.googleapis.com/device/code",
	AuthStyle:     oauth2.AuthStyleInParams,
}

// OAuthConfig builds the client configuration used for sign-in and refresh.
func OAuthConfig(clientID, clientSecret string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     Endpoint,
		Scopes:       []string{Scope, "openid", "email"},
	}
}

// Service talks to Drive through an authorized HTTP client.
type Service struct {
	client  *http.Client
	baseURL string
	folder  string
	logger  *slog.Logger

	mu       sync.Mutex
	folderID string
}

// Option configures a Service.
type Option func(*Service)

// WithBaseURL points the service at another endpoint, e.g. a test server.
func WithBaseURL(u string) Option {
	return func(s *Service) { s.baseURL = strings.TrimRight(u, "/") }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// New creates a service using client for every request. Pass the client
// returned by oauth2.NewClient so requests carry the session token.
func New(client *http.Client, folder string, opts ...Option) *Service {
	s := &Service{
		client:  client,
		baseURL: DefaultBaseURL,
		folder:  folder,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewWithSession builds the authorized client from a session.
func NewWithSession(ctx context.Context, session *remote.Session, cfg *oauth2.Config, folder string, opts ...Option) *Service {
	client := oauth2.NewClient(ctx, session.TokenSource(ctx, cfg))
	return New(client, folder, opts...)
}

type driveFile struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	Size         string `json:"size"`
	ModifiedTime string `json:"modifiedTime"`
}

func (f driveFile) toRemote() remote.File {
	var size int64
	fmt.Sscan(f.Size, &size)
	mod, _ := time.Parse(time.RFC3339, f.ModifiedTime)
	return remote.File{ID: f.ID, Name: f.Name, Size: size, ModifiedTime: mod}
}

type fileList struct {
	NextPageToken string      `json:"nextPageToken"`
	Files         []driveFile `json:"files"`
}

// statusError maps Drive HTTP statuses onto remote errors.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %w (%d)", op, remote.ErrAuthExpired, resp.StatusCode)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, remote.ErrNotFound)
	default:
		return fmt.Errorf("%s: drive returned %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// do sends req and decodes a JSON body into out when out is not nil.
func (s *Service) do(req *http.Request, op string, out any) error {
	resp, err := s.client.Do(req)
	if err != nil {
		// token refresh failures surface as transport errors
		if errors.Is(err, remote.ErrAuthExpired) {
			return fmt.Errorf("%s: %w", op, remote.ErrAuthExpired)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", op, err)
	}
	return nil
}

func quote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", `\'`) + "'"
}

// folderRef finds or creates the app folder, caching its id.
func (s *Service) folderRef(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.folderID != "" {
		return s.folderID, nil
	}

	q := url.Values{}
	q.Set("q", fmt.Sprintf("name = %s and mimeType = %s and trashed = false", quote(s.folder), quote(folderMimeType)))
	q.Set("fields", "files(id,name)")
	q.Set("spaces", "drive")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/drive/v3/files?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	var found fileList
	if err := s.do(req, "find folder", &found); err != nil {
		return "", err
	}
	if len(found.Files) > 0 {
		s.folderID = found.Files[0].ID
		return s.folderID, nil
	}

	body, _ := json.Marshal(map[string]any{"name": s.folder, "mimeType": folderMimeType})
	req, err = http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/drive/v3/files?fields=id", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	var created driveFile
	if err := s.do(req, "create folder", &created); err != nil {
		return "", err
	}
	s.logger.Info("created remote folder", "name", s.folder, "id", created.ID)
	s.folderID = created.ID
	return s.folderID, nil
}

func (s *Service) ListFiles(ctx context.Context) ([]remote.File, error) {
	folderID, err := s.folderRef(ctx)
	if err != nil {
		return nil, err
	}

	var files []remote.File
	pageToken := ""
	for {
		q := url.Values{}
		q.Set("q", fmt.Sprintf("%s in parents and trashed = false", quote(folderID)))
		q.Set("fields", fileFields)
		q.Set("pageSize", "1000")
		if pageToken != "" {
			q.Set("pageToken", pageToken)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/drive/v3/files?"+q.Encode(), nil)
		if err != nil {
			return nil, err
		}
		var page fileList
		if err := s.do(req, "list files", &page); err != nil {
			return nil, err
		}
		for _, f := range page.Files {
			files = append(files, f.toRemote())
		}
		if page.NextPageToken == "" {
			return files, nil
		}
		pageToken = page.NextPageToken
	}
}

// Upload creates a file with a multipart request, or replaces the media of existingID.
func (s *Service) Upload(ctx context.Context, name string, data []byte, existingID string) (string, error) {
	if existingID != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
			s.baseURL+"/upload/drive/v3/files/"+url.PathEscape(existingID)+"?uploadType=media&fields=id",
			bytes.NewReader(data))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", contentType(name))
		var updated driveFile
		if err := s.do(req, "update "+name, &updated); err != nil {
			return "", err
		}
		return updated.ID, nil
	}

	folderID, err := s.folderRef(ctx)
	if err != nil {
		return "", err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	meta, _ := json.Marshal(map[string]any{"name": name, "parents": []string{folderID}})

	metaHeader := textproto.MIMEHeader{}
	metaHeader.Set("Content-Type", "application/json; charset=UTF-8")
	part, err := mw.CreatePart(metaHeader)
	if err != nil {
		return "", err
	}
	part.Write(meta)

	mediaHeader := textproto.MIMEHeader{}
	mediaHeader.Set("Content-Type", contentType(name))
	part, err = mw.CreatePart(mediaHeader)
	if err != nil {
		return "", err
	}
	part.Write(data)
	if err := mw.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/upload/drive/v3/files?uploadType=multipart&fields=id", &body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "multipart/related; boundary="+mw.Boundary())
	var created driveFile
	if err := s.do(req, "upload "+name, &created); err != nil {
		return "", err
	}
	return created.ID, nil
}

func (s *Service) Download(ctx context.Context, id string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.baseURL+"/drive/v3/files/"+url.PathEscape(id)+"?alt=media", nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", id, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, statusError("download "+id, resp)
	}
	return io.ReadAll(resp.Body)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		s.baseURL+"/drive/v3/files/"+url.PathEscape(id), nil)
	if err != nil {
		return err
	}
	return s.do(req, "delete "+id, nil)
}

func contentType(name string) string {
	if strings.HasSuffix(name, ".json") {
		return "application/json"
	}
	return "application/octet-stream"
}

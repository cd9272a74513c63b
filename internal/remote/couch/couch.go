// Package couch implements remote.FileService on CouchDB. Each remote file is
// one document carrying its bytes; the configured database is the folder.
package couch

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb" // The CouchDB driver
	"github.com/google/uuid"
	"github.com/terrascout/fieldmap/internal/remote"
)

var _ remote.FileService = (*Service)(nil)

const docPrefix = "file:"

// fileDoc is the stored document. Data is base64 encoded by encoding/json.
type fileDoc struct {
	ID       string    `json:"_id"`
	Rev      string    `json:"_rev,omitempty"`
	Type     string    `json:"type"`
	Name     string    `json:"name"`
	Size     int64     `json:"size"`
	Modified time.Time `json:"modified_at"`
	Data     []byte    `json:"data"`
}

// Service stores files in one CouchDB database.
type Service struct {
	client *kivik.Client
	dbName string
	logger *slog.Logger

	mu    sync.Mutex
	ready bool
}

// New connects to the server at url. The database is created on first use.
func New(url, dbName string, logger *slog.Logger) (*Service, error) {
	client, err := kivik.New("couch", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CouchDB: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{client: client, dbName: dbName, logger: logger}, nil
}

// Close releases the client.
func (s *Service) Close() error {
	return s.client.Close()
}

func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	switch kivik.HTTPStatus(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %w: %v", op, remote.ErrAuthExpired, err)
	case http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, remote.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// db returns the handle, creating the database the first time.
func (s *Service) db(ctx context.Context) (*kivik.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		exists, err := s.client.DBExists(ctx, s.dbName)
		if err != nil {
			return nil, mapErr("check database", err)
		}
		if !exists {
			if err := s.client.CreateDB(ctx, s.dbName); err != nil && kivik.HTTPStatus(err) != http.StatusPreconditionFailed {
				return nil, mapErr("create database", err)
			}
			s.logger.Info("created remote database", "name", s.dbName)
		}
		s.ready = true
	}
	return s.client.DB(s.dbName), nil
}

func (s *Service) ListFiles(ctx context.Context) ([]remote.File, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}

	rows := db.AllDocs(ctx, kivik.Params(map[string]interface{}{
		"include_docs": true,
		"startkey":     docPrefix,
		"endkey":       docPrefix + "\ufff0",
	}))
	defer rows.Close()

	var files []remote.File
	for rows.Next() {
		var doc fileDoc
		if err := rows.ScanDoc(&doc); err != nil {
			s.logger.Warn("skipping unreadable document", "error", err)
			continue
		}
		files = append(files, remote.File{ID: doc.ID, Name: doc.Name, Size: doc.Size, ModifiedTime: doc.Modified})
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("list files", err)
	}
	return files, nil
}

func (s *Service) Upload(ctx context.Context, name string, data []byte, existingID string) (string, error) {
	db, err := s.db(ctx)
	if err != nil {
		return "", err
	}

	doc := fileDoc{
		ID:       existingID,
		Type:     "file",
		Name:     name,
		Size:     int64(len(data)),
		Modified: time.Now().UTC(),
		Data:     data,
	}
	if existingID != "" {
		rev, err := db.GetRev(ctx, existingID)
		if err != nil {
			return "", mapErr("upload "+name, err)
		}
		doc.Rev = rev
	} else {
		doc.ID = docPrefix + uuid.NewString()
	}

	if _, err := db.Put(ctx, doc.ID, doc); err != nil {
		return "", mapErr("upload "+name, err)
	}
	return doc.ID, nil
}

func (s *Service) Download(ctx context.Context, id string) ([]byte, error) {
	db, err := s.db(ctx)
	if err != nil {
		return nil, err
	}
	var doc fileDoc
	if err := db.Get(ctx, id).ScanDoc(&doc); err != nil {
		return nil, mapErr("download "+id, err)
	}
	return doc.Data, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	db, err := s.db(ctx)
	if err != nil {
		return err
	}
	rev, err := db.GetRev(ctx, id)
	if err != nil {
		return mapErr("delete "+id, err)
	}
	_, err = db.Delete(ctx, id, rev)
	return mapErr("delete "+id, err)
}

// Package memory is an in-process remote.FileService for tests and offline demos.
// Every call is recorded so tests can assert on ordering.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/terrascout/fieldmap/internal/remote"
)

var _ remote.FileService = (*Service)(nil)

// Op names a recorded call.
type Op string

const (
	OpList     Op = "list"
	OpUpload   Op = "upload"
	OpDownload Op = "download"
	OpDelete   Op = "delete"
)

// Call is one recorded invocation. Seq increases across all calls.
type Call struct {
	Seq  int
	Op   Op
	ID   string
	Name string
	Err  error
}

type object struct {
	file remote.File
	data []byte
}

// Service stores objects in a map.
type Service struct {
	mu       sync.Mutex
	objects  map[string]*object
	calls    []Call
	failures map[Op]map[string]error
	authErr  bool
	now      func() time.Time
}

// New creates an empty service.
func New() *Service {
	return &Service{
		objects:  make(map[string]*object),
		failures: make(map[Op]map[string]error),
		now:      time.Now,
	}
}

// Seed stores an object directly, bypassing the call log.
func (s *Service) Seed(name string, data []byte) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := uuid.NewString()
	s.objects[id] = &object{
		file: remote.File{ID: id, Name: name, Size: int64(len(data)), ModifiedTime: s.now().UTC()},
		data: append([]byte(nil), data...),
	}
	return id
}

// FailOn makes op fail with err for the object named or identified by key.
// An empty key matches every call of op.
func (s *Service) FailOn(op Op, key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failures[op] == nil {
		s.failures[op] = make(map[string]error)
	}
	s.failures[op][key] = err
}

// ExpireAuth makes every following call fail with remote.ErrAuthExpired.
func (s *Service) ExpireAuth() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authErr = true
}

// Calls returns a copy of the call log.
func (s *Service) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// CallsOf filters the call log by op.
func (s *Service) CallsOf(op Op) []Call {
	var out []Call
	for _, c := range s.Calls() {
		if c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

// Names lists the stored object names, sorted.
func (s *Service) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.objects))
	for _, o := range s.objects {
		names = append(names, o.file.Name)
	}
	sort.Strings(names)
	return names
}

// Content returns the bytes of the object called name.
func (s *Service) Content(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, o := range s.objects {
		if o.file.Name == name {
			return append([]byte(nil), o.data...), true
		}
	}
	return nil, false
}

// record appends to the call log and returns the injected failure, if any.
// Callers hold s.mu.
func (s *Service) record(op Op, id, name string) error {
	var err error
	switch {
	case s.authErr:
		err = remote.ErrAuthExpired
	default:
		if f := s.failures[op]; f != nil {
			if e, ok := f[name]; ok && name != "" {
				err = e
			} else if e, ok := f[id]; ok && id != "" {
				err = e
			} else if e, ok := f[""]; ok {
				err = e
			}
		}
	}
	s.calls = append(s.calls, Call{Seq: len(s.calls) + 1, Op: op, ID: id, Name: name, Err: err})
	return err
}

func (s *Service) ListFiles(ctx context.Context) ([]remote.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpList, "", ""); err != nil {
		return nil, err
	}
	files := make([]remote.File, 0, len(s.objects))
	for _, o := range s.objects {
		files = append(files, o.file)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	return files, nil
}

func (s *Service) Upload(ctx context.Context, name string, data []byte, existingID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record(OpUpload, existingID, name); err != nil {
		return "", err
	}

	id := existingID
	if id != "" {
		if _, ok := s.objects[id]; !ok {
			return "", fmt.Errorf("upload %s: %w", id, remote.ErrNotFound)
		}
	} else {
		id = uuid.NewString()
	}
	s.objects[id] = &object{
		file: remote.File{ID: id, Name: name, Size: int64(len(data)), ModifiedTime: s.now().UTC()},
		data: append([]byte(nil), data...),
	}
	return id, nil
}

func (s *Service) Download(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	name := ""
	if o, ok := s.objects[id]; ok {
		name = o.file.Name
	}
	if err := s.record(OpDownload, id, name); err != nil {
		return nil, err
	}
	o, ok := s.objects[id]
	if !ok {
		return nil, fmt.Errorf("download %s: %w", id, remote.ErrNotFound)
	}
	return append([]byte(nil), o.data...), nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	name := ""
	if o, ok := s.objects[id]; ok {
		name = o.file.Name
	}
	if err := s.record(OpDelete, id, name); err != nil {
		return err
	}
	if _, ok := s.objects[id]; !ok {
		return fmt.Errorf("delete %s: %w", id, remote.ErrNotFound)
	}
	delete(s.objects, id)
	return nil
}

package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// FileStore keeps the manifest as a JSON document on local disk. Writes are
// serialised by an in-process mutex, so a FileStore suits single-process runs
// only; distributed workers should share a SQL backend.
type FileStore struct {
	path string
	mu   sync.Mutex
	options
}

type fileDocument struct {
	Table   string            `json:"table"`
	Entries map[string]*Entry `json:"entries"`
}

// NewFileStore returns a store backed by the JSON file at path.
func NewFileStore(path string, opts ...Option) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("manifest file backend requires a path")
	}
	return &FileStore{path: path, options: buildOptions(opts)}, nil
}

func (s *FileStore) read() (*fileDocument, error) {
	doc := &fileDocument{Table: s.table, Entries: map[string]*Entry{}}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("error reading manifest file %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("error decoding manifest file %s: %w", s.path, err)
	}
	if doc.Entries == nil {
		doc.Entries = map[string]*Entry{}
	}
	return doc, nil
}

func (s *FileStore) write(doc *fileDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("error encoding manifest: %w", err)
	}
	return writeAtomic(s.path, data)
}

// EnsureSchema implements Store.
func (s *FileStore) EnsureSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := os.Stat(s.path); err == nil {
		_, err := s.read()
		return err
	}
	return s.write(&fileDocument{Table: s.table, Entries: map[string]*Entry{}})
}

// GetStatus implements Store.
func (s *FileStore) GetStatus(ctx context.Context, table string) (Status, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return "", false, err
	}
	e, ok := doc.Entries[table]
	if !ok {
		return "", false, nil
	}

	now := s.clock()
	if !e.stale(now, s.staleAfter) {
		return e.Status, true, nil
	}

	s.log.WithFields(logrus.Fields{
		"table":        table,
		"status":       e.Status,
		"updated_time": e.UpdatedTime,
	}).Warn("manifest entry is stale, marking failed")

	e.apply(e.staleUpdate(s.staleAfter), now)
	if err := s.write(doc); err != nil {
		return "", false, err
	}
	return StatusFailed, true, nil
}

// GetLastPoint implements Store.
func (s *FileStore) GetLastPoint(ctx context.Context, table string) (Point, bool, error) {
	e, err := s.Get(ctx, table)
	if errors.Is(err, ErrNotFound) {
		return Point{}, false, nil
	}
	if err != nil {
		return Point{}, false, err
	}
	if !e.LastPoint.Valid {
		return Point{}, false, nil
	}
	return Point{Value: e.LastPoint.String, Type: e.ValueType.String}, true, nil
}

// Upsert implements Store.
func (s *FileStore) Upsert(ctx context.Context, u Update) (Outcome, error) {
	if err := u.validate(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return 0, err
	}

	now := s.clock()
	outcome := Updated
	if e, ok := doc.Entries[u.TableName]; ok {
		e.apply(u, now)
	} else {
		ne := newEntry(u, now)
		doc.Entries[u.TableName] = &ne
		outcome = Inserted
	}
	if err := s.write(doc); err != nil {
		return 0, err
	}
	return outcome, nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, table string) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	e, ok := doc.Entries[table]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// List implements Store.
func (s *FileStore) List(ctx context.Context) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.read()
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(doc.Entries))
	for _, e := range doc.Entries {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].TableName < entries[j].TableName })
	return entries, nil
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

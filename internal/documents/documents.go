// Package documents stores label PDFs and merges them.
package documents

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pdfcpu/pdfcpu/pkg/api"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("document not found")

// Store holds label documents by file name.
type Store interface {
	Put(ctx context.Context, name string, data []byte) error
	// PutFromURL downloads url and stores the body under name.
	PutFromURL(ctx context.Context, name, url string) error
	Delete(ctx context.Context, names ...string) error
	// Merge concatenates inputs, in order, into out.
	Merge(ctx context.Context, out string, inputs []string) error
	Exists(name string) bool
	Path(name string) string
	URL(name string) string
}

// FileStore keeps documents in a directory served under baseURL.
type FileStore struct {
	dir        string
	baseURL    string
	httpClient *http.Client
}

// NewFileStore creates a FileStore rooted at dir, creating it if needed.
func NewFileStore(dir, baseURL string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating document dir: %w", err)
	}
	return &FileStore{
		dir:        dir,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// Path implements Store.
func (s *FileStore) Path(name string) string {
	return filepath.Join(s.dir, filepath.Base(name))
}

// URL implements Store.
func (s *FileStore) URL(name string) string {
	return s.baseURL + "/" + filepath.Base(name)
}

// Exists implements Store.
func (s *FileStore) Exists(name string) bool {
	_, err := os.Stat(s.Path(name))
	return err == nil
}

// Put implements Store.
func (s *FileStore) Put(_ context.Context, name string, data []byte) error {
	if err := os.WriteFile(s.Path(name), data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}

// PutFromURL implements Store.
func (s *FileStore) PutFromURL(ctx context.Context, name, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: HTTP %d", name, resp.StatusCode)
	}

	f, err := os.Create(s.Path(name))
	if err != nil {
		return fmt.Errorf("creating %s: %w", name, err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return f.Close()
}

// Delete implements Store. Missing files are ignored.
func (s *FileStore) Delete(_ context.Context, names ...string) error {
	for _, name := range names {
		if err := os.Remove(s.Path(name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("deleting %s: %w", name, err)
		}
	}
	return nil
}

// Merge implements Store.
func (s *FileStore) Merge(_ context.Context, out string, inputs []string) error {
	if len(inputs) == 0 {
		return errors.New("merge needs at least one input")
	}
	paths := make([]string, len(inputs))
	for i, in := range inputs {
		paths[i] = s.Path(in)
		if !s.Exists(in) {
			return fmt.Errorf("%s: %w", in, ErrNotFound)
		}
	}
	if err := api.MergeCreateFile(paths, s.Path(out), false, nil); err != nil {
		_ = os.Remove(s.Path(out))
		return fmt.Errorf("merging into %s: %w", out, err)
	}
	return nil
}

// MemoryStore keeps documents in memory. Merge concatenates the inputs.
type MemoryStore struct {
	// FailMerge, when set, is consulted before every merge.
	FailMerge func(out string, inputs []string) error

	mu   sync.Mutex
	docs map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string][]byte)}
}

// Path implements Store.
func (s *MemoryStore) Path(name string) string {
	return "mem://" + name
}

// URL implements Store.
func (s *MemoryStore) URL(name string) string {
	return "https://labels.test/" + name
}

// Exists implements Store.
func (s *MemoryStore) Exists(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.docs[name]
	return ok
}

// Get returns the stored content of name.
func (s *MemoryStore) Get(name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.docs[name]
	return b, ok
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[name] = append([]byte(nil), data...)
	return nil
}

// PutFromURL implements Store. The URL itself becomes the content.
func (s *MemoryStore) PutFromURL(ctx context.Context, name, url string) error {
	return s.Put(ctx, name, []byte(url))
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, names ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range names {
		delete(s.docs, n)
	}
	return nil
}

// Merge implements Store.
func (s *MemoryStore) Merge(_ context.Context, out string, inputs []string) error {
	if s.FailMerge != nil {
		if err := s.FailMerge(out, inputs); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var buf bytes.Buffer
	for _, in := range inputs {
		b, ok := s.docs[in]
		if !ok {
			return fmt.Errorf("%s: %w", in, ErrNotFound)
		}
		buf.Write(b)
	}
	s.docs[out] = buf.Bytes()
	return nil
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*MemoryStore)(nil)
)

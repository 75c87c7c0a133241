package resources

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Resource is one stored entry. Fields beyond the fixed set live in Data.
type Resource struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Created time.Time      `json:"created"`
	Updated time.Time      `json:"updated"`
	Data    map[string]any `json:"data,omitempty"`
}

type cacheEntry struct {
	resource  *Resource
	expiresAt time.Time
}

func (e *cacheEntry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// Store holds typed resources in a bounded LRU cache with TTL expiry. An
// optional directory root serves files as resources of type "file"; a
// watcher invalidates cached entries when the underlying file changes, so
// the next read observes the new content.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *cacheEntry]
	types map[string]int

	ttl     time.Duration
	dir     string
	watcher *fsnotify.Watcher
	log     *slog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the slog logger.
func WithStoreLogger(log *slog.Logger) StoreOption {
	return func(s *Store) { s.log = log }
}

// WithTTL bounds how long an entry stays readable without a write. Zero
// means no expiry.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) { s.ttl = ttl }
}

// WithDir serves files under root as resources of type "file", keyed by
// their relative path, and watches the directory for changes.
func WithDir(root string) StoreOption {
	return func(s *Store) { s.dir = root }
}

// NewStore builds a store bounded at maxItems entries.
func NewStore(maxItems int, opts ...StoreOption) (*Store, error) {
	if maxItems <= 0 {
		maxItems = 1024
	}
	cache, err := lru.New[string, *cacheEntry](maxItems)
	if err != nil {
		return nil, fmt.Errorf("create resource cache: %w", err)
	}

	s := &Store{
		cache: cache,
		types: make(map[string]int),
		log:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if s.dir != "" {
		if err := s.startWatcher(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Close stops the directory watcher, if any.
func (s *Store) Close() error {
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func key(resourceType, resourceID string) string {
	return resourceType + "/" + resourceID
}

// Create stores a new resource of the given type and returns it with a
// generated id.
func (s *Store) Create(resourceType string, data map[string]any) *Resource {
	now := time.Now().UTC()
	r := &Resource{
		ID:      uuid.NewString(),
		Type:    resourceType,
		Created: now,
		Updated: now,
		Data:    data,
	}

	s.mu.Lock()
	s.addLocked(r)
	s.mu.Unlock()

	s.log.Info("resource.create", slog.String("key", key(r.Type, r.ID)))
	return r
}

// Get retrieves a resource, falling back to the directory root for type
// "file". Expired cache entries read as absent.
func (s *Store) Get(resourceType, resourceID string) (*Resource, error) {
	s.mu.Lock()
	entry, ok := s.cache.Get(key(resourceType, resourceID))
	if ok && entry.expired() {
		s.removeLocked(resourceType, resourceID)
		ok = false
	}
	s.mu.Unlock()

	if ok {
		return entry.resource, nil
	}
	if resourceType == "file" && s.dir != "" {
		return s.loadFile(resourceID)
	}
	return nil, fmt.Errorf("resource %s not found", key(resourceType, resourceID))
}

// Update merges data into an existing resource and bumps Updated.
func (s *Store) Update(resourceType, resourceID string, data map[string]any) (*Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.cache.Get(key(resourceType, resourceID))
	if !ok || entry.expired() {
		return nil, fmt.Errorf("resource %s not found", key(resourceType, resourceID))
	}
	r := entry.resource
	if r.Data == nil {
		r.Data = make(map[string]any, len(data))
	}
	for k, v := range data {
		r.Data[k] = v
	}
	r.Updated = time.Now().UTC()
	s.addLocked(r)
	return r, nil
}

// Delete removes a resource, reporting whether it existed.
func (s *Store) Delete(resourceType, resourceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache.Get(key(resourceType, resourceID)); !ok {
		return false
	}
	s.removeLocked(resourceType, resourceID)
	return true
}

// List returns resources, optionally filtered by type, with limit/offset
// paging. Results are ordered by key for stable pages.
func (s *Store) List(resourceType string, limit, offset int) []*Resource {
	if limit <= 0 {
		limit = 100
	}

	s.mu.Lock()
	keys := s.cache.Keys()
	all := make([]*Resource, 0, len(keys))
	for _, k := range keys {
		entry, ok := s.cache.Peek(k)
		if !ok || entry.expired() {
			continue
		}
		if resourceType != "" && entry.resource.Type != resourceType {
			continue
		}
		all = append(all, entry.resource)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		return key(all[i].Type, all[i].ID) < key(all[j].Type, all[j].ID)
	})
	if offset >= len(all) {
		return nil
	}
	all = all[offset:]
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

// Types returns the set of resource types with live entries.
func (s *Store) Types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.types))
	for t := range s.types {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (s *Store) addLocked(r *Resource) {
	var expires time.Time
	if s.ttl > 0 {
		expires = time.Now().Add(s.ttl)
	}
	if _, existed := s.cache.Peek(key(r.Type, r.ID)); !existed {
		s.types[r.Type]++
	}
	s.cache.Add(key(r.Type, r.ID), &cacheEntry{resource: r, expiresAt: expires})
}

func (s *Store) removeLocked(resourceType, resourceID string) {
	if s.cache.Remove(key(resourceType, resourceID)) {
		s.types[resourceType]--
		if s.types[resourceType] <= 0 {
			delete(s.types, resourceType)
		}
	}
}

// loadFile reads a file under the directory root into a "file" resource and
// caches it. Paths are confined to the root.
func (s *Store) loadFile(rel string) (*Resource, error) {
	clean := filepath.Clean(filepath.FromSlash(rel))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return nil, fmt.Errorf("file path %q escapes resource root", rel)
	}

	abs := filepath.Join(s.dir, clean)
	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return nil, fmt.Errorf("resource file/%s not found", rel)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("read resource file %s: %w", rel, err)
	}

	now := time.Now().UTC()
	r := &Resource{
		ID:      filepath.ToSlash(clean),
		Type:    "file",
		Created: info.ModTime().UTC(),
		Updated: now,
		Data: map[string]any{
			"content": string(content),
			"size":    info.Size(),
		},
	}

	s.mu.Lock()
	s.addLocked(r)
	s.mu.Unlock()
	return r, nil
}

func (s *Store) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create resource watcher: %w", err)
	}
	if err := w.Add(s.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch resource dir %s: %w", s.dir, err)
	}
	s.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create) == 0 {
					continue
				}
				rel, err := filepath.Rel(s.dir, ev.Name)
				if err != nil {
					continue
				}
				s.mu.Lock()
				s.removeLocked("file", filepath.ToSlash(rel))
				s.mu.Unlock()
				s.log.Debug("resource.file.invalidate", slog.String("path", rel))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("resource.watch.err", slog.String("err", err.Error()))
			}
		}
	}()
	return nil
}

// Package fdcache caches open object files. Cached files are reference counted so a file evicted
// from the cache stays open until the last user released it.
package fdcache

import (
	"fmt"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Handle is a reference to a cached file.
type Handle struct {
	file *os.File

	mu      sync.Mutex
	refs    int
	evicted bool
	err     error
}

// File returns the open file.
func (h *Handle) File() *os.File {
	return h.file
}

func (h *Handle) ref() {
	h.mu.Lock()
	h.refs++
	h.mu.Unlock()
}

// unref drops a reference and closes the file if it was the last one of an evicted handle.
func (h *Handle) unref() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.refs--
	if h.refs < 0 {
		panic("fdcache: handle released more often than referenced")
	}
	return h.closeIfUnusedLocked()
}

func (h *Handle) evict() {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.evicted = true
	h.err = h.closeIfUnusedLocked()
}

func (h *Handle) closeIfUnusedLocked() error {
	if !h.evicted || h.refs > 0 || h.file == nil {
		return nil
	}

	err := h.file.Close()
	h.file = nil
	return err
}

// Cache is a bounded cache of open files keyed by object.
type Cache struct {
	mu    sync.Mutex
	files *lru.Cache[string, *Handle]
}

// New returns a cache holding at most size files open.
func New(size int) (*Cache, error) {
	files, err := lru.NewWithEvict[string, *Handle](size, func(_ string, h *Handle) {
		h.evict()
	})
	if err != nil {
		return nil, fmt.Errorf("new lru: %w", err)
	}

	return &Cache{files: files}, nil
}

// Lookup returns a referenced handle of the cached file. The handle must be released with
// Release.
func (c *Cache) Lookup(key string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	h, ok := c.files.Get(key)
	if !ok {
		return nil, false
	}

	h.ref()
	return h, true
}

// Add caches the file and returns a referenced handle of it. If another file is cached for the
// key already, file is closed and the cached one is returned.
func (c *Cache) Add(key string, file *os.File) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.files.Get(key); ok {
		h.ref()
		if err := file.Close(); err != nil {
			return h, fmt.Errorf("close duplicate: %w", err)
		}
		return h, nil
	}

	h := &Handle{file: file, refs: 1}
	c.files.Add(key, h)
	return h, nil
}

// Release releases a handle returned by Lookup or Add.
func (c *Cache) Release(h *Handle) error {
	return h.unref()
}

// Clear drops the cached file of the key. It is called when the object is removed or renamed.
func (c *Cache) Clear(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.files.Remove(key)
}

// Len returns the number of cached files.
func (c *Cache) Len() int {
	return c.files.Len()
}

// Purge drops every cached file.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.files.Purge()
}

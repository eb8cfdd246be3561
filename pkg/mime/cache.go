package mime

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"
)

// DefaultMemoryThreshold is the number of bytes a Cache keeps in memory
// before spilling to a temporary file.
const DefaultMemoryThreshold = 1 << 20

// ErrCacheReleased is returned when a released cache is used
var ErrCacheReleased = errors.New("cache already released")

// CacheConfig controls where and when caches spill to disk
type CacheConfig struct {
	// MemoryThreshold is the in-memory size limit. Zero means DefaultMemoryThreshold.
	MemoryThreshold int64
	// TempDir is the spill directory. Empty means os.TempDir().
	TempDir string
}

// Cache buffers a byte stream in memory up to a threshold and in a
// temporary file beyond it. The SHA-256 digest of the content is computed
// while writing.
type Cache struct {
	cfg  CacheConfig
	buf  bytes.Buffer
	file *os.File
	size int64
	hash hash.Hash

	releaseOnce sync.Once
	released    bool
	releaseErr  error
}

// NewCache creates an empty cache
func NewCache(cfg CacheConfig) *Cache {
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = DefaultMemoryThreshold
	}
	return &Cache{cfg: cfg, hash: sha256.New()}
}

// Write appends p to the cache, spilling to disk once the threshold is crossed
func (c *Cache) Write(p []byte) (int, error) {
	if c.released {
		return 0, ErrCacheReleased
	}
	if c.file == nil && c.size+int64(len(p)) > c.cfg.MemoryThreshold {
		if err := c.spill(); err != nil {
			return 0, err
		}
	}

	var n int
	var err error
	if c.file != nil {
		n, err = c.file.Write(p)
	} else {
		n, err = c.buf.Write(p)
	}
	c.hash.Write(p[:n])
	c.size += int64(n)
	return n, err
}

// ReadFrom fills the cache from r
func (c *Cache) ReadFrom(r io.Reader) (int64, error) {
	return io.Copy(struct{ io.Writer }{c}, r)
}

func (c *Cache) spill() error {
	f, err := os.CreateTemp(c.cfg.TempDir, "secgw-cache-*")
	if err != nil {
		return fmt.Errorf("failed to create spill file: %w", err)
	}
	if _, err := f.Write(c.buf.Bytes()); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("failed to write spill file: %w", err)
	}
	c.file = f
	c.buf = bytes.Buffer{}
	return nil
}

// Size returns the number of cached bytes
func (c *Cache) Size() int64 {
	return c.size
}

// OnDisk reports whether the content was spilled to a temporary file
func (c *Cache) OnDisk() bool {
	return c.file != nil
}

// Digest returns the SHA-256 digest of the cached content
func (c *Cache) Digest() []byte {
	return c.hash.Sum(nil)
}

// Open returns a reader over the cached content. Each call starts at the
// beginning of the content.
func (c *Cache) Open() (io.ReadCloser, error) {
	if c.released {
		return nil, ErrCacheReleased
	}
	if c.file == nil {
		return io.NopCloser(bytes.NewReader(c.buf.Bytes())), nil
	}
	f, err := os.Open(c.file.Name())
	if err != nil {
		return nil, fmt.Errorf("failed to open spill file: %w", err)
	}
	return f, nil
}

// Bytes returns the whole content. Intended for small caches only.
func (c *Cache) Bytes() ([]byte, error) {
	if c.released {
		return nil, ErrCacheReleased
	}
	if c.file == nil {
		return bytes.Clone(c.buf.Bytes()), nil
	}
	return os.ReadFile(c.file.Name())
}

// WriteTo copies the cached content to w
func (c *Cache) WriteTo(w io.Writer) (int64, error) {
	r, err := c.Open()
	if err != nil {
		return 0, err
	}
	defer r.Close()
	return io.Copy(w, r)
}

// Release frees the memory buffer and removes any spill file. Only the
// first call has an effect.
func (c *Cache) Release() error {
	c.releaseOnce.Do(func() {
		c.released = true
		c.buf = bytes.Buffer{}
		if c.file != nil {
			name := c.file.Name()
			if err := c.file.Close(); err != nil {
				c.releaseErr = err
			}
			if err := os.Remove(name); err != nil && c.releaseErr == nil {
				c.releaseErr = err
			}
		}
	})
	return c.releaseErr
}

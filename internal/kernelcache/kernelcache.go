// Package kernelcache suppresses duplicate kernel compiles by content hash.
package kernelcache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"hash"
	"maps"
	"slices"
	"sync"
)

// Hash identifies a kernel binary.
type Hash [sha256.Size]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

// Short is the prefix used in logs and build directory names.
func (h Hash) Short() string { return hex.EncodeToString(h[:8]) }

// KernelKey is everything that changes the compiled binary.
type KernelKey struct {
	Source      string
	Engine      string
	CompileArgs []uint32
	Defines     map[string]string
	Fidelity    string
	FP32DestAcc bool
	MathApprox  bool
}

// HashKernel digests a key. Defines are hashed in sorted key order so map
// iteration order never changes the result. Every variable-length field is
// length-prefixed.
func HashKernel(k KernelKey) Hash {
	d := sha256.New()
	writeString(d, k.Source)
	writeString(d, k.Engine)

	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], uint64(len(k.CompileArgs)))
	d.Write(word[:])
	for _, a := range k.CompileArgs {
		binary.LittleEndian.PutUint32(word[:4], a)
		d.Write(word[:4])
	}

	keys := slices.Sorted(maps.Keys(k.Defines))
	binary.LittleEndian.PutUint64(word[:], uint64(len(keys)))
	d.Write(word[:])
	for _, name := range keys {
		writeString(d, name)
		writeString(d, k.Defines[name])
	}

	writeString(d, k.Fidelity)
	var flags byte
	if k.FP32DestAcc {
		flags |= 1
	}
	if k.MathApprox {
		flags |= 2
	}
	d.Write([]byte{flags})

	var h Hash
	d.Sum(h[:0])
	return h
}

func writeString(d hash.Hash, s string) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(s)))
	d.Write(n[:])
	d.Write([]byte(s))
}

// Cache records which hashes have been compiled. It grows without bound and
// never evicts; Clear is the only way to drop entries. The zero value is not
// usable, construct one with New and pass it to whoever compiles.
type Cache struct {
	mu      sync.Mutex
	entries map[Hash]*entry
}

// entry is a hash that is compiled or being compiled. done is closed once
// the owning build returns; err is only read after that.
type entry struct {
	done chan struct{}
	err  error
}

var ready = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func New() *Cache {
	return &Cache{entries: make(map[Hash]*entry)}
}

// Exists reports whether h is compiled or currently compiling.
func (c *Cache) Exists(h Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[h]
	return ok
}

// Add inserts h as already built and reports whether it was absent. Exactly
// one of several concurrent callers with the same hash sees true.
func (c *Cache) Add(h Hash) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[h]; ok {
		return false
	}
	c.entries[h] = &entry{done: ready}
	return true
}

// Compile runs build for h unless h is already present. The first caller
// owns the build; later callers with the same hash block until it finishes
// and get its error. A failed build is dropped so a later call retries it.
// built reports whether this caller ran build.
func (c *Cache) Compile(ctx context.Context, h Hash, build func() error) (built bool, err error) {
	c.mu.Lock()
	if e, ok := c.entries[h]; ok {
		c.mu.Unlock()
		select {
		case <-e.done:
			return false, e.err
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	e := &entry{done: make(chan struct{})}
	c.entries[h] = e
	c.mu.Unlock()

	e.err = build()
	if e.err != nil {
		c.mu.Lock()
		if c.entries[h] == e {
			delete(c.entries, h)
		}
		c.mu.Unlock()
	}
	close(e.done)
	return true, e.err
}

// Remove drops h so a failed compile can be retried by a later build.
func (c *Cache) Remove(h Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, h)
}

func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.entries)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Hashes returns the cached hashes in byte order.
func (c *Cache) Hashes() []Hash {
	c.mu.Lock()
	out := slices.Collect(maps.Keys(c.entries))
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b Hash) int {
		return slices.Compare(a[:], b[:])
	})
	return out
}

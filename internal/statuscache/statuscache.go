// Package statuscache implements the on-disk, mtime-gated status reply
// cache of spec.md §4.9, generalizing
// internal/server/done_count.go's in-memory
// mtime/size-gated cache entry (there: one rclone log's transferred-path
// count) into a spool-directory-backed cache keyed by
// (printer, format, args) and gated on the source status/control files'
// mtimes rather than a single log file's size/mtime pair.
package statuscache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lprng-go/lpspoold/internal/spool"
)

// Generator renders fresh status text for one request; the cache calls
// it only on a miss.
type Generator func() (string, error)

// index is the on-disk record of live cache slots, one line per entry:
// "key slot statusMtime controlMtime generatedAt".
type indexEntry struct {
	Key          string
	Slot         int
	StatusMTime  int64
	ControlMTime int64
	GeneratedAt  int64
}

// Cache is one queue's status-reply cache, backed by
// Lpq_status_cached slot files plus an advisory-locked index file in
// the same spool directory.
type Cache struct {
	Dir      *spool.Dir
	NumSlots int // how many Lpq_status_cached slots to rotate through
	Fresh    time.Duration // lpq_status_interval

	mu sync.Mutex
}

func (c *Cache) numSlots() int {
	if c.NumSlots <= 0 {
		return 8
	}
	return c.NumSlots
}

// Key hashes the printer name, display format, and argument tokens
// into the cache key of spec.md §4.9.
func Key(printer string, long bool, args []string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%v\x00%s", printer, long, strings.Join(args, "\x00"))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func (c *Cache) indexPath() string { return filepath.Join(c.Dir.Path, "statuscache.idx") }

// Get returns a cached reply if the cache file exists and both the
// status and control files' mtimes still match the captured values and
// the cache is younger than Fresh; otherwise it calls gen, writes the
// result into the next rotating slot, updates the index, and returns
// the freshly generated text. Per spec.md §4.9, the index file is
// protected by an advisory lock for the whole read-check-maybe-write
// sequence.
func (c *Cache) Get(key string, gen Generator) (string, error) {
	lock, ok, err := spool.TryLock(c.indexPath()+".lock", os.Getpid())
	if err != nil {
		return "", err
	}
	if !ok {
		// Another request is regenerating this queue's cache right now;
		// fall through to a direct (uncached) generation rather than
		// blocking the connection indefinitely.
		return gen()
	}
	defer lock.Unlock()

	statusMT, _ := mtime(c.Dir.StatusPath())
	controlMT, _ := mtime(c.Dir.ControlPath())

	idx, err := c.readIndex()
	if err != nil {
		return "", err
	}
	if ent, ok := idx[key]; ok {
		if ent.StatusMTime == statusMT && ent.ControlMTime == controlMT &&
			time.Since(time.Unix(ent.GeneratedAt, 0)) < c.Fresh {
			data, err := os.ReadFile(c.Dir.CachedStatusPath(ent.Slot))
			if err == nil {
				return string(data), nil
			}
			// Cache file vanished despite a fresh index entry: fall
			// through to regeneration.
		}
	}

	text, err := gen()
	if err != nil {
		return "", err
	}

	slot := c.nextSlot(idx, key)
	if err := c.Dir.AtomicWrite(relName(c.Dir.CachedStatusPath(slot)), []byte(text)); err != nil {
		return text, nil // serve the fresh text even if caching the slot failed
	}
	idx[key] = indexEntry{Key: key, Slot: slot, StatusMTime: statusMT, ControlMTime: controlMT, GeneratedAt: time.Now().Unix()}
	if err := c.writeIndex(idx); err != nil {
		return text, nil
	}
	return text, nil
}

// nextSlot picks a free slot if one exists, else the least-recently
// generated occupied slot ("replacing the oldest if full", spec.md
// §4.9).
func (c *Cache) nextSlot(idx map[string]indexEntry, forKey string) int {
	used := map[int]int64{} // slot -> generatedAt
	for _, e := range idx {
		if e.Key == forKey {
			return e.Slot // reuse this key's existing slot
		}
		used[e.Slot] = e.GeneratedAt
	}
	n := c.numSlots()
	for s := 0; s < n; s++ {
		if _, ok := used[s]; !ok {
			return s
		}
	}
	oldestSlot, oldestAt := 0, int64(1<<62)
	for s, at := range used {
		if at < oldestAt {
			oldestSlot, oldestAt = s, at
		}
	}
	return oldestSlot
}

func (c *Cache) readIndex() (map[string]indexEntry, error) {
	out := map[string]indexEntry{}
	data, err := os.ReadFile(c.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		f := strings.Fields(line)
		if len(f) != 5 {
			continue
		}
		slot, _ := strconv.Atoi(f[1])
		smt, _ := strconv.ParseInt(f[2], 10, 64)
		cmt, _ := strconv.ParseInt(f[3], 10, 64)
		gen, _ := strconv.ParseInt(f[4], 10, 64)
		out[f[0]] = indexEntry{Key: f[0], Slot: slot, StatusMTime: smt, ControlMTime: cmt, GeneratedAt: gen}
	}
	return out, nil
}

func (c *Cache) writeIndex(idx map[string]indexEntry) error {
	var b strings.Builder
	for _, e := range idx {
		fmt.Fprintf(&b, "%s %d %d %d %d\n", e.Key, e.Slot, e.StatusMTime, e.ControlMTime, e.GeneratedAt)
	}
	return os.WriteFile(c.indexPath(), []byte(b.String()), 0o640)
}

func mtime(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.ModTime().Unix(), nil
}

func relName(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return path
	}
	return path[i+1:]
}

package installer

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/openmined/modsync/internal/utils"
)

const lockRetryDelay = 100 * time.Millisecond

// Locker hands out per-mod locks. Within a process a keyed mutex serializes
// callers; across processes a lock file per mod does.
type Locker struct {
	dir string
	mu  sync.Mutex
	mus map[string]*sync.Mutex
}

func NewLocker(dir string) *Locker {
	return &Locker{dir: dir, mus: make(map[string]*sync.Mutex)}
}

func (l *Locker) mutex(modID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.mus[modID]
	if !ok {
		m = &sync.Mutex{}
		l.mus[modID] = m
	}
	return m
}

// Lock blocks until the mod's lock is held or ctx is done.
func (l *Locker) Lock(ctx context.Context, modID string) (unlock func(), err error) {
	name := modID + ".lock"
	if modID == "" || !filepath.IsLocal(name) || filepath.Base(name) != name {
		return nil, fmt.Errorf("lock mod %q: id is not a plain file name", modID)
	}
	m := l.mutex(modID)

	acquired := make(chan struct{})
	go func() {
		m.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
	case <-ctx.Done():
		go func() {
			<-acquired
			m.Unlock()
		}()
		return nil, ctx.Err()
	}

	if err := utils.EnsureDir(l.dir); err != nil {
		m.Unlock()
		return nil, fmt.Errorf("lock dir: %w", err)
	}

	fl := flock.New(filepath.Join(l.dir, name))
	locked, err := fl.TryLockContext(ctx, lockRetryDelay)
	if err != nil || !locked {
		m.Unlock()
		if err == nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("lock mod %s: %w", modID, err)
	}

	return func() {
		if err := fl.Unlock(); err != nil {
			slog.Warn("mod unlock failed", "mod", modID, "error", err)
		}
		m.Unlock()
	}, nil
}

package backup

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/semaphore"
)

// leaseGrace pads a lease past the operation timeout so a slow release does
// not hand the contract to another process early.
const leaseGrace = time.Minute

const (
	leaseCapture = "capture"
	leaseRestore = "restore"
)

// leaseStore persists per-contract leases shared by every process using the
// same catalog.
type leaseStore interface {
	AcquireLease(ctx context.Context, contractID, kind, holder string, now, until time.Time) (bool, error)
	ReleaseLease(ctx context.Context, contractID, kind, holder string) error
}

// lockTable hands out one non-blocking lock per key. A key that is already
// held is rejected rather than queued. With a leaseStore the lock also
// excludes other processes sharing the catalog.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*keyLock

	kind   string
	leases leaseStore
	holder string
	ttl    time.Duration
	clock  clock.Clock
	logger *slog.Logger
}

type keyLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*keyLock)}
}

// newLeasedLockTable backs each lock with a catalog lease of the given kind
// that expires after ttl if its holder dies without releasing it.
func newLeasedLockTable(kind string, leases leaseStore, holder string, ttl time.Duration, clk clock.Clock, logger *slog.Logger) *lockTable {
	t := newLockTable()
	t.kind = kind
	t.leases = leases
	t.holder = holder
	t.ttl = ttl
	t.clock = clk
	t.logger = logger
	return t
}

// Acquire takes key in this process and then its catalog lease. ok is false
// when either is held elsewhere. The returned release func must be called
// exactly once.
func (t *lockTable) Acquire(ctx context.Context, key string) (release func(), ok bool, err error) {
	local, ok := t.TryLock(key)
	if !ok {
		return nil, false, nil
	}
	if t.leases == nil {
		return local, true, nil
	}

	now := t.clock.Now().UTC()
	held, err := t.leases.AcquireLease(ctx, key, t.kind, t.holder, now, now.Add(t.ttl))
	if err != nil || !held {
		local()
		return nil, false, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := t.leases.ReleaseLease(context.WithoutCancel(ctx), key, t.kind, t.holder); err != nil {
				t.logger.WarnContext(ctx, "release lease failed", "contract_id", key, "kind", t.kind, "error", err)
			}
			local()
		})
	}, true, nil
}

// TryLock acquires key if it is free in this process. The returned release
// func must be called exactly once.
func (t *lockTable) TryLock(key string) (func(), bool) {
	t.mu.Lock()
	lock, ok := t.locks[key]
	if !ok {
		lock = &keyLock{sem: semaphore.NewWeighted(1)}
		t.locks[key] = lock
	}
	if !lock.sem.TryAcquire(1) {
		if lock.refs == 0 {
			delete(t.locks, key)
		}
		t.mu.Unlock()
		return nil, false
	}
	lock.refs++
	t.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			defer t.mu.Unlock()
			lock.sem.Release(1)
			lock.refs--
			if lock.refs == 0 {
				delete(t.locks, key)
			}
		})
	}, true
}

// Held reports whether key is currently locked in this process.
func (t *lockTable) Held(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.locks[key]
	return ok
}

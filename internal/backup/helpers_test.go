package backup

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock"
	"github.com/juju/clock/testclock"

	"ctbackup/internal/blobstore"
	"ctbackup/internal/models"
	"ctbackup/internal/registry"
	"ctbackup/internal/store"
)

var testStart = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type envOptions struct {
	regions []string
	wrap    func(name string, bs blobstore.BlobStore) blobstore.BlobStore
	config  func(*Config)
	clock   clock.Clock
	catalog func(store.BackupStore) store.BackupStore
	reg     func(registry.Registry) registry.Registry
	noState bool
}

type testEnv struct {
	t        *testing.T
	root     string
	cfg      Config
	svc      *Service
	catalog  *store.Store
	registry *registry.FileRegistry
	clock    clock.Clock
	cas      map[string]*blobstore.LocalCAS
	regions  *blobstore.RegionSet
	alerts   *recordingAlerter
	metrics  *Collector
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	dir := t.TempDir()

	catalog, err := store.Open(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { catalog.Close() })

	reg, err := registry.NewFileRegistry(filepath.Join(dir, "registry"))
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}

	names := opts.regions
	if len(names) == 0 {
		names = []string{"us-east", "eu-west", "ap-south"}
	}
	env := &testEnv{
		t:        t,
		root:     dir,
		catalog:  catalog,
		registry: reg,
		cas:      map[string]*blobstore.LocalCAS{},
		alerts:   &recordingAlerter{},
		metrics:  NewMetricsCollector(),
	}
	regions := make([]blobstore.Region, 0, len(names))
	for _, name := range names {
		cas, err := blobstore.NewLocalCAS(filepath.Join(dir, "regions", name))
		if err != nil {
			t.Fatalf("open region %s: %v", name, err)
		}
		env.cas[name] = cas
		var bs blobstore.BlobStore = cas
		if opts.wrap != nil {
			bs = opts.wrap(name, cas)
		}
		regions = append(regions, blobstore.Region{Name: name, Store: bs})
	}
	env.regions, err = blobstore.NewRegionSet(regions...)
	if err != nil {
		t.Fatalf("region set: %v", err)
	}

	env.clock = opts.clock
	if env.clock == nil {
		env.clock = testclock.NewClock(testStart)
	}

	cfg := DefaultConfig()
	cfg.Replication.InitialDelay = time.Millisecond
	cfg.Replication.MaxDelay = 4 * time.Millisecond
	cfg.Replication.MaxAttempts = 3
	cfg.Replication.Workers = 1
	if opts.config != nil {
		opts.config(&cfg)
	}
	env.cfg = cfg

	var bsCatalog store.BackupStore = catalog
	if opts.catalog != nil {
		bsCatalog = opts.catalog(catalog)
	}
	var live registry.Registry = reg
	if opts.reg != nil {
		live = opts.reg(reg)
	}
	var ledger registry.Ledger = reg
	if opts.noState {
		ledger = nil
	}

	env.svc, err = NewService(cfg, Deps{
		Catalog:  bsCatalog,
		Regions:  env.regions,
		Registry: live,
		Ledger:   ledger,
		Clock:    env.clock,
		Logger:   discardLogger(),
		Metrics:  env.metrics,
		Alerter:  env.alerts,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(func() {
		env.svc.Kill()
		_ = env.svc.replicator.Wait()
	})
	return env
}

// peerService opens a second service over the same catalog and regions, the
// way another ctbackup process would.
func (e *testEnv) peerService(live registry.Registry) *Service {
	e.t.Helper()
	if live == nil {
		live = e.registry
	}
	svc, err := NewService(e.cfg, Deps{
		Catalog:  e.catalog,
		Regions:  e.regions,
		Registry: live,
		Ledger:   e.registry,
		Clock:    e.clock,
		Logger:   discardLogger(),
		Metrics:  NewMetricsCollector(),
		Alerter:  &recordingAlerter{},
	})
	if err != nil {
		e.t.Fatalf("new peer service: %v", err)
	}
	e.t.Cleanup(func() {
		svc.Kill()
		_ = svc.replicator.Wait()
	})
	return svc
}

func (e *testEnv) manifestPath(id string) string {
	return filepath.Join(e.root, "registry", "manifests", id+".yaml")
}

func (e *testEnv) putManifest(id, version string) models.Manifest {
	e.t.Helper()
	manifest := models.Manifest{
		ContractID: id,
		Name:       "Contract " + id,
		Version:    version,
		Network:    "testnet",
		Schema:     map[string]string{"owner": "address"},
	}
	if err := e.registry.ApplyManifest(context.Background(), id, manifest); err != nil {
		e.t.Fatalf("apply manifest: %v", err)
	}
	return manifest
}

func (e *testEnv) advance(d time.Duration) {
	e.t.Helper()
	tc, ok := e.clock.(*testclock.Clock)
	if !ok {
		e.t.Fatal("advance needs a test clock")
	}
	tc.Advance(d)
}

func (e *testEnv) capture(id string, trigger models.BackupTrigger) *models.Backup {
	e.t.Helper()
	backup, err := e.svc.CreateBackup(context.Background(), id, CreateOptions{Trigger: trigger})
	if err != nil {
		e.t.Fatalf("create backup of %s: %v", id, err)
	}
	return backup
}

// drain waits for queued replication to finish.
func (e *testEnv) drain() {
	e.t.Helper()
	if err := e.svc.Close(); err != nil {
		e.t.Fatalf("drain replication: %v", err)
	}
}

func (e *testEnv) blobPath(region, digest string) string {
	return filepath.Join(e.cas[region].Root(), "sha256", digest[0:2], digest[2:4], digest)
}

func (e *testEnv) flipByte(region, digest string) {
	e.t.Helper()
	path := e.blobPath(region, digest)
	data, err := os.ReadFile(path)
	if err != nil {
		e.t.Fatalf("read blob: %v", err)
	}
	data[len(data)/2] ^= 0x01
	if err := os.WriteFile(path, data, 0o644); err != nil {
		e.t.Fatalf("write blob: %v", err)
	}
}

func (e *testEnv) hasBlob(region, digest string) bool {
	_, err := os.Stat(e.blobPath(region, digest))
	return err == nil
}

func (e *testEnv) liveVersion(id string) string {
	e.t.Helper()
	manifest, err := e.registry.GetManifest(context.Background(), id)
	if err != nil {
		e.t.Fatalf("get manifest: %v", err)
	}
	return manifest.Version
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []Alert
}

func (a *recordingAlerter) Alert(_ context.Context, alert Alert) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = append(a.alerts, alert)
}

func (a *recordingAlerter) kinds() []Kind {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Kind, 0, len(a.alerts))
	for _, alert := range a.alerts {
		out = append(out, alert.Kind)
	}
	return out
}

var errInjected = errors.New("injected failure")

// flakyStore fails the first failures Puts, or every Put when failures < 0.
type flakyStore struct {
	blobstore.BlobStore
	mu       sync.Mutex
	failures int
	puts     int
}

func (f *flakyStore) Put(ctx context.Context, r io.Reader) (blobstore.BlobPutResult, error) {
	f.mu.Lock()
	f.puts++
	fail := f.failures < 0 || f.puts <= f.failures
	f.mu.Unlock()
	if fail {
		return blobstore.BlobPutResult{}, errInjected
	}
	return f.BlobStore.Put(ctx, r)
}

// slowStore blocks Open until the context ends while slow is set.
type slowStore struct {
	blobstore.BlobStore
	mu   sync.Mutex
	slow bool
}

func (s *slowStore) setSlow(slow bool) {
	s.mu.Lock()
	s.slow = slow
	s.mu.Unlock()
}

func (s *slowStore) Open(ctx context.Context, digest string) (io.ReadCloser, error) {
	s.mu.Lock()
	slow := s.slow
	s.mu.Unlock()
	if slow {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return s.BlobStore.Open(ctx, digest)
}

// blockingStore parks Puts until released.
type blockingStore struct {
	blobstore.BlobStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingStore(bs blobstore.BlobStore) *blockingStore {
	return &blockingStore{BlobStore: bs, entered: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingStore) Put(ctx context.Context, r io.Reader) (blobstore.BlobPutResult, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return blobstore.BlobPutResult{}, ctx.Err()
	}
	return b.BlobStore.Put(ctx, r)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

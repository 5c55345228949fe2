package backup

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock"

	"ctbackup/internal/blobstore"
	"ctbackup/internal/models"
	"ctbackup/internal/store"
)

func newTestScheduler(t *testing.T, env *testEnv, clk clock.Clock) SchedulerConfig {
	t.Helper()
	return SchedulerConfig{
		Service:         env.svc,
		Registry:        env.registry,
		Clock:           clk,
		Logger:          discardLogger(),
		CaptureInterval: DefaultCaptureInterval,
		VerifyInterval:  DefaultVerifyInterval,
		SweepInterval:   DefaultSweepInterval,
		Parallelism:     2,
	}
}

func TestRunCaptureCycleCapturesEachContractOncePerDay(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	for _, id := range []string{"alpha", "beta", "gamma"} {
		env.putManifest(id, "1.0.0")
	}
	s := &Scheduler{cfg: newTestScheduler(t, env, env.clock)}

	report, err := s.RunCaptureCycle(context.Background())
	if err != nil {
		t.Fatalf("capture cycle: %v", err)
	}
	if report.Contracts != 3 || report.Captured != 3 || report.Failed != 0 {
		t.Fatalf("unexpected first report: %+v", report)
	}

	env.advance(time.Hour)
	report, err = s.RunCaptureCycle(context.Background())
	if err != nil {
		t.Fatalf("capture cycle: %v", err)
	}
	if report.Skipped != 3 || report.Captured != 0 {
		t.Fatalf("expected same-day skips, got %+v", report)
	}

	env.advance(day)
	report, err = s.RunCaptureCycle(context.Background())
	if err != nil {
		t.Fatalf("capture cycle: %v", err)
	}
	if report.Captured != 3 || report.Deduplicated != 3 {
		t.Fatalf("expected unchanged contracts deduplicated, got %+v", report)
	}
}

func TestSchedulerRunsCapturePassOnStart(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.putManifest("alpha", "1.0.0")
	env.putManifest("beta", "1.0.0")

	s, err := NewScheduler(newTestScheduler(t, env, clock.WallClock))
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	waitFor(t, "scheduled captures", func() bool {
		backups, err := env.catalog.ListBackups(context.Background(), store.BackupFilter{})
		return err == nil && len(backups) == 2
	})
	s.Kill()
	if err := s.Wait(); err != nil {
		t.Fatalf("scheduler exit: %v", err)
	}
}

func TestSchedulerConfigValidate(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	cfg := newTestScheduler(t, env, env.clock)
	cfg.Parallelism = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected zero parallelism to be rejected")
	}
	cfg = newTestScheduler(t, env, env.clock)
	cfg.SweepInterval = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected zero interval to be rejected")
	}
}

// parkedOpenStore blocks Open until the context ends once armed.
type parkedOpenStore struct {
	blobstore.BlobStore
	armed   atomic.Bool
	entered chan struct{}
	once    sync.Once
}

func (p *parkedOpenStore) Open(ctx context.Context, digest string) (io.ReadCloser, error) {
	if !p.armed.Load() {
		return p.BlobStore.Open(ctx, digest)
	}
	p.once.Do(func() { close(p.entered) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSchedulerCapturesWhileVerifyIsStuck(t *testing.T) {
	var primary *parkedOpenStore
	env := newTestEnv(t, envOptions{
		regions: []string{"us-east"},
		clock:   clock.WallClock,
		config:  func(cfg *Config) { cfg.VerifyTimeout = time.Minute },
		wrap: func(name string, bs blobstore.BlobStore) blobstore.BlobStore {
			primary = &parkedOpenStore{BlobStore: bs, entered: make(chan struct{})}
			return primary
		},
	})
	env.putManifest("alpha", "1.0.0")
	env.capture("alpha", models.TriggerManual)
	primary.armed.Store(true)

	cfg := newTestScheduler(t, env, clock.WallClock)
	cfg.CaptureInterval = 20 * time.Millisecond
	cfg.VerifyInterval = 10 * time.Millisecond
	s, err := NewScheduler(cfg)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	defer func() {
		s.Kill()
		if err := s.Wait(); err != nil {
			t.Errorf("scheduler exit: %v", err)
		}
	}()

	select {
	case <-primary.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("verify cycle never started")
	}

	env.putManifest("beta", "1.0.0")
	waitFor(t, "capture of beta during a stuck verify", func() bool {
		backups, err := env.catalog.ListBackups(context.Background(), store.BackupFilter{ContractID: "beta"})
		return err == nil && len(backups) == 1
	})
}

// Package supervisor owns the per-registry lifecycle spec.md §4.7
// describes: try a snapshot import, fall back to a full bootstrap, then
// hand the populated index to the realtime synchronizer. A registry that
// fails both paths is retried on a fixed tick rather than abandoned for
// good, which spec.md §4.7 calls out as an acceptable deviation from the
// source's one-shot behavior.
package supervisor

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bgp/irrcache/internal/bootstrap"
	"github.com/bgp/irrcache/internal/config"
	"github.com/bgp/irrcache/internal/metrics"
	"github.com/bgp/irrcache/internal/nrtm"
	"github.com/bgp/irrcache/internal/registry"
	"github.com/bgp/irrcache/internal/snapshot"
)

// retryTick is how long a registry that failed both snapshot import and
// bootstrap waits before the supervisor tries again.
const retryTick = 5 * time.Minute

// Supervisor owns the live set of registry indices and the goroutines
// driving each one's bootstrap-then-realtime pipeline.
type Supervisor struct {
	cfg config.Config
	log *logrus.Entry

	mu      sync.Mutex
	indices map[string]*registry.Index
}

// New returns a Supervisor for cfg. Call Run to start the per-registry
// pipelines; it blocks until ctx is cancelled.
func New(cfg config.Config, log *logrus.Entry) *Supervisor {
	return &Supervisor{
		cfg:     cfg,
		log:     log,
		indices: make(map[string]*registry.Index),
	}
}

// Run starts one pipeline goroutine per configured registry and blocks
// until ctx is cancelled. Cross-registry independence (spec.md §5) means
// a failure in one registry's pipeline never affects another's.
func (s *Supervisor) Run(ctx context.Context) {
	done := make(chan struct{}, len(s.cfg.Registries))
	for name, rc := range s.cfg.Registries {
		go func(name string, rc config.RegistryConfig) {
			s.runRegistry(ctx, name, rc)
			done <- struct{}{}
		}(name, rc)
	}
	<-ctx.Done()
	for range s.cfg.Registries {
		<-done
	}
}

// runRegistry drives one registry from cold start through realtime sync,
// retrying the acquire step on retryTick if both the snapshot and
// bootstrap paths fail.
func (s *Supervisor) runRegistry(ctx context.Context, name string, rc config.RegistryConfig) {
	log := s.log.WithField("registry", name)
	snapshotPath := filepath.Join(s.cfg.SnapshotDir, name+".tiny")

	for {
		idx, err := s.acquire(ctx, name, rc, snapshotPath, log)
		if err != nil {
			log.Warnf("supervisor: acquire failed, retrying in %s: %v", retryTick, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryTick):
				continue
			}
		}

		s.mu.Lock()
		s.indices[name] = idx
		s.mu.Unlock()
		metrics.CurrentSerial.WithLabelValues(name).Set(float64(idx.Serial()))

		if !rc.RealtimeEnabled() {
			log.Infof("supervisor: no realtime endpoint configured, serving bootstrap snapshot only")
			<-ctx.Done()
			return
		}

		synchronizer := &nrtm.Synchronizer{
			Registry:     name,
			Cfg:          rc,
			Idx:          idx,
			SnapshotPath: snapshotPath,
			Log:          s.log,
		}
		synchronizer.Run(ctx)
		return
	}
}

// acquire tries snapshot import first (fast path on restart), falling
// back to a full bootstrap per spec.md §4.7 steps 1-2.
func (s *Supervisor) acquire(ctx context.Context, name string, rc config.RegistryConfig, snapshotPath string, log *logrus.Entry) (*registry.Index, error) {
	if d, err := snapshot.ReadFile(snapshotPath, log); err == nil {
		idx := registry.New(d.Serial)
		idx.Load(d.Serial, d.Macros, d.ASNv4, d.ASNv6)
		metrics.BootstrapAttempts.WithLabelValues(name, "snapshot_import").Inc()
		log.Infof("supervisor: imported snapshot at serial %d", d.Serial)
		return idx, nil
	} else {
		log.Debugf("supervisor: snapshot import unavailable, falling back to bootstrap: %v", err)
	}

	return bootstrap.Run(ctx, rc, snapshotPath, log)
}

// Index returns the live index for name, if its pipeline has reached a
// usable state.
func (s *Supervisor) Index(name string) (*registry.Index, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.indices[name]
	return idx, ok
}

// Indices returns a snapshot of the registry-name -> index map, for the
// /dump handler's full-system view.
func (s *Supervisor) Indices() map[string]*registry.Index {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*registry.Index, len(s.indices))
	for k, v := range s.indices {
		out[k] = v
	}
	return out
}

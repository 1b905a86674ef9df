package repo

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/conary/pkg/events"
	"github.com/cuemby/conary/pkg/log"
	"github.com/cuemby/conary/pkg/metrics"
	"github.com/cuemby/conary/pkg/storage"
	"github.com/cuemby/conary/pkg/types"
)

// Outcome reports one repository's sync result.
type Outcome struct {
	Repository string
	Packages   int
	Err        error
}

// Syncer fetches and persists repository indexes.
type Syncer struct {
	store   storage.Store
	fetcher Fetcher
	broker  *events.Broker
	timeout time.Duration
}

// NewSyncer creates a Syncer. timeout bounds every individual
// repository fetch (§5's "per-operation timeout" requirement).
func NewSyncer(store storage.Store, fetcher Fetcher, broker *events.Broker, timeout time.Duration) *Syncer {
	return &Syncer{store: store, fetcher: fetcher, broker: broker, timeout: timeout}
}

// SyncAll syncs every enabled Repository concurrently, one goroutine
// per repository, each independent of the others: a slow or failing
// fetch never delays or aborts its siblings, and each writes its own
// RepositoryPackage batch under ReplaceRepositoryPackages's own short
// transaction rather than sharing one across repositories.
func (s *Syncer) SyncAll(ctx context.Context) ([]Outcome, error) {
	repositories, err := s.store.ListRepositories()
	if err != nil {
		return nil, err
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	var outcomes []Outcome

	for _, r := range repositories {
		if !r.Enabled {
			continue
		}
		wg.Add(1)
		go func(r *types.Repository) {
			defer wg.Done()
			outcome := s.syncOne(ctx, r)
			mu.Lock()
			outcomes = append(outcomes, outcome)
			mu.Unlock()
		}(r)
	}
	wg.Wait()
	return outcomes, nil
}

// SyncOne syncs a single repository by name.
func (s *Syncer) SyncOne(ctx context.Context, name string) (*Outcome, error) {
	r, err := s.store.GetRepositoryByName(name)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("repo: repository %q not found", name)
	}
	outcome := s.syncOne(ctx, r)
	return &outcome, nil
}

func (s *Syncer) syncOne(ctx context.Context, r *types.Repository) Outcome {
	logger := log.WithComponent("repo").With().Str("repository", r.Name).Logger()
	timer := metrics.NewTimer()

	fetchCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	pkgs, err := s.fetcher.FetchIndex(fetchCtx, r)
	if err != nil {
		logger.Warn().Err(err).Msg("repository sync failed")
		s.publish(events.EventRepositorySyncFailed, r.Name, err.Error())
		return Outcome{Repository: r.Name, Err: err}
	}

	if err := s.store.ReplaceRepositoryPackages(r.ID, pkgs); err != nil {
		logger.Warn().Err(err).Msg("failed to persist synced packages")
		s.publish(events.EventRepositorySyncFailed, r.Name, err.Error())
		return Outcome{Repository: r.Name, Err: err}
	}

	now := time.Now().UTC()
	r.LastSync = &now
	if err := s.store.UpdateRepository(r); err != nil {
		logger.Warn().Err(err).Msg("failed to stamp last sync time")
	}

	timer.ObserveDurationVec(metrics.RepoSyncDuration, r.Name)
	metrics.RepoSyncPackagesTotal.WithLabelValues(r.Name).Set(float64(len(pkgs)))
	s.publish(events.EventRepositorySynced, r.Name, fmt.Sprintf("%d packages", len(pkgs)))
	logger.Info().Int("packages", len(pkgs)).Msg("repository synced")
	return Outcome{Repository: r.Name, Packages: len(pkgs)}
}

func (s *Syncer) publish(t events.EventType, repositoryName, msg string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{Type: t, Message: msg, Metadata: map[string]string{"repository": repositoryName}})
}

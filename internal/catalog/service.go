package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/api/github"
	"github.com/Wardrod-Mine/TMA-Pictures-Server/internal/logger"
)

var (
	// ErrNotFound is returned when no product with the given ID exists.
	ErrNotFound = errors.New("catalog: product not found")
	// ErrMissingID is returned when a mutation lacks a product ID.
	ErrMissingID = errors.New("catalog: missing product id")
)

const defaultPushTimeout = 30 * time.Second

// Service owns all reads and writes of the catalog. The local store is the
// fast-path read source; the remote mirror is the durable source of truth
// shared across deployments.
//
// Mutations are serialized through a single mutex, commit locally before the
// caller is answered, and then propagate to the remote mirror in the
// background in commit order: a snapshot superseded by a later commit is
// dropped, never pushed. A failed push is logged and never rolled back or
// retried: the catalog converges on the next successful push or the next
// startup sync.
type Service struct {
	store  *Store
	remote *github.Client
	logf   logger.Logf

	pushTimeout time.Duration

	mu      sync.Mutex // serializes load-mutate-save cycles
	pushSeq uint64     // commit order of snapshots, under mu

	pushMu   sync.Mutex // serializes remote pushes
	pushNext uint64     // first sequence not yet superseded, under pushMu
	pushes   sync.WaitGroup
}

// Config configures a [Service].
type Config struct {
	// Store is the local catalog store. Required.
	Store *Store
	// Remote mirrors the catalog to a Git-hosted file. Required, but may be
	// unconfigured, in which case the service operates purely locally.
	Remote *github.Client
	// Logf specifies a logger to use. If nil, the service is silent.
	Logf logger.Logf
	// PushTimeout bounds every background push. Zero means 30 seconds.
	PushTimeout time.Duration
}

// NewService returns a Service for the given configuration.
func NewService(cfg Config) *Service {
	s := &Service{
		store:       cfg.Store,
		remote:      cfg.Remote,
		logf:        cfg.Logf,
		pushTimeout: cfg.PushTimeout,
	}
	if s.logf == nil {
		s.logf = func(format string, args ...any) {}
	}
	if s.pushTimeout == 0 {
		s.pushTimeout = defaultPushTimeout
	}
	return s
}

// List returns the current catalog.
func (s *Service) List() []Product { return s.store.Load() }

// Upsert inserts p into the catalog, replacing any existing product with the
// same ID, and schedules a push to the remote mirror.
func (s *Service) Upsert(p Product) (Product, error) {
	if p.ID == "" {
		return Product{}, ErrMissingID
	}
	p.UpdatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.store.Load()
	list = slices.DeleteFunc(list, func(x Product) bool { return x.ID == p.ID })
	list = append(list, p)
	if err := s.store.Save(list); err != nil {
		return Product{}, fmt.Errorf("saving catalog: %w", err)
	}
	s.pushAsync(list)
	return p, nil
}

// Patch merges the allow-listed fields into the product with the given ID,
// stamps its update time and schedules a push to the remote mirror.
func (s *Service) Patch(id string, fields map[string]json.RawMessage) (Product, error) {
	if id == "" {
		return Product{}, ErrMissingID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.store.Load()
	i := slices.IndexFunc(list, func(x Product) bool { return x.ID == id })
	if i < 0 {
		return Product{}, ErrNotFound
	}
	if err := list[i].applyPatch(fields); err != nil {
		return Product{}, err
	}
	list[i].UpdatedAt = time.Now()
	if err := s.store.Save(list); err != nil {
		return Product{}, fmt.Errorf("saving catalog: %w", err)
	}
	s.pushAsync(list)
	return list[i], nil
}

// Delete removes the product with the given ID and schedules a push to the
// remote mirror.
func (s *Service) Delete(id string) error {
	if id == "" {
		return ErrMissingID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.store.Load()
	filtered := slices.DeleteFunc(list, func(x Product) bool { return x.ID == id })
	if len(filtered) == len(list) {
		return ErrNotFound
	}
	if err := s.store.Save(filtered); err != nil {
		return fmt.Errorf("saving catalog: %w", err)
	}
	s.pushAsync(filtered)
	return nil
}

// DetachImage removes the image identified by URL or public ID from the
// product with the given ID and schedules a push to the remote mirror.
func (s *Service) DetachImage(id, image string) (Product, error) {
	if id == "" {
		return Product{}, ErrMissingID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.store.Load()
	i := slices.IndexFunc(list, func(x Product) bool { return x.ID == id })
	if i < 0 {
		return Product{}, ErrNotFound
	}
	list[i].Imgs = slices.DeleteFunc(list[i].Imgs, func(im Image) bool {
		return im.URL == image || (im.PublicID != "" && im.PublicID == image)
	})
	list[i].UpdatedAt = time.Now()
	if err := s.store.Save(list); err != nil {
		return Product{}, fmt.Errorf("saving catalog: %w", err)
	}
	s.pushAsync(list)
	return list[i], nil
}

// SyncFromRemote overwrites the local document with the remote one when
// their contents differ. The remote wins at startup: convergence across
// deployed instances matters more than uncommitted local edits. An absent or
// unconfigured remote leaves the local document untouched.
func (s *Service) SyncFromRemote(ctx context.Context) error {
	f, err := s.remote.GetFile(ctx)
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if local := s.store.Raw(); local != nil && sha256.Sum256(local) == sha256.Sum256(f.Content) {
		return nil
	}
	if err := s.store.ReplaceRaw(f.Content); err != nil {
		return err
	}
	s.logf("catalog: synced from remote mirror (%d bytes)", len(f.Content))
	return nil
}

// pushAsync propagates list to the remote mirror without blocking the
// caller. The caller holds s.mu; the snapshot is serialized and stamped
// with its commit sequence before the mutation cycle completes, so that
// neither later local writes nor reordered push goroutines can leak an
// older catalog over a newer one.
func (s *Service) pushAsync(list []Product) {
	if !s.remote.Configured() {
		return
	}
	snapshot, err := Marshal(list)
	if err != nil {
		s.logf("catalog: serializing for push: %v", err)
		return
	}
	seq := s.pushSeq
	s.pushSeq++
	s.pushes.Add(1)
	go func() {
		defer s.pushes.Done()
		if err := s.push(snapshot, seq); err != nil {
			s.logf("catalog: push to remote mirror failed: %v", err)
		}
	}()
}

func (s *Service) push(snapshot []byte, seq uint64) error {
	// Pushes run one at a time: a fresh SHA is fetched immediately before
	// each write to keep the conflict window small.
	s.pushMu.Lock()
	defer s.pushMu.Unlock()

	// Goroutine scheduling doesn't preserve commit order. A snapshot
	// superseded by an already-attempted later one must not reach the
	// mirror: its write would carry a valid SHA and silently roll the
	// remote catalog back.
	if seq < s.pushNext {
		return nil
	}
	s.pushNext = seq + 1

	ctx, cancel := context.WithTimeout(context.Background(), s.pushTimeout)
	defer cancel()

	var sha string
	f, err := s.remote.GetFile(ctx)
	if err != nil {
		return fmt.Errorf("fetching revision: %w", err)
	}
	if f != nil {
		sha = f.SHA
	}
	return s.remote.PutFile(ctx, snapshot, sha)
}

// Flush blocks until all background pushes scheduled so far have finished.
// Used in tests and on shutdown.
func (s *Service) Flush() { s.pushes.Wait() }

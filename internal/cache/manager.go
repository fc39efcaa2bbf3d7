// Package cache implements the versioned response cache: generations are
// installed from a manifest, activated one at a time, and consulted by the
// request router.
package cache

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vigilhome/vigil-agent/internal/errors"
	"github.com/vigilhome/vigil-agent/internal/logger"
)

// Fetcher performs a network request on behalf of the cache.
type Fetcher interface {
	Fetch(ctx context.Context, req *http.Request) (*Response, error)
}

// Generation names a cache version and the locators it pre-fetches.
type Generation struct {
	ID       string   `json:"id"`
	Manifest []string `json:"manifest"`
}

// PutReason explains the outcome of a Put.
type PutReason string

const (
	PutStored      PutReason = "stored"
	PutIneligible  PutReason = "ineligible"
	PutInactive    PutReason = "inactive"
	PutWriteFailed PutReason = "write_failed"
)

// PutResult is the outcome of a Put. Err is set only for write failures.
type PutResult struct {
	Stored bool
	Reason PutReason
	Err    error
}

// Manager owns the generation lifecycle over a Store.
type Manager struct {
	store   Store
	fetcher Fetcher
	origin  *url.URL
	log     logger.Logger
	now     func() time.Time

	// lifecycle serializes Install and Activate against each other.
	lifecycle sync.Mutex
	// retire is held shared by Put and exclusively while Activate swaps the
	// active generation and deletes the others, so no write lands in a
	// store that is being retired.
	retire sync.RWMutex

	mu      sync.RWMutex
	active  Cache
	pending Cache
}

// NewManager returns a manager. Manifest locators are resolved against origin.
func NewManager(store Store, fetcher Fetcher, origin *url.URL, log logger.Logger) *Manager {
	if log == nil {
		log = logger.Nop()
	}
	return &Manager{
		store:   store,
		fetcher: fetcher,
		origin:  origin,
		log:     log.Module("cache"),
		now:     time.Now,
	}
}

// Resume adopts the stored generation id as active when no generation is
// active yet, so a durable store serves a warm cache right after a restart.
// It reports whether a generation was adopted. A later Install of the same
// id refreshes that store in place.
func (m *Manager) Resume(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrInvalidGeneration
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	if m.activeCache() != nil {
		return false, nil
	}
	ok, err := m.store.Has(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	c, err := m.store.Open(ctx, id)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	m.active = c
	m.mu.Unlock()

	m.log.Info("generation resumed", logger.String("generation", id))
	return true, nil
}

// Install fetches every manifest locator and stores all of them in the
// generation's store as one batch. On failure nothing is written, a store
// created by this call is removed, and the generation cannot be activated.
func (m *Manager) Install(ctx context.Context, gen Generation) error {
	if gen.ID == "" || len(gen.Manifest) == 0 {
		return ErrInvalidGeneration
	}

	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	existed, err := m.store.Has(ctx, gen.ID)
	if err != nil {
		return installError(&InstallError{Generation: gen.ID, Err: err})
	}
	c, err := m.store.Open(ctx, gen.ID)
	if err != nil {
		return installError(&InstallError{Generation: gen.ID, Err: err})
	}

	start := m.now()
	entries, err := m.fetchManifest(ctx, gen)
	if err == nil {
		if werr := c.PutAll(ctx, entries); werr != nil {
			err = installError(&InstallError{Generation: gen.ID, Err: werr})
		}
	}
	if err != nil {
		if !existed {
			m.discard(gen.ID)
		}
		m.log.Warn("install failed",
			logger.String("generation", gen.ID),
			logger.Error(err))
		return err
	}

	m.mu.Lock()
	m.pending = c
	m.mu.Unlock()

	m.log.Info("generation installed",
		logger.String("generation", gen.ID),
		logger.Int("entries", len(entries)),
		logger.Duration("elapsed", m.now().Sub(start)))
	return nil
}

func (m *Manager) fetchManifest(ctx context.Context, gen Generation) ([]*Entry, error) {
	entries := make([]*Entry, len(gen.Manifest))
	g, gctx := errgroup.WithContext(ctx)
	for i, loc := range gen.Manifest {
		g.Go(func() error {
			entry, err := m.fetchEntry(gctx, loc)
			if err != nil {
				var ie *InstallError
				if errors.As(err, &ie) {
					ie.Generation = gen.ID
					return installError(ie)
				}
				return installError(&InstallError{Generation: gen.ID, Locator: loc, Err: err})
			}
			entries[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

func (m *Manager) fetchEntry(ctx context.Context, loc string) (*Entry, error) {
	ref, err := url.Parse(loc)
	if err != nil {
		return nil, err
	}
	target := m.origin.ResolveReference(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), http.NoBody)
	if err != nil {
		return nil, err
	}

	resp, err := m.fetcher.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	body, err := resp.Bytes()
	if err != nil {
		return nil, err
	}
	if resp.Status < 200 || resp.Status > 299 {
		return nil, &InstallError{Locator: loc, Status: resp.Status}
	}

	return &Entry{
		Key:      Key(target),
		URL:      target.String(),
		Status:   resp.Status,
		Header:   resp.Header.Clone(),
		Body:     body,
		StoredAt: m.now(),
	}, nil
}

// discard removes a half-created store. It runs detached from the caller's
// context so a cancelled install still cleans up.
func (m *Manager) discard(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.store.Delete(ctx, name); err != nil {
		m.log.Warn("failed to remove incomplete generation",
			logger.String("generation", name),
			logger.Error(err))
	}
}

// Activate promotes the installed generation and deletes every other store.
// Calling it again with nothing new installed re-runs the retirement for the
// active generation. It returns ErrNoGeneration when nothing was installed.
func (m *Manager) Activate(ctx context.Context) error {
	m.lifecycle.Lock()
	defer m.lifecycle.Unlock()

	m.retire.Lock()
	defer m.retire.Unlock()

	m.mu.Lock()
	target := m.pending
	if target == nil {
		target = m.active
	}
	if target == nil {
		m.mu.Unlock()
		return ErrNoGeneration
	}
	previous := m.active
	m.active = target
	m.pending = nil
	m.mu.Unlock()

	names, err := m.store.Names(ctx)
	if err != nil {
		return errors.New(&ActivationError{Generation: target.Name(), Err: err}).
			Component("cache").
			Category(errors.CategoryCache).
			Build()
	}

	var failed []string
	var errs []error
	retired := 0
	for _, name := range names {
		if name == target.Name() {
			continue
		}
		if _, err := m.store.Delete(ctx, name); err != nil {
			failed = append(failed, name)
			errs = append(errs, err)
			continue
		}
		retired++
	}
	if len(failed) > 0 {
		return errors.New(&ActivationError{Generation: target.Name(), Failed: failed, Err: errors.Join(errs...)}).
			Component("cache").
			Category(errors.CategoryCache).
			Context("failed", len(failed)).
			Build()
	}

	fields := []logger.Field{
		logger.String("generation", target.Name()),
		logger.Int("retired", retired),
	}
	if previous != nil && previous.Name() != target.Name() {
		fields = append(fields, logger.String("previous", previous.Name()))
	}
	m.log.Info("generation activated", fields...)
	return nil
}

// Lookup reads key from the active generation. It never touches the network
// and reports a miss when no generation is active.
func (m *Manager) Lookup(ctx context.Context, key string) (*Response, bool) {
	c := m.activeCache()
	if c == nil {
		return nil, false
	}
	entry, ok, err := c.Match(ctx, key)
	if err != nil {
		m.log.Debug("cache lookup failed",
			logger.String("generation", c.Name()),
			logger.String("key", key),
			logger.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return entry.Response(), true
}

// Put stores resp under key in the active generation, replacing any earlier
// entry. resp is consumed, so pass a clone when the caller still needs the
// body. Ineligible responses are skipped. Write failures are returned in the
// result and logged, never raised.
func (m *Manager) Put(ctx context.Context, key string, resp *Response) PutResult {
	if !resp.Eligible() {
		return PutResult{Reason: PutIneligible}
	}

	m.retire.RLock()
	defer m.retire.RUnlock()

	c := m.activeCache()
	if c == nil {
		return PutResult{Reason: PutInactive}
	}

	body, err := resp.Bytes()
	if err == nil {
		err = c.Put(ctx, &Entry{
			Key:      key,
			URL:      resp.URL,
			Status:   resp.Status,
			Header:   resp.Header.Clone(),
			Body:     body,
			StoredAt: m.now(),
		})
	}
	if err != nil {
		werr := writeError(err, c.Name(), key)
		m.log.Warn("cache write failed",
			logger.String("generation", c.Name()),
			logger.String("key", key),
			logger.Error(err))
		return PutResult{Reason: PutWriteFailed, Err: werr}
	}
	return PutResult{Stored: true, Reason: PutStored}
}

// Generations lists every store, active or not.
func (m *Manager) Generations(ctx context.Context) ([]string, error) {
	return m.store.Names(ctx)
}

// Active returns the active generation ID, or "" before the first activation.
func (m *Manager) Active() string {
	if c := m.activeCache(); c != nil {
		return c.Name()
	}
	return ""
}

// Pending returns the installed but not yet activated generation ID.
func (m *Manager) Pending() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.pending != nil {
		return m.pending.Name()
	}
	return ""
}

func (m *Manager) activeCache() Cache {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

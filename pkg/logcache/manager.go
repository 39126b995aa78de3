// Package logcache is a read-through disk cache in front of an openQA style
// job log service.
//
// A Manager answers three questions about a job (its details document, the
// names of its log files, the content of one log file). Each answer is cached
// on disk under a key derived from the request; fresh entries are served
// directly, everything else is fetched through a Fetcher, stored, and the
// store's eviction policy runs before the answer is returned.
package logcache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/richardartoul/openqa-logcache/pkg/eviction"
	"github.com/richardartoul/openqa-logcache/pkg/filter"
	"github.com/richardartoul/openqa-logcache/pkg/locking"
	"github.com/richardartoul/openqa-logcache/pkg/metrics"
	"github.com/richardartoul/openqa-logcache/pkg/store"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger for the manager and its store.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) { m.logger = logger }
}

// WithLockGroup sets how fetch+write sequences are serialized per key.
// Defaults to an in-process locking.MemLock.
func WithLockGroup(group locking.Group) Option {
	return func(m *Manager) { m.locks = group }
}

// WithClock overrides the time source for stamping and TTL checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLatencyTracker records per-operation latencies.
func WithLatencyTracker(tracker *metrics.LatencyTracker) Option {
	return func(m *Manager) { m.latency = tracker }
}

// WithCounters records hits, misses and evictions.
func WithCounters(counters *metrics.Counters) Option {
	return func(m *Manager) { m.counters = counters }
}

// Manager is the cache engine. It is safe for concurrent use.
type Manager struct {
	cfg      Config
	fetcher  Fetcher
	store    *store.Store
	policy   eviction.Policy
	locks    locking.Group
	flight   singleflight.Group
	logger   *slog.Logger
	now      func() time.Time
	latency  *metrics.LatencyTracker
	counters *metrics.Counters
}

// New opens (and reconciles) the cache directory named by cfg and returns a
// Manager fetching misses through fetcher.
func New(cfg Config, fetcher Fetcher, opts ...Option) (*Manager, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	cfg = cfg.withDefaults()

	m := &Manager{
		cfg:     cfg,
		fetcher: fetcher,
		policy: eviction.Policy{
			MaxSize:    cfg.MaxSize,
			TimeToLive: cfg.TimeToLive,
		},
		locks:  locking.NewMemLock(),
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	st, err := store.Open(cfg.CacheLocation,
		store.WithLogger(m.logger),
		store.WithClock(m.now),
		store.WithPolicy(m.policy),
		store.WithEvictionHook(func(d eviction.Decision) {
			m.counters.Evicted(string(d.Reason))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	m.store = st
	m.counters.SetStoredBytes(st.TotalSize())

	return m, nil
}

// Config returns the configuration the manager was built with.
func (m *Manager) Config() Config {
	return m.cfg
}

// Store exposes the underlying store, mostly for maintenance commands.
func (m *Manager) Store() *store.Store {
	return m.store
}

// Stats reports the current number of entries and bytes cached.
func (m *Manager) Stats() store.Stats {
	return m.store.Stats()
}

// Close releases the store.
func (m *Manager) Close() error {
	return m.store.Close()
}

// GetDetails returns the details document of a job.
func (m *Manager) GetDetails(ctx context.Context, jobID int64) (JobDetails, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	key := DetailsKey(m.cfg.Host, jobID)
	return resolve(ctx, m, metrics.OpGetDetails, key, detailsCodec, func(ctx context.Context) (JobDetails, error) {
		return m.fetcher.FetchDetails(ctx, jobID)
	})
}

// GetLogList returns the log file names of a job, narrowed by namePattern.
// An empty pattern returns the whole listing; see filter.Parse for the syntax.
func (m *Manager) GetLogList(ctx context.Context, jobID int64, namePattern string) ([]string, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	matcher, err := filter.Parse(namePattern)
	if err != nil {
		return nil, &ValidationError{Field: "name_pattern", Err: err}
	}
	return m.GetLogListMatching(ctx, jobID, matcher)
}

// GetLogListMatching is GetLogList with an already compiled matcher. A nil
// matcher selects every file. The listing is cached unfiltered.
func (m *Manager) GetLogListMatching(ctx context.Context, jobID int64, matcher filter.Matcher) ([]string, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	key := LogListKey(m.cfg.Host, jobID)
	names, err := resolve(ctx, m, metrics.OpGetLogList, key, logListCodec, func(ctx context.Context) ([]string, error) {
		return m.fetcher.FetchLogList(ctx, jobID)
	})
	if err != nil {
		return nil, err
	}
	return filter.Apply(names, matcher), nil
}

// GetLogData returns the content of one log file of a job.
func (m *Manager) GetLogData(ctx context.Context, jobID int64, filename string) ([]byte, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	if err := validateFilename(filename); err != nil {
		return nil, err
	}
	key := LogDataKey(m.cfg.Host, jobID, filename)
	return resolve(ctx, m, metrics.OpGetLogData, key, logDataCodec, func(ctx context.Context) ([]byte, error) {
		return m.fetcher.FetchLogData(ctx, jobID, filename)
	})
}

// Invalidate removes every cached entry of a job (details, listing and log
// files) and returns how many were removed.
func (m *Manager) Invalidate(ctx context.Context, jobID int64) (int, error) {
	if err := validateJobID(jobID); err != nil {
		return 0, err
	}

	prefixes := []string{
		jobPrefix(KindDetails, m.cfg.Host, jobID),
		jobPrefix(KindLogList, m.cfg.Host, jobID),
		jobPrefix(KindLogData, m.cfg.Host, jobID),
	}

	removed := 0
	for _, ie := range m.store.ListIndex() {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		for _, prefix := range prefixes {
			if !strings.HasPrefix(ie.Key, prefix) {
				continue
			}
			if err := m.store.Delete(ie.Key); err != nil {
				return removed, err
			}
			removed++
			break
		}
	}
	m.counters.SetStoredBytes(m.store.TotalSize())
	return removed, nil
}

// entryState is what a cache lookup found.
type entryState int

const (
	stateAbsent entryState = iota
	stateCorrupt
	stateStale
	stateFresh
)

func (s entryState) missReason() string {
	switch s {
	case stateCorrupt:
		return metrics.MissCorrupt
	case stateStale:
		return metrics.MissStale
	default:
		return metrics.MissAbsent
	}
}

// lookup reads key from the store and classifies it. Corrupt entries have
// already been removed by the store; entries that no longer decode are
// removed here.
func lookup[T any](m *Manager, key string, c codec[T]) (T, entryState) {
	var zero T

	start := time.Now()
	entry, err := m.store.Read(key)
	m.latency.Since(metrics.OpStoreRead, start)
	if err != nil {
		m.logger.Warn("discarded unreadable cache entry", "key", key, "error", err)
		return zero, stateCorrupt
	}
	if entry == nil {
		return zero, stateAbsent
	}

	v, err := c.decode(entry.Payload)
	if err != nil {
		m.logger.Warn("discarded undecodable cache entry", "key", key, "error", err)
		if err := m.store.Delete(key); err != nil {
			m.logger.Warn("failed to remove undecodable cache entry", "key", key, "error", err)
		}
		return zero, stateCorrupt
	}

	if m.policy.Expired(entry.StoredAt, m.now()) {
		return v, stateStale
	}
	return v, stateFresh
}

// resolve implements the read-through algorithm shared by all operations.
func resolve[T any](
	ctx context.Context,
	m *Manager,
	op string,
	key Key,
	c codec[T],
	fetch func(context.Context) (T, error),
) (T, error) {
	var zero T
	defer m.latency.Since(op, time.Now())
	storeKey := key.String()

	var (
		stale      T
		haveStale  bool
		missReason = metrics.MissForced
	)
	if !m.cfg.IgnoreCache {
		v, state := lookup(m, storeKey, c)
		switch state {
		case stateFresh:
			m.logger.Debug("cache hit", "key", storeKey)
			m.counters.Hit(op)
			return v, nil
		case stateStale:
			stale, haveStale = v, true
		}
		missReason = state.missReason()
	}
	m.logger.Debug("cache miss", "key", storeKey, "reason", missReason)
	m.counters.Miss(op, missReason)

	// At most one fetch+write per key is in flight in this process; callers
	// arriving meanwhile share its payload. The shared fetch is detached from
	// the cancellation of whichever caller started it, and each caller only
	// stops waiting when its own context is done.
	shared := context.WithoutCancel(ctx)
	ch := m.flight.DoChan(storeKey, func() (interface{}, error) {
		return m.locks.DoWithLock(storeKey, func() (interface{}, error) {
			if !m.cfg.IgnoreCache {
				// Another process may have filled the entry while we
				// waited for the lock.
				if v, state := lookup(m, storeKey, c); state == stateFresh {
					return c.encode(v)
				}
			}
			return fetchAndStore(shared, m, key, c, fetch)
		})
	})

	var (
		res interface{}
		err error
	)
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case r := <-ch:
		res, err = r.Val, r.Err
	}
	if err != nil {
		var fetchErr *FetchError
		if errors.As(err, &fetchErr) {
			m.counters.FetchError(op, string(fetchErr.Code()))
			if haveStale && m.cfg.ServeStale {
				m.logger.Warn("remote fetch failed, serving stale cache entry",
					"key", storeKey,
					"error", err)
				m.counters.Stale(op)
				return stale, nil
			}
		}
		return zero, err
	}

	return c.decode(res.([]byte))
}

// fetchAndStore calls the fetcher and writes its result. A failed store write
// is logged and does not fail the request.
func fetchAndStore[T any](
	ctx context.Context,
	m *Manager,
	key Key,
	c codec[T],
	fetch func(context.Context) (T, error),
) ([]byte, error) {
	start := time.Now()
	v, err := fetch(ctx)
	m.latency.Since(metrics.OpFetch, start)
	if err != nil {
		return nil, &FetchError{Kind: key.Kind, JobID: key.JobID, Filename: key.Filename, Err: err}
	}

	payload, err := c.encode(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s for job %d: %w", key.Kind, key.JobID, err)
	}

	start = time.Now()
	if _, err := m.store.Write(key.String(), payload); err != nil {
		m.logger.Warn("failed to store fetched data", "key", key.String(), "error", err)
	}
	m.latency.Since(metrics.OpStoreWrite, start)
	m.counters.SetStoredBytes(m.store.TotalSize())

	return payload, nil
}

func validateJobID(jobID int64) error {
	if jobID <= 0 {
		return newValidationError("job_id", "job id must be a positive integer, got %d", jobID)
	}
	return nil
}

func validateFilename(filename string) error {
	switch {
	case filename == "":
		return newValidationError("filename", "file name cannot be empty")
	case strings.ContainsRune(filename, 0):
		return newValidationError("filename", "file name contains a NUL byte")
	case strings.HasPrefix(filename, "/"):
		return newValidationError("filename", "file name %q must be relative", filename)
	}
	for _, segment := range strings.Split(path.Clean(filename), "/") {
		if segment == ".." {
			return newValidationError("filename", "file name %q escapes the job directory", filename)
		}
	}
	return nil
}

func jobPrefix(kind Kind, host string, jobID int64) string {
	k := Key{Kind: kind, Host: host, JobID: jobID}.String()
	// Drop the quoted filename, keep the trailing separator.
	return strings.TrimSuffix(k, `""`)
}

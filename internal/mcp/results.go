package mcp

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ctagard/codetrace/internal/errors"
	"github.com/ctagard/codetrace/internal/profiler"
	"github.com/ctagard/codetrace/pkg/types"
)

// ProfileResult is a kept profiling recording
type ProfileResult struct {
	ID        string
	Ref       types.CodeReference
	Group     string
	Recorder  *profiler.Recorder
	Outputs   []map[string]any
	CreatedAt time.Time
}

// ResultStore keeps profiling recordings until they expire
type ResultStore struct {
	mu      sync.RWMutex
	results map[string]*ProfileResult

	ttl        time.Duration
	maxResults int
	logger     zerolog.Logger
	now        func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewResultStore creates a store and starts its cleanup loop. A zero ttl keeps
// results until they are evicted by maxResults.
func NewResultStore(ttl time.Duration, maxResults int, logger zerolog.Logger) *ResultStore {
	ctx, cancel := context.WithCancel(context.Background())
	rs := &ResultStore{
		results:    make(map[string]*ProfileResult),
		ttl:        ttl,
		maxResults: maxResults,
		logger:     logger,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
	}

	go rs.cleanupLoop()

	return rs
}

func (rs *ResultStore) cleanupLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rs.ctx.Done():
			return
		case <-ticker.C:
			rs.cleanupExpired()
		}
	}
}

func (rs *ResultStore) cleanupExpired() {
	if rs.ttl <= 0 {
		return
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()

	now := rs.now()
	for id, r := range rs.results {
		if now.Sub(r.CreatedAt) > rs.ttl {
			delete(rs.results, id)
			rs.logger.Debug().Str("result", id).Msg("profile result expired")
		}
	}
}

// Put stores a recording and returns it with its new id. When the store is
// full the oldest result is evicted.
func (rs *ResultStore) Put(ref types.CodeReference, group string, rec *profiler.Recorder, outputs []map[string]any) *ProfileResult {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if rs.maxResults > 0 && len(rs.results) >= rs.maxResults {
		rs.evictOldestLocked()
	}

	r := &ProfileResult{
		ID:        uuid.New().String(),
		Ref:       ref,
		Group:     group,
		Recorder:  rec,
		Outputs:   outputs,
		CreatedAt: rs.now(),
	}
	rs.results[r.ID] = r
	return r
}

func (rs *ResultStore) evictOldestLocked() {
	var oldest *ProfileResult
	for _, r := range rs.results {
		if oldest == nil || r.CreatedAt.Before(oldest.CreatedAt) {
			oldest = r
		}
	}
	if oldest != nil {
		delete(rs.results, oldest.ID)
	}
}

// Get returns a stored result
func (rs *ResultStore) Get(id string) (*ProfileResult, error) {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	r, ok := rs.results[id]
	if !ok {
		return nil, errors.ResultNotFound(id)
	}
	return r, nil
}

// List returns every stored result, oldest first
func (rs *ResultStore) List() []*ProfileResult {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	out := make([]*ProfileResult, 0, len(rs.results))
	for _, r := range rs.results {
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Delete drops a result
func (rs *ResultStore) Delete(id string) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	_, ok := rs.results[id]
	delete(rs.results, id)
	return ok
}

// Close stops the cleanup loop
func (rs *ResultStore) Close() {
	rs.cancel()
}

package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"classroom-battle-service/internal/domain"
	"golang.org/x/sync/singleflight"
)

// ContentLoader fetches battle content from a backing store (e.g., Postgres).
type ContentLoader interface {
	LoadContent(ctx context.Context, contentID string) (domain.Content, error)
}

// ContentRepository is a read-through cache in front of a ContentLoader.
//
// Content is immutable once a battle references it, so an entry is only ever
// old, never wrong. Concurrent misses for one id share a single load.
type ContentRepository struct {
	loader ContentLoader
	ttl    time.Duration
	clock  func() time.Time
	loads  singleflight.Group

	mu      sync.RWMutex
	entries map[string]contentEntry
}

type contentEntry struct {
	content domain.Content
	staleAt time.Time
}

func NewContentRepository(loader ContentLoader, ttl time.Duration) *ContentRepository {
	return &ContentRepository{
		loader:  loader,
		ttl:     ttl,
		clock:   time.Now,
		entries: make(map[string]contentEntry),
	}
}

// GetContent returns the cached content for contentID, loading it on a miss.
// The returned questions are a copy and may be modified by the caller.
func (r *ContentRepository) GetContent(ctx context.Context, contentID string) (domain.Content, error) {
	if entry, ok := r.lookup(contentID); ok {
		return entry.content.Clone(), nil
	}

	// The shared load outlives any single caller's cancellation.
	ch := r.loads.DoChan(contentID, func() (interface{}, error) {
		if entry, ok := r.lookup(contentID); ok {
			return entry.content, nil
		}
		content, err := r.loader.LoadContent(context.WithoutCancel(ctx), contentID)
		if err != nil {
			return domain.Content{}, err
		}
		if content.ID == "" {
			content.ID = contentID
		}
		r.store(contentID, content)
		return content, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.Content{}, res.Err
		}
		return res.Val.(domain.Content).Clone(), nil
	case <-ctx.Done():
		return domain.Content{}, ctx.Err()
	}
}

// Invalidate drops contentID so the next read reloads it.
func (r *ContentRepository) Invalidate(contentID string) {
	r.mu.Lock()
	delete(r.entries, contentID)
	r.mu.Unlock()
	r.loads.Forget(contentID)
}

func (r *ContentRepository) lookup(contentID string) (contentEntry, bool) {
	now := r.clock()
	r.mu.RLock()
	entry, ok := r.entries[contentID]
	r.mu.RUnlock()
	if !ok || !now.Before(entry.staleAt) {
		return contentEntry{}, false
	}
	return entry, true
}

func (r *ContentRepository) store(contentID string, content domain.Content) {
	entry := contentEntry{content: content.Clone(), staleAt: r.clock().Add(r.lifetime(contentID))}
	r.mu.Lock()
	r.entries[contentID] = entry
	r.mu.Unlock()
}

// lifetime stretches ttl by up to a tenth, derived from the id so entries
// cached together do not all expire on the same tick.
func (r *ContentRepository) lifetime(contentID string) time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	spread := uint64(r.ttl / 10)
	if spread == 0 {
		return r.ttl
	}
	h := fnv.New64a()
	h.Write([]byte(contentID))
	return r.ttl + time.Duration(h.Sum64()%(spread+1))
}

// StaticContentLoader serves a fixed set of contents. The server falls back to
// it when no postgres content table is configured.
type StaticContentLoader struct {
	contents map[string]domain.Content
}

func NewStaticContentLoader(contents map[string]domain.Content) *StaticContentLoader {
	return &StaticContentLoader{contents: contents}
}

func (l *StaticContentLoader) LoadContent(_ context.Context, contentID string) (domain.Content, error) {
	content, ok := l.contents[contentID]
	if !ok {
		return domain.Content{}, domain.ErrContentNotFound
	}
	return content.Clone(), nil
}

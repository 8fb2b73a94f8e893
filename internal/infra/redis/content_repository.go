package redis

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"sync"
	"time"

	"classroom-battle-service/internal/domain"
	"classroom-battle-service/internal/infra/memory"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// ContentRepository caches content JSON in Redis and falls back to a loader on cache miss.
// Content is stored as: SET content:{contentID} {json} EX ttl
type ContentRepository struct {
	client *redis.Client
	loader memory.ContentLoader
	ttl    time.Duration
	sf     singleflight.Group

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewContentRepository(client *redis.Client, loader memory.ContentLoader, ttl time.Duration) *ContentRepository {
	return &ContentRepository{
		client: client,
		loader: loader,
		ttl:    ttl,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (r *ContentRepository) GetContent(ctx context.Context, contentID string) (domain.Content, error) {
	if content, ok := r.cached(ctx, contentID); ok {
		return content, nil
	}

	result, err, _ := r.sf.Do(contentID, func() (interface{}, error) {
		// Re-check cache in case another goroutine filled it.
		if content, ok := r.cached(ctx, contentID); ok {
			return content, nil
		}

		content, err := r.loader.LoadContent(ctx, contentID)
		if err != nil {
			return domain.Content{}, err
		}

		raw, err := json.Marshal(content)
		if err != nil {
			return domain.Content{}, err
		}
		// best-effort; a failed cache write only costs a reload
		if err := r.client.Set(ctx, r.key(contentID), raw, r.ttlWithJitter()).Err(); err != nil {
			log.Printf("cache content %s: %v", contentID, err)
		}
		return content, nil
	})
	if err != nil {
		return domain.Content{}, err
	}
	return result.(domain.Content), nil
}

func (r *ContentRepository) cached(ctx context.Context, contentID string) (domain.Content, bool) {
	raw, err := r.client.Get(ctx, r.key(contentID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("read cached content %s: %v", contentID, err)
		}
		return domain.Content{}, false
	}
	var content domain.Content
	if err := json.Unmarshal(raw, &content); err != nil {
		return domain.Content{}, false
	}
	return content, true
}

func (r *ContentRepository) key(contentID string) string {
	return "content:" + contentID
}

func (r *ContentRepository) ttlWithJitter() time.Duration {
	if r.ttl <= 0 {
		return 0
	}
	jitterMax := int64(r.ttl) / 10
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.ttl + time.Duration(r.rnd.Int63n(jitterMax+1))
}

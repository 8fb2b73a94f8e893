package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"classroom-battle-service/internal/app"
	"github.com/redis/go-redis/v9"
)

// ErrConflict is returned when Update keeps losing optimistic-lock races.
var ErrConflict = errors.New("document update conflict")

const (
	markerField     = "_"
	defaultRetries  = 8
	subscriberQueue = 16
)

// DocumentStore implements app.DocumentStore on Redis.
//
// Layout:
//
//	HASH doc:{path}        one field per top-level document field (JSON value)
//	SET  idx:{collection}  ids of the collection's documents, used by List
//	PUB  chg:{path}        change notice {"path","type"}; subscribers re-read the hash
//
// Update runs under WATCH/MULTI and retries when another writer touched the key.
type DocumentStore struct {
	client  *redis.Client
	ttl     time.Duration
	retries int
}

func NewDocumentStore(client *redis.Client, ttl time.Duration) *DocumentStore {
	return &DocumentStore{client: client, ttl: ttl, retries: defaultRetries}
}

type changeNotice struct {
	Path string         `json:"path"`
	Type app.ChangeType `json:"type"`
}

func (s *DocumentStore) Get(ctx context.Context, path string) (app.Document, bool, error) {
	fields, err := s.client.HGetAll(ctx, docKey(path)).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis get %s: %w", path, err)
	}
	doc, ok := fromHash(fields)
	return doc, ok, nil
}

func (s *DocumentStore) Set(ctx context.Context, path string, doc app.Document, merge bool) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.queueSet(ctx, pipe, path, doc, merge)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", path, err)
	}
	return nil
}

func (s *DocumentStore) Delete(ctx context.Context, path string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.queueDelete(ctx, pipe, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis delete %s: %w", path, err)
	}
	return nil
}

func (s *DocumentStore) List(ctx context.Context, collection string) ([]app.Entry, error) {
	ids, err := s.client.SMembers(ctx, idxKey(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list %s: %w", collection, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, docKey(collection+"/"+id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis list %s: %w", collection, err)
	}

	entries := make([]app.Entry, 0, len(ids))
	var expired []interface{}
	for i, cmd := range cmds {
		doc, ok := fromHash(cmd.Val())
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		entries = append(entries, app.Entry{Path: collection + "/" + ids[i], Document: doc})
	}
	if len(expired) > 0 {
		// index entries outlive documents that expired by TTL
		_ = s.client.SRem(ctx, idxKey(collection), expired...).Err()
	}
	return entries, nil
}

func (s *DocumentStore) Update(ctx context.Context, path string, fn app.UpdateFunc) (app.Document, error) {
	key := docKey(path)
	for attempt := 0; attempt < s.retries; attempt++ {
		var result app.Document
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			cur, exists := fromHash(fields)
			next, err := fn(app.CloneDocument(cur), exists)
			if errors.Is(err, app.ErrUnchanged) {
				result = cur
				return nil
			}
			if err != nil {
				return err
			}
			if next == nil && !exists {
				return nil
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if next == nil {
					s.queueDelete(ctx, pipe, path)
				} else {
					s.queueSet(ctx, pipe, path, next, false)
				}
				return nil
			})
			result = next
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return result, err
	}
	return nil, fmt.Errorf("update %s: %w", path, ErrConflict)
}

// Subscribe listens for changes to path and its descendants. Each notice is
// resolved by re-reading the document, so subscribers always see the latest
// state; intermediate states may be skipped.
func (s *DocumentStore) Subscribe(ctx context.Context, path string) (<-chan app.Change, func(), error) {
	patterns := []string{channelName(escapeGlob(path)), channelName(escapeGlob(path)) + "/*"}
	ps := s.client.PSubscribe(ctx, patterns...)
	for range patterns {
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, nil, fmt.Errorf("redis subscribe %s: %w", path, err)
		}
	}

	out := make(chan app.Change, subscriberQueue)
	msgs := ps.Channel()
	go func() {
		defer close(out)
		for msg := range msgs {
			var notice changeNotice
			if err := json.Unmarshal([]byte(msg.Payload), &notice); err != nil {
				log.Printf("redis subscribe %s: bad notice: %v", path, err)
				continue
			}
			change := app.Change{Path: notice.Path, Type: notice.Type}
			if notice.Type == app.ChangeSet {
				doc, ok, err := s.Get(context.Background(), notice.Path)
				if err != nil {
					log.Printf("redis subscribe %s: %v", path, err)
					continue
				}
				if !ok {
					change.Type = app.ChangeDeleted
				} else {
					change.Document = doc
				}
			}
			offer(out, change)
		}
	}()

	cancel := func() {
		_ = ps.Close()
	}
	return out, cancel, nil
}

// offer never blocks: when the queue is full the oldest change is dropped.
func offer(out chan app.Change, change app.Change) {
	select {
	case out <- change:
	default:
		select {
		case <-out:
		default:
		}
		out <- change
	}
}

func (s *DocumentStore) queueSet(ctx context.Context, pipe redis.Pipeliner, path string, doc app.Document, merge bool) {
	key := docKey(path)
	collection, id := app.SplitPath(path)
	if !merge {
		pipe.Del(ctx, key)
	}
	values := make(map[string]interface{}, len(doc)+1)
	values[markerField] = "1"
	for field, raw := range doc {
		values[field] = string(raw)
	}
	pipe.HSet(ctx, key, values)
	pipe.SAdd(ctx, idxKey(collection), id)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
		pipe.Expire(ctx, idxKey(collection), s.ttl)
	}
	pipe.Publish(ctx, channelName(path), encodeNotice(path, app.ChangeSet))
}

func (s *DocumentStore) queueDelete(ctx context.Context, pipe redis.Pipeliner, path string) {
	collection, id := app.SplitPath(path)
	pipe.Del(ctx, docKey(path))
	pipe.SRem(ctx, idxKey(collection), id)
	pipe.Publish(ctx, channelName(path), encodeNotice(path, app.ChangeDeleted))
}

func fromHash(fields map[string]string) (app.Document, bool) {
	if len(fields) == 0 {
		return nil, false
	}
	doc := make(app.Document, len(fields))
	for field, value := range fields {
		if field == markerField {
			continue
		}
		doc[field] = json.RawMessage(value)
	}
	return doc, true
}

func encodeNotice(path string, typ app.ChangeType) string {
	raw, _ := json.Marshal(changeNotice{Path: path, Type: typ})
	return string(raw)
}

func docKey(path string) string {
	return "doc:" + path
}

func idxKey(collection string) string {
	return "idx:" + collection
}

func channelName(path string) string {
	return "chg:" + path
}

var globReplacer = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapeGlob(s string) string {
	return globReplacer.Replace(s)
}

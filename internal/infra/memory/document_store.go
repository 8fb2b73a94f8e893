package memory

import (
	"context"
	"errors"
	"strings"
	"sync"

	"classroom-battle-service/internal/app"
)

// DocumentStore is an in-memory implementation of app.DocumentStore.
type DocumentStore struct {
	mu          sync.RWMutex
	docs        map[string]app.Document
	subscribers map[*subscriber]struct{}
}

type subscriber struct {
	path string
	ch   chan app.Change
}

func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		docs:        make(map[string]app.Document),
		subscribers: make(map[*subscriber]struct{}),
	}
}

func (s *DocumentStore) Get(_ context.Context, path string) (app.Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[path]
	return app.CloneDocument(doc), ok, nil
}

func (s *DocumentStore) Set(_ context.Context, path string, doc app.Document, merge bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setLocked(path, doc, merge)
	return nil
}

func (s *DocumentStore) Delete(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(path)
	return nil
}

func (s *DocumentStore) List(_ context.Context, collection string) ([]app.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := collection + "/"
	var out []app.Entry
	for path, doc := range s.docs {
		if !strings.HasPrefix(path, prefix) || strings.Contains(path[len(prefix):], "/") {
			continue
		}
		out = append(out, app.Entry{Path: path, Document: app.CloneDocument(doc)})
	}
	return out, nil
}

// Update runs fn under the store lock, so concurrent updates of any path are serialized.
func (s *DocumentStore) Update(_ context.Context, path string, fn app.UpdateFunc) (app.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.docs[path]
	next, err := fn(app.CloneDocument(cur), ok)
	if errors.Is(err, app.ErrUnchanged) {
		return app.CloneDocument(cur), nil
	}
	if err != nil {
		return nil, err
	}
	if next == nil {
		s.deleteLocked(path)
		return nil, nil
	}
	s.setLocked(path, next, false)
	return app.CloneDocument(next), nil
}

// Subscribe returns a channel of changes to path and its descendants.
// The caller must invoke the returned cancel function to avoid leaks.
func (s *DocumentStore) Subscribe(_ context.Context, path string) (<-chan app.Change, func(), error) {
	sub := &subscriber{path: path, ch: make(chan app.Change, 16)}

	s.mu.Lock()
	s.subscribers[sub] = struct{}{}
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if _, ok := s.subscribers[sub]; ok {
			delete(s.subscribers, sub)
			close(sub.ch)
		}
		s.mu.Unlock()
	}
	return sub.ch, cancel, nil
}

func (s *DocumentStore) setLocked(path string, doc app.Document, merge bool) {
	next := app.CloneDocument(doc)
	if next == nil {
		next = app.Document{}
	}
	if cur, ok := s.docs[path]; ok && merge {
		merged := app.CloneDocument(cur)
		for k, v := range next {
			merged[k] = v
		}
		next = merged
	}
	s.docs[path] = next
	s.broadcastLocked(app.Change{Path: path, Type: app.ChangeSet, Document: next})
}

func (s *DocumentStore) deleteLocked(path string) {
	if _, ok := s.docs[path]; !ok {
		return
	}
	delete(s.docs, path)
	s.broadcastLocked(app.Change{Path: path, Type: app.ChangeDeleted})
}

func (s *DocumentStore) broadcastLocked(change app.Change) {
	for sub := range s.subscribers {
		if !app.PathMatches(sub.path, change.Path) {
			continue
		}
		// hand each subscriber its own copy of the document map
		out := change
		out.Document = app.CloneDocument(change.Document)
		select {
		case sub.ch <- out:
		default:
			// drop the oldest pending change so a slow reader never blocks writers
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- out
		}
	}
}

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Document is a JSON object keyed by top-level field. Merge writes replace
// whole fields, never nested values.
type Document map[string]json.RawMessage

// ChangeType describes what happened to a document.
type ChangeType string

const (
	ChangeSet     ChangeType = "set"
	ChangeDeleted ChangeType = "deleted"
)

// Change is one notification from DocumentStore.Subscribe. Document is nil for deletes.
type Change struct {
	Path     string
	Type     ChangeType
	Document Document
}

// Entry is a document returned by List.
type Entry struct {
	Path     string
	Document Document
}

// UpdateFunc receives the current document (nil, false when absent) and returns
// the replacement. Returning a nil Document deletes the path. It may run more
// than once when the store retries a conflicting write, so it must not have
// side effects beyond the returned value. Stores may hold a lock while fn runs,
// so fn must not call back into the store.
type UpdateFunc func(current Document, exists bool) (Document, error)

// DocumentStore is the shared, eventually-consistent store battles are coordinated through.
//
// Paths are slash-separated. List returns the direct children of a collection.
// Subscribe delivers changes to path and its descendants; delivery is
// at-least-once and may be coalesced when a subscriber falls behind, so
// consumers re-derive state from the delivered document instead of counting events.
type DocumentStore interface {
	Get(ctx context.Context, path string) (Document, bool, error)
	Set(ctx context.Context, path string, doc Document, merge bool) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, collection string) ([]Entry, error)
	Update(ctx context.Context, path string, fn UpdateFunc) (Document, error)
	Subscribe(ctx context.Context, path string) (<-chan Change, func(), error)
}

// EncodeDocument converts a JSON-serializable struct into a Document.
func EncodeDocument(v any) (Document, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("encode document: %w", err)
	}
	return doc, nil
}

// DecodeDocument fills v from doc.
func DecodeDocument(doc Document, v any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode document: %w", err)
	}
	return nil
}

// CloneDocument returns a shallow copy; field values are treated as immutable.
func CloneDocument(doc Document) Document {
	if doc == nil {
		return nil
	}
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

// PathMatches reports whether changed is path itself or one of its descendants.
func PathMatches(path, changed string) bool {
	return changed == path || strings.HasPrefix(changed, path+"/")
}

// SplitPath returns the parent collection and the last segment of path.
func SplitPath(path string) (collection, id string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

func sessionPath(sessionID string) string {
	return "sessions/" + sessionID
}

func ownerPath(ownerID string) string {
	return "owners/" + ownerID
}

// Responses live outside the session subtree so session watchers are not
// flooded with answer writes.
func responsesPath(sessionID string, round int) string {
	return "responses/" + sessionID + "/" + strconv.Itoa(round)
}

func responsePath(sessionID string, round int, studentID string) string {
	return responsesPath(sessionID, round) + "/" + studentID
}

func levelTablePath(ownerID string) string {
	return "levelTables/" + ownerID
}

// ErrUnchanged may be returned by an UpdateFunc to leave the document as it is.
// Update then returns the current document and a nil error.
var ErrUnchanged = errors.New("document unchanged")

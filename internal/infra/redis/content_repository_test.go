package redis

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"classroom-battle-service/internal/domain"
	"classroom-battle-service/internal/infra/memory"
)

func TestContentRepositoryCachesInRedis(t *testing.T) {
	mr, client := startRedis(t)

	loader := &countingLoader{
		ContentLoader: memory.NewStaticContentLoader(map[string]domain.Content{
			"boss-1": sampleContent(),
		}),
	}
	repo := NewContentRepository(client, loader, time.Minute)

	content, err := repo.GetContent(context.Background(), "boss-1")
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if loader.calls.Load() != 1 {
		t.Fatalf("expected loader called once, got %d", loader.calls.Load())
	}
	if !mr.Exists("content:boss-1") {
		t.Fatalf("expected content cached in redis")
	}

	// Second call should hit cache, loader not incremented.
	cached, err := repo.GetContent(context.Background(), "boss-1")
	if err != nil {
		t.Fatalf("get cached content: %v", err)
	}
	if loader.calls.Load() != 1 {
		t.Fatalf("expected cache hit, loader calls=%d", loader.calls.Load())
	}
	if cached.Questions[0].Prompt != content.Questions[0].Prompt || cached.Questions[0].CorrectIndex != 1 {
		t.Fatalf("cached content lost fields: %+v", cached)
	}
}

type countingLoader struct {
	memory.ContentLoader
	calls atomic.Int32
}

func (l *countingLoader) LoadContent(ctx context.Context, contentID string) (domain.Content, error) {
	l.calls.Add(1)
	return l.ContentLoader.LoadContent(ctx, contentID)
}

func sampleContent() domain.Content {
	return domain.Content{
		ID:   "boss-1",
		Mode: domain.ModeBoss,
		Questions: []domain.Question{
			{ID: "q1", Prompt: "What is 2 + 2?", Choices: []string{"3", "4"}, CorrectIndex: 1, Damage: 1},
		},
	}
}

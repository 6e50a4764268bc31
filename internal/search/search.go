package search

import (
	"context"
	"errors"
	"log"

	"gwi.com/search-assistant/internal/store"
)

const (
	DefaultWebResults   = 5
	DefaultImageResults = 6
	userAgent           = "Mozilla/5.0 (ResearchBot)"
)

var (
	ErrNoProvider        = errors.New("no search provider configured. Set SERPAPI_API_KEY in .env")
	ErrImagesUnsupported = errors.New("image search is not supported by this provider")
)

// Provider runs web and image searches against an external engine and
// normalizes the results. Implementations return at most topK items.
type Provider interface {
	Search(ctx context.Context, query string, topK int) ([]store.SearchResult, error)
	SearchImages(ctx context.Context, query string, topK int) ([]store.ImageResult, error)
}

// RankScore turns a 0-based rank into a descending score in (0, 1].
func RankScore(total, index int) *float64 {
	if total <= 0 {
		return nil
	}
	score := float64(total-index) / float64(total)
	return &score
}

// ImagesOrEmpty runs an image search. Failures are logged and yield an empty list.
func ImagesOrEmpty(ctx context.Context, p Provider, query string, topK int) []store.ImageResult {
	images, err := p.SearchImages(ctx, query, topK)
	if err != nil {
		log.Printf("Warning: image search failed for %q: %v. Continuing without images.", query, err)
		return []store.ImageResult{}
	}
	if images == nil {
		return []store.ImageResult{}
	}
	return images
}

// Unconfigured is used when no search backend is available.
type Unconfigured struct{}

func (Unconfigured) Search(context.Context, string, int) ([]store.SearchResult, error) {
	return nil, ErrNoProvider
}

func (Unconfigured) SearchImages(context.Context, string, int) ([]store.ImageResult, error) {
	return nil, ErrNoProvider
}

func clampTopK(topK, fallback int) int {
	if topK <= 0 {
		return fallback
	}
	return topK
}

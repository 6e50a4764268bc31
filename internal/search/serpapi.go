package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"gwi.com/search-assistant/internal/store"
)

const defaultSerpAPIURL = "https://serpapi.com/search.json"

// SerpAPIProvider queries Google web and image results through SerpAPI.
type SerpAPIProvider struct {
	apiKey  string
	baseURL string
	client  *http.Client
}

func NewSerpAPIProvider(apiKey string) *SerpAPIProvider {
	return &SerpAPIProvider{
		apiKey:  apiKey,
		baseURL: defaultSerpAPIURL,
		client:  &http.Client{},
	}
}

// WithBaseURL points the provider at another endpoint (tests, proxies).
func (p *SerpAPIProvider) WithBaseURL(baseURL string) *SerpAPIProvider {
	p.baseURL = baseURL
	return p
}

func (p *SerpAPIProvider) Search(ctx context.Context, query string, topK int) ([]store.SearchResult, error) {
	topK = clampTopK(topK, DefaultWebResults)

	var resp struct {
		Organic []struct {
			Title   string `json:"title"`
			Link    string `json:"link"`
			Snippet string `json:"snippet"`
		} `json:"organic_results"`
	}
	if err := p.get(ctx, "google", query, topK, &resp); err != nil {
		return nil, fmt.Errorf("web search failed: %w", err)
	}

	total := len(resp.Organic)
	results := make([]store.SearchResult, 0, min(total, topK))
	for i, o := range resp.Organic {
		if i >= topK {
			break
		}
		title := o.Title
		if title == "" {
			title = o.Link
		}
		results = append(results, store.SearchResult{
			Title:   title,
			URL:     o.Link,
			Snippet: o.Snippet,
			Score:   RankScore(total, i),
		})
	}
	return results, nil
}

func (p *SerpAPIProvider) SearchImages(ctx context.Context, query string, topK int) ([]store.ImageResult, error) {
	topK = clampTopK(topK, DefaultImageResults)

	var resp struct {
		Images []struct {
			Original  string `json:"original"`
			Link      string `json:"link"`
			Title     string `json:"title"`
			Source    string `json:"source"`
			Thumbnail string `json:"thumbnail"`
		} `json:"images_results"`
	}
	if err := p.get(ctx, "google_images", query, topK, &resp); err != nil {
		return nil, fmt.Errorf("image search failed: %w", err)
	}

	images := make([]store.ImageResult, 0, min(len(resp.Images), topK))
	for i, img := range resp.Images {
		if i >= topK {
			break
		}
		imgURL := img.Original
		if imgURL == "" {
			imgURL = img.Link
		}
		title := img.Title
		if title == "" {
			title = img.Source
		}
		images = append(images, store.ImageResult{
			URL:       imgURL,
			Title:     title,
			Source:    img.Source,
			Thumbnail: img.Thumbnail,
		})
	}
	return images, nil
}

func (p *SerpAPIProvider) get(ctx context.Context, engine, query string, topK int, out any) error {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return fmt.Errorf("invalid SerpAPI URL: %w", err)
	}
	q := u.Query()
	q.Set("engine", engine)
	q.Set("q", query)
	q.Set("num", strconv.Itoa(min(10, topK)))
	q.Set("api_key", p.apiKey)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("SerpAPI returned status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode SerpAPI response: %w", err)
	}
	return nil
}

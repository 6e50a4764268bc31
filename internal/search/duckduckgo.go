package search

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"gwi.com/search-assistant/internal/store"
)

const defaultDuckDuckGoURL = "https://html.duckduckgo.com/html/"

// DuckDuckGoProvider scrapes the keyless DuckDuckGo HTML endpoint. It has no
// image search.
type DuckDuckGoProvider struct {
	baseURL string
	client  *http.Client
}

func NewDuckDuckGoProvider() *DuckDuckGoProvider {
	return &DuckDuckGoProvider{
		baseURL: defaultDuckDuckGoURL,
		client:  &http.Client{},
	}
}

func (p *DuckDuckGoProvider) WithBaseURL(baseURL string) *DuckDuckGoProvider {
	p.baseURL = baseURL
	return p
}

func (p *DuckDuckGoProvider) Search(ctx context.Context, query string, topK int) ([]store.SearchResult, error) {
	topK = clampTopK(topK, DefaultWebResults)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"?q="+url.QueryEscape(query), nil)
	if err != nil {
		return nil, fmt.Errorf("web search failed: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("web search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("web search failed: DuckDuckGo returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("web search failed: %w", err)
	}

	var results []store.SearchResult
	// DuckDuckGo markup changes now and then; keep selectors conservative.
	doc.Find(".result__body").Each(func(_ int, s *goquery.Selection) {
		link := s.Find(".result__a").First()
		href, _ := link.Attr("href")
		target := resolveRedirect(href)
		if target == "" {
			return
		}
		title := strings.TrimSpace(link.Text())
		if title == "" {
			title = target
		}
		results = append(results, store.SearchResult{
			Title:   title,
			URL:     target,
			Snippet: strings.TrimSpace(s.Find(".result__snippet").Text()),
		})
	})

	total := len(results)
	if total > topK {
		results = results[:topK]
	}
	for i := range results {
		results[i].Score = RankScore(total, i)
	}
	return results, nil
}

func (p *DuckDuckGoProvider) SearchImages(context.Context, string, int) ([]store.ImageResult, error) {
	return nil, ErrImagesUnsupported
}

// resolveRedirect unwraps DuckDuckGo's "/l/?uddg=<target>" links.
func resolveRedirect(href string) string {
	if href == "" {
		return ""
	}
	if strings.HasPrefix(href, "//") {
		href = "https:" + href
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ""
	}
	return u.String()
}

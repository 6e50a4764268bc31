// Package scrape fetches web pages and extracts their readable text.
//
// Scraping is best effort: every URL is fetched independently under its own
// timeout, and a failed URL never fails the batch.
package scrape

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/sourcegraph/conc/iter"
	"gwi.com/search-assistant/internal/utils"
)

const (
	DefaultTimeout = 8 * time.Second

	// MaxExtractLength bounds the raw text taken from a page before cleaning.
	MaxExtractLength = 20_000
	// MinContentLength is exclusive: pages with this many characters or fewer are dropped.
	MinContentLength = 200

	maxBodyBytes = 5 << 20
	userAgent    = "Mozilla/5.0 (ResearchBot)"
)

// boilerplate is removed before text extraction.
var boilerplate = strings.Join([]string{
	"script", "style", "noscript", "template", "svg", "canvas", "iframe",
	"nav", "header", "footer", "aside", "form", "button",
	"[role=navigation]", "[role=banner]", "[role=contentinfo]", "[aria-hidden=true]",
}, ", ")

// Page is the outcome of scraping one URL. Index is the URL's position in the
// input batch; on failure Title is the URL, Content is empty and Err is set.
type Page struct {
	Index   int
	URL     string
	Title   string
	Content string
	Err     error
}

type Scraper struct {
	client  *http.Client
	timeout time.Duration
}

func NewScraper(timeout time.Duration) *Scraper {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Scraper{
		client:  &http.Client{},
		timeout: timeout,
	}
}

// ScrapeMany fetches every URL concurrently and returns only the pages with
// usable content, in input order. An empty result is valid.
func (s *Scraper) ScrapeMany(ctx context.Context, urls []string) []Page {
	return Usable(s.FetchAll(ctx, urls))
}

// FetchAll returns one Page per URL, in input order, including failures.
func (s *Scraper) FetchAll(ctx context.Context, urls []string) []Page {
	if len(urls) == 0 {
		return []Page{}
	}
	mapper := iter.Mapper[string, Page]{MaxGoroutines: len(urls)}
	pages := mapper.Map(urls, func(u *string) Page {
		return s.fetchPage(ctx, *u)
	})
	for i := range pages {
		pages[i].Index = i
		if pages[i].Err != nil {
			log.Printf("Scrape of %s failed: %v", pages[i].URL, pages[i].Err)
		}
	}
	return pages
}

// Usable keeps pages whose content is longer than MinContentLength.
func Usable(pages []Page) []Page {
	kept := make([]Page, 0, len(pages))
	for _, p := range pages {
		if p.Err == nil && utils.RuneLen(p.Content) > MinContentLength {
			kept = append(kept, p)
		}
	}
	return kept
}

func (s *Scraper) fetchPage(ctx context.Context, pageURL string) Page {
	title, content, err := s.fetch(ctx, pageURL)
	if err != nil {
		return Page{URL: pageURL, Title: pageURL, Err: err}
	}
	return Page{URL: pageURL, Title: title, Content: content}
}

func (s *Scraper) fetch(ctx context.Context, pageURL string) (string, string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", "", err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "", fmt.Errorf("fetch failed: %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") && !strings.HasPrefix(ct, "text/") {
		return "", "", fmt.Errorf("unsupported content type %q", ct)
	}

	return Extract(io.LimitReader(resp.Body, maxBodyBytes), pageURL)
}

// Extract pulls the title and the main readable text out of an HTML document.
// Navigation and other boilerplate is stripped, the text is cut to
// MaxExtractLength characters and its whitespace collapsed.
func Extract(r io.Reader, pageURL string) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", "", fmt.Errorf("failed to parse html: %w", err)
	}

	title := pageTitle(doc, pageURL)

	doc.Find(boilerplate).Remove()
	raw := textOf(mainContent(doc))
	content := utils.CollapseWhitespace(utils.Truncate(raw, MaxExtractLength))
	return title, content, nil
}

func pageTitle(doc *goquery.Document, pageURL string) string {
	if t, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok && strings.TrimSpace(t) != "" {
		return utils.CollapseWhitespace(t)
	}
	if t := utils.CollapseWhitespace(doc.Find("title").First().Text()); t != "" {
		return t
	}
	if t := utils.CollapseWhitespace(doc.Find("h1").First().Text()); t != "" {
		return t
	}
	return pageURL
}

// mainContent prefers the article body over the whole page.
func mainContent(doc *goquery.Document) *goquery.Selection {
	for _, selector := range []string{"article", "main", "[role=main]", "#content", ".content"} {
		sel := doc.Find(selector)
		if sel.Length() == 0 {
			continue
		}
		best := sel.First()
		bestLen := len(strings.TrimSpace(best.Text()))
		sel.Each(func(_ int, s *goquery.Selection) {
			if n := len(strings.TrimSpace(s.Text())); n > bestLen {
				best, bestLen = s, n
			}
		})
		if bestLen > 0 {
			return best
		}
	}
	return doc.Find("body")
}

// textOf concatenates text nodes with separators so that adjacent block
// elements do not run together.
func textOf(sel *goquery.Selection) string {
	var b strings.Builder
	var walk func(*goquery.Selection)
	walk = func(s *goquery.Selection) {
		s.Contents().Each(func(_ int, c *goquery.Selection) {
			if goquery.NodeName(c) == "#text" {
				b.WriteString(c.Text())
				b.WriteByte(' ')
				return
			}
			walk(c)
		})
	}
	walk(sel)
	return b.String()
}

package core

import (
	"context"
	"errors"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gwi.com/search-assistant/internal/scrape"
	"gwi.com/search-assistant/internal/sse"
	"gwi.com/search-assistant/internal/store"
)

var longText = strings.Repeat("Paris has been the capital of France for centuries. ", 8)

type fakeSearch struct {
	results []store.SearchResult
	images  []store.ImageResult
	err     error
	imgErr  error
	calls   atomic.Int32
}

func (f *fakeSearch) Search(_ context.Context, _ string, topK int) ([]store.SearchResult, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if len(f.results) > topK {
		return f.results[:topK], nil
	}
	return f.results, nil
}

func (f *fakeSearch) SearchImages(context.Context, string, int) ([]store.ImageResult, error) {
	if f.imgErr != nil {
		return nil, f.imgErr
	}
	return f.images, nil
}

// fakeScraper serves canned page text by URL and applies the real usability filter.
type fakeScraper struct {
	content map[string]string
}

func (f *fakeScraper) ScrapeMany(_ context.Context, urls []string) []scrape.Page {
	pages := make([]scrape.Page, len(urls))
	for i, u := range urls {
		c, ok := f.content[u]
		if !ok {
			pages[i] = scrape.Page{Index: i, URL: u, Title: u, Err: errors.New("fetch failed: 404")}
			continue
		}
		pages[i] = scrape.Page{Index: i, URL: u, Title: "Title of " + u, Content: c}
	}
	return scrape.Usable(pages)
}

type fakeModel struct {
	mu       sync.Mutex
	tokens   []string
	err      error
	failAt   int
	requests []ChatRequest
	during   func(ChatRequest)
}

func (m *fakeModel) record(req ChatRequest) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	during := m.during
	m.mu.Unlock()
	if during != nil {
		during(req)
	}
}

func (m *fakeModel) lastRequest(t *testing.T) ChatRequest {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		t.Fatal("model was never called")
	}
	return m.requests[len(m.requests)-1]
}

func (m *fakeModel) Complete(_ context.Context, req ChatRequest) (string, error) {
	m.record(req)
	if m.err != nil {
		return "", m.err
	}
	return strings.Join(m.tokens, ""), nil
}

func (m *fakeModel) Stream(_ context.Context, req ChatRequest, onToken func(string) error) error {
	m.record(req)
	for i, tok := range m.tokens {
		if m.err != nil && i == m.failAt {
			return m.err
		}
		if err := onToken(tok); err != nil {
			return err
		}
	}
	return m.err
}

func webResults(n int) []store.SearchResult {
	results := make([]store.SearchResult, n)
	for i := range results {
		u := "https://example.com/" + strconv.Itoa(i+1)
		results[i] = store.SearchResult{Title: "Result " + strconv.Itoa(i+1), URL: u, Snippet: "snippet", Score: nil}
	}
	return results
}

func allContent(results []store.SearchResult) map[string]string {
	content := make(map[string]string, len(results))
	for _, r := range results {
		content[r.URL] = longText + r.URL
	}
	return content
}

type fixture struct {
	svc     *AskService
	store   *store.SQLiteStore
	search  *fakeSearch
	scraper *fakeScraper
	model   *fakeModel
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ask.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	results := webResults(5)
	f := &fixture{
		store:   st,
		search:  &fakeSearch{results: results, images: []store.ImageResult{{URL: "https://img/1.jpg"}}},
		scraper: &fakeScraper{content: allContent(results)},
		model:   &fakeModel{tokens: []string{"Paris ", "is the capital ", "of France [1][2]."}},
	}
	f.svc = NewAskService(st, f.search, f.scraper, f.model, AskOptions{ImageSearch: true})
	return f
}

var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

func assertCitationsInRange(t *testing.T, answer string, sources []store.SearchResult) {
	t.Helper()
	for _, m := range citationPattern.FindAllStringSubmatch(answer, -1) {
		n, _ := strconv.Atoi(m[1])
		if n < 1 || n > len(sources) {
			t.Fatalf("citation [%d] outside 1..%d", n, len(sources))
		}
	}
}

func TestAskCreatesThreadAndPersistsTurn(t *testing.T) {
	f := newFixture(t)
	query := "What is the capital of France?"

	resp, err := f.svc.Ask(context.Background(), AskRequest{Query: query, UserID: "u1"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.ThreadID == "" || resp.MessageID == "" {
		t.Fatalf("missing ids: %+v", resp)
	}
	if resp.AnswerMD != "Paris is the capital of France [1][2]." {
		t.Fatalf("answer = %q", resp.AnswerMD)
	}
	if len(resp.Sources) != 5 || len(resp.Images) != 1 {
		t.Fatalf("sources/images = %d/%d", len(resp.Sources), len(resp.Images))
	}
	assertCitationsInRange(t, resp.AnswerMD, resp.Sources)

	thread, err := f.store.GetThread(resp.ThreadID)
	if err != nil || thread == nil {
		t.Fatalf("thread not stored: %v", err)
	}
	if thread.Title != query || thread.UserID != "u1" {
		t.Fatalf("unexpected thread: %+v", thread)
	}

	msgs, err := f.store.ThreadMessages(resp.ThreadID)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != store.RoleUser || msgs[0].Content != query {
		t.Fatalf("user message = %+v", msgs[0])
	}
	if msgs[1].Role != store.RoleAssistant || msgs[1].ID != resp.MessageID || msgs[1].Model != DefaultModel {
		t.Fatalf("assistant message = %+v", msgs[1])
	}
	if len(msgs[1].Sources) != 5 || len(msgs[1].Images) != 1 {
		t.Fatalf("assistant side data not persisted: %+v", msgs[1])
	}

	req := f.model.lastRequest(t)
	if req.Temperature != DefaultTemperature || req.Model.ID != DefaultModel {
		t.Fatalf("unexpected model request: %+v", req)
	}
	if req.Messages[0].Role != RoleSystem || req.Messages[len(req.Messages)-1].Role != RoleUser {
		t.Fatalf("prompt should be system ... user, got %+v", req.Messages)
	}
}

func TestAskSourcesMatchPromptNumbering(t *testing.T) {
	f := newFixture(t)
	// Results 1 and 3 fail to scrape; the survivors are renumbered 1..3.
	delete(f.scraper.content, "https://example.com/1")
	delete(f.scraper.content, "https://example.com/3")

	resp, err := f.svc.Ask(context.Background(), AskRequest{Query: "capital of France", UserID: "u1"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(resp.Sources) != 3 {
		t.Fatalf("expected 3 sources, got %+v", resp.Sources)
	}

	prompt := f.model.lastRequest(t).Messages
	user := prompt[len(prompt)-1].Content
	for i, src := range resp.Sources {
		marker := "[" + strconv.Itoa(i+1) + "] Title of " + src.URL + "\nURL: " + src.URL
		if !strings.Contains(user, marker) {
			t.Fatalf("prompt document %d does not match sources[%d] (%s):\n%s", i+1, i, src.URL, user)
		}
	}
}

func TestAskContinuesThreadWithHistory(t *testing.T) {
	f := newFixture(t)
	first, err := f.svc.Ask(context.Background(), AskRequest{Query: "What is the capital of France?", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	before, _ := f.store.GetThread(first.ThreadID)

	second, err := f.svc.Ask(context.Background(), AskRequest{Query: "And its population?", UserID: "u1", ThreadID: first.ThreadID})
	if err != nil {
		t.Fatalf("second Ask: %v", err)
	}
	if second.ThreadID != first.ThreadID {
		t.Fatalf("thread changed: %s -> %s", first.ThreadID, second.ThreadID)
	}

	msgs := f.model.lastRequest(t).Messages
	if len(msgs) != 4 {
		t.Fatalf("expected system + 2 history + current, got %d: %+v", len(msgs), msgs)
	}
	if msgs[1].Role != RoleUser || msgs[1].Content != "What is the capital of France?" {
		t.Fatalf("history[0] = %+v", msgs[1])
	}
	if msgs[2].Role != RoleAssistant || msgs[2].Content != first.AnswerMD {
		t.Fatalf("history[1] = %+v", msgs[2])
	}
	if !strings.Contains(msgs[3].Content, "Question: And its population?") {
		t.Fatalf("current turn = %q", msgs[3].Content)
	}

	after, _ := f.store.GetThread(first.ThreadID)
	if after.UpdatedAt <= before.UpdatedAt {
		t.Fatalf("updated_at did not increase: %d -> %d", before.UpdatedAt, after.UpdatedAt)
	}
	all, _ := f.store.ThreadMessages(first.ThreadID)
	if len(all) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(all))
	}
}

func TestAskHistoryIsLimited(t *testing.T) {
	f := newFixture(t)
	first, err := f.svc.Ask(context.Background(), AskRequest{Query: "question 0", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	for i := 1; i <= 6; i++ {
		if _, err := f.svc.Ask(context.Background(), AskRequest{Query: "question " + strconv.Itoa(i), UserID: "u1", ThreadID: first.ThreadID}); err != nil {
			t.Fatal(err)
		}
	}
	msgs := f.model.lastRequest(t).Messages
	if got := len(msgs) - 2; got != HistoryLimit {
		t.Fatalf("history has %d messages, want %d", got, HistoryLimit)
	}
	if msgs[1].Content != "question 1" {
		t.Fatalf("oldest history message = %q", msgs[1].Content)
	}
}

func TestAskPersistsQuestionBeforeModelCall(t *testing.T) {
	f := newFixture(t)
	var seen []store.Message
	f.model.during = func(ChatRequest) {
		threads, _ := f.store.ListThreads("u1")
		if len(threads) == 1 {
			seen, _ = f.store.ThreadMessages(threads[0].ID)
		}
	}

	if _, err := f.svc.Ask(context.Background(), AskRequest{Query: "capital of France", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if len(seen) != 1 || seen[0].Role != store.RoleUser {
		t.Fatalf("during the model call the store held %+v", seen)
	}
}

func TestAskWithAllScrapesFailing(t *testing.T) {
	f := newFixture(t)
	f.scraper.content = map[string]string{}

	resp, err := f.svc.Ask(context.Background(), AskRequest{Query: "capital of France", UserID: "u1"})
	if err != nil {
		t.Fatalf("Ask should proceed without documents: %v", err)
	}
	if len(resp.Sources) != 0 {
		t.Fatalf("expected no sources, got %+v", resp.Sources)
	}
	user := f.model.lastRequest(t).Messages
	if strings.Contains(user[len(user)-1].Content, "[1]") {
		t.Fatalf("prompt should embed no documents: %q", user[len(user)-1].Content)
	}
}

func TestAskSearchFailureIsFatal(t *testing.T) {
	f := newFixture(t)
	f.search.err = errors.New("no search provider configured")

	_, err := f.svc.Ask(context.Background(), AskRequest{Query: "capital of France", UserID: "u1"})
	if err == nil || !strings.Contains(err.Error(), "no search provider configured") {
		t.Fatalf("err = %v", err)
	}
	threads, _ := f.store.ListThreads("u1")
	for _, th := range threads {
		msgs, _ := f.store.ThreadMessages(th.ID)
		if len(msgs) != 0 {
			t.Fatalf("search failure left messages behind: %+v", msgs)
		}
	}
	if len(f.model.requests) != 0 {
		t.Fatal("model must not be called after a search failure")
	}
}

func TestAskImageSearchFailureDegrades(t *testing.T) {
	f := newFixture(t)
	f.search.imgErr = errors.New("image backend down")

	resp, err := f.svc.Ask(context.Background(), AskRequest{Query: "capital of France", UserID: "u1"})
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if resp.Images == nil || len(resp.Images) != 0 {
		t.Fatalf("images = %#v, want empty list", resp.Images)
	}
	msgs, _ := f.store.ThreadMessages(resp.ThreadID)
	if msgs[1].Images != nil {
		t.Fatalf("empty images should not be persisted: %+v", msgs[1].Images)
	}
}

func TestAskModelFailureKeepsQuestionOnly(t *testing.T) {
	f := newFixture(t)
	f.model.err = errors.New("quota exceeded")

	_, err := f.svc.Ask(context.Background(), AskRequest{Query: "capital of France", UserID: "u1"})
	if err == nil || !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("err = %v", err)
	}
	threads, _ := f.store.ListThreads("u1")
	msgs, _ := f.store.ThreadMessages(threads[0].ID)
	if len(msgs) != 1 || msgs[0].Role != store.RoleUser {
		t.Fatalf("expected only the question, got %+v", msgs)
	}
}

func TestAskEmptyAnswerFallsBack(t *testing.T) {
	f := newFixture(t)
	f.model.tokens = []string{"  ", "\n"}

	resp, err := f.svc.Ask(context.Background(), AskRequest{Query: "capital of France", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if resp.AnswerMD != NoAnswer {
		t.Fatalf("answer = %q", resp.AnswerMD)
	}
}

func TestAskValidation(t *testing.T) {
	f := newFixture(t)
	cases := map[string]AskRequest{
		"query too short":  {Query: "ab", UserID: "u1"},
		"blank query":      {Query: "      ", UserID: "u1"},
		"missing user":     {Query: "capital of France"},
		"malformed user":   {Query: "capital of France", UserID: "u 1"},
		"malformed thread": {Query: "capital of France", UserID: "u1", ThreadID: "../etc"},
		"unknown model":    {Query: "capital of France", UserID: "u1", Model: "gpt-0"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.Ask(context.Background(), req)
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
	if f.search.calls.Load() != 0 {
		t.Fatal("validation failures must not reach search")
	}
	if u, _ := f.store.GetUser("u1"); u != nil {
		t.Fatal("validation failures must not create users")
	}

	if _, err := f.svc.Ask(context.Background(), AskRequest{Query: "abc", UserID: "u1"}); err != nil {
		t.Fatalf("three-character query should be accepted: %v", err)
	}
}

func TestAskUnknownOrForeignThread(t *testing.T) {
	f := newFixture(t)
	resp, err := f.svc.Ask(context.Background(), AskRequest{Query: "capital of France", UserID: "owner"})
	if err != nil {
		t.Fatal(err)
	}

	for _, req := range []AskRequest{
		{Query: "capital of France", UserID: "owner", ThreadID: "does-not-exist"},
		{Query: "capital of France", UserID: "intruder", ThreadID: resp.ThreadID},
	} {
		if _, err := f.svc.Ask(context.Background(), req); !errors.Is(err, ErrThreadNotFound) {
			t.Fatalf("err = %v, want ErrThreadNotFound", err)
		}
	}
}

func collect(events *[]sse.Event) func(sse.Event) error {
	return func(ev sse.Event) error {
		*events = append(*events, ev)
		return nil
	}
}

func TestAskStreamEventSequence(t *testing.T) {
	f := newFixture(t)
	var events []sse.Event

	if err := f.svc.AskStream(context.Background(), AskRequest{Query: "capital of France", UserID: "u1", Stream: true}, collect(&events)); err != nil {
		t.Fatalf("AskStream: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("expected metadata + 3 tokens + done, got %#v", events)
	}
	meta, ok := events[0].(sse.Metadata)
	if !ok || meta.ThreadID == "" || len(meta.Sources) != 5 || len(meta.Images) != 1 {
		t.Fatalf("metadata = %#v", events[0])
	}
	var streamed strings.Builder
	for _, ev := range events[1:4] {
		streamed.WriteString(ev.(sse.Token).Content)
	}
	done, ok := events[4].(sse.Done)
	if !ok {
		t.Fatalf("last event = %#v", events[4])
	}

	msgs, _ := f.store.ThreadMessages(meta.ThreadID)
	if len(msgs) != 2 || msgs[1].ID != done.MessageID || msgs[1].Content != streamed.String() {
		t.Fatalf("persisted answer does not match stream: %+v", msgs)
	}
}

func TestAskStreamMatchesBatch(t *testing.T) {
	cases := map[string][]string{
		"answer":        {"Paris ", "is the capital ", "of France [1][2]."},
		"no tokens":     nil,
		"blank tokens":  {"  ", "\n"},
		"leading blank": {" ", "Paris [1]."},
	}
	for name, tokens := range cases {
		t.Run(name, func(t *testing.T) {
			batch := newFixture(t)
			batch.model.tokens = tokens
			resp, err := batch.svc.Ask(context.Background(), AskRequest{Query: "capital of France", UserID: "u1"})
			if err != nil {
				t.Fatal(err)
			}

			streaming := newFixture(t)
			streaming.model.tokens = tokens
			var events []sse.Event
			if err := streaming.svc.AskStream(context.Background(), AskRequest{Query: "capital of France", UserID: "u1"}, collect(&events)); err != nil {
				t.Fatal(err)
			}
			var streamed strings.Builder
			for _, ev := range events {
				if tok, ok := ev.(sse.Token); ok {
					streamed.WriteString(tok.Content)
				}
			}
			if streamed.String() != resp.AnswerMD {
				t.Fatalf("stream %q != batch %q", streamed.String(), resp.AnswerMD)
			}

			done, ok := events[len(events)-1].(sse.Done)
			if !ok {
				t.Fatalf("last event = %#v", events[len(events)-1])
			}
			msgs, _ := streaming.store.ThreadMessages(events[0].(sse.Metadata).ThreadID)
			if len(msgs) != 2 || msgs[1].ID != done.MessageID || msgs[1].Content != streamed.String() {
				t.Fatalf("stored answer does not match stream: %+v", msgs)
			}
		})
	}
}

func TestAskStreamModelFailureMidStream(t *testing.T) {
	f := newFixture(t)
	f.model.err = errors.New("connection reset")
	f.model.failAt = 2

	var events []sse.Event
	err := f.svc.AskStream(context.Background(), AskRequest{Query: "capital of France", UserID: "u1"}, collect(&events))
	if err == nil {
		t.Fatal("expected an error")
	}

	names := make([]string, len(events))
	for i, ev := range events {
		names[i] = ev.EventName()
	}
	if strings.Join(names, ",") != "metadata,token,token,error" {
		t.Fatalf("events = %v", names)
	}
	if msg := events[3].(sse.Error).Message; !strings.Contains(msg, "connection reset") {
		t.Fatalf("error event = %q", msg)
	}

	msgs, _ := f.store.ThreadMessages(events[0].(sse.Metadata).ThreadID)
	if len(msgs) != 1 || msgs[0].Role != store.RoleUser {
		t.Fatalf("expected only the question to be stored, got %+v", msgs)
	}
}

func TestAskStreamFailureBeforeMetadata(t *testing.T) {
	f := newFixture(t)
	f.search.err = errors.New("search down")

	var events []sse.Event
	if err := f.svc.AskStream(context.Background(), AskRequest{Query: "capital of France", UserID: "u1"}, collect(&events)); err == nil {
		t.Fatal("expected an error")
	}
	if len(events) != 1 {
		t.Fatalf("expected a lone error event, got %#v", events)
	}
	if e, ok := events[0].(sse.Error); !ok || e.Message != "search down" {
		t.Fatalf("event = %#v", events[0])
	}
}

func TestConcurrentAsksOnOneThreadAreSerialized(t *testing.T) {
	f := newFixture(t)
	first, err := f.svc.Ask(context.Background(), AskRequest{Query: "first question", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}

	var inflight, maxInflight atomic.Int32
	f.model.during = func(ChatRequest) {
		n := inflight.Add(1)
		for {
			m := maxInflight.Load()
			if n <= m || maxInflight.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.svc.Ask(context.Background(), AskRequest{Query: "follow-up " + strconv.Itoa(i), UserID: "u1", ThreadID: first.ThreadID})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	if maxInflight.Load() != 1 {
		t.Fatalf("asks on one thread overlapped (max in flight %d)", maxInflight.Load())
	}
	msgs, _ := f.store.ThreadMessages(first.ThreadID)
	if len(msgs) != 10 {
		t.Fatalf("expected 10 messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		want := store.RoleUser
		if i%2 == 1 {
			want = store.RoleAssistant
		}
		if m.Role != want {
			t.Fatalf("message %d has role %s, history interleaved", i, m.Role)
		}
	}
	if f.svc.locks.size() != 0 {
		t.Fatalf("thread locks leaked: %d", f.svc.locks.size())
	}
}

func TestCheckThread(t *testing.T) {
	f := newFixture(t)
	resp, err := f.svc.Ask(context.Background(), AskRequest{Query: "capital of France", UserID: "owner"})
	if err != nil {
		t.Fatal(err)
	}
	if err := f.svc.CheckThread(AskRequest{UserID: "owner", ThreadID: resp.ThreadID}); err != nil {
		t.Fatalf("owner check: %v", err)
	}
	if err := f.svc.CheckThread(AskRequest{UserID: "owner"}); err != nil {
		t.Fatalf("new thread check: %v", err)
	}
	if err := f.svc.CheckThread(AskRequest{UserID: "intruder", ThreadID: resp.ThreadID}); !errors.Is(err, ErrThreadNotFound) {
		t.Fatalf("foreign thread err = %v", err)
	}
}

package core

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sourcegraph/conc"
	"gwi.com/search-assistant/internal/scrape"
	"gwi.com/search-assistant/internal/search"
	"gwi.com/search-assistant/internal/sse"
	"gwi.com/search-assistant/internal/store"
	"gwi.com/search-assistant/internal/utils"
)

const (
	MinQueryLength = 3
	// HistoryLimit is how many earlier messages of a thread go into the prompt.
	HistoryLimit       = 10
	DefaultTemperature = float32(0.2)
	NoAnswer           = "No answer."
)

// ConversationStore is the persistence the ask pipeline and thread API need.
type ConversationStore interface {
	GetOrCreateUser(userID string) (string, error)
	CreateThread(userID, title string) (*store.Thread, error)
	GetThread(threadID string) (*store.Thread, error)
	TouchThread(threadID string) (int64, error)
	ListThreads(userID string) ([]store.Thread, error)
	DeleteThread(threadID, userID string) (bool, error)
	ClearThreads(userID string) (int64, error)
	AppendMessage(msg *store.Message) error
	RecentMessages(threadID string, limit int) ([]store.Message, error)
	ThreadMessages(threadID string) ([]store.Message, error)
}

type PageScraper interface {
	ScrapeMany(ctx context.Context, urls []string) []scrape.Page
}

type AskRequest struct {
	Query    string `json:"query"`
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id,omitempty"`
	Model    string `json:"model,omitempty"`
	Stream   bool   `json:"stream,omitempty"`
}

// Validate checks the request and normalizes it: the query is trimmed and an
// empty model is replaced by defaultModel.
func (r *AskRequest) Validate(defaultModel string) error {
	r.Query = strings.TrimSpace(r.Query)
	if utils.RuneLen(r.Query) < MinQueryLength {
		return invalid(fmt.Sprintf("query must be at least %d characters", MinQueryLength))
	}
	if err := validateUserID(r.UserID); err != nil {
		return err
	}
	if r.ThreadID != "" && !ValidToken(r.ThreadID) {
		return invalid("thread_id is malformed")
	}
	if r.Model == "" {
		r.Model = defaultModel
	}
	if _, ok := LookupModel(r.Model); !ok {
		return invalid(fmt.Sprintf("unknown model %q", r.Model))
	}
	return nil
}

type AskResponse struct {
	AnswerMD  string               `json:"answer_md"`
	Sources   []store.SearchResult `json:"sources"`
	Images    []store.ImageResult  `json:"images"`
	ThreadID  string               `json:"thread_id"`
	MessageID string               `json:"message_id"`
}

type AskOptions struct {
	DefaultModel string
	ImageSearch  bool
	Debug        bool
}

// AskService runs the ask pipeline: search, scrape, prompt, history, model
// call and persistence.
type AskService struct {
	store   ConversationStore
	search  search.Provider
	scraper PageScraper
	llm     ChatModel
	locks   *threadLocks
	opts    AskOptions
}

func NewAskService(st ConversationStore, sp search.Provider, sc PageScraper, llm ChatModel, opts AskOptions) *AskService {
	if opts.DefaultModel == "" {
		opts.DefaultModel = DefaultModel
	}
	return &AskService{
		store:   st,
		search:  sp,
		scraper: sc,
		llm:     llm,
		locks:   newThreadLocks(),
		opts:    opts,
	}
}

func (s *AskService) DefaultModel() string {
	return s.opts.DefaultModel
}

// CheckThread reports ErrThreadNotFound when req continues a thread that does
// not exist or belongs to another user. A request without a thread passes.
func (s *AskService) CheckThread(req AskRequest) error {
	if req.ThreadID == "" {
		return nil
	}
	thread, err := s.store.GetThread(req.ThreadID)
	if err != nil {
		return err
	}
	if thread == nil || thread.UserID != req.UserID {
		return ErrThreadNotFound
	}
	return nil
}

// askTurn is the request-local state built before the model is called.
type askTurn struct {
	query    string
	threadID string
	model    Model
	sources  []store.SearchResult
	images   []store.ImageResult
	messages []ChatMessage
	unlock   func()
}

func (t *askTurn) chatRequest() ChatRequest {
	return ChatRequest{Model: t.model, Messages: t.messages, Temperature: DefaultTemperature}
}

// Ask answers in one piece.
func (s *AskService) Ask(ctx context.Context, req AskRequest) (*AskResponse, error) {
	turn, err := s.prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	defer turn.unlock()

	if err := s.persistQuestion(turn); err != nil {
		return nil, err
	}

	text, err := s.llm.Complete(ctx, turn.chatRequest())
	if err != nil {
		return nil, fmt.Errorf("model invocation failed: %w", err)
	}

	msg, err := s.persistAnswer(turn, text)
	if err != nil {
		return nil, err
	}
	return &AskResponse{
		AnswerMD:  msg.Content,
		Sources:   turn.sources,
		Images:    turn.images,
		ThreadID:  turn.threadID,
		MessageID: msg.ID,
	}, nil
}

// AskStream answers through emit: one Metadata, the Tokens as the model
// produces them, then Done once the answer is stored. Any failure is emitted
// as a single Error event and also returned. A partial answer is never stored.
func (s *AskService) AskStream(ctx context.Context, req AskRequest, emit func(sse.Event) error) error {
	err := s.askStream(ctx, req, emit)
	if err != nil {
		if emitErr := emit(sse.Error{Message: err.Error()}); emitErr != nil {
			log.Printf("Failed to send error event: %v", emitErr)
		}
	}
	return err
}

func (s *AskService) askStream(ctx context.Context, req AskRequest, emit func(sse.Event) error) error {
	turn, err := s.prepare(ctx, req)
	if err != nil {
		return err
	}
	defer turn.unlock()

	if err := s.persistQuestion(turn); err != nil {
		return err
	}

	if err := emit(sse.Metadata{Sources: turn.sources, Images: turn.images, ThreadID: turn.threadID}); err != nil {
		return fmt.Errorf("failed to send metadata: %w", err)
	}

	// Leading blank tokens are held back: an answer that stays blank is sent
	// as the NoAnswer fallback alone, exactly as it is stored.
	var (
		answer  strings.Builder
		held    []string
		started bool
	)
	err = s.llm.Stream(ctx, turn.chatRequest(), func(token string) error {
		answer.WriteString(token)
		if !started {
			if strings.TrimSpace(token) == "" {
				held = append(held, token)
				return nil
			}
			started = true
			for _, h := range held {
				if err := emit(sse.Token{Content: h}); err != nil {
					return err
				}
			}
			held = nil
		}
		return emit(sse.Token{Content: token})
	})
	if err != nil {
		return fmt.Errorf("model invocation failed: %w", err)
	}
	if !started {
		if err := emit(sse.Token{Content: NoAnswer}); err != nil {
			return err
		}
	}

	msg, err := s.persistAnswer(turn, answer.String())
	if err != nil {
		return err
	}
	return emit(sse.Done{MessageID: msg.ID})
}

// prepare validates the request and runs every stage up to the model call.
// On success the thread lock is held and must be released with turn.unlock.
func (s *AskService) prepare(ctx context.Context, req AskRequest) (*askTurn, error) {
	if err := req.Validate(s.opts.DefaultModel); err != nil {
		return nil, err
	}
	model, _ := LookupModel(req.Model)
	started := time.Now()

	threadID, unlock, err := s.resolveThread(ctx, req)
	if err != nil {
		return nil, err
	}
	turn := &askTurn{query: req.Query, threadID: threadID, model: model, unlock: unlock}
	ok := false
	defer func() {
		if !ok {
			unlock()
		}
	}()

	results, images, err := s.runSearch(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	s.debugf("search for thread %s: %d results, %d images in %s", threadID, len(results), len(images), time.Since(started))

	docs, sources := s.scrapeSources(ctx, results)
	turn.sources = sources
	turn.images = images
	s.debugf("scrape for thread %s: kept %d of %d pages in %s", threadID, len(docs), len(results), time.Since(started))

	system := BuildSystemPrompt()
	user := BuildUserPrompt(req.Query, docs)

	history, err := s.store.RecentMessages(threadID, HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}

	turn.messages = make([]ChatMessage, 0, len(history)+2)
	turn.messages = append(turn.messages, ChatMessage{Role: RoleSystem, Content: system})
	for _, m := range history {
		turn.messages = append(turn.messages, ChatMessage{Role: string(m.Role), Content: m.Content})
	}
	turn.messages = append(turn.messages, ChatMessage{Role: RoleUser, Content: user})

	ok = true
	return turn, nil
}

// resolveThread creates a thread titled after the query or touches the
// requested one, and returns it locked.
func (s *AskService) resolveThread(ctx context.Context, req AskRequest) (string, func(), error) {
	if _, err := s.store.GetOrCreateUser(req.UserID); err != nil {
		return "", nil, err
	}

	if req.ThreadID == "" {
		thread, err := s.store.CreateThread(req.UserID, utils.TitleFromQuery(req.Query))
		if err != nil {
			return "", nil, err
		}
		unlock, err := s.locks.Lock(ctx, thread.ID)
		if err != nil {
			return "", nil, err
		}
		return thread.ID, unlock, nil
	}

	thread, err := s.store.GetThread(req.ThreadID)
	if err != nil {
		return "", nil, err
	}
	if thread == nil || thread.UserID != req.UserID {
		return "", nil, ErrThreadNotFound
	}

	unlock, err := s.locks.Lock(ctx, thread.ID)
	if err != nil {
		return "", nil, err
	}
	if _, err := s.store.TouchThread(thread.ID); err != nil {
		unlock()
		return "", nil, err
	}
	return thread.ID, unlock, nil
}

// runSearch issues the web and image searches concurrently. Only the web
// search can fail the request.
func (s *AskService) runSearch(ctx context.Context, query string) ([]store.SearchResult, []store.ImageResult, error) {
	var (
		results   []store.SearchResult
		searchErr error
		images    = []store.ImageResult{}
	)

	wg := conc.NewWaitGroup()
	wg.Go(func() {
		results, searchErr = s.search.Search(ctx, query, search.DefaultWebResults)
	})
	if s.opts.ImageSearch {
		wg.Go(func() {
			images = search.ImagesOrEmpty(ctx, s.search, query, search.DefaultImageResults)
		})
	}
	wg.Wait()

	if searchErr != nil {
		return nil, nil, searchErr
	}
	return results, images, nil
}

// scrapeSources numbers the usable pages 1..n in search order and returns the
// matching search results, so that [n] in the answer is sources[n-1].
func (s *AskService) scrapeSources(ctx context.Context, results []store.SearchResult) ([]Document, []store.SearchResult) {
	urls := make([]string, len(results))
	for i, r := range results {
		urls[i] = r.URL
	}

	pages := s.scraper.ScrapeMany(ctx, urls)
	docs := make([]Document, 0, len(pages))
	sources := make([]store.SearchResult, 0, len(pages))
	for _, p := range pages {
		if p.Index < 0 || p.Index >= len(results) {
			continue
		}
		docs = append(docs, Document{ID: len(docs) + 1, Title: p.Title, URL: p.URL, Content: p.Content})
		sources = append(sources, results[p.Index])
	}
	return docs, sources
}

func (s *AskService) persistQuestion(turn *askTurn) error {
	if err := s.store.AppendMessage(store.NewUserMessage(turn.threadID, turn.query)); err != nil {
		return fmt.Errorf("failed to store user message: %w", err)
	}
	return nil
}

func (s *AskService) persistAnswer(turn *askTurn, text string) (*store.Message, error) {
	msg := store.NewAssistantMessage(turn.threadID, finalizeAnswer(text), turn.sources, turn.images, turn.model.ID)
	if err := s.store.AppendMessage(msg); err != nil {
		return nil, fmt.Errorf("failed to store assistant message: %w", err)
	}
	return msg, nil
}

// finalizeAnswer is shared by both modes so batch and streamed answers match.
func finalizeAnswer(text string) string {
	if strings.TrimSpace(text) == "" {
		return NoAnswer
	}
	return text
}

func (s *AskService) debugf(format string, args ...any) {
	if s.opts.Debug {
		log.Printf(format, args...)
	}
}

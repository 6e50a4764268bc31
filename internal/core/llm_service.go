package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/sashabaranov/go-openai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
	"gwi.com/search-assistant/internal/config"
)

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type ChatMessage struct {
	Role    string
	Content string
}

type ChatRequest struct {
	Model    Model
	Messages []ChatMessage
	// Temperature is ignored for models with a fixed temperature.
	Temperature float32
}

// ChatModel is a language model backend.
type ChatModel interface {
	// Complete waits for the whole completion and returns its text.
	Complete(ctx context.Context, req ChatRequest) (string, error)
	// Stream calls onToken for every text increment, in order. An error from
	// onToken aborts the stream and is returned.
	Stream(ctx context.Context, req ChatRequest, onToken func(string) error) error
}

// LLMService routes requests to the provider that serves the requested model.
type LLMService struct {
	openai *openAIProvider
	gemini *geminiProvider
}

func NewLLMService(ctx context.Context, cfg *config.Config) (*LLMService, error) {
	s := &LLMService{}
	if cfg.OpenAIAPIKey != "" {
		s.openai = newOpenAIProvider(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
	}
	if cfg.GeminiAPIKey != "" {
		client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.GeminiAPIKey))
		if err != nil {
			return nil, fmt.Errorf("failed to create GenAI client: %w", err)
		}
		s.gemini = &geminiProvider{client: client}
	}
	return s, nil
}

func (s *LLMService) Close() {
	if s.gemini != nil {
		if err := s.gemini.client.Close(); err != nil {
			log.Printf("Error closing GenAI client: %v", err)
		} else {
			log.Println("GenAI client closed.")
		}
	}
}

func (s *LLMService) backend(m Model) (ChatModel, error) {
	switch m.Provider {
	case ProviderOpenAI:
		if s.openai == nil {
			return nil, fmt.Errorf("model %s requires OPENAI_API_KEY", m.ID)
		}
		return s.openai, nil
	case ProviderGemini:
		if s.gemini == nil {
			return nil, fmt.Errorf("model %s requires GEMINI_API_KEY", m.ID)
		}
		return s.gemini, nil
	}
	return nil, fmt.Errorf("model %s has unknown provider %q", m.ID, m.Provider)
}

func (s *LLMService) Complete(ctx context.Context, req ChatRequest) (string, error) {
	b, err := s.backend(req.Model)
	if err != nil {
		return "", err
	}
	return b.Complete(ctx, req)
}

func (s *LLMService) Stream(ctx context.Context, req ChatRequest, onToken func(string) error) error {
	b, err := s.backend(req.Model)
	if err != nil {
		return err
	}
	return b.Stream(ctx, req, onToken)
}

type openAIProvider struct {
	client *openai.Client
}

func newOpenAIProvider(apiKey, baseURL string) *openAIProvider {
	clientConfig := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		clientConfig.BaseURL = baseURL
	}
	return &openAIProvider{client: openai.NewClientWithConfig(clientConfig)}
}

func (p *openAIProvider) request(req ChatRequest, stream bool) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	r := openai.ChatCompletionRequest{
		Model:    req.Model.ID,
		Messages: messages,
		Stream:   stream,
	}
	if !req.Model.FixedTemperature {
		r.Temperature = req.Temperature
	}
	return r
}

func (p *openAIProvider) Complete(ctx context.Context, req ChatRequest) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.request(req, false))
	if err != nil {
		return "", fmt.Errorf("openai chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *openAIProvider) Stream(ctx context.Context, req ChatRequest, onToken func(string) error) error {
	stream, err := p.client.CreateChatCompletionStream(ctx, p.request(req, true))
	if err != nil {
		return fmt.Errorf("openai chat stream failed: %w", err)
	}
	defer stream.Close()

	for {
		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("openai stream error: %w", err)
		}
		if len(response.Choices) == 0 || response.Choices[0].Delta.Content == "" {
			continue
		}
		if err := onToken(response.Choices[0].Delta.Content); err != nil {
			return err
		}
	}
}

type geminiProvider struct {
	client *genai.Client
}

// session prepares a chat whose history is everything but the final user
// turn, and returns that turn as the prompt.
func (p *geminiProvider) session(req ChatRequest) (*genai.ChatSession, []genai.Part, error) {
	model := p.client.GenerativeModel(req.Model.ID)
	if !req.Model.FixedTemperature {
		model.SetTemperature(req.Temperature)
	}

	var turns []ChatMessage
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(m.Content)}}
			continue
		}
		turns = append(turns, m)
	}
	if len(turns) == 0 {
		return nil, nil, fmt.Errorf("prompt history is empty for chat completion")
	}
	if turns[len(turns)-1].Role != RoleUser {
		return nil, nil, fmt.Errorf("last message in history is not from 'user', cannot proceed with chat completion")
	}

	history := geminiHistory(turns)
	cs := model.StartChat()
	cs.History = history[:len(history)-1]
	return cs, history[len(history)-1].Parts, nil
}

// geminiHistory maps roles and merges consecutive turns of the same role,
// since Gemini expects user and model turns to alternate starting with the
// user. Leading model turns are dropped. A question left unanswered by an
// earlier failure is merged into the user turn that follows it.
func geminiHistory(turns []ChatMessage) []*genai.Content {
	var history []*genai.Content
	for _, m := range turns {
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		if len(history) == 0 && role == "model" {
			continue
		}
		if n := len(history); n > 0 && history[n-1].Role == role {
			history[n-1].Parts = append(history[n-1].Parts, genai.Text(m.Content))
			continue
		}
		history = append(history, &genai.Content{Role: role, Parts: []genai.Part{genai.Text(m.Content)}})
	}
	return history
}

func (p *geminiProvider) Complete(ctx context.Context, req ChatRequest) (string, error) {
	cs, prompt, err := p.session(req)
	if err != nil {
		return "", err
	}
	resp, err := cs.SendMessage(ctx, prompt...)
	if err != nil {
		return "", fmt.Errorf("gemini chat SendMessage failed: %w", err)
	}
	return responseText(resp), nil
}

func (p *geminiProvider) Stream(ctx context.Context, req ChatRequest, onToken func(string) error) error {
	cs, prompt, err := p.session(req)
	if err != nil {
		return err
	}
	iter := cs.SendMessageStream(ctx, prompt...)
	for {
		resp, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("gemini stream error: %w", err)
		}
		if text := responseText(resp); text != "" {
			if err := onToken(text); err != nil {
				return err
			}
		}
	}
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			text.WriteString(string(txt))
		} else {
			log.Printf("Gemini response part was not text: %T", part)
		}
	}
	return text.String()
}

package store

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Timestamps are Unix milliseconds.
type User struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
}

type Thread struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Title     string `json:"title"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// Message is a single turn. Sources, Images and Model are only ever set on
// assistant messages; they are decoded from their stored JSON once, in the store.
type Message struct {
	ID        string         `json:"id"`
	ThreadID  string         `json:"thread_id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Sources   []SearchResult `json:"sources,omitempty"`
	Images    []ImageResult  `json:"images,omitempty"`
	Model     string         `json:"model,omitempty"`
	CreatedAt int64          `json:"created_at"`
}

// NewUserMessage builds the question turn of an ask cycle.
func NewUserMessage(threadID, content string) *Message {
	return &Message{ThreadID: threadID, Role: RoleUser, Content: content}
}

// NewAssistantMessage builds the answer turn with its side data.
func NewAssistantMessage(threadID, content string, sources []SearchResult, images []ImageResult, model string) *Message {
	return &Message{
		ThreadID: threadID,
		Role:     RoleAssistant,
		Content:  content,
		Sources:  sources,
		Images:   images,
		Model:    model,
	}
}

type SearchResult struct {
	Title   string   `json:"title"`
	URL     string   `json:"url"`
	Snippet string   `json:"snippet,omitempty"`
	Score   *float64 `json:"score,omitempty"`
}

type ImageResult struct {
	URL       string `json:"url"`
	Title     string `json:"title,omitempty"`
	Source    string `json:"source,omitempty"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

package core

import (
	"fmt"
	"strings"

	"gwi.com/search-assistant/internal/store"
	"gwi.com/search-assistant/internal/utils"
)

const DefaultThreadTitle = "New Conversation"

// ThreadService exposes stored threads to clients, always scoped to the
// requesting user id.
type ThreadService struct {
	store ConversationStore
}

func NewThreadService(st ConversationStore) *ThreadService {
	return &ThreadService{store: st}
}

func (s *ThreadService) ListThreads(userID string) ([]store.Thread, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	return s.store.ListThreads(userID)
}

// CreateThread makes an empty thread, creating the user on first sight.
func (s *ThreadService) CreateThread(userID, title string) (*store.Thread, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultThreadTitle
	} else {
		title = utils.TitleFromQuery(title)
	}

	if _, err := s.store.GetOrCreateUser(userID); err != nil {
		return nil, err
	}
	thread, err := s.store.CreateThread(userID, title)
	if err != nil {
		return nil, fmt.Errorf("failed to create thread: %w", err)
	}
	return thread, nil
}

// GetThread returns the thread and its full history. Threads owned by
// someone else are reported as not found.
func (s *ThreadService) GetThread(threadID, userID string) (*store.Thread, []store.Message, error) {
	if err := validateUserID(userID); err != nil {
		return nil, nil, err
	}
	thread, err := s.store.GetThread(threadID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get thread: %w", err)
	}
	if thread == nil || thread.UserID != userID {
		return nil, nil, ErrThreadNotFound
	}

	messages, err := s.store.ThreadMessages(threadID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get messages for thread: %w", err)
	}
	return thread, messages, nil
}

func (s *ThreadService) DeleteThread(threadID, userID string) error {
	if err := validateUserID(userID); err != nil {
		return err
	}
	deleted, err := s.store.DeleteThread(threadID, userID)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrThreadNotFound
	}
	return nil
}

// ClearThreads deletes every thread of the user and reports how many went.
func (s *ThreadService) ClearThreads(userID string) (int64, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	return s.store.ClearThreads(userID)
}

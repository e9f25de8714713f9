// Package memory keeps per-thread conversation history for multi-turn chat.
package memory

import (
	"strings"
	"sync"
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in a thread.
type Message struct {
	Role      string
	Content   string
	Timestamp time.Time
}

// thread holds one conversation's history.
type thread struct {
	messages  []Message
	updatedAt time.Time
}

// Store is an in-memory conversation store keyed by thread ID. Threads
// expire after a TTL of inactivity; each thread keeps at most maxMessages
// recent messages.
type Store struct {
	mu          sync.RWMutex
	threads     map[string]*thread
	maxMessages int
	ttl         time.Duration

	stop     chan struct{}
	stopOnce sync.Once
}

// NewStore creates a conversation store and starts its expiry loop.
func NewStore(maxMessages int, ttl time.Duration) *Store {
	if maxMessages <= 0 {
		maxMessages = 20
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	s := &Store{
		threads:     make(map[string]*thread),
		maxMessages: maxMessages,
		ttl:         ttl,
		stop:        make(chan struct{}),
	}
	go s.expireLoop()
	return s
}

// Close stops the expiry loop.
func (s *Store) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// AddUserMessage records a user turn on the thread.
func (s *Store) AddUserMessage(threadID, content string) {
	s.add(threadID, RoleUser, content)
}

// AddAssistantMessage records an assistant turn on the thread.
func (s *Store) AddAssistantMessage(threadID, content string) {
	s.add(threadID, RoleAssistant, content)
}

func (s *Store) add(threadID, role, content string) {
	if threadID == "" || content == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	th, ok := s.threads[threadID]
	if !ok {
		th = &thread{}
		s.threads[threadID] = th
	}

	th.messages = append(th.messages, Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	})
	th.updatedAt = time.Now()

	if len(th.messages) > s.maxMessages {
		th.messages = th.messages[len(th.messages)-s.maxMessages:]
	}
}

// History returns a copy of the thread's messages, oldest first.
func (s *Store) History(threadID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	th, ok := s.threads[threadID]
	if !ok {
		return nil
	}
	messages := make([]Message, len(th.messages))
	copy(messages, th.messages)
	return messages
}

// RecentHistory returns the last n messages of the thread.
func (s *Store) RecentHistory(threadID string, n int) []Message {
	history := s.History(threadID)
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

// FormatForPrompt renders recent history as plain "Role: content" lines for
// inclusion in a system prompt. An empty thread renders as "".
func (s *Store) FormatForPrompt(threadID string, n int) string {
	history := s.RecentHistory(threadID, n)
	if len(history) == 0 {
		return ""
	}

	var b strings.Builder
	for _, m := range history {
		switch m.Role {
		case RoleAssistant:
			b.WriteString("Assistant: ")
		default:
			b.WriteString("User: ")
		}
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Clear drops a thread.
func (s *Store) Clear(threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.threads, threadID)
}

// Len reports the number of live threads.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.threads)
}

func (s *Store) expireLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.expire(time.Now())
		case <-s.stop:
			return
		}
	}
}

func (s *Store) expire(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, th := range s.threads {
		if now.Sub(th.updatedAt) > s.ttl {
			delete(s.threads, id)
		}
	}
}

package chatsync

import (
	"sort"
	"sync"
)

// MessageStore is the ordered, deduplicated message log of one conversation.
//
// Entries are kept sorted by (CreatedAt, Key). Confirmed messages are indexed by
// server ID and local ones by temporary key, so every merge is idempotent and the
// result does not depend on whether history pages or live events land first.
type MessageStore struct {
	mu       sync.RWMutex
	messages []Message
	byID     map[string]struct{}
	byTemp   map[string]struct{}
}

// NewMessageStore creates an empty store.
func NewMessageStore() *MessageStore {
	return &MessageStore{
		byID:   make(map[string]struct{}),
		byTemp: make(map[string]struct{}),
	}
}

// Seed merges a fetched page. Pages arrive newest-first. With older set the page
// is reversed and merged ahead of what the store already holds; otherwise it
// replaces the contents. An empty page is a no-op.
func (s *MessageStore) Seed(page []Message, older bool) {
	if len(page) == 0 {
		return
	}
	batch := make([]Message, 0, len(page))
	for i := len(page) - 1; i >= 0; i-- {
		batch = append(batch, page[i])
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !older {
		s.messages = s.messages[:0]
		s.byID = make(map[string]struct{}, len(batch))
		s.byTemp = make(map[string]struct{})
	}
	for _, m := range batch {
		if s.containsLocked(m) {
			continue
		}
		s.insertLocked(m)
	}
}

// Append adds a live or optimistic message. It reports false when an entry with
// the same identity is already present.
func (s *MessageStore) Append(m Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.containsLocked(m) {
		return false
	}
	s.insertLocked(m)
	return true
}

// Reconcile replaces the local entry for tempKey with the server's copy, keeping its
// position. When the server ID is already in the store the local entry is dropped
// and the existing copy takes over tempKey. Without a matching local entry the
// server message is appended.
func (s *MessageStore) Reconcile(tempKey string, server Message) bool {
	server.State = Sent
	server.TempKey = tempKey

	s.mu.Lock()
	defer s.mu.Unlock()

	idx := s.indexOfTempLocked(tempKey)
	if idx < 0 {
		if s.containsLocked(server) {
			return false
		}
		s.insertLocked(server)
		return true
	}

	delete(s.byTemp, tempKey)
	if _, dup := s.byID[server.ID]; dup {
		s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
		if j := s.indexOfIDLocked(server.ID); j >= 0 && s.messages[j].TempKey == "" {
			s.messages[j].TempKey = tempKey
		}
		return true
	}
	if server.CreatedAt.IsZero() {
		server.CreatedAt = s.messages[idx].CreatedAt
	}
	s.messages[idx] = server
	s.byID[server.ID] = struct{}{}
	if !s.inOrderLocked(idx) {
		s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
		s.insertLocked(server)
	}
	return true
}

// MarkFailed moves the pending entry for tempKey to Failed.
func (s *MessageStore) MarkFailed(tempKey, reason string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOfTempLocked(tempKey)
	if idx < 0 || s.messages[idx].State != Pending {
		return false
	}
	s.messages[idx].State = Failed
	s.messages[idx].FailReason = reason
	return true
}

// Remove drops the local entry for tempKey.
func (s *MessageStore) Remove(tempKey string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.indexOfTempLocked(tempKey)
	if idx < 0 {
		return Message{}, false
	}
	m := s.messages[idx]
	s.messages = append(s.messages[:idx], s.messages[idx+1:]...)
	delete(s.byTemp, tempKey)
	return m, true
}

// Get returns the local entry for tempKey.
func (s *MessageStore) Get(tempKey string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.indexOfTempLocked(tempKey)
	if idx < 0 {
		return Message{}, false
	}
	return s.messages[idx], true
}

// FindPending returns the temp key of the oldest pending message with the given
// sender and body.
func (s *MessageStore) FindPending(senderID, body string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.messages {
		if m.State == Pending && m.ID == "" && m.SenderID == senderID && m.Body == body {
			return m.TempKey, true
		}
	}
	return "", false
}

// Lookup returns the confirmed message with the server ID.
func (s *MessageStore) Lookup(id string) (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.byID[id]; !ok {
		return Message{}, false
	}
	idx := s.indexOfIDLocked(id)
	if idx < 0 {
		return Message{}, false
	}
	return s.messages[idx], true
}

// Has reports whether a confirmed message with the server ID is present.
func (s *MessageStore) Has(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byID[id]
	return ok
}

// Snapshot returns a copy of the log in order.
func (s *MessageStore) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the number of entries.
func (s *MessageStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *MessageStore) containsLocked(m Message) bool {
	if m.ID != "" {
		_, ok := s.byID[m.ID]
		return ok
	}
	if m.TempKey != "" {
		_, ok := s.byTemp[m.TempKey]
		return ok
	}
	return false
}

// insertLocked places m at its ordered position, which is the tail for the common
// case of a message newer than everything held.
func (s *MessageStore) insertLocked(m Message) {
	switch {
	case m.ID != "":
		s.byID[m.ID] = struct{}{}
	case m.TempKey != "":
		s.byTemp[m.TempKey] = struct{}{}
	}
	n := len(s.messages)
	if n == 0 || !m.before(s.messages[n-1]) {
		s.messages = append(s.messages, m)
		return
	}
	idx := sort.Search(n, func(i int) bool { return m.before(s.messages[i]) })
	s.messages = append(s.messages, Message{})
	copy(s.messages[idx+1:], s.messages[idx:])
	s.messages[idx] = m
}

func (s *MessageStore) indexOfTempLocked(tempKey string) int {
	if tempKey == "" {
		return -1
	}
	if _, ok := s.byTemp[tempKey]; !ok {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ID == "" && s.messages[i].TempKey == tempKey {
			return i
		}
	}
	return -1
}

func (s *MessageStore) indexOfIDLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := range s.messages {
		if s.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *MessageStore) inOrderLocked(idx int) bool {
	m := s.messages[idx]
	if idx > 0 && m.before(s.messages[idx-1]) {
		return false
	}
	if idx < len(s.messages)-1 && s.messages[idx+1].before(m) {
		return false
	}
	return true
}

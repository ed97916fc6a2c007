package chat

import "sync"

// Store holds the in-memory conversation sequence. Ordering is insertion
// order, append-only; the UI derives date groupings from CreatedAt on its
// own.
type Store struct {
	mu       sync.Mutex
	messages []Message
}

// NewStore creates an empty message store.
func NewStore() *Store {
	return &Store{}
}

// Seed replaces the sequence with the history fetch result.
func (s *Store) Seed(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append([]Message(nil), msgs...)
}

// Append adds a message to the end of the sequence.
func (s *Store) Append(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

// Upsert appends msg, or replaces the existing entry with the same server ID.
// Idempotent under duplicate delivery.
func (s *Store) Upsert(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertLocked(msg)
}

// ConfirmOwn resolves an own send: every optimistic entry for chatID is
// removed and the server-confirmed message takes their place.
func (s *Store) ConfirmOwn(chatID string, msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.Optimistic() && m.ChatID == chatID {
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept
	s.upsertLocked(msg)
}

func (s *Store) upsertLocked(msg Message) {
	msg.Lifecycle = LifecycleConfirmed
	for i, m := range s.messages {
		if m.ID != "" && m.ID == msg.ID {
			s.messages[i] = msg
			return
		}
	}
	s.messages = append(s.messages, msg)
}

// RemoveByClientID drops the optimistic entry with the given client ID.
func (s *Store) RemoveByClientID(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.messages {
		if m.ClientID == clientID {
			s.messages = append(s.messages[:i], s.messages[i+1:]...)
			return true
		}
	}
	return false
}

// MarkUnconfirmed downgrades a pending entry after the confirmation wait
// times out. The message stays visible with its loading state cleared.
func (s *Store) MarkUnconfirmed(clientID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.messages {
		if m.ClientID == clientID && m.Lifecycle == LifecyclePending {
			s.messages[i].Lifecycle = LifecycleUnconfirmed
			return true
		}
	}
	return false
}

// Messages returns a copy of the sequence.
func (s *Store) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Clear empties the sequence, used when switching conversations.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
}

// Package store persists sessions and their confirmed messages in a local
// Pebble database. Optimistic messages and status entries are never written;
// only backend-confirmed messages reach disk.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/docchat/docchat/logging"
	"github.com/docchat/docchat/protocol"
	"github.com/docchat/docchat/session"
)

// ErrSessionNotFound is returned when a session id has no metadata entry.
var ErrSessionNotFound = errors.New("session not found")

// SessionMeta is the locally stored session record.
type SessionMeta struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// messageRecord is the on-disk shape of a confirmed message.
type messageRecord struct {
	ID             int64                  `json:"id"`
	Role           string                 `json:"role"`
	Content        string                 `json:"content"`
	TokensUsed     int                    `json:"tokensUsed,omitempty"`
	CreatedAt      time.Time              `json:"createdAt"`
	AgentName      string                 `json:"agentName,omitempty"`
	ToolCalls      []session.ToolCall     `json:"toolCalls,omitempty"`
	ResponseType   string                 `json:"responseType,omitempty"`
	Plan           json.RawMessage        `json:"plan,omitempty"`
	Clarification  string                 `json:"clarification,omitempty"`
	RawToolOutputs json.RawMessage        `json:"rawToolOutputs,omitempty"`
	ContextUsage   *protocol.ContextUsage `json:"contextUsage,omitempty"`
}

// Store is a Pebble-backed session store.
type Store struct {
	db *pebble.DB
}

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("opening store at %s: %w", path, err)
	}
	logging.Get().Debugw("store opened", "path", path)
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func metaKey(sessionID string) []byte {
	return []byte(fmt.Sprintf("session:%s:meta", sessionID))
}

// msgKey pads the backend id so byte order matches numeric order.
func msgKey(sessionID string, id int64) []byte {
	return []byte(fmt.Sprintf("session:%s:msg:%020d", sessionID, id))
}

func msgPrefix(sessionID string) []byte {
	return []byte(fmt.Sprintf("session:%s:msg:", sessionID))
}

// keyUpperBound returns the smallest key greater than every key with the
// given prefix.
func keyUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// CreateSession records a new session.
func (s *Store) CreateSession(ctx context.Context, id, title string) (*SessionMeta, error) {
	now := time.Now().UTC()
	meta := &SessionMeta{ID: id, Title: title, CreatedAt: now, LastActiveAt: now}
	if err := s.putMeta(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (s *Store) putMeta(meta *SessionMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding session meta: %w", err)
	}
	if err := s.db.Set(metaKey(meta.ID), data, pebble.Sync); err != nil {
		return fmt.Errorf("writing session meta: %w", err)
	}
	return nil
}

// GetSession returns one session's metadata.
func (s *Store) GetSession(ctx context.Context, id string) (*SessionMeta, error) {
	data, closer, err := s.db.Get(metaKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("reading session meta: %w", err)
	}
	defer closer.Close()

	var meta SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decoding session meta: %w", err)
	}
	return &meta, nil
}

// ListSessions returns all known sessions, most recently active first.
func (s *Store) ListSessions(ctx context.Context) ([]SessionMeta, error) {
	prefix := []byte("session:")
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}
	defer iter.Close()

	var out []SessionMeta
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) < 5 || string(key[len(key)-5:]) != ":meta" {
			continue
		}
		var meta SessionMeta
		if err := json.Unmarshal(iter.Value(), &meta); err != nil {
			logging.Get().Warnw("skipping corrupt session meta", "key", string(key), "error", err)
			continue
		}
		out = append(out, meta)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterating sessions: %w", err)
	}

	// Insertion sort; session counts are small.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].LastActiveAt.After(out[j-1].LastActiveAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out, nil
}

// DeleteSession removes a session's metadata and all its messages.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	prefix := msgPrefix(id)
	if err := s.db.DeleteRange(prefix, keyUpperBound(prefix), pebble.Sync); err != nil {
		return fmt.Errorf("deleting session messages: %w", err)
	}
	if err := s.db.Delete(metaKey(id), pebble.Sync); err != nil {
		return fmt.Errorf("deleting session meta: %w", err)
	}
	return nil
}

// SaveMessage writes one confirmed message. The key embeds the backend id,
// so re-saving after a redelivered confirmation is an idempotent overwrite.
func (s *Store) SaveMessage(ctx context.Context, sessionID string, msg session.Message) error {
	if msg.IsStatus() {
		return nil
	}
	if msg.ID.Kind != session.IDPersisted {
		return fmt.Errorf("refusing to persist unconfirmed message %s", msg.ID)
	}

	rec := messageRecord{
		ID:             msg.ID.Value,
		Role:           string(msg.Role),
		Content:        msg.Content,
		TokensUsed:     msg.TokensUsed,
		CreatedAt:      msg.CreatedAt,
		AgentName:      msg.AgentName,
		ToolCalls:      msg.ToolCalls,
		ResponseType:   string(msg.ResponseType),
		Plan:           msg.Plan,
		Clarification:  msg.Clarification,
		RawToolOutputs: msg.RawToolOutputs,
		ContextUsage:   msg.ContextUsage,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	if err := s.db.Set(msgKey(sessionID, msg.ID.Value), data, pebble.Sync); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}

	if meta, err := s.GetSession(ctx, sessionID); err == nil {
		meta.LastActiveAt = time.Now().UTC()
		if err := s.putMeta(meta); err != nil {
			logging.Get().Warnw("updating session activity", "session", sessionID, "error", err)
		}
	}
	return nil
}

// LoadMessages returns a session's messages in backend id order.
func (s *Store) LoadMessages(ctx context.Context, sessionID string) ([]session.Message, error) {
	prefix := msgPrefix(sessionID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	defer iter.Close()

	var out []session.Message
	for iter.First(); iter.Valid(); iter.Next() {
		var rec messageRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			logging.Get().Warnw("skipping corrupt message record", "key", string(iter.Key()), "error", err)
			continue
		}
		out = append(out, session.Message{
			ID:             session.PersistedID(rec.ID),
			Role:           session.Role(rec.Role),
			Content:        rec.Content,
			TokensUsed:     rec.TokensUsed,
			CreatedAt:      rec.CreatedAt,
			AgentName:      rec.AgentName,
			ToolCalls:      rec.ToolCalls,
			ResponseType:   session.ResponseType(rec.ResponseType),
			Plan:           rec.Plan,
			Clarification:  rec.Clarification,
			RawToolOutputs: rec.RawToolOutputs,
			ContextUsage:   rec.ContextUsage,
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return out, nil
}

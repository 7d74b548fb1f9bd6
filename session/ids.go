package session

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"
)

// IDKind tags the three disjoint identifier ranges so no range arithmetic is
// ever needed to tell them apart.
type IDKind int

const (
	// IDPersisted identifies a message confirmed by the backend store.
	IDPersisted IDKind = iota
	// IDOptimisticContent identifies a locally-created message awaiting a
	// message_saved confirmation.
	IDOptimisticContent
	// IDEphemeralStatus identifies a status entry. These are never
	// persisted and never reconciled; the message is deleted instead.
	IDEphemeralStatus
)

func (k IDKind) String() string {
	switch k {
	case IDPersisted:
		return "persisted"
	case IDOptimisticContent:
		return "optimistic"
	case IDEphemeralStatus:
		return "status"
	default:
		return "unknown"
	}
}

// MessageID is a tagged message identifier. The zero value is not a valid id.
type MessageID struct {
	Kind  IDKind
	Value int64
}

func (id MessageID) String() string {
	return fmt.Sprintf("%s:%d", id.Kind, id.Value)
}

// IsZero reports whether the id is unset.
func (id MessageID) IsZero() bool { return id == MessageID{} }

// optimisticSeq disambiguates optimistic ids minted within one nanosecond.
var optimisticSeq int64

// PersistedID wraps a backend-assigned row id.
func PersistedID(n int64) MessageID {
	return MessageID{Kind: IDPersisted, Value: n}
}

// NewOptimisticID mints a time-derived id for a locally-created content
// message.
func NewOptimisticID() MessageID {
	v := time.Now().UnixNano() + atomic.AddInt64(&optimisticSeq, 1)
	return MessageID{Kind: IDOptimisticContent, Value: v}
}

// NewStatusID mints a randomized id for an ephemeral status entry. The
// randomization avoids collisions between status entries created in the same
// instant.
func NewStatusID() MessageID {
	return MessageID{Kind: IDEphemeralStatus, Value: rand.Int63()}
}

package configsync

import (
	"context"
)

// ConversationType distinguishes local conversation records.
type ConversationType string

const (
	ConversationPrivate   ConversationType = "private"
	ConversationCommunity ConversationType = "community"
	ConversationLegacy    ConversationType = "legacy"
	ConversationGroup     ConversationType = "group"
)

// Conversation is the local store's view of one conversation.
type Conversation struct {
	ID         string
	Type       ConversationType
	Name       string
	Nickname   string
	Priority   int64
	Approved   bool
	ApprovedMe bool
	Blocked    bool
	// ActiveAt is unix milliseconds; zero means never active.
	ActiveAt       int64
	ExpirationMode ExpirationMode
	ExpireTimer    int64
	LastRead       int64
	Unread         bool
	IsMe           bool
	Left           bool
	Kicked         bool
	Destroyed      bool
	InvitePending  bool
	LastJoined     int64
	AvatarURL      string
	AvatarKey      []byte
	Members        []string
	Admins         []string
}

// Active reports whether the conversation was ever active.
func (c Conversation) Active() bool {
	return c.ActiveAt > 0
}

// StoredMessage is the slice of a message the sync core touches.
type StoredMessage struct {
	ID             string
	ConversationID string
	SentAt         int64
	Read           bool
	// ExpiresAfterRead marks delete-after-read messages whose expiry
	// starts once read.
	ExpiresAfterRead bool
}

// LegacyKeypair is a cached legacy group encryption keypair.
type LegacyKeypair struct {
	GroupID string
	PubKey  []byte
	SecKey  []byte
}

// LocalStore is the relational store conversations and messages live
// in. GetConversation returns nil, nil when the id is unknown.
type LocalStore interface {
	GetAllConversations(ctx context.Context) ([]Conversation, error)
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	SaveConversation(ctx context.Context, c Conversation) error
	RemoveConversation(ctx context.Context, id string) error
	RemoveAllMessagesInConversation(ctx context.Context, id string) (int, error)
	GetMessageByID(ctx context.Context, id string) (*StoredMessage, error)
	// MarkReadUntil marks every message sent at or before until as read
	// and returns those that were unread before.
	MarkReadUntil(ctx context.Context, id string, until int64) ([]StoredMessage, error)
	// AddLegacyGroupKeypairIfMissing stores kp unless an equal keypair is
	// already cached. It reports whether it was added.
	AddLegacyGroupKeypairIfMissing(ctx context.Context, kp LegacyKeypair) (bool, error)
}

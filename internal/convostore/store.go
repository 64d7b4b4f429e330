// Package convostore is the sqlite-backed local conversation and
// message store the sync core reconciles into.
package convostore

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/alexjbarnes/confsync/configsync"
)

//go:embed schema.sql
var schemaSQL string

// Store implements configsync.LocalStore on a single sqlite file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

const conversationColumns = `id, type, name, nickname, priority, approved, approved_me, blocked,
	active_at, expiration_mode, expire_timer, last_read, unread, is_me, left_group, kicked,
	destroyed, invite_pending, last_joined, avatar_url, avatar_key, members, admins`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (configsync.Conversation, error) {
	var (
		c               configsync.Conversation
		mode            string
		members, admins string
	)

	err := row.Scan(&c.ID, &c.Type, &c.Name, &c.Nickname, &c.Priority, &c.Approved, &c.ApprovedMe, &c.Blocked,
		&c.ActiveAt, &mode, &c.ExpireTimer, &c.LastRead, &c.Unread, &c.IsMe, &c.Left, &c.Kicked,
		&c.Destroyed, &c.InvitePending, &c.LastJoined, &c.AvatarURL, &c.AvatarKey, &members, &admins)
	if err != nil {
		return configsync.Conversation{}, err
	}

	c.ExpirationMode = configsync.ExpirationMode(mode)

	if err := json.Unmarshal([]byte(members), &c.Members); err != nil {
		return configsync.Conversation{}, fmt.Errorf("decoding members of %s: %w", c.ID, err)
	}

	if err := json.Unmarshal([]byte(admins), &c.Admins); err != nil {
		return configsync.Conversation{}, fmt.Errorf("decoding admins of %s: %w", c.ID, err)
	}

	return c, nil
}

// GetAllConversations returns every conversation ordered by id.
func (s *Store) GetAllConversations(ctx context.Context) ([]configsync.Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+conversationColumns+` FROM conversations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []configsync.Conversation

	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, c)
	}

	return out, rows.Err()
}

// GetConversation returns a conversation, or nil when it does not
// exist.
func (s *Store) GetConversation(ctx context.Context, id string) (*configsync.Conversation, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)

	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &c, nil
}

func jsonList(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}

	b, err := json.Marshal(v)

	return string(b), err
}

// SaveConversation upserts a conversation.
func (s *Store) SaveConversation(ctx context.Context, c configsync.Conversation) error {
	members, err := jsonList(c.Members)
	if err != nil {
		return err
	}

	admins, err := jsonList(c.Admins)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO conversations (`+conversationColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			type = excluded.type, name = excluded.name, nickname = excluded.nickname,
			priority = excluded.priority, approved = excluded.approved, approved_me = excluded.approved_me,
			blocked = excluded.blocked, active_at = excluded.active_at, expiration_mode = excluded.expiration_mode,
			expire_timer = excluded.expire_timer, last_read = excluded.last_read, unread = excluded.unread,
			is_me = excluded.is_me, left_group = excluded.left_group, kicked = excluded.kicked,
			destroyed = excluded.destroyed, invite_pending = excluded.invite_pending,
			last_joined = excluded.last_joined, avatar_url = excluded.avatar_url,
			avatar_key = excluded.avatar_key, members = excluded.members, admins = excluded.admins`,
		c.ID, string(c.Type), c.Name, c.Nickname, c.Priority, c.Approved, c.ApprovedMe, c.Blocked,
		c.ActiveAt, string(c.ExpirationMode), c.ExpireTimer, c.LastRead, c.Unread, c.IsMe, c.Left, c.Kicked,
		c.Destroyed, c.InvitePending, c.LastJoined, c.AvatarURL, c.AvatarKey, members, admins)
	if err != nil {
		return fmt.Errorf("saving conversation %s: %w", c.ID, err)
	}

	return nil
}

// RemoveConversation deletes a conversation row. Its messages are
// removed separately.
func (s *Store) RemoveConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	return err
}

// RemoveAllMessagesInConversation deletes a conversation's messages and
// returns how many were removed.
func (s *Store) RemoveAllMessagesInConversation(ctx context.Context, id string) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id)
	if err != nil {
		return 0, err
	}

	n, err := res.RowsAffected()

	return int(n), err
}

// AddMessage inserts a message, replacing one with the same id.
func (s *Store) AddMessage(ctx context.Context, m configsync.StoredMessage) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (id, conversation_id, sent_at, read, expires_after_read)
		 VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.ConversationID, m.SentAt, m.Read, m.ExpiresAfterRead)

	return err
}

// GetMessageByID returns a message, or nil when it does not exist.
func (s *Store) GetMessageByID(ctx context.Context, id string) (*configsync.StoredMessage, error) {
	var m configsync.StoredMessage

	err := s.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, sent_at, read, expires_after_read FROM messages WHERE id = ?`, id,
	).Scan(&m.ID, &m.ConversationID, &m.SentAt, &m.Read, &m.ExpiresAfterRead)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	return &m, nil
}

// MarkReadUntil marks every unread message sent at or before until as
// read and returns them.
func (s *Store) MarkReadUntil(ctx context.Context, conversationID string, until int64) ([]configsync.StoredMessage, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		`SELECT id, conversation_id, sent_at, read, expires_after_read FROM messages
		 WHERE conversation_id = ? AND read = 0 AND sent_at <= ? ORDER BY sent_at`,
		conversationID, until)
	if err != nil {
		return nil, err
	}

	var out []configsync.StoredMessage

	for rows.Next() {
		var m configsync.StoredMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SentAt, &m.Read, &m.ExpiresAfterRead); err != nil {
			rows.Close()
			return nil, err
		}

		out = append(out, m)
	}

	rows.Close()

	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET read = 1 WHERE conversation_id = ? AND read = 0 AND sent_at <= ?`,
		conversationID, until); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return out, nil
}

// UpdateExpiry starts the disappearing countdown of delete-after-read
// messages that have just been read.
func (s *Store) UpdateExpiry(ctx context.Context, conversationID string, msgs []configsync.StoredMessage) error {
	started := s.now().UnixMilli()

	for _, m := range msgs {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE messages SET expire_started_at = ?
			 WHERE id = ? AND conversation_id = ? AND expire_started_at = 0`,
			started, m.ID, conversationID); err != nil {
			return fmt.Errorf("starting expiry of %s: %w", m.ID, err)
		}
	}

	return nil
}

// ExpireStartedAt returns when a message's disappearing countdown
// started, or zero.
func (s *Store) ExpireStartedAt(ctx context.Context, id string) (int64, error) {
	var ts int64

	err := s.db.QueryRowContext(ctx, `SELECT expire_started_at FROM messages WHERE id = ?`, id).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}

	return ts, err
}

// AddLegacyGroupKeypairIfMissing caches a legacy group encryption
// keypair and reports whether it was new.
func (s *Store) AddLegacyGroupKeypairIfMissing(ctx context.Context, kp configsync.LegacyKeypair) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO legacy_keypairs (group_id, public_key, secret_key, added_at) VALUES (?, ?, ?, ?)`,
		kp.GroupID, kp.PubKey, kp.SecKey, s.now().UnixMilli())
	if err != nil {
		return false, fmt.Errorf("caching keypair for %s: %w", kp.GroupID, err)
	}

	n, err := res.RowsAffected()

	return n > 0, err
}

// LegacyKeypairs returns every cached keypair of a legacy group, oldest
// first.
func (s *Store) LegacyKeypairs(ctx context.Context, groupID string) ([]configsync.LegacyKeypair, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT group_id, public_key, secret_key FROM legacy_keypairs WHERE group_id = ? ORDER BY added_at, public_key`,
		groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []configsync.LegacyKeypair

	for rows.Next() {
		var kp configsync.LegacyKeypair
		if err := rows.Scan(&kp.GroupID, &kp.PubKey, &kp.SecKey); err != nil {
			return nil, err
		}

		out = append(out, kp)
	}

	return out, rows.Err()
}

var (
	_ configsync.LocalStore    = (*Store)(nil)
	_ configsync.ExpiryUpdater = (*Store)(nil)
)

// Package sqlite implements the conversation store on SQLite. Rows are
// soft-deleted only: a deleted_at timestamp hides them from every lookup but
// keeps the history of the deletion. Message ordering is a per-chat seq
// column assigned as max(seq)+1 inside the insert transaction.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/davidbz/markl/internal/domain"
)

// Config contains SQLite store settings.
type Config struct {
	Path string `env:"STORE_SQLITE_PATH" envDefault:"data/markl.db"`
}

// Store implements domain.ConversationStore.
type Store struct {
	db *sql.DB
}

// NewStore opens (creating if needed) the SQLite database and ensures the
// schema exists.
func NewStore(cfg *Config) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", cfg.Path+"?_journal_mode=WAL&_busy_timeout=30000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc's driver is happiest with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	store := &Store{db: db}
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return store, nil
}

// NewInMemoryStore opens a throwaway in-memory database. Test helper.
func NewInMemoryStore() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS owners (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL DEFAULT '',
		wallet_key TEXT NOT NULL DEFAULT '',
		fingerprint TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		deleted_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_owners_subject ON owners(subject);
	CREATE INDEX IF NOT EXISTS idx_owners_fingerprint ON owners(fingerprint);

	CREATE TABLE IF NOT EXISTS chats (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		model TEXT NOT NULL,
		title TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		deleted_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_chats_owner ON chats(owner_id, updated_at DESC);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		seq INTEGER NOT NULL,
		replaces_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		deleted_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_messages_chat_seq ON messages(chat_id, seq);
	`
	_, err := s.db.Exec(schema)
	return err
}

// FindOwnerBySubject resolves an authenticated owner by auth subject.
func (s *Store) FindOwnerBySubject(ctx context.Context, subject string) (*domain.Owner, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject, wallet_key, fingerprint, created_at, deleted_at
		FROM owners WHERE subject = ? AND deleted_at IS NULL`, subject)
	return scanOwner(row)
}

// FindOrCreateAnonymousOwner materializes the shadow owner for a fingerprint.
func (s *Store) FindOrCreateAnonymousOwner(ctx context.Context, fingerprint string) (*domain.Owner, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, subject, wallet_key, fingerprint, created_at, deleted_at
		FROM owners WHERE fingerprint = ? AND deleted_at IS NULL`, fingerprint)

	owner, err := scanOwner(row)
	if err == nil {
		return owner, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	owner = &domain.Owner{
		ID:          uuid.New().String(),
		Fingerprint: fingerprint,
		CreatedAt:   time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO owners (id, subject, wallet_key, fingerprint, created_at)
		VALUES (?, '', '', ?, ?)`, owner.ID, owner.Fingerprint, owner.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create shadow owner: %w", err)
	}
	return owner, nil
}

// FindOrCreateOwnerBySubject materializes the owner record for an
// authenticated subject the first time it writes, mirroring the shadow-owner
// path for fingerprints.
func (s *Store) FindOrCreateOwnerBySubject(ctx context.Context, subject, walletKey string) (*domain.Owner, error) {
	owner, err := s.FindOwnerBySubject(ctx, subject)
	if err == nil {
		return owner, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	owner = &domain.Owner{
		ID:        uuid.New().String(),
		Subject:   subject,
		WalletKey: walletKey,
		CreatedAt: time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO owners (id, subject, wallet_key, fingerprint, created_at)
		VALUES (?, ?, ?, '', ?)`, owner.ID, owner.Subject, owner.WalletKey, owner.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create owner: %w", err)
	}
	return owner, nil
}

// CreateOwner persists an authenticated owner record.
func (s *Store) CreateOwner(ctx context.Context, owner *domain.Owner) error {
	if owner.ID == "" {
		owner.ID = uuid.New().String()
	}
	if owner.CreatedAt.IsZero() {
		owner.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO owners (id, subject, wallet_key, fingerprint, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		owner.ID, owner.Subject, owner.WalletKey, owner.Fingerprint, owner.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create owner: %w", err)
	}
	return nil
}

// CreateChat persists a new chat.
func (s *Store) CreateChat(ctx context.Context, chat *domain.Chat) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (id, owner_id, model, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		chat.ID, chat.OwnerID, chat.Model, chat.Title, chat.CreatedAt, chat.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create chat: %w", err)
	}
	return nil
}

// GetChat returns a live chat scoped to its owner.
func (s *Store) GetChat(ctx context.Context, chatID, ownerID string) (*domain.Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, model, title, created_at, updated_at, deleted_at
		FROM chats WHERE id = ? AND owner_id = ? AND deleted_at IS NULL`, chatID, ownerID)
	return scanChat(row)
}

// ListChats returns the owner's live chats, newest first.
func (s *Store) ListChats(ctx context.Context, ownerID string, page domain.Page) ([]*domain.Chat, int, error) {
	page = page.Normalize()

	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chats WHERE owner_id = ? AND deleted_at IS NULL`, ownerID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count chats: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner_id, model, title, created_at, updated_at, deleted_at
		FROM chats WHERE owner_id = ? AND deleted_at IS NULL
		ORDER BY updated_at DESC LIMIT ? OFFSET ?`,
		ownerID, page.Limit, (page.Number-1)*page.Limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list chats: %w", err)
	}
	defer rows.Close()

	var chats []*domain.Chat
	for rows.Next() {
		chat, scanErr := scanChat(rows)
		if scanErr != nil {
			return nil, 0, scanErr
		}
		chats = append(chats, chat)
	}
	return chats, total, rows.Err()
}

// CreateMessage persists a message with the next per-chat sequence number and
// touches the chat's updated_at.
func (s *Store) CreateMessage(ctx context.Context, msg *domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var nextSeq int
	err = tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE chat_id = ?`, msg.ChatID).Scan(&nextSeq)
	if err != nil {
		return fmt.Errorf("failed to compute sequence: %w", err)
	}
	msg.Seq = nextSeq

	_, err = tx.ExecContext(ctx, `
		INSERT INTO messages (id, chat_id, role, content, seq, replaces_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatID, string(msg.Role), msg.Content, msg.Seq, msg.ReplacesID, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE chats SET updated_at = ? WHERE id = ?`, msg.CreatedAt, msg.ChatID)
	if err != nil {
		return fmt.Errorf("failed to touch chat: %w", err)
	}

	return tx.Commit()
}

// GetMessage returns a live message scoped to its chat.
func (s *Store) GetMessage(ctx context.Context, messageID, chatID string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, role, content, seq, replaces_id, created_at, deleted_at
		FROM messages WHERE id = ? AND chat_id = ? AND deleted_at IS NULL`, messageID, chatID)
	return scanMessage(row)
}

// ListMessages returns the chat's live messages in sequence order.
func (s *Store) ListMessages(ctx context.Context, chatID string, page domain.Page) ([]*domain.Message, int, error) {
	page = page.Normalize()

	var total int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE chat_id = ? AND deleted_at IS NULL`, chatID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count messages: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, seq, replaces_id, created_at, deleted_at
		FROM messages WHERE chat_id = ? AND deleted_at IS NULL
		ORDER BY seq ASC LIMIT ? OFFSET ?`,
		chatID, page.Limit, (page.Number-1)*page.Limit)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, 0, err
	}
	return messages, total, nil
}

// History returns every live message of the chat in sequence order.
func (s *Store) History(ctx context.Context, chatID string) ([]*domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, role, content, seq, replaces_id, created_at, deleted_at
		FROM messages WHERE chat_id = ? AND deleted_at IS NULL
		ORDER BY seq ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

// DeleteMessage soft-deletes a message and reports how many live messages
// remain in the chat.
func (s *Store) DeleteMessage(ctx context.Context, messageID, chatID string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET deleted_at = ?
		WHERE id = ? AND chat_id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), messageID, chatID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete message: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, domain.ErrNotFound
	}

	var remaining int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM messages WHERE chat_id = ? AND deleted_at IS NULL`, chatID).Scan(&remaining)
	if err != nil {
		return 0, fmt.Errorf("failed to count remaining messages: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return remaining, nil
}

// DeleteChat soft-deletes a chat.
func (s *Store) DeleteChat(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE chats SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL`,
		time.Now().UTC(), chatID)
	if err != nil {
		return fmt.Errorf("failed to delete chat: %w", err)
	}
	return nil
}

// TransferOwnership reassigns a chat to a new owner. An anonymous previous
// owner left with no live chats is soft-deleted; exactly one owner holds the
// chat at all times.
func (s *Store) TransferOwnership(ctx context.Context, chatID, fromOwnerID, toOwnerID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE chats SET owner_id = ?, updated_at = ?
		WHERE id = ? AND owner_id = ? AND deleted_at IS NULL`,
		toOwnerID, time.Now().UTC(), chatID, fromOwnerID)
	if err != nil {
		return fmt.Errorf("failed to reassign chat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrNotFound
	}

	var remaining int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM chats WHERE owner_id = ? AND deleted_at IS NULL`, fromOwnerID).Scan(&remaining)
	if err != nil {
		return fmt.Errorf("failed to count remaining chats: %w", err)
	}

	if remaining == 0 {
		_, err = tx.ExecContext(ctx, `
			UPDATE owners SET deleted_at = ?
			WHERE id = ? AND fingerprint != '' AND deleted_at IS NULL`,
			time.Now().UTC(), fromOwnerID)
		if err != nil {
			return fmt.Errorf("failed to retire shadow owner: %w", err)
		}
	}

	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOwner(row rowScanner) (*domain.Owner, error) {
	var owner domain.Owner
	var deletedAt sql.NullTime
	err := row.Scan(&owner.ID, &owner.Subject, &owner.WalletKey, &owner.Fingerprint, &owner.CreatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan owner: %w", err)
	}
	if deletedAt.Valid {
		owner.DeletedAt = &deletedAt.Time
	}
	return &owner, nil
}

func scanChat(row rowScanner) (*domain.Chat, error) {
	var chat domain.Chat
	var deletedAt sql.NullTime
	err := row.Scan(&chat.ID, &chat.OwnerID, &chat.Model, &chat.Title, &chat.CreatedAt, &chat.UpdatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan chat: %w", err)
	}
	if deletedAt.Valid {
		chat.DeletedAt = &deletedAt.Time
	}
	return &chat, nil
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	var msg domain.Message
	var role string
	var deletedAt sql.NullTime
	err := row.Scan(&msg.ID, &msg.ChatID, &role, &msg.Content, &msg.Seq, &msg.ReplacesID, &msg.CreatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	msg.Role = domain.Role(role)
	if deletedAt.Valid {
		msg.DeletedAt = &deletedAt.Time
	}
	return &msg, nil
}

func collectMessages(rows *sql.Rows) ([]*domain.Message, error) {
	var messages []*domain.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

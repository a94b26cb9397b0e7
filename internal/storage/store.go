package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"localchat/internal/models"
)

var (
	// ErrNotFound is returned when a conversation or message does not exist.
	ErrNotFound = errors.New("not found")
	// ErrStorage wraps every other database failure.
	ErrStorage = errors.New("storage failure")
)

// Store persists conversations and their messages.
type Store struct {
	db *sql.DB
}

// NewStore builds a store on an opened and migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStorage, err)
}

// CreateConversation inserts a new conversation owned by userID.
func (s *Store) CreateConversation(ctx context.Context, userID int64, label string) (*models.Conversation, error) {
	if label == "" {
		label = models.DefaultLabel
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (user_id, label, created_at) VALUES (?, ?, ?)`,
		userID, label, now,
	)
	if err != nil {
		return nil, storageErr("create conversation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, storageErr("conversation id", err)
	}
	return &models.Conversation{ID: id, UserID: userID, Label: label, CreatedAt: now}, nil
}

// GetConversation loads one conversation regardless of owner.
func (s *Store) GetConversation(ctx context.Context, id int64) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, label, created_at FROM conversations WHERE id = ?`, id,
	).Scan(&c.ID, &c.UserID, &c.Label, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("get conversation", err)
	}
	return &c, nil
}

// LatestConversation returns the most recently created conversation of the user.
func (s *Store) LatestConversation(ctx context.Context, userID int64) (*models.Conversation, error) {
	var c models.Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, label, created_at FROM conversations WHERE user_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		userID,
	).Scan(&c.ID, &c.UserID, &c.Label, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, storageErr("latest conversation", err)
	}
	return &c, nil
}

// ListConversations returns all conversations of a user, newest first.
func (s *Store) ListConversations(ctx context.Context, userID int64) ([]models.Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, label, created_at FROM conversations WHERE user_id = ? ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, storageErr("list conversations", err)
	}
	defer rows.Close()

	var conversations []models.Conversation
	for rows.Next() {
		var c models.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Label, &c.CreatedAt); err != nil {
			return nil, storageErr("scan conversation", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list conversations", err)
	}
	return conversations, nil
}

// DeleteConversation removes a conversation and all of its messages.
func (s *Store) DeleteConversation(ctx context.Context, id int64) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin tx", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return storageErr("delete messages", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete conversation", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("conversation rows affected", err)
	}
	if affected == 0 {
		err = ErrNotFound
		return err
	}
	if err = tx.Commit(); err != nil {
		return storageErr("commit delete conversation", err)
	}
	return nil
}

// AppendTurn stores a new message at the end of the conversation and returns its id.
// model is only recorded for assistant turns.
func (s *Store) AppendTurn(ctx context.Context, conversationID int64, role models.Role, content string, model string) (int64, error) {
	if err := s.ensureConversation(ctx, conversationID); err != nil {
		return 0, err
	}
	var modelCol sql.NullString
	if role == models.RoleAssistant && model != "" {
		modelCol = sql.NullString{String: model, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (conversation_id, role, content, model, created_at) VALUES (?, ?, ?, ?, ?)`,
		conversationID, role, content, modelCol, time.Now().UTC(),
	)
	if err != nil {
		return 0, storageErr("insert message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storageErr("message id", err)
	}
	return id, nil
}

// ListTurns returns the conversation's messages in creation order.
func (s *Store) ListTurns(ctx context.Context, conversationID int64) ([]*models.Message, error) {
	if err := s.ensureConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, model, created_at FROM messages WHERE conversation_id = ? ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, storageErr("list messages", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		var model sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &model, &m.CreatedAt); err != nil {
			return nil, storageErr("scan message", err)
		}
		if model.Valid {
			m.Model = &model.String
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list messages", err)
	}
	return messages, nil
}

// UpdateTurnContent replaces the content of one message. The model column is never touched.
func (s *Store) UpdateTurnContent(ctx context.Context, turnID int64, content string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET content = ? WHERE id = ?`, content, turnID)
	if err != nil {
		return storageErr("update message", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return storageErr("message rows affected", err)
	}
	if affected == 0 {
		// mysql reports 0 for unchanged rows, so double check existence
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM messages WHERE id = ?)`, turnID).Scan(&exists); err != nil {
			return storageErr("verify message", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

// SetConversationLabel updates the label shown for a conversation.
func (s *Store) SetConversationLabel(ctx context.Context, conversationID int64, label string) error {
	if err := s.ensureConversation(ctx, conversationID); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE conversations SET label = ? WHERE id = ?`, label, conversationID); err != nil {
		return storageErr("update conversation label", err)
	}
	return nil
}

// TurnsBefore returns how many messages of the conversation were stored before turnID.
// Zero means turnID is the opening turn, even when other turns race in concurrently.
func (s *Store) TurnsBefore(ctx context.Context, conversationID, turnID int64) (int, error) {
	if err := s.ensureConversation(ctx, conversationID); err != nil {
		return 0, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND id < ?`, conversationID, turnID,
	).Scan(&count); err != nil {
		return 0, storageErr("count earlier messages", err)
	}
	return count, nil
}

func (s *Store) ensureConversation(ctx context.Context, conversationID int64) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ?)`, conversationID,
	).Scan(&exists); err != nil {
		return storageErr("verify conversation", err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

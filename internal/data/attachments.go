package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/normanking/cortex-relay/pkg/types"
)

// StoreAttachment saves a binary object and returns its handle.
func (s *Store) StoreAttachment(ctx context.Context, ownerID, conversationKey, filename, mediaType string, data []byte) (string, error) {
	id := uuid.NewString()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, owner_id, conversation_key, filename, media_type, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, ownerID, conversationKey, filename, mediaType, data, time.Now().UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert attachment: %w", err)
	}

	return id, nil
}

// LoadAttachment returns a stored attachment. A missing handle yields a
// *types.MissingResourceError.
func (s *Store) LoadAttachment(ctx context.Context, id string) (*types.Attachment, error) {
	var (
		att       types.Attachment
		createdAt int64
	)

	err := s.db.QueryRowContext(ctx, `
		SELECT id, owner_id, conversation_key, filename, media_type, data, created_at
		FROM attachments WHERE id = ?
	`, id).Scan(&att.ID, &att.OwnerID, &att.ConversationKey, &att.Filename, &att.MediaType, &att.Data, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &types.MissingResourceError{Kind: "attachment", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("query attachment: %w", err)
	}

	att.CreatedAt = fromUnixNano(createdAt)
	return &att, nil
}

// CountAttachments returns how many attachments a conversation holds.
func (s *Store) CountAttachments(ctx context.Context, conversationKey string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM attachments WHERE conversation_key = ?", conversationKey).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attachments: %w", err)
	}
	return n, nil
}

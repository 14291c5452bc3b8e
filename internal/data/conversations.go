package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/normanking/cortex-relay/pkg/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONVERSATION LOG
// ═══════════════════════════════════════════════════════════════════════════════

// GetTurns returns the turns of a conversation, oldest first.
// A missing key yields an empty slice.
func (s *Store) GetTurns(ctx context.Context, key string) ([]types.Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, role, author_id, author_name, author_bot, reply_to, content, created_at
		FROM conversation_turns
		WHERE conversation_key = ?
		ORDER BY seq ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	turns := []types.Turn{}
	for rows.Next() {
		var (
			turn                 types.Turn
			authorID, authorName sql.NullString
			authorBot            bool
			replyTo              sql.NullString
			content              string
			createdAt            int64
		)
		if err := rows.Scan(&turn.ID, &turn.Role, &authorID, &authorName, &authorBot, &replyTo, &content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if err := json.Unmarshal([]byte(content), &turn.Blocks); err != nil {
			return nil, fmt.Errorf("decode turn %s: %w", turn.ID, err)
		}
		if authorID.Valid {
			turn.Author = &types.Author{ID: authorID.String, Name: authorName.String, Bot: authorBot}
		}
		turn.ReplyTo = replyTo.String
		turn.CreatedAt = fromUnixNano(createdAt)
		turns = append(turns, turn)
	}

	return turns, rows.Err()
}

// AppendTurns adds turns to the end of a conversation in one transaction.
// Turns without an ID are assigned one; the assigned IDs are written back.
func (s *Store) AppendTurns(ctx context.Context, key string, turns ...*types.Turn) error {
	if len(turns) == 0 {
		return nil
	}

	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO conversation_turns (
				id, conversation_key, role, author_id, author_name, author_bot, reply_to, content, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare statement: %w", err)
		}
		defer stmt.Close()

		for _, turn := range turns {
			if turn.ID == "" {
				turn.ID = uuid.NewString()
			}
			for _, b := range turn.Blocks {
				if err := b.Validate(); err != nil {
					return fmt.Errorf("turn %s: %w", turn.ID, err)
				}
			}

			content, err := json.Marshal(turn.Blocks)
			if err != nil {
				return fmt.Errorf("encode turn %s: %w", turn.ID, err)
			}

			var authorID, authorName any
			authorBot := false
			if turn.Author != nil {
				authorID = turn.Author.ID
				authorName = turn.Author.Name
				authorBot = turn.Author.Bot
			}

			if _, err := stmt.ExecContext(ctx,
				turn.ID, key, string(turn.Role), authorID, authorName, authorBot,
				nullString(turn.ReplyTo), string(content), unixNano(turn.CreatedAt),
			); err != nil {
				return fmt.Errorf("insert turn %s: %w", turn.ID, err)
			}
		}
		return nil
	})
}

// DeleteConversation removes every turn and attachment of a conversation.
func (s *Store) DeleteConversation(ctx context.Context, key string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM conversation_turns WHERE conversation_key = ?", key); err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM attachments WHERE conversation_key = ?", key); err != nil {
			return fmt.Errorf("delete attachments: %w", err)
		}
		return nil
	})
}

// DeleteAuthor removes everything held about an author: their turns in every
// conversation, the assistant turns that answered them, their own
// conversation, their attachments and their preference row. It returns the
// number of turns removed.
func (s *Store) DeleteAuthor(ctx context.Context, authorID string) (int64, error) {
	var removed int64

	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM conversation_turns
			WHERE reply_to IN (SELECT id FROM conversation_turns WHERE author_id = ?)
		`, authorID)
		if err != nil {
			return fmt.Errorf("delete replies: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n

		res, err = tx.ExecContext(ctx,
			"DELETE FROM conversation_turns WHERE author_id = ? OR conversation_key = ?", authorID, authorID)
		if err != nil {
			return fmt.Errorf("delete authored turns: %w", err)
		}
		n, _ = res.RowsAffected()
		removed += n

		if _, err := tx.ExecContext(ctx,
			"DELETE FROM attachments WHERE owner_id = ? OR conversation_key = ?", authorID, authorID); err != nil {
			return fmt.Errorf("delete attachments: %w", err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM preferences WHERE user_id = ?", authorID); err != nil {
			return fmt.Errorf("delete preferences: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	return removed, nil
}

// nullString converts an empty string to SQL NULL.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

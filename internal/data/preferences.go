package data

import (
	"context"
	"fmt"
	"time"

	"github.com/normanking/cortex-relay/pkg/types"
)

// SetDefaultRounds overrides the round count given to users on first
// access. Existing preferences are unchanged.
func (s *Store) SetDefaultRounds(n int) {
	s.defaultRounds = n
}

// GetPreference returns a user's preference, creating the default row on
// first access.
func (s *Store) GetPreference(ctx context.Context, userID string) (types.Preference, error) {
	def := types.DefaultPreference(userID)
	if s.defaultRounds > 0 {
		def.ReasoningRounds = s.defaultRounds
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO preferences (user_id, reasoning_mode, reasoning_rounds, rag_enabled, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, userID, string(def.ReasoningMode), def.ReasoningRounds, def.RAGEnabled, time.Now().UnixNano())
	if err != nil {
		return def, fmt.Errorf("insert default preference: %w", err)
	}

	var (
		pref      types.Preference
		mode      string
		updatedAt int64
	)
	err = s.db.QueryRowContext(ctx, `
		SELECT user_id, reasoning_mode, reasoning_rounds, rag_enabled, updated_at
		FROM preferences WHERE user_id = ?
	`, userID).Scan(&pref.UserID, &mode, &pref.ReasoningRounds, &pref.RAGEnabled, &updatedAt)
	if err != nil {
		return def, fmt.Errorf("query preference: %w", err)
	}

	pref.ReasoningMode = types.ReasoningMode(mode)
	pref.UpdatedAt = fromUnixNano(updatedAt)
	return pref, nil
}

// SetPreference writes a user's preference.
func (s *Store) SetPreference(ctx context.Context, pref types.Preference) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (user_id, reasoning_mode, reasoning_rounds, rag_enabled, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			reasoning_mode = excluded.reasoning_mode,
			reasoning_rounds = excluded.reasoning_rounds,
			rag_enabled = excluded.rag_enabled,
			updated_at = excluded.updated_at
	`, pref.UserID, string(pref.ReasoningMode), pref.ReasoningRounds, pref.RAGEnabled, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("upsert preference: %w", err)
	}
	return nil
}

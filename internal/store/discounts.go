package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"checkout-service/internal/models"
)

// GetDiscountCodeByCode retrieves a discount code case-insensitively.
// Codes are stored normalized upper-case. Returns nil when absent.
func (s *Store) GetDiscountCodeByCode(ctx context.Context, code string) (*models.DiscountCode, error) {
	var dc models.DiscountCode
	err := s.db.GetContext(ctx, &dc,
		"SELECT * FROM discount_codes WHERE code = $1", strings.ToUpper(strings.TrimSpace(code)))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dc, nil
}

// GetDiscountCodeByID retrieves a discount code by ID
func (s *Store) GetDiscountCodeByID(ctx context.Context, id int64) (*models.DiscountCode, error) {
	var dc models.DiscountCode
	err := s.db.GetContext(ctx, &dc, "SELECT * FROM discount_codes WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &dc, nil
}

// HasDiscountCodeUse checks whether an identity has already consumed a code.
// Authenticated users match by user id, guests by normalized email.
func (s *Store) HasDiscountCodeUse(ctx context.Context, codeID int64, userID int64, guestEmail string) (bool, error) {
	var exists bool
	if userID != 0 {
		err := s.db.GetContext(ctx, &exists,
			"SELECT EXISTS(SELECT 1 FROM discount_code_uses WHERE discount_code_id = $1 AND user_id = $2)",
			codeID, userID)
		return exists, err
	}

	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM discount_code_uses WHERE discount_code_id = $1 AND guest_email = $2)",
		codeID, strings.ToLower(strings.TrimSpace(guestEmail)))
	return exists, err
}

// RecordDiscountCodeUse records a consumption; at most one use per code
// per identity, repeats absorbed by the unique indexes.
func (s *Store) RecordDiscountCodeUse(ctx context.Context, codeID int64, userID int64, guestEmail string) error {
	var err error
	if userID != 0 {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO discount_code_uses (discount_code_id, user_id)
			VALUES ($1, $2)
			ON CONFLICT (discount_code_id, user_id) DO NOTHING`,
			codeID, userID)
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO discount_code_uses (discount_code_id, guest_email)
			VALUES ($1, $2)
			ON CONFLICT (discount_code_id, guest_email) DO NOTHING`,
			codeID, strings.ToLower(strings.TrimSpace(guestEmail)))
	}
	if err != nil {
		return fmt.Errorf("failed to record discount code use: %w", err)
	}
	return nil
}

// IncrementDiscountCodeUsage bumps times_used, guarded so the counter
// never exceeds max_uses when one is set.
func (s *Store) IncrementDiscountCodeUsage(ctx context.Context, codeID int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE discount_codes
		SET times_used = times_used + 1
		WHERE id = $1 AND (max_uses IS NULL OR times_used < max_uses)`,
		codeID)
	if err != nil {
		return fmt.Errorf("failed to increment discount code usage: %w", err)
	}
	return nil
}

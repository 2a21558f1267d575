package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ShareRepository handles share persistence operations
type ShareRepository struct {
	db *sql.DB
}

// NewShareRepository creates a share repository
func NewShareRepository(db *sql.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateShare records a share as submitted
func (r *ShareRepository) CreateShare(ctx context.Context, share *Share) error {
	query := `
		INSERT INTO shares (share_id, job_id, height, edge_bits, nonce, device_id, status, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		share.ShareID, share.JobID, share.Height, share.EdgeBits,
		share.Nonce, share.DeviceID, share.Status, share.FoundAt,
	).Scan(&share.ID)

	if err != nil {
		return fmt.Errorf("failed to create share: %w", err)
	}

	return nil
}

// ResolveShare records the server's verdict on a previously submitted share
func (r *ShareRepository) ResolveShare(ctx context.Context, shareID, status, reason string) error {
	query := `
		UPDATE shares
		SET status = $2, reason = $3, resolved_at = $4
		WHERE share_id = $1`

	result, err := r.db.ExecContext(ctx, query, shareID, status, reason, time.Now())
	if err != nil {
		return fmt.Errorf("failed to resolve share: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check resolve result: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("share not found: %s", shareID)
	}

	return nil
}

// GetRecentShares retrieves the most recent shares with pagination
func (r *ShareRepository) GetRecentShares(ctx context.Context, limit, offset int) ([]*Share, error) {
	query := `
		SELECT id, share_id, job_id, height, edge_bits, nonce, device_id, status, reason, found_at, resolved_at
		FROM shares
		ORDER BY found_at DESC
		LIMIT $1 OFFSET $2`

	rows, err := r.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var shares []*Share
	for rows.Next() {
		share := &Share{}
		var reason sql.NullString
		if err := rows.Scan(
			&share.ID, &share.ShareID, &share.JobID, &share.Height,
			&share.EdgeBits, &share.Nonce, &share.DeviceID, &share.Status,
			&reason, &share.FoundAt, &share.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan share: %w", err)
		}
		share.Reason = reason.String
		shares = append(shares, share)
	}

	return shares, rows.Err()
}

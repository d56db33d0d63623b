package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"proofofart/internal/models"
)

type ClaimRepository struct {
	pool *pgxpool.Pool
}

func NewClaimRepository(pool *pgxpool.Pool) *ClaimRepository {
	return &ClaimRepository{pool: pool}
}

// ApproveParams describes a claim approval. ExpectedOwnerID is the owner the
// reviewer was authorized against.
type ApproveParams struct {
	ClaimID         string
	ArtworkID       string
	RequesterID     string
	ReviewerID      string
	ExpectedOwnerID string
	ReviewedAt      time.Time
}

const claimColumns = `id, artwork_id, requester_id, reason, status, reviewed_by_id, reviewed_at, created_at, updated_at`

func scanClaim(row pgx.Row) (models.ArtworkClaim, error) {
	var claim models.ArtworkClaim
	err := row.Scan(
		&claim.ID,
		&claim.ArtworkID,
		&claim.RequesterID,
		&claim.Reason,
		&claim.Status,
		&claim.ReviewedByID,
		&claim.ReviewedAt,
		&claim.CreatedAt,
		&claim.UpdatedAt,
	)
	return claim, err
}

func (r *ClaimRepository) Create(ctx context.Context, claim models.ArtworkClaim) (models.ArtworkClaim, error) {
	query := `
		INSERT INTO artwork_claims (
			id, artwork_id, requester_id, reason, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, 'PENDING', NOW(), NOW()
		)
		RETURNING ` + claimColumns

	created, err := scanClaim(r.pool.QueryRow(ctx, query,
		claim.ID,
		claim.ArtworkID,
		claim.RequesterID,
		claim.Reason,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return models.ArtworkClaim{}, ErrDuplicatePendingClaim
		}
		return models.ArtworkClaim{}, err
	}
	return created, nil
}

func (r *ClaimRepository) GetByID(ctx context.Context, id string) (models.ArtworkClaim, error) {
	query := `SELECT ` + claimColumns + ` FROM artwork_claims WHERE id = $1`
	claim, err := scanClaim(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ArtworkClaim{}, ErrClaimNotFound
		}
		return models.ArtworkClaim{}, err
	}
	return claim, nil
}

func (r *ClaimRepository) HasPending(ctx context.Context, artworkID, requesterID string) (bool, error) {
	const query = `
		SELECT EXISTS (
			SELECT 1 FROM artwork_claims
			WHERE artwork_id = $1 AND requester_id = $2 AND status = 'PENDING'
		)
	`
	var exists bool
	err := r.pool.QueryRow(ctx, query, artworkID, requesterID).Scan(&exists)
	return exists, err
}

func (r *ClaimRepository) ListByRequester(ctx context.Context, requesterID string) ([]models.ArtworkClaim, error) {
	query := `SELECT ` + claimColumns + ` FROM artwork_claims WHERE requester_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, requesterID)
}

func (r *ClaimRepository) ListByArtwork(ctx context.Context, artworkID string) ([]models.ArtworkClaim, error) {
	query := `SELECT ` + claimColumns + ` FROM artwork_claims WHERE artwork_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, artworkID)
}

func (r *ClaimRepository) list(ctx context.Context, query string, arg string) ([]models.ArtworkClaim, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []models.ArtworkClaim
	for rows.Next() {
		claim, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, claim)
	}
	return claims, rows.Err()
}

// Approve transfers ownership to the requester and closes the claim in a
// single transaction. The owner update only applies if the artwork is still
// owned by ExpectedOwnerID; the claim update only applies while PENDING.
func (r *ClaimRepository) Approve(ctx context.Context, p ApproveParams) (models.OwnershipTransfer, error) {
	var record models.OwnershipTransfer
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if err := closeClaim(ctx, tx, p.ClaimID, models.ClaimApproved, p.ReviewerID, p.ReviewedAt); err != nil {
			return err
		}
		claimID := p.ClaimID
		var err error
		record, err = transferOwner(ctx, tx, models.OwnershipTransfer{
			ArtworkID:    p.ArtworkID,
			NewOwnerID:   p.RequesterID,
			TransferType: models.TransferClaimApproved,
			ClaimID:      &claimID,
		}, p.ExpectedOwnerID)
		return err
	})
	if err != nil {
		return models.OwnershipTransfer{}, err
	}
	return record, nil
}

func (r *ClaimRepository) Reject(ctx context.Context, claimID, reviewerID string, reviewedAt time.Time) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		return closeClaim(ctx, tx, claimID, models.ClaimRejected, reviewerID, reviewedAt)
	})
}

func closeClaim(ctx context.Context, tx pgx.Tx, claimID string, status models.ClaimStatus, reviewerID string, reviewedAt time.Time) error {
	const update = `
		UPDATE artwork_claims
		SET status = $2,
		    reviewed_by_id = $3,
		    reviewed_at = $4,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'PENDING'
	`
	cmd, err := tx.Exec(ctx, update, claimID, status, reviewerID, reviewedAt)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM artwork_claims WHERE id = $1)`, claimID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrClaimNotFound
		}
		return ErrClaimNotPending
	}
	return nil
}

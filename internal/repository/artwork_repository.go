package repository

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"proofofart/internal/ids"
	"proofofart/internal/models"
)

type ArtworkRepository struct {
	pool *pgxpool.Pool
}

func NewArtworkRepository(pool *pgxpool.Pool) *ArtworkRepository {
	return &ArtworkRepository{pool: pool}
}

const artworkColumns = `id, image_id, original_uploader_id, current_owner_id, embedded_proof, proof_metadata, created_at, updated_at`

func scanArtwork(row pgx.Row) (models.Artwork, error) {
	var artwork models.Artwork
	err := row.Scan(
		&artwork.ID,
		&artwork.ImageID,
		&artwork.OriginalUploaderID,
		&artwork.CurrentOwnerID,
		&artwork.EmbeddedProof,
		&artwork.ProofMetadata,
		&artwork.CreatedAt,
		&artwork.UpdatedAt,
	)
	return artwork, err
}

// CreateWithUpload inserts the artwork and its UPLOAD ledger row in one
// transaction. ErrArtworkExists is returned if the image already has one.
func (r *ArtworkRepository) CreateWithUpload(ctx context.Context, artwork models.Artwork) (models.Artwork, error) {
	var created models.Artwork
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		const insert = `
			INSERT INTO artworks (
				id, image_id, original_uploader_id, current_owner_id, embedded_proof, proof_metadata, created_at, updated_at
			) VALUES (
				$1, $2, $3, $3, $4, $5, NOW(), NOW()
			)
			ON CONFLICT (image_id) DO NOTHING
			RETURNING ` + artworkColumns

		var err error
		created, err = scanArtwork(tx.QueryRow(ctx, insert,
			artwork.ID,
			artwork.ImageID,
			artwork.OriginalUploaderID,
			nullableJSON(artwork.EmbeddedProof),
			nullableJSON(artwork.ProofMetadata),
		))
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrArtworkExists
			}
			return err
		}

		_, err = insertTransfer(ctx, tx, models.OwnershipTransfer{
			ArtworkID:    created.ID,
			NewOwnerID:   created.CurrentOwnerID,
			TransferType: models.TransferUpload,
		})
		return err
	})
	if err != nil {
		return models.Artwork{}, err
	}
	return created, nil
}

func (r *ArtworkRepository) GetByID(ctx context.Context, id string) (models.Artwork, error) {
	query := `SELECT ` + artworkColumns + ` FROM artworks WHERE id = $1`
	artwork, err := scanArtwork(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Artwork{}, ErrArtworkNotFound
		}
		return models.Artwork{}, err
	}
	return artwork, nil
}

func (r *ArtworkRepository) GetByImageID(ctx context.Context, imageID string) (models.Artwork, error) {
	query := `SELECT ` + artworkColumns + ` FROM artworks WHERE image_id = $1`
	artwork, err := scanArtwork(r.pool.QueryRow(ctx, query, imageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Artwork{}, ErrArtworkNotFound
		}
		return models.Artwork{}, err
	}
	return artwork, nil
}

// ListByOwner returns the artworks ownerID currently holds, newest first. With
// acquiredOnly set, artworks the owner uploaded themselves are left out.
func (r *ArtworkRepository) ListByOwner(ctx context.Context, ownerID string, acquiredOnly bool, limit, offset int) ([]models.Artwork, error) {
	query := `SELECT ` + artworkColumns + `
		FROM artworks
		WHERE current_owner_id = $1 AND (NOT $2 OR original_uploader_id <> $1)
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`
	return r.list(ctx, query, ownerID, acquiredOnly, limit, offset)
}

// ListByUploader returns the artworks uploaderID uploaded, whoever owns them
// now, newest first.
func (r *ArtworkRepository) ListByUploader(ctx context.Context, uploaderID string, limit, offset int) ([]models.Artwork, error) {
	query := `SELECT ` + artworkColumns + `
		FROM artworks
		WHERE original_uploader_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3`
	return r.list(ctx, query, uploaderID, limit, offset)
}

func (r *ArtworkRepository) list(ctx context.Context, query string, args ...any) ([]models.Artwork, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var artworks []models.Artwork
	for rows.Next() {
		artwork, err := scanArtwork(rows)
		if err != nil {
			return nil, err
		}
		artworks = append(artworks, artwork)
	}
	return artworks, rows.Err()
}

func (r *ArtworkRepository) UpdateProofMetadata(ctx context.Context, id string, metadata json.RawMessage) error {
	const query = `
		UPDATE artworks SET proof_metadata = $2, updated_at = NOW() WHERE id = $1
	`
	cmd, err := r.pool.Exec(ctx, query, id, nullableJSON(metadata))
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrArtworkNotFound
	}
	return nil
}

// TransferOwner moves the artwork from expectedOwner to newOwner and appends
// the ledger row. ErrOwnershipConflict means the owner was no longer
// expectedOwner when the update ran.
func (r *ArtworkRepository) TransferOwner(ctx context.Context, t models.OwnershipTransfer, expectedOwner string) (models.OwnershipTransfer, error) {
	var record models.OwnershipTransfer
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var err error
		record, err = transferOwner(ctx, tx, t, expectedOwner)
		return err
	})
	return record, err
}

// History returns the ledger for an artwork in timestamp order.
func (r *ArtworkRepository) History(ctx context.Context, artworkID string) ([]models.OwnershipTransfer, error) {
	const query = `
		SELECT id, artwork_id, previous_owner_id, new_owner_id, transfer_type, claim_id, created_at
		FROM ownership_transfers
		WHERE artwork_id = $1
		ORDER BY created_at ASC, id ASC
	`
	rows, err := r.pool.Query(ctx, query, artworkID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ledger []models.OwnershipTransfer
	for rows.Next() {
		var t models.OwnershipTransfer
		if err := rows.Scan(
			&t.ID,
			&t.ArtworkID,
			&t.PreviousOwnerID,
			&t.NewOwnerID,
			&t.TransferType,
			&t.ClaimID,
			&t.CreatedAt,
		); err != nil {
			return nil, err
		}
		ledger = append(ledger, t)
	}
	return ledger, rows.Err()
}

func transferOwner(ctx context.Context, tx pgx.Tx, t models.OwnershipTransfer, expectedOwner string) (models.OwnershipTransfer, error) {
	const update = `
		UPDATE artworks
		SET current_owner_id = $2,
		    updated_at = NOW()
		WHERE id = $1 AND current_owner_id = $3
	`
	cmd, err := tx.Exec(ctx, update, t.ArtworkID, t.NewOwnerID, expectedOwner)
	if err != nil {
		return models.OwnershipTransfer{}, err
	}
	if cmd.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM artworks WHERE id = $1)`, t.ArtworkID).Scan(&exists); err != nil {
			return models.OwnershipTransfer{}, err
		}
		if !exists {
			return models.OwnershipTransfer{}, ErrArtworkNotFound
		}
		return models.OwnershipTransfer{}, ErrOwnershipConflict
	}

	previous := expectedOwner
	t.PreviousOwnerID = &previous
	return insertTransfer(ctx, tx, t)
}

func insertTransfer(ctx context.Context, tx pgx.Tx, t models.OwnershipTransfer) (models.OwnershipTransfer, error) {
	if t.ID == "" {
		t.ID = ids.New()
	}
	const insert = `
		INSERT INTO ownership_transfers (
			id, artwork_id, previous_owner_id, new_owner_id, transfer_type, claim_id
		) VALUES (
			$1, $2, $3, $4, $5, $6
		)
		RETURNING created_at
	`
	err := tx.QueryRow(ctx, insert,
		t.ID,
		t.ArtworkID,
		t.PreviousOwnerID,
		t.NewOwnerID,
		t.TransferType,
		t.ClaimID,
	).Scan(&t.CreatedAt)
	return t, err
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

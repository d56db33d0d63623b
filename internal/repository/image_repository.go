package repository

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"proofofart/internal/models"
)

type ImageRepository struct {
	pool *pgxpool.Pool
}

func NewImageRepository(pool *pgxpool.Pool) *ImageRepository {
	return &ImageRepository{pool: pool}
}

const imageColumns = `id, content_hash, source_url, filename, mime_type, size_bytes, status, created_at, updated_at`

func scanImage(row pgx.Row) (models.Image, error) {
	var image models.Image
	err := row.Scan(
		&image.ID,
		&image.ContentHash,
		&image.SourceURL,
		&image.Filename,
		&image.MimeType,
		&image.SizeBytes,
		&image.Status,
		&image.CreatedAt,
		&image.UpdatedAt,
	)
	return image, err
}

// Create inserts a new image. A concurrent insert of the same content hash
// returns the row that won.
func (r *ImageRepository) Create(ctx context.Context, image models.Image) (models.Image, bool, error) {
	const query = `
		INSERT INTO images (
			id, content_hash, source_url, filename, mime_type, size_bytes, status, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, NOW(), NOW()
		)
		ON CONFLICT (content_hash) DO NOTHING
		RETURNING ` + imageColumns

	created, err := scanImage(r.pool.QueryRow(ctx, query,
		image.ID,
		image.ContentHash,
		image.SourceURL,
		image.Filename,
		image.MimeType,
		image.SizeBytes,
		image.Status,
	))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Image{}, false, err
	}
	existing, err := r.GetByHash(ctx, image.ContentHash)
	return existing, false, err
}

func (r *ImageRepository) GetByID(ctx context.Context, id string) (models.Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images WHERE id = $1`
	image, err := scanImage(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Image{}, ErrImageNotFound
		}
		return models.Image{}, err
	}
	return image, nil
}

func (r *ImageRepository) GetByHash(ctx context.Context, hash string) (models.Image, error) {
	query := `SELECT ` + imageColumns + ` FROM images WHERE content_hash = $1`
	image, err := scanImage(r.pool.QueryRow(ctx, query, hash))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Image{}, ErrImageNotFound
		}
		return models.Image{}, err
	}
	return image, nil
}

func (r *ImageRepository) UpdateStatus(ctx context.Context, id string, status models.ImageStatus) error {
	const query = `
		UPDATE images
		SET status = $2,
		    updated_at = NOW()
		WHERE id = $1
	`
	cmd, err := r.pool.Exec(ctx, query, id, status)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrImageNotFound
	}
	return nil
}

// ListStale returns images stuck in status since before the cutoff, oldest first.
func (r *ImageRepository) ListStale(ctx context.Context, status models.ImageStatus, before time.Time, limit int) ([]models.Image, error) {
	query := `
		SELECT ` + imageColumns + `
		FROM images
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`
	rows, err := r.pool.Query(ctx, query, status, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var images []models.Image
	for rows.Next() {
		image, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, image)
	}
	return images, rows.Err()
}

func (r *ImageRepository) CountByStatus(ctx context.Context) (map[models.ImageStatus]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*) FROM images GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.ImageStatus]int64)
	for rows.Next() {
		var (
			status models.ImageStatus
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

// UpsertReport writes the detection report keyed by image id.
func (r *ImageRepository) UpsertReport(ctx context.Context, report models.DetectionReport) error {
	const query = `
		INSERT INTO detection_reports (
			image_id, ai_probability, detected_label, model_name, heatmap_ref, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, NOW(), NOW()
		)
		ON CONFLICT (image_id) DO UPDATE
		SET ai_probability = EXCLUDED.ai_probability,
		    detected_label = EXCLUDED.detected_label,
		    model_name = EXCLUDED.model_name,
		    heatmap_ref = EXCLUDED.heatmap_ref,
		    updated_at = NOW()
	`
	_, err := r.pool.Exec(ctx, query,
		report.ImageID,
		report.AIProbability,
		report.DetectedLabel,
		report.ModelName,
		report.HeatmapRef,
	)
	return err
}

func (r *ImageRepository) GetReport(ctx context.Context, imageID string) (models.DetectionReport, error) {
	const query = `
		SELECT image_id, ai_probability, detected_label, model_name, heatmap_ref, created_at, updated_at
		FROM detection_reports WHERE image_id = $1
	`
	var report models.DetectionReport
	if err := r.pool.QueryRow(ctx, query, imageID).Scan(
		&report.ImageID,
		&report.AIProbability,
		&report.DetectedLabel,
		&report.ModelName,
		&report.HeatmapRef,
		&report.CreatedAt,
		&report.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.DetectionReport{}, ErrReportNotFound
		}
		return models.DetectionReport{}, err
	}
	return report, nil
}

// ReplaceFindings swaps the full set of tamper findings for an image.
func (r *ImageRepository) ReplaceFindings(ctx context.Context, imageID string, findings []models.TamperFinding) error {
	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM tamper_findings WHERE image_id = $1`, imageID); err != nil {
			return err
		}
		const insert = `
			INSERT INTO tamper_findings (
				id, image_id, mask_ref, edited_area_ratio, edited_pixels, created_at
			) VALUES (
				$1, $2, $3, $4, $5, NOW()
			)
		`
		for _, f := range findings {
			if _, err := tx.Exec(ctx, insert, f.ID, imageID, f.MaskRef, f.EditedAreaRatio, f.EditedPixels); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *ImageRepository) ListFindings(ctx context.Context, imageID string) ([]models.TamperFinding, error) {
	const query = `
		SELECT id, image_id, mask_ref, edited_area_ratio, edited_pixels, created_at
		FROM tamper_findings
		WHERE image_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.pool.Query(ctx, query, imageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var findings []models.TamperFinding
	for rows.Next() {
		var f models.TamperFinding
		if err := rows.Scan(
			&f.ID,
			&f.ImageID,
			&f.MaskRef,
			&f.EditedAreaRatio,
			&f.EditedPixels,
			&f.CreatedAt,
		); err != nil {
			return nil, err
		}
		findings = append(findings, f)
	}
	return findings, rows.Err()
}

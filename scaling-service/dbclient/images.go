package dbclient

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v4"

	"github.com/whisthq/whist/backend/fleet/utils"
	logger "github.com/whisthq/whist/backend/fleet/whistlogger"
)

const imageColumns = `region, image_id, commit_hash, active, scale_down_protected`

func scanImage(row pgx.Row) (Image, error) {
	var img Image
	err := row.Scan(&img.Region, &img.ImageID, &img.CommitHash, &img.Active, &img.ScaleDownProtected)
	return img, err
}

func collectImages(rows pgx.Rows) ([]Image, error) {
	defer rows.Close()

	var images []Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

// QueryImage returns the catalog entry of the given pair, or ErrImageNotFound.
func (client *DBClient) QueryImage(ctx context.Context, region, imageID string) (Image, error) {
	img, err := scanImage(client.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM whist.image
		WHERE region = $1 AND image_id = $2`, region, imageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Image{}, utils.MakeError("%w: %s in %s", ErrImageNotFound, imageID, region)
	} else if err != nil {
		return Image{}, utils.MakeError("error querying image %s in %s: %w", imageID, region, classify(err))
	}
	return img, nil
}

// QueryActiveImage returns the active image of a region, or ErrImageNotFound.
func (client *DBClient) QueryActiveImage(ctx context.Context, region string) (Image, error) {
	img, err := scanImage(client.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM whist.image
		WHERE region = $1 AND active
		ORDER BY image_id
		LIMIT 1`, region))
	if errors.Is(err, pgx.ErrNoRows) {
		return Image{}, utils.MakeError("%w: no active image in %s", ErrImageNotFound, region)
	} else if err != nil {
		return Image{}, utils.MakeError("error querying active image in %s: %w", region, classify(err))
	}
	return img, nil
}

// QueryActiveImages returns the active images of every region.
func (client *DBClient) QueryActiveImages(ctx context.Context) ([]Image, error) {
	rows, err := client.pool.Query(ctx, `SELECT `+imageColumns+` FROM whist.image
		WHERE active ORDER BY region, image_id`)
	if err != nil {
		return nil, utils.MakeError("error querying active images: %w", classify(err))
	}
	return collectImages(rows)
}

// QueryActiveRegions returns the sorted list of regions with an active image.
func (client *DBClient) QueryActiveRegions(ctx context.Context) ([]string, error) {
	rows, err := client.pool.Query(ctx, `SELECT DISTINCT region FROM whist.image WHERE active ORDER BY region`)
	if err != nil {
		return nil, utils.MakeError("error querying active regions: %w", classify(err))
	}
	defer rows.Close()

	var regions []string
	for rows.Next() {
		var region string
		if err := rows.Scan(&region); err != nil {
			return nil, err
		}
		regions = append(regions, region)
	}
	return regions, rows.Err()
}

// InsertImages adds the given catalog entries in a single transaction.
func (client *DBClient) InsertImages(ctx context.Context, images []Image) error {
	return client.inTx(ctx, func(tx pgx.Tx) error {
		for _, img := range images {
			_, err := tx.Exec(ctx, `INSERT INTO whist.image (`+imageColumns+`) VALUES ($1, $2, $3, $4, $5)`,
				img.Region, img.ImageID, img.CommitHash, img.Active, img.ScaleDownProtected)
			if err != nil {
				return utils.MakeError("couldn't insert image %s in %s: %w", img.ImageID, img.Region, classify(err))
			}
		}
		logger.Infof("Inserted %d images to database.", len(images))
		return nil
	})
}

// ActivateImages makes each of the given images the single active image of
// its region and removes its scale down protection, in one transaction.
func (client *DBClient) ActivateImages(ctx context.Context, images []Image) error {
	return client.inTx(ctx, func(tx pgx.Tx) error {
		for _, img := range images {
			_, err := tx.Exec(ctx, `UPDATE whist.image SET active = false
				WHERE region = $1 AND image_id <> $2 AND active`, img.Region, img.ImageID)
			if err != nil {
				return utils.MakeError("couldn't deactivate old images in %s: %w", img.Region, classify(err))
			}

			result, err := tx.Exec(ctx, `UPDATE whist.image SET active = true, scale_down_protected = false
				WHERE region = $1 AND image_id = $2`, img.Region, img.ImageID)
			if err != nil {
				return utils.MakeError("couldn't activate image %s in %s: %w", img.ImageID, img.Region, classify(err))
			} else if result.RowsAffected() == 0 {
				return utils.MakeError("couldn't activate image %s in %s: %w", img.ImageID, img.Region, ErrImageNotFound)
			}
			logger.Infof("Activated image %s in %s.", img.ImageID, img.Region)
		}
		return nil
	})
}

// DeleteImages removes the given catalog entries. Missing entries are ignored.
func (client *DBClient) DeleteImages(ctx context.Context, images []Image) error {
	return client.inTx(ctx, func(tx pgx.Tx) error {
		for _, img := range images {
			_, err := tx.Exec(ctx, `DELETE FROM whist.image WHERE region = $1 AND image_id = $2`, img.Region, img.ImageID)
			if err != nil {
				return utils.MakeError("couldn't delete image %s in %s: %w", img.ImageID, img.Region, classify(err))
			}
		}
		return nil
	})
}

// inTx runs fn inside a transaction and commits it if fn succeeds.
func (client *DBClient) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := client.beginTx(ctx)
	if err != nil {
		return err
	}
	// Safe to do even if committed -- see tx.Rollback() docs.
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return utils.MakeError("couldn't commit transaction: %w", classify(err))
	}
	return nil
}

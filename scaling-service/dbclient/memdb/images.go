package memdb

import (
	"context"
	"sort"

	"github.com/whisthq/whist/backend/fleet/scaling-service/dbclient"
	"github.com/whisthq/whist/backend/fleet/utils"
)

// sortedImages returns the images that satisfy keep, ordered by region and id.
func (s *state) sortedImages(keep func(dbclient.Image) bool) []dbclient.Image {
	var images []dbclient.Image
	for _, img := range s.images {
		if keep(img) {
			images = append(images, img)
		}
	}
	sort.Slice(images, func(i, j int) bool {
		if images[i].Region != images[j].Region {
			return images[i].Region < images[j].Region
		}
		return images[i].ImageID < images[j].ImageID
	})
	return images
}

func (db *MemDB) QueryImage(ctx context.Context, region, imageID string) (dbclient.Image, error) {
	var img dbclient.Image
	err := db.read(ctx, func(s *state) error {
		var ok bool
		img, ok = s.images[imageKey{region, imageID}]
		if !ok {
			return utils.MakeError("%w: %s in %s", dbclient.ErrImageNotFound, imageID, region)
		}
		return nil
	})
	return img, err
}

func (db *MemDB) QueryActiveImage(ctx context.Context, region string) (dbclient.Image, error) {
	var img dbclient.Image
	err := db.read(ctx, func(s *state) error {
		active := s.sortedImages(func(i dbclient.Image) bool {
			return i.Region == region && i.Active
		})
		if len(active) == 0 {
			return utils.MakeError("%w: no active image in %s", dbclient.ErrImageNotFound, region)
		}
		img = active[0]
		return nil
	})
	return img, err
}

func (db *MemDB) QueryActiveImages(ctx context.Context) ([]dbclient.Image, error) {
	var images []dbclient.Image
	err := db.read(ctx, func(s *state) error {
		images = s.sortedImages(func(i dbclient.Image) bool { return i.Active })
		return nil
	})
	return images, err
}

func (db *MemDB) QueryActiveRegions(ctx context.Context) ([]string, error) {
	images, err := db.QueryActiveImages(ctx)
	if err != nil {
		return nil, err
	}

	var regions []string
	for _, img := range images {
		regions = append(regions, img.Region)
	}
	return utils.SliceUnique(regions), nil
}

func (db *MemDB) InsertImages(ctx context.Context, images []dbclient.Image) error {
	return db.write(ctx, func(s *state) error {
		for _, img := range images {
			key := imageKey{img.Region, img.ImageID}
			if _, ok := s.images[key]; ok {
				return utils.MakeError("%w: image %s in %s already exists", dbclient.ErrInvariantViolation, img.ImageID, img.Region)
			}
			s.images[key] = img
		}
		return nil
	})
}

func (db *MemDB) ActivateImages(ctx context.Context, images []dbclient.Image) error {
	return db.write(ctx, func(s *state) error {
		for _, img := range images {
			for key, other := range s.images {
				if key.region == img.Region && key.imageID != img.ImageID && other.Active {
					other.Active = false
					s.images[key] = other
				}
			}

			key := imageKey{img.Region, img.ImageID}
			current, ok := s.images[key]
			if !ok {
				return utils.MakeError("couldn't activate image %s in %s: %w", img.ImageID, img.Region, dbclient.ErrImageNotFound)
			}
			current.Active = true
			current.ScaleDownProtected = false
			s.images[key] = current
		}
		return nil
	})
}

func (db *MemDB) DeleteImages(ctx context.Context, images []dbclient.Image) error {
	return db.write(ctx, func(s *state) error {
		for _, img := range images {
			delete(s.images, imageKey{img.Region, img.ImageID})
		}
		return nil
	})
}

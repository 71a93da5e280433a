// Package types contains the identifier types shared by the scaling service
// packages. We define this package separately so that we can safely pass these
// types around without introducing import cycles between the store, the
// cloud drivers and the scaling algorithm.
package types // import "github.com/whisthq/whist/backend/fleet/types"

import (
	"github.com/google/uuid"

	"github.com/whisthq/whist/backend/fleet/utils"
)

// We define special types for the following string types for all the benefits
// of type safety, including making sure we never switch a host name with the
// cloud provider ID of the same instance.

type (
	// A MandelboxID is a random UUID created by the scaling service for each
	// mandelbox it allocates.
	MandelboxID uuid.UUID

	// UserID is the id assigned to a user by the authentication provider (Auth0).
	UserID string

	// InstanceID represents the unique ID assigned by the provider to the instance.
	InstanceID string

	// InstanceName is the name given to the instance by the scaling service. It
	// is the primary key of a host in the database.
	InstanceName string

	// ImageID is the unique ID associated with the machine image used to start the instance.
	ImageID string

	// InstanceType is the kind of instance in use, depending on its hardware characteristics.
	InstanceType string

	// PlacementRegion is the region or zone where the compute resources exist for a specific cloud provider.
	PlacementRegion string
)

// String returns the canonical UUID form of the id.
func (mandelboxID MandelboxID) String() string {
	return uuid.UUID(mandelboxID).String()
}

// IsZero reports whether the id was never assigned.
func (mandelboxID MandelboxID) IsZero() bool {
	return uuid.UUID(mandelboxID) == uuid.Nil
}

// MarshalText encodes the id as its canonical UUID string, in JSON bodies and
// in map keys alike.
func (mandelboxID MandelboxID) MarshalText() ([]byte, error) {
	return []byte(mandelboxID.String()), nil
}

// UnmarshalText parses an id written by MarshalText.
func (mandelboxID *MandelboxID) UnmarshalText(b []byte) error {
	id, err := ParseMandelboxID(string(b))
	if err != nil {
		return err
	}
	*mandelboxID = id
	return nil
}

// ParseMandelboxID parses the string representation of a MandelboxID.
func ParseMandelboxID(s string) (MandelboxID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return MandelboxID{}, utils.MakeError("error parsing mandelbox ID %q: %s", s, err)
	}
	return MandelboxID(id), nil
}

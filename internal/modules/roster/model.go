// README: Driver roster profile and tier definitions.
package roster

import (
	"errors"
	"time"

	"dispatch/internal/types"
)

var ErrNotFound = errors.New("driver not found")

// Tier is an ordinal service level; higher is better.
type Tier int

const (
	TierStandard Tier = iota
	TierSilver
	TierGold
	TierPlatinum
)

const MaxTier = TierPlatinum

func (t Tier) String() string {
	switch t {
	case TierStandard:
		return "standard"
	case TierSilver:
		return "silver"
	case TierGold:
		return "gold"
	case TierPlatinum:
		return "platinum"
	}
	return "unknown"
}

type Profile struct {
	ID                types.ID
	Name              string
	Rating            float64
	Tier              Tier
	ActiveAssignments int
	IsActive          bool
	IsOnline          bool
	LastDeliveryAt    *time.Time
	UpdatedAt         time.Time
}

// Device owner kinds.
const (
	OwnerDriver   = "driver"
	OwnerCustomer = "customer"
)

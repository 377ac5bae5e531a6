// README: getEta service; resolves the driver's live position and asks the engine.
package eta

import (
	"context"
	"fmt"
	"time"

	"dispatch/internal/geo"
	"dispatch/internal/types"
)

// PositionSource returns the latest known position of a driver.
type PositionSource interface {
	Latest(ctx context.Context, driverID types.ID) (types.LiveLocation, bool, error)
}

type Service struct {
	positions  PositionSource
	engine     *Engine
	staleAfter time.Duration
}

func NewService(positions PositionSource, engine *Engine, staleAfter time.Duration) *Service {
	return &Service{positions: positions, engine: engine, staleAfter: staleAfter}
}

func (s *Service) GetEta(ctx context.Context, driverID types.ID, destination types.Point) (Estimate, error) {
	if !geo.Valid(destination) {
		return Estimate{}, ErrInvalidDestination
	}
	loc, ok, err := s.positions.Latest(ctx, driverID)
	if err != nil {
		return Estimate{}, fmt.Errorf("load driver position: %w", err)
	}
	if !ok {
		return Estimate{}, ErrLocationNotFound
	}
	if s.staleAfter > 0 && loc.Age(s.engine.now()) > s.staleAfter {
		return Estimate{}, fmt.Errorf("%w: last sample %s old", ErrLocationNotFound, loc.Age(s.engine.now()).Round(time.Second))
	}
	return s.engine.Estimate(ctx, loc.Position, destination), nil
}

// Between estimates travel between two arbitrary points.
func (s *Service) Between(ctx context.Context, from, to types.Point) Estimate {
	return s.engine.Estimate(ctx, from, to)
}

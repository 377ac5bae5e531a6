// README: Driver roster store backed by PostgreSQL; joins a context transaction when present.
package roster

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"dispatch/internal/infra"
	"dispatch/internal/types"
)

type Store struct {
	db *pgxpool.Pool
}

func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db}
}

const profileColumns = `id, name, rating, tier, active_assignments, is_active, is_online, last_delivery_at, updated_at`

// Upsert registers or updates a driver. Assignment counters and delivery
// history are only taken from p on insert.
func (s *Store) Upsert(ctx context.Context, p Profile) error {
	_, err := infra.TxorDB(ctx, s.db).Exec(ctx, `
		INSERT INTO drivers (id, name, rating, tier, active_assignments, is_active, is_online, last_delivery_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			rating = EXCLUDED.rating,
			tier = EXCLUDED.tier,
			is_active = EXCLUDED.is_active,
			is_online = EXCLUDED.is_online,
			updated_at = NOW()`,
		string(p.ID), p.Name, p.Rating, int(p.Tier), p.ActiveAssignments,
		p.IsActive, p.IsOnline, p.LastDeliveryAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, id types.ID) (*Profile, error) {
	row := infra.TxorDB(ctx, s.db).QueryRow(ctx,
		`SELECT `+profileColumns+` FROM drivers WHERE id = $1`, string(id))
	p, err := scanProfile(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Profiles loads the given drivers in one round trip. Unknown ids are absent from the map.
func (s *Store) Profiles(ctx context.Context, ids []types.ID) (map[types.ID]Profile, error) {
	out := make(map[types.ID]Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	rows, err := infra.TxorDB(ctx, s.db).Query(ctx,
		`SELECT `+profileColumns+` FROM drivers WHERE id = ANY($1)`, raw)
	if err != nil {
		return nil, fmt.Errorf("query profiles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		out[p.ID] = *p
	}
	return out, rows.Err()
}

// IncrementActive takes one capacity slot. It reports false when the driver is
// inactive, unknown, or already at cap. A limit <= 0 means uncapped.
func (s *Store) IncrementActive(ctx context.Context, id types.ID, limit int) (bool, error) {
	tag, err := infra.TxorDB(ctx, s.db).Exec(ctx, `
		UPDATE drivers
		SET active_assignments = active_assignments + 1,
		    updated_at = NOW()
		WHERE id = $1 AND is_active AND ($2::int <= 0 OR active_assignments < $2::int)`,
		string(id), limit,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) DecrementActive(ctx context.Context, id types.ID) error {
	_, err := infra.TxorDB(ctx, s.db).Exec(ctx, `
		UPDATE drivers
		SET active_assignments = GREATEST(active_assignments - 1, 0),
		    updated_at = NOW()
		WHERE id = $1`, string(id))
	return err
}

// CompleteDelivery frees a slot and stamps the last delivery time.
func (s *Store) CompleteDelivery(ctx context.Context, id types.ID, at time.Time) error {
	_, err := infra.TxorDB(ctx, s.db).Exec(ctx, `
		UPDATE drivers
		SET active_assignments = GREATEST(active_assignments - 1, 0),
		    last_delivery_at = $2,
		    updated_at = NOW()
		WHERE id = $1`, string(id), at)
	return err
}

func (s *Store) SetOnline(ctx context.Context, id types.ID, online bool) error {
	tag, err := infra.TxorDB(ctx, s.db).Exec(ctx,
		`UPDATE drivers SET is_online = $2, updated_at = NOW() WHERE id = $1`, string(id), online)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetDeviceToken(ctx context.Context, ownerType string, ownerID types.ID, token string) error {
	_, err := infra.TxorDB(ctx, s.db).Exec(ctx, `
		INSERT INTO devices (owner_type, owner_id, token, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (owner_type, owner_id) DO UPDATE SET token = EXCLUDED.token, updated_at = NOW()`,
		ownerType, string(ownerID), token)
	return err
}

// DeviceToken returns the push token for an owner, or "" when none is registered.
func (s *Store) DeviceToken(ctx context.Context, ownerType string, ownerID types.ID) (string, error) {
	var token string
	err := infra.TxorDB(ctx, s.db).QueryRow(ctx,
		`SELECT token FROM devices WHERE owner_type = $1 AND owner_id = $2`,
		ownerType, string(ownerID)).Scan(&token)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return token, err
}

func scanProfile(row pgx.Row) (*Profile, error) {
	var p Profile
	var id string
	var tier int16
	if err := row.Scan(
		&id, &p.Name, &p.Rating, &tier, &p.ActiveAssignments,
		&p.IsActive, &p.IsOnline, &p.LastDeliveryAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.ID = types.ID(id)
	p.Tier = Tier(tier)
	return &p, nil
}

// README: Location store backed by Redis (latest sample + GEO index) and Postgres snapshots.
package location

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"dispatch/internal/geo"
	"dispatch/internal/infra"
	"dispatch/internal/types"
)

const (
	driverGeoKey     = "geo:drivers"
	seenKey          = "loc:seen"
	latestKeyPrefix  = "loc:driver:"
	snapshotKeyFmt   = "loc:snap:%s"
	defaultRetainFor = time.Hour
)

// putScript stores the sample only if it is newer than the current one.
// GEOADD runs first: scripts are not rolled back, so a rejected point must
// fail before the hash is touched.
// KEYS: latest hash, geo index, seen zset. ARGV: ts_ms, lat, lng, heading, speed, accuracy, ttl_s, driver id.
var putScript = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('GEOADD', KEYS[2], ARGV[3], ARGV[2], ARGV[8])
redis.call('HSET', KEYS[1], 'ts', ARGV[1], 'lat', ARGV[2], 'lng', ARGV[3], 'heading', ARGV[4], 'speed', ARGV[5], 'acc', ARGV[6])
redis.call('EXPIRE', KEYS[1], ARGV[7])
redis.call('ZADD', KEYS[3], ARGV[1], ARGV[8])
return 1
`)

// pruneScript drops drivers whose last sample is at or before ARGV[1] (ms).
var pruneScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[2], id)
	redis.call('ZREM', KEYS[1], id)
	redis.call('DEL', ARGV[2] .. id)
end
return #ids
`)

type Store struct {
	db        *pgxpool.Pool
	redis     *redis.Client
	retainFor time.Duration
}

func NewStore(db *pgxpool.Pool, redis *redis.Client, retainFor time.Duration) *Store {
	if retainFor <= 0 {
		retainFor = defaultRetainFor
	}
	return &Store{db: db, redis: redis, retainFor: retainFor}
}

// Put writes the sample if it supersedes the stored one. It reports false for older or duplicate samples.
func (s *Store) Put(ctx context.Context, l types.LiveLocation) (bool, error) {
	if !geo.Indexable(l.Position) {
		return false, fmt.Errorf("%w: position not indexable", ErrInvalidLocation)
	}
	n, err := putScript.Run(ctx, s.redis,
		[]string{latestKey(l.DriverID), driverGeoKey, seenKey},
		l.CapturedAt.UnixMilli(),
		formatFloat(l.Position.Lat),
		formatFloat(l.Position.Lng),
		formatFloat(l.Heading),
		formatFloat(l.Speed),
		formatFloat(l.Accuracy),
		int64(s.retainFor/time.Second),
		string(l.DriverID),
	).Int()
	if err != nil {
		return false, fmt.Errorf("store location: %w", err)
	}
	return n == 1, nil
}

func (s *Store) Latest(ctx context.Context, driverID types.ID) (types.LiveLocation, bool, error) {
	vals, err := s.redis.HGetAll(ctx, latestKey(driverID)).Result()
	if err != nil {
		return types.LiveLocation{}, false, err
	}
	if len(vals) == 0 {
		return types.LiveLocation{}, false, nil
	}
	l, err := parseLatest(driverID, vals)
	if err != nil {
		return types.LiveLocation{}, false, err
	}
	return l, true, nil
}

// Nearby returns drivers indexed within radiusKm of center, nearest first,
// along with the number of index entries scanned. Entries whose sample hash
// expired are skipped but still counted.
func (s *Store) Nearby(ctx context.Context, center types.Point, radiusKm float64, limit int) ([]Nearby, int, error) {
	hits, err := s.redis.GeoSearchLocation(ctx, driverGeoKey, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  center.Lng,
			Latitude:   center.Lat,
			Radius:     radiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
			Count:      limit,
		},
		WithDist: true,
	}).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("geo search: %w", err)
	}
	if len(hits) == 0 {
		return nil, 0, nil
	}

	pipe := s.redis.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(hits))
	for i, h := range hits {
		cmds[i] = pipe.HGetAll(ctx, latestKey(types.ID(h.Name)))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, 0, fmt.Errorf("load nearby samples: %w", err)
	}

	out := make([]Nearby, 0, len(hits))
	for i, h := range hits {
		vals := cmds[i].Val()
		if len(vals) == 0 {
			// hash expired; the index entry is pruned later
			continue
		}
		l, err := parseLatest(types.ID(h.Name), vals)
		if err != nil {
			continue
		}
		out = append(out, Nearby{Location: l, DistanceKm: h.Dist})
	}
	return out, len(hits), nil
}

// PruneStale removes drivers whose latest sample is older than cutoff from the live index.
func (s *Store) PruneStale(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := pruneScript.Run(ctx, s.redis,
		[]string{seenKey, driverGeoKey},
		cutoff.UnixMilli(), latestKeyPrefix,
	).Int()
	if err != nil {
		return 0, fmt.Errorf("prune locations: %w", err)
	}
	return n, nil
}

// ClaimSnapshotSlot reports true at most once per interval per driver.
func (s *Store) ClaimSnapshotSlot(ctx context.Context, driverID types.ID, interval time.Duration) (bool, error) {
	if interval <= 0 {
		return true, nil
	}
	return s.redis.SetNX(ctx, fmt.Sprintf(snapshotKeyFmt, driverID), 1, interval).Result()
}

func (s *Store) AppendSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := infra.TxorDB(ctx, s.db).Exec(ctx, `
		INSERT INTO location_snapshots (driver_id, lat, lng, heading, speed, accuracy, captured_at, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		string(snap.DriverID),
		snap.Position.Lat, snap.Position.Lng,
		snap.Heading, snap.Speed, snap.Accuracy,
		snap.CapturedAt, snap.RecordedAt,
	)
	return err
}

func (s *Store) ListSnapshots(ctx context.Context, driverID types.ID, limit int) ([]Snapshot, error) {
	rows, err := infra.TxorDB(ctx, s.db).Query(ctx, `
		SELECT id, driver_id, lat, lng, heading, speed, accuracy, captured_at, recorded_at
		FROM location_snapshots
		WHERE driver_id = $1
		ORDER BY captured_at DESC
		LIMIT $2`, string(driverID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var id string
		if err := rows.Scan(&snap.ID, &id, &snap.Position.Lat, &snap.Position.Lng,
			&snap.Heading, &snap.Speed, &snap.Accuracy, &snap.CapturedAt, &snap.RecordedAt); err != nil {
			return nil, err
		}
		snap.DriverID = types.ID(id)
		out = append(out, snap)
	}
	return out, rows.Err()
}

func latestKey(id types.ID) string {
	return latestKeyPrefix + string(id)
}

func parseLatest(id types.ID, vals map[string]string) (types.LiveLocation, error) {
	ts, err := strconv.ParseInt(vals["ts"], 10, 64)
	if err != nil {
		return types.LiveLocation{}, fmt.Errorf("parse ts for %s: %w", id, err)
	}
	l := types.LiveLocation{DriverID: id, CapturedAt: time.UnixMilli(ts).UTC()}
	l.Position.Lat, _ = strconv.ParseFloat(vals["lat"], 64)
	l.Position.Lng, _ = strconv.ParseFloat(vals["lng"], 64)
	l.Heading, _ = strconv.ParseFloat(vals["heading"], 64)
	l.Speed, _ = strconv.ParseFloat(vals["speed"], 64)
	l.Accuracy, _ = strconv.ParseFloat(vals["acc"], 64)
	return l, nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

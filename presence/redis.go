package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"

	"transport-dispatch/geohash"
	"transport-dispatch/models"
)

func presenceKey(driverID string) string { return "presence:" + driverID }
func onlineKey(vt models.VehicleType) string { return "online:" + string(vt) }
func cellKey(hash string) string { return fmt.Sprintf("drivers:%s", hash) }

// RedisStore keeps one JSON document per driver with a TTL of staleAfter,
// plus id sets per vehicle type and per geohash cell. Set members whose
// document expired are pruned when read.
//
// Every write is read-modify-write under WATCH on the driver's document, so
// a concurrent SetOffline is never overwritten with a stale online copy.
type RedisStore struct {
	rdb        redis.UniversalClient
	staleAfter time.Duration
	now        func() time.Time
}

// maxWatchRetries bounds optimistic retries for one driver update.
const maxWatchRetries = 10

var errContention = errors.New("presence: too many concurrent updates")

func NewRedisStore(rdb redis.UniversalClient, staleAfter time.Duration) *RedisStore {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &RedisStore{rdb: rdb, staleAfter: staleAfter, now: time.Now}
}

func (s *RedisStore) Upsert(ctx context.Context, p models.DriverPresence) error {
	_, err := s.update(ctx, p.DriverID, func(models.DriverPresence, bool) (models.DriverPresence, error) {
		return p, nil
	})
	return err
}

func (s *RedisStore) SetOffline(ctx context.Context, driverID string) error {
	_, err := s.update(ctx, driverID, func(prev models.DriverPresence, _ bool) (models.DriverPresence, error) {
		next := prev
		next.DriverID = driverID
		next.Online = false
		return next, nil
	})
	return err
}

func (s *RedisStore) UpdatePosition(ctx context.Context, driverID string, pos models.Position) (models.DriverPresence, error) {
	return s.update(ctx, driverID, func(prev models.DriverPresence, found bool) (models.DriverPresence, error) {
		if !found {
			return models.DriverPresence{}, models.ErrDriverNotFound
		}
		if !prev.Online {
			return models.DriverPresence{}, models.ErrDriverOffline
		}
		next := prev
		next.Position = &pos
		return next, nil
	})
}

// update runs fn on the current document and writes its result in a
// transaction that fails if the document changed in between. Failed
// transactions are retried with a fresh read.
func (s *RedisStore) update(ctx context.Context, driverID string, fn func(prev models.DriverPresence, found bool) (models.DriverPresence, error)) (models.DriverPresence, error) {
	var written models.DriverPresence
	txf := func(tx *redis.Tx) error {
		prev, err := s.read(ctx, tx, driverID)
		found := err == nil
		if err != nil && !errors.Is(err, models.ErrDriverNotFound) {
			return err
		}
		next, err := fn(prev, found)
		if err != nil {
			return err
		}
		written, err = s.write(ctx, tx, prev, next)
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		err := s.rdb.Watch(ctx, txf, presenceKey(driverID))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return models.DriverPresence{}, err
		}
		return written, nil
	}
	return models.DriverPresence{}, fmt.Errorf("%w: %s", errContention, driverID)
}

func (s *RedisStore) write(ctx context.Context, tx *redis.Tx, prev, p models.DriverPresence) (models.DriverPresence, error) {
	p.UpdatedAt = s.now().UTC()
	p.Geohash = ""
	if p.Position != nil {
		p.Geohash = geohash.Cell(p.Position.Lat, p.Position.Lng)
	}
	doc, err := json.Marshal(p)
	if err != nil {
		return models.DriverPresence{}, fmt.Errorf("presence: marshal %s: %w", p.DriverID, err)
	}

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, presenceKey(p.DriverID), doc, s.staleAfter)
		if prev.VehicleType != "" && (!p.Online || prev.VehicleType != p.VehicleType) {
			pipe.SRem(ctx, onlineKey(prev.VehicleType), p.DriverID)
		}
		if prev.Geohash != "" && (!p.Online || prev.Geohash != p.Geohash) {
			pipe.SRem(ctx, cellKey(prev.Geohash), p.DriverID)
		}
		if p.Online {
			pipe.SAdd(ctx, onlineKey(p.VehicleType), p.DriverID)
			if p.Geohash != "" {
				pipe.SAdd(ctx, cellKey(p.Geohash), p.DriverID)
			}
		}
		return nil
	})
	if errors.Is(err, redis.TxFailedErr) {
		return models.DriverPresence{}, err
	}
	if err != nil {
		return models.DriverPresence{}, fmt.Errorf("presence: write %s: %w", p.DriverID, err)
	}
	return p, nil
}

func (s *RedisStore) Get(ctx context.Context, driverID string) (models.DriverPresence, error) {
	return s.read(ctx, s.rdb, driverID)
}

// getter is satisfied by both the client and a WATCH transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (s *RedisStore) read(ctx context.Context, c getter, driverID string) (models.DriverPresence, error) {
	raw, err := c.Get(ctx, presenceKey(driverID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return models.DriverPresence{}, models.ErrDriverNotFound
	}
	if err != nil {
		return models.DriverPresence{}, fmt.Errorf("presence: get %s: %w", driverID, err)
	}
	var p models.DriverPresence
	if err := json.Unmarshal(raw, &p); err != nil {
		return models.DriverPresence{}, fmt.Errorf("presence: decode %s: %w", driverID, err)
	}
	return p, nil
}

func (s *RedisStore) Online(ctx context.Context, vt models.VehicleType) ([]models.DriverPresence, error) {
	key := onlineKey(vt)
	ids, err := s.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: members %s: %w", key, err)
	}
	found, err := s.load(ctx, ids, key)
	if err != nil {
		return nil, err
	}
	out := found[:0]
	for _, p := range found {
		if p.Online && p.VehicleType == vt {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DriverID < out[j].DriverID })
	return out, nil
}

func (s *RedisStore) Nearby(ctx context.Context, vt models.VehicleType, lat, lng, radiusKm float64) ([]models.DriverPresence, error) {
	var candidates []models.DriverPresence
	if cells, ok := geohash.Cover(lat, lng, radiusKm, geohash.CellPrecision); ok {
		keys := make([]string, len(cells))
		for i, c := range cells {
			keys[i] = cellKey(c)
		}
		ids, err := s.rdb.SUnion(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("presence: cell members: %w", err)
		}
		if candidates, err = s.load(ctx, ids, keys...); err != nil {
			return nil, err
		}
	} else {
		var err error
		if candidates, err = s.Online(ctx, vt); err != nil {
			return nil, err
		}
	}

	type ranked struct {
		p models.DriverPresence
		d float64
	}
	var hits []ranked
	for _, p := range candidates {
		if !p.Online || p.VehicleType != vt || p.Position == nil {
			continue
		}
		if d := geohash.DistanceKm(lat, lng, p.Position.Lat, p.Position.Lng); d <= radiusKm {
			hits = append(hits, ranked{p, d})
		}
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].d < hits[j].d })
	out := make([]models.DriverPresence, len(hits))
	for i, h := range hits {
		out[i] = h.p
	}
	return out, nil
}

// load fetches the documents of ids and removes ids whose document expired
// from the sets they were read from.
func (s *RedisStore) load(ctx context.Context, ids []string, from ...string) ([]models.DriverPresence, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = presenceKey(id)
	}
	vals, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: load: %w", err)
	}

	var out []models.DriverPresence
	var stale []interface{}
	for i, v := range vals {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var p models.DriverPresence
		if err := json.Unmarshal([]byte(str), &p); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		out = append(out, p)
	}
	if len(stale) > 0 {
		_, _ = s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for _, key := range from {
				pipe.SRem(ctx, key, stale...)
			}
			return nil
		})
	}
	return out, nil
}

package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisMirror replicates presences into a Redis GEO set plus a metadata hash per driver,
// for read-side services that do not talk to the engine directly.
type RedisMirror struct {
	client redis.Cmdable
	key    string
}

func NewRedisMirror(client redis.Cmdable, key string) *RedisMirror {
	return &RedisMirror{client: client, key: key}
}

// Apply stores the presence. Offline drivers are removed from the GEO set but keep their metadata.
func (r *RedisMirror) Apply(ctx context.Context, p models.DriverPresence) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		if p.Online {
			pipe.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: p.Loc.Lng, Latitude: p.Loc.Lat, Name: p.DriverID})
		} else {
			pipe.ZRem(ctx, r.key, p.DriverID)
		}
		pipe.HSet(ctx, MetaKey(p.DriverID), metaFields(p))
		return nil
	})
	return err
}

// Remove drops the driver from both the GEO set and the metadata hash.
func (r *RedisMirror) Remove(ctx context.Context, driverID string) error {
	_, err := r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.key, driverID)
		pipe.Del(ctx, MetaKey(driverID))
		return nil
	})
	return err
}

func metaFields(p models.DriverPresence) map[string]interface{} {
	m := map[string]interface{}{
		"online":    strconv.FormatBool(p.Online),
		"last_seen": p.LastSeen.UTC().Format(time.RFC3339),
	}
	if p.Heading != nil {
		m["heading"] = strconv.FormatFloat(*p.Heading, 'f', 1, 64)
	}
	if p.Speed != nil {
		m["speed"] = strconv.FormatFloat(*p.Speed, 'f', 2, 64)
	}
	return m
}

func MetaKey(id string) string { return "driver:meta:" + id }

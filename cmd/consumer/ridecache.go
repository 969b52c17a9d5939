package main

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/models"
)

// terminalTTL is how long a finished ride stays readable in the cache.
const terminalTTL = time.Hour

// rideCache keeps the latest lifecycle snapshot of each ride in a hash, plus an index of the
// active ride per rider that is dropped once the ride ends.
type rideCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func newRideCache(client redis.Cmdable, ttl time.Duration) *rideCache {
	return &rideCache{client: client, ttl: ttl}
}

func rideKey(id string) string { return "ride:" + id }
func riderActiveKey(id string) string { return "rider:active:" + id }

func (c *rideCache) Apply(ctx context.Context, ev models.LifecycleEvent) error {
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		key := rideKey(ev.RideID)
		pipe.HSet(ctx, key, rideFields(ev))
		if ev.State.Terminal() {
			pipe.Expire(ctx, key, min(c.ttl, terminalTTL))
			pipe.Del(ctx, riderActiveKey(ev.RiderID))
			return nil
		}
		pipe.Expire(ctx, key, c.ttl)
		pipe.Set(ctx, riderActiveKey(ev.RiderID), ev.RideID, c.ttl)
		return nil
	})
	return err
}

func rideFields(ev models.LifecycleEvent) map[string]interface{} {
	m := map[string]interface{}{
		"rider_id":      ev.RiderID,
		"state":         string(ev.State),
		"driver_id":     ev.DriverID,
		"fare_amount":   strconv.FormatInt(ev.Fare.Amount, 10),
		"fare_currency": ev.Fare.Currency,
		"updated_at":    ev.At.UTC().Format(time.RFC3339),
	}
	if ev.Reason != "" {
		m["reason"] = ev.Reason
	}
	return m
}

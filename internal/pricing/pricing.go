// Package pricing turns a route distance and nearby supply into a frozen fare quote.
package pricing

import (
	"math"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/models"
)

type Calculator struct {
	cfg config.FareConfig
}

func NewCalculator(cfg config.FareConfig) *Calculator {
	return &Calculator{cfg: cfg}
}

// Base is distance_km * PerKm + Flag, in minor units.
func (c *Calculator) Base(distanceKm float64) models.Money {
	if distanceKm < 0 {
		distanceKm = 0
	}
	return models.Money{Amount: toMinor(distanceKm*c.cfg.PerKm + c.cfg.Flag), Currency: c.cfg.Currency}
}

// Surge picks the first tier whose MaxSupply covers the available driver count; 1.0 beyond the last tier.
func (c *Calculator) Surge(supply int) float64 {
	for _, t := range c.cfg.SurgeTiers {
		if supply <= t.MaxSupply {
			return t.Multiplier
		}
	}
	return 1.0
}

// Quote builds the immutable fare for a ride request.
func (c *Calculator) Quote(distanceKm, durationS float64, estimated bool, supply int) models.FareQuote {
	base := c.Base(distanceKm)
	surge := c.Surge(supply)
	return models.FareQuote{
		DistanceKm: distanceKm,
		DurationS:  durationS,
		Estimated:  estimated,
		Base:       base,
		Surge:      surge,
		Final:      models.Money{Amount: int64(math.Round(float64(base.Amount) * surge)), Currency: base.Currency},
		Supply:     supply,
	}
}

func toMinor(major float64) int64 { return int64(math.Round(major * 100)) }

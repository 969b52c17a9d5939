package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

// Migrate applies the embedded migrations in file order, skipping ones already recorded.
func (p *PostgresStore) Migrate(ctx context.Context) ([]string, error) {
	if _, err := p.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	var applied []string
	for _, f := range files {
		var n int
		if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version=$1`, f).Scan(&n); err != nil {
			return applied, fmt.Errorf("check %s: %w", f, err)
		}
		if n > 0 {
			continue
		}
		b, err := fs.ReadFile(migrationFS, "migrations/"+f)
		if err != nil {
			return applied, err
		}
		if _, err := p.db.ExecContext(ctx, string(b)); err != nil {
			return applied, fmt.Errorf("exec %s: %w", f, err)
		}
		if _, err := p.db.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, f); err != nil {
			return applied, fmt.Errorf("record %s: %w", f, err)
		}
		applied = append(applied, f)
	}
	return applied, nil
}

// SaveRide upserts so that a retried archive write after an outage is harmless.
func (p *PostgresStore) SaveRide(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(
			id, rider_id, driver_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, state, reason,
			distance_km, fare_estimated, base_fare, surge, final_fare, currency, supply, payment_ref, offers,
			created_at, updated_at, accepted_at, started_at, completed_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		ON CONFLICT (id) DO UPDATE SET
			driver_id=EXCLUDED.driver_id, state=EXCLUDED.state, reason=EXCLUDED.reason, offers=EXCLUDED.offers,
			updated_at=EXCLUDED.updated_at, accepted_at=EXCLUDED.accepted_at, started_at=EXCLUDED.started_at,
			completed_at=EXCLUDED.completed_at`,
		r.ID, r.RiderID, r.DriverID, r.Pickup.Lat, r.Pickup.Lng, r.Dropoff.Lat, r.Dropoff.Lng, string(r.State), r.Reason,
		r.Fare.DistanceKm, r.Fare.Estimated, r.Fare.Base.Amount, r.Fare.Surge, r.Fare.Final.Amount, r.Fare.Final.Currency,
		r.Fare.Supply, r.PaymentRef, r.Offers, r.CreatedAt, r.UpdatedAt,
		nullTime(r.AcceptedAt), nullTime(r.StartedAt), nullTime(r.CompletedAt))
	return err
}

const rideColumns = `id, rider_id, driver_id, pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, state, reason,
	distance_km, fare_estimated, base_fare, surge, final_fare, currency, supply, payment_ref, offers,
	created_at, updated_at, accepted_at, started_at, completed_at`

func (p *PostgresStore) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (p *PostgresStore) ListRidesByDriver(ctx context.Context, driverID string, limit int) ([]models.Ride, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE driver_id=$1 ORDER BY created_at DESC LIMIT $2`, driverID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) GetProfile(ctx context.Context, driverID string) (models.DriverProfile, error) {
	var d models.DriverProfile
	err := p.db.QueryRowContext(ctx, `SELECT id, name, rating, vehicle, plate FROM driver_profiles WHERE id=$1`, driverID).
		Scan(&d.ID, &d.Name, &d.Rating, &d.Vehicle, &d.Plate)
	if errors.Is(err, sql.ErrNoRows) {
		return d, ErrNotFound
	}
	return d, err
}

func (p *PostgresStore) PutProfile(ctx context.Context, d models.DriverProfile) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO driver_profiles(id, name, rating, vehicle, plate) VALUES($1,$2,$3,$4,$5)
		ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, rating=EXCLUDED.rating, vehicle=EXCLUDED.vehicle, plate=EXCLUDED.plate`,
		d.ID, d.Name, d.Rating, d.Vehicle, d.Plate)
	return err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRide(s scanner) (models.Ride, error) {
	var (
		r                     models.Ride
		state                 string
		accepted, started, fn sql.NullTime
	)
	err := s.Scan(&r.ID, &r.RiderID, &r.DriverID, &r.Pickup.Lat, &r.Pickup.Lng, &r.Dropoff.Lat, &r.Dropoff.Lng, &state, &r.Reason,
		&r.Fare.DistanceKm, &r.Fare.Estimated, &r.Fare.Base.Amount, &r.Fare.Surge, &r.Fare.Final.Amount, &r.Fare.Final.Currency,
		&r.Fare.Supply, &r.PaymentRef, &r.Offers, &r.CreatedAt, &r.UpdatedAt, &accepted, &started, &fn)
	if err != nil {
		return r, err
	}
	r.State = models.RideState(state)
	r.Fare.Base.Currency = r.Fare.Final.Currency
	r.AcceptedAt = timePtr(accepted)
	r.StartedAt = timePtr(started)
	r.CompletedAt = timePtr(fn)
	return r, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

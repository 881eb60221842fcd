package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"DriverSafetyCore/internal/models"
)

// IPanicRepository is the authoritative store of panic events.
type IPanicRepository interface {
	// FetchActiveSince returns active panics started after since, excluding
	// excludeDriverID, oldest first.
	FetchActiveSince(ctx context.Context, since time.Time, excludeDriverID string, limit int) ([]models.PanicRow, error)
	Create(ctx context.Context, p NewPanic) (string, error)
	// Resolve deactivates the event and returns the number of rows affected.
	Resolve(ctx context.Context, eventID, driverID string) (int64, error)
}

// NewPanic is the local driver's own panic row.
type NewPanic struct {
	DriverID   string
	DriverName string
	Latitude   float64
	Longitude  float64
	Source     string
	StartedAt  time.Time
}

type PanicRepository struct {
	db *sql.DB
}

func NewPanicRepository(db *sql.DB) *PanicRepository {
	return &PanicRepository{db: db}
}

func (r *PanicRepository) FetchActiveSince(ctx context.Context, since time.Time, excludeDriverID string, limit int) ([]models.PanicRow, error) {
	query := `
		SELECT id, driver_id, driver_name, driver_phone,
		       vehicle_id, vehicle_make, vehicle_model, vehicle_color, vehicle_plate,
		       ST_AsText(location), is_active, started_at, updated_at
		FROM panic_events
		WHERE started_at > $1
		  AND is_active = true
		  AND driver_id <> $2
		ORDER BY started_at ASC
		LIMIT $3
	`

	rows, err := r.db.QueryContext(ctx, query, since, excludeDriverID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query active panics: %w", err)
	}
	defer rows.Close()

	var out []models.PanicRow
	for rows.Next() {
		var row models.PanicRow
		var location sql.NullString
		var updatedAt sql.NullTime
		if err := rows.Scan(
			&row.EventID,
			&row.DriverID,
			&row.DriverName,
			&row.DriverPhone,
			&row.VehicleID,
			&row.VehicleMake,
			&row.VehicleModel,
			&row.VehicleColor,
			&row.VehiclePlate,
			&location,
			&row.IsActive,
			&row.StartedAt,
			&updatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan panic row: %w", err)
		}
		row.LocationWKT = location.String
		if updatedAt.Valid {
			t := updatedAt.Time
			row.UpdatedAt = &t
		}
		out = append(out, row)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating panic rows: %w", err)
	}

	return out, nil
}

func (r *PanicRepository) Create(ctx context.Context, p NewPanic) (string, error) {
	query := `
		INSERT INTO panic_events (
			driver_id, driver_name, location, source, is_active, started_at, updated_at
		) VALUES ($1, NULLIF($2, ''), ST_SetSRID(ST_MakePoint($3, $4), 4326), $5, true, $6, $6)
		RETURNING id
	`

	if p.StartedAt.IsZero() {
		p.StartedAt = time.Now()
	}

	var id string
	err := r.db.QueryRowContext(
		ctx, query,
		p.DriverID,
		p.DriverName,
		p.Longitude,
		p.Latitude,
		p.Source,
		p.StartedAt,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("failed to create panic event: %w", err)
	}

	return id, nil
}

func (r *PanicRepository) Resolve(ctx context.Context, eventID, driverID string) (int64, error) {
	query := `
		UPDATE panic_events
		SET is_active = false, resolved_at = $3, updated_at = $3
		WHERE id = $1 AND driver_id = $2 AND is_active = true
	`

	result, err := r.db.ExecContext(ctx, query, eventID, driverID, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to resolve panic event: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return n, nil
}

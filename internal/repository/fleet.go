package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/fuelwatch/internal/domain"
)

// SaveVehicle inserts or updates a vehicle.
func (r *SQLRepository) SaveVehicle(ctx context.Context, v *domain.Vehicle) error {
	if v == nil || v.ID == "" || v.Plate == "" {
		return fmt.Errorf("%w: vehicle id and plate are required", ErrInvalidInput)
	}
	if !v.DefaultFuelType.Valid() {
		return fmt.Errorf("%w: unknown fuel type %q", ErrInvalidInput, v.DefaultFuelType)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO vehicles (id, plate, default_fuel_type, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			plate = excluded.plate,
			default_fuel_type = excluded.default_fuel_type
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		v.ID, v.Plate, string(v.DefaultFuelType), v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save vehicle: %w", err)
	}
	return nil
}

// GetVehicle retrieves a vehicle by ID.
func (r *SQLRepository) GetVehicle(ctx context.Context, id string) (*domain.Vehicle, error) {
	query := `SELECT id, plate, default_fuel_type, created_at FROM vehicles WHERE id = ?`

	var v domain.Vehicle
	var fuel string
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(&v.ID, &v.Plate, &fuel, &v.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	v.DefaultFuelType = domain.FuelType(fuel)
	return &v, nil
}

// SaveDriver inserts or updates a driver.
func (r *SQLRepository) SaveDriver(ctx context.Context, d *domain.Driver) error {
	if d == nil || d.ID == "" || d.Name == "" {
		return fmt.Errorf("%w: driver id and name are required", ErrInvalidInput)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO drivers (id, name, created_at)
		VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`

	if _, err := r.db.ExecContext(ctx, r.rebind(query), d.ID, d.Name, d.CreatedAt); err != nil {
		return fmt.Errorf("failed to save driver: %w", err)
	}
	return nil
}

// GetDriver retrieves a driver by ID.
func (r *SQLRepository) GetDriver(ctx context.Context, id string) (*domain.Driver, error) {
	query := `SELECT id, name, created_at FROM drivers WHERE id = ?`

	var d domain.Driver
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(&d.ID, &d.Name, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

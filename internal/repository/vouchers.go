package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/fuelwatch/internal/domain"
)

const voucherColumns = `id, number, issued_on, fuel_type, amount, driver_id, vehicle_id,
	odometer_start, odometer_end, distance, notes, created_at, updated_at`

// SaveVoucher inserts or updates a voucher. CreatedAt of an existing voucher is kept.
func (r *SQLRepository) SaveVoucher(ctx context.Context, v *domain.Voucher) error {
	if v == nil || v.ID == "" {
		return fmt.Errorf("%w: voucher id is required", ErrInvalidInput)
	}
	if v.DriverID == "" || v.VehicleID == "" {
		return fmt.Errorf("%w: driver and vehicle are required", ErrInvalidInput)
	}

	now := time.Now().UTC()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = now
	}
	v.UpdatedAt = now

	query := `
		INSERT INTO vouchers (` + voucherColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			number = excluded.number,
			issued_on = excluded.issued_on,
			fuel_type = excluded.fuel_type,
			amount = excluded.amount,
			driver_id = excluded.driver_id,
			vehicle_id = excluded.vehicle_id,
			odometer_start = excluded.odometer_start,
			odometer_end = excluded.odometer_end,
			distance = excluded.distance,
			notes = excluded.notes,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		v.ID, v.Number, v.IssuedOn.UTC(), string(v.FuelType), v.Amount,
		v.DriverID, v.VehicleID,
		nullFloat(v.OdometerStart), nullFloat(v.OdometerEnd), nullFloat(v.Distance),
		v.Notes, v.CreatedAt, v.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save voucher: %w", err)
	}
	return nil
}

// GetVoucher retrieves a voucher by ID.
func (r *SQLRepository) GetVoucher(ctx context.Context, id string) (*domain.Voucher, error) {
	query := `SELECT ` + voucherColumns + ` FROM vouchers WHERE id = ?`

	v, err := scanVoucher(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return v, nil
}

// ListVouchersByVehicle returns every voucher of a vehicle ordered by (date, number) descending.
func (r *SQLRepository) ListVouchersByVehicle(ctx context.Context, vehicleID string) ([]*domain.Voucher, error) {
	query := `
		SELECT ` + voucherColumns + `
		FROM vouchers
		WHERE vehicle_id = ?
		ORDER BY issued_on DESC, number DESC
	`
	return r.queryVouchers(ctx, query, vehicleID)
}

// ListVouchersByNumber returns every voucher carrying the given number.
func (r *SQLRepository) ListVouchersByNumber(ctx context.Context, number string) ([]*domain.Voucher, error) {
	query := `
		SELECT ` + voucherColumns + `
		FROM vouchers
		WHERE number = ?
		ORDER BY issued_on DESC, id
	`
	return r.queryVouchers(ctx, query, number)
}

// ListVouchersByDriver returns the driver's vouchers issued at or after since.
func (r *SQLRepository) ListVouchersByDriver(ctx context.Context, driverID string, since time.Time) ([]*domain.Voucher, error) {
	query := `
		SELECT ` + voucherColumns + `
		FROM vouchers
		WHERE driver_id = ? AND issued_on >= ?
		ORDER BY issued_on DESC, number DESC
	`
	return r.queryVouchers(ctx, query, driverID, since.UTC())
}

// ListClosedVouchers returns closed vouchers oldest first, for one vehicle or all
// vehicles when vehicleID is empty.
func (r *SQLRepository) ListClosedVouchers(ctx context.Context, vehicleID string) ([]*domain.Voucher, error) {
	query := `
		SELECT ` + voucherColumns + `
		FROM vouchers
		WHERE odometer_start IS NOT NULL AND odometer_end IS NOT NULL
		  AND (? = '' OR vehicle_id = ?)
		ORDER BY vehicle_id, issued_on, number
	`
	return r.queryVouchers(ctx, query, vehicleID, vehicleID)
}

// ListClosedHistory returns the baseline candidates of a vehicle: closed, positive amount,
// odometer distance of at least MinDistance, most recent first.
func (r *SQLRepository) ListClosedHistory(ctx context.Context, q domain.HistoryQuery) ([]*domain.Voucher, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT ` + voucherColumns + `
		FROM vouchers
		WHERE vehicle_id = ?
		  AND id <> ?
		  AND odometer_start IS NOT NULL
		  AND odometer_end IS NOT NULL
		  AND amount > 0
		  AND (odometer_end - odometer_start) >= ?
		ORDER BY issued_on DESC, number DESC
		LIMIT ?
	`
	return r.queryVouchers(ctx, query, q.VehicleID, q.ExcludeID, q.MinDistance, limit)
}

func (r *SQLRepository) queryVouchers(ctx context.Context, query string, args ...any) ([]*domain.Voucher, error) {
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vouchers []*domain.Voucher
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, err
		}
		vouchers = append(vouchers, v)
	}

	return vouchers, rows.Err()
}

func scanVoucher(s scanner) (*domain.Voucher, error) {
	var v domain.Voucher
	var fuel string
	var start, end, distance sql.NullFloat64

	if err := s.Scan(
		&v.ID, &v.Number, &v.IssuedOn, &fuel, &v.Amount,
		&v.DriverID, &v.VehicleID,
		&start, &end, &distance,
		&v.Notes, &v.CreatedAt, &v.UpdatedAt,
	); err != nil {
		return nil, err
	}

	v.FuelType = domain.FuelType(fuel)
	v.OdometerStart = floatPtr(start)
	v.OdometerEnd = floatPtr(end)
	v.Distance = floatPtr(distance)

	return &v, nil
}

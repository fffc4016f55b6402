// Package scope loads the records the rule engine compares a voucher against.
package scope

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/fuelwatch/internal/domain"
	"github.com/opensource-finance/fuelwatch/internal/repository"
)

// Scope is the input of rules.Engine.DetectAnomalies besides the voucher itself.
type Scope struct {
	Others   []*domain.Voucher
	Drivers  []*domain.Driver
	Vehicles []*domain.Vehicle
}

// Store is the subset of the repository the loader reads.
type Store interface {
	ListVouchersByNumber(ctx context.Context, number string) ([]*domain.Voucher, error)
	ListVouchersByVehicle(ctx context.Context, vehicleID string) ([]*domain.Voucher, error)
	ListVouchersByDriver(ctx context.Context, driverID string, since time.Time) ([]*domain.Voucher, error)
	GetVehicle(ctx context.Context, id string) (*domain.Vehicle, error)
	GetDriver(ctx context.Context, id string) (*domain.Driver, error)
}

// Loader gathers vouchers sharing a number, a vehicle or a recent driver with a voucher.
type Loader struct {
	store  Store
	window time.Duration
	now    func() time.Time
}

// NewLoader creates a loader. window bounds how far back driver vouchers are read;
// a nil now uses time.Now.
func NewLoader(store Store, window time.Duration, now func() time.Time) *Loader {
	if window <= 0 {
		window = domain.DefaultDetectionConfig().FrequencyWindow
	}
	if now == nil {
		now = time.Now
	}
	return &Loader{
		store:  store,
		window: window,
		now:    now,
	}
}

// Load returns the scope of v. The voucher itself is excluded from Others.
// Missing vehicles or drivers are left out rather than failing the load.
func (l *Loader) Load(ctx context.Context, v *domain.Voucher) (*Scope, error) {
	if v == nil {
		return nil, fmt.Errorf("voucher is required")
	}

	seen := map[string]bool{v.ID: true}
	sc := &Scope{}
	add := func(vouchers []*domain.Voucher) {
		for _, o := range vouchers {
			if o == nil || seen[o.ID] {
				continue
			}
			seen[o.ID] = true
			sc.Others = append(sc.Others, o)
		}
	}

	if v.Number != "" {
		byNumber, err := l.store.ListVouchersByNumber(ctx, v.Number)
		if err != nil {
			return nil, fmt.Errorf("failed to list vouchers by number: %w", err)
		}
		add(byNumber)
	}

	if v.VehicleID != "" {
		byVehicle, err := l.store.ListVouchersByVehicle(ctx, v.VehicleID)
		if err != nil {
			return nil, fmt.Errorf("failed to list vouchers by vehicle: %w", err)
		}
		add(byVehicle)

		vehicle, err := l.store.GetVehicle(ctx, v.VehicleID)
		switch {
		case err == nil:
			sc.Vehicles = append(sc.Vehicles, vehicle)
		case !errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("failed to get vehicle: %w", err)
		}
	}

	if v.DriverID != "" {
		since := l.now().Add(-l.window)
		byDriver, err := l.store.ListVouchersByDriver(ctx, v.DriverID, since)
		if err != nil {
			return nil, fmt.Errorf("failed to list vouchers by driver: %w", err)
		}
		add(byDriver)

		driver, err := l.store.GetDriver(ctx, v.DriverID)
		switch {
		case err == nil:
			sc.Drivers = append(sc.Drivers, driver)
		case !errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("failed to get driver: %w", err)
		}
	}

	return sc, nil
}

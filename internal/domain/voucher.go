package domain

import (
	"time"
)

// Voucher represents a fuel-expense voucher ("bon") issued to a driver for a vehicle.
type Voucher struct {
	ID       string    `json:"id"`
	Number   string    `json:"number"`
	IssuedOn time.Time `json:"issuedOn"`
	FuelType FuelType  `json:"fuelType"`

	// Amount is expressed in the fuel type's currency units.
	Amount float64 `json:"amount"`

	DriverID  string `json:"driverId"`
	VehicleID string `json:"vehicleId"`

	// Odometer readings are recorded as the voucher moves through its lifecycle.
	OdometerStart *float64 `json:"odometerStart,omitempty"`
	OdometerEnd   *float64 `json:"odometerEnd,omitempty"`
	Distance      *float64 `json:"distance,omitempty"`

	Notes string `json:"notes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Phase is the lifecycle stage of a voucher.
type Phase string

const (
	PhaseIssued Phase = "ISSUED"
	PhaseInUse  Phase = "IN_USE"
	PhaseClosed Phase = "CLOSED"
)

// Classify derives the lifecycle phase from the odometer fields.
func Classify(v *Voucher) Phase {
	switch {
	case v.OdometerStart == nil:
		return PhaseIssued
	case v.OdometerEnd == nil:
		return PhaseInUse
	default:
		return PhaseClosed
	}
}

// Phase returns the voucher's lifecycle phase.
func (v *Voucher) Phase() Phase {
	return Classify(v)
}

// EffectiveDistance returns the trip distance used by the checks.
// When both odometers are known their difference wins over the stored distance.
func (v *Voucher) EffectiveDistance() (float64, bool) {
	if v.OdometerStart != nil && v.OdometerEnd != nil {
		return *v.OdometerEnd - *v.OdometerStart, true
	}
	if v.Distance != nil {
		return *v.Distance, true
	}
	return 0, false
}

// FuelType enumerates the fuels a voucher can be issued for.
type FuelType string

const (
	FuelEssence FuelType = "essence"
	FuelGasoil  FuelType = "gasoil"
	FuelGPL     FuelType = "gpl"
)

// Valid reports whether f is a known fuel type.
func (f FuelType) Valid() bool {
	switch f {
	case FuelEssence, FuelGasoil, FuelGPL:
		return true
	}
	return false
}

// Vehicle is a fleet asset.
type Vehicle struct {
	ID              string    `json:"id"`
	Plate           string    `json:"plate"`
	DefaultFuelType FuelType  `json:"defaultFuelType"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Driver owns vouchers.
type Driver struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// FuelPrice is a unit price effective from a given date.
type FuelPrice struct {
	FuelType      FuelType  `json:"fuelType"`
	Price         float64   `json:"price"`
	EffectiveFrom time.Time `json:"effectiveFrom"`
}

// PriceTable maps a fuel type to its unit price.
type PriceTable map[FuelType]float64

// Price returns the unit price for a fuel type, if known and positive.
func (t PriceTable) Price(f FuelType) (float64, bool) {
	p, ok := t[f]
	if !ok || p <= 0 {
		return 0, false
	}
	return p, true
}

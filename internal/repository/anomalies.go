package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/fuelwatch/internal/domain"
)

const anomalyColumns = `id, voucher_id, type, severity, risk_score, detail, status, comment, created_at, updated_at`

// UpsertAnomalies inserts or updates each anomaly keyed by (voucher, type).
// The review status and comment of an existing row are kept.
func (r *SQLRepository) UpsertAnomalies(ctx context.Context, anomalies []domain.Anomaly) error {
	if len(anomalies) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, a := range anomalies {
		if err := r.upsertAnomaly(ctx, tx, a); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit anomalies: %w", err)
	}
	return nil
}

// ReplaceDerivedAnomalies deletes the voucher's anomalies whose type is in types but
// absent from findings, then upserts findings, all in one transaction.
func (r *SQLRepository) ReplaceDerivedAnomalies(ctx context.Context, voucherID string, types []domain.AnomalyType, findings []domain.Anomaly) error {
	if err := checkFindings(voucherID, nil, findings); err != nil {
		return err
	}
	for _, t := range types {
		if !t.IsDerived() {
			return fmt.Errorf("%w: %s is not a derived anomaly type", ErrInvalidInput, t)
		}
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := r.replaceDerived(ctx, tx, voucherID, types, findings); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit anomalies: %w", err)
	}
	return nil
}

// SaveVoucherFindings upserts the rule findings and replaces the derived anomalies
// of a voucher in one transaction.
func (r *SQLRepository) SaveVoucherFindings(ctx context.Context, voucherID string, ruleFindings, derivedFindings []domain.Anomaly) error {
	if err := checkFindings(voucherID, ruleFindings, derivedFindings); err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, a := range ruleFindings {
		if err := r.upsertAnomaly(ctx, tx, a); err != nil {
			return err
		}
	}
	if err := r.replaceDerived(ctx, tx, voucherID, domain.DerivedTypes, derivedFindings); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit anomalies: %w", err)
	}
	return nil
}

// checkFindings rejects findings of another voucher and findings filed on the
// wrong side of the rule/derived split.
func checkFindings(voucherID string, ruleFindings, derivedFindings []domain.Anomaly) error {
	if voucherID == "" {
		return fmt.Errorf("%w: voucher id is required", ErrInvalidInput)
	}
	for _, f := range ruleFindings {
		if f.VoucherID != voucherID {
			return fmt.Errorf("%w: finding for voucher %s in save of %s", ErrInvalidInput, f.VoucherID, voucherID)
		}
		if f.Type.IsDerived() {
			return fmt.Errorf("%w: %s is a derived anomaly type", ErrInvalidInput, f.Type)
		}
	}
	for _, f := range derivedFindings {
		if f.VoucherID != voucherID {
			return fmt.Errorf("%w: finding for voucher %s in replace of %s", ErrInvalidInput, f.VoucherID, voucherID)
		}
		if !f.Type.IsDerived() {
			return fmt.Errorf("%w: %s is not a derived anomaly type", ErrInvalidInput, f.Type)
		}
	}
	return nil
}

func (r *SQLRepository) replaceDerived(ctx context.Context, tx *sql.Tx, voucherID string, types []domain.AnomalyType, findings []domain.Anomaly) error {
	found := make(map[domain.AnomalyType]bool, len(findings))
	for _, f := range findings {
		found[f.Type] = true
	}

	for _, t := range types {
		if found[t] {
			continue
		}
		_, err := tx.ExecContext(ctx, r.rebind(`DELETE FROM anomalies WHERE voucher_id = ? AND type = ?`), voucherID, string(t))
		if err != nil {
			return fmt.Errorf("failed to delete %s anomaly: %w", t, err)
		}
	}

	for _, f := range findings {
		if err := r.upsertAnomaly(ctx, tx, f); err != nil {
			return err
		}
	}
	return nil
}

func (r *SQLRepository) upsertAnomaly(ctx context.Context, db execer, a domain.Anomaly) error {
	if a.VoucherID == "" || a.Type == "" {
		return fmt.Errorf("%w: anomaly voucher and type are required", ErrInvalidInput)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = domain.StatusToVerify
	}
	now := time.Now().UTC()

	query := `
		INSERT INTO anomalies (` + anomalyColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(voucher_id, type) DO UPDATE SET
			severity = excluded.severity,
			risk_score = excluded.risk_score,
			detail = excluded.detail,
			updated_at = excluded.updated_at
	`

	_, err := db.ExecContext(ctx, r.rebind(query),
		a.ID, a.VoucherID, string(a.Type), string(a.Severity), a.RiskScore, a.Detail,
		string(a.Status), a.Comment, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert %s anomaly: %w", a.Type, err)
	}
	return nil
}

// GetAnomaly retrieves an anomaly by ID.
func (r *SQLRepository) GetAnomaly(ctx context.Context, id string) (*domain.Anomaly, error) {
	query := `SELECT ` + anomalyColumns + ` FROM anomalies WHERE id = ?`

	a, err := scanAnomaly(r.db.QueryRowContext(ctx, r.rebind(query), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAnomalies returns anomalies matching the filter, riskiest first.
func (r *SQLRepository) ListAnomalies(ctx context.Context, f domain.AnomalyFilter) ([]domain.Anomaly, error) {
	query := `
		SELECT ` + anomalyColumns + `
		FROM anomalies
		WHERE (? = '' OR voucher_id = ?)
		  AND (? = '' OR status = ?)
		ORDER BY risk_score DESC, created_at DESC, type
	`
	args := []any{f.VoucherID, f.VoucherID, string(f.Status), string(f.Status)}
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	anomalies := []domain.Anomaly{}
	for rows.Next() {
		a, err := scanAnomaly(rows)
		if err != nil {
			return nil, err
		}
		anomalies = append(anomalies, a)
	}

	return anomalies, rows.Err()
}

// UpdateAnomalyReview records a reviewer decision on an anomaly.
func (r *SQLRepository) UpdateAnomalyReview(ctx context.Context, id string, status domain.ReviewStatus, comment string) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown review status %q", ErrInvalidInput, status)
	}

	query := `
		UPDATE anomalies
		SET status = ?, comment = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), string(status), comment, time.Now().UTC(), id)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

func scanAnomaly(s scanner) (domain.Anomaly, error) {
	var a domain.Anomaly
	var typ, severity, status string

	err := s.Scan(
		&a.ID, &a.VoucherID, &typ, &severity, &a.RiskScore, &a.Detail,
		&status, &a.Comment, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return domain.Anomaly{}, err
	}

	a.Type = domain.AnomalyType(typ)
	a.Severity = domain.Severity(severity)
	a.Status = domain.ReviewStatus(status)
	return a, nil
}

package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RepoPG is the Postgres-backed repository. Submission and calculation
// payloads are stored as jsonb; the preventable-factors list is jsonb so an
// amendment that reports "no factors" (empty list) stays distinguishable
// from "never amended" (NULL).
type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

const recordCols = `id, patient_hash, inputs, calculations, preventable_factors,
	amended_at, amendment_count, client_ip, imd_decile, created_at`

func (r *RepoPG) Insert(ctx context.Context, rec *Record) error {
	inputs, err := json.Marshal(rec.Inputs)
	if err != nil {
		return fmt.Errorf("encode inputs: %w", err)
	}
	calcs, err := json.Marshal(rec.Calculations)
	if err != nil {
		return fmt.Errorf("encode calculations: %w", err)
	}

	_, err = r.pool.Exec(ctx, fmt.Sprintf(`INSERT INTO audit_record (%s)
		VALUES ($1, $2, $3, $4, NULL, NULL, 0, $5, $6, $7)`, recordCols),
		rec.ID, rec.PatientHash, inputs, calcs, rec.ClientIP, rec.IMDDecile, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (r *RepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := r.pool.QueryRow(ctx,
		fmt.Sprintf("SELECT %s FROM audit_record WHERE id = $1", recordCols), id)

	rec, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit record: %w", err)
	}
	return rec, nil
}

func (r *RepoPG) UpdateOutcome(ctx context.Context, id uuid.UUID, factors []string, amendedAt time.Time) error {
	encoded, err := json.Marshal(factors)
	if err != nil {
		return fmt.Errorf("encode preventable factors: %w", err)
	}

	tag, err := r.pool.Exec(ctx, `UPDATE audit_record
		SET preventable_factors = $2, amended_at = $3, amendment_count = amendment_count + 1
		WHERE id = $1`,
		id, encoded, amendedAt)
	if err != nil {
		return fmt.Errorf("update audit record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RepoPG) List(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_record").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit records: %w", err)
	}

	rows, err := r.pool.Query(ctx, fmt.Sprintf(
		"SELECT %s FROM audit_record ORDER BY created_at DESC LIMIT $1 OFFSET $2", recordCols),
		limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan audit record: %w", err)
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

func scanRecord(row pgx.Row) (*Record, error) {
	var (
		rec     Record
		inputs  []byte
		calcs   []byte
		factors []byte
	)
	err := row.Scan(
		&rec.ID, &rec.PatientHash, &inputs, &calcs, &factors,
		&rec.AmendedAt, &rec.AmendmentCount, &rec.ClientIP, &rec.IMDDecile, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(inputs, &rec.Inputs); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	if err := json.Unmarshal(calcs, &rec.Calculations); err != nil {
		return nil, fmt.Errorf("decode calculations: %w", err)
	}
	if factors != nil {
		if err := json.Unmarshal(factors, &rec.PreventableFactors); err != nil {
			return nil, fmt.Errorf("decode preventable factors: %w", err)
		}
	}
	return &rec, nil
}

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// RepoSQLite is the embedded single-file repository used for local
// development and small deployments, selected with DATABASE_URL=sqlite:...
// It mirrors RepoPG's semantics: atomic per-call writes, JSON payload
// columns, NULL preventable_factors until the first amendment.
type RepoSQLite struct {
	db *sql.DB
}

func NewRepoSQLite(path string) (*RepoSQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// SQLite handles one writer at a time.
	db.SetMaxOpenConns(1)
	return &RepoSQLite{db: db}, nil
}

// Init creates the audit_record table when it does not exist yet. SQLite
// deployments do not run the SQL-file migrator, so the schema lives here.
func (r *RepoSQLite) Init(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS audit_record (
		id TEXT PRIMARY KEY,
		patient_hash TEXT,
		inputs TEXT NOT NULL,
		calculations TEXT NOT NULL,
		preventable_factors TEXT,
		amended_at TIMESTAMP,
		amendment_count INTEGER NOT NULL DEFAULT 0,
		client_ip TEXT NOT NULL DEFAULT '',
		imd_decile INTEGER,
		created_at TIMESTAMP NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("create audit_record table: %w", err)
	}
	return nil
}

func (r *RepoSQLite) Close() error {
	return r.db.Close()
}

func (r *RepoSQLite) Insert(ctx context.Context, rec *Record) error {
	inputs, err := json.Marshal(rec.Inputs)
	if err != nil {
		return fmt.Errorf("encode inputs: %w", err)
	}
	calcs, err := json.Marshal(rec.Calculations)
	if err != nil {
		return fmt.Errorf("encode calculations: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `INSERT INTO audit_record
		(id, patient_hash, inputs, calculations, preventable_factors,
		 amended_at, amendment_count, client_ip, imd_decile, created_at)
		VALUES (?, ?, ?, ?, NULL, NULL, 0, ?, ?, ?)`,
		rec.ID.String(), rec.PatientHash, string(inputs), string(calcs),
		rec.ClientIP, rec.IMDDecile, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}
	return nil
}

func (r *RepoSQLite) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, patient_hash, inputs, calculations,
		preventable_factors, amended_at, amendment_count, client_ip, imd_decile, created_at
		FROM audit_record WHERE id = ?`, id.String())

	rec, err := scanSQLiteRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit record: %w", err)
	}
	return rec, nil
}

func (r *RepoSQLite) UpdateOutcome(ctx context.Context, id uuid.UUID, factors []string, amendedAt time.Time) error {
	encoded, err := json.Marshal(factors)
	if err != nil {
		return fmt.Errorf("encode preventable factors: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `UPDATE audit_record
		SET preventable_factors = ?, amended_at = ?, amendment_count = amendment_count + 1
		WHERE id = ?`,
		string(encoded), amendedAt, id.String())
	if err != nil {
		return fmt.Errorf("update audit record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update audit record: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RepoSQLite) List(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audit_record").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count audit records: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, `SELECT id, patient_hash, inputs, calculations,
		preventable_factors, amended_at, amendment_count, client_ip, imd_decile, created_at
		FROM audit_record ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list audit records: %w", err)
	}
	defer rows.Close()

	var items []*Record
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan audit record: %w", err)
		}
		items = append(items, rec)
	}
	return items, total, rows.Err()
}

type sqlScanner interface {
	Scan(dest ...interface{}) error
}

func scanSQLiteRecord(row sqlScanner) (*Record, error) {
	var (
		rec     Record
		rawID   string
		inputs  string
		calcs   string
		factors sql.NullString
	)
	err := row.Scan(
		&rawID, &rec.PatientHash, &inputs, &calcs, &factors,
		&rec.AmendedAt, &rec.AmendmentCount, &rec.ClientIP, &rec.IMDDecile, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.ID, err = uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse record id: %w", err)
	}
	if err := json.Unmarshal([]byte(inputs), &rec.Inputs); err != nil {
		return nil, fmt.Errorf("decode inputs: %w", err)
	}
	if err := json.Unmarshal([]byte(calcs), &rec.Calculations); err != nil {
		return nil, fmt.Errorf("decode calculations: %w", err)
	}
	if factors.Valid {
		if err := json.Unmarshal([]byte(factors.String), &rec.PreventableFactors); err != nil {
			return nil, fmt.Errorf("decode preventable factors: %w", err)
		}
	}
	return &rec, nil
}

package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/dka/dka/internal/domain/episode"
)

// Record is the persisted unit of work: one calculator submission, its
// derived metrics, and the optional later outcome amendment.
//
// ID is allocated once at creation and is the sole lookup key for updates.
// PatientHash holds the peppered server-side hash of the submitted pre-hash;
// it is nil when no pre-hash was submitted, in which case the record can
// never pass the amendment identity gate. Neither field is ever rewritten.
// PreventableFactors and the amendment bookkeeping are the only mutable
// fields.
type Record struct {
	ID                 uuid.UUID            `db:"id" json:"id"`
	PatientHash        *string              `db:"patient_hash" json:"-"`
	Inputs             episode.Submission   `db:"inputs" json:"inputs"`
	Calculations       episode.Calculations `db:"calculations" json:"calculations"`
	PreventableFactors []string             `db:"preventable_factors" json:"preventable_factors,omitempty"`
	AmendedAt          *time.Time           `db:"amended_at" json:"amended_at,omitempty"`
	AmendmentCount     int                  `db:"amendment_count" json:"amendment_count"`
	ClientIP           string               `db:"client_ip" json:"client_ip,omitempty"`
	IMDDecile          *int                 `db:"imd_decile" json:"imd_decile,omitempty"`
	CreatedAt          time.Time            `db:"created_at" json:"created_at"`
}

// Amendable reports whether the record can ever pass the identity gate.
func (r *Record) Amendable() bool {
	return r.PatientHash != nil
}

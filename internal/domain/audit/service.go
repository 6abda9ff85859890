package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dka/dka/internal/domain/episode"
	"github.com/dka/dka/internal/platform/events"
	"github.com/dka/dka/internal/platform/identity"
	"github.com/dka/dka/internal/platform/imd"
)

// ErrIdentityMismatch indicates the re-derived hash does not match the
// stored patient hash, or the record was created without one.
var ErrIdentityMismatch = errors.New("identity mismatch")

// DomainError carries the clinical rules a submission violated. It gates
// creation: nothing is persisted when the calculator rejects the inputs.
type DomainError struct {
	Rules []string
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("submission rejected by %d clinical rule(s)", len(e.Rules))
}

// Event subjects published on the audit lifecycle.
const (
	SubjectCreated = "dka.audit.created"
	SubjectAmended = "dka.audit.amended"
)

type lifecycleEvent struct {
	AuditID  string    `json:"audit_id"`
	Severity string    `json:"severity,omitempty"`
	At       time.Time `json:"at"`
}

// Service owns the audit-record lifecycle: creation from a calculate
// submission and the identity-gated outcome amendment.
type Service struct {
	repo      Repository
	calc      episode.Calculator
	hasher    *identity.Hasher
	resolver  imd.Resolver
	publisher events.Publisher
	logger    zerolog.Logger

	// imdStrict fails record creation when a supplied postcode cannot be
	// resolved. The default treats the decile as best-effort metadata.
	imdStrict bool
}

func NewService(repo Repository, calc episode.Calculator, hasher *identity.Hasher,
	resolver imd.Resolver, publisher events.Publisher, logger zerolog.Logger, imdStrict bool) *Service {
	return &Service{
		repo:      repo,
		calc:      calc,
		hasher:    hasher,
		resolver:  resolver,
		publisher: publisher,
		logger:    logger,
		imdStrict: imdStrict,
	}
}

// Create runs the calculator as a gate, derives the server-side patient hash
// and contextual metadata, and persists the new record in a single insert.
// All side-effect-free steps run before the commit so a failure leaves no
// partial state. The returned record is the caller's response source; the
// patient hash is excluded from serialization.
func (s *Service) Create(ctx context.Context, sub *episode.Submission, clientIP string) (*Record, error) {
	calcs, ruleErrs := s.calc.Calculate(sub)
	if len(ruleErrs) > 0 {
		return nil, &DomainError{Rules: ruleErrs}
	}

	var patientHash *string
	if sub.PatientHash != nil && *sub.PatientHash != "" {
		derived := s.hasher.Derive(*sub.PatientHash)
		patientHash = &derived
	}

	var decile *int
	if sub.PatientPostcode != nil && *sub.PatientPostcode != "" {
		d, err := s.resolver.Decile(ctx, *sub.PatientPostcode)
		switch {
		case err == nil:
			decile = &d
		case s.imdStrict:
			return nil, fmt.Errorf("resolve deprivation decile: %w", err)
		default:
			s.logger.Warn().Err(err).Msg("deprivation decile lookup failed, recording without it")
		}
	}

	rec := &Record{
		ID:           uuid.New(),
		PatientHash:  patientHash,
		Inputs:       *sub.Redacted(),
		Calculations: *calcs,
		ClientIP:     clientIP,
		IMDDecile:    decile,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.repo.Insert(ctx, rec); err != nil {
		return nil, fmt.Errorf("insert audit record: %w", err)
	}

	s.publish(ctx, SubjectCreated, lifecycleEvent{
		AuditID:  rec.ID.String(),
		Severity: rec.Calculations.Severity,
		At:       rec.CreatedAt,
	})

	s.logger.Info().
		Str("audit_id", rec.ID.String()).
		Str("severity", rec.Calculations.Severity).
		Bool("amendable", rec.Amendable()).
		Msg("audit record created")

	return rec, nil
}

// Amend is the identity-verification gate. Lookup happens before any
// hashing so an unknown identifier leaks nothing about hash correctness; a
// record created without a pre-hash can never match; the stored hash is
// compared in constant time. On a match the outcome fields are replaced, so
// re-submitting the same amendment is idempotent. The identifier and the
// stored hash are never rewritten.
func (s *Service) Amend(ctx context.Context, id uuid.UUID, preHash string, factors []string) (*Record, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if rec.PatientHash == nil || !s.hasher.Verify(preHash, *rec.PatientHash) {
		return nil, ErrIdentityMismatch
	}

	now := time.Now().UTC()
	if err := s.repo.UpdateOutcome(ctx, id, factors, now); err != nil {
		return nil, fmt.Errorf("persist amendment: %w", err)
	}

	rec.PreventableFactors = factors
	rec.AmendedAt = &now
	rec.AmendmentCount++

	s.publish(ctx, SubjectAmended, lifecycleEvent{AuditID: id.String(), At: now})

	s.logger.Info().
		Str("audit_id", id.String()).
		Int("amendment_count", rec.AmendmentCount).
		Msg("audit record amended")

	return rec, nil
}

// GetRecord and ListRecords back the registry read API.

func (s *Service) GetRecord(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListRecords(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) publish(ctx context.Context, subject string, evt lifecycleEvent) {
	if err := s.publisher.Publish(ctx, subject, evt); err != nil {
		s.logger.Warn().Err(err).Str("subject", subject).Msg("event publish failed")
	}
}

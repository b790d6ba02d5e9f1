package followup

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/db"
)

const scheduledUniq = "followups_one_scheduled_uniq"

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Q(ctx, r.pool)
}

const fuCols = `id, patient_id, created_from_consultation_id, return_branch,
	due_date, tolerance_days, valid_until, intended_outcome, expected_tests,
	status, cancel_reason, closed_by_consultation_id, completion_note,
	created_by, updated_by, created_at, updated_at, deleted_at`

// activePred is the gate on every state change.
const activePred = `status = 'scheduled' AND deleted_at IS NULL`

func (r *repoPG) LockPatient(ctx context.Context, patientID string) error {
	_, err := r.conn(ctx).Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended('followup:' || $1, 0))`, patientID)
	if err != nil {
		return fmt.Errorf("lock patient followups: %w", err)
	}
	return nil
}

func (r *repoPG) Insert(ctx context.Context, f *Followup) error {
	f.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO followups (
			id, patient_id, created_from_consultation_id, return_branch,
			due_date, tolerance_days, valid_until, intended_outcome, expected_tests,
			status, created_by, updated_by
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`,
		f.ID, f.PatientID, f.CreatedFromConsultationID, f.ReturnBranch,
		f.DueDate, f.ToleranceDays, f.ValidUntil, f.IntendedOutcome, f.ExpectedTests,
		f.Status, f.CreatedBy, f.UpdatedBy,
	).Scan(&f.CreatedAt, &f.UpdatedAt)
	if db.IsUniqueViolation(err, scheduledUniq) {
		return ErrScheduledExists
	}
	if err != nil {
		return fmt.Errorf("insert followup: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Followup, error) {
	return scanFollowup(r.conn(ctx).QueryRow(ctx, `SELECT `+fuCols+` FROM followups WHERE id = $1`, id))
}

func (r *repoPG) Active(ctx context.Context, patientID string) (*Followup, error) {
	f, err := scanFollowup(r.conn(ctx).QueryRow(ctx, `
		SELECT `+fuCols+` FROM followups
		WHERE patient_id = $1 AND `+activePred+`
		ORDER BY created_at DESC LIMIT 1`, patientID))
	if err == ErrNotFound {
		return nil, nil
	}
	return f, err
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID string, limit, offset int) ([]*Followup, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM followups WHERE patient_id = $1 AND deleted_at IS NULL`, patientID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count followups: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+fuCols+` FROM followups
		WHERE patient_id = $1 AND deleted_at IS NULL
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list followups: %w", err)
	}
	defer rows.Close()
	return collectFollowups(rows, total)
}

func (r *repoPG) ListDue(ctx context.Context, f DueFilter, limit, offset int) ([]*Followup, int, error) {
	const where = `WHERE ` + activePred + `
		AND ($1::text IS NULL OR return_branch = $1)
		AND due_date - tolerance_days <= $2`

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM followups `+where, f.Branch, f.On).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count due followups: %w", err)
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+fuCols+` FROM followups `+where+`
		ORDER BY due_date, created_at LIMIT $3 OFFSET $4`, f.Branch, f.On, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list due followups: %w", err)
	}
	defer rows.Close()
	return collectFollowups(rows, total)
}

func (r *repoPG) CancelScheduled(ctx context.Context, patientID, reason, updatedBy string) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE followups SET status = 'canceled', cancel_reason = $2, updated_by = $3, updated_at = NOW()
		WHERE patient_id = $1 AND `+activePred, patientID, reason, updatedBy)
	if err != nil {
		return 0, fmt.Errorf("cancel scheduled followups: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *repoPG) Transition(ctx context.Context, id uuid.UUID, t Transition) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE followups SET
			status = $2,
			cancel_reason = COALESCE($3, cancel_reason),
			closed_by_consultation_id = COALESCE($4, closed_by_consultation_id),
			completion_note = CASE
				WHEN $5::text IS NULL THEN completion_note
				WHEN $6::boolean AND COALESCE(completion_note, '') <> '' THEN completion_note || '; ' || $5::text
				ELSE $5::text
			END,
			updated_by = $7,
			updated_at = NOW()
		WHERE id = $1 AND `+activePred,
		id, t.To, t.CancelReason, t.ClosedByConsultationID, t.CompletionNote, t.AppendNote, t.UpdatedBy,
	)
	if err != nil {
		return false, fmt.Errorf("transition followup to %s: %w", t.To, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) UpdateScheduled(ctx context.Context, f *Followup) (bool, error) {
	err := r.conn(ctx).QueryRow(ctx, `
		UPDATE followups SET
			return_branch = $2, due_date = $3, tolerance_days = $4, valid_until = $5,
			intended_outcome = $6, expected_tests = $7, updated_by = $8, updated_at = NOW()
		WHERE id = $1 AND `+activePred+`
		RETURNING updated_at`,
		f.ID, f.ReturnBranch, f.DueDate, f.ToleranceDays, f.ValidUntil,
		f.IntendedOutcome, f.ExpectedTests, f.UpdatedBy,
	).Scan(&f.UpdatedAt)
	if db.IsNoRows(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("update followup: %w", err)
	}
	return true, nil
}

func (r *repoPG) SoftDelete(ctx context.Context, id uuid.UUID, updatedBy string) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE followups SET deleted_at = NOW(), updated_by = $2, updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL`, id, updatedBy)
	if err != nil {
		return false, fmt.Errorf("delete followup: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) AddAttempt(ctx context.Context, a *Attempt) error {
	a.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO followup_attempts (id, followup_id, channel, outcome, notes, attempted_by_name, staff_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING attempted_at`,
		a.ID, a.FollowupID, a.Channel, a.Outcome, a.Notes, a.AttemptedByName, a.StaffID,
	).Scan(&a.AttemptedAt)
	if err != nil {
		return fmt.Errorf("insert followup attempt: %w", err)
	}
	return nil
}

func (r *repoPG) ListAttempts(ctx context.Context, followupID uuid.UUID) ([]*Attempt, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, followup_id, channel, outcome, notes, attempted_by_name, staff_id, attempted_at
		FROM followup_attempts WHERE followup_id = $1 ORDER BY attempted_at, id`, followupID)
	if err != nil {
		return nil, fmt.Errorf("list followup attempts: %w", err)
	}
	defer rows.Close()
	var out []*Attempt
	for rows.Next() {
		var a Attempt
		if err := rows.Scan(&a.ID, &a.FollowupID, &a.Channel, &a.Outcome, &a.Notes,
			&a.AttemptedByName, &a.StaffID, &a.AttemptedAt); err != nil {
			return nil, err
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}

func scanFollowup(row pgx.Row) (*Followup, error) {
	var f Followup
	err := row.Scan(&f.ID, &f.PatientID, &f.CreatedFromConsultationID, &f.ReturnBranch,
		&f.DueDate, &f.ToleranceDays, &f.ValidUntil, &f.IntendedOutcome, &f.ExpectedTests,
		&f.Status, &f.CancelReason, &f.ClosedByConsultationID, &f.CompletionNote,
		&f.CreatedBy, &f.UpdatedBy, &f.CreatedAt, &f.UpdatedAt, &f.DeletedAt)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func collectFollowups(rows pgx.Rows, total int) ([]*Followup, int, error) {
	var out []*Followup
	for rows.Next() {
		f, err := scanFollowup(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, f)
	}
	return out, total, rows.Err()
}

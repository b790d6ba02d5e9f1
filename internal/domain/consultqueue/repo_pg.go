package consultqueue

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/branch"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/caldate"
	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/db"
)

const slotUniq = "encounters_queue_slot_uniq"

const activePred = `consult_status IN ('queued_for_consult', 'in_consult')`

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Q(ctx, r.pool)
}

const slotCols = `id, patient_id, branch_code, visit_date_local, status,
	for_consult, consult_status, queue_number, updated_at`

func (r *repoPG) Get(ctx context.Context, encounterID uuid.UUID) (*Slot, error) {
	return scanSlot(r.conn(ctx).QueryRow(ctx, `SELECT `+slotCols+` FROM encounters WHERE id = $1`, encounterID))
}

func (r *repoPG) UsedNumbers(ctx context.Context, b branch.Code, day caldate.Date) ([]int, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT queue_number FROM encounters
		WHERE branch_code = $1 AND visit_date_local = $2
		  AND `+activePred+` AND queue_number IS NOT NULL`, b, day)
	if err != nil {
		return nil, fmt.Errorf("read used queue numbers: %w", err)
	}
	used, err := pgx.CollectRows(rows, pgx.RowTo[int])
	if err != nil {
		return nil, fmt.Errorf("read used queue numbers: %w", err)
	}
	return used, nil
}

func (r *repoPG) Assign(ctx context.Context, encounterID uuid.UUID, b branch.Code, day caldate.Date, n int) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE encounters SET
			for_consult = TRUE,
			consult_status = 'queued_for_consult',
			queue_number = $4,
			updated_at = NOW()
		WHERE id = $1 AND branch_code = $2 AND visit_date_local = $3 AND queue_number IS NULL
		  AND status <> '`+EncounterCanceled+`'`,
		encounterID, b, day, n)
	if db.IsUniqueViolation(err, slotUniq) {
		return false, ErrSlotTaken
	}
	if err != nil {
		return false, fmt.Errorf("assign queue number: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) Clear(ctx context.Context, encounterID uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE encounters SET
			for_consult = FALSE, consult_status = NULL, queue_number = NULL, updated_at = NOW()
		WHERE id = $1`, encounterID)
	if err != nil {
		return false, fmt.Errorf("clear queue slot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) ClearNumbers(ctx context.Context, b branch.Code, ids []uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE encounters SET queue_number = NULL, updated_at = NOW()
		WHERE branch_code = $1 AND id = ANY($2::uuid[]) AND `+activePred,
		b, lo.Map(ids, func(id uuid.UUID, _ int) string { return id.String() }))
	if err != nil {
		return fmt.Errorf("clear queue numbers: %w", err)
	}
	return nil
}

func (r *repoPG) SetNumber(ctx context.Context, b branch.Code, encounterID uuid.UUID, n int) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE encounters SET queue_number = $3, updated_at = NOW()
		WHERE branch_code = $1 AND id = $2 AND `+activePred,
		b, encounterID, n)
	if db.IsUniqueViolation(err, slotUniq) {
		return false, ErrSlotTaken
	}
	if err != nil {
		return false, fmt.Errorf("set queue number: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *repoPG) ListActive(ctx context.Context, b branch.Code, day caldate.Date) ([]*Slot, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+slotCols+` FROM encounters
		WHERE branch_code = $1 AND visit_date_local = $2 AND `+activePred+`
		ORDER BY queue_number NULLS LAST, created_at`, b, day)
	if err != nil {
		return nil, fmt.Errorf("list consult queue: %w", err)
	}
	defer rows.Close()
	var out []*Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *repoPG) MarkInConsult(ctx context.Context, encounterID uuid.UUID) (bool, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE encounters SET consult_status = 'in_consult', updated_at = NOW()
		WHERE id = $1 AND consult_status = 'queued_for_consult'`, encounterID)
	if err != nil {
		return false, fmt.Errorf("start consult: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(&s.EncounterID, &s.PatientID, &s.Branch, &s.VisitDate, &s.Status,
		&s.ForConsult, &s.ConsultStatus, &s.QueueNumber, &s.UpdatedAt)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

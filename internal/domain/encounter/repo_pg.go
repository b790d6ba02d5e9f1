package encounter

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pocholosatoh/wellserv-portal-sub004/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Querier {
	return db.Q(ctx, r.pool)
}

const encCols = `id, patient_id, branch_code, visit_date_local, status, notes,
	for_consult, consult_status, queue_number, created_by, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, enc *Encounter) error {
	enc.ID = uuid.New()
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO encounters (id, patient_id, branch_code, visit_date_local, status, notes, created_by)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING created_at, updated_at`,
		enc.ID, enc.PatientID, enc.Branch, enc.VisitDate, enc.Status, enc.Notes, enc.CreatedBy,
	).Scan(&enc.CreatedAt, &enc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert encounter: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Encounter, error) {
	return scanEnc(r.conn(ctx).QueryRow(ctx, `SELECT `+encCols+` FROM encounters WHERE id = $1`, id))
}

func (r *repoPG) List(ctx context.Context, f ListFilter, limit, offset int) ([]*Encounter, int, error) {
	var total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM encounters WHERE branch_code = $1 AND visit_date_local = $2`,
		f.Branch, f.Date).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count encounters: %w", err)
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+encCols+` FROM encounters
		WHERE branch_code = $1 AND visit_date_local = $2
		ORDER BY created_at
		LIMIT $3 OFFSET $4`, f.Branch, f.Date, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list encounters: %w", err)
	}
	defer rows.Close()
	var encs []*Encounter
	for rows.Next() {
		enc, err := scanEnc(rows)
		if err != nil {
			return nil, 0, err
		}
		encs = append(encs, enc)
	}
	return encs, total, rows.Err()
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE encounters SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("update encounter status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) AddStatusHistory(ctx context.Context, sh *EncounterStatusHistory) error {
	sh.ID = uuid.New()
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO encounter_status_history (id, encounter_id, status, changed_by, period_start, period_end)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		sh.ID, sh.EncounterID, sh.Status, sh.ChangedBy, sh.PeriodStart, sh.PeriodEnd,
	)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}
	return nil
}

func (r *repoPG) CloseStatusHistory(ctx context.Context, encounterID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE encounter_status_history SET period_end = NOW()
		WHERE encounter_id = $1 AND period_end IS NULL`, encounterID)
	if err != nil {
		return fmt.Errorf("close status history: %w", err)
	}
	return nil
}

func (r *repoPG) GetStatusHistory(ctx context.Context, encounterID uuid.UUID) ([]*EncounterStatusHistory, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, encounter_id, status, changed_by, period_start, period_end
		FROM encounter_status_history WHERE encounter_id = $1 ORDER BY period_start`, encounterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*EncounterStatusHistory
	for rows.Next() {
		var sh EncounterStatusHistory
		if err := rows.Scan(&sh.ID, &sh.EncounterID, &sh.Status, &sh.ChangedBy, &sh.PeriodStart, &sh.PeriodEnd); err != nil {
			return nil, err
		}
		history = append(history, &sh)
	}
	return history, rows.Err()
}

func scanEnc(row pgx.Row) (*Encounter, error) {
	var e Encounter
	err := row.Scan(
		&e.ID, &e.PatientID, &e.Branch, &e.VisitDate, &e.Status, &e.Notes,
		&e.ForConsult, &e.ConsultStatus, &e.QueueNumber, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt,
	)
	if db.IsNoRows(err) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

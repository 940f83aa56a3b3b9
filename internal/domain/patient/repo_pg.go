package patient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/medicore/hms/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type recordRepoPG struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) Repository {
	return &recordRepoPG{pool: pool}
}

func (r *recordRepoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func hospital(ctx context.Context) (string, error) {
	hid := db.HospitalFromContext(ctx)
	if hid == "" {
		return "", errors.New("patient repository: no hospital in context")
	}
	return hid, nil
}

const recordCols = `id, hospital_id, medical_id, name, telecom, address, email, phone, gender,
	birth_date, due_date, extension, medical_history, created_at, updated_at`

func (r *recordRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*StoredRecord, error) {
	hid, err := hospital(ctx)
	if err != nil {
		return nil, err
	}
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM patient_record WHERE hospital_id = $1 AND id = $2`, hid, id))
}

func (r *recordRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*StoredRecord, error) {
	hid, err := hospital(ctx)
	if err != nil {
		return nil, err
	}
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM patient_record WHERE hospital_id = $1 AND id = $2 FOR UPDATE`, hid, id))
}

func (r *recordRepoPG) GetByMedicalID(ctx context.Context, medicalID string) (*StoredRecord, error) {
	hid, err := hospital(ctx)
	if err != nil {
		return nil, err
	}
	return scanRecord(r.conn(ctx).QueryRow(ctx,
		`SELECT `+recordCols+` FROM patient_record WHERE hospital_id = $1 AND medical_id = $2`, hid, medicalID))
}

// FindByContactEmail matches the legacy email column and any email entry in
// an array-shaped telecom document. Callers re-check the normalized record.
func (r *recordRepoPG) FindByContactEmail(ctx context.Context, email string) ([]*StoredRecord, error) {
	hid, err := hospital(ctx)
	if err != nil {
		return nil, err
	}
	email = strings.ToLower(strings.TrimSpace(email))
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+recordCols+` FROM patient_record
		WHERE hospital_id = $1 AND (
			lower(trim(email)) = $2
			OR EXISTS (
				SELECT 1 FROM jsonb_array_elements(
					CASE WHEN jsonb_typeof(telecom) = 'array' THEN telecom ELSE '[]'::jsonb END
				) t
				WHERE t->>'system' = 'email' AND lower(trim(t->>'value')) = $2
			)
		)
		ORDER BY created_at, id`, hid, email)
	if err != nil {
		return nil, fmt.Errorf("find by contact email: %w", err)
	}
	defer rows.Close()

	var out []*StoredRecord
	for rows.Next() {
		s, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Create inserts r in canonical form, assigning its ID and timestamps.
func (r *recordRepoPG) Create(ctx context.Context, rec *Record) error {
	hid, err := hospital(ctx)
	if err != nil {
		return err
	}
	rec.ID = uuid.New()
	rec.HospitalID = hid
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now

	args, err := recordArgs(rec)
	if err != nil {
		return fmt.Errorf("patient create: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_record (
			id, hospital_id, medical_id, name, telecom, address, email, phone, gender,
			birth_date, due_date, extension, medical_history, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		append([]interface{}{rec.ID, hid, rec.MedicalID}, append(args, rec.CreatedAt, rec.UpdatedAt)...)...,
	)
	return mapWriteError(err)
}

// Update writes r back in canonical form.
func (r *recordRepoPG) Update(ctx context.Context, rec *Record) error {
	hid, err := hospital(ctx)
	if err != nil {
		return err
	}
	rec.UpdatedAt = time.Now().UTC()

	args, err := recordArgs(rec)
	if err != nil {
		return fmt.Errorf("patient update: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_record SET
			medical_id = $3, name = $4, telecom = $5, address = $6, email = $7, phone = $8, gender = $9,
			birth_date = $10, due_date = $11, extension = $12, medical_history = $13, updated_at = $14
		WHERE hospital_id = $1 AND id = $2`,
		append([]interface{}{hid, rec.ID, rec.MedicalID}, append(args, rec.UpdatedAt)...)...,
	)
	if err != nil {
		return mapWriteError(err)
	}
	if tag.RowsAffected() == 0 {
		return ErrRecordNotFound
	}
	return nil
}

func (r *recordRepoPG) List(ctx context.Context, limit, offset int) ([]*StoredRecord, int, error) {
	hid, err := hospital(ctx)
	if err != nil {
		return nil, 0, err
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM patient_record WHERE hospital_id = $1`, hid).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+recordCols+` FROM patient_record WHERE hospital_id = $1 ORDER BY created_at, id LIMIT $2 OFFSET $3`,
		hid, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []*StoredRecord
	for rows.Next() {
		s, err := scanRecord(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, s)
	}
	return out, total, rows.Err()
}

// recordArgs encodes columns name..medical_history.
func recordArgs(rec *Record) ([]interface{}, error) {
	s, err := rec.Stored()
	if err != nil {
		return nil, err
	}
	return []interface{}{
		s.Name, s.Telecom, s.Address, s.Email, s.Phone, s.Gender,
		s.BirthDate, s.DueDate, s.Extension, s.MedicalHistory,
	}, nil
}

func mapWriteError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrMedicalIDTaken
	}
	return err
}

func scanRecord(row pgx.Row) (*StoredRecord, error) {
	var s StoredRecord
	err := row.Scan(
		&s.ID, &s.HospitalID, &s.MedicalID, &s.Name, &s.Telecom, &s.Address, &s.Email, &s.Phone, &s.Gender,
		&s.BirthDate, &s.DueDate, &s.Extension, &s.MedicalHistory, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

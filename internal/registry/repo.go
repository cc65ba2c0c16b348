package registry

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kayatiwi/fees-portal/internal/platform/db"
	"github.com/kayatiwi/fees-portal/internal/shared"
)

// repo implements Repository on PostgreSQL.
type repo struct {
	pool *pgxpool.Pool
}

// NewRepository creates a registry repository.
func NewRepository(pool *pgxpool.Pool) Repository {
	return &repo{pool: pool}
}

func (r *repo) GetGuardian(ctx context.Context, id string) (Guardian, error) {
	query := `SELECT id, name, phone, email, address, user_id, created_at, updated_at FROM guardians WHERE id = $1`
	var g Guardian
	err := r.pool.QueryRow(ctx, query, id).Scan(&g.ID, &g.Name, &g.Phone, &g.Email, &g.Address, &g.UserID, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Guardian{}, shared.ErrNotFound
	}
	return g, err
}

func (r *repo) FindGuardianByUser(ctx context.Context, userID string) (Guardian, error) {
	query := `SELECT id, name, phone, email, address, user_id, created_at, updated_at FROM guardians WHERE user_id = $1`
	var g Guardian
	err := r.pool.QueryRow(ctx, query, userID).Scan(&g.ID, &g.Name, &g.Phone, &g.Email, &g.Address, &g.UserID, &g.CreatedAt, &g.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Guardian{}, shared.ErrNotFound
	}
	return g, err
}

func (r *repo) CreateGuardian(ctx context.Context, guardian Guardian) (Guardian, error) {
	query := `INSERT INTO guardians (name, phone, email, address, user_id, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $6) RETURNING id`
	now := time.Now()
	err := r.pool.QueryRow(ctx, query, guardian.Name, guardian.Phone, guardian.Email, guardian.Address, guardian.UserID, now).Scan(&guardian.ID)
	if err != nil {
		return Guardian{}, err
	}
	guardian.CreatedAt = now
	guardian.UpdatedAt = now
	return guardian, nil
}

func (r *repo) UpdateGuardian(ctx context.Context, id string, guardian Guardian) error {
	query := `UPDATE guardians SET name = $1, phone = $2, email = $3, address = $4, user_id = $5, updated_at = $6 WHERE id = $7`
	_, err := r.pool.Exec(ctx, query, guardian.Name, guardian.Phone, guardian.Email, guardian.Address, guardian.UserID, time.Now(), id)
	return err
}

func (r *repo) GetStudent(ctx context.Context, id string) (Student, error) {
	query := `SELECT id, admission_no, first_name, last_name, date_of_birth, boarding_status, class_id, guardian_id, created_at, updated_at
	          FROM students WHERE id = $1`
	var s Student
	err := r.pool.QueryRow(ctx, query, id).Scan(&s.ID, &s.AdmissionNo, &s.FirstName, &s.LastName, &s.DateOfBirth, &s.BoardingStatus, &s.ClassID, &s.GuardianID, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Student{}, shared.ErrNotFound
	}
	return s, err
}

func (r *repo) ListStudentsByGuardian(ctx context.Context, guardianID string) ([]Student, error) {
	query := `SELECT id, admission_no, first_name, last_name, date_of_birth, boarding_status, class_id, guardian_id, created_at, updated_at
	          FROM students WHERE guardian_id = $1 ORDER BY first_name, last_name`
	return r.scanStudents(ctx, query, guardianID)
}

func (r *repo) ListStudentsByClass(ctx context.Context, classID string) ([]Student, error) {
	query := `SELECT id, admission_no, first_name, last_name, date_of_birth, boarding_status, class_id, guardian_id, created_at, updated_at
	          FROM students WHERE class_id = $1 ORDER BY admission_no`
	return r.scanStudents(ctx, query, classID)
}

func (r *repo) scanStudents(ctx context.Context, query string, args ...any) ([]Student, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var students []Student
	for rows.Next() {
		var s Student
		if err := rows.Scan(&s.ID, &s.AdmissionNo, &s.FirstName, &s.LastName, &s.DateOfBirth, &s.BoardingStatus, &s.ClassID, &s.GuardianID, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		students = append(students, s)
	}
	return students, rows.Err()
}

func (r *repo) CreateStudent(ctx context.Context, student Student) (Student, error) {
	query := `INSERT INTO students (admission_no, first_name, last_name, date_of_birth, boarding_status, class_id, guardian_id, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8) RETURNING id`
	now := time.Now()
	err := r.pool.QueryRow(ctx, query, student.AdmissionNo, student.FirstName, student.LastName, student.DateOfBirth, student.BoardingStatus, student.ClassID, student.GuardianID, now).Scan(&student.ID)
	if err != nil {
		return Student{}, err
	}
	student.CreatedAt = now
	student.UpdatedAt = now
	return student, nil
}

func (r *repo) UpdateStudent(ctx context.Context, id string, student Student) error {
	query := `UPDATE students SET admission_no = $1, first_name = $2, last_name = $3, date_of_birth = $4, boarding_status = $5, class_id = $6, guardian_id = $7, updated_at = $8 WHERE id = $9`
	_, err := r.pool.Exec(ctx, query, student.AdmissionNo, student.FirstName, student.LastName, student.DateOfBirth, student.BoardingStatus, student.ClassID, student.GuardianID, time.Now(), id)
	return err
}

func (r *repo) ListClasses(ctx context.Context) ([]Class, error) {
	query := `SELECT id, name, level, year, created_at FROM classes ORDER BY level, name`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var classes []Class
	for rows.Next() {
		var c Class
		if err := rows.Scan(&c.ID, &c.Name, &c.Level, &c.Year, &c.CreatedAt); err != nil {
			return nil, err
		}
		classes = append(classes, c)
	}
	return classes, rows.Err()
}

func (r *repo) GetClass(ctx context.Context, id string) (Class, error) {
	query := `SELECT id, name, level, year, created_at FROM classes WHERE id = $1`
	var c Class
	err := r.pool.QueryRow(ctx, query, id).Scan(&c.ID, &c.Name, &c.Level, &c.Year, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Class{}, shared.ErrNotFound
	}
	return c, err
}

func (r *repo) CreateClass(ctx context.Context, class Class) (Class, error) {
	query := `INSERT INTO classes (name, level, year, created_at) VALUES ($1, $2, $3, NOW()) RETURNING id, created_at`
	err := r.pool.QueryRow(ctx, query, class.Name, class.Level, class.Year).Scan(&class.ID, &class.CreatedAt)
	return class, err
}

func (r *repo) ListTerms(ctx context.Context) ([]Term, error) {
	query := `SELECT id, name, start_date, end_date, active, created_at FROM terms ORDER BY start_date DESC`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var terms []Term
	for rows.Next() {
		var t Term
		if err := rows.Scan(&t.ID, &t.Name, &t.StartDate, &t.EndDate, &t.Active, &t.CreatedAt); err != nil {
			return nil, err
		}
		terms = append(terms, t)
	}
	return terms, rows.Err()
}

func (r *repo) GetTerm(ctx context.Context, id string) (Term, error) {
	query := `SELECT id, name, start_date, end_date, active, created_at FROM terms WHERE id = $1`
	var t Term
	err := r.pool.QueryRow(ctx, query, id).Scan(&t.ID, &t.Name, &t.StartDate, &t.EndDate, &t.Active, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Term{}, shared.ErrNotFound
	}
	return t, err
}

func (r *repo) ActiveTerm(ctx context.Context) (Term, error) {
	query := `SELECT id, name, start_date, end_date, active, created_at FROM terms WHERE active ORDER BY start_date DESC LIMIT 1`
	var t Term
	err := r.pool.QueryRow(ctx, query).Scan(&t.ID, &t.Name, &t.StartDate, &t.EndDate, &t.Active, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Term{}, shared.ErrNotFound
	}
	return t, err
}

func (r *repo) CreateTerm(ctx context.Context, term Term) (Term, error) {
	query := `INSERT INTO terms (name, start_date, end_date, active, created_at) VALUES ($1, $2, $3, false, NOW()) RETURNING id, created_at`
	err := r.pool.QueryRow(ctx, query, term.Name, term.StartDate, term.EndDate).Scan(&term.ID, &term.CreatedAt)
	term.Active = false
	return term, err
}

// ActivateTerm flips the active flag in a single transaction so that
// at most one term is active at any point.
func (r *repo) ActivateTerm(ctx context.Context, id string) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE terms SET active = true WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return shared.ErrNotFound
		}
		_, err = tx.Exec(ctx, `UPDATE terms SET active = false WHERE id <> $1 AND active`, id)
		return err
	})
}

func (r *repo) ListFeeItems(ctx context.Context) ([]FeeItem, error) {
	query := `SELECT id, code, title, category, description, default_amount FROM fee_items ORDER BY code`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []FeeItem
	for rows.Next() {
		var fi FeeItem
		if err := rows.Scan(&fi.ID, &fi.Code, &fi.Title, &fi.Category, &fi.Description, &fi.DefaultAmount); err != nil {
			return nil, err
		}
		items = append(items, fi)
	}
	return items, rows.Err()
}

func (r *repo) CreateFeeItem(ctx context.Context, item FeeItem) (FeeItem, error) {
	query := `INSERT INTO fee_items (code, title, category, description, default_amount) VALUES ($1, $2, $3, $4, $5) RETURNING id`
	err := r.pool.QueryRow(ctx, query, item.Code, item.Title, item.Category, item.Description, item.DefaultAmount).Scan(&item.ID)
	return item, err
}

func (r *repo) ListFeeStructures(ctx context.Context, classID, termID string) ([]FeeStructure, error) {
	query := `SELECT id, class_id, fee_item_id, term_id, amount FROM fee_structures WHERE class_id = $1 AND term_id = $2`
	rows, err := r.pool.Query(ctx, query, classID, termID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var structures []FeeStructure
	for rows.Next() {
		var fs FeeStructure
		if err := rows.Scan(&fs.ID, &fs.ClassID, &fs.FeeItemID, &fs.TermID, &fs.Amount); err != nil {
			return nil, err
		}
		structures = append(structures, fs)
	}
	return structures, rows.Err()
}

func (r *repo) UpsertFeeStructure(ctx context.Context, fs FeeStructure) (FeeStructure, error) {
	query := `INSERT INTO fee_structures (class_id, fee_item_id, term_id, amount)
	          VALUES ($1, $2, $3, $4)
	          ON CONFLICT (class_id, fee_item_id, term_id) DO UPDATE SET amount = EXCLUDED.amount
	          RETURNING id`
	err := r.pool.QueryRow(ctx, query, fs.ClassID, fs.FeeItemID, fs.TermID, fs.Amount).Scan(&fs.ID)
	return fs, err
}

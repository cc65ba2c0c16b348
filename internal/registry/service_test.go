package registry

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kayatiwi/fees-portal/internal/shared"
)

type memoryRegistryRepo struct {
	guardians  map[string]Guardian
	students   map[string]Student
	classes    map[string]Class
	terms      map[string]Term
	feeItems   map[string]FeeItem
	structures map[string]FeeStructure
	nextID     int
}

func newMemoryRegistryRepo() *memoryRegistryRepo {
	return &memoryRegistryRepo{
		guardians:  make(map[string]Guardian),
		students:   make(map[string]Student),
		classes:    make(map[string]Class),
		terms:      make(map[string]Term),
		feeItems:   make(map[string]FeeItem),
		structures: make(map[string]FeeStructure),
	}
}

func (m *memoryRegistryRepo) id() string {
	m.nextID++
	return fmt.Sprintf("00000000-0000-0000-0000-%012d", m.nextID)
}

func (m *memoryRegistryRepo) GetGuardian(ctx context.Context, id string) (Guardian, error) {
	g, ok := m.guardians[id]
	if !ok {
		return Guardian{}, shared.ErrNotFound
	}
	return g, nil
}

func (m *memoryRegistryRepo) FindGuardianByUser(ctx context.Context, userID string) (Guardian, error) {
	for _, g := range m.guardians {
		if g.UserID != nil && *g.UserID == userID {
			return g, nil
		}
	}
	return Guardian{}, shared.ErrNotFound
}

func (m *memoryRegistryRepo) CreateGuardian(ctx context.Context, guardian Guardian) (Guardian, error) {
	guardian.ID = m.id()
	m.guardians[guardian.ID] = guardian
	return guardian, nil
}

func (m *memoryRegistryRepo) UpdateGuardian(ctx context.Context, id string, guardian Guardian) error {
	if _, ok := m.guardians[id]; !ok {
		return shared.ErrNotFound
	}
	guardian.ID = id
	m.guardians[id] = guardian
	return nil
}

func (m *memoryRegistryRepo) GetStudent(ctx context.Context, id string) (Student, error) {
	s, ok := m.students[id]
	if !ok {
		return Student{}, shared.ErrNotFound
	}
	return s, nil
}

func (m *memoryRegistryRepo) ListStudentsByGuardian(ctx context.Context, guardianID string) ([]Student, error) {
	var out []Student
	for _, s := range m.students {
		if s.GuardianID != nil && *s.GuardianID == guardianID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memoryRegistryRepo) ListStudentsByClass(ctx context.Context, classID string) ([]Student, error) {
	var out []Student
	for _, s := range m.students {
		if s.ClassID != nil && *s.ClassID == classID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *memoryRegistryRepo) CreateStudent(ctx context.Context, student Student) (Student, error) {
	student.ID = m.id()
	m.students[student.ID] = student
	return student, nil
}

func (m *memoryRegistryRepo) UpdateStudent(ctx context.Context, id string, student Student) error {
	if _, ok := m.students[id]; !ok {
		return shared.ErrNotFound
	}
	student.ID = id
	m.students[id] = student
	return nil
}

func (m *memoryRegistryRepo) ListClasses(ctx context.Context) ([]Class, error) {
	var out []Class
	for _, c := range m.classes {
		out = append(out, c)
	}
	return out, nil
}

func (m *memoryRegistryRepo) GetClass(ctx context.Context, id string) (Class, error) {
	c, ok := m.classes[id]
	if !ok {
		return Class{}, shared.ErrNotFound
	}
	return c, nil
}

func (m *memoryRegistryRepo) CreateClass(ctx context.Context, class Class) (Class, error) {
	class.ID = m.id()
	class.CreatedAt = time.Now()
	m.classes[class.ID] = class
	return class, nil
}

func (m *memoryRegistryRepo) ListTerms(ctx context.Context) ([]Term, error) {
	var out []Term
	for _, t := range m.terms {
		out = append(out, t)
	}
	return out, nil
}

func (m *memoryRegistryRepo) GetTerm(ctx context.Context, id string) (Term, error) {
	t, ok := m.terms[id]
	if !ok {
		return Term{}, shared.ErrNotFound
	}
	return t, nil
}

func (m *memoryRegistryRepo) ActiveTerm(ctx context.Context) (Term, error) {
	for _, t := range m.terms {
		if t.Active {
			return t, nil
		}
	}
	return Term{}, shared.ErrNotFound
}

func (m *memoryRegistryRepo) CreateTerm(ctx context.Context, term Term) (Term, error) {
	term.ID = m.id()
	term.Active = false
	term.CreatedAt = time.Now()
	m.terms[term.ID] = term
	return term, nil
}

func (m *memoryRegistryRepo) ActivateTerm(ctx context.Context, id string) error {
	if _, ok := m.terms[id]; !ok {
		return shared.ErrNotFound
	}
	for tid, t := range m.terms {
		t.Active = tid == id
		m.terms[tid] = t
	}
	return nil
}

func (m *memoryRegistryRepo) ListFeeItems(ctx context.Context) ([]FeeItem, error) {
	var out []FeeItem
	for _, fi := range m.feeItems {
		out = append(out, fi)
	}
	return out, nil
}

func (m *memoryRegistryRepo) CreateFeeItem(ctx context.Context, item FeeItem) (FeeItem, error) {
	item.ID = m.id()
	m.feeItems[item.ID] = item
	return item, nil
}

func (m *memoryRegistryRepo) ListFeeStructures(ctx context.Context, classID, termID string) ([]FeeStructure, error) {
	var out []FeeStructure
	for _, fs := range m.structures {
		if fs.ClassID == classID && fs.TermID == termID {
			out = append(out, fs)
		}
	}
	return out, nil
}

func (m *memoryRegistryRepo) UpsertFeeStructure(ctx context.Context, fs FeeStructure) (FeeStructure, error) {
	key := fs.ClassID + "|" + fs.FeeItemID + "|" + fs.TermID
	if existing, ok := m.structures[key]; ok {
		existing.Amount = fs.Amount
		m.structures[key] = existing
		return existing, nil
	}
	fs.ID = m.id()
	m.structures[key] = fs
	return fs, nil
}

var _ Repository = (*memoryRegistryRepo)(nil)

func TestActivateTermDeactivatesOthers(t *testing.T) {
	repo := newMemoryRegistryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	first, err := svc.CreateTerm(ctx, Term{Name: "Term 1 2026", StartDate: time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC), EndDate: time.Date(2026, 4, 3, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	second, err := svc.CreateTerm(ctx, Term{Name: "Term 2 2026", StartDate: time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC), EndDate: time.Date(2026, 8, 7, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)

	require.NoError(t, svc.ActivateTerm(ctx, first.ID))
	active, err := svc.ActiveTerm(ctx)
	require.NoError(t, err)
	require.Equal(t, first.ID, active.ID)

	require.NoError(t, svc.ActivateTerm(ctx, second.ID))
	active, err = svc.ActiveTerm(ctx)
	require.NoError(t, err)
	require.Equal(t, second.ID, active.ID)

	stored, err := svc.GetTerm(ctx, first.ID)
	require.NoError(t, err)
	require.False(t, stored.Active)
}

func TestCreateTermRejectsInvertedDates(t *testing.T) {
	svc := NewService(newMemoryRegistryRepo())
	_, err := svc.CreateTerm(context.Background(), Term{
		Name:      "Broken",
		StartDate: time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestCreateStudentDefaultsBoardingStatus(t *testing.T) {
	svc := NewService(newMemoryRegistryRepo())
	student, err := svc.CreateStudent(context.Background(), Student{AdmissionNo: "ADM-001", FirstName: "Amina", LastName: "Wanjiru"})
	require.NoError(t, err)
	require.Equal(t, BoardingDay, student.BoardingStatus)

	_, err = svc.CreateStudent(context.Background(), Student{AdmissionNo: "ADM-002", FirstName: "Brian", BoardingStatus: "weekly"})
	require.ErrorIs(t, err, shared.ErrValidation)
}

func TestGuardianForUserMissingRecord(t *testing.T) {
	svc := NewService(newMemoryRegistryRepo())
	_, err := svc.GuardianForUser(context.Background(), "no-such-user")
	require.ErrorIs(t, err, shared.ErrNotFound)
}

func TestSetFeeStructureUpserts(t *testing.T) {
	repo := newMemoryRegistryRepo()
	svc := NewService(repo)
	ctx := context.Background()

	fs, err := svc.SetFeeStructure(ctx, FeeStructure{ClassID: "c1", FeeItemID: "f1", TermID: "t1", Amount: 15000})
	require.NoError(t, err)
	require.NotEmpty(t, fs.ID)

	updated, err := svc.SetFeeStructure(ctx, FeeStructure{ClassID: "c1", FeeItemID: "f1", TermID: "t1", Amount: 18000})
	require.NoError(t, err)
	require.Equal(t, fs.ID, updated.ID)

	list, err := svc.FeeStructuresFor(ctx, "c1", "t1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, 18000.0, list[0].Amount)
}

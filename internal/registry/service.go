package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/kayatiwi/fees-portal/internal/shared"
)

// Service wraps master data business rules.
type Service struct {
	repo Repository
}

// NewService creates a registry service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// GuardianForUser resolves the guardian record linked to a signed-in user.
// Returns shared.ErrNotFound when the user has no guardian record; callers
// degrade to an empty dashboard rather than failing.
func (s *Service) GuardianForUser(ctx context.Context, userID string) (Guardian, error) {
	if strings.TrimSpace(userID) == "" {
		return Guardian{}, shared.ErrNotFound
	}
	return s.repo.FindGuardianByUser(ctx, userID)
}

// StudentsForGuardian lists the guardian's children.
func (s *Service) StudentsForGuardian(ctx context.Context, guardianID string) ([]Student, error) {
	return s.repo.ListStudentsByGuardian(ctx, guardianID)
}

// StudentsInClass lists enrolled students for a class.
func (s *Service) StudentsInClass(ctx context.Context, classID string) ([]Student, error) {
	return s.repo.ListStudentsByClass(ctx, classID)
}

// GetStudent fetches a single student.
func (s *Service) GetStudent(ctx context.Context, id string) (Student, error) {
	return s.repo.GetStudent(ctx, id)
}

// CreateGuardian registers a guardian.
func (s *Service) CreateGuardian(ctx context.Context, guardian Guardian) (Guardian, error) {
	if strings.TrimSpace(guardian.Name) == "" {
		return Guardian{}, fmt.Errorf("%w: guardian name is required", shared.ErrValidation)
	}
	return s.repo.CreateGuardian(ctx, guardian)
}

// CreateStudent enrolls a student.
func (s *Service) CreateStudent(ctx context.Context, student Student) (Student, error) {
	if strings.TrimSpace(student.AdmissionNo) == "" {
		return Student{}, fmt.Errorf("%w: admission number is required", shared.ErrValidation)
	}
	if strings.TrimSpace(student.FirstName) == "" && strings.TrimSpace(student.LastName) == "" {
		return Student{}, fmt.Errorf("%w: student name is required", shared.ErrValidation)
	}
	if student.BoardingStatus == "" {
		student.BoardingStatus = BoardingDay
	}
	if !student.BoardingStatus.Valid() {
		return Student{}, fmt.Errorf("%w: unknown boarding status %q", shared.ErrValidation, student.BoardingStatus)
	}
	return s.repo.CreateStudent(ctx, student)
}

// ListClasses returns all classes.
func (s *Service) ListClasses(ctx context.Context) ([]Class, error) {
	return s.repo.ListClasses(ctx)
}

// CreateClass registers a class.
func (s *Service) CreateClass(ctx context.Context, class Class) (Class, error) {
	if strings.TrimSpace(class.Name) == "" {
		return Class{}, fmt.Errorf("%w: class name is required", shared.ErrValidation)
	}
	return s.repo.CreateClass(ctx, class)
}

// ActiveTerm returns the single active term.
func (s *Service) ActiveTerm(ctx context.Context) (Term, error) {
	return s.repo.ActiveTerm(ctx)
}

// GetTerm fetches a term.
func (s *Service) GetTerm(ctx context.Context, id string) (Term, error) {
	return s.repo.GetTerm(ctx, id)
}

// CreateTerm registers a term as inactive.
func (s *Service) CreateTerm(ctx context.Context, term Term) (Term, error) {
	if strings.TrimSpace(term.Name) == "" {
		return Term{}, fmt.Errorf("%w: term name is required", shared.ErrValidation)
	}
	if !term.EndDate.After(term.StartDate) {
		return Term{}, fmt.Errorf("%w: term end date must follow start date", shared.ErrValidation)
	}
	return s.repo.CreateTerm(ctx, term)
}

// ActivateTerm makes a term the active one, deactivating every other term.
func (s *Service) ActivateTerm(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("term id is required")
	}
	return s.repo.ActivateTerm(ctx, id)
}

// ListFeeItems returns all fee items.
func (s *Service) ListFeeItems(ctx context.Context) ([]FeeItem, error) {
	return s.repo.ListFeeItems(ctx)
}

// CreateFeeItem registers a fee item.
func (s *Service) CreateFeeItem(ctx context.Context, item FeeItem) (FeeItem, error) {
	if strings.TrimSpace(item.Code) == "" || strings.TrimSpace(item.Title) == "" {
		return FeeItem{}, fmt.Errorf("%w: fee item code and title are required", shared.ErrValidation)
	}
	if item.DefaultAmount < 0 {
		return FeeItem{}, fmt.Errorf("%w: fee item amount must not be negative", shared.ErrValidation)
	}
	return s.repo.CreateFeeItem(ctx, item)
}

// FeeStructuresFor lists the priced fee items for a class in a term.
func (s *Service) FeeStructuresFor(ctx context.Context, classID, termID string) ([]FeeStructure, error) {
	return s.repo.ListFeeStructures(ctx, classID, termID)
}

// SetFeeStructure upserts the price of a fee item for a class and term.
func (s *Service) SetFeeStructure(ctx context.Context, fs FeeStructure) (FeeStructure, error) {
	if fs.ClassID == "" || fs.FeeItemID == "" || fs.TermID == "" {
		return FeeStructure{}, fmt.Errorf("%w: class, fee item and term are required", shared.ErrValidation)
	}
	if fs.Amount < 0 {
		return FeeStructure{}, fmt.Errorf("%w: amount must not be negative", shared.ErrValidation)
	}
	return s.repo.UpsertFeeStructure(ctx, fs)
}

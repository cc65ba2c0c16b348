package registry

import (
	"context"
	"time"
)

// BoardingStatus distinguishes day scholars from boarders.
type BoardingStatus string

const (
	BoardingDay      BoardingStatus = "day"
	BoardingBoarding BoardingStatus = "boarding"
)

// Valid reports whether the status is a known value.
func (b BoardingStatus) Valid() bool {
	return b == BoardingDay || b == BoardingBoarding
}

// Guardian is a parent or guardian responsible for one or more students.
type Guardian struct {
	ID        string
	Name      string
	Phone     string
	Email     string
	Address   string
	UserID    *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Student is an enrolled learner.
type Student struct {
	ID             string
	AdmissionNo    string
	FirstName      string
	LastName       string
	DateOfBirth    *time.Time
	BoardingStatus BoardingStatus
	ClassID        *string
	GuardianID     *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// FullName joins the student's names for display.
func (s Student) FullName() string {
	if s.FirstName == "" {
		return s.LastName
	}
	if s.LastName == "" {
		return s.FirstName
	}
	return s.FirstName + " " + s.LastName
}

// Class is a teaching group for an academic year.
type Class struct {
	ID        string
	Name      string
	Level     int
	Year      int
	CreatedAt time.Time
}

// Term is an academic term. Exactly one term is active at a time.
type Term struct {
	ID        string
	Name      string
	StartDate time.Time
	EndDate   time.Time
	Active    bool
	CreatedAt time.Time
}

// FeeItem is a billable fee category (tuition, boarding, transport, ...).
type FeeItem struct {
	ID            string
	Code          string
	Title         string
	Category      string
	Description   string
	DefaultAmount float64
}

// FeeStructure prices a fee item for a class in a term.
type FeeStructure struct {
	ID        string
	ClassID   string
	FeeItemID string
	TermID    string
	Amount    float64
}

// Repository defines persistence operations for master data.
type Repository interface {
	GetGuardian(ctx context.Context, id string) (Guardian, error)
	FindGuardianByUser(ctx context.Context, userID string) (Guardian, error)
	CreateGuardian(ctx context.Context, guardian Guardian) (Guardian, error)
	UpdateGuardian(ctx context.Context, id string, guardian Guardian) error

	GetStudent(ctx context.Context, id string) (Student, error)
	ListStudentsByGuardian(ctx context.Context, guardianID string) ([]Student, error)
	ListStudentsByClass(ctx context.Context, classID string) ([]Student, error)
	CreateStudent(ctx context.Context, student Student) (Student, error)
	UpdateStudent(ctx context.Context, id string, student Student) error

	ListClasses(ctx context.Context) ([]Class, error)
	GetClass(ctx context.Context, id string) (Class, error)
	CreateClass(ctx context.Context, class Class) (Class, error)

	ListTerms(ctx context.Context) ([]Term, error)
	GetTerm(ctx context.Context, id string) (Term, error)
	ActiveTerm(ctx context.Context) (Term, error)
	CreateTerm(ctx context.Context, term Term) (Term, error)
	ActivateTerm(ctx context.Context, id string) error

	ListFeeItems(ctx context.Context) ([]FeeItem, error)
	CreateFeeItem(ctx context.Context, item FeeItem) (FeeItem, error)

	ListFeeStructures(ctx context.Context, classID, termID string) ([]FeeStructure, error)
	UpsertFeeStructure(ctx context.Context, fs FeeStructure) (FeeStructure, error)
}

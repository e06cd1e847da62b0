package service

import (
	"context"
	"fmt"

	"github.com/examflow/examflow-backend/internal/config"
	"github.com/examflow/examflow-backend/internal/model"
	"github.com/examflow/examflow-backend/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

// InstructorService handles instructor authentication and accounts.
type InstructorService struct {
	repo *repository.InstructorRepository
	cfg  *config.Config
}

// NewInstructorService creates a new InstructorService.
func NewInstructorService(repo *repository.InstructorRepository, cfg *config.Config) *InstructorService {
	return &InstructorService{repo: repo, cfg: cfg}
}

// Authenticate verifies instructor credentials. Returns ErrInvalidCredentials
// for both unknown email and wrong password.
func (s *InstructorService) Authenticate(ctx context.Context, email, password string) (*model.Instructor, error) {
	instructor, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(instructor.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	return instructor, nil
}

// Create registers a new instructor account.
func (s *InstructorService) Create(ctx context.Context, name, email, password string) (*model.Instructor, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), s.cfg.BcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	instructor := &model.Instructor{
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
	}
	if err := s.repo.Create(ctx, instructor); err != nil {
		return nil, err
	}
	return instructor, nil
}

// GetProfile returns an instructor by ID.
func (s *InstructorService) GetProfile(ctx context.Context, id int) (*model.Instructor, error) {
	return s.repo.GetByID(ctx, id)
}

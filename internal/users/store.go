package users

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"ms-advent/internal/models"
)

// Store is the thin identity layer. The draw engine only ever sees opaque
// user ids; everything here is boundary plumbing.
type Store struct {
	Bun *bun.DB
}

func (s *Store) FindByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.Bun.NewSelect().
		Model(&user).
		Where("id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) FindByEmail(ctx context.Context, email string) (*models.User, error) {
	var user models.User
	err := s.Bun.NewSelect().
		Model(&user).
		Where("lower(email) = ?", strings.ToLower(email)).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) FindByDisplayName(ctx context.Context, name string) (*models.User, error) {
	var user models.User
	err := s.Bun.NewSelect().
		Model(&user).
		Where("display_name = ?", name).
		Limit(1).
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Store) Create(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	_, err := s.Bun.NewInsert().Model(user).Exec(ctx)
	return err
}

// FindOrCreate returns the account for the email, creating it on first
// contact. The second return reports whether a new account was created.
func (s *Store) FindOrCreate(ctx context.Context, email, displayName string) (*models.User, bool, error) {
	existing, err := s.FindByEmail(ctx, email)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	user := &models.User{
		ID:          uuid.NewString(),
		Email:       strings.ToLower(email),
		DisplayName: displayName,
		CreatedAt:   time.Now(),
	}
	_, err = s.Bun.NewInsert().
		Model(user).
		On("CONFLICT (email) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return nil, false, err
	}

	// A concurrent first contact may have won the insert.
	stored, err := s.FindByEmail(ctx, email)
	if err != nil {
		return nil, false, err
	}
	if stored == nil {
		return nil, false, errors.New("user vanished after insert")
	}
	return stored, stored.ID == user.ID, nil
}

func (s *Store) ListPlaceholders(ctx context.Context) ([]models.User, error) {
	var list []models.User
	err := s.Bun.NewSelect().
		Model(&list).
		Where("placeholder = ?", true).
		Order("email").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return list, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.Bun.NewDelete().
		Model((*models.User)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

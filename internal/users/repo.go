package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/suPer8Hu/tomodachi-api/internal/common"
	"gorm.io/gorm"
)

type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

func (r *Repo) Create(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = common.MustULID()
	}
	return r.db.WithContext(ctx).Create(u).Error
}

func (r *Repo) GetByID(ctx context.Context, id string) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *Repo) GetByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	if err := r.db.WithContext(ctx).Where("email = ?", email).First(&u).Error; err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *Repo) Update(ctx context.Context, id string, fields map[string]any) error {
	res := r.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *Repo) Delete(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&User{}, "id = ?", id)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return common.ErrNotFound
	}
	return nil
}

type ListFilter struct {
	Name  string
	Email string
	Role  Role
	Page  int
	Limit int
}

func (r *Repo) List(ctx context.Context, f ListFilter) ([]User, int64, error) {
	q := r.db.WithContext(ctx).Model(&User{})
	if f.Name != "" {
		like := "%" + f.Name + "%"
		q = q.Where("first_name LIKE ? OR last_name LIKE ?", like, like)
	}
	if f.Email != "" {
		q = q.Where("email LIKE ?", "%"+f.Email+"%")
	}
	if f.Role != "" {
		q = q.Where("role = ?", f.Role)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var out []User
	err := q.Order("created_at ASC, id ASC").
		Offset((f.Page - 1) * f.Limit).
		Limit(f.Limit).
		Find(&out).Error
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// AddCredits adds n credits and returns the balance before and after.
func (r *Repo) AddCredits(ctx context.Context, id string, n int) (before, after int, err error) {
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var u User
		if err := tx.Select("id", "credits").First(&u, "id = ?", id).Error; err != nil {
			return notFound(err)
		}
		res := tx.Model(&User{}).Where("id = ?", id).
			Update("credits", gorm.Expr("credits + ?", n))
		if res.Error != nil {
			return res.Error
		}
		before, after = u.Credits, u.Credits+n
		return nil
	})
	return before, after, err
}

// DeductCredits is a single conditional update, so concurrent deductions can
// never drive the balance negative.
func (r *Repo) DeductCredits(ctx context.Context, id string, n int) error {
	return deductCredits(r.db.WithContext(ctx), id, n)
}

// DeductCreditsTx runs the deduction inside a caller-owned transaction.
func DeductCreditsTx(tx *gorm.DB, id string, n int) error {
	return deductCredits(tx, id, n)
}

func deductCredits(db *gorm.DB, id string, n int) error {
	if n <= 0 {
		return nil
	}
	res := db.Model(&User{}).
		Where("id = ? AND credits >= ?", id, n).
		Update("credits", gorm.Expr("credits - ?", n))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 1 {
		return nil
	}

	var cnt int64
	if err := db.Model(&User{}).Where("id = ?", id).Count(&cnt).Error; err != nil {
		return err
	}
	if cnt == 0 {
		return common.ErrNotFound
	}
	return common.ErrInsufficientCredits
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("user: %w", common.ErrNotFound)
	}
	return err
}

package repository

import (
	"time"

	"comuna/internal/domain"
	"comuna/internal/models"

	"gorm.io/gorm"
)

type UserRepository struct {
	db *gorm.DB
}

func NewUserRepository(db *gorm.DB) *UserRepository {
	return &UserRepository{db: db}
}

func (r *UserRepository) Create(u *models.User) error {
	return r.db.Create(u).Error
}

func (r *UserRepository) GetByID(id uint) (*models.User, error) {
	var u models.User
	if err := r.db.First(&u, id).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepository) GetByEmail(email string) (*models.User, error) {
	var u models.User
	if err := r.db.Where("email = ?", email).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepository) GetByUsername(username string) (*models.User, error) {
	var u models.User
	if err := r.db.Where("username = ?", username).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *UserRepository) Update(u *models.User) error {
	return r.db.Save(u).Error
}

// SetPremium promotes the user and sets the expiry in a single UPDATE.
func (r *UserRepository) SetPremium(userID uint, expiry time.Time) error {
	return r.db.Model(&models.User{}).Where("id = ?", userID).
		Updates(map[string]interface{}{
			"tipo_usuario":              domain.TipoPremium,
			"fecha_vencimiento_premium": &expiry,
		}).Error
}

// DemoteIfExpired atomically rewrites a stale PREMIUM rank to BASICO and
// clears the expiry. The WHERE guard makes concurrent guard invocations for
// the same user converge on one winning write.
func (r *UserRepository) DemoteIfExpired(userID uint, now time.Time) (bool, error) {
	res := r.db.Model(&models.User{}).
		Where("id = ? AND tipo_usuario = ? AND (fecha_vencimiento_premium IS NULL OR fecha_vencimiento_premium <= ?)",
			userID, domain.TipoPremium, now).
		Updates(map[string]interface{}{
			"tipo_usuario":              domain.TipoBasico,
			"fecha_vencimiento_premium": gorm.Expr("NULL"),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

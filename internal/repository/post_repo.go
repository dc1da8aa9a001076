package repository

import (
	"comuna/internal/models"

	"gorm.io/gorm"
)

type PostRepository struct {
	db *gorm.DB
}

func NewPostRepository(db *gorm.DB) *PostRepository {
	return &PostRepository{db: db}
}

func (r *PostRepository) Create(p *models.Post) error {
	return r.db.Create(p).Error
}

func (r *PostRepository) CountByUser(userID uint) (int64, error) {
	var n int64
	err := r.db.Model(&models.Post{}).Where("user_id = ?", userID).Count(&n).Error
	return n, err
}

func (r *PostRepository) ListRecent(limit int) ([]models.Post, error) {
	var out []models.Post
	err := r.db.Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

func (r *PostRepository) ListByUser(userID uint, limit int) ([]models.Post, error) {
	var out []models.Post
	err := r.db.Where("user_id = ?", userID).Order("id DESC").Limit(limit).Find(&out).Error
	return out, err
}

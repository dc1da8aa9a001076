package models

import (
	"time"

	"comuna/internal/domain"

	"gorm.io/gorm"
)

type User struct {
	ID           uint   `gorm:"primaryKey" json:"id"`
	Username     string `gorm:"uniqueIndex;size:64;not null" json:"username"`
	Email        string `gorm:"uniqueIndex;size:255;not null" json:"email"`
	PasswordHash string `gorm:"size:255" json:"-"`

	// Membership slice. Column names kept from the original platform schema.
	TipoUsuario             string     `gorm:"column:tipo_usuario;size:20;not null;index" json:"tipoUsuario"` // SUPER_ADMIN | ADMIN | BASICO | PREMIUM
	FechaVencimientoPremium *time.Time `gorm:"column:fecha_vencimiento_premium" json:"fechaVencimientoPremium"`
	LimitePublicaciones     int        `gorm:"column:limite_publicaciones;not null;default:10" json:"limitePublicaciones"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) IsAdmin() bool {
	return u.TipoUsuario == domain.TipoAdmin || u.TipoUsuario == domain.TipoSuperAdmin
}

func (u *User) IsPremium() bool { return u.TipoUsuario == domain.TipoPremium }

// PremiumExpired reports whether a PREMIUM rank is stale at t. A premium user
// without an expiry date is treated as expired; the rank never legitimately
// exists without one.
func (u *User) PremiumExpired(t time.Time) bool {
	if u.TipoUsuario != domain.TipoPremium {
		return false
	}
	return u.FechaVencimientoPremium == nil || !u.FechaVencimientoPremium.After(t)
}

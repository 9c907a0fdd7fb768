package models

import (
	"time"
)

const (
	RoleAdmin = "admin"
	RoleStaff = "staff"
)

// User is a staff account allowed to read feedback and analytics.
type User struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Username  string     `gorm:"uniqueIndex;size:100;not null" json:"username"`
	Password  string     `gorm:"size:255;not null" json:"-"`
	Role      string     `gorm:"size:20;not null;default:staff" json:"role"`
	IsActive  bool       `gorm:"default:true" json:"is_active"`
	LastLogin *time.Time `json:"last_login"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (User) TableName() string { return "users" }

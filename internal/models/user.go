package models

import "time"

type User struct {
	ID             int64     `json:"id"`
	Username       string    `json:"username"`
	PasswordHash   string    `json:"-"`
	RegistrationIP string    `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

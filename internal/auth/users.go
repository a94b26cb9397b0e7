package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"localchat/internal/models"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingCredentials  = errors.New("username and password are required")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrUsernameTaken       = errors.New("username already exists")
	ErrRegistrationLimited = errors.New("an account was already registered from this address")
)

// RegisterUser creates a user with the supplied credentials, remembering the client address.
func (s *Service) RegisterUser(ctx context.Context, username, password, ip string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || strings.TrimSpace(password) == "" {
		return nil, ErrMissingCredentials
	}

	if s.oneAccountPerIP && ip != "" {
		var exists bool
		if err := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM users WHERE registration_ip = ?)`, ip,
		).Scan(&exists); err != nil {
			return nil, fmt.Errorf("check registration ip: %w", err)
		}
		if exists {
			return nil, ErrRegistrationLimited
		}
	}

	var taken bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM users WHERE username = ?)`, username,
	).Scan(&taken); err != nil {
		return nil, fmt.Errorf("check username: %w", err)
	}
	if taken {
		return nil, ErrUsernameTaken
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, registration_ip, created_at) VALUES (?, ?, ?, ?)`,
		username, string(hash), ip, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("user id: %w", err)
	}
	return &models.User{ID: id, Username: username, PasswordHash: string(hash), RegistrationIP: ip, CreatedAt: now}, nil
}

// Login validates credentials, records the login and returns the user profile.
func (s *Service) Login(ctx context.Context, username, password, ip string) (*models.User, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrMissingCredentials
	}

	var user models.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, username, password_hash, registration_ip, created_at FROM users WHERE username = ?`, username,
	).Scan(&user.ID, &user.Username, &user.PasswordHash, &user.RegistrationIP, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("query user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO login_logs (user_id, ip_address, login_time) VALUES (?, ?, ?)`,
		user.ID, ip, time.Now().UTC(),
	); err != nil {
		return nil, fmt.Errorf("record login: %w", err)
	}
	return &user, nil
}

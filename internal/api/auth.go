package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/modelmesh/distributor/internal/store"
)

// AuthService handles admin authentication against the control-plane
// database.
type AuthService struct {
	db *store.DB
}

// NewAuthService creates a new auth service.
func NewAuthService(db *store.DB) *AuthService {
	return &AuthService{db: db}
}

// RegisterRequest represents an admin registration request.
type RegisterRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
}

// LoginRequest represents a login request.
type LoginRequest struct {
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse represents an authentication response.
type AuthResponse struct {
	AdminID string `json:"admin_id"`
	Email   string `json:"email"`
	Token   string `json:"token"`
}

// Admin is an administrator account record.
type Admin struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
}

// Register creates a new admin account.
func (s *AuthService) Register(ctx context.Context, req RegisterRequest) (*Admin, error) {
	var exists bool
	err := s.db.Pool.QueryRow(ctx,
		"SELECT EXISTS(SELECT 1 FROM admins WHERE email = $1)",
		req.Email).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check admin existence: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("admin already exists")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	admin := &Admin{
		ID:           uuid.New(),
		Email:        req.Email,
		PasswordHash: string(hash),
	}

	_, err = s.db.Pool.Exec(ctx,
		"INSERT INTO admins (id, email, password_hash) VALUES ($1, $2, $3)",
		admin.ID, admin.Email, admin.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("failed to create admin: %w", err)
	}

	return admin, nil
}

// Login verifies credentials and returns the admin account.
func (s *AuthService) Login(ctx context.Context, req LoginRequest) (*Admin, error) {
	var admin Admin
	err := s.db.Pool.QueryRow(ctx,
		"SELECT id, email, password_hash FROM admins WHERE email = $1",
		req.Email).Scan(&admin.ID, &admin.Email, &admin.PasswordHash)
	if err != nil {
		return nil, fmt.Errorf("invalid credentials")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(admin.PasswordHash), []byte(req.Password)); err != nil {
		return nil, fmt.Errorf("invalid credentials")
	}

	return &admin, nil
}

// GenerateAPIKey returns a fresh node API key and its storage hash.
func GenerateAPIKey() (key, hash string) {
	key = "mmn_" + uuid.New().String()
	return key, hashAPIKey(key)
}

func hashAPIKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// Package auth provides user registration, login, and the JWT identity
// middleware. The core services never look up an ambient "current user";
// this package turns a bearer token into an explicit user ID that handlers
// thread through every operation.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/brdg/exchange-engine/internal/model"
	"github.com/brdg/exchange-engine/internal/store"
)

var (
	// ErrNotAuthenticated is returned when a request carries no valid identity.
	ErrNotAuthenticated = errors.New("auth: not authenticated")

	// ErrInvalidCredentials is returned on a bad username/password pair.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
)

type contextKey struct{}

// tokenTTL is how long an issued token stays valid.
const tokenTTL = 24 * time.Hour

// Service issues and verifies identity tokens backed by the user store.
type Service struct {
	store  store.Store
	secret []byte
}

// NewService creates an auth service signing tokens with the given secret.
func NewService(st store.Store, secret []byte) *Service {
	return &Service{store: st, secret: secret}
}

// Register creates a user with a bcrypt-hashed password and seeds the
// starting BRDG balance.
func (s *Service) Register(ctx context.Context, name, password string) (*model.User, error) {
	if name == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	if len(name) > 50 || len(password) > 100 {
		return nil, ErrInvalidCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	user := &model.User{
		ID:           uuid.New().String(),
		Name:         name,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	if _, err := s.store.EnsureBalance(ctx, user.ID); err != nil {
		return nil, err
	}
	return user, nil
}

// Login verifies credentials and returns a signed JWT.
func (s *Service) Login(ctx context.Context, name, password string) (string, error) {
	user, err := s.store.GetUserByName(ctx, name)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return "", ErrInvalidCredentials
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": user.ID,
		"exp": time.Now().Add(tokenTTL).Unix(),
	})
	return token.SignedString(s.secret)
}

// VerifyToken validates a token string and returns the user ID it asserts.
func (s *Service) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrNotAuthenticated
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrNotAuthenticated
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrNotAuthenticated
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", ErrNotAuthenticated
	}
	return sub, nil
}

// Middleware rejects requests without a valid bearer token and stores the
// verified user ID in the request context.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			writeError(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		userID, err := s.VerifyToken(tokenString)
		if err != nil {
			writeError(w, "invalid token", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), contextKey{}, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserID returns the verified user ID placed in the context by Middleware,
// or "" when the request is unauthenticated.
func UserID(ctx context.Context) string {
	id, _ := ctx.Value(contextKey{}).(string)
	return id
}

// --- HTTP handlers ---

type credentialsRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// HandleRegister handles POST /api/v1/auth/register.
func (s *Service) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user, err := s.Register(r.Context(), req.Name, req.Password)
	if errors.Is(err, store.ErrConflict) {
		writeError(w, "name already taken", http.StatusConflict)
		return
	}
	if errors.Is(err, ErrInvalidCredentials) {
		writeError(w, "name and password are required", http.StatusBadRequest)
		return
	}
	if err != nil {
		slog.Error("register failed", "err", err)
		writeError(w, "registration failed", http.StatusInternalServerError)
		return
	}

	slog.Info("user registered", "user", user.ID, "name", user.Name)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(user)
}

// HandleLogin handles POST /api/v1/auth/login.
func (s *Service) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	token, err := s.Login(r.Context(), req.Name, req.Password)
	if err != nil {
		writeError(w, "invalid credentials", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"token": token})
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

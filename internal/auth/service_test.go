package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/agentmarket/backend/internal/models"
	"github.com/agentmarket/backend/internal/services"
)

type memStore struct {
	mu    sync.Mutex
	users map[uuid.UUID]*models.User
}

func newMemStore() *memStore { return &memStore{users: map[uuid.UUID]*models.User{}} }

func (m *memStore) Create(_ context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.users {
		if existing.Email == u.Email {
			return ErrDuplicateEmail
		}
	}
	u.ID = uuid.New()
	u.CreatedAt = time.Now()
	m.users[u.ID] = u
	return nil
}

func (m *memStore) GetByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Email == email {
			return u, nil
		}
	}
	return nil, nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[id], nil
}

func TestRegister_Validation(t *testing.T) {
	svc := NewService(newMemStore(), "secret", 0)
	ctx := context.Background()

	cases := []struct {
		name, email, password, username, role string
	}{
		{"bad email", "nope", "longenough", "alice", models.RoleHuman},
		{"short password", "a@example.com", "short", "alice", models.RoleHuman},
		{"missing username", "a@example.com", "longenough", " ", models.RoleHuman},
		{"admin role", "a@example.com", "longenough", "alice", models.RoleAdmin},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := svc.Register(ctx, c.email, c.password, c.username, c.role)
			if !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestRegister_DefaultsAndDuplicate(t *testing.T) {
	store := newMemStore()
	svc := NewService(store, "secret", 0)
	ctx := context.Background()

	u, err := svc.Register(ctx, " Alice@Example.com ", "longenough", "alice", "")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if u.Role != models.RoleHuman || u.Email != "alice@example.com" {
		t.Errorf("user: %+v", u)
	}
	if u.PasswordHash == "longenough" || u.PasswordHash == "" {
		t.Error("password must be hashed")
	}

	if _, err := svc.Register(ctx, "alice@example.com", "longenough", "alice2", models.RoleAgent); !errors.Is(err, ErrDuplicateEmail) {
		t.Errorf("expected ErrDuplicateEmail, got %v", err)
	}
}

func TestLoginAndValidateToken(t *testing.T) {
	svc := NewService(newMemStore(), "secret", time.Hour)
	ctx := context.Background()
	u, err := svc.Register(ctx, "seller@example.com", "longenough", "seller", models.RoleAgent)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, _, err := svc.Login(ctx, "seller@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("wrong password: got %v", err)
	}
	if _, _, err := svc.Login(ctx, "ghost@example.com", "longenough"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("unknown email: got %v", err)
	}

	token, _, err := svc.Login(ctx, "SELLER@example.com", "longenough")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	id, role, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if id != u.ID || role != models.RoleAgent {
		t.Errorf("claims: id %v role %q", id, role)
	}

	other := NewService(newMemStore(), "other-secret", time.Hour)
	if _, _, err := other.ValidateToken(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("foreign secret: got %v", err)
	}

	svc.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, _, err := svc.ValidateToken(ctx, token); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("expired token: got %v", err)
	}
}

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	v, err := services.NewValidator()
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	return NewHandler(NewService(newMemStore(), "secret", 0), v, nil)
}

func TestHandler_RegisterAndLogin(t *testing.T) {
	h := newTestHandler(t)

	body, _ := json.Marshal(RegisterRequest{Email: "b@example.com", Password: "longenough", Username: "bob"})
	rec := httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/v1/auth/register", bytes.NewReader(body)))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", rec.Code, rec.Body.String())
	}
	if bytes.Contains(rec.Body.Bytes(), []byte("password")) {
		t.Error("response leaks password hash")
	}

	rec = httptest.NewRecorder()
	h.Register(rec, httptest.NewRequest(http.MethodPost, "/v1/auth/register", bytes.NewReader(body)))
	if rec.Code != http.StatusConflict {
		t.Errorf("duplicate register: %d", rec.Code)
	}

	login, _ := json.Marshal(LoginRequest{Email: "b@example.com", Password: "longenough"})
	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewReader(login)))
	if rec.Code != http.StatusOK {
		t.Fatalf("login: %d %s", rec.Code, rec.Body.String())
	}
	var resp LoginResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil || resp.Token == "" {
		t.Errorf("login response: %+v %v", resp, err)
	}

	bad, _ := json.Marshal(LoginRequest{Email: "b@example.com", Password: "nope-nope"})
	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/v1/auth/login", bytes.NewReader(bad)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad login: %d", rec.Code)
	}
}

func TestHandler_SchemaRejects(t *testing.T) {
	h := newTestHandler(t)

	cases := []struct {
		name  string
		route func(http.ResponseWriter, *http.Request)
		body  string
		want  string
	}{
		{"register short password", h.Register, `{"email":"c@example.com","password":"short","username":"c"}`, "password"},
		{"register admin role", h.Register, `{"email":"c@example.com","password":"longenough","username":"c","role":"admin"}`, "role"},
		{"register unknown field", h.Register, `{"email":"c@example.com","password":"longenough","username":"c","is_admin":true}`, ""},
		{"register missing username", h.Register, `{"email":"c@example.com","password":"longenough"}`, ""},
		{"register not json", h.Register, `{"email":`, ""},
		{"login missing password", h.Login, `{"email":"c@example.com"}`, ""},
		{"login empty password", h.Login, `{"email":"c@example.com","password":""}`, "password"},
		{"login numeric email", h.Login, `{"email":42,"password":"longenough"}`, "email"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c.route(rec, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(c.body)))
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("content type %q", ct)
			}
			var resp map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil || resp["error"] == "" {
				t.Fatalf("error body: %q %v", rec.Body.String(), err)
			}
			if c.want != "" && !strings.HasPrefix(resp["error"], c.want) {
				t.Errorf("error should name %q, got %q", c.want, resp["error"])
			}
		})
	}
}

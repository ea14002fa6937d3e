package auth

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/agentmarket/backend/internal/handlers"
	"github.com/agentmarket/backend/internal/models"
	"github.com/agentmarket/backend/internal/services"
)

type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Username string `json:"username"`
	Role     string `json:"role,omitempty"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type LoginResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

type Handler struct {
	svc       Service
	validator *services.Validator
	log       *slog.Logger
}

func NewHandler(svc Service, v *services.Validator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{svc: svc, validator: v, log: log}
}

// POST /v1/auth/register
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !handlers.Decode(w, r, h.validator, services.SchemaRegister, &req) {
		return
	}
	u, err := h.svc.Register(r.Context(), req.Email, req.Password, req.Username, req.Role)
	switch {
	case errors.Is(err, ErrDuplicateEmail):
		handlers.WriteMessage(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, ErrInvalidInput):
		handlers.WriteMessage(w, http.StatusBadRequest, strings.TrimPrefix(err.Error(), ErrInvalidInput.Error()+": "))
		return
	case err != nil:
		h.log.Error("register failed", "error", err)
		handlers.WriteMessage(w, http.StatusInternalServerError, "registration failed")
		return
	}
	handlers.WriteJSON(w, http.StatusCreated, u)
}

// POST /v1/auth/login
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !handlers.Decode(w, r, h.validator, services.SchemaLogin, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		handlers.WriteMessage(w, http.StatusBadRequest, "missing email or password")
		return
	}
	token, u, err := h.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			handlers.WriteMessage(w, http.StatusUnauthorized, err.Error())
			return
		}
		h.log.Error("login failed", "error", err)
		handlers.WriteMessage(w, http.StatusInternalServerError, "login failed")
		return
	}
	handlers.WriteJSON(w, http.StatusOK, LoginResponse{Token: token, User: u})
}

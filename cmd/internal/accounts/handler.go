package accounts

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"parley/cmd/internal/httpx"
)

// TokenIssuer signs login tokens.
type TokenIssuer interface {
	Issue(userID, mobile string) (string, time.Time, error)
}

// Handler serves the login and contact-list endpoints.
type Handler struct {
	log    *slog.Logger
	store  Store
	tokens TokenIssuer
}

// NewHandler constructs a Handler. tokens may be nil, in which case login is unavailable.
func NewHandler(log *slog.Logger, store Store, tokens TokenIssuer) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, store: store, tokens: tokens}
}

// Register mounts the login route on public and the user list on protected.
// Both may be the same mux when auth is disabled.
func (h *Handler) Register(public, protected *http.ServeMux) {
	public.HandleFunc("POST /api/chat/login", h.Login)
	protected.HandleFunc("GET /api/chat/user-list", h.UserList)
}

type userJSON struct {
	ID           string  `json:"id"`
	Name         string  `json:"name"`
	MobileNumber string  `json:"mobile_number"`
	Email        *string `json:"email,omitempty"`
}

func toUserJSON(u User) userJSON {
	return userJSON{ID: u.ID, Name: u.Name, MobileNumber: u.MobileNumber, Email: u.Email}
}

type loginRequest struct {
	MobileNumber string `json:"mobile_number"`
}

type loginResponse struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	User      userJSON  `json:"user"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Login exchanges a registered mobile number for a signed token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	if h.tokens == nil {
		httpx.WriteStatus(w, http.StatusServiceUnavailable, httpx.StatusError, "login is not configured")
		return
	}

	var req loginRequest
	if err := httpx.DecodeJSON(w, r, 4<<10, &req); err != nil {
		httpx.WriteFail(w, "invalid request body")
		return
	}
	if strings.TrimSpace(req.MobileNumber) == "" {
		httpx.WriteFail(w, "Mobile number is required")
		return
	}

	u, err := h.store.FindByMobile(r.Context(), req.MobileNumber)
	if IsNotFound(err) {
		httpx.WriteStatus(w, http.StatusNotFound, httpx.StatusFail, "User not registered")
		return
	}
	if err != nil {
		h.log.Error("accounts.login.fail", "err", err)
		httpx.WriteError(w, "Internal Server Error")
		return
	}

	tok, exp, err := h.tokens.Issue(u.ID, u.MobileNumber)
	if err != nil {
		h.log.Error("accounts.token.fail", "user_id", u.ID, "err", err)
		httpx.WriteError(w, "Internal Server Error")
		return
	}

	h.log.Info("accounts.login", "user_id", u.ID)
	httpx.WriteJSON(w, http.StatusOK, loginResponse{
		Status:    httpx.StatusSuccess,
		Message:   "Login successful",
		User:      toUserJSON(u),
		Token:     tok,
		ExpiresAt: exp,
	})
}

type userListResponse struct {
	Status string     `json:"status"`
	Users  []userJSON `json:"users"`
}

// UserList returns every user except user_id.
func (h *Handler) UserList(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if id == "" {
		httpx.WriteFail(w, "User ID is required")
		return
	}

	users, err := h.store.ListExcept(r.Context(), id)
	if err != nil {
		h.log.Error("accounts.list.fail", "err", err)
		httpx.WriteError(w, "Server Error")
		return
	}

	out := make([]userJSON, 0, len(users))
	for _, u := range users {
		out = append(out, toUserJSON(u))
	}
	httpx.WriteJSON(w, http.StatusOK, userListResponse{Status: httpx.StatusSuccess, Users: out})
}

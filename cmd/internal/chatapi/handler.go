// Package chatapi serves the REST side of chat: history pages, message submission without a
// live connection, attachment uploads, and the admin counter repair.
package chatapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"parley/cmd/internal/auth"
	"parley/cmd/internal/httpx"
	"parley/cmd/internal/realtime"
	v1 "parley/shared/contracts/realtime/v1"
)

// Handler serves /api/chat/* and /api/admin/*.
type Handler struct {
	log     *slog.Logger
	svc     *realtime.Service
	uploads UploadConfig
}

// NewHandler constructs a Handler over svc.
func NewHandler(log *slog.Logger, svc *realtime.Service, uploads UploadConfig) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{log: log, svc: svc, uploads: uploads.withDefaults()}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/chat/history", h.History)
	mux.HandleFunc("POST /api/chat/store-offline-message", h.StoreMessage)
	mux.HandleFunc("POST /api/chat/upload", h.Upload)
	mux.HandleFunc("POST /api/admin/sync-message-counts", h.SyncMessageCounts)
}

type historyResponse struct {
	Status        string                 `json:"status"`
	ChatRoomID    *string                `json:"chatRoomId"`
	CreatedAt     *time.Time             `json:"createdAt,omitempty"`
	Chats         []realtime.HistoryItem `json:"chats"`
	CurrentPage   int                    `json:"currentPage"`
	TotalMessages int64                  `json:"totalMessages"`
	HasMore       bool                   `json:"hasMore"`
}

// History returns one page of the conversation between senderId and receiverId, newest page first.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	sender := strings.TrimSpace(q.Get("senderId"))
	receiver := strings.TrimSpace(q.Get("receiverId"))
	if sender == "" || receiver == "" {
		httpx.WriteFail(w, "Sender and Receiver IDs are required")
		return
	}
	if !actingAs(r, sender) {
		httpx.WriteStatus(w, http.StatusForbidden, httpx.StatusFail, "senderId does not match the authenticated user")
		return
	}

	page, err := h.svc.History(r.Context(), sender, receiver, queryInt(q.Get("page")), queryInt(q.Get("limit")))
	if err != nil {
		h.writeServiceError(w, "chat.history.fail", err)
		return
	}

	resp := historyResponse{
		Status:        httpx.StatusSuccess,
		Chats:         page.Items,
		CurrentPage:   page.Page,
		TotalMessages: page.TotalCount,
		HasMore:       page.HasMore,
	}
	if c := page.Conversation; c != nil {
		id, created := c.ID, c.CreatedAt
		resp.ChatRoomID = &id
		resp.CreatedAt = &created
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

type storeMessageResponse struct {
	Status  string            `json:"status"`
	Message string            `json:"message"`
	Data    v1.MessagePayload `json:"data"`
}

// StoreMessage submits a message through the same path as a live sendMessage event.
func (h *Handler) StoreMessage(w http.ResponseWriter, r *http.Request) {
	var req v1.SendMessagePayload
	if err := httpx.DecodeJSON(w, r, httpx.DefaultMaxBody, &req); err != nil {
		httpx.WriteFail(w, "invalid request body")
		return
	}
	if !actingAs(r, strings.TrimSpace(req.SenderID)) {
		httpx.WriteStatus(w, http.StatusForbidden, httpx.StatusFail, "senderId does not match the authenticated user")
		return
	}

	stored, _, err := h.svc.SendMessage(r.Context(), realtime.Message{
		SenderID:   req.SenderID,
		ReceiverID: req.ReceiverID,
		Text:       req.Message,
		Attachment: realtime.FromWireAttachment(req.Attachment),
	})
	if err != nil {
		h.writeServiceError(w, "chat.store_message.fail", err)
		return
	}

	httpx.WriteJSON(w, http.StatusOK, storeMessageResponse{
		Status:  httpx.StatusSuccess,
		Message: "Message stored",
		Data:    realtime.MessagePayload(stored),
	})
}

type syncResponse struct {
	Status   string `json:"status"`
	Message  string `json:"message"`
	Repaired int    `json:"repaired"`
}

// SyncMessageCounts recomputes every conversation's message counter.
func (h *Handler) SyncMessageCounts(w http.ResponseWriter, r *http.Request) {
	if p, ok := auth.PrincipalFrom(r.Context()); ok && !p.Partner() {
		httpx.WriteStatus(w, http.StatusForbidden, httpx.StatusFail, "admin endpoints require a partner key")
		return
	}

	n, err := h.svc.RepairMessageCounts(r.Context())
	if err != nil {
		h.log.Error("admin.sync_counts.fail", "repaired", n, "err", err)
		httpx.WriteError(w, "Error syncing message counts.")
		return
	}
	h.log.Info("admin.sync_counts", "repaired", n)
	httpx.WriteJSON(w, http.StatusOK, syncResponse{
		Status:   httpx.StatusSuccess,
		Message:  "Message counts synced successfully.",
		Repaired: n,
	})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, event string, err error) {
	if realtime.IsValidation(err) {
		var oe realtime.OpError
		msg := err.Error()
		if errors.As(err, &oe) && oe.Msg != "" {
			msg = oe.Msg
		}
		httpx.WriteFail(w, msg)
		return
	}
	h.log.Error(event, "err", err)
	httpx.WriteError(w, "Server Error")
}

// actingAs reports whether the caller may act as userID. Partners act for any user;
// first-party callers only for themselves. Requests without a principal run with auth disabled.
func actingAs(r *http.Request, userID string) bool {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok || p.Partner() {
		return true
	}
	return p.UserID == userID
}

func queryInt(s string) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0
	}
	return n
}

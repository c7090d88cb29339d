package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/dsadrill/internal/admin"
	"github.com/hitoshi/dsadrill/internal/middleware"
	"github.com/hitoshi/dsadrill/internal/model"
	"github.com/hitoshi/dsadrill/internal/validation"
)

// AdminAuthenticator は管理者ログインに必要なインターフェース。
type AdminAuthenticator interface {
	LoginAdmin(ctx context.Context, email, password, clientIP string) (*model.AuthResult, error)
}

// AdminServiceInterface は管理ハンドラーが必要とするサービスインターフェース。
type AdminServiceInterface interface {
	ListUsers(ctx context.Context, limit, offset int) (*admin.UserPage, error)
	SetActive(ctx context.Context, adminID, targetID string, active bool) (*model.Account, error)
	DeleteUser(ctx context.Context, adminID, targetID string) error
	ListLogs(ctx context.Context, limit int) ([]*model.AdminLog, error)
}

// AdminHandler は管理者向けのHTTPハンドラー。
type AdminHandler struct {
	auth      AdminAuthenticator
	service   AdminServiceInterface
	validator *validation.Validator
}

// NewAdminHandler はAdminHandlerを生成する。
func NewAdminHandler(auth AdminAuthenticator, service AdminServiceInterface, validator *validation.Validator) *AdminHandler {
	return &AdminHandler{
		auth:      auth,
		service:   service,
		validator: validator,
	}
}

// setActiveRequest は有効フラグ更新リクエストのボディ。
// 未指定と false を区別するためポインタで受ける。
type setActiveRequest struct {
	IsActive *bool `json:"isActive" validate:"required"`
}

type userListResponse struct {
	Users  []accountResponse `json:"users"`
	Total  int               `json:"total"`
	Limit  int               `json:"limit"`
	Offset int               `json:"offset"`
}

type adminLogResponse struct {
	ID        string    `json:"id"`
	AdminID   string    `json:"adminId"`
	Action    string    `json:"action"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"createdAt"`
}

// Login は管理者としてログインし、adminロールのトークンペアを返す。
// POST /admin/login
func (h *AdminHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if apiErr := decodeRequest(w, r, h.validator, &req); apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	result, err := h.auth.LoginAdmin(r.Context(), req.Email, req.Password, middleware.ClientIP(r))
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toAuthResponse(result))
}

// ListUsers はアカウント一覧を返す。
// GET /admin/users?limit=20&offset=0
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	limit, offset, apiErr := parsePaging(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	page, err := h.service.ListUsers(r.Context(), limit, offset)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	users := make([]accountResponse, len(page.Accounts))
	for i, account := range page.Accounts {
		users[i] = toAccountResponse(account)
	}

	writeJSON(w, http.StatusOK, userListResponse{
		Users:  users,
		Total:  page.Total,
		Limit:  page.Limit,
		Offset: page.Offset,
	})
}

// UpdateUser はアカウントの有効フラグを切り替える。
// PATCH /admin/users/{id}
func (h *AdminHandler) UpdateUser(w http.ResponseWriter, r *http.Request) {
	adminID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIError(w, model.NewUnauthorizedError())
		return
	}

	var req setActiveRequest
	if apiErr := decodeRequest(w, r, h.validator, &req); apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	account, err := h.service.SetActive(r.Context(), adminID, chi.URLParam(r, "id"), *req.IsActive)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]accountResponse{"user": toAccountResponse(account)})
}

// DeleteUser はアカウントを削除する。
// DELETE /admin/users/{id}
func (h *AdminHandler) DeleteUser(w http.ResponseWriter, r *http.Request) {
	adminID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		writeAPIError(w, model.NewUnauthorizedError())
		return
	}

	if err := h.service.DeleteUser(r.Context(), adminID, chi.URLParam(r, "id")); err != nil {
		handleServiceError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// ListLogs は監査ログを新しい順に返す。
// GET /admin/logs?limit=50
func (h *AdminHandler) ListLogs(w http.ResponseWriter, r *http.Request) {
	limit, _, apiErr := parsePaging(r)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	logs, err := h.service.ListLogs(r.Context(), limit)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := make([]adminLogResponse, len(logs))
	for i, l := range logs {
		resp[i] = adminLogResponse{
			ID:        l.ID,
			AdminID:   l.AdminID,
			Action:    l.Action,
			Details:   l.Details,
			CreatedAt: l.CreatedAt,
		}
	}

	writeJSON(w, http.StatusOK, map[string][]adminLogResponse{"logs": resp})
}

// parsePaging はlimitとoffsetのクエリパラメータを解析する。未指定は0。
func parsePaging(r *http.Request) (limit, offset int, apiErr *model.APIError) {
	details := map[string]string{}
	q := r.URL.Query()

	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			details["limit"] = "0以上の整数を指定してください。"
		}
		limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			details["offset"] = "0以上の整数を指定してください。"
		}
		offset = n
	}

	if len(details) > 0 {
		return 0, 0, model.NewValidationError(details)
	}
	return limit, offset, nil
}

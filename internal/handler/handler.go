// Package handler содержит HTTP-обработчики API сервиса finledger.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/mmeshcher/finledger/internal/ledger"
	"github.com/mmeshcher/finledger/internal/loan"
	"github.com/mmeshcher/finledger/internal/middleware"
	"github.com/mmeshcher/finledger/internal/model"
	"github.com/mmeshcher/finledger/internal/rbac"
	"github.com/mmeshcher/finledger/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	AddManager(ctx context.Context, caller, target model.Identity) error
	RemoveManager(ctx context.Context, caller, target model.Identity) error
	AddRegularUser(ctx context.Context, caller, target model.Identity) error
	RemoveRegularUser(ctx context.Context, caller, target model.Identity) error
	CheckUserRole(ctx context.Context, id model.Identity) model.Role
	Managers(ctx context.Context) []model.Identity
	RegularUsers(ctx context.Context) []model.Identity
	Deposit(ctx context.Context, caller model.Identity, amount *uint256.Int) error
	Withdraw(ctx context.Context, caller model.Identity, amount *uint256.Int) error
	Balance(ctx context.Context, id model.Identity) *uint256.Int
	RequestLoan(ctx context.Context, caller model.Identity, amount *uint256.Int) error
	ApproveLoan(ctx context.Context, caller, borrower model.Identity) error
	LoanRequest(ctx context.Context, borrower model.Identity) (model.LoanRequest, bool)
	Events(ctx context.Context, caller, id model.Identity, limit int) ([]model.Event, error)
}

// Handler реализует HTTP-обработчики API сервиса finledger.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	challenges     *middleware.ChallengeStore
	authLimiter    *middleware.RateLimiter
}

// Option настраивает Handler.
type Option func(*options)

type options struct {
	trustProxy bool
}

// WithTrustedProxy включает определение адреса клиента по заголовкам X-Real-IP и X-Forwarded-For.
// Используется, только если сервис стоит за доверенным обратным прокси.
func WithTrustedProxy(trust bool) Option {
	return func(o *options) {
		o.trustProxy = trust
	}
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, opts ...Option) *Handler {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		challenges:     middleware.NewChallengeStore(0),
		authLimiter:    middleware.NewRateLimiter(30, 10, o.trustProxy),
	}
}

type addressRequest struct {
	Address string `json:"address"`
}

type loginRequest struct {
	Address   string `json:"address"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

type amountRequest struct {
	Amount json.Number `json:"amount"`
}

type challengeResponse struct {
	Nonce   string `json:"nonce"`
	Message string `json:"message"`
}

type loginResponse struct {
	Token string `json:"token"`
}

type balanceResponse struct {
	Address string `json:"address"`
	Balance string `json:"balance"`
}

type roleResponse struct {
	Address string `json:"address"`
	Role    string `json:"role"`
}

type loanResponse struct {
	Borrower    string `json:"borrower"`
	Amount      string `json:"amount"`
	Approved    bool   `json:"approved"`
	RequestedAt string `json:"requested_at"`
	ApprovedAt  string `json:"approved_at,omitempty"`
	ApprovedBy  string `json:"approved_by,omitempty"`
}

type eventResponse struct {
	Seq    int64  `json:"seq"`
	ID     string `json:"id"`
	Type   string `json:"type"`
	Actor  string `json:"actor"`
	Target string `json:"target"`
	Amount string `json:"amount,omitempty"`
	At     string `json:"at"`
}

// Challenge выдаёт сообщение, которое участник подписывает для входа.
func (h *Handler) Challenge(w http.ResponseWriter, r *http.Request) {
	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := validation.ParseIdentity(req.Address)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	nonce, msg := h.challenges.Issue(id)
	h.writeJSON(w, http.StatusOK, challengeResponse{Nonce: nonce, Message: msg})
}

// Login проверяет подпись вызова и устанавливает cookie сессии.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	id, err := validation.ParseIdentity(req.Address)
	if err != nil || req.Nonce == "" || req.Signature == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.challenges.Verify(req.Nonce, id, req.Signature); err != nil {
		h.logger.Info("login rejected", zap.String("address", id.Hex()), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	token, err := h.authMiddleware.IssueToken(id)
	if err != nil {
		h.logger.Error("issue token error", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	h.authMiddleware.SetAuthCookie(w, token)
	h.writeJSON(w, http.StatusOK, loginResponse{Token: token})
}

// AddManager назначает менеджера от имени текущего участника.
func (h *Handler) AddManager(w http.ResponseWriter, r *http.Request) {
	h.changeRole(w, r, h.service.AddManager, h.bodyAddress, "add manager error")
}

// RemoveManager снимает роль менеджера с адреса из пути.
func (h *Handler) RemoveManager(w http.ResponseWriter, r *http.Request) {
	h.changeRole(w, r, h.service.RemoveManager, h.pathAddress, "remove manager error")
}

// AddRegularUser добавляет пользователя от имени текущего участника.
func (h *Handler) AddRegularUser(w http.ResponseWriter, r *http.Request) {
	h.changeRole(w, r, h.service.AddRegularUser, h.bodyAddress, "add user error")
}

// RemoveRegularUser исключает пользователя с адресом из пути.
func (h *Handler) RemoveRegularUser(w http.ResponseWriter, r *http.Request) {
	h.changeRole(w, r, h.service.RemoveRegularUser, h.pathAddress, "remove user error")
}

type roleChange func(ctx context.Context, caller, target model.Identity) error

func (h *Handler) changeRole(w http.ResponseWriter, r *http.Request, change roleChange, target func(*http.Request) (model.Identity, error), logMsg string) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	id, err := target(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := change(r.Context(), caller, id); err != nil {
		h.writeError(w, err, logMsg, zap.String("target", id.Hex()))
		return
	}

	w.WriteHeader(http.StatusOK)
}

// ListManagers возвращает список менеджеров.
func (h *Handler) ListManagers(w http.ResponseWriter, r *http.Request) {
	h.writeIdentities(w, h.service.Managers(r.Context()))
}

// ListRegularUsers возвращает список пользователей.
func (h *Handler) ListRegularUsers(w http.ResponseWriter, r *http.Request) {
	h.writeIdentities(w, h.service.RegularUsers(r.Context()))
}

func (h *Handler) writeIdentities(w http.ResponseWriter, ids []model.Identity) {
	if len(ids) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]string, 0, len(ids))
	for _, id := range ids {
		resp = append(resp, id.Hex())
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetRole возвращает роль адреса из пути.
func (h *Handler) GetRole(w http.ResponseWriter, r *http.Request) {
	id, err := h.pathAddress(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	role := h.service.CheckUserRole(r.Context(), id)
	h.writeJSON(w, http.StatusOK, roleResponse{Address: id.Hex(), Role: string(role)})
}

// Deposit пополняет баланс текущего участника.
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.service.Deposit, "deposit error")
}

// Withdraw выводит средства текущего участника.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.moveFunds(w, r, h.service.Withdraw, "withdraw error")
}

func (h *Handler) moveFunds(w http.ResponseWriter, r *http.Request, move func(context.Context, model.Identity, *uint256.Int) error, logMsg string) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	amount, ok := decodeAmount(w, r)
	if !ok {
		return
	}

	if err := move(r.Context(), caller, amount); err != nil {
		h.writeError(w, err, logMsg, zap.String("caller", caller.Hex()), zap.String("amount", amount.Dec()))
		return
	}

	h.writeBalance(r.Context(), w, caller)
}

// GetBalance возвращает баланс текущего участника.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}
	h.writeBalance(r.Context(), w, caller)
}

// GetBalanceOf возвращает баланс адреса из пути.
func (h *Handler) GetBalanceOf(w http.ResponseWriter, r *http.Request) {
	id, err := h.pathAddress(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	h.writeBalance(r.Context(), w, id)
}

func (h *Handler) writeBalance(ctx context.Context, w http.ResponseWriter, id model.Identity) {
	h.writeJSON(w, http.StatusOK, balanceResponse{
		Address: id.Hex(),
		Balance: h.service.Balance(ctx, id).Dec(),
	})
}

// RequestLoan создаёт или заменяет заявку текущего участника.
func (h *Handler) RequestLoan(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	amount, ok := decodeAmount(w, r)
	if !ok {
		return
	}

	if err := h.service.RequestLoan(r.Context(), caller, amount); err != nil {
		h.writeError(w, err, "request loan error", zap.String("caller", caller.Hex()))
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// ApproveLoan одобряет заявку заёмщика из пути.
func (h *Handler) ApproveLoan(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	borrower, err := h.pathAddress(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.ApproveLoan(r.Context(), caller, borrower); err != nil {
		h.writeError(w, err, "approve loan error", zap.String("borrower", borrower.Hex()))
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetLoan возвращает заявку заёмщика из пути.
func (h *Handler) GetLoan(w http.ResponseWriter, r *http.Request) {
	borrower, err := h.pathAddress(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	req, ok := h.service.LoanRequest(r.Context(), borrower)
	if !ok {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return
	}

	resp := loanResponse{
		Borrower:    req.Borrower.Hex(),
		Amount:      req.Amount.Dec(),
		Approved:    req.Approved,
		RequestedAt: req.RequestedAt.Format(time.RFC3339),
	}
	if req.Approved {
		resp.ApprovedAt = req.ApprovedAt.Format(time.RFC3339)
		resp.ApprovedBy = req.ApprovedBy.Hex()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// GetEvents возвращает журнал событий участника. По умолчанию текущего.
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	caller, ok := h.caller(w, r)
	if !ok {
		return
	}

	target := caller
	if s := r.URL.Query().Get("address"); s != "" {
		id, err := validation.ParseIdentity(s)
		if err != nil {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		target = id
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
			return
		}
		limit = n
	}

	events, err := h.service.Events(r.Context(), caller, target, limit)
	if err != nil {
		h.writeError(w, err, "get events error", zap.String("target", target.Hex()))
		return
	}

	if len(events) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]eventResponse, 0, len(events))
	for _, ev := range events {
		item := eventResponse{
			Seq:    ev.Seq,
			ID:     ev.ID.String(),
			Type:   string(ev.Type),
			Actor:  ev.Actor.Hex(),
			Target: ev.Target.Hex(),
			At:     ev.At.Format(time.RFC3339),
		}
		if ev.Amount != nil {
			item.Amount = ev.Amount.Dec()
		}
		resp = append(resp, item)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) caller(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	id, ok := middleware.GetIdentityFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return id, ok
}

func (h *Handler) pathAddress(r *http.Request) (model.Identity, error) {
	return validation.ParseIdentity(chi.URLParam(r, "address"))
}

func (h *Handler) bodyAddress(r *http.Request) (model.Identity, error) {
	var req addressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return model.ZeroIdentity, err
	}
	return validation.ParseIdentity(req.Address)
}

func decodeAmount(w http.ResponseWriter, r *http.Request) (*uint256.Int, bool) {
	var req amountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return nil, false
	}

	amount, err := validation.ParseAmount(req.Amount.String())
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return nil, false
	}
	return amount, true
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("encode response error", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error, logMsg string, fields ...zap.Field) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(logMsg, append(fields, zap.Error(err))...)
	}
	http.Error(w, http.StatusText(status), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, rbac.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, loan.ErrAlreadyApproved), errors.Is(err, rbac.ErrAdminTarget):
		return http.StatusConflict
	case errors.Is(err, loan.ErrNoSuchRequest):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrTransferFailed):
		return http.StatusBadGateway
	case errors.Is(err, rbac.ErrInvalidIdentity),
		errors.Is(err, ledger.ErrInvalidIdentity),
		errors.Is(err, loan.ErrInvalidIdentity),
		errors.Is(err, loan.ErrInvalidAmount),
		errors.Is(err, validation.ErrInvalidAddress),
		errors.Is(err, validation.ErrInvalidAmount):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

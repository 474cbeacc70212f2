// Package loan реализует заявки на кредит и их одобрение менеджерами.
package loan

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/mmeshcher/finledger/internal/journal"
	"github.com/mmeshcher/finledger/internal/model"
	"github.com/mmeshcher/finledger/internal/rbac"
)

var (
	// ErrNoSuchRequest возвращается, если у заёмщика нет ожидающей одобрения заявки.
	ErrNoSuchRequest = errors.New("no pending loan request")
	// ErrAlreadyApproved возвращается для уже одобренной заявки и оборачивает ErrNoSuchRequest.
	ErrAlreadyApproved = fmt.Errorf("%w: already approved", ErrNoSuchRequest)
	// ErrInvalidAmount возвращается для нулевой суммы кредита.
	ErrInvalidAmount = errors.New("loan amount must be positive")
	// ErrInvalidIdentity возвращается для нулевого адреса.
	ErrInvalidIdentity = errors.New("invalid identity")
)

// Authorizer проверяет роль вызывающего и выполняет fn, пока роли не меняются.
type Authorizer interface {
	Guard(caller model.Identity, rule rbac.Rule, fn func() error) error
}

// Crediter зачисляет средства заёмщику, записывая переданное событие.
type Crediter interface {
	Credit(ctx context.Context, to model.Identity, amount *uint256.Int, ev *model.Event) error
}

// Book хранит последнюю заявку каждого заёмщика.
type Book struct {
	mu       sync.Mutex
	requests map[model.Identity]*model.LoanRequest
	auth     Authorizer
	ledger   Crediter
	journal  journal.Journal
}

// New создаёт книгу заявок. Одобрять заявки могут менеджеры auth, деньги зачисляются в ledger.
func New(auth Authorizer, ledger Crediter, j journal.Journal) *Book {
	if j == nil {
		j = journal.NewMemory()
	}
	return &Book{
		requests: make(map[model.Identity]*model.LoanRequest),
		auth:     auth,
		ledger:   ledger,
		journal:  j,
	}
}

// RequestLoan создаёт или заменяет заявку caller на сумму amount.
func (b *Book) RequestLoan(ctx context.Context, caller model.Identity, amount *uint256.Int) error {
	if caller == model.ZeroIdentity {
		return fmt.Errorf("%w: zero address", ErrInvalidIdentity)
	}
	if amount == nil || amount.IsZero() {
		return ErrInvalidAmount
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ev := model.NewEvent(model.EventLoanRequested, caller, caller, amount)
	if err := b.journal.Record(ctx, &ev, nil); err != nil {
		return fmt.Errorf("record loan request: %w", err)
	}

	b.requests[caller] = &model.LoanRequest{
		Borrower:    caller,
		Amount:      amount.Clone(),
		RequestedAt: ev.At,
	}
	return nil
}

// ApproveLoan одобряет заявку borrower и зачисляет сумму на его баланс.
// Одобрение и зачисление происходят вместе или не происходят вовсе.
func (b *Book) ApproveLoan(ctx context.Context, caller, borrower model.Identity) error {
	return b.auth.Guard(caller, rbac.ManagerOnly, func() error {
		b.mu.Lock()
		defer b.mu.Unlock()

		req, ok := b.requests[borrower]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNoSuchRequest, borrower.Hex())
		}
		if req.Approved {
			return fmt.Errorf("%w: %s", ErrAlreadyApproved, borrower.Hex())
		}

		ev := model.NewEvent(model.EventLoanApproved, caller, borrower, req.Amount)
		if err := b.ledger.Credit(ctx, borrower, req.Amount, &ev); err != nil {
			return fmt.Errorf("credit loan: %w", err)
		}

		req.Approved = true
		req.ApprovedAt = ev.At
		req.ApprovedBy = caller
		return nil
	})
}

// LoanRequest возвращает копию заявки borrower.
func (b *Book) LoanRequest(borrower model.Identity) (model.LoanRequest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, ok := b.requests[borrower]
	if !ok {
		return model.LoanRequest{}, false
	}
	return req.Clone(), true
}

// Apply восстанавливает заявки из события журнала.
func (b *Book) Apply(ev model.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch ev.Type {
	case model.EventLoanRequested:
		if ev.Amount == nil {
			return fmt.Errorf("%w: replay request without amount", ErrInvalidAmount)
		}
		b.requests[ev.Actor] = &model.LoanRequest{
			Borrower:    ev.Actor,
			Amount:      ev.Amount.Clone(),
			RequestedAt: ev.At,
		}
	case model.EventLoanApproved:
		req, ok := b.requests[ev.Target]
		if !ok {
			return fmt.Errorf("%w: replay approval for %s", ErrNoSuchRequest, ev.Target.Hex())
		}
		req.Approved = true
		req.ApprovedAt = ev.At
		req.ApprovedBy = ev.Actor
	}
	return nil
}

// Package service объединяет реестр ролей, книгу балансов и книгу кредитов
// поверх общего журнала событий.
package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/mmeshcher/finledger/internal/journal"
	"github.com/mmeshcher/finledger/internal/ledger"
	"github.com/mmeshcher/finledger/internal/loan"
	"github.com/mmeshcher/finledger/internal/metrics"
	"github.com/mmeshcher/finledger/internal/model"
	"github.com/mmeshcher/finledger/internal/rbac"
)

// Ограничения выдачи журнала.
const (
	DefaultEventsLimit = 100
	MaxEventsLimit     = 1000
)

// IdentityEvents реализуют журналы, умеющие искать события участника без полного чтения.
type IdentityEvents interface {
	EventsByIdentity(ctx context.Context, id model.Identity, limit int) ([]model.Event, error)
}

// Service содержит бизнес-логику сервиса finledger.
type Service struct {
	registry *rbac.Registry
	ledger   *ledger.Ledger
	book     *loan.Book
	journal  journal.Journal
	logger   *zap.Logger
	metrics  *metrics.Operations
}

// NewService создаёт сервис с администратором admin. Все компоненты пишут в журнал j.
// Transferer t выполняет внешний перевод при выводе средств и может быть nil.
func NewService(admin model.Identity, j journal.Journal, t ledger.Transferer, logger *zap.Logger, m *metrics.Operations) *Service {
	if j == nil {
		j = journal.NewMemory()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	registry := rbac.New(admin, j)
	l := ledger.New(j, t)

	return &Service{
		registry: registry,
		ledger:   l,
		book:     loan.New(registry, l, j),
		journal:  j,
		logger:   logger,
		metrics:  m,
	}
}

// Restore восстанавливает состояние из журнала. Пустой журнал закрепляется за администратором сервиса.
func (s *Service) Restore(ctx context.Context) error {
	n, err := journal.Replay(ctx, s.journal, s.registry, s.ledger, s.book)
	if err != nil {
		return fmt.Errorf("replay journal: %w", err)
	}

	if n == 0 {
		admin := s.registry.Admin()
		ev := model.NewEvent(model.EventInitialized, admin, admin, nil)
		if err := s.journal.Record(ctx, &ev, nil); err != nil {
			return fmt.Errorf("record initialization: %w", err)
		}
	}

	s.logger.Info("state restored from journal",
		zap.Int("events", n),
		zap.String("admin", s.registry.Admin().Hex()),
	)
	return nil
}

// Close закрывает журнал.
func (s *Service) Close() error {
	return s.journal.Close()
}

// AddManager назначает target менеджером.
func (s *Service) AddManager(ctx context.Context, caller, target model.Identity) error {
	err := s.registry.AddManager(ctx, caller, target)
	s.observe("add_manager", err, caller, zap.String("target", target.Hex()))
	return err
}

// RemoveManager снимает с target роль менеджера.
func (s *Service) RemoveManager(ctx context.Context, caller, target model.Identity) error {
	err := s.registry.RemoveManager(ctx, caller, target)
	s.observe("remove_manager", err, caller, zap.String("target", target.Hex()))
	return err
}

// AddRegularUser добавляет target в пользователи.
func (s *Service) AddRegularUser(ctx context.Context, caller, target model.Identity) error {
	err := s.registry.AddRegularUser(ctx, caller, target)
	s.observe("add_user", err, caller, zap.String("target", target.Hex()))
	return err
}

// RemoveRegularUser исключает target из пользователей.
func (s *Service) RemoveRegularUser(ctx context.Context, caller, target model.Identity) error {
	err := s.registry.RemoveRegularUser(ctx, caller, target)
	s.observe("remove_user", err, caller, zap.String("target", target.Hex()))
	return err
}

// CheckUserRole возвращает роль id.
func (s *Service) CheckUserRole(_ context.Context, id model.Identity) model.Role {
	return s.registry.CheckUserRole(id)
}

// Managers возвращает список менеджеров.
func (s *Service) Managers(context.Context) []model.Identity {
	return s.registry.Managers()
}

// RegularUsers возвращает список пользователей.
func (s *Service) RegularUsers(context.Context) []model.Identity {
	return s.registry.RegularUsers()
}

// Deposit пополняет баланс caller.
func (s *Service) Deposit(ctx context.Context, caller model.Identity, amount *uint256.Int) error {
	err := s.ledger.Deposit(ctx, caller, amount)
	s.observe("deposit", err, caller, amountField(amount))
	return err
}

// Withdraw списывает средства caller и переводит их наружу.
func (s *Service) Withdraw(ctx context.Context, caller model.Identity, amount *uint256.Int) error {
	err := s.ledger.Withdraw(ctx, caller, amount)
	s.observe("withdraw", err, caller, amountField(amount))
	return err
}

// Balance возвращает баланс id.
func (s *Service) Balance(_ context.Context, id model.Identity) *uint256.Int {
	return s.ledger.BalanceOf(id)
}

// RequestLoan создаёт или заменяет заявку caller.
func (s *Service) RequestLoan(ctx context.Context, caller model.Identity, amount *uint256.Int) error {
	err := s.book.RequestLoan(ctx, caller, amount)
	s.observe("request_loan", err, caller, amountField(amount))
	return err
}

// ApproveLoan одобряет заявку borrower и зачисляет сумму.
func (s *Service) ApproveLoan(ctx context.Context, caller, borrower model.Identity) error {
	err := s.book.ApproveLoan(ctx, caller, borrower)
	s.observe("approve_loan", err, caller, zap.String("borrower", borrower.Hex()))
	return err
}

// LoanRequest возвращает заявку borrower.
func (s *Service) LoanRequest(_ context.Context, borrower model.Identity) (model.LoanRequest, bool) {
	return s.book.LoanRequest(borrower)
}

// Events возвращает последние события с участием id, от новых к старым.
// Чужую историю видят только администратор и менеджеры.
func (s *Service) Events(ctx context.Context, caller, id model.Identity, limit int) ([]model.Event, error) {
	switch {
	case limit <= 0:
		limit = DefaultEventsLimit
	case limit > MaxEventsLimit:
		limit = MaxEventsLimit
	}

	var events []model.Event
	err := s.authorizeAudit(caller, id, func() error {
		var err error
		events, err = s.loadEvents(ctx, id, limit)
		return err
	})
	s.observe("events", err, caller, zap.String("target", id.Hex()))
	return events, err
}

func (s *Service) authorizeAudit(caller, id model.Identity, fn func() error) error {
	if caller == id {
		return fn()
	}
	return s.registry.Guard(caller, rbac.AdminOrManager, fn)
}

func (s *Service) loadEvents(ctx context.Context, id model.Identity, limit int) ([]model.Event, error) {
	if src, ok := s.journal.(IdentityEvents); ok {
		return src.EventsByIdentity(ctx, id, limit)
	}

	all, err := s.journal.Events(ctx)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	res := make([]model.Event, 0, min(limit, len(all)))
	for i := len(all) - 1; i >= 0 && len(res) < limit; i-- {
		if all[i].Involves(id) {
			res = append(res, all[i])
		}
	}
	return res, nil
}

func (s *Service) observe(operation string, err error, caller model.Identity, fields ...zap.Field) {
	outcome := outcomeOf(err)
	s.metrics.Observe(operation, outcome)

	fields = append(fields,
		zap.String("operation", operation),
		zap.String("caller", caller.Hex()),
		zap.String("outcome", outcome),
	)

	switch outcome {
	case metrics.OutcomeOK:
		s.logger.Info("operation completed", fields...)
	case metrics.OutcomeRejected:
		s.logger.Warn("operation rejected", append(fields, zap.Error(err))...)
	default:
		s.logger.Error("operation failed", append(fields, zap.Error(err))...)
	}
}

// outcomeOf отделяет отказы по бизнес-правилам от сбоев инфраструктуры.
func outcomeOf(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ledger.ErrTransferFailed):
		return metrics.OutcomeError
	case errors.Is(err, rbac.ErrUnauthorized),
		errors.Is(err, rbac.ErrAdminTarget),
		errors.Is(err, rbac.ErrInvalidIdentity),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrOverflow),
		errors.Is(err, ledger.ErrInvalidIdentity),
		errors.Is(err, loan.ErrNoSuchRequest),
		errors.Is(err, loan.ErrInvalidAmount),
		errors.Is(err, loan.ErrInvalidIdentity):
		return metrics.OutcomeRejected
	default:
		return metrics.OutcomeError
	}
}

func amountField(v *uint256.Int) zap.Field {
	if v == nil {
		return zap.String("amount", "0")
	}
	return zap.String("amount", v.Dec())
}

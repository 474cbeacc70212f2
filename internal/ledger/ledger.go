// Package ledger ведёт балансы участников и реализует пополнение и вывод средств.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/holiman/uint256"

	"github.com/mmeshcher/finledger/internal/journal"
	"github.com/mmeshcher/finledger/internal/model"
)

var (
	// ErrInsufficientBalance возвращается при попытке списать больше текущего баланса.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrOverflow возвращается, если баланс вышел бы за пределы uint256.
	ErrOverflow = errors.New("balance overflow")
	// ErrInvalidIdentity возвращается для нулевого адреса.
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrTransferFailed возвращается, если внешний перевод при выводе не состоялся.
	ErrTransferFailed = errors.New("outbound transfer failed")
)

// Transferer переводит выведенные средства за пределы системы.
type Transferer interface {
	Transfer(ctx context.Context, to model.Identity, amount *uint256.Int, reference string) error
}

type noTransfer struct{}

func (noTransfer) Transfer(context.Context, model.Identity, *uint256.Int, string) error { return nil }

// Ledger хранит баланс каждого участника. Все операции сериализуются.
type Ledger struct {
	mu         sync.Mutex
	balances   map[model.Identity]*uint256.Int
	journal    journal.Journal
	transferer Transferer
}

// New создаёт пустую книгу балансов.
func New(j journal.Journal, t Transferer) *Ledger {
	if j == nil {
		j = journal.NewMemory()
	}
	if t == nil {
		t = noTransfer{}
	}
	return &Ledger{
		balances:   make(map[model.Identity]*uint256.Int),
		journal:    j,
		transferer: t,
	}
}

// Deposit увеличивает баланс caller на amount. Нулевая сумма допустима.
func (l *Ledger) Deposit(ctx context.Context, caller model.Identity, amount *uint256.Int) error {
	if caller == model.ZeroIdentity {
		return fmt.Errorf("%w: zero address", ErrInvalidIdentity)
	}
	amount = orZero(amount)

	l.mu.Lock()
	defer l.mu.Unlock()

	next, overflow := new(uint256.Int).AddOverflow(l.balanceLocked(caller), amount)
	if overflow {
		return fmt.Errorf("%w: deposit of %s to %s", ErrOverflow, amount.Dec(), caller.Hex())
	}

	ev := model.NewEvent(model.EventDeposited, caller, caller, amount)
	if err := l.journal.Record(ctx, &ev, nil); err != nil {
		return fmt.Errorf("record deposit: %w", err)
	}

	l.balances[caller] = next
	return nil
}

// Withdraw списывает amount с баланса caller и переводит средства наружу.
// Если перевод не удался, баланс не меняется.
func (l *Ledger) Withdraw(ctx context.Context, caller model.Identity, amount *uint256.Int) error {
	if caller == model.ZeroIdentity {
		return fmt.Errorf("%w: zero address", ErrInvalidIdentity)
	}
	amount = orZero(amount)

	l.mu.Lock()
	defer l.mu.Unlock()

	current := l.balanceLocked(caller)
	if current.Lt(amount) {
		return fmt.Errorf("%w: %s has %s, requested %s", ErrInsufficientBalance, caller.Hex(), current.Dec(), amount.Dec())
	}
	next := new(uint256.Int).Sub(current, amount)

	ev := model.NewEvent(model.EventWithdrawn, caller, caller, amount)
	transfer := func(ctx context.Context) error {
		if err := l.transferer.Transfer(ctx, caller, amount, ev.ID.String()); err != nil {
			return fmt.Errorf("%w: %w", ErrTransferFailed, err)
		}
		return nil
	}
	if err := l.journal.Record(ctx, &ev, transfer); err != nil {
		return fmt.Errorf("record withdrawal: %w", err)
	}

	l.balances[caller] = next
	return nil
}

// Credit зачисляет amount на баланс to, записывая в журнал событие ev,
// которое сформировал вызывающий компонент.
func (l *Ledger) Credit(ctx context.Context, to model.Identity, amount *uint256.Int, ev *model.Event) error {
	if to == model.ZeroIdentity {
		return fmt.Errorf("%w: zero address", ErrInvalidIdentity)
	}
	amount = orZero(amount)

	l.mu.Lock()
	defer l.mu.Unlock()

	next, overflow := new(uint256.Int).AddOverflow(l.balanceLocked(to), amount)
	if overflow {
		return fmt.Errorf("%w: credit of %s to %s", ErrOverflow, amount.Dec(), to.Hex())
	}

	if err := l.journal.Record(ctx, ev, nil); err != nil {
		return fmt.Errorf("record %s: %w", ev.Type, err)
	}

	l.balances[to] = next
	return nil
}

// BalanceOf возвращает копию баланса id.
func (l *Ledger) BalanceOf(id model.Identity) *uint256.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balanceLocked(id).Clone()
}

func (l *Ledger) balanceLocked(id model.Identity) *uint256.Int {
	if b, ok := l.balances[id]; ok {
		return b
	}
	return new(uint256.Int)
}

// Apply восстанавливает балансы из события журнала.
func (l *Ledger) Apply(ev model.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	amount := orZero(ev.Amount)

	switch ev.Type {
	case model.EventDeposited, model.EventLoanApproved:
		next, overflow := new(uint256.Int).AddOverflow(l.balanceLocked(ev.Target), amount)
		if overflow {
			return fmt.Errorf("%w: replay credit to %s", ErrOverflow, ev.Target.Hex())
		}
		l.balances[ev.Target] = next
	case model.EventWithdrawn:
		current := l.balanceLocked(ev.Target)
		if current.Lt(amount) {
			return fmt.Errorf("%w: replay withdrawal from %s", ErrInsufficientBalance, ev.Target.Hex())
		}
		l.balances[ev.Target] = new(uint256.Int).Sub(current, amount)
	}
	return nil
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

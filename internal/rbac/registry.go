// Package rbac реализует трёхуровневую модель ролей: администратор, менеджеры и пользователи.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/mmeshcher/finledger/internal/journal"
	"github.com/mmeshcher/finledger/internal/model"
)

var (
	// ErrUnauthorized возвращается, если роль вызывающего не удовлетворяет правилу операции.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAdminTarget возвращается при попытке назначить администратору роль менеджера или пользователя.
	ErrAdminTarget = errors.New("admin cannot be assigned another role")
	// ErrInvalidIdentity возвращается для нулевого адреса.
	ErrInvalidIdentity = errors.New("invalid identity")
	// ErrAdminMismatch возвращается, если журнал создан другим администратором.
	ErrAdminMismatch = errors.New("journal belongs to another admin")
)

// Rule задаёт правило авторизации операции.
type Rule int

const (
	AdminOnly Rule = iota + 1
	AdminOrManager
	ManagerOnly
)

func (r Rule) String() string {
	switch r {
	case AdminOnly:
		return "admin"
	case AdminOrManager:
		return "admin or manager"
	case ManagerOnly:
		return "manager"
	default:
		return "unknown rule"
	}
}

type memberSet map[model.Identity]struct{}

// Registry хранит администратора и множества менеджеров и пользователей.
type Registry struct {
	mu           sync.RWMutex
	admin        model.Identity
	managers     memberSet
	regularUsers memberSet
	journal      journal.Journal
}

// New создаёт реестр, в котором creator навсегда становится администратором.
func New(creator model.Identity, j journal.Journal) *Registry {
	if j == nil {
		j = journal.NewMemory()
	}
	return &Registry{
		admin:        creator,
		managers:     make(memberSet),
		regularUsers: make(memberSet),
		journal:      j,
	}
}

// Admin возвращает администратора реестра.
func (r *Registry) Admin() model.Identity {
	return r.admin
}

// AddManager добавляет менеджера. Доступно только администратору.
func (r *Registry) AddManager(ctx context.Context, caller, target model.Identity) error {
	return r.mutate(ctx, AdminOnly, caller, target, r.managers, true, model.EventManagerAdded)
}

// RemoveManager удаляет менеджера. Доступно только администратору.
func (r *Registry) RemoveManager(ctx context.Context, caller, target model.Identity) error {
	return r.mutate(ctx, AdminOnly, caller, target, r.managers, false, model.EventManagerRemoved)
}

// AddRegularUser добавляет пользователя. Доступно администратору и менеджерам.
func (r *Registry) AddRegularUser(ctx context.Context, caller, target model.Identity) error {
	return r.mutate(ctx, AdminOrManager, caller, target, r.regularUsers, true, model.EventUserAdded)
}

// RemoveRegularUser удаляет пользователя. Доступно администратору и менеджерам.
func (r *Registry) RemoveRegularUser(ctx context.Context, caller, target model.Identity) error {
	return r.mutate(ctx, AdminOrManager, caller, target, r.regularUsers, false, model.EventUserRemoved)
}

func (r *Registry) mutate(ctx context.Context, rule Rule, caller, target model.Identity, set memberSet, add bool, typ model.EventType) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.authorizeLocked(rule, caller); err != nil {
		return err
	}
	if target == model.ZeroIdentity {
		return fmt.Errorf("%w: zero address", ErrInvalidIdentity)
	}
	if add && target == r.admin {
		return ErrAdminTarget
	}

	// Повторное добавление или удаление отсутствующего не меняет состояние.
	if _, present := set[target]; present == add {
		return nil
	}

	ev := model.NewEvent(typ, caller, target, nil)
	if err := r.journal.Record(ctx, &ev, nil); err != nil {
		return fmt.Errorf("record %s: %w", typ, err)
	}

	if add {
		set[target] = struct{}{}
	} else {
		delete(set, target)
	}
	return nil
}

// Guard проверяет правило для caller и выполняет fn под блокировкой чтения,
// так что состав ролей не меняется до завершения fn.
func (r *Registry) Guard(caller model.Identity, rule Rule, fn func() error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.authorizeLocked(rule, caller); err != nil {
		return err
	}
	return fn()
}

func (r *Registry) authorizeLocked(rule Rule, caller model.Identity) error {
	isAdmin := caller == r.admin
	_, isManager := r.managers[caller]

	var ok bool
	switch rule {
	case AdminOnly:
		ok = isAdmin
	case AdminOrManager:
		ok = isAdmin || isManager
	case ManagerOnly:
		ok = isManager
	}

	if !ok {
		return fmt.Errorf("%w: %s is not %s", ErrUnauthorized, caller.Hex(), rule)
	}
	return nil
}

// CheckUserRole возвращает роль с наибольшим приоритетом: Admin, Manager, User, Unknown.
func (r *Registry) CheckUserRole(id model.Identity) model.Role {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if id == r.admin {
		return model.RoleAdmin
	}
	if _, ok := r.managers[id]; ok {
		return model.RoleManager
	}
	if _, ok := r.regularUsers[id]; ok {
		return model.RoleUser
	}
	return model.RoleUnknown
}

// IsManager сообщает, входит ли id в множество менеджеров.
func (r *Registry) IsManager(id model.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.managers[id]
	return ok
}

// IsRegularUser сообщает, входит ли id в множество пользователей.
func (r *Registry) IsRegularUser(id model.Identity) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.regularUsers[id]
	return ok
}

// Managers возвращает отсортированный список менеджеров.
func (r *Registry) Managers() []model.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedMembers(r.managers)
}

// RegularUsers возвращает отсортированный список пользователей.
func (r *Registry) RegularUsers() []model.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedMembers(r.regularUsers)
}

func sortedMembers(set memberSet) []model.Identity {
	res := make([]model.Identity, 0, len(set))
	for id := range set {
		res = append(res, id)
	}
	slices.SortFunc(res, func(a, b model.Identity) int { return a.Cmp(b) })
	return res
}

// Apply восстанавливает состав ролей из события журнала без повторной записи.
func (r *Registry) Apply(ev model.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case model.EventInitialized:
		if ev.Actor != r.admin {
			return fmt.Errorf("%w: %s", ErrAdminMismatch, ev.Actor.Hex())
		}
	case model.EventManagerAdded:
		r.managers[ev.Target] = struct{}{}
	case model.EventManagerRemoved:
		delete(r.managers, ev.Target)
	case model.EventUserAdded:
		r.regularUsers[ev.Target] = struct{}{}
	case model.EventUserRemoved:
		delete(r.regularUsers, ev.Target)
	}
	return nil
}

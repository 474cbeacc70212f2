// Package model содержит доменные сущности сервиса finledger.
package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Identity задаёт адрес участника системы. Сравнивается по значению.
type Identity = common.Address

// ZeroIdentity не может выступать ни вызывающим, ни целью операции.
var ZeroIdentity Identity

// Role описывает уровень доступа участника.
type Role string

const (
	RoleAdmin   Role = "Admin"
	RoleManager Role = "Manager"
	RoleUser    Role = "User"
	RoleUnknown Role = "Unknown"
)

// LoanRequest описывает заявку заёмщика на кредит. У заёмщика не больше одной заявки.
type LoanRequest struct {
	Borrower    Identity
	Amount      *uint256.Int
	Approved    bool
	RequestedAt time.Time
	ApprovedAt  time.Time
	ApprovedBy  Identity
}

// Clone возвращает копию заявки, не разделяющую сумму с оригиналом.
func (r LoanRequest) Clone() LoanRequest {
	r.Amount = cloneAmount(r.Amount)
	return r
}

// EventType определяет тип записи журнала аудита.
type EventType string

const (
	EventInitialized    EventType = "rbac.initialized"
	EventManagerAdded   EventType = "rbac.manager_added"
	EventManagerRemoved EventType = "rbac.manager_removed"
	EventUserAdded      EventType = "rbac.user_added"
	EventUserRemoved    EventType = "rbac.user_removed"
	EventDeposited      EventType = "ledger.deposited"
	EventWithdrawn      EventType = "ledger.withdrawn"
	EventLoanRequested  EventType = "loan.requested"
	EventLoanApproved   EventType = "loan.approved"
)

// Event описывает запись журнала. Seq присваивается журналом при записи.
type Event struct {
	ID     uuid.UUID
	Seq    int64
	Type   EventType
	Actor  Identity
	Target Identity
	Amount *uint256.Int
	At     time.Time
}

// NewEvent создаёт событие с новым идентификатором и текущим временем.
func NewEvent(t EventType, actor, target Identity, amount *uint256.Int) Event {
	return Event{
		ID:     uuid.New(),
		Type:   t,
		Actor:  actor,
		Target: target,
		Amount: cloneAmount(amount),
		At:     time.Now().UTC(),
	}
}

// Clone возвращает копию события.
func (e Event) Clone() Event {
	e.Amount = cloneAmount(e.Amount)
	return e
}

// Involves сообщает, участвует ли id в событии как инициатор или цель.
func (e Event) Involves(id Identity) bool {
	return e.Actor == id || e.Target == id
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return nil
	}
	return v.Clone()
}

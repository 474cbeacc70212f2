// Package journal описывает журнал событий, через который проходит каждое изменение состояния.
package journal

import (
	"context"
	"fmt"
	"sync"

	"github.com/mmeshcher/finledger/internal/model"
)

// Effect выполняется в одной единице работы с записью события.
// Ошибка эффекта отменяет запись. Эффект не удерживает общую блокировку журнала,
// порядок эффектов одной сущности обеспечивает её собственная блокировка.
type Effect func(ctx context.Context) error

// Journal хранит упорядоченную историю событий.
type Journal interface {
	Record(ctx context.Context, ev *model.Event, effect Effect) error
	Events(ctx context.Context) ([]model.Event, error)
	Close() error
}

// Applier восстанавливает своё состояние из события журнала.
type Applier interface {
	Apply(ev model.Event) error
}

// Replay применяет всю историю журнала к appliers и возвращает число событий.
func Replay(ctx context.Context, j Journal, appliers ...Applier) (int, error) {
	events, err := j.Events(ctx)
	if err != nil {
		return 0, fmt.Errorf("load events: %w", err)
	}

	for _, ev := range events {
		for _, a := range appliers {
			if err := a.Apply(ev); err != nil {
				return 0, fmt.Errorf("apply event %d (%s): %w", ev.Seq, ev.Type, err)
			}
		}
	}

	return len(events), nil
}

// Memory хранит журнал в памяти процесса.
type Memory struct {
	mu     sync.Mutex
	events []model.Event
}

// NewMemory создаёт пустой журнал в памяти.
func NewMemory() *Memory {
	return &Memory{}
}

// Record выполняет эффект и затем добавляет событие в конец журнала.
func (m *Memory) Record(ctx context.Context, ev *model.Event, effect Effect) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if effect != nil {
		if err := effect(ctx); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ev.Seq = int64(len(m.events)) + 1
	m.events = append(m.events, ev.Clone())
	return nil
}

// Events возвращает копию истории.
func (m *Memory) Events(ctx context.Context) ([]model.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make([]model.Event, 0, len(m.events))
	for _, ev := range m.events {
		res = append(res, ev.Clone())
	}
	return res, nil
}

// Close ничего не делает.
func (m *Memory) Close() error { return nil }

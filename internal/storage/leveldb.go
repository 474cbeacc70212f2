// Package storage содержит файловый журнал событий на LevelDB для развёртывания на одном узле.
package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/mmeshcher/finledger/internal/journal"
	"github.com/mmeshcher/finledger/internal/model"
)

const eventKeyPrefix = "ev:"

type eventRecord struct {
	ID     uuid.UUID `json:"id"`
	Seq    int64     `json:"seq"`
	Type   string    `json:"type"`
	Actor  string    `json:"actor"`
	Target string    `json:"target"`
	Amount string    `json:"amount,omitempty"`
	At     time.Time `json:"at"`
}

// LevelDBJournal хранит события под ключами ev:<seq> в порядке записи.
type LevelDBJournal struct {
	mu  sync.Mutex
	db  *leveldb.DB
	seq int64
}

// OpenLevelDBJournal открывает (или создаёт) журнал в каталоге path.
func OpenLevelDBJournal(path string) (*LevelDBJournal, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("leveldb journal path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve leveldb journal path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb journal: %w", err)
	}

	j := &LevelDBJournal{db: db}
	if err := j.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *LevelDBJournal) loadSeq() error {
	iter := j.db.NewIterator(util.BytesPrefix([]byte(eventKeyPrefix)), nil)
	defer iter.Release()

	if iter.Last() {
		j.seq = seqFromKey(iter.Key())
	}
	return iter.Error()
}

// Close освобождает ресурсы LevelDB.
func (j *LevelDBJournal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record выполняет effect и синхронно записывает событие. При ошибке effect запись не создаётся.
func (j *LevelDBJournal) Record(ctx context.Context, ev *model.Event, effect journal.Effect) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if effect != nil {
		if err := effect(ctx); err != nil {
			return err
		}
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	next := j.seq + 1
	rec := eventRecord{
		ID:     ev.ID,
		Seq:    next,
		Type:   string(ev.Type),
		Actor:  ev.Actor.Hex(),
		Target: ev.Target.Hex(),
		At:     ev.At,
	}
	if ev.Amount != nil {
		rec.Amount = ev.Amount.Dec()
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	if err := j.db.Put(eventKey(next), payload, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("write event: %w", err)
	}

	j.seq = next
	ev.Seq = next
	return nil
}

// Events возвращает всю историю в порядке записи.
func (j *LevelDBJournal) Events(ctx context.Context) ([]model.Event, error) {
	iter := j.db.NewIterator(util.BytesPrefix([]byte(eventKeyPrefix)), nil)
	defer iter.Release()

	var res []model.Event
	for iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var rec eventRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", seqFromKey(iter.Key()), err)
		}

		ev := model.Event{
			ID:     rec.ID,
			Seq:    rec.Seq,
			Type:   model.EventType(rec.Type),
			Actor:  common.HexToAddress(rec.Actor),
			Target: common.HexToAddress(rec.Target),
			At:     rec.At,
		}
		if rec.Amount != "" {
			amount, err := uint256.FromDecimal(rec.Amount)
			if err != nil {
				return nil, fmt.Errorf("parse amount of event %d: %w", rec.Seq, err)
			}
			ev.Amount = amount
		}
		res = append(res, ev)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return res, nil
}

func eventKey(seq int64) []byte {
	key := make([]byte, len(eventKeyPrefix)+8)
	copy(key, eventKeyPrefix)
	binary.BigEndian.PutUint64(key[len(eventKeyPrefix):], uint64(seq))
	return key
}

func seqFromKey(key []byte) int64 {
	if len(key) != len(eventKeyPrefix)+8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(key[len(eventKeyPrefix):]))
}

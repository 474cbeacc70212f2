package journal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/finledger/internal/model"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
)

type countingApplier struct {
	seen []model.EventType
	fail model.EventType
}

func (c *countingApplier) Apply(ev model.Event) error {
	if ev.Type == c.fail {
		return errors.New("boom")
	}
	c.seen = append(c.seen, ev.Type)
	return nil
}

func TestMemoryRecordAssignsSequence(t *testing.T) {
	j := NewMemory()
	ctx := context.Background()

	first := model.NewEvent(model.EventDeposited, alice, alice, uint256.NewInt(10))
	second := model.NewEvent(model.EventManagerAdded, alice, bob, nil)

	require.NoError(t, j.Record(ctx, &first, nil))
	require.NoError(t, j.Record(ctx, &second, nil))

	assert.Equal(t, int64(1), first.Seq)
	assert.Equal(t, int64(2), second.Seq)

	events, err := j.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventDeposited, events[0].Type)
	assert.Equal(t, "10", events[0].Amount.Dec())
}

func TestMemoryRecordFailedEffectDropsEvent(t *testing.T) {
	j := NewMemory()
	ctx := context.Background()

	ev := model.NewEvent(model.EventWithdrawn, alice, alice, uint256.NewInt(5))
	err := j.Record(ctx, &ev, func(context.Context) error { return errors.New("transfer failed") })
	require.Error(t, err)

	events, err := j.Events(ctx)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestMemoryEventsAreCopies(t *testing.T) {
	j := NewMemory()
	ctx := context.Background()

	ev := model.NewEvent(model.EventDeposited, alice, alice, uint256.NewInt(7))
	require.NoError(t, j.Record(ctx, &ev, nil))

	events, err := j.Events(ctx)
	require.NoError(t, err)
	events[0].Amount.SetUint64(100)

	again, err := j.Events(ctx)
	require.NoError(t, err)
	assert.Equal(t, "7", again[0].Amount.Dec())
}

func TestReplay(t *testing.T) {
	j := NewMemory()
	ctx := context.Background()

	for _, typ := range []model.EventType{model.EventInitialized, model.EventManagerAdded, model.EventDeposited} {
		ev := model.NewEvent(typ, alice, bob, nil)
		require.NoError(t, j.Record(ctx, &ev, nil))
	}

	a := &countingApplier{}
	b := &countingApplier{}
	n, err := Replay(ctx, j, a, b)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Len(t, a.seen, 3)
	assert.Len(t, b.seen, 3)

	_, err = Replay(ctx, j, &countingApplier{fail: model.EventManagerAdded})
	require.Error(t, err)
}

func TestMemoryRecordCanceledContext(t *testing.T) {
	j := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ev := model.NewEvent(model.EventDeposited, alice, alice, uint256.NewInt(1))
	require.ErrorIs(t, j.Record(ctx, &ev, nil), context.Canceled)
}

func TestMemoryEffectDoesNotBlockOtherRecords(t *testing.T) {
	j := NewMemory()
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	slow := model.NewEvent(model.EventWithdrawn, alice, alice, uint256.NewInt(5))
	go func() {
		done <- j.Record(ctx, &slow, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	fast := model.NewEvent(model.EventManagerAdded, alice, bob, nil)
	recorded := make(chan error, 1)
	go func() { recorded <- j.Record(ctx, &fast, nil) }()

	select {
	case err := <-recorded:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("record waited for another event's effect")
	}
	assert.Equal(t, int64(1), fast.Seq)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, int64(2), slow.Seq)
}

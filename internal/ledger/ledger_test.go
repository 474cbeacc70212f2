package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/finledger/internal/journal"
	"github.com/mmeshcher/finledger/internal/model"
)

var (
	alice = common.HexToAddress("0xa11ce00000000000000000000000000000000001")
	bob   = common.HexToAddress("0xb0b0000000000000000000000000000000000002")
)

type stubTransferer struct {
	err   error
	calls int
	to    model.Identity
	sum   string
}

func (s *stubTransferer) Transfer(ctx context.Context, to model.Identity, amount *uint256.Int, reference string) error {
	s.calls++
	s.to = to
	s.sum = amount.Dec()
	return s.err
}

func maxUint256() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}

func TestDepositUpdatesBalance(t *testing.T) {
	l := New(nil, nil)

	require.NoError(t, l.Deposit(context.Background(), alice, uint256.NewInt(1000)))
	assert.Equal(t, "1000", l.BalanceOf(alice).Dec())
	assert.True(t, l.BalanceOf(bob).IsZero())
}

func TestDepositZeroIsAllowed(t *testing.T) {
	l := New(nil, nil)

	require.NoError(t, l.Deposit(context.Background(), alice, uint256.NewInt(0)))
	assert.True(t, l.BalanceOf(alice).IsZero())
}

func TestDepositOverflow(t *testing.T) {
	ctx := context.Background()
	l := New(nil, nil)

	require.NoError(t, l.Deposit(ctx, alice, maxUint256()))
	err := l.Deposit(ctx, alice, uint256.NewInt(1))
	require.ErrorIs(t, err, ErrOverflow)
	assert.Equal(t, maxUint256().Dec(), l.BalanceOf(alice).Dec())
}

func TestWithdrawRoundTrip(t *testing.T) {
	ctx := context.Background()
	tr := &stubTransferer{}
	l := New(nil, tr)

	require.NoError(t, l.Deposit(ctx, alice, uint256.NewInt(2000)))
	require.NoError(t, l.Withdraw(ctx, alice, uint256.NewInt(1000)))

	assert.Equal(t, "1000", l.BalanceOf(alice).Dec())
	assert.Equal(t, 1, tr.calls)
	assert.Equal(t, alice, tr.to)
	assert.Equal(t, "1000", tr.sum)
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	ctx := context.Background()
	tr := &stubTransferer{}
	l := New(nil, tr)

	err := l.Withdraw(ctx, alice, uint256.NewInt(2000))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	require.NoError(t, l.Deposit(ctx, alice, uint256.NewInt(500)))
	err = l.Withdraw(ctx, alice, uint256.NewInt(501))
	require.ErrorIs(t, err, ErrInsufficientBalance)

	assert.Equal(t, "500", l.BalanceOf(alice).Dec())
	assert.Zero(t, tr.calls)
}

func TestWithdrawFailedTransferKeepsBalance(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	tr := &stubTransferer{err: errors.New("bank offline")}
	l := New(j, tr)

	require.NoError(t, l.Deposit(ctx, alice, uint256.NewInt(300)))

	err := l.Withdraw(ctx, alice, uint256.NewInt(100))
	require.ErrorIs(t, err, ErrTransferFailed)
	assert.Equal(t, "300", l.BalanceOf(alice).Dec())

	events, err := j.Events(ctx)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventDeposited, events[0].Type)
}

func TestWithdrawWholeBalance(t *testing.T) {
	ctx := context.Background()
	l := New(nil, nil)

	require.NoError(t, l.Deposit(ctx, alice, uint256.NewInt(42)))
	require.NoError(t, l.Withdraw(ctx, alice, uint256.NewInt(42)))
	assert.True(t, l.BalanceOf(alice).IsZero())
}

func TestCreditRecordsSuppliedEvent(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	l := New(j, nil)

	ev := model.NewEvent(model.EventLoanApproved, bob, alice, uint256.NewInt(1000))
	require.NoError(t, l.Credit(ctx, alice, uint256.NewInt(1000), &ev))

	assert.Equal(t, "1000", l.BalanceOf(alice).Dec())
	assert.Equal(t, int64(1), ev.Seq)
}

func TestCreditOverflowDoesNotRecord(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	l := New(j, nil)
	require.NoError(t, l.Deposit(ctx, alice, maxUint256()))

	ev := model.NewEvent(model.EventLoanApproved, bob, alice, uint256.NewInt(1))
	require.ErrorIs(t, l.Credit(ctx, alice, uint256.NewInt(1), &ev), ErrOverflow)

	events, err := j.Events(ctx)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestBalanceOfReturnsCopy(t *testing.T) {
	l := New(nil, nil)
	require.NoError(t, l.Deposit(context.Background(), alice, uint256.NewInt(5)))

	b := l.BalanceOf(alice)
	b.SetUint64(999)
	assert.Equal(t, "5", l.BalanceOf(alice).Dec())
}

func TestZeroIdentityRejected(t *testing.T) {
	l := New(nil, nil)
	require.ErrorIs(t, l.Deposit(context.Background(), model.ZeroIdentity, uint256.NewInt(1)), ErrInvalidIdentity)
}

func TestApplyReplaysBalances(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemory()
	src := New(j, nil)

	require.NoError(t, src.Deposit(ctx, alice, uint256.NewInt(700)))
	require.NoError(t, src.Withdraw(ctx, alice, uint256.NewInt(200)))
	ev := model.NewEvent(model.EventLoanApproved, alice, bob, uint256.NewInt(50))
	require.NoError(t, src.Credit(ctx, bob, uint256.NewInt(50), &ev))

	dst := New(nil, nil)
	_, err := journal.Replay(ctx, j, dst)
	require.NoError(t, err)

	assert.Equal(t, "500", dst.BalanceOf(alice).Dec())
	assert.Equal(t, "50", dst.BalanceOf(bob).Dec())
}

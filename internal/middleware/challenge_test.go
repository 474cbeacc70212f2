package middleware

import (
	"crypto/ecdsa"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/finledger/internal/model"
)

func newKey(t *testing.T) (*ecdsa.PrivateKey, model.Identity) {
	t.Helper()

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

// personalSign подписывает сообщение так же, как это делает кошелёк (v = 27/28).
func personalSign(t *testing.T, key *ecdsa.PrivateKey, msg string) string {
	t.Helper()

	sig, err := crypto.Sign(PersonalMessageHash([]byte(msg)), key)
	require.NoError(t, err)
	sig[crypto.RecoveryIDOffset] += 27

	return hexutil.Encode(sig)
}

func TestChallengeStoreVerify(t *testing.T) {
	key, addr := newKey(t)

	store := NewChallengeStore(time.Minute)
	nonce, msg := store.Issue(addr)
	assert.Contains(t, msg, addr.Hex())
	assert.Contains(t, msg, nonce)

	sig := personalSign(t, key, msg)
	require.NoError(t, store.Verify(nonce, addr, sig))

	err := store.Verify(nonce, addr, sig)
	require.ErrorIs(t, err, ErrChallengeNotFound, "a challenge must not be usable twice")
}

func TestChallengeStoreRejectsOtherSigner(t *testing.T) {
	_, addr := newKey(t)
	other, _ := newKey(t)

	store := NewChallengeStore(time.Minute)
	nonce, msg := store.Issue(addr)

	err := store.Verify(nonce, addr, personalSign(t, other, msg))
	require.ErrorIs(t, err, ErrSignatureMismatch)
}

func TestChallengeStoreNonceBoundToAddress(t *testing.T) {
	key, addr := newKey(t)
	_, other := newKey(t)

	store := NewChallengeStore(time.Minute)
	nonce, msg := store.Issue(other)

	err := store.Verify(nonce, addr, personalSign(t, key, msg))
	require.ErrorIs(t, err, ErrChallengeNotFound)
}

func TestChallengeStoreFailedAttemptKeepsChallenge(t *testing.T) {
	key, addr := newKey(t)
	stranger, _ := newKey(t)

	store := NewChallengeStore(time.Minute)
	nonce, msg := store.Issue(addr)

	require.ErrorIs(t, store.Verify(nonce, addr, "0x00"), ErrMalformedSignature)
	require.ErrorIs(t, store.Verify(nonce, addr, personalSign(t, stranger, msg)), ErrSignatureMismatch)

	require.NoError(t, store.Verify(nonce, addr, personalSign(t, key, msg)))
}

func TestChallengeStoreReissueKeepsEarlierChallenge(t *testing.T) {
	key, addr := newKey(t)

	store := NewChallengeStore(time.Minute)
	nonce, msg := store.Issue(addr)

	otherNonce, _ := store.Issue(addr)
	require.NotEqual(t, nonce, otherNonce)

	require.NoError(t, store.Verify(nonce, addr, personalSign(t, key, msg)))
}

func TestChallengeStoreExpired(t *testing.T) {
	key, addr := newKey(t)

	now := time.Now()
	store := NewChallengeStore(time.Minute)
	store.now = func() time.Time { return now }
	nonce, msg := store.Issue(addr)

	store.now = func() time.Time { return now.Add(2 * time.Minute) }
	err := store.Verify(nonce, addr, personalSign(t, key, msg))
	require.ErrorIs(t, err, ErrChallengeNotFound)
	assert.Empty(t, store.pending)
}

func TestChallengeStoreMalformedSignature(t *testing.T) {
	_, addr := newKey(t)

	tests := []struct {
		name string
		sig  string
	}{
		{name: "not hex", sig: "0xnothex"},
		{name: "too short", sig: "0x1234"},
		{name: "empty", sig: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewChallengeStore(time.Minute)
			nonce, _ := store.Issue(addr)

			err := store.Verify(nonce, addr, tt.sig)
			if !errors.Is(err, ErrMalformedSignature) {
				t.Fatalf("Verify(%q) error = %v, want ErrMalformedSignature", tt.sig, err)
			}
		})
	}
}

func TestChallengeStoreAcceptsRawRecoveryID(t *testing.T) {
	key, addr := newKey(t)

	store := NewChallengeStore(0)
	nonce, msg := store.Issue(addr)

	sig, err := crypto.Sign(PersonalMessageHash([]byte(msg)), key)
	require.NoError(t, err)

	require.NoError(t, store.Verify(nonce, addr, hexutil.Encode(sig)[2:]))
}

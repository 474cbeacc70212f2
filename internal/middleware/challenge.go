package middleware

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"

	"github.com/mmeshcher/finledger/internal/model"
)

const challengeTTL = 5 * time.Minute

var (
	// ErrChallengeNotFound возвращается, если вызов с таким nonce не выдавался адресу, истёк или уже использован.
	ErrChallengeNotFound = errors.New("challenge not found or expired")
	// ErrMalformedSignature возвращается для подписи не из 65 байт в hex.
	ErrMalformedSignature = errors.New("malformed signature")
	// ErrSignatureMismatch возвращается, если подпись сделана другим ключом.
	ErrSignatureMismatch = errors.New("signature does not match address")
)

type challenge struct {
	id      model.Identity
	message string
	expires time.Time
}

// ChallengeStore выдаёт одноразовые сообщения для входа по подписи.
// Вызовы адресуются по nonce, у одного адреса может быть несколько действующих вызовов.
type ChallengeStore struct {
	mu      sync.Mutex
	pending map[string]challenge
	ttl     time.Duration
	now     func() time.Time
}

// NewChallengeStore создаёт хранилище вызовов со сроком жизни ttl.
func NewChallengeStore(ttl time.Duration) *ChallengeStore {
	if ttl <= 0 {
		ttl = challengeTTL
	}
	return &ChallengeStore{
		pending: make(map[string]challenge),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Issue выдаёт новый вызов для id и возвращает его nonce и текст для подписи.
func (s *ChallengeStore) Issue(id model.Identity) (nonce, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, c := range s.pending {
		if now.After(c.expires) {
			delete(s.pending, key)
		}
	}

	nonce = uuid.NewString()
	message = fmt.Sprintf("finledger login\naddress: %s\nnonce: %s", id.Hex(), nonce)
	s.pending[nonce] = challenge{id: id, message: message, expires: now.Add(s.ttl)}
	return nonce, message
}

// Verify проверяет личную подпись (EIP-191) вызова nonce, выданного для id.
// Вызов гасится только после успешной проверки подписи.
func (s *ChallengeStore) Verify(nonce string, id model.Identity, signature string) error {
	c, ok := s.lookup(nonce)
	if !ok || c.id != id {
		return ErrChallengeNotFound
	}

	if !strings.HasPrefix(signature, "0x") {
		signature = "0x" + signature
	}
	sig, err := hexutil.Decode(signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		return ErrMalformedSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(PersonalMessageHash([]byte(c.message)), sig)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedSignature, err)
	}
	if crypto.PubkeyToAddress(*pub) != id {
		return ErrSignatureMismatch
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pending[nonce]; !ok {
		return ErrChallengeNotFound
	}
	delete(s.pending, nonce)
	return nil
}

func (s *ChallengeStore) lookup(nonce string) (challenge, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.pending[nonce]
	if !ok {
		return challenge{}, false
	}
	if s.now().After(c.expires) {
		delete(s.pending, nonce)
		return challenge{}, false
	}
	return c, true
}

// PersonalMessageHash возвращает хэш сообщения с префиксом личной подписи кошелька (EIP-191).
func PersonalMessageHash(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

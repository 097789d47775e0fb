package access

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/blake2b"

	"lanshare/storage"
)

const (
	// DefaultCodeTTL applies when Issue is called with a non-positive TTL.
	DefaultCodeTTL = 24 * time.Hour
	// codeBytes is the entropy behind each generated code.
	codeBytes = 10
)

var (
	// ErrCodeUnknown indicates the presented code was never issued or was revoked.
	ErrCodeUnknown = errors.New("access: code unknown")
	// ErrCodeExpired indicates the code's TTL has elapsed.
	ErrCodeExpired = errors.New("access: code expired")
	// ErrCodeAlreadyUsed indicates a single-use code was already redeemed.
	ErrCodeAlreadyUsed = errors.New("access: code already used")
	// ErrSubLanMismatch indicates the presenting peer declared the wrong sub-network.
	ErrSubLanMismatch = errors.New("access: sub-lan mismatch")
	// ErrAdminRequired indicates the issuer lacks the admin role.
	ErrAdminRequired = errors.New("access: admin role required")
)

var codeEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// CodeStore persists issued codes so they survive a restart until they
// naturally expire. *storage.Store satisfies it.
type CodeStore interface {
	SaveAccessCode(code storage.AccessCode) error
	MarkCodeConsumed(codeHash string) error
	DeleteAccessCode(codeHash string) error
	ListAccessCodes() ([]storage.AccessCode, error)
}

// LedgerOptions configures a Ledger.
type LedgerOptions struct {
	Store  CodeStore
	Logger zerolog.Logger

	// Now overrides the clock; nil means time.Now.
	Now func() time.Time
}

type codeState struct {
	role      Role
	subLan    string
	expiresAt time.Time
	reusable  bool
	consumed  bool
}

// Ledger issues, validates, and expires access codes. All mutation is
// serialized behind one mutex; the check-and-consume step for single-use
// codes is a single atomic operation under that lock.
type Ledger struct {
	store  CodeStore
	logger zerolog.Logger
	now    func() time.Time

	mu    sync.Mutex
	codes map[string]*codeState
}

// NewLedger loads persisted codes, prunes the already-expired ones, and
// returns a ready ledger.
func NewLedger(options LedgerOptions) (*Ledger, error) {
	if options.Store == nil {
		return nil, errors.New("store is required")
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}

	ledger := &Ledger{
		store:  options.Store,
		logger: options.Logger,
		now:    now,
		codes:  make(map[string]*codeState),
	}

	persisted, err := options.Store.ListAccessCodes()
	if err != nil {
		return nil, fmt.Errorf("load access codes: %w", err)
	}
	for _, record := range persisted {
		expiresAt := time.UnixMilli(record.ExpiresAt)
		if !expiresAt.After(now()) {
			_ = options.Store.DeleteAccessCode(record.CodeHash)
			continue
		}
		role, err := ParseRole(record.Role)
		if err != nil {
			_ = options.Store.DeleteAccessCode(record.CodeHash)
			continue
		}
		ledger.codes[record.CodeHash] = &codeState{
			role:      role,
			subLan:    record.SubLan,
			expiresAt: expiresAt,
			reusable:  record.Reusable,
			consumed:  record.Consumed,
		}
	}

	return ledger, nil
}

// Empty reports whether the ledger holds no codes, which only happens before
// the local node has issued its bootstrap code.
func (l *Ledger) Empty() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.codes) == 0
}

// Issue creates a new access code bound to a role, an optional sub-network,
// a TTL, and a reuse policy. The issuer must hold the admin role; the
// bootstrapping local node issues its first code with implicit admin.
func (l *Ledger) Issue(issuer Role, role Role, subLan string, ttl time.Duration, reusable bool) (string, error) {
	if !issuer.Satisfies(RoleAdmin) {
		return "", ErrAdminRequired
	}
	if ttl <= 0 {
		ttl = DefaultCodeTTL
	}

	code, err := generateCode()
	if err != nil {
		return "", err
	}
	hash := HashCode(code)
	expiresAt := l.now().Add(ttl)

	l.mu.Lock()
	defer l.mu.Unlock()

	l.codes[hash] = &codeState{
		role:      role,
		subLan:    subLan,
		expiresAt: expiresAt,
		reusable:  reusable,
	}
	if err := l.store.SaveAccessCode(storage.AccessCode{
		CodeHash:  hash,
		Role:      role.String(),
		SubLan:    subLan,
		ExpiresAt: expiresAt.UnixMilli(),
		Reusable:  reusable,
		CreatedAt: l.now().UnixMilli(),
	}); err != nil {
		delete(l.codes, hash)
		return "", fmt.Errorf("persist access code: %w", err)
	}

	l.logger.Info().
		Str("role", role.String()).
		Str("sublan", subLan).
		Bool("reusable", reusable).
		Time("expires_at", expiresAt).
		Msg("access code issued")

	return code, nil
}

// Redeem validates a presented code against expiry, sub-network membership,
// and reuse policy. On success a single-use code is marked consumed in the
// same critical section; concurrent redemptions see exactly one winner.
func (l *Ledger) Redeem(code, peerDeviceID, declaredSubLan string) (Role, error) {
	hash := HashCode(code)

	l.mu.Lock()
	defer l.mu.Unlock()

	state, ok := l.codes[hash]
	if !ok {
		return RoleVisitor, ErrCodeUnknown
	}
	if !state.expiresAt.After(l.now()) {
		return RoleVisitor, ErrCodeExpired
	}
	if state.subLan != "" && state.subLan != declaredSubLan {
		return RoleVisitor, ErrSubLanMismatch
	}
	if state.consumed {
		return RoleVisitor, ErrCodeAlreadyUsed
	}

	if !state.reusable {
		state.consumed = true
		if err := l.store.MarkCodeConsumed(hash); err != nil {
			state.consumed = false
			return RoleVisitor, fmt.Errorf("persist code consumption: %w", err)
		}
	}

	l.logger.Info().
		Str("peer", peerDeviceID).
		Str("role", state.role.String()).
		Str("sublan", declaredSubLan).
		Msg("access code redeemed")

	return state.role, nil
}

// Revoke immediately invalidates a code regardless of remaining uses.
func (l *Ledger) Revoke(code string) error {
	hash := HashCode(code)

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.codes[hash]; !ok {
		return ErrCodeUnknown
	}
	delete(l.codes, hash)
	if err := l.store.DeleteAccessCode(hash); err != nil {
		return fmt.Errorf("delete access code: %w", err)
	}

	l.logger.Info().Msg("access code revoked")
	return nil
}

// PruneExpired drops codes whose expiry has passed. Redeem rejects expired
// codes regardless, so pruning is housekeeping only.
func (l *Ledger) PruneExpired() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	pruned := 0
	for hash, state := range l.codes {
		if state.expiresAt.After(now) {
			continue
		}
		delete(l.codes, hash)
		_ = l.store.DeleteAccessCode(hash)
		pruned++
	}
	return pruned
}

// HashCode returns the hex blake2b-256 digest under which a code is stored.
// Codes never touch disk in the clear.
func HashCode(code string) string {
	sum := blake2b.Sum256([]byte(strings.TrimSpace(code)))
	return hex.EncodeToString(sum[:])
}

func generateCode() (string, error) {
	raw := make([]byte, codeBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate access code: %w", err)
	}
	return codeEncoding.EncodeToString(raw), nil
}

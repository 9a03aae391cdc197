package identity

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lh6104/supply-chain-blockchain/pkg/apperr"
	"github.com/lh6104/supply-chain-blockchain/pkg/ethsig"
)

// Service implements the challenge-response authentication flows on top of a
// Store. Verification failures never mutate state; a stored nonce survives a
// bad signature and is rotated only on success.
type Service struct {
	store      Store
	sessionTTL time.Duration
	now        func() time.Time
}

func NewService(store Store, sessionTTL time.Duration) *Service {
	return &Service{store: store, sessionTTL: sessionTTL, now: time.Now}
}

// LoginResult is what a successful CompleteLink returns: the account, plus a
// freshly minted bearer token (shown once, stored hashed).
type LoginResult struct {
	User         User
	SessionToken string
	ExpiresAt    time.Time
}

func newNonce() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func normalize(address string) (string, error) {
	parsed, err := ethsig.ParseAddress(address)
	if err != nil {
		return "", apperr.Validation("BAD_ADDRESS", "invalid wallet address %q", address)
	}
	return parsed.Hex(), nil
}

// RequestChallenge returns the challenge string for address, creating the
// identity on first sight with address as its primary wallet. An existing
// identity keeps its current nonce, so an unanswered challenge stays usable.
func (s *Service) RequestChallenge(ctx context.Context, address, action string) (string, error) {
	addr, err := normalize(address)
	if err != nil {
		return "", err
	}
	if action == "" {
		action = DefaultAction
	}

	u, err := s.store.GetUserByWallet(ctx, addr)
	switch {
	case err == nil:
		if u.Nonce == "" || u.NonceAction != action {
			u.Nonce = newNonce()
			if err := s.store.SetChallenge(ctx, u.UserID, u.Nonce, action); err != nil {
				return "", err
			}
		}
		return ChallengeMessage(action, u.Nonce), nil
	case apperr.IsKind(err, apperr.KindNotFound):
		now := s.now().UTC()
		u = User{
			UserID:        "usr_" + uuid.NewString(),
			PrimaryWallet: addr,
			Wallets: []LinkedWallet{{
				Address: addr, IsPrimary: true, AddedAt: now,
			}},
			Nonce:       newNonce(),
			NonceAction: action,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.store.CreateUser(ctx, u); err != nil {
			// Lost a race to a concurrent first challenge; reuse the winner.
			if apperr.IsKind(err, apperr.KindConflict) {
				return s.RequestChallenge(ctx, address, action)
			}
			return "", err
		}
		return ChallengeMessage(action, u.Nonce), nil
	default:
		return "", err
	}
}

// CompleteLink verifies a signature over the previously issued challenge. The
// message is recomputed from the stored nonce, so signing a stale or foreign
// challenge fails; the signer must recover to address itself. Success rotates
// the nonce and mints a session.
func (s *Service) CompleteLink(ctx context.Context, address, signature, message string, profile Profile) (LoginResult, error) {
	addr, err := normalize(address)
	if err != nil {
		return LoginResult{}, err
	}
	u, err := s.store.GetUserByWallet(ctx, addr)
	if err != nil {
		return LoginResult{}, err
	}
	if u.Nonce == "" {
		return LoginResult{}, apperr.Signature("NO_CHALLENGE", "no pending challenge for wallet %s", addr)
	}
	action := u.NonceAction
	if action == "" {
		action = DefaultAction
	}
	if message != ChallengeMessage(action, u.Nonce) {
		return LoginResult{}, apperr.Signature("STALE_CHALLENGE", "message does not match the pending challenge")
	}
	if err := ethsig.VerifyPersonal(addr, message, signature); err != nil {
		return LoginResult{}, signatureError(err)
	}

	now := s.now().UTC()
	u, err = s.store.CompleteLogin(ctx, u.UserID, newNonce(), now, profile)
	if err != nil {
		return LoginResult{}, err
	}

	token := "wal_live_" + randomToken()
	expiresAt := now.Add(s.sessionTTL)
	if err := s.store.CreateSession(ctx, Session{
		TokenHash: hashToken(token),
		UserID:    u.UserID,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}); err != nil {
		return LoginResult{}, err
	}
	return LoginResult{User: u, SessionToken: token, ExpiresAt: expiresAt}, nil
}

// AddSecondaryWallet links newAddress to the account. Ownership must be
// proven by the wallet being added: the signature over the fixed link message
// has to recover to newAddress, not to any wallet the account already holds.
func (s *Service) AddSecondaryWallet(ctx context.Context, userID, newAddress, signature, provider string) (User, error) {
	addr, err := normalize(newAddress)
	if err != nil {
		return User{}, err
	}
	if _, err := s.store.GetUser(ctx, userID); err != nil {
		return User{}, err
	}
	if err := ethsig.VerifyPersonal(addr, SecondaryLinkMessage(addr), signature); err != nil {
		return User{}, signatureError(err)
	}
	return s.store.AddWallet(ctx, userID, LinkedWallet{
		Address:  addr,
		Provider: provider,
		AddedAt:  s.now().UTC(),
	})
}

// RemoveWallet unlinks address from the account. The current primary cannot
// be removed; reassign it first via SetPrimaryWallet.
func (s *Service) RemoveWallet(ctx context.Context, userID, address string) (User, error) {
	addr, err := normalize(address)
	if err != nil {
		return User{}, err
	}
	return s.store.RemoveWallet(ctx, userID, addr)
}

func (s *Service) SetPrimaryWallet(ctx context.Context, userID, address string) (User, error) {
	addr, err := normalize(address)
	if err != nil {
		return User{}, err
	}
	return s.store.SetPrimary(ctx, userID, addr)
}

func (s *Service) GetUser(ctx context.Context, userID string) (User, error) {
	return s.store.GetUser(ctx, userID)
}

func (s *Service) GetUserByWallet(ctx context.Context, address string) (User, error) {
	addr, err := normalize(address)
	if err != nil {
		return User{}, err
	}
	return s.store.GetUserByWallet(ctx, addr)
}

// Authenticate resolves a bearer token to the acting account.
func (s *Service) Authenticate(ctx context.Context, token string) (User, error) {
	if token == "" {
		return User{}, apperr.Authorization("UNAUTHORIZED", "bearer token required")
	}
	sess, err := s.store.GetSession(ctx, hashToken(token))
	if err != nil {
		return User{}, apperr.Authorization("UNAUTHORIZED", "invalid session")
	}
	if !sess.ExpiresAt.After(s.now().UTC()) {
		return User{}, apperr.Authorization("UNAUTHORIZED", "session expired")
	}
	return s.store.GetUser(ctx, sess.UserID)
}

func signatureError(err error) error {
	switch {
	case errors.Is(err, ethsig.ErrAddressMismatch):
		return apperr.Signature("BAD_SIGNATURE", "signature does not recover to the claimed wallet")
	case errors.Is(err, ethsig.ErrInvalidAddress):
		return apperr.Validation("BAD_ADDRESS", "invalid wallet address")
	default:
		return apperr.Signature("BAD_SIGNATURE", "malformed signature")
	}
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

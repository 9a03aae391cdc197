package identity

import (
	"context"
	"sync"
	"time"

	"github.com/lh6104/supply-chain-blockchain/pkg/apperr"
)

// MemStore keeps all identity state behind one mutex. The user map owns the
// data; the wallet index is derived and updated in the same critical section
// as the user mutation it reflects.
type MemStore struct {
	mu          sync.Mutex
	users       map[string]*User
	walletIndex map[string]string
	sessions    map[string]Session
}

func NewMemStore() *MemStore {
	return &MemStore{
		users:       make(map[string]*User),
		walletIndex: make(map[string]string),
		sessions:    make(map[string]Session),
	}
}

func cloneUser(u *User) User {
	out := *u
	out.Wallets = make([]LinkedWallet, len(u.Wallets))
	copy(out.Wallets, u.Wallets)
	return out
}

func (s *MemStore) CreateUser(ctx context.Context, u User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.UserID]; ok {
		return apperr.Conflict("DUPLICATE_USER", "user %s already exists", u.UserID)
	}
	if holder, taken := s.walletIndex[u.PrimaryWallet]; taken {
		return apperr.Conflict("WALLET_TAKEN", "wallet %s already belongs to account %s", u.PrimaryWallet, holder)
	}
	stored := cloneUser(&u)
	s.users[u.UserID] = &stored
	s.walletIndex[u.PrimaryWallet] = u.UserID
	return nil
}

func (s *MemStore) GetUser(ctx context.Context, userID string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, apperr.NotFound("USER_NOT_FOUND", "user %s does not exist", userID)
	}
	return cloneUser(u), nil
}

func (s *MemStore) GetUserByWallet(ctx context.Context, address string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	userID, ok := s.walletIndex[address]
	if !ok {
		return User{}, apperr.NotFound("USER_NOT_FOUND", "no account is linked to wallet %s", address)
	}
	return cloneUser(s.users[userID]), nil
}

func (s *MemStore) SetChallenge(ctx context.Context, userID, nonce, action string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return apperr.NotFound("USER_NOT_FOUND", "user %s does not exist", userID)
	}
	u.Nonce = nonce
	u.NonceAction = action
	u.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemStore) CompleteLogin(ctx context.Context, userID, newNonce string, at time.Time, profile Profile) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, apperr.NotFound("USER_NOT_FOUND", "user %s does not exist", userID)
	}
	u.Nonce = newNonce
	loginAt := at
	u.LastLoginAt = &loginAt
	if profile.DisplayName != "" {
		u.Profile.DisplayName = profile.DisplayName
	}
	if profile.Email != "" {
		u.Profile.Email = profile.Email
	}
	u.UpdatedAt = at
	return cloneUser(u), nil
}

func (s *MemStore) AddWallet(ctx context.Context, userID string, w LinkedWallet) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, apperr.NotFound("USER_NOT_FOUND", "user %s does not exist", userID)
	}
	if holder, taken := s.walletIndex[w.Address]; taken {
		return User{}, apperr.Conflict("WALLET_TAKEN", "wallet %s already belongs to account %s", w.Address, holder)
	}
	w.IsPrimary = false
	u.Wallets = append(u.Wallets, w)
	u.UpdatedAt = time.Now().UTC()
	s.walletIndex[w.Address] = userID
	return cloneUser(u), nil
}

func (s *MemStore) RemoveWallet(ctx context.Context, userID, address string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, apperr.NotFound("USER_NOT_FOUND", "user %s does not exist", userID)
	}
	if u.PrimaryWallet == address {
		return User{}, apperr.State("PRIMARY_WALLET", "reassign the primary wallet before removing %s", address)
	}
	idx := -1
	for i, w := range u.Wallets {
		if w.Address == address {
			idx = i
			break
		}
	}
	if idx < 0 {
		return User{}, apperr.NotFound("WALLET_NOT_LINKED", "wallet %s is not linked to user %s", address, userID)
	}
	u.Wallets = append(u.Wallets[:idx], u.Wallets[idx+1:]...)
	u.UpdatedAt = time.Now().UTC()
	delete(s.walletIndex, address)
	return cloneUser(u), nil
}

func (s *MemStore) SetPrimary(ctx context.Context, userID, address string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return User{}, apperr.NotFound("USER_NOT_FOUND", "user %s does not exist", userID)
	}
	found := false
	for i := range u.Wallets {
		if u.Wallets[i].Address == address {
			found = true
			break
		}
	}
	if !found {
		return User{}, apperr.NotFound("WALLET_NOT_LINKED", "wallet %s is not linked to user %s", address, userID)
	}
	for i := range u.Wallets {
		u.Wallets[i].IsPrimary = u.Wallets[i].Address == address
	}
	u.PrimaryWallet = address
	u.UpdatedAt = time.Now().UTC()
	return cloneUser(u), nil
}

func (s *MemStore) CreateSession(ctx context.Context, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.TokenHash] = sess
	return nil
}

func (s *MemStore) GetSession(ctx context.Context, tokenHash string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[tokenHash]
	if !ok {
		return Session{}, apperr.NotFound("SESSION_NOT_FOUND", "unknown session")
	}
	return sess, nil
}

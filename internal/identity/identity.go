// Package identity proves wallet ownership by challenge-response signature
// and groups many wallets under one logical account.
package identity

import (
	"fmt"
	"time"
)

// DefaultAction tags the challenge issued for a plain sign-in.
const DefaultAction = "sign-in"

// User is one logical account. Exactly one linked wallet is primary and it
// equals PrimaryWallet; a wallet address belongs to at most one user
// system-wide.
type User struct {
	UserID        string         `json:"user_id"`
	PrimaryWallet string         `json:"primary_wallet"`
	Wallets       []LinkedWallet `json:"wallets"`
	Nonce         string         `json:"-"`
	NonceAction   string         `json:"-"`
	Role          string         `json:"role,omitempty"`
	Profile       Profile        `json:"profile"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	LastLoginAt   *time.Time     `json:"last_login_at,omitempty"`
}

type LinkedWallet struct {
	Address   string    `json:"address"`
	IsPrimary bool      `json:"is_primary"`
	Provider  string    `json:"provider,omitempty"`
	AddedAt   time.Time `json:"added_at"`
}

type Profile struct {
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
}

// Session is a bearer credential minted on successful signature verification.
// Only the sha256 hash of the token is stored.
type Session struct {
	TokenHash string
	UserID    string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// ChallengeMessage is the exact human-readable string a wallet is asked to
// sign for nonce-based login and link flows.
func ChallengeMessage(action, nonce string) string {
	return fmt.Sprintf("SupplyTrace wants you to sign in with your wallet.\n\nAction: %s\nNonce: %s", action, nonce)
}

// SecondaryLinkMessage is the fixed, nonce-free string the wallet being added
// must sign. The wallet is new and has no challenge state yet, so the message
// depends only on its own address.
func SecondaryLinkMessage(address string) string {
	return fmt.Sprintf("Link wallet %s to account", address)
}

package identity

import (
	"context"
	"crypto/ecdsa"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/lh6104/supply-chain-blockchain/pkg/apperr"
	"github.com/lh6104/supply-chain-blockchain/pkg/ethsig"
)

type wallet struct {
	key  *ecdsa.PrivateKey
	addr string
}

func newWallet(t *testing.T) wallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return wallet{key: key, addr: crypto.PubkeyToAddress(key.PublicKey).Hex()}
}

func (w wallet) sign(t *testing.T, message string) string {
	t.Helper()
	sig, err := crypto.Sign(ethsig.TextHash(message), w.key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig)
}

func newTestService() *Service {
	return NewService(NewMemStore(), 8*time.Hour)
}

// login runs the full challenge/verify pair for w and returns the result.
func login(t *testing.T, svc *Service, w wallet) LoginResult {
	t.Helper()
	ctx := context.Background()
	challenge, err := svc.RequestChallenge(ctx, w.addr, DefaultAction)
	if err != nil {
		t.Fatalf("request challenge: %v", err)
	}
	res, err := svc.CompleteLink(ctx, w.addr, w.sign(t, challenge), challenge, Profile{})
	if err != nil {
		t.Fatalf("complete link: %v", err)
	}
	return res
}

func TestRequestChallengeCreatesIdentity(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	w := newWallet(t)

	first, err := svc.RequestChallenge(ctx, w.addr, "link-wallet")
	if err != nil {
		t.Fatalf("request challenge: %v", err)
	}
	if !strings.Contains(first, "Action: link-wallet") {
		t.Fatalf("challenge missing action tag: %q", first)
	}
	if !strings.Contains(first, "Nonce: ") {
		t.Fatalf("challenge missing nonce: %q", first)
	}

	// An unanswered challenge is returned unchanged.
	second, err := svc.RequestChallenge(ctx, w.addr, "link-wallet")
	if err != nil {
		t.Fatalf("repeat challenge: %v", err)
	}
	if first != second {
		t.Fatalf("nonce must survive an unanswered challenge")
	}

	u, err := svc.GetUserByWallet(ctx, strings.ToLower(w.addr))
	if err != nil {
		t.Fatalf("identity not created: %v", err)
	}
	if u.PrimaryWallet != w.addr || len(u.Wallets) != 1 || !u.Wallets[0].IsPrimary {
		t.Fatalf("first wallet must be primary: %+v", u)
	}
}

func TestCompleteLinkHappyPath(t *testing.T) {
	svc := newTestService()
	w := newWallet(t)
	res := login(t, svc, w)

	if res.SessionToken == "" {
		t.Fatal("expected a session token")
	}
	if res.User.LastLoginAt == nil {
		t.Fatal("login time not stamped")
	}

	authed, err := svc.Authenticate(context.Background(), res.SessionToken)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if authed.UserID != res.User.UserID {
		t.Fatalf("authenticated as %s, want %s", authed.UserID, res.User.UserID)
	}
}

// A signature over the wrong message is rejected and the pending nonce stays
// usable for a correct retry.
func TestCompleteLinkWrongMessage(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	w := newWallet(t)

	challenge, err := svc.RequestChallenge(ctx, w.addr, DefaultAction)
	if err != nil {
		t.Fatalf("request challenge: %v", err)
	}
	wrong := "some other message"
	_, err = svc.CompleteLink(ctx, w.addr, w.sign(t, wrong), wrong, Profile{})
	if !apperr.IsKind(err, apperr.KindSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}

	// Correct retry with the original challenge still succeeds.
	if _, err := svc.CompleteLink(ctx, w.addr, w.sign(t, challenge), challenge, Profile{}); err != nil {
		t.Fatalf("retry after failure must succeed: %v", err)
	}
}

func TestNonceRotationBlocksReplay(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	w := newWallet(t)

	challenge, err := svc.RequestChallenge(ctx, w.addr, DefaultAction)
	if err != nil {
		t.Fatalf("request challenge: %v", err)
	}
	sig := w.sign(t, challenge)
	if _, err := svc.CompleteLink(ctx, w.addr, sig, challenge, Profile{}); err != nil {
		t.Fatalf("first verification: %v", err)
	}
	// Replaying the captured pair fails against the rotated nonce.
	if _, err := svc.CompleteLink(ctx, w.addr, sig, challenge, Profile{}); !apperr.IsKind(err, apperr.KindSignature) {
		t.Fatalf("expected signature error on replay, got %v", err)
	}
}

func TestCompleteLinkWrongSigner(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	w := newWallet(t)
	imposter := newWallet(t)

	challenge, err := svc.RequestChallenge(ctx, w.addr, DefaultAction)
	if err != nil {
		t.Fatalf("request challenge: %v", err)
	}
	_, err = svc.CompleteLink(ctx, w.addr, imposter.sign(t, challenge), challenge, Profile{})
	if !apperr.IsKind(err, apperr.KindSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestCompleteLinkMergesProfile(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	w := newWallet(t)

	challenge, _ := svc.RequestChallenge(ctx, w.addr, DefaultAction)
	res, err := svc.CompleteLink(ctx, w.addr, w.sign(t, challenge), challenge, Profile{DisplayName: "Mallory"})
	if err != nil {
		t.Fatalf("complete link: %v", err)
	}
	if res.User.Profile.DisplayName != "Mallory" {
		t.Fatalf("profile not merged: %+v", res.User.Profile)
	}

	// Empty fields leave existing values alone.
	challenge, _ = svc.RequestChallenge(ctx, w.addr, DefaultAction)
	res, err = svc.CompleteLink(ctx, w.addr, w.sign(t, challenge), challenge, Profile{Email: "m@example.com"})
	if err != nil {
		t.Fatalf("second link: %v", err)
	}
	if res.User.Profile.DisplayName != "Mallory" || res.User.Profile.Email != "m@example.com" {
		t.Fatalf("merge dropped fields: %+v", res.User.Profile)
	}
}

func TestAddSecondaryWallet(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	primary := newWallet(t)
	secondary := newWallet(t)
	res := login(t, svc, primary)

	message := SecondaryLinkMessage(secondary.addr)
	u, err := svc.AddSecondaryWallet(ctx, res.User.UserID, secondary.addr, secondary.sign(t, message), "metamask")
	if err != nil {
		t.Fatalf("add wallet: %v", err)
	}
	if len(u.Wallets) != 2 {
		t.Fatalf("expected 2 wallets, got %d", len(u.Wallets))
	}
	primaries := 0
	for _, w := range u.Wallets {
		if w.IsPrimary {
			primaries++
		}
	}
	if primaries != 1 || u.PrimaryWallet != primary.addr {
		t.Fatalf("primary invariant broken: %+v", u)
	}
}

// Ownership must be proven by the wallet being added; the primary vouching
// for it is not enough.
func TestAddSecondaryWalletRequiresSelfSignature(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	primary := newWallet(t)
	secondary := newWallet(t)
	res := login(t, svc, primary)

	message := SecondaryLinkMessage(secondary.addr)
	_, err := svc.AddSecondaryWallet(ctx, res.User.UserID, secondary.addr, primary.sign(t, message), "")
	if !apperr.IsKind(err, apperr.KindSignature) {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestAddSecondaryWalletGloballyUnique(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	alice := newWallet(t)
	bob := newWallet(t)
	shared := newWallet(t)
	aliceAcct := login(t, svc, alice)
	bobAcct := login(t, svc, bob)

	message := SecondaryLinkMessage(shared.addr)
	sig := shared.sign(t, message)
	if _, err := svc.AddSecondaryWallet(ctx, aliceAcct.User.UserID, shared.addr, sig, ""); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := svc.AddSecondaryWallet(ctx, bobAcct.User.UserID, shared.addr, sig, "")
	if !apperr.IsKind(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestConcurrentAddSecondaryWalletOneWinner(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	shared := newWallet(t)
	message := SecondaryLinkMessage(shared.addr)
	sig := shared.sign(t, message)

	const accounts = 8
	userIDs := make([]string, accounts)
	for i := range userIDs {
		userIDs[i] = login(t, svc, newWallet(t)).User.UserID
	}

	var wg sync.WaitGroup
	errs := make([]error, accounts)
	for i := 0; i < accounts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.AddSecondaryWallet(ctx, userIDs[i], shared.addr, sig, "")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case apperr.IsKind(err, apperr.KindConflict):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d", wins)
	}
}

func TestRemoveWalletGuardsPrimary(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	primary := newWallet(t)
	secondary := newWallet(t)
	res := login(t, svc, primary)
	if _, err := svc.AddSecondaryWallet(ctx, res.User.UserID, secondary.addr, secondary.sign(t, SecondaryLinkMessage(secondary.addr)), ""); err != nil {
		t.Fatalf("add wallet: %v", err)
	}

	if _, err := svc.RemoveWallet(ctx, res.User.UserID, primary.addr); !apperr.IsKind(err, apperr.KindState) {
		t.Fatalf("removing the primary must fail, got %v", err)
	}

	// Reassign, then the old primary can go.
	u, err := svc.SetPrimaryWallet(ctx, res.User.UserID, secondary.addr)
	if err != nil {
		t.Fatalf("set primary: %v", err)
	}
	if u.PrimaryWallet != secondary.addr {
		t.Fatalf("primary not reassigned: %+v", u)
	}
	u, err = svc.RemoveWallet(ctx, res.User.UserID, primary.addr)
	if err != nil {
		t.Fatalf("remove old primary: %v", err)
	}
	if len(u.Wallets) != 1 || u.Wallets[0].Address != secondary.addr {
		t.Fatalf("unexpected wallets after removal: %+v", u.Wallets)
	}

	// The freed address can join another account.
	other := login(t, svc, newWallet(t))
	if _, err := svc.AddSecondaryWallet(ctx, other.User.UserID, primary.addr, primary.sign(t, SecondaryLinkMessage(primary.addr)), ""); err != nil {
		t.Fatalf("freed wallet must be claimable: %v", err)
	}
}

func TestSetPrimaryRequiresLinkedWallet(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	res := login(t, svc, newWallet(t))
	_, err := svc.SetPrimaryWallet(ctx, res.User.UserID, newWallet(t).addr)
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("expected not-found for unlinked wallet, got %v", err)
	}
}

func TestAuthenticateExpiredSession(t *testing.T) {
	svc := NewService(NewMemStore(), time.Hour)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }
	w := newWallet(t)
	res := login(t, svc, w)

	// One second before expiry the session is still valid.
	svc.now = func() time.Time { return base.Add(time.Hour - time.Second) }
	if _, err := svc.Authenticate(context.Background(), res.SessionToken); err != nil {
		t.Fatalf("session expired early: %v", err)
	}

	svc.now = func() time.Time { return base.Add(time.Hour) }
	if _, err := svc.Authenticate(context.Background(), res.SessionToken); !apperr.IsKind(err, apperr.KindAuthorization) {
		t.Fatalf("expected authorization error for expired session, got %v", err)
	}
}

func TestAuthenticateBadToken(t *testing.T) {
	svc := newTestService()
	if _, err := svc.Authenticate(context.Background(), "not-a-token"); !apperr.IsKind(err, apperr.KindAuthorization) {
		t.Fatalf("expected authorization error, got %v", err)
	}
	if _, err := svc.Authenticate(context.Background(), ""); !apperr.IsKind(err, apperr.KindAuthorization) {
		t.Fatalf("expected authorization error for empty token, got %v", err)
	}
}

// Command seed runs the full custody flow in-process against in-memory
// stores: it generates wallets for every role, registers the participants,
// signs in the manufacturer with a real challenge-response signature, creates
// a hybrid item and walks it through to Sold, then prints the merged view and
// history as JSON. Useful as a smoke run and as demo data for the API shape.
package main

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/lh6104/supply-chain-blockchain/internal/catalog"
	"github.com/lh6104/supply-chain-blockchain/internal/chain"
	"github.com/lh6104/supply-chain-blockchain/internal/identity"
	"github.com/lh6104/supply-chain-blockchain/internal/provenance"
	"github.com/lh6104/supply-chain-blockchain/pkg/ethsig"
)

type wallet struct {
	key  *ecdsa.PrivateKey
	addr string
}

func newWallet() (wallet, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return wallet{}, err
	}
	return wallet{key: key, addr: crypto.PubkeyToAddress(key.PublicKey).Hex()}, nil
}

func (w wallet) sign(message string) (string, error) {
	sig, err := crypto.Sign(ethsig.TextHash(message), w.key)
	if err != nil {
		return "", err
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

func main() {
	product := flag.String("name", "Demo Crate", "product name for the seeded item")
	batch := flag.String("batch", "BATCH-001", "batch number for the seeded item")
	flag.Parse()

	if err := run(*product, *batch); err != nil {
		fmt.Fprintln(os.Stderr, "seed:", err)
		os.Exit(1)
	}
}

func run(productName, batchNumber string) error {
	ctx := context.Background()

	owner, err := newWallet()
	if err != nil {
		return err
	}
	maker, err := newWallet()
	if err != nil {
		return err
	}
	dist, err := newWallet()
	if err != nil {
		return err
	}
	retail, err := newWallet()
	if err != nil {
		return err
	}

	ledger, err := chain.NewMemoryLedger(owner.addr, chain.NopSink{})
	if err != nil {
		return err
	}
	accounts := identity.NewService(identity.NewMemStore(), time.Hour)
	items := provenance.NewService(ledger, catalog.NewMemStore(), slog.Default())

	for _, reg := range []struct {
		name string
		fn   func(context.Context, string, string) (chain.RoleAssignment, error)
		addr string
	}{
		{"manufacturer", ledger.RegisterManufacturer, maker.addr},
		{"distributor", ledger.RegisterDistributor, dist.addr},
		{"retailer", ledger.RegisterRetailer, retail.addr},
	} {
		if _, err := reg.fn(ctx, owner.addr, reg.addr); err != nil {
			return fmt.Errorf("register %s: %w", reg.name, err)
		}
	}

	// Prove the manufacturer wallet end to end: challenge, sign, verify.
	challenge, err := accounts.RequestChallenge(ctx, maker.addr, identity.DefaultAction)
	if err != nil {
		return err
	}
	sig, err := maker.sign(challenge)
	if err != nil {
		return err
	}
	login, err := accounts.CompleteLink(ctx, maker.addr, sig, challenge, identity.Profile{DisplayName: "Demo Manufacturer"})
	if err != nil {
		return fmt.Errorf("wallet sign-in: %w", err)
	}

	created, err := items.CreateHybridItem(ctx, login.User.PrimaryWallet, provenance.NewProduct{
		Name:        productName,
		BatchNumber: batchNumber,
	})
	if err != nil {
		return fmt.Errorf("create item: %w", err)
	}
	id := *created.ChainID

	steps := []struct {
		name string
		fn   func() error
	}{
		{"pack", func() error { _, err := ledger.Pack(ctx, maker.addr, id); return err }},
		{"ship-to-distributor", func() error { _, err := ledger.ShipToDistributor(ctx, maker.addr, id, dist.addr); return err }},
		{"receive-by-distributor", func() error { _, err := ledger.ReceiveByDistributor(ctx, dist.addr, id); return err }},
		{"ship-to-retailer", func() error { _, err := ledger.ShipToRetailer(ctx, dist.addr, id, retail.addr); return err }},
		{"receive-by-retailer", func() error { _, err := ledger.ReceiveByRetailer(ctx, retail.addr, id); return err }},
		{"sell", func() error { _, err := ledger.Sell(ctx, retail.addr, id); return err }},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
	}

	view, err := items.GetMergedView(ctx, id)
	if err != nil {
		return err
	}
	history, err := items.History(ctx, id)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(map[string]any{
		"owner":        owner.addr,
		"manufacturer": maker.addr,
		"distributor":  dist.addr,
		"retailer":     retail.addr,
		"item":         view,
		"history":      history,
	})
}

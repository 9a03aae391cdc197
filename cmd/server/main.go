package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lh6104/supply-chain-blockchain/internal/catalog"
	"github.com/lh6104/supply-chain-blockchain/internal/chain"
	"github.com/lh6104/supply-chain-blockchain/internal/config"
	"github.com/lh6104/supply-chain-blockchain/internal/identity"
	"github.com/lh6104/supply-chain-blockchain/internal/logging"
	"github.com/lh6104/supply-chain-blockchain/internal/provenance"
	"github.com/lh6104/supply-chain-blockchain/pkg/apperr"
	"github.com/lh6104/supply-chain-blockchain/pkg/db"
	"github.com/lh6104/supply-chain-blockchain/pkg/httpx"
)

// logSink mirrors ledger facts to the structured log. It must stay cheap: the
// ledger calls it while holding its write lock.
type logSink struct {
	log *slog.Logger
}

func (s logSink) ItemTransitioned(ev chain.TransitionEvent) {
	s.log.Info("item transitioned", "item_id", ev.ItemID, "stage", ev.NewStage.String(), "actor", ev.Actor)
}

func (s logSink) ParticipantRegistered(ev chain.RegistrationEvent) {
	s.log.Info("participant registered", "role", ev.Role.String(), "address", ev.Address, "seq_id", ev.SeqID)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogLevel, cfg.LogFormat)
	ctx := context.Background()

	var (
		accountStore identity.Store
		products     catalog.Store
	)
	if cfg.DatabaseURL == "" {
		log.Info("DATABASE_URL not set; using in-memory stores")
		accountStore = identity.NewMemStore()
		products = catalog.NewMemStore()
	} else {
		pool, err := db.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("database connect failed", "err", err)
			os.Exit(1)
		}
		defer pool.Close()
		ids := identity.NewPGStore(pool)
		cats := catalog.NewPGStore(pool)
		if err := ids.EnsureSchema(ctx); err != nil {
			log.Error("identity schema", "err", err)
			os.Exit(1)
		}
		if err := cats.EnsureSchema(ctx); err != nil {
			log.Error("catalog schema", "err", err)
			os.Exit(1)
		}
		accountStore = ids
		products = cats
	}

	ledger, err := chain.NewMemoryLedger(cfg.OwnerAddr, logSink{log: log})
	if err != nil {
		log.Error("ledger init failed", "err", err)
		os.Exit(1)
	}
	accounts := identity.NewService(accountStore, cfg.SessionTTL)
	items := provenance.NewService(ledger, products, log)

	// authed resolves the acting account from the bearer token, or writes the
	// error itself and reports false.
	authed := func(w http.ResponseWriter, r *http.Request) (identity.User, bool) {
		token, ok := parseBearer(r.Header.Get("Authorization"))
		if !ok {
			httpx.WriteError(w, 401, "UNAUTHORIZED", "bearer token required")
			return identity.User{}, false
		}
		u, err := accounts.Authenticate(r.Context(), token)
		if err != nil {
			httpx.WriteAppError(w, err)
			return identity.User{}, false
		}
		return u, true
	}

	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200) })

	r.Route("/auth", func(api chi.Router) {

		api.Post("/challenge", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Address string `json:"address"`
				Action  string `json:"action"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			challenge, err := accounts.RequestChallenge(r.Context(), req.Address, req.Action)
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.NewRequestID(),
				"challenge":  challenge,
			})
		})

		api.Post("/verify", func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Address   string           `json:"address"`
				Signature string           `json:"signature"`
				Message   string           `json:"message"`
				Profile   identity.Profile `json:"profile"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			res, err := accounts.CompleteLink(r.Context(), req.Address, req.Signature, req.Message, req.Profile)
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.NewRequestID(),
				"user":       withRole(r.Context(), ledger, res.User),
				"session": map[string]any{
					"token":      res.SessionToken,
					"expires_at": res.ExpiresAt,
					"token_hint": "store once; not retrievable again",
				},
			})
		})

		api.Get("/me", func(w http.ResponseWriter, r *http.Request) {
			u, ok := authed(w, r)
			if !ok {
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.NewRequestID(),
				"user":       withRole(r.Context(), ledger, u),
			})
		})

		api.Post("/wallets", func(w http.ResponseWriter, r *http.Request) {
			u, ok := authed(w, r)
			if !ok {
				return
			}
			var req struct {
				Address   string `json:"address"`
				Signature string `json:"signature"`
				Provider  string `json:"provider"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			updated, err := accounts.AddSecondaryWallet(r.Context(), u.UserID, req.Address, req.Signature, req.Provider)
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "user": withRole(r.Context(), ledger, updated)})
		})

		api.Delete("/wallets/{address}", func(w http.ResponseWriter, r *http.Request) {
			u, ok := authed(w, r)
			if !ok {
				return
			}
			updated, err := accounts.RemoveWallet(r.Context(), u.UserID, chi.URLParam(r, "address"))
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "user": withRole(r.Context(), ledger, updated)})
		})

		api.Put("/wallets/{address}/primary", func(w http.ResponseWriter, r *http.Request) {
			u, ok := authed(w, r)
			if !ok {
				return
			}
			updated, err := accounts.SetPrimaryWallet(r.Context(), u.UserID, chi.URLParam(r, "address"))
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "user": withRole(r.Context(), ledger, updated)})
		})
	})

	r.Route("/registry", func(api chi.Router) {
		register := func(fn func(ctx context.Context, caller, addr string) (chain.RoleAssignment, error)) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				u, ok := authed(w, r)
				if !ok {
					return
				}
				var req struct {
					Address string `json:"address"`
				}
				if err := httpx.ReadJSON(r, &req); err != nil {
					httpx.WriteError(w, 400, "BAD_JSON", err.Error())
					return
				}
				// The ledger itself rejects non-owner callers.
				ra, err := fn(r.Context(), u.PrimaryWallet, req.Address)
				if err != nil {
					httpx.WriteAppError(w, err)
					return
				}
				httpx.WriteJSON(w, 201, map[string]any{
					"request_id": httpx.NewRequestID(),
					"participant": map[string]any{
						"address": ra.Address,
						"role":    ra.Role.String(),
						"seq_id":  ra.SeqID,
					},
				})
			}
		}
		api.Post("/manufacturers", register(ledger.RegisterManufacturer))
		api.Post("/distributors", register(ledger.RegisterDistributor))
		api.Post("/retailers", register(ledger.RegisterRetailer))

		api.Get("/roles/{address}", func(w http.ResponseWriter, r *http.Request) {
			ra, err := ledger.RoleOf(r.Context(), chi.URLParam(r, "address"))
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{
				"request_id": httpx.NewRequestID(),
				"participant": map[string]any{
					"address": ra.Address,
					"role":    ra.Role.String(),
					"seq_id":  ra.SeqID,
				},
			})
		})
	})

	r.Route("/items", func(api chi.Router) {

		api.Post("/", func(w http.ResponseWriter, r *http.Request) {
			u, ok := authed(w, r)
			if !ok {
				return
			}
			var req struct {
				Name        string     `json:"name"`
				Description string     `json:"description"`
				BatchNumber string     `json:"batch_number"`
				ImageURL    string     `json:"image_url"`
				ExpiresAt   *time.Time `json:"expires_at"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			res, err := items.CreateHybridItem(r.Context(), u.PrimaryWallet, provenance.NewProduct{
				Name:        req.Name,
				Description: req.Description,
				BatchNumber: req.BatchNumber,
				ImageURL:    req.ImageURL,
				ExpiresAt:   req.ExpiresAt,
			})
			if err != nil {
				if res.InternalID != "" {
					// Metadata exists but the ledger write failed; report the
					// retryable half alongside the error.
					httpx.WriteJSON(w, 502, map[string]any{
						"request_id":  httpx.NewRequestID(),
						"internal_id": res.InternalID,
						"status":      res.Status,
						"error":       map[string]any{"code": "LEDGER_UNAVAILABLE", "message": err.Error()},
					})
					return
				}
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 201, map[string]any{"request_id": httpx.NewRequestID(), "item": res})
		})

		api.Get("/", func(w http.ResponseWriter, r *http.Request) {
			raw := strings.TrimSpace(r.URL.Query().Get("ids"))
			if raw == "" {
				httpx.WriteError(w, 400, "BAD_REQUEST", "ids query parameter is required")
				return
			}
			var ids []uint64
			for _, part := range strings.Split(raw, ",") {
				id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64)
				if err != nil {
					httpx.WriteError(w, 400, "BAD_REQUEST", "ids must be a comma-separated list of numeric ids")
					return
				}
				ids = append(ids, id)
			}
			views, err := items.GetBatch(r.Context(), ids)
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "items": views})
		})

		api.Post("/{id}/retry-link", func(w http.ResponseWriter, r *http.Request) {
			u, ok := authed(w, r)
			if !ok {
				return
			}
			res, err := items.RetryLink(r.Context(), u.PrimaryWallet, chi.URLParam(r, "id"))
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "item": res})
		})

		transition := func(fn func(ctx context.Context, caller string, id uint64) (chain.Item, error)) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				u, ok := authed(w, r)
				if !ok {
					return
				}
				id, err := parseChainID(chi.URLParam(r, "id"))
				if err != nil {
					httpx.WriteAppError(w, err)
					return
				}
				item, err := fn(r.Context(), u.PrimaryWallet, id)
				if err != nil {
					httpx.WriteAppError(w, err)
					return
				}
				httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "item": item})
			}
		}
		ship := func(fn func(ctx context.Context, caller string, id uint64, target string) (chain.Item, error)) http.HandlerFunc {
			return func(w http.ResponseWriter, r *http.Request) {
				u, ok := authed(w, r)
				if !ok {
					return
				}
				id, err := parseChainID(chi.URLParam(r, "id"))
				if err != nil {
					httpx.WriteAppError(w, err)
					return
				}
				var req struct {
					Address string `json:"address"`
				}
				if err := httpx.ReadJSON(r, &req); err != nil {
					httpx.WriteError(w, 400, "BAD_JSON", err.Error())
					return
				}
				item, err := fn(r.Context(), u.PrimaryWallet, id, req.Address)
				if err != nil {
					httpx.WriteAppError(w, err)
					return
				}
				httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "item": item})
			}
		}
		api.Post("/{id}/pack", transition(ledger.Pack))
		api.Post("/{id}/ship-to-distributor", ship(ledger.ShipToDistributor))
		api.Post("/{id}/receive-by-distributor", transition(ledger.ReceiveByDistributor))
		api.Post("/{id}/ship-to-retailer", ship(ledger.ShipToRetailer))
		api.Post("/{id}/receive-by-retailer", transition(ledger.ReceiveByRetailer))
		api.Post("/{id}/sell", transition(ledger.Sell))

		api.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
			id, err := parseChainID(chi.URLParam(r, "id"))
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			view, err := items.GetMergedView(r.Context(), id)
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "item": view})
		})

		api.Get("/{id}/history", func(w http.ResponseWriter, r *http.Request) {
			id, err := parseChainID(chi.URLParam(r, "id"))
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			events, err := items.History(r.Context(), id)
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "history": events})
		})
	})

	r.Route("/catalog", func(api chi.Router) {

		api.Get("/unlinked", func(w http.ResponseWriter, r *http.Request) {
			u, ok := authed(w, r)
			if !ok {
				return
			}
			ra, err := ledger.RoleOf(r.Context(), u.PrimaryWallet)
			if err != nil || ra.Role != chain.RoleOwner {
				httpx.WriteError(w, 403, "NOT_OWNER", "only the registry owner may list unlinked products")
				return
			}
			unlinked, err := items.ListUnlinked(r.Context())
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "products": unlinked})
		})

		api.Get("/{internal_id}", func(w http.ResponseWriter, r *http.Request) {
			p, err := items.GetMetadata(r.Context(), chi.URLParam(r, "internal_id"))
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "product": p})
		})

		api.Put("/{internal_id}", func(w http.ResponseWriter, r *http.Request) {
			if _, ok := authed(w, r); !ok {
				return
			}
			var req struct {
				Name        *string    `json:"name"`
				Description *string    `json:"description"`
				BatchNumber *string    `json:"batch_number"`
				ImageURL    *string    `json:"image_url"`
				ExpiresAt   *time.Time `json:"expires_at"`
			}
			if err := httpx.ReadJSON(r, &req); err != nil {
				httpx.WriteError(w, 400, "BAD_JSON", err.Error())
				return
			}
			p, err := items.UpdateMetadata(r.Context(), chi.URLParam(r, "internal_id"), catalog.Update{
				Name:        req.Name,
				Description: req.Description,
				BatchNumber: req.BatchNumber,
				ImageURL:    req.ImageURL,
				ExpiresAt:   req.ExpiresAt,
			})
			if err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "product": p})
		})

		api.Delete("/{internal_id}", func(w http.ResponseWriter, r *http.Request) {
			if _, ok := authed(w, r); !ok {
				return
			}
			if err := items.DeleteMetadata(r.Context(), chi.URLParam(r, "internal_id")); err != nil {
				httpx.WriteAppError(w, err)
				return
			}
			httpx.WriteJSON(w, 200, map[string]any{"request_id": httpx.NewRequestID(), "deleted": true})
		})
	})

	log.Info("listening", "addr", cfg.Addr, "owner", cfg.OwnerAddr)
	if err := http.ListenAndServe(cfg.Addr, r); err != nil {
		log.Error("server stopped", "err", err)
		os.Exit(1)
	}
}

// withRole stamps the account's on-ledger role, resolved from its primary
// wallet. Lookup failure leaves the role empty rather than failing the read.
func withRole(ctx context.Context, ledger chain.Ledger, u identity.User) identity.User {
	if ra, err := ledger.RoleOf(ctx, u.PrimaryWallet); err == nil && ra.Role != chain.RoleUnregistered {
		u.Role = ra.Role.String()
	}
	return u
}

func parseChainID(raw string) (uint64, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, apperr.Validation("BAD_ITEM_ID", "item id must be numeric")
	}
	return id, nil
}

func parseBearer(authorization string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(authorization, prefix) {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(authorization, prefix))
	if tok == "" {
		return "", false
	}
	return tok, true
}

package catalog

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lh6104/supply-chain-blockchain/pkg/apperr"
)

// PGStore is the Postgres-backed metadata store. The unique index on chain_id
// enforces the one-to-one link invariant even across processes; Link still
// wraps check-then-write in one transaction so the same-pair retry stays an
// idempotent success rather than a unique violation.
type PGStore struct{ DB *pgxpool.Pool }

func NewPGStore(db *pgxpool.Pool) *PGStore { return &PGStore{DB: db} }

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	_, err := s.DB.Exec(ctx, `
CREATE TABLE IF NOT EXISTS products(
  internal_id  text PRIMARY KEY,
  chain_id     bigint UNIQUE,
  name         text NOT NULL,
  description  text NOT NULL DEFAULT '',
  batch_number text NOT NULL DEFAULT '',
  image_url    text NOT NULL DEFAULT '',
  expires_at   timestamptz,
  created_by   text NOT NULL,
  created_at   timestamptz NOT NULL DEFAULT now(),
  updated_at   timestamptz NOT NULL DEFAULT now()
)`)
	return err
}

const productColumns = `internal_id,chain_id,name,description,batch_number,image_url,expires_at,created_by,created_at,updated_at`

func scanProduct(row pgx.Row) (Product, error) {
	var p Product
	err := row.Scan(&p.InternalID, &p.ChainID, &p.Name, &p.Description, &p.BatchNumber,
		&p.ImageURL, &p.ExpiresAt, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	return p, err
}

func (s *PGStore) Create(ctx context.Context, p Product) error {
	_, err := s.DB.Exec(ctx, `
INSERT INTO products(internal_id,chain_id,name,description,batch_number,image_url,expires_at,created_by,created_at,updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$9)`,
		p.InternalID, p.ChainID, p.Name, p.Description, p.BatchNumber, p.ImageURL, p.ExpiresAt, p.CreatedBy, p.CreatedAt)
	if isUniqueViolation(err) {
		return apperr.Conflict("DUPLICATE_ID", "metadata record %s already exists", p.InternalID)
	}
	return err
}

func (s *PGStore) Get(ctx context.Context, internalID string) (Product, error) {
	p, err := scanProduct(s.DB.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE internal_id=$1`, internalID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, apperr.NotFound("METADATA_NOT_FOUND", "metadata record %s does not exist", internalID)
	}
	return p, err
}

func (s *PGStore) Update(ctx context.Context, internalID string, u Update) (Product, error) {
	p, err := scanProduct(s.DB.QueryRow(ctx, `
UPDATE products SET
  name         = COALESCE($2, name),
  description  = COALESCE($3, description),
  batch_number = COALESCE($4, batch_number),
  image_url    = COALESCE($5, image_url),
  expires_at   = COALESCE($6, expires_at),
  updated_at   = now()
WHERE internal_id=$1
RETURNING `+productColumns,
		internalID, u.Name, u.Description, u.BatchNumber, u.ImageURL, u.ExpiresAt))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, apperr.NotFound("METADATA_NOT_FOUND", "metadata record %s does not exist", internalID)
	}
	return p, err
}

func (s *PGStore) Delete(ctx context.Context, internalID string) error {
	tag, err := s.DB.Exec(ctx, `DELETE FROM products WHERE internal_id=$1 AND chain_id IS NULL`, internalID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		p, getErr := s.Get(ctx, internalID)
		if getErr != nil {
			return getErr
		}
		return apperr.State("ALREADY_LINKED", "metadata record %s is linked to ledger item %d and cannot be deleted", internalID, *p.ChainID)
	}
	return nil
}

func (s *PGStore) Link(ctx context.Context, internalID string, chainID uint64) (Product, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return Product{}, err
	}
	defer tx.Rollback(ctx)

	// Serialize racing links for the same chain id.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('product_link:' || $1::text))`, chainID); err != nil {
		return Product{}, err
	}

	var holder string
	err = tx.QueryRow(ctx, `SELECT internal_id FROM products WHERE chain_id=$1`, chainID).Scan(&holder)
	switch {
	case err == nil && holder == internalID:
		p, err := scanProduct(tx.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE internal_id=$1`, internalID))
		if err != nil {
			return Product{}, err
		}
		return p, tx.Commit(ctx)
	case err == nil:
		return Product{}, apperr.Conflict("CHAIN_ID_TAKEN", "ledger item %d is already linked to %s", chainID, holder)
	case !errors.Is(err, pgx.ErrNoRows):
		return Product{}, err
	}

	p, err := scanProduct(tx.QueryRow(ctx, `
UPDATE products SET chain_id=$2, updated_at=now()
WHERE internal_id=$1 AND chain_id IS NULL
RETURNING `+productColumns, internalID, chainID))
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := s.Get(ctx, internalID)
		if getErr != nil {
			return Product{}, getErr
		}
		return Product{}, apperr.Conflict("ALREADY_LINKED", "metadata record %s is already linked to ledger item %d", internalID, *existing.ChainID)
	}
	if err != nil {
		return Product{}, err
	}
	return p, tx.Commit(ctx)
}

func (s *PGStore) GetByChainID(ctx context.Context, chainID uint64) (Product, bool, error) {
	p, err := scanProduct(s.DB.QueryRow(ctx, `SELECT `+productColumns+` FROM products WHERE chain_id=$1`, chainID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Product{}, false, nil
	}
	if err != nil {
		return Product{}, false, err
	}
	return p, true, nil
}

func (s *PGStore) ListUnlinked(ctx context.Context) ([]Product, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+productColumns+` FROM products WHERE chain_id IS NULL ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

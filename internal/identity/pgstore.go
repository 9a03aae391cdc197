package identity

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lh6104/supply-chain-blockchain/pkg/apperr"
)

// PGStore is the Postgres-backed identity store. Global wallet uniqueness is
// the primary key of the wallets table, so two processes racing to claim the
// same address resolve to one insert and one unique violation.
type PGStore struct{ DB *pgxpool.Pool }

func NewPGStore(db *pgxpool.Pool) *PGStore { return &PGStore{DB: db} }

func (s *PGStore) EnsureSchema(ctx context.Context) error {
	statements := []string{`
CREATE TABLE IF NOT EXISTS users(
  user_id        text PRIMARY KEY,
  primary_wallet text NOT NULL,
  nonce          text NOT NULL DEFAULT '',
  nonce_action   text NOT NULL DEFAULT '',
  role           text NOT NULL DEFAULT '',
  display_name   text NOT NULL DEFAULT '',
  email          text NOT NULL DEFAULT '',
  created_at     timestamptz NOT NULL DEFAULT now(),
  updated_at     timestamptz NOT NULL DEFAULT now(),
  last_login_at  timestamptz
)`, `
CREATE TABLE IF NOT EXISTS wallets(
  address    text PRIMARY KEY,
  user_id    text NOT NULL REFERENCES users(user_id),
  is_primary boolean NOT NULL DEFAULT false,
  provider   text NOT NULL DEFAULT '',
  added_at   timestamptz NOT NULL DEFAULT now()
)`, `
CREATE TABLE IF NOT EXISTS wallet_sessions(
  token_hash text PRIMARY KEY,
  user_id    text NOT NULL REFERENCES users(user_id),
  created_at timestamptz NOT NULL DEFAULT now(),
  expires_at timestamptz NOT NULL
)`}
	for _, stmt := range statements {
		if _, err := s.DB.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *PGStore) CreateUser(ctx context.Context, u User) error {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO users(user_id,primary_wallet,nonce,nonce_action,role,display_name,email,created_at,updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$8)`,
		u.UserID, u.PrimaryWallet, u.Nonce, u.NonceAction, u.Role, u.Profile.DisplayName, u.Profile.Email, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("DUPLICATE_USER", "user %s already exists", u.UserID)
		}
		return err
	}
	_, err = tx.Exec(ctx, `INSERT INTO wallets(address,user_id,is_primary,provider,added_at) VALUES($1,$2,true,$3,$4)`,
		u.PrimaryWallet, u.UserID, walletProvider(u, u.PrimaryWallet), u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return apperr.Conflict("WALLET_TAKEN", "wallet %s already belongs to another account", u.PrimaryWallet)
		}
		return err
	}
	return tx.Commit(ctx)
}

func walletProvider(u User, address string) string {
	for _, w := range u.Wallets {
		if w.Address == address {
			return w.Provider
		}
	}
	return ""
}

func (s *PGStore) GetUser(ctx context.Context, userID string) (User, error) {
	return s.getUser(ctx, s.DB, `user_id=$1`, userID)
}

func (s *PGStore) GetUserByWallet(ctx context.Context, address string) (User, error) {
	var userID string
	err := s.DB.QueryRow(ctx, `SELECT user_id FROM wallets WHERE address=$1`, address).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, apperr.NotFound("USER_NOT_FOUND", "no account is linked to wallet %s", address)
	}
	if err != nil {
		return User{}, err
	}
	return s.GetUser(ctx, userID)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (s *PGStore) getUser(ctx context.Context, q querier, where string, arg any) (User, error) {
	var u User
	err := q.QueryRow(ctx, `
SELECT user_id,primary_wallet,nonce,nonce_action,role,display_name,email,created_at,updated_at,last_login_at
FROM users WHERE `+where, arg).Scan(
		&u.UserID, &u.PrimaryWallet, &u.Nonce, &u.NonceAction, &u.Role,
		&u.Profile.DisplayName, &u.Profile.Email, &u.CreatedAt, &u.UpdatedAt, &u.LastLoginAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, apperr.NotFound("USER_NOT_FOUND", "user does not exist")
	}
	if err != nil {
		return User{}, err
	}
	rows, err := q.Query(ctx, `SELECT address,is_primary,provider,added_at FROM wallets WHERE user_id=$1 ORDER BY added_at ASC, address ASC`, u.UserID)
	if err != nil {
		return User{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var w LinkedWallet
		if err := rows.Scan(&w.Address, &w.IsPrimary, &w.Provider, &w.AddedAt); err != nil {
			return User{}, err
		}
		u.Wallets = append(u.Wallets, w)
	}
	return u, rows.Err()
}

func (s *PGStore) SetChallenge(ctx context.Context, userID, nonce, action string) error {
	tag, err := s.DB.Exec(ctx, `UPDATE users SET nonce=$2, nonce_action=$3, updated_at=now() WHERE user_id=$1`, userID, nonce, action)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperr.NotFound("USER_NOT_FOUND", "user %s does not exist", userID)
	}
	return nil
}

func (s *PGStore) CompleteLogin(ctx context.Context, userID, newNonce string, at time.Time, profile Profile) (User, error) {
	tag, err := s.DB.Exec(ctx, `
UPDATE users SET
  nonce=$2,
  last_login_at=$3,
  display_name=CASE WHEN $4 <> '' THEN $4 ELSE display_name END,
  email=CASE WHEN $5 <> '' THEN $5 ELSE email END,
  updated_at=$3
WHERE user_id=$1`, userID, newNonce, at, profile.DisplayName, profile.Email)
	if err != nil {
		return User{}, err
	}
	if tag.RowsAffected() == 0 {
		return User{}, apperr.NotFound("USER_NOT_FOUND", "user %s does not exist", userID)
	}
	return s.GetUser(ctx, userID)
}

func (s *PGStore) AddWallet(ctx context.Context, userID string, w LinkedWallet) (User, error) {
	_, err := s.DB.Exec(ctx, `INSERT INTO wallets(address,user_id,is_primary,provider,added_at) VALUES($1,$2,false,$3,$4)`,
		w.Address, userID, w.Provider, w.AddedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, apperr.Conflict("WALLET_TAKEN", "wallet %s already belongs to another account", w.Address)
		}
		if isForeignKeyViolation(err) {
			return User{}, apperr.NotFound("USER_NOT_FOUND", "user %s does not exist", userID)
		}
		return User{}, err
	}
	return s.GetUser(ctx, userID)
}

func (s *PGStore) RemoveWallet(ctx context.Context, userID, address string) (User, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return User{}, err
	}
	defer tx.Rollback(ctx)

	var isPrimary bool
	err = tx.QueryRow(ctx, `SELECT is_primary FROM wallets WHERE address=$1 AND user_id=$2 FOR UPDATE`, address, userID).Scan(&isPrimary)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, apperr.NotFound("WALLET_NOT_LINKED", "wallet %s is not linked to user %s", address, userID)
	}
	if err != nil {
		return User{}, err
	}
	if isPrimary {
		return User{}, apperr.State("PRIMARY_WALLET", "reassign the primary wallet before removing %s", address)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM wallets WHERE address=$1 AND user_id=$2`, address, userID); err != nil {
		return User{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET updated_at=now() WHERE user_id=$1`, userID); err != nil {
		return User{}, err
	}
	u, err := s.getUser(ctx, tx, `user_id=$1`, userID)
	if err != nil {
		return User{}, err
	}
	return u, tx.Commit(ctx)
}

func (s *PGStore) SetPrimary(ctx context.Context, userID, address string) (User, error) {
	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return User{}, err
	}
	defer tx.Rollback(ctx)

	var exists bool
	err = tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM wallets WHERE address=$1 AND user_id=$2)`, address, userID).Scan(&exists)
	if err != nil {
		return User{}, err
	}
	if !exists {
		return User{}, apperr.NotFound("WALLET_NOT_LINKED", "wallet %s is not linked to user %s", address, userID)
	}
	if _, err := tx.Exec(ctx, `UPDATE wallets SET is_primary=(address=$2) WHERE user_id=$1`, userID, address); err != nil {
		return User{}, err
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET primary_wallet=$2, updated_at=now() WHERE user_id=$1`, userID, address); err != nil {
		return User{}, err
	}
	u, err := s.getUser(ctx, tx, `user_id=$1`, userID)
	if err != nil {
		return User{}, err
	}
	return u, tx.Commit(ctx)
}

func (s *PGStore) CreateSession(ctx context.Context, sess Session) error {
	_, err := s.DB.Exec(ctx, `INSERT INTO wallet_sessions(token_hash,user_id,created_at,expires_at) VALUES($1,$2,$3,$4)`,
		sess.TokenHash, sess.UserID, sess.CreatedAt, sess.ExpiresAt)
	return err
}

func (s *PGStore) GetSession(ctx context.Context, tokenHash string) (Session, error) {
	var sess Session
	err := s.DB.QueryRow(ctx, `SELECT token_hash,user_id,created_at,expires_at FROM wallet_sessions WHERE token_hash=$1`, tokenHash).
		Scan(&sess.TokenHash, &sess.UserID, &sess.CreatedAt, &sess.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, apperr.NotFound("SESSION_NOT_FOUND", "unknown session")
	}
	return sess, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

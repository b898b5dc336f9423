package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/logger"
)

type Account struct {
	ID        int64
	Username  string
	CreatedAt time.Time
}

// CreateAccount stores a new account with a bcrypt hashed password.
func (db *Database) CreateAccount(ctx context.Context, username, password string) (int64, error) {
	username = normalizeUsername(username)
	if username == "" {
		return 0, errors.New("username cannot be empty")
	}
	if password == "" {
		return 0, errors.New("password cannot be empty")
	}

	hashedPassword, err := GenerateBcryptHash(password)
	if err != nil {
		return 0, err
	}

	var id int64
	err = db.TimedQueryRow(ctx, "account_create", []any{&id},
		`INSERT INTO accounts (username, password_hash) VALUES (?, ?) RETURNING id`,
		username, hashedPassword)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, fmt.Errorf("account %s: %w", username, consts.ErrDBUniqueViolation)
		}
		return 0, fmt.Errorf("failed to create account: %w", err)
	}

	logger.Info("Database: account created", "username", username, "account_id", id)
	return id, nil
}

// SetPassword replaces the password of an existing account.
func (db *Database) SetPassword(ctx context.Context, username, password string) error {
	if password == "" {
		return errors.New("password cannot be empty")
	}
	hashedPassword, err := GenerateBcryptHash(password)
	if err != nil {
		return err
	}

	res, err := db.TimedExec(ctx, "account_set_password",
		`UPDATE accounts SET password_hash = ? WHERE username = ?`,
		hashedPassword, normalizeUsername(username))
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return consts.ErrUserNotFound
	}
	return nil
}

func (db *Database) GetAccount(ctx context.Context, username string) (*Account, error) {
	var a Account
	err := db.TimedQueryRow(ctx, "account_get", []any{&a.ID, &a.Username, &a.CreatedAt},
		`SELECT id, username, created_at FROM accounts WHERE username = ?`, normalizeUsername(username))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consts.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return &a, nil
}

func (db *Database) AccountExists(ctx context.Context, username string) (bool, error) {
	var exists bool
	err := db.TimedQueryRow(ctx, "account_exists", []any{&exists},
		`SELECT EXISTS (SELECT 1 FROM accounts WHERE username = ?)`, normalizeUsername(username))
	if err != nil {
		return false, fmt.Errorf("failed to check account: %w", err)
	}
	return exists, nil
}

// ListAccounts returns all accounts ordered by username.
func (db *Database) ListAccounts(ctx context.Context) ([]Account, error) {
	rows, err := db.TimedQuery(ctx, "account_list",
		`SELECT id, username, created_at FROM accounts ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Username, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

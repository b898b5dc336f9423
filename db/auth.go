package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/migadu/maildrop/consts"
	"golang.org/x/crypto/bcrypt"
)

const (
	blfCryptPrefix = "{BLF-CRYPT}"

	bcryptPrefix2a = "$2a$"
	bcryptPrefix2b = "$2b$"
	bcryptPrefix2y = "$2y$"
)

// GenerateBcryptHash creates a new bcrypt hash with the BLF-CRYPT prefix
func GenerateBcryptHash(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("error generating bcrypt hash: %w", err)
	}
	return blfCryptPrefix + string(hash), nil
}

// verifyPassword accepts {BLF-CRYPT} prefixed and bare bcrypt hashes.
func verifyPassword(hashedPassword, password string) error {
	hash := strings.TrimPrefix(hashedPassword, blfCryptPrefix)
	switch {
	case strings.HasPrefix(hash, bcryptPrefix2a),
		strings.HasPrefix(hash, bcryptPrefix2b),
		strings.HasPrefix(hash, bcryptPrefix2y):
		return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	default:
		return errors.New("unknown password hash scheme")
	}
}

// Authenticate checks the password of username and returns the account ID.
// It returns consts.ErrUserNotFound or consts.ErrInvalidPassword on failure.
func (db *Database) Authenticate(ctx context.Context, username, password string) (int64, error) {
	username = normalizeUsername(username)

	var accountID int64
	var hashedPassword string
	err := db.TimedQueryRow(ctx, "authenticate", []any{&accountID, &hashedPassword},
		`SELECT id, password_hash FROM accounts WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, consts.ErrUserNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to fetch credentials: %w", err)
	}

	if err := verifyPassword(hashedPassword, password); err != nil {
		return 0, consts.ErrInvalidPassword
	}
	return accountID, nil
}

func normalizeUsername(username string) string {
	return strings.ToLower(strings.TrimSpace(username))
}

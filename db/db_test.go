package db

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/migadu/maildrop/config"
	"github.com/migadu/maildrop/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDatabase(t *testing.T) *Database {
	t.Helper()
	cfg := config.DatabaseConfig{
		Driver:      DriverSQLite,
		DSN:         filepath.Join(t.TempDir(), "maildrop.db"),
		AutoMigrate: true,
	}
	database, err := NewDatabaseFromConfig(context.Background(), &cfg)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "mysql", "whatever")
	require.Error(t, err)
	assert.True(t, errors.Is(err, consts.ErrUnsupportedDriver))
}

func TestRebind(t *testing.T) {
	pg := &Database{Driver: DriverPostgres}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := &Database{Driver: DriverSQLite}
	assert.Equal(t, "SELECT ?", lite.rebind("SELECT ?"))
}

func TestMigrationVersion(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()

	version, dirty, ok, err := database.MigrationVersion(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, dirty)
	assert.Equal(t, uint(2), version)

	// Running up again is a no-op.
	require.NoError(t, database.Migrate(ctx, "up"))
	assert.Error(t, database.Migrate(ctx, "sideways"))
}

func TestAccountLifecycle(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()

	id, err := database.CreateAccount(ctx, " Alice ", "s3cret")
	require.NoError(t, err)
	assert.NotZero(t, id)

	_, err = database.CreateAccount(ctx, "alice", "other")
	assert.True(t, errors.Is(err, consts.ErrDBUniqueViolation))

	exists, err := database.AccountExists(ctx, "ALICE")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = database.AccountExists(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, exists)

	account, err := database.GetAccount(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, id, account.ID)
	assert.Equal(t, "alice", account.Username)

	_, err = database.GetAccount(ctx, "bob")
	assert.True(t, errors.Is(err, consts.ErrUserNotFound))

	accounts, err := database.ListAccounts(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
}

func TestAuthenticate(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()

	id, err := database.CreateAccount(ctx, "alice", "right")
	require.NoError(t, err)

	got, err := database.Authenticate(ctx, "alice", "right")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = database.Authenticate(ctx, "alice", "wrong")
	assert.True(t, errors.Is(err, consts.ErrInvalidPassword))

	_, err = database.Authenticate(ctx, "nobody", "right")
	assert.True(t, errors.Is(err, consts.ErrUserNotFound))

	require.NoError(t, database.SetPassword(ctx, "alice", "changed"))
	_, err = database.Authenticate(ctx, "alice", "right")
	assert.True(t, errors.Is(err, consts.ErrInvalidPassword))
	_, err = database.Authenticate(ctx, "alice", "changed")
	assert.NoError(t, err)

	assert.True(t, errors.Is(database.SetPassword(ctx, "nobody", "x"), consts.ErrUserNotFound))
}

func TestVerifyPasswordSchemes(t *testing.T) {
	hash, err := GenerateBcryptHash("pw")
	require.NoError(t, err)
	assert.Contains(t, hash, blfCryptPrefix)

	assert.NoError(t, verifyPassword(hash, "pw"))
	assert.NoError(t, verifyPassword(hash[len(blfCryptPrefix):], "pw"), "bare bcrypt hashes are accepted")
	assert.Error(t, verifyPassword(hash, "nope"))
	assert.Error(t, verifyPassword("{PLAIN}pw", "pw"))
}

func TestMessagesAndExpunge(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()

	alice, err := database.CreateAccount(ctx, "alice", "pw")
	require.NoError(t, err)
	bob, err := database.CreateAccount(ctx, "bob", "pw")
	require.NoError(t, err)

	sent := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	ids := make([]int64, 0, 3)
	for i, hash := range []string{"shared", "unique1", "unique2"} {
		m := &Message{AccountID: alice, ContentHash: hash, Size: int64(100 * (i + 1)), Subject: "s"}
		if i == 0 {
			m.SentDate = &sent
		}
		id, err := database.InsertMessage(ctx, m)
		require.NoError(t, err)
		ids = append(ids, id)
	}
	_, err = database.InsertMessage(ctx, &Message{AccountID: bob, ContentHash: "shared", Size: 100})
	require.NoError(t, err)

	messages, err := database.ListMessages(ctx, alice)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, ids[0], messages[0].ID)
	assert.Equal(t, int64(300), messages[2].Size)
	require.NotNil(t, messages[0].SentDate)
	assert.True(t, sent.Equal(*messages[0].SentDate))
	assert.Nil(t, messages[1].SentDate)

	orphaned, err := database.ExpungeMessages(ctx, alice, []int64{ids[0], ids[1]})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"unique1"}, orphaned, "shared body is still used by bob")

	pending, err := database.ListPendingDeletions(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"unique1"}, pending)

	messages, err = database.ListMessages(ctx, alice)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, ids[2], messages[0].ID)

	// Expunging another account's message or an unknown id changes nothing.
	orphaned, err = database.ExpungeMessages(ctx, bob, []int64{ids[2], 9999})
	require.NoError(t, err)
	assert.Empty(t, orphaned)

	orphaned, err = database.ExpungeMessages(ctx, alice, nil)
	require.NoError(t, err)
	assert.Empty(t, orphaned)
}

func TestPurgeContentHash(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()

	alice, err := database.CreateAccount(ctx, "alice", "pw")
	require.NoError(t, err)

	var ids []int64
	for _, hash := range []string{"gone", "reused", "stubborn"} {
		id, err := database.InsertMessage(ctx, &Message{AccountID: alice, ContentHash: hash, Size: 10})
		require.NoError(t, err)
		ids = append(ids, id)
	}
	orphaned, err := database.ExpungeMessages(ctx, alice, ids)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"gone", "reused", "stubborn"}, orphaned)

	pending, err := database.ListPendingDeletions(ctx, time.Hour, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "grace period has not passed")

	// A new delivery of the same content takes it off the queue.
	_, err = database.InsertMessage(ctx, &Message{AccountID: alice, ContentHash: "reused", Size: 10})
	require.NoError(t, err)

	pending, err = database.ListPendingDeletions(ctx, 0, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"gone", "stubborn"}, pending)

	var removed []string
	remove := func(hash string) func(context.Context) error {
		return func(context.Context) error {
			removed = append(removed, hash)
			return nil
		}
	}

	purged, err := database.PurgeContentHash(ctx, "gone", remove("gone"))
	require.NoError(t, err)
	assert.True(t, purged)

	purged, err = database.PurgeContentHash(ctx, "gone", remove("gone"))
	require.NoError(t, err)
	assert.False(t, purged, "already claimed")

	purged, err = database.PurgeContentHash(ctx, "reused", remove("reused"))
	require.NoError(t, err)
	assert.False(t, purged, "not queued any more")

	failing := func(context.Context) error { return errors.New("storage down") }
	_, err = database.PurgeContentHash(ctx, "stubborn", failing)
	require.Error(t, err)

	pending, err = database.ListPendingDeletions(ctx, 0, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"stubborn"}, pending, "failed removal stays queued")
	assert.Equal(t, []string{"gone"}, removed)
}

func TestPurgeContentHashSkipsReferencedBody(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()

	alice, err := database.CreateAccount(ctx, "alice", "pw")
	require.NoError(t, err)
	id, err := database.InsertMessage(ctx, &Message{AccountID: alice, ContentHash: "body", Size: 10})
	require.NoError(t, err)
	_, err = database.ExpungeMessages(ctx, alice, []int64{id})
	require.NoError(t, err)

	// A row that references the hash without going through InsertMessage.
	_, err = database.TimedExec(ctx, "test_insert",
		`INSERT INTO messages (account_id, content_hash, size) VALUES (?, ?, ?)`, alice, "body", 10)
	require.NoError(t, err)

	called := false
	purged, err := database.PurgeContentHash(ctx, "body", func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, purged)
	assert.False(t, called)

	pending, err := database.ListPendingDeletions(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestGetMetricsStats(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.Background()

	stats, err := database.GetMetricsStats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalAccounts)
	assert.Zero(t, stats.TotalBytes)

	id, err := database.CreateAccount(ctx, "alice", "pw")
	require.NoError(t, err)
	for _, size := range []int64{10, 32} {
		_, err := database.InsertMessage(ctx, &Message{AccountID: id, ContentHash: fmt.Sprintf("h%d", size), Size: size})
		require.NoError(t, err)
	}

	stats, err = database.GetMetricsStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalAccounts)
	assert.Equal(t, int64(2), stats.TotalMessages)
	assert.Equal(t, int64(42), stats.TotalBytes)
}

package mailstore

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/migadu/maildrop/cache"
	"github.com/migadu/maildrop/config"
	"github.com/migadu/maildrop/consts"
	"github.com/migadu/maildrop/db"
	"github.com/migadu/maildrop/helpers"
	"github.com/migadu/maildrop/server/cleaner"
	"github.com/migadu/maildrop/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	store   *Store
	db      *db.Database
	blobs   *storage.FileStorage
	cache   *cache.Cache
	cleaner *cleaner.CleanupWorker
}

func setupStore(t *testing.T, withCache bool) *testEnv {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	database, err := db.NewDatabaseFromConfig(ctx, &config.DatabaseConfig{
		Driver:      db.DriverSQLite,
		DSN:         filepath.Join(dir, "maildrop.db"),
		AutoMigrate: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	blobs, err := storage.NewFile(filepath.Join(dir, "blobs"))
	require.NoError(t, err)

	env := &testEnv{db: database, blobs: blobs}
	if withCache {
		c, err := cache.New(filepath.Join(dir, "cache"), 1<<20, 1<<16, time.Hour)
		require.NoError(t, err)
		t.Cleanup(func() { c.Close() })
		env.cache = c
		env.store = New(database, blobs, c)
		env.cleaner = cleaner.New(database, blobs, c, time.Minute, 0)
	} else {
		env.store = New(database, blobs, nil)
		env.cleaner = cleaner.New(database, blobs, nil, time.Minute, 0)
	}

	_, err = database.CreateAccount(ctx, "alice", "right")
	require.NoError(t, err)
	return env
}

// hookedBlobs runs afterPut once the body has been written.
type hookedBlobs struct {
	*storage.FileStorage
	afterPut func()
}

func (h *hookedBlobs) Put(ctx context.Context, key string, data []byte) error {
	if err := h.FileStorage.Put(ctx, key, data); err != nil {
		return err
	}
	if h.afterPut != nil {
		hook := h.afterPut
		h.afterPut = nil
		hook()
	}
	return nil
}

func rawMessage(subject, body string) []byte {
	return []byte("From: bob@example.com\r\n" +
		"To: alice@example.com\r\n" +
		"Subject: " + subject + "\r\n" +
		"Message-ID: <" + subject + "@example.com>\r\n" +
		"Date: Fri, 01 Mar 2024 10:00:00 +0000\r\n" +
		"\r\n" + body)
}

func readAll(t *testing.T, m interface {
	Open(context.Context) (io.ReadCloser, error)
}) string {
	t.Helper()
	r, err := m.Open(context.Background())
	require.NoError(t, err)
	defer r.Close()
	data, err := io.ReadAll(r)
	require.NoError(t, err)
	return string(data)
}

func TestStoreAuthentication(t *testing.T) {
	env := setupStore(t, false)
	ctx := context.Background()

	ok, err := env.store.UserExists(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = env.store.UserExists(ctx, "mallory")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.NoError(t, env.store.Authenticate(ctx, "alice", "right"))
	assert.True(t, errors.Is(env.store.Authenticate(ctx, "alice", "wrong"), consts.ErrInvalidPassword))
	assert.True(t, errors.Is(env.store.Authenticate(ctx, "mallory", "x"), consts.ErrUserNotFound))

	_, err = env.store.OpenMailbox(ctx, "mallory")
	assert.True(t, errors.Is(err, consts.ErrUserNotFound))
}

func TestAppendStoresMetadataAndBody(t *testing.T) {
	env := setupStore(t, false)
	ctx := context.Background()

	raw := rawMessage("hello", "Hi Alice\r\n")
	id, err := env.store.Append(ctx, "alice", raw)
	require.NoError(t, err)
	assert.NotZero(t, id)

	account, err := env.db.GetAccount(ctx, "alice")
	require.NoError(t, err)
	rows, err := env.db.ListMessages(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "hello", rows[0].Subject)
	assert.Equal(t, "hello@example.com", rows[0].MessageID)
	assert.Equal(t, int64(len(raw)), rows[0].Size)
	assert.Equal(t, helpers.HashContent(raw), rows[0].ContentHash)
	require.NotNil(t, rows[0].SentDate)

	exists, err := env.blobs.Exists(ctx, rows[0].ContentHash)
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = env.store.Append(ctx, "alice", nil)
	assert.True(t, errors.Is(err, consts.ErrMalformedMessage))
	_, err = env.store.Append(ctx, "mallory", raw)
	assert.True(t, errors.Is(err, consts.ErrUserNotFound))
}

func TestMailboxViewCountsAndDeletion(t *testing.T) {
	env := setupStore(t, false)
	ctx := context.Background()

	bodies := []string{"one\r\n", "two two\r\n", "three three three\r\n"}
	var sizes []int64
	for i, b := range bodies {
		raw := rawMessage(string(rune('a'+i)), b)
		sizes = append(sizes, int64(len(raw)))
		_, err := env.store.Append(ctx, "alice", raw)
		require.NoError(t, err)
	}
	total := sizes[0] + sizes[1] + sizes[2]

	mbox, err := env.store.OpenMailbox(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, mbox.Len())
	assert.Equal(t, 3, mbox.Count())
	assert.Equal(t, total, mbox.TotalSize())

	msg, err := mbox.Message(2)
	require.NoError(t, err)
	assert.Equal(t, 2, msg.Number())
	assert.Equal(t, sizes[1], msg.Size())
	assert.Contains(t, readAll(t, msg), "two two")

	require.NoError(t, mbox.Delete(2))
	assert.True(t, errors.Is(mbox.Delete(2), consts.ErrNoSuchMessage))
	_, err = mbox.Message(2)
	assert.True(t, errors.Is(err, consts.ErrNoSuchMessage))
	assert.Equal(t, 3, mbox.Len(), "deleted messages keep their slot")
	assert.Equal(t, 2, mbox.Count())
	assert.Equal(t, total-sizes[1], mbox.TotalSize())

	for _, n := range []int{0, -1, 4} {
		_, err := mbox.Message(n)
		assert.True(t, errors.Is(err, consts.ErrNoSuchMessage), "message %d", n)
	}

	assert.Equal(t, 1, mbox.Reset())
	assert.Equal(t, 0, mbox.Reset())
	assert.Equal(t, 3, mbox.Count())
	assert.Equal(t, total, mbox.TotalSize())
}

func TestReleaseExpungesDeletedMessages(t *testing.T) {
	env := setupStore(t, true)
	ctx := context.Background()

	keep := rawMessage("keep", "stay\r\n")
	drop := rawMessage("drop", "go away\r\n")
	_, err := env.store.Append(ctx, "alice", keep)
	require.NoError(t, err)
	_, err = env.store.Append(ctx, "alice", drop)
	require.NoError(t, err)

	mbox, err := env.store.OpenMailbox(ctx, "alice")
	require.NoError(t, err)

	// Reading through the store warms the cache.
	msg, err := mbox.Message(2)
	require.NoError(t, err)
	assert.Contains(t, readAll(t, msg), "go away")
	_, err = env.cache.Get(helpers.HashContent(drop))
	require.NoError(t, err)

	require.NoError(t, mbox.Delete(2))
	require.NoError(t, mbox.Release(ctx))
	assert.True(t, errors.Is(mbox.Release(ctx), consts.ErrMailboxReleased))

	exists, err := env.blobs.Exists(ctx, helpers.HashContent(drop))
	require.NoError(t, err)
	assert.True(t, exists, "bodies are kept until the cleaner runs")

	purged, err := env.cleaner.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	exists, err = env.blobs.Exists(ctx, helpers.HashContent(drop))
	require.NoError(t, err)
	assert.False(t, exists, "orphaned body is removed")
	_, err = env.cache.Get(helpers.HashContent(drop))
	assert.Error(t, err, "orphaned body is evicted from the cache")

	reopened, err := env.store.OpenMailbox(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count())
	msg, err = reopened.Message(1)
	require.NoError(t, err)
	assert.Contains(t, readAll(t, msg), "stay")
}

func TestReleaseKeepsSharedBodies(t *testing.T) {
	env := setupStore(t, false)
	ctx := context.Background()

	_, err := env.db.CreateAccount(ctx, "bob", "pw")
	require.NoError(t, err)

	raw := rawMessage("shared", "for both\r\n")
	_, err = env.store.Append(ctx, "alice", raw)
	require.NoError(t, err)
	_, err = env.store.Append(ctx, "bob", raw)
	require.NoError(t, err)

	mbox, err := env.store.OpenMailbox(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, mbox.Delete(1))
	require.NoError(t, mbox.Release(ctx))

	purged, err := env.cleaner.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)

	exists, err := env.blobs.Exists(ctx, helpers.HashContent(raw))
	require.NoError(t, err)
	assert.True(t, exists)

	bobBox, err := env.store.OpenMailbox(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, bobBox.Count())
}

func TestReleaseWithoutDeletionsKeepsEverything(t *testing.T) {
	env := setupStore(t, false)
	ctx := context.Background()

	_, err := env.store.Append(ctx, "alice", rawMessage("x", "body\r\n"))
	require.NoError(t, err)

	mbox, err := env.store.OpenMailbox(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, mbox.Delete(1))
	mbox.Reset()
	require.NoError(t, mbox.Release(ctx))

	reopened, err := env.store.OpenMailbox(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, reopened.Count())
}

// openOnlyMessage opens the single message of username and returns its body.
func openOnlyMessage(t *testing.T, env *testEnv, username string) string {
	t.Helper()
	mbox, err := env.store.OpenMailbox(context.Background(), username)
	require.NoError(t, err)
	require.Equal(t, 1, mbox.Count())
	msg, err := mbox.Message(1)
	require.NoError(t, err)
	return readAll(t, msg)
}

func TestAppendRacingReleaseOfSameContent(t *testing.T) {
	env := setupStore(t, false)
	ctx := context.Background()

	raw := rawMessage("again", "same body twice\r\n")
	_, err := env.store.Append(ctx, "alice", raw)
	require.NoError(t, err)

	mbox, err := env.store.OpenMailbox(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, mbox.Delete(1))

	// The session quits after the second delivery wrote the body but
	// before its row exists, so the release sees no references.
	blobs := &hookedBlobs{FileStorage: env.blobs, afterPut: func() {
		require.NoError(t, mbox.Release(ctx))
	}}
	importer := New(env.db, blobs, nil)
	_, err = importer.Append(ctx, "alice", raw)
	require.NoError(t, err)
	require.Nil(t, blobs.afterPut, "release ran during delivery")

	purged, err := env.cleaner.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged, "the delivery took the body off the deletion queue")

	assert.Equal(t, string(raw), openOnlyMessage(t, env, "alice"))
}

func TestAppendRewritesBodyPurgedDuringDelivery(t *testing.T) {
	env := setupStore(t, false)
	ctx := context.Background()

	raw := rawMessage("again", "purged under our feet\r\n")
	_, err := env.store.Append(ctx, "alice", raw)
	require.NoError(t, err)

	mbox, err := env.store.OpenMailbox(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, mbox.Delete(1))

	// Release and sweep both finish between the body write and the insert.
	var purged int
	blobs := &hookedBlobs{FileStorage: env.blobs, afterPut: func() {
		require.NoError(t, mbox.Release(ctx))
		var err error
		purged, err = env.cleaner.Sweep(ctx)
		require.NoError(t, err)
	}}
	importer := New(env.db, blobs, nil)
	_, err = importer.Append(ctx, "alice", raw)
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	exists, err := env.blobs.Exists(ctx, helpers.HashContent(raw))
	require.NoError(t, err)
	assert.True(t, exists, "the delivery wrote the body again")
	assert.Equal(t, string(raw), openOnlyMessage(t, env, "alice"))
}

func TestSweepRespectsGracePeriod(t *testing.T) {
	env := setupStore(t, false)
	ctx := context.Background()

	raw := rawMessage("later", "not yet\r\n")
	_, err := env.store.Append(ctx, "alice", raw)
	require.NoError(t, err)

	mbox, err := env.store.OpenMailbox(ctx, "alice")
	require.NoError(t, err)
	require.NoError(t, mbox.Delete(1))
	require.NoError(t, mbox.Release(ctx))

	patient := cleaner.New(env.db, env.blobs, nil, time.Minute, time.Hour)
	purged, err := patient.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, purged)

	exists, err := env.blobs.Exists(ctx, helpers.HashContent(raw))
	require.NoError(t, err)
	assert.True(t, exists)
}

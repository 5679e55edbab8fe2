package repository

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/paybychance/paybychance/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func testSession() *models.Session {
	return &models.Session{
		AccessToken:  "access-123",
		RefreshToken: "refresh-456",
		ExpiresAt:    time.Now().Add(20 * time.Minute).Truncate(time.Second).UTC(),
		User:         models.UserProfile{"id": "42", "phone": "08031234567"},
		Cookies:      []models.Cookie{{Name: "pbc_refresh", Value: "cookie-789"}},
	}
}

// exerciseStore runs the contract every SessionStore must satisfy.
func exerciseStore(t *testing.T, store SessionStore) {
	t.Helper()
	ctx := context.Background()

	_, err := store.Load(ctx)
	require.ErrorIs(t, err, ErrSessionNotFound)

	want := testSession()
	require.NoError(t, store.Save(ctx, want))

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, want.AccessToken, got.AccessToken)
	assert.True(t, want.ExpiresAt.Equal(got.ExpiresAt))
	assert.Equal(t, "42", got.User.ID())
	assert.Empty(t, got.RefreshToken, "refresh token must never be persisted")
	assert.Equal(t, want.Cookies, got.Cookies)

	require.NoError(t, store.Clear(ctx))
	_, err = store.Load(ctx)
	require.ErrorIs(t, err, ErrSessionNotFound)

	require.NoError(t, store.Clear(ctx), "clearing twice is fine")
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), testSession()))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	got.User["id"] = "mutated"

	again, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "42", again.User.ID())
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.db")
	store, err := OpenBoltStore(path, "default", testLogger())
	require.NoError(t, err)
	defer store.Close()

	exerciseStore(t, store)
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.db")
	store, err := OpenBoltStore(path, "default", testLogger())
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), testSession()))
	require.NoError(t, store.Close())

	reopened, err := OpenBoltStore(path, "default", testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	got, err := reopened.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-123", got.AccessToken)
}

func TestRedisStore(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	exerciseStore(t, NewRedisStore(client, "default", testLogger()))
}

func TestRedisStoreExpiresWithToken(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	store := NewRedisStore(client, "default", testLogger())
	require.NoError(t, store.Save(context.Background(), testSession()))
	assert.True(t, mr.Exists("session:default"))

	ttl := mr.TTL("session:default")
	assert.InDelta(t, (20 * time.Minute).Seconds(), ttl.Seconds(), 5)

	mr.FastForward(21 * time.Minute)
	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]types.AttributeValue
}

func newFakeDynamo() *fakeDynamo {
	return &fakeDynamo{items: make(map[string]map[string]types.AttributeValue)}
}

func itemID(key map[string]types.AttributeValue) string {
	pk := key["PK"].(*types.AttributeValueMemberS).Value
	sk := key["SK"].(*types.AttributeValueMemberS).Value
	return fmt.Sprintf("%s|%s", pk, sk)
}

func (f *fakeDynamo) PutItem(ctx context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items[itemID(in.Item)] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) GetItem(ctx context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &dynamodb.GetItemOutput{Item: f.items[itemID(in.Key)]}, nil
}

func (f *fakeDynamo) DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.items, itemID(in.Key))
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestDynamoStore(t *testing.T) {
	exerciseStore(t, NewDynamoStore(newFakeDynamo(), "sessions", "default", testLogger()))
}

func TestDynamoStoreItemShape(t *testing.T) {
	fake := newFakeDynamo()
	store := NewDynamoStore(fake, "sessions", "cli", testLogger())
	session := testSession()
	require.NoError(t, store.Save(context.Background(), session))

	item, ok := fake.items["SESSION#cli|METADATA"]
	require.True(t, ok)
	assert.Equal(t, "access-123", item["access_token"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, fmt.Sprintf("%d", session.ExpiresAt.Unix()), item["TTL"].(*types.AttributeValueMemberN).Value)
	_, hasRefresh := item["RefreshToken"]
	assert.False(t, hasRefresh)
}

func TestDynamoStoreIgnoresExpiredItem(t *testing.T) {
	store := NewDynamoStore(newFakeDynamo(), "sessions", "default", testLogger())
	session := testSession()
	session.ExpiresAt = time.Now().Add(-time.Minute)
	require.NoError(t, store.Save(context.Background(), session))

	_, err := store.Load(context.Background())
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

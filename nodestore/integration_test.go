package nodestore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// uniqueName generates a table/collection/bucket name for test isolation.
func uniqueName(prefix string) string {
	return fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
}

// --- Integration Tests ---
// Each backend is skipped unless its URL is set in the environment.

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" || testing.Short() {
		t.Skip("skipping: POSTGRES_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	if err := pool.Ping(ctx); err != nil {
		t.Skipf("skipping: postgres not available: %v", err)
	}

	runStoreSuite(t, func(t *testing.T) Store {
		table := uniqueName("echohub_test")
		s, err := NewPostgresStore(ctx, pool, WithTableName(table))
		require.NoError(t, err)
		t.Cleanup(func() {
			_, _ = pool.Exec(context.Background(), "DROP TABLE IF EXISTS "+table)
			s.Close()
		})
		return s
	})
}

func TestPostgresStore_InvalidTableName(t *testing.T) {
	_, err := NewPostgresStore(context.Background(), nil, WithTableName("nodes; DROP TABLE x"))
	require.Error(t, err)
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("MONGO_URL")
	if uri == "" || testing.Short() {
		t.Skip("skipping: MONGO_URL not set")
	}

	ctx := context.Background()
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Disconnect(context.Background()) })
	if err := client.Ping(ctx, nil); err != nil {
		t.Skipf("skipping: mongo not available: %v", err)
	}
	db := client.Database("echohub_test")

	runStoreSuite(t, func(t *testing.T) Store {
		collection := uniqueName("nodes")
		s, err := NewMongoStore(ctx, db, WithCollectionName(collection))
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = db.Collection(collection).Drop(context.Background())
			s.Close()
		})
		return s
	})
}

func TestMongoStore_InvalidCollectionName(t *testing.T) {
	_, err := NewMongoStore(context.Background(), nil, WithCollectionName("bad name"))
	require.Error(t, err)
}

// natsTestConn connects to NATS_URL or skips the test.
func natsTestConn(t *testing.T) *nats.Conn {
	t.Helper()
	url := os.Getenv("NATS_URL")
	if url == "" || testing.Short() {
		t.Skip("skipping: NATS_URL not set")
	}

	conn, err := nats.Connect(url,
		nats.Timeout(2*time.Second),
		nats.MaxReconnects(0),
	)
	if err != nil {
		t.Skipf("skipping: NATS not available at %s: %v", url, err)
	}
	t.Cleanup(conn.Close)
	return conn
}

func TestNATSStore(t *testing.T) {
	conn := natsTestConn(t)

	runStoreSuite(t, func(t *testing.T) Store {
		cfg := DefaultNATSStoreConfig()
		cfg.BucketName = uniqueName("echohub-test")
		s, err := NewNATSStore(context.Background(), conn, cfg)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestNATSStore_ConcurrentHostClaim(t *testing.T) {
	conn := natsTestConn(t)
	ctx := context.Background()

	cfg := DefaultNATSStoreConfig()
	cfg.BucketName = uniqueName("echohub-claim")
	// One store per simulated hub process, sharing the bucket.
	stores := make([]*NATSStore, 4)
	for i := range stores {
		s, err := NewNATSStore(ctx, conn, cfg)
		require.NoError(t, err)
		stores[i] = s
	}

	now := time.Now().UTC()
	var wg sync.WaitGroup
	errs := make([]error, len(stores))
	for i, s := range stores {
		wg.Add(1)
		go func(i int, s *NATSStore) {
			defer wg.Done()
			_, errs[i] = s.Upsert(ctx, Node{
				ID:       fmt.Sprintf("node-%d", i),
				Name:     "contender",
				Host:     "10.0.0.1",
				Online:   true,
				LastSeen: now,
			})
		}(i, s)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		if err == nil {
			won++
			continue
		}
		assert.True(t, errors.Is(err, ErrConflict), "unexpected error: %v", err)
	}
	require.Equal(t, 1, won)

	nodes, err := stores[0].List(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1, "losing records are rolled back")
	owner, err := stores[0].GetByHost(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, nodes[0].ID, owner.ID)
}

func TestNATSStore_NilConn(t *testing.T) {
	_, err := NewNATSStore(context.Background(), nil, DefaultNATSStoreConfig())
	require.Error(t, err)
}

func TestHostKey(t *testing.T) {
	key := hostKey("10.0.0.1:8080")
	require.NotContains(t, key, ":")
	require.Equal(t, key, hostKey("10.0.0.1:8080"))
	require.NotEqual(t, key, hostKey("10.0.0.1:8081"))
}

package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/ory/dockertest/v3"
	"github.com/ory/dockertest/v3/docker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/sakif/authcore/internal/model"
	"github.com/sakif/authcore/internal/repository"
	"github.com/sakif/authcore/internal/repository/storetest"
)

func startMongo(t *testing.T) string {
	t.Helper()
	if os.Getenv("SKIP_DOCKER") == "1" {
		t.Skip("SKIP_DOCKER=1 set; skipping integration test")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker not available: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker not available: %v", err)
	}

	resource, err := pool.RunWithOptions(&dockertest.RunOptions{
		Repository: "mongo",
		Tag:        "7",
	}, func(config *docker.HostConfig) {
		config.AutoRemove = true
		config.RestartPolicy = docker.RestartPolicy{Name: "no"}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Purge(resource) })

	uri := fmt.Sprintf("mongodb://localhost:%s", resource.GetPort("27017/tcp"))

	pool.MaxWait = 60 * time.Second
	err = pool.Retry(func() error {
		c, err := mongo.Connect(options.Client().ApplyURI(uri))
		if err != nil {
			return err
		}
		defer c.Disconnect(context.Background())
		return c.Ping(context.Background(), nil)
	})
	require.NoError(t, err)
	return uri
}

func TestMongoContract(t *testing.T) {
	uri := startMongo(t)
	ctx := context.Background()
	n := 0

	storetest.Run(t, func(t *testing.T) repository.CredentialStore {
		// A fresh database per subtest keeps them independent.
		n++
		s, err := New(ctx, Config{URI: uri, Database: fmt.Sprintf("authcore_test_%d", n)}, storetest.Hasher(t))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestAddSession_LiteralStrings(t *testing.T) {
	uri := startMongo(t)
	ctx := context.Background()

	s, err := New(ctx, Config{URI: uri, Database: "authcore_literal"}, storetest.Hasher(t))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.UpsertUser(ctx, model.Identity{UID: "u1", Email: "a@x.com"})
	require.NoError(t, err)

	// A user agent that looks like a field path must be stored verbatim.
	now := time.Now()
	err = s.AddSession(ctx, "u1", "tok1", repository.NewSession{
		SessionID: "s1", IssuedAt: now, ExpiresAt: now.Add(time.Hour), UserAgent: "$sessions",
	})
	require.NoError(t, err)

	recs, err := s.ListSessions(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "$sessions", recs[0].UserAgent)
}

func TestSessionsAreEmbedded(t *testing.T) {
	uri := startMongo(t)
	ctx := context.Background()

	s, err := New(ctx, Config{URI: uri, Database: "authcore_embedded"}, storetest.Hasher(t))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.UpsertUser(ctx, model.Identity{UID: "u1", Email: "a@x.com"})
	require.NoError(t, err)
	now := time.Now()
	require.NoError(t, s.AddSession(ctx, "u1", "tok1", repository.NewSession{SessionID: "s1", IssuedAt: now, ExpiresAt: now.Add(time.Hour)}))

	var raw bson.M
	require.NoError(t, s.users.FindOne(ctx, bson.M{"_id": "u1"}).Decode(&raw))
	sessions, ok := raw["sessions"].(bson.A)
	require.True(t, ok, "sessions should be an embedded array")
	assert.Len(t, sessions, 1)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(context.Background(), Config{URI: "mongodb://localhost"}, nil)
	assert.Error(t, err)

	_, err = New(context.Background(), Config{URI: "mongodb://localhost"}, storetest.Hasher(t))
	assert.Error(t, err, "database name is required")
}

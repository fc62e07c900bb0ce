//go:build integration

package claims

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func redisURL(t *testing.T) string {
	t.Helper()
	if url := os.Getenv("REDIS_URL"); url != "" {
		return url
	}

	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	endpoint, err := c.Endpoint(ctx, "")
	require.NoError(t, err)
	return "redis://" + endpoint
}

func TestRedis_ClaimLifecycle(t *testing.T) {
	ctx := context.Background()
	client, err := Dial(ctx, redisURL(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	prefix := "escrowd-test:" + t.Name() + ":"
	a := NewRedis(client, prefix, time.Minute, nil)
	b := NewRedis(client, prefix, time.Minute, nil)

	release, ok, err := a.TryClaim(ctx, "escrow:1")
	require.NoError(t, err)
	require.True(t, ok)

	_, ok, err = b.TryClaim(ctx, "escrow:1")
	require.NoError(t, err)
	assert.False(t, ok, "another instance must not take a held claim")

	release()

	release2, ok, err := b.TryClaim(ctx, "escrow:1")
	require.NoError(t, err)
	require.True(t, ok)

	// A stale release from the first holder must not delete b's claim.
	release()
	n, err := client.Exists(ctx, prefix+"escrow:1").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	release2()
}

func TestRedis_ClaimExpires(t *testing.T) {
	ctx := context.Background()
	client, err := Dial(ctx, redisURL(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	r := NewRedis(client, "escrowd-test:"+t.Name()+":", 100*time.Millisecond, nil)
	_, ok, err := r.TryClaim(ctx, "escrow:2")
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok, err := r.TryClaim(ctx, "escrow:2")
		return err == nil && ok
	}, 2*time.Second, 50*time.Millisecond)
}


//go:build integration

package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/xenking/oasis-checkout/internal/domain/notify"
)

var redisURL string

func TestMain(m *testing.M) {
	os.Exit(testMain(m))
}

func testMain(m *testing.M) int {
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "start redis: %v\n", err)
		return 1
	}
	defer func() { _ = container.Terminate(ctx) }()

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis endpoint: %v\n", err)
		return 1
	}
	redisURL = "redis://" + endpoint
	return m.Run()
}

func newQueue(t *testing.T) *RetryQueue {
	t.Helper()
	client, err := NewClient(context.Background(), redisURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return NewRetryQueue(client, "test:"+t.Name())
}

func TestRetryQueue(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t)
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	job := func(id string) notify.Job {
		return notify.Job{ID: id, Attempt: 2, Message: notify.Message{To: "thandi@example.com", Subject: id}}
	}
	require.NoError(t, q.Push(ctx, job("later"), now.Add(time.Minute)))
	require.NoError(t, q.Push(ctx, job("first"), now.Add(-time.Minute)))
	require.NoError(t, q.Push(ctx, job("second"), now))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, n)

	got, err := q.PopDue(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "first", got.ID)
	assert.Equal(t, 2, got.Attempt)
	assert.Equal(t, "thandi@example.com", got.Message.To)

	got, err = q.PopDue(ctx, now)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "second", got.ID)

	got, err = q.PopDue(ctx, now)
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = q.PopDue(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "later", got.ID)
}

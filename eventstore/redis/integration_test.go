//go:build integration

package redis_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	es "github.com/terraskye/eventcore"
	redisstore "github.com/terraskye/eventcore/eventstore/redis"
	"github.com/terraskye/eventcore/eventstore/storetest"
)

// Run with: REDIS_ADDR=localhost:6379 go test -tags integration ./eventstore/redis
func TestEventStore_Redis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}

	storetest.Run(t, func(t *testing.T) es.EventStore {
		store, err := redisstore.New(context.Background(), redisstore.Config{
			Addr:      addr,
			KeyPrefix: "eventcore-test:" + uuid.NewString(),
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close() })
		return store
	})
}

package redis_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	es "github.com/terraskye/eventcore"
	redisstore "github.com/terraskye/eventcore/eventstore/redis"
)

func TestNew_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := redisstore.New(ctx, redisstore.Config{Addr: "127.0.0.1:1"})
	var serr *es.EventStoreError
	assert.ErrorAs(t, err, &serr)
}

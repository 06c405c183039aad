package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
)

func TestRedisBusPublish(t *testing.T) {
	t.Parallel()

	rdb, mock := redismock.NewClientMock()
	b := newRedisFromClient(rdb, testLogger())

	e, err := NewEvent("signal", map[string]string{"symbol": "BTC/USDT"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	data, _ := e.Dumps()

	mock.ExpectXAdd(&redis.XAddArgs{
		Stream: "signals",
		Values: map[string]interface{}{payloadField: string(data)},
	}).SetVal("1700000000000-0")

	id, err := b.Publish(context.Background(), "signals", e)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if id != "1700000000000-0" {
		t.Errorf("id = %q, want server-assigned id", id)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedisBusConsume(t *testing.T) {
	t.Parallel()

	rdb, mock := redismock.NewClientMock()
	b := newRedisFromClient(rdb, testLogger())

	e, _ := NewEvent("signal", map[string]string{"symbol": "BTC/USDT"})
	data, _ := e.Dumps()

	mock.ExpectXRead(&redis.XReadArgs{
		Streams: []string{"signals", "0-0"},
		Count:   1,
		Block:   time.Second,
	}).SetVal([]redis.XStream{{
		Stream: "signals",
		Messages: []redis.XMessage{{
			ID:     "1700000000000-1",
			Values: map[string]interface{}{payloadField: string(data)},
		}},
	}})

	got, id, err := b.Consume(context.Background(), "signals", "0-0", time.Second)
	if err != nil {
		t.Fatalf("Consume: %v", err)
	}
	if id != "1700000000000-1" {
		t.Errorf("id = %q, want entry id", id)
	}
	if got.Type != "signal" {
		t.Errorf("type = %q, want signal", got.Type)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRedisBusConsumeTimeout(t *testing.T) {
	t.Parallel()

	rdb, mock := redismock.NewClientMock()
	b := newRedisFromClient(rdb, testLogger())

	mock.ExpectXRead(&redis.XReadArgs{
		Streams: []string{"signals", "$"},
		Count:   1,
		Block:   time.Second,
	}).RedisNil()

	_, _, err := b.Consume(context.Background(), "signals", LastOnly, time.Second)
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("err = %v, want ErrTimeout", err)
	}
}

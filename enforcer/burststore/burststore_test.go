package burststore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMemBurstStoreBasics(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	bs := NewMemBurstStore()

	c, err := bs.GetCount(ctx, "channel_delete", "100/500", PeriodTotal)
	assert.NoError(err)
	assert.Equal(0, c)
	assert.NoError(bs.Increment(ctx, "channel_delete", "100/500"))
	assert.NoError(bs.Increment(ctx, "channel_delete", "100/500"))

	for _, period := range []string{PeriodTotal, PeriodHour, PeriodMinute} {
		c, err = bs.GetCount(ctx, "channel_delete", "100/500", period)
		assert.NoError(err)
		assert.Equal(2, c)
	}

	c, err = bs.GetCountDistinct(ctx, "actors", "100", PeriodTotal)
	assert.NoError(err)
	assert.Equal(0, c)
	assert.NoError(bs.IncrementDistinct(ctx, "actors", "100", "500"))
	assert.NoError(bs.IncrementDistinct(ctx, "actors", "100", "500"))
	assert.NoError(bs.IncrementDistinct(ctx, "actors", "100", "501"))

	for _, period := range []string{PeriodTotal, PeriodHour, PeriodMinute} {
		c, err = bs.GetCountDistinct(ctx, "actors", "100", period)
		assert.NoError(err)
		assert.Equal(2, c)
	}
}

func TestMemBurstStoreConcurrent(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	bs := NewMemBurstStore()

	// interleave writers and readers; run with -race
	var wg sync.WaitGroup
	fnInc := func(name, val string, times int) {
		for i := 0; i < times; i++ {
			assert.NoError(bs.Increment(ctx, name, val))
			assert.NoError(bs.IncrementDistinct(ctx, name, name, val))
			time.Sleep(time.Nanosecond)
		}
		wg.Done()
	}
	fnRead := func(name, val string, times int) {
		for i := 0; i < times; i++ {
			_, err := bs.GetCount(ctx, name, val, PeriodTotal)
			assert.NoError(err)
			time.Sleep(time.Nanosecond)
		}
	}
	wg.Add(4)
	go fnInc("ban", "guild1/actor1", 10)
	go fnInc("ban", "guild1/actor1", 10)
	go fnRead("ban", "guild1/actor1", 10)
	go fnInc("webhook_create", "guild2/actor2", 6)
	go fnInc("webhook_create", "guild2/actor2", 6)
	go fnRead("webhook_create", "guild2/actor2", 6)
	wg.Wait()

	c, err := bs.GetCount(ctx, "ban", "guild1/actor1", PeriodTotal)
	assert.NoError(err)
	assert.Equal(20, c)
	c, err = bs.GetCount(ctx, "webhook_create", "guild2/actor2", PeriodTotal)
	assert.NoError(err)
	assert.Equal(12, c)
}

func TestRedisBurstStoreBasics(t *testing.T) {
	t.Skip("live test, need redis running locally")
	assert := assert.New(t)
	ctx := context.Background()

	bs, err := NewRedisBurstStore("redis://localhost:6379/0")
	if err != nil {
		t.Fail()
	}

	assert.NoError(bs.Increment(ctx, "channel_delete", "100/500"))
	c, err := bs.GetCount(ctx, "channel_delete", "100/500", PeriodMinute)
	assert.NoError(err)
	assert.GreaterOrEqual(c, 1)
}

package common

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntervalTimerOneShot(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	var value int32
	callback := func() error {
		atomic.AddInt32(&value, 1)
		return nil
	}

	assert.Nil(uut.Start(time.Millisecond*100, callback, true))
	time.Sleep(time.Millisecond * 150)
	assert.Equal(int32(1), atomic.LoadInt32(&value))

	time.Sleep(time.Millisecond * 100)
	assert.Equal(int32(1), atomic.LoadInt32(&value))

	assert.Nil(uut.Start(time.Millisecond*50, callback, true))
	time.Sleep(time.Millisecond * 100)
	assert.Equal(int32(2), atomic.LoadInt32(&value))
}

func TestIntervalTimerRestart(t *testing.T) {
	assert := assert.New(t)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetIntervalTimerInstance("testing", ctxt, &wg)
	assert.Nil(err)

	var value int32
	callback := func() error {
		atomic.AddInt32(&value, 1)
		return nil
	}

	// Case 0: invalid interval
	assert.NotNil(uut.Start(0, callback, true))

	// Case 1: restarting replaces the pending countdown
	assert.Nil(uut.Start(time.Millisecond*200, callback, true))
	time.Sleep(time.Millisecond * 150)
	assert.Nil(uut.Start(time.Millisecond*200, callback, true))
	time.Sleep(time.Millisecond * 150)
	assert.Equal(int32(0), atomic.LoadInt32(&value))
	time.Sleep(time.Millisecond * 150)
	assert.Equal(int32(1), atomic.LoadInt32(&value))

	// Case 2: stop before expiry
	assert.Nil(uut.Start(time.Millisecond*100, callback, true))
	assert.Nil(uut.Stop())
	time.Sleep(time.Millisecond * 200)
	assert.Equal(int32(1), atomic.LoadInt32(&value))

	// Case 3: periodic
	assert.Nil(uut.Start(time.Millisecond*40, callback, false))
	time.Sleep(time.Millisecond * 150)
	assert.Nil(uut.Stop())
	assert.GreaterOrEqual(atomic.LoadInt32(&value), int32(3))
}

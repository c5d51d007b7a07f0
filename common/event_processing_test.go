package common

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/stretchr/testify/assert"
)

func TestTaskParamProcessing(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 4, ctxt)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Case 1: no executor map
	{
		assert.NotNil(uut.ProcessNewTaskParam("hello"))
	}

	type testStruct1 struct{}
	type testStruct2 struct{}
	type testStruct3 struct{}

	executorMap := map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			return nil
		},
	}

	// Case 2: define a executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct3{}))
	}

	executorMap = map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error { return nil },
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: append to existing map
	{
		assert.Nil(uut.AddToTaskExecutionMap(
			reflect.TypeOf(&testStruct2{}), func(p interface{}) error { return nil },
		))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}
}

func TestTaskProcessorEventLoopOrdering(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 8, ctxt)
	assert.Nil(err)

	type orderedTask struct{ idx int }

	var processed []int
	testWG := sync.WaitGroup{}
	assert.Nil(uut.AddToTaskExecutionMap(
		reflect.TypeOf(orderedTask{}), func(p interface{}) error {
			processed = append(processed, p.(orderedTask).idx)
			testWG.Done()
			return nil
		},
	))

	// Case 1: tasks submitted before the loop starts are kept
	testWG.Add(3)
	for itr := 0; itr < 3; itr++ {
		useContext, cancel := context.WithTimeout(context.Background(), time.Second)
		assert.Nil(uut.Submit(useContext, orderedTask{idx: itr}))
		cancel()
	}
	assert.Nil(uut.StartEventLoop(&wg))
	testWG.Wait()
	assert.Equal([]int{0, 1, 2}, processed)

	// Case 2: tasks processed in submission order
	testWG.Add(5)
	for itr := 3; itr < 8; itr++ {
		useContext, cancel := context.WithTimeout(context.Background(), time.Second)
		assert.Nil(uut.Submit(useContext, orderedTask{idx: itr}))
		cancel()
	}
	testWG.Wait()
	assert.Equal([]int{0, 1, 2, 3, 4, 5, 6, 7}, processed)

	// Case 3: submit after stop
	assert.Nil(uut.StopEventLoop())
	{
		useContext, cancel := context.WithTimeout(context.Background(), time.Second)
		assert.Equal(ErrProcessorStopped, uut.Submit(useContext, orderedTask{idx: 9}))
		cancel()
	}
}

func TestTaskProcessorSubmitTimeout(t *testing.T) {
	assert := assert.New(t)

	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()
	uut, err := GetNewTaskProcessorInstance("testing", 1, ctxt)
	assert.Nil(err)
	defer func() {
		assert.Nil(uut.StopEventLoop())
	}()

	// Event loop not running, so the buffer fills up
	assert.Nil(uut.Submit(context.Background(), "first"))
	useContext, useCancel := context.WithTimeout(context.Background(), time.Millisecond*50)
	defer useCancel()
	assert.Equal(context.DeadlineExceeded, uut.Submit(useContext, "second"))
}

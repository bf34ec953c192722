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
		reflect.TypeOf(testStruct3{}): func(p interface{}) error { return fmt.Errorf("Dummy error") },
	}

	// Case 3: change executor map
	{
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.NotNil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct3{}))
	}

	// Case 4: pointer and value types are distinct keys
	{
		executorMap[reflect.TypeOf(&testStruct2{})] = func(p interface{}) error { return nil }
		assert.Nil(uut.SetTaskExecutionMap(executorMap))
		assert.Nil(uut.ProcessNewTaskParam(testStruct1{}))
		assert.Nil(uut.ProcessNewTaskParam(&testStruct2{}))
		assert.NotNil(uut.ProcessNewTaskParam(testStruct2{}))
	}
}

func TestTaskProcessorEventLoop(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Case 0: invalid buffer
	{
		_, err := GetNewTaskProcessorInstance("testing", 0, ctxt)
		assert.NotNil(err)
	}

	uut, err := GetNewTaskProcessorInstance("testing", 2, ctxt)
	assert.Nil(err)

	type testStruct1 struct{ value int }
	received := make(chan int, 8)
	release := make(chan bool)
	assert.Nil(uut.SetTaskExecutionMap(map[reflect.Type]TaskHandler{
		reflect.TypeOf(testStruct1{}): func(p interface{}) error {
			<-release
			received <- p.(testStruct1).value
			return nil
		},
	}))

	assert.Nil(uut.StartEventLoop(&wg))

	// Case 1: tasks are processed in order
	{
		useContext, cancel := context.WithTimeout(context.Background(), time.Second)
		assert.Nil(uut.Submit(useContext, testStruct1{value: 1}))
		cancel()
		release <- true
		select {
		case v := <-received:
			assert.Equal(1, v)
		case <-time.After(time.Second):
			assert.False(true, "task not processed")
		}
	}

	// Case 2: TrySubmit reports a full buffer
	{
		// One task held by the handler, two in the buffer
		assert.Nil(uut.TrySubmit(testStruct1{value: 2}))
		time.Sleep(time.Millisecond * 50)
		assert.Nil(uut.TrySubmit(testStruct1{value: 3}))
		assert.Nil(uut.TrySubmit(testStruct1{value: 4}))
		assert.Equal(ErrTaskQueueFull, uut.TrySubmit(testStruct1{value: 5}))
		for itr := 2; itr <= 4; itr++ {
			release <- true
			select {
			case v := <-received:
				assert.Equal(itr, v)
			case <-time.After(time.Second):
				assert.False(true, "task not processed")
			}
		}
	}

	// Case 3: no submission after stop
	{
		assert.Nil(uut.StopEventLoop())
		assert.NotNil(uut.TrySubmit(testStruct1{value: 6}))
		useContext, cancel := context.WithTimeout(context.Background(), time.Millisecond*50)
		defer cancel()
		// Buffer is empty, so the send may win the race against the stop signal
		_ = uut.Submit(useContext, testStruct1{value: 6})
	}
}

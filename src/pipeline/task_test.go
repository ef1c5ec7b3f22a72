package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/square-key-labs/twilio-voice-agent/src/frames"
	"github.com/square-key-labs/twilio-voice-agent/src/processors"
)

// interruptEcho pushes an interruption request upstream whenever it sees a
// TextFrame, and signals when the task's rebroadcast InterruptionFrame comes
// back downstream.
type interruptEcho struct {
	*processors.BaseProcessor
	interrupted chan struct{}
}

func newInterruptEcho() *interruptEcho {
	e := &interruptEcho{interrupted: make(chan struct{}, 1)}
	e.BaseProcessor = processors.NewBaseProcessor("InterruptEcho", e)
	return e
}

func (e *interruptEcho) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		e.HandleStartFrame(f)

	case *frames.TextFrame:
		return e.PushInterruptionTaskFrame()

	case *frames.InterruptionFrame:
		select {
		case e.interrupted <- struct{}{}:
		default:
		}
	}
	return e.PushFrame(frame, direction)
}

func runTask(t *testing.T, task *PipelineTask) chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- task.Run(context.Background())
	}()
	return done
}

func waitSignal(t *testing.T, ch chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestTaskLifecycle(t *testing.T) {
	p := NewPipeline([]processors.FrameProcessor{
		processors.NewPassthroughProcessor("stage", false),
	})
	task := NewPipelineTask(p)

	started := make(chan struct{})
	finished := make(chan struct{})
	task.OnStarted(func() { close(started) })
	task.OnFinished(func() { close(finished) })

	done := runTask(t, task)

	waitSignal(t, started, "pipeline start")
	require.NoError(t, task.QueueFrame(frames.NewEndFrame()))
	waitSignal(t, finished, "pipeline finish")

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after EndFrame reached the sink")
	}
}

func TestTaskQueueBeforeRun(t *testing.T) {
	p := NewPipeline([]processors.FrameProcessor{
		processors.NewPassthroughProcessor("stage", false),
	})
	task := NewPipelineTask(p)

	err := task.QueueFrame(frames.NewTextFrame("too early"))
	assert.Error(t, err)
}

func TestTaskCancelStopsRun(t *testing.T) {
	p := NewPipeline([]processors.FrameProcessor{
		processors.NewPassthroughProcessor("stage", false),
	})
	task := NewPipelineTask(p)

	started := make(chan struct{})
	task.OnStarted(func() { close(started) })

	done := runTask(t, task)
	waitSignal(t, started, "pipeline start")

	task.Cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Cancel")
	}
}

func TestTaskRebroadcastsInterruptions(t *testing.T) {
	echo := newInterruptEcho()
	p := NewPipeline([]processors.FrameProcessor{echo})
	task := NewPipelineTaskWithConfig(p, &PipelineTaskConfig{AllowInterruptions: true})

	started := make(chan struct{})
	task.OnStarted(func() { close(started) })

	done := runTask(t, task)
	waitSignal(t, started, "pipeline start")

	require.NoError(t, task.QueueFrame(frames.NewTextFrame("barge in")))
	waitSignal(t, echo.interrupted, "interruption rebroadcast")

	require.NoError(t, task.QueueFrame(frames.NewEndFrame()))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after EndFrame")
	}
}

func TestTaskRunTwiceFails(t *testing.T) {
	p := NewPipeline([]processors.FrameProcessor{
		processors.NewPassthroughProcessor("stage", false),
	})
	task := NewPipelineTask(p)

	started := make(chan struct{})
	task.OnStarted(func() { close(started) })

	done := runTask(t, task)
	waitSignal(t, started, "pipeline start")

	assert.Error(t, task.Run(context.Background()))

	require.NoError(t, task.QueueFrame(frames.NewEndFrame()))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after EndFrame")
	}
}

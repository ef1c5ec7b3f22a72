package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/square-key-labs/twilio-voice-agent/src/frames"
	"github.com/square-key-labs/twilio-voice-agent/src/interruptions"
	"github.com/square-key-labs/twilio-voice-agent/src/logger"
)

// PipelineTaskConfig configures a pipeline run.
type PipelineTaskConfig struct {
	AllowInterruptions     bool
	InterruptionStrategies []interruptions.InterruptionStrategy
}

// DefaultPipelineTaskConfig enables interruptions with no strategies, which
// means any completed user turn interrupts the bot.
func DefaultPipelineTaskConfig() *PipelineTaskConfig {
	return &PipelineTaskConfig{
		AllowInterruptions: true,
	}
}

// PipelineTask runs one pipeline to completion. It delivers the StartFrame,
// relays externally queued frames, converts upstream interruption requests
// into downstream InterruptionFrames, and finishes when an End or Cancel
// frame reaches the sink.
type PipelineTask struct {
	pipeline *Pipeline
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	config *PipelineTaskConfig
	log    *logger.Logger

	userFrameQueue chan frames.Frame

	started  bool
	finished bool
	mu       sync.RWMutex

	onStarted  func()
	onFinished func()
	onError    func(error)
}

// NewPipelineTask creates a task with the default configuration.
func NewPipelineTask(pipeline *Pipeline) *PipelineTask {
	return NewPipelineTaskWithConfig(pipeline, DefaultPipelineTaskConfig())
}

// NewPipelineTaskWithConfig creates a task with explicit configuration.
func NewPipelineTaskWithConfig(pipeline *Pipeline, config *PipelineTaskConfig) *PipelineTask {
	task := &PipelineTask{
		pipeline:       pipeline,
		config:         config,
		log:            logger.WithPrefix("task"),
		userFrameQueue: make(chan frames.Frame, 100),
	}
	pipeline.Initialize(task)
	return task
}

// OnStarted registers a callback for when the StartFrame reaches the sink.
func (t *PipelineTask) OnStarted(callback func()) {
	t.onStarted = callback
}

// OnFinished registers a callback for pipeline completion.
func (t *PipelineTask) OnFinished(callback func()) {
	t.onFinished = callback
}

// OnError registers a callback for pipeline errors.
func (t *PipelineTask) OnError(callback func(error)) {
	t.onError = callback
}

// QueueFrame submits a frame from outside the pipeline (e.g. transport input).
func (t *PipelineTask) QueueFrame(frame frames.Frame) error {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.started {
		return fmt.Errorf("pipeline not started")
	}
	if t.finished {
		return fmt.Errorf("pipeline already finished")
	}

	select {
	case t.userFrameQueue <- frame:
		return nil
	case <-t.ctx.Done():
		return t.ctx.Err()
	}
}

// Run starts the pipeline and blocks until it finishes or ctx is cancelled.
func (t *PipelineTask) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return fmt.Errorf("pipeline already started")
	}
	t.started = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	t.mu.Unlock()

	t.log.Info("starting pipeline")

	if err := t.pipeline.Start(t.ctx); err != nil {
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	t.wg.Add(1)
	go t.relayUserFrames()

	startFrame := frames.NewStartFrameWithConfig(
		t.config.AllowInterruptions,
		t.config.InterruptionStrategies,
	)
	if err := t.pipeline.QueueFrame(startFrame); err != nil {
		return fmt.Errorf("failed to queue start frame: %w", err)
	}

	t.wg.Wait()

	if err := t.pipeline.Stop(); err != nil {
		t.log.Error("error stopping pipeline: %v", err)
	}

	t.log.Info("pipeline finished")
	return nil
}

// Cancel stops the pipeline immediately without flushing.
func (t *PipelineTask) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
}

func (t *PipelineTask) relayUserFrames() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case frame := <-t.userFrameQueue:
			if err := t.pipeline.QueueFrame(frame); err != nil {
				t.log.Error("error queuing frame: %v", err)
				if t.onError != nil {
					t.onError(err)
				}
			}
		}
	}
}

// handleDownstreamFrame receives frames that reached the sink.
func (t *PipelineTask) handleDownstreamFrame(frame frames.Frame) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		t.log.Debug("pipeline started")
		if t.onStarted != nil {
			t.onStarted()
		}

	case *frames.EndFrame:
		t.log.Debug("end frame reached sink")
		t.markFinished()
		t.Cancel()

	case *frames.CancelFrame:
		t.log.Debug("cancel frame reached sink")
		t.markFinished()
		t.Cancel()

	case *frames.ErrorFrame:
		t.log.Error("pipeline error: %v", f.Error)
		if t.onError != nil {
			t.onError(f.Error)
		}
	}

	return nil
}

// handleUpstreamFrame receives frames that traveled back to the source.
func (t *PipelineTask) handleUpstreamFrame(frame frames.Frame) error {
	switch f := frame.(type) {
	case *frames.InterruptionTaskFrame:
		// Rebroadcast as a downstream InterruptionFrame so every
		// processor clears its pending bot output.
		t.log.Debug("interruption requested")
		if err := t.pipeline.QueueFrame(frames.NewInterruptionFrame()); err != nil {
			t.log.Error("error queuing interruption frame: %v", err)
			return err
		}

	case *frames.ErrorFrame:
		if t.onError != nil {
			t.onError(f.Error)
		}
	}

	return nil
}

func (t *PipelineTask) markFinished() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.finished {
		t.finished = true
		if t.onFinished != nil {
			t.onFinished()
		}
	}
}

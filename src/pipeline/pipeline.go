package pipeline

import (
	"context"
	"fmt"

	"github.com/square-key-labs/twilio-voice-agent/src/frames"
	"github.com/square-key-labs/twilio-voice-agent/src/logger"
	"github.com/square-key-labs/twilio-voice-agent/src/processors"
)

// PipelineSource sits before the first user processor. Upstream frames that
// reach it are delivered to the task (interruption requests, errors).
type PipelineSource struct {
	*processors.BaseProcessor
	task *PipelineTask
}

func newPipelineSource(task *PipelineTask) *PipelineSource {
	ps := &PipelineSource{task: task}
	ps.BaseProcessor = processors.NewBaseProcessor("PipelineSource", ps)
	return ps
}

func (p *PipelineSource) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if direction == frames.Upstream {
		if p.task != nil {
			return p.task.handleUpstreamFrame(frame)
		}
		return nil
	}
	return p.PushFrame(frame, direction)
}

// PipelineSink sits after the last user processor. Downstream frames that
// reach it are delivered to the task (lifecycle completion, errors).
type PipelineSink struct {
	*processors.BaseProcessor
	task *PipelineTask
}

func newPipelineSink(task *PipelineTask) *PipelineSink {
	ps := &PipelineSink{task: task}
	ps.BaseProcessor = processors.NewBaseProcessor("PipelineSink", ps)
	return ps
}

func (p *PipelineSink) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if direction == frames.Downstream {
		if p.task != nil {
			return p.task.handleDownstreamFrame(frame)
		}
		return nil
	}
	return p.PushFrame(frame, direction)
}

// Pipeline links processors into a linear chain bounded by a source and sink.
type Pipeline struct {
	processors []processors.FrameProcessor
	source     *PipelineSource
	sink       *PipelineSink
}

// NewPipeline creates a pipeline over the given processors, in order.
func NewPipeline(procs []processors.FrameProcessor) *Pipeline {
	return &Pipeline{processors: procs}
}

// Initialize builds the chain source -> processors -> sink for the task.
func (p *Pipeline) Initialize(task *PipelineTask) error {
	p.source = newPipelineSource(task)
	p.sink = newPipelineSink(task)

	chain := make([]processors.FrameProcessor, 0, len(p.processors)+2)
	chain = append(chain, p.source)
	chain = append(chain, p.processors...)
	chain = append(chain, p.sink)

	for i := 0; i < len(chain)-1; i++ {
		chain[i].Link(chain[i+1])
	}

	logger.Debug("[pipeline] linked %d processors", len(p.processors))
	return nil
}

// Start launches every processor in chain order.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start source: %w", err)
	}

	for _, proc := range p.processors {
		if err := proc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start processor %s: %w", proc.Name(), err)
		}
	}

	if err := p.sink.Start(ctx); err != nil {
		return fmt.Errorf("failed to start sink: %w", err)
	}

	logger.Info("[pipeline] running with %d processors", len(p.processors))
	return nil
}

// Stop stops processors in reverse order so downstream stages drain first.
func (p *Pipeline) Stop() error {
	if err := p.sink.Stop(); err != nil {
		logger.Error("[pipeline] error stopping sink: %v", err)
	}

	for i := len(p.processors) - 1; i >= 0; i-- {
		if err := p.processors[i].Stop(); err != nil {
			logger.Error("[pipeline] error stopping %s: %v", p.processors[i].Name(), err)
		}
	}

	if err := p.source.Stop(); err != nil {
		logger.Error("[pipeline] error stopping source: %v", err)
	}

	logger.Info("[pipeline] stopped")
	return nil
}

// QueueFrame enqueues a frame at the head of the pipeline.
func (p *Pipeline) QueueFrame(frame frames.Frame) error {
	return p.source.QueueFrame(frame, frames.Downstream)
}

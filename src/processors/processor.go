package processors

import (
	"context"
	"fmt"
	"sync"

	"github.com/square-key-labs/twilio-voice-agent/src/frames"
	"github.com/square-key-labs/twilio-voice-agent/src/interruptions"
	"github.com/square-key-labs/twilio-voice-agent/src/logger"
)

// FrameProcessor is a node in the pipeline chain.
type FrameProcessor interface {
	// ProcessFrame handles a single frame synchronously.
	ProcessFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error

	// QueueFrame enqueues a frame for this processor.
	QueueFrame(frame frames.Frame, direction frames.FrameDirection) error

	// PushFrame forwards a frame to the adjacent processor in the given direction.
	PushFrame(frame frames.Frame, direction frames.FrameDirection) error

	// Link connects this processor to the next one in the chain.
	Link(next FrameProcessor)

	// SetPrev sets the previous processor in the chain.
	SetPrev(prev FrameProcessor)

	// Start launches the frame handling goroutines.
	Start(ctx context.Context) error

	// Stop cancels processing and waits for the goroutines to drain.
	Stop() error

	// Name returns the processor name for logging.
	Name() string
}

// ProcessHandler is implemented by concrete processors; BaseProcessor calls
// HandleFrame for every dequeued frame.
type ProcessHandler interface {
	HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error
}

type frameWithDirection struct {
	frame     frames.Frame
	direction frames.FrameDirection
}

// BaseProcessor implements the chain plumbing shared by all processors: two
// queues (system frames jump ahead of buffered data), linking, and the
// interruption configuration delivered by the StartFrame.
type BaseProcessor struct {
	name string
	next FrameProcessor
	prev FrameProcessor

	systemChan chan frameWithDirection
	dataChan   chan frameWithDirection

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.RWMutex

	allowInterruptions     bool
	interruptionStrategies []interruptions.InterruptionStrategy

	handler ProcessHandler
	log     *logger.Logger
}

// NewBaseProcessor creates the shared processor plumbing. handler receives
// every dequeued frame.
func NewBaseProcessor(name string, handler ProcessHandler) *BaseProcessor {
	return &BaseProcessor{
		name:       name,
		systemChan: make(chan frameWithDirection, 100),
		dataChan:   make(chan frameWithDirection, 1000),
		handler:    handler,
		log:        logger.WithPrefix(name),
	}
}

func (p *BaseProcessor) Name() string {
	return p.name
}

// Logger returns the processor-scoped logger.
func (p *BaseProcessor) Logger() *logger.Logger {
	return p.log
}

func (p *BaseProcessor) Link(next FrameProcessor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next = next
	if next != nil {
		next.SetPrev(p)
	}
}

func (p *BaseProcessor) SetPrev(prev FrameProcessor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prev = prev
}

func (p *BaseProcessor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.ctx != nil {
		return fmt.Errorf("processor %s already started", p.name)
	}

	p.ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(2)
	go p.frameHandler(p.systemChan)
	go p.frameHandler(p.dataChan)

	p.log.Debug("started")
	return nil
}

func (p *BaseProcessor) Stop() error {
	p.mu.Lock()
	if p.cancel != nil {
		p.cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()

	p.log.Debug("stopped")
	return nil
}

func (p *BaseProcessor) QueueFrame(frame frames.Frame, direction frames.FrameDirection) error {
	fwd := frameWithDirection{frame: frame, direction: direction}

	ch := p.dataChan
	if c, ok := frame.(frames.Categorizable); ok && c.Category() == frames.SystemCategory {
		ch = p.systemChan
	}

	select {
	case ch <- fwd:
		return nil
	case <-p.ctx.Done():
		return p.ctx.Err()
	}
}

func (p *BaseProcessor) PushFrame(frame frames.Frame, direction frames.FrameDirection) error {
	p.mu.RLock()
	var target FrameProcessor
	if direction == frames.Downstream {
		target = p.next
	} else {
		target = p.prev
	}
	p.mu.RUnlock()

	if target == nil {
		// End of chain.
		return nil
	}

	return target.QueueFrame(frame, direction)
}

func (p *BaseProcessor) ProcessFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	if p.handler != nil {
		return p.handler.HandleFrame(ctx, frame, direction)
	}
	return p.PushFrame(frame, direction)
}

// HandleStartFrame captures the interruption configuration carried by the
// StartFrame. Concrete processors call this when they see one. Metadata-only
// StartFrames, like the one a transport replays from its protocol start
// event, leave the configuration the task delivered untouched.
func (p *BaseProcessor) HandleStartFrame(frame *frames.StartFrame) {
	if !frame.HasInterruptionConfig() {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.allowInterruptions = frame.AllowInterruptions
	p.interruptionStrategies = frame.InterruptionStrategies
}

// InterruptionsAllowed reports whether the pipeline was started with
// interruptions enabled.
func (p *BaseProcessor) InterruptionsAllowed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.allowInterruptions
}

// InterruptionStrategies returns the strategies configured at startup.
func (p *BaseProcessor) InterruptionStrategies() []interruptions.InterruptionStrategy {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.interruptionStrategies
}

// PushInterruptionTaskFrame sends an interruption request upstream to the
// task, which rebroadcasts it downstream as an InterruptionFrame.
func (p *BaseProcessor) PushInterruptionTaskFrame() error {
	if !p.InterruptionsAllowed() {
		return nil
	}
	return p.PushFrame(frames.NewInterruptionTaskFrame(), frames.Upstream)
}

// HandleInterruptionFrame drops any queued data frames so stale bot output
// never plays after the user interrupts. System frames are left untouched.
func (p *BaseProcessor) HandleInterruptionFrame() {
	drained := 0
	for {
		select {
		case <-p.dataChan:
			drained++
		default:
			if drained > 0 {
				p.log.Debug("interruption: dropped %d queued frames", drained)
			}
			return
		}
	}
}

func (p *BaseProcessor) frameHandler(ch chan frameWithDirection) {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case fwd := <-ch:
			if err := p.ProcessFrame(p.ctx, fwd.frame, fwd.direction); err != nil {
				p.log.Error("error processing %s: %v", fwd.frame.Name(), err)
			}
		}
	}
}

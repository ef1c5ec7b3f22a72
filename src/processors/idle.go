package processors

import (
	"context"
	"sync"
	"time"

	"github.com/square-key-labs/twilio-voice-agent/src/frames"
)

// IdleMonitorConfig controls the conversation watchdog timers.
type IdleMonitorConfig struct {
	// WarningTimeout is how long the user may stay silent before the bot
	// speaks a reminder.
	WarningTimeout time.Duration

	// DisconnectTimeout is how long the user may stay silent before the
	// call is ended.
	DisconnectTimeout time.Duration

	// SessionDuration caps the total call length. Zero disables the cap.
	SessionDuration time.Duration

	// WarningText is spoken when WarningTimeout elapses.
	WarningText string
}

// DefaultIdleMonitorConfig mirrors the outbound-call defaults: warn after 8s
// of silence, hang up after 30s, cap the call at 3 minutes.
func DefaultIdleMonitorConfig() IdleMonitorConfig {
	return IdleMonitorConfig{
		WarningTimeout:    8 * time.Second,
		DisconnectTimeout: 30 * time.Second,
		SessionDuration:   180 * time.Second,
		WarningText:       "Are you still there? I'm here if you'd like to keep talking.",
	}
}

// IdleMonitorProcessor watches for user activity and enforces the idle and
// session timers. When the user goes quiet it first speaks a warning, then
// ends the call; the session cap ends the call regardless of activity.
type IdleMonitorProcessor struct {
	*BaseProcessor
	config IdleMonitorConfig

	mu           sync.Mutex
	lastActivity time.Time
	warned       bool
	botSpeaking  bool

	watchCtx    context.Context
	watchCancel context.CancelFunc
	ended       bool
}

func NewIdleMonitorProcessor(config IdleMonitorConfig) *IdleMonitorProcessor {
	if config.WarningText == "" {
		config.WarningText = DefaultIdleMonitorConfig().WarningText
	}
	p := &IdleMonitorProcessor{
		config:       config,
		lastActivity: time.Now(),
	}
	p.BaseProcessor = NewBaseProcessor("IdleMonitor", p)
	return p
}

func (p *IdleMonitorProcessor) HandleFrame(ctx context.Context, frame frames.Frame, direction frames.FrameDirection) error {
	switch f := frame.(type) {
	case *frames.StartFrame:
		// A replayed StartFrame must not spawn a second watcher.
		p.mu.Lock()
		p.lastActivity = time.Now()
		if p.watchCancel == nil {
			p.watchCtx, p.watchCancel = context.WithCancel(ctx)
			go p.watch(p.watchCtx)
		}
		p.mu.Unlock()

	case *frames.EndFrame, *frames.CancelFrame:
		p.stopWatching()

	case *frames.UserStartedSpeakingFrame:
		p.touch()

	case *frames.TranscriptionFrame:
		if f.IsFinal {
			p.touch()
		}

	case *frames.TTSStartedFrame:
		p.mu.Lock()
		p.botSpeaking = true
		p.mu.Unlock()

	case *frames.TTSStoppedFrame:
		// The silence clock starts when the bot finishes talking.
		p.mu.Lock()
		p.botSpeaking = false
		p.lastActivity = time.Now()
		p.mu.Unlock()
	}

	return p.PushFrame(frame, direction)
}

// touch records user activity and clears any pending warning.
func (p *IdleMonitorProcessor) touch() {
	p.mu.Lock()
	p.lastActivity = time.Now()
	p.warned = false
	p.mu.Unlock()
}

func (p *IdleMonitorProcessor) stopWatching() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watchCancel != nil {
		p.watchCancel()
		p.watchCancel = nil
	}
}

func (p *IdleMonitorProcessor) watch(ctx context.Context) {
	start := time.Now()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.config.SessionDuration > 0 && time.Since(start) >= p.config.SessionDuration {
				p.Logger().Info("session duration reached (%s), ending call", p.config.SessionDuration)
				p.endCall()
				return
			}

			p.mu.Lock()
			idle := time.Since(p.lastActivity)
			warned := p.warned
			speaking := p.botSpeaking
			p.mu.Unlock()

			if speaking {
				continue
			}

			switch {
			case p.config.DisconnectTimeout > 0 && idle >= p.config.DisconnectTimeout:
				p.Logger().Info("user idle for %s, ending call", idle.Round(time.Second))
				p.endCall()
				return

			case p.config.WarningTimeout > 0 && !warned && idle >= p.config.WarningTimeout:
				p.Logger().Info("user idle for %s, speaking warning", idle.Round(time.Second))
				p.mu.Lock()
				p.warned = true
				p.mu.Unlock()
				p.speakWarning()
			}
		}
	}
}

// speakWarning injects the warning text as a bracketed response so the TTS
// stage synthesizes and flushes it like normal LLM output.
func (p *IdleMonitorProcessor) speakWarning() {
	if err := p.PushFrame(frames.NewLLMFullResponseStartFrame(), frames.Downstream); err != nil {
		p.Logger().Error("error pushing warning start: %v", err)
		return
	}
	if err := p.PushFrame(frames.NewTextFrame(p.config.WarningText), frames.Downstream); err != nil {
		p.Logger().Error("error pushing warning text: %v", err)
	}
	if err := p.PushFrame(frames.NewLLMFullResponseEndFrame(), frames.Downstream); err != nil {
		p.Logger().Error("error pushing warning end: %v", err)
	}
}

func (p *IdleMonitorProcessor) endCall() {
	p.mu.Lock()
	if p.ended {
		p.mu.Unlock()
		return
	}
	p.ended = true
	p.mu.Unlock()

	if err := p.PushFrame(frames.NewEndFrame(), frames.Downstream); err != nil {
		p.Logger().Error("error pushing end frame: %v", err)
	}
}

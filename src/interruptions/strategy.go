package interruptions

import "sync"

// InterruptionStrategy decides whether user speech detected while the bot is
// talking should cut the bot off. Strategies accumulate audio and/or text as
// the user speaks; ShouldInterrupt is consulted when their turn completes.
type InterruptionStrategy interface {
	// AppendAudio adds user audio for analysis. Text-only strategies ignore it.
	AppendAudio(audio []byte, sampleRate int) error

	// AppendText adds transcribed user text for analysis.
	AppendText(text string) error

	// ShouldInterrupt reports whether the accumulated input justifies
	// interrupting the bot.
	ShouldInterrupt() (bool, error)

	// Reset clears accumulated state for the next turn.
	Reset() error
}

// BaseInterruptionStrategy provides no-op defaults so strategies only
// implement the inputs they care about.
type BaseInterruptionStrategy struct {
	mu sync.Mutex
}

func (b *BaseInterruptionStrategy) AppendAudio(audio []byte, sampleRate int) error {
	return nil
}

func (b *BaseInterruptionStrategy) AppendText(text string) error {
	return nil
}

func (b *BaseInterruptionStrategy) Reset() error {
	return nil
}

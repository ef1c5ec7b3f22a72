package interruptions

import (
	"strings"

	"github.com/square-key-labs/twilio-voice-agent/src/logger"
)

// MinWordsInterruptionStrategy interrupts once the user has spoken at least
// minWords words. Short backchannel noises ("uh", "mm") stay below the
// threshold and let the bot keep talking.
type MinWordsInterruptionStrategy struct {
	BaseInterruptionStrategy
	minWords int
	text     string
}

func NewMinWordsInterruptionStrategy(minWords int) *MinWordsInterruptionStrategy {
	return &MinWordsInterruptionStrategy{minWords: minWords}
}

func (m *MinWordsInterruptionStrategy) AppendText(text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.text += text
	return nil
}

func (m *MinWordsInterruptionStrategy) ShouldInterrupt() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	wordCount := len(strings.Fields(m.text))
	interrupt := wordCount >= m.minWords

	logger.Debug("[min-words] interrupt=%v words=%d min=%d", interrupt, wordCount, m.minWords)
	return interrupt, nil
}

func (m *MinWordsInterruptionStrategy) Reset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.text = ""
	return nil
}

// Package contextmgr maintains the ordered message sequence for a
// session under a token budget, compacting with a named strategy when
// the budget is exceeded.
package contextmgr

import (
	"log/slog"
	"sync"

	"github.com/haasonsaas/conduit/pkg/models"
)

// DefaultMaxTokens is the fallback context budget.
const DefaultMaxTokens = 100_000

// CompactionEvent describes one compaction pass, for observability.
type CompactionEvent struct {
	Strategy     string
	Dropped      int
	TokensBefore int
	TokensAfter  int
}

// Config assembles a Manager.
type Config struct {
	// MaxTokens is the context budget. Default DefaultMaxTokens.
	MaxTokens int

	// Strategy picks the compaction algorithm. Default SlidingWindow(5).
	Strategy Strategy

	// Estimator overrides the token estimator. Default heuristic.
	Estimator TokenEstimator

	Logger *slog.Logger

	// OnCompaction observes every compaction pass.
	OnCompaction func(CompactionEvent)
}

// Manager holds a session's conversation. The system prompt is kept
// apart from the message list and conveyed separately to engines; it is
// never subject to compaction. Safe for concurrent use, though a
// session's loop is the only writer in practice.
type Manager struct {
	mu           sync.Mutex
	systemPrompt string
	messages     []models.Message
	maxTokens    int
	strategy     Strategy
	estimator    TokenEstimator
	logger       *slog.Logger
	onCompaction func(CompactionEvent)
}

// NewManager builds a Manager from cfg.
func NewManager(cfg Config) *Manager {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	strategy := cfg.Strategy
	if strategy.Name == "" {
		strategy = SlidingWindow(5)
	}
	estimator := cfg.Estimator
	if estimator == nil {
		estimator = HeuristicEstimator()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		maxTokens:    maxTokens,
		strategy:     strategy,
		estimator:    estimator,
		logger:       logger,
		onCompaction: cfg.OnCompaction,
	}
}

// AddMessage appends m and compacts if the budget is exceeded.
func (m *Manager) AddMessage(msg models.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = append(m.messages, msg)
	if m.estimateLocked() > m.maxTokens {
		m.compactLocked()
	}
}

// SetSystemPrompt replaces the system prompt.
func (m *Manager) SetSystemPrompt(s string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemPrompt = s
}

// SystemPrompt returns the current system prompt.
func (m *Manager) SystemPrompt() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.systemPrompt
}

// Clear drops all messages. The system prompt survives.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = nil
}

// Messages returns a copy of the current ordered list, excluding the
// system prompt.
func (m *Manager) Messages() []models.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Message, len(m.messages))
	copy(out, m.messages)
	return out
}

// Len returns the number of messages.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.messages)
}

// SetStrategy switches the compaction strategy.
func (m *Manager) SetStrategy(s Strategy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.Name != "" {
		m.strategy = s
	}
}

// StrategyName returns the active strategy's name.
func (m *Manager) StrategyName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.strategy.Name
}

// EstimateTokens returns the estimated token total of the message list
// plus the system prompt.
func (m *Manager) EstimateTokens() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.estimateLocked()
}

// MaxTokens returns the budget.
func (m *Manager) MaxTokens() int {
	return m.maxTokens
}

func (m *Manager) estimateLocked() int {
	total := m.estimator.Estimate(m.systemPrompt)
	for _, msg := range m.messages {
		total += m.estimator.Estimate(messageText(msg))
	}
	return total
}

package contextmgr

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/conduit/pkg/models"
)

// unit is the atom of compaction: a single message, or an assistant
// message with tool calls plus all its tool-result messages. Dropping
// half a tool exchange corrupts the next engine call, so units are kept
// or dropped whole.
type unit struct {
	msgs      []models.Message
	tokens    int
	lead      models.Role
	hasTools  bool
	firstUser bool
}

func (m *Manager) buildUnits() []unit {
	var units []unit
	firstUserSeen := false

	for i := 0; i < len(m.messages); {
		msg := m.messages[i]
		u := unit{msgs: []models.Message{msg}, lead: msg.Role}

		if msg.Role == models.RoleAssistant && len(msg.ToolCalls) > 0 {
			ids := make(map[string]bool, len(msg.ToolCalls))
			for _, tc := range msg.ToolCalls {
				ids[tc.ID] = true
			}
			j := i + 1
			for j < len(m.messages) && m.messages[j].Role == models.RoleTool && ids[m.messages[j].ToolCallID] {
				u.msgs = append(u.msgs, m.messages[j])
				j++
			}
			u.hasTools = true
			i = j
		} else {
			i++
		}

		if !firstUserSeen && u.lead == models.RoleUser {
			u.firstUser = true
			firstUserSeen = true
		}

		for _, um := range u.msgs {
			u.tokens += m.estimator.Estimate(messageText(um))
		}
		units = append(units, u)
	}
	return units
}

// compactLocked shrinks the message list to the strategy target. Caller
// holds m.mu.
func (m *Manager) compactLocked() {
	params := m.strategy.Params
	before := m.estimateLocked()
	target := int(float64(m.maxTokens) * params.compactionTarget())

	units := m.buildUnits()
	if len(units) == 0 {
		return
	}

	pinned := m.pinUnits(units, params)

	total := before
	dropped := make([]bool, len(units))
	droppedCount := 0
	for i := 0; i < len(units) && total > target; i++ {
		if pinned[i] {
			continue
		}
		dropped[i] = true
		droppedCount++
		total -= units[i].tokens
	}

	if droppedCount == 0 {
		return
	}

	var kept []models.Message
	var droppedUnits []unit
	for i, u := range units {
		if dropped[i] {
			droppedUnits = append(droppedUnits, u)
			continue
		}
		kept = append(kept, u.msgs...)
	}

	if m.strategy.Name == "summarize_coding" && len(droppedUnits) > 0 {
		note := summaryNote(droppedUnits)
		kept = append([]models.Message{note}, kept...)
	}

	m.messages = kept

	after := m.estimateLocked()
	if after > m.maxTokens {
		m.logger.Warn("context still over budget after compaction",
			"tokens", after, "budget", m.maxTokens, "strategy", m.strategy.Name)
	}

	if m.onCompaction != nil {
		m.onCompaction(CompactionEvent{
			Strategy:     m.strategy.Name,
			Dropped:      droppedCount,
			TokensBefore: before,
			TokensAfter:  after,
		})
	}
}

// pinUnits marks the units the strategy must not drop.
func (m *Manager) pinUnits(units []unit, params Params) []bool {
	pinned := make([]bool, len(units))

	for i, u := range units {
		if params.pinnedRole(u.lead) {
			pinned[i] = true
		}
		if params.PreserveTaskDescription && u.firstUser {
			pinned[i] = true
		}
	}

	// The N most recent tool exchanges.
	toolPairs := params.PreserveRecentToolPairs
	if toolPairs == 0 {
		toolPairs = 2
	}
	for i := len(units) - 1; i >= 0 && toolPairs > 0; i-- {
		if units[i].hasTools {
			pinned[i] = true
			toolPairs--
		}
	}

	// The sliding window of recent conversation turns.
	if window := params.Window; window > 0 {
		n := window
		for i := len(units) - 1; i >= 0 && n > 0; i-- {
			if units[i].lead == models.RoleUser || units[i].lead == models.RoleAssistant {
				pinned[i] = true
				n--
			}
		}
	}

	// KeepRatio pins the most recent fraction outright.
	if params.KeepRatio > 0 && params.KeepRatio <= 1 {
		keep := int(float64(len(units))*params.KeepRatio + 0.999)
		for i := len(units) - keep; i < len(units); i++ {
			if i >= 0 {
				pinned[i] = true
			}
		}
	}

	return pinned
}

const summarySnippetLen = 80

// summaryNote folds dropped units into one synthetic system message so
// the engine keeps a digest of earlier work.
func summaryNote(dropped []unit) models.Message {
	var b strings.Builder
	count := 0
	for _, u := range dropped {
		count += len(u.msgs)
	}
	fmt.Fprintf(&b, "[SUMMARY of %d earlier messages]", count)
	for _, u := range dropped {
		for _, msg := range u.msgs {
			text := strings.TrimSpace(msg.Content)
			if text == "" && len(msg.ToolCalls) > 0 {
				names := make([]string, len(msg.ToolCalls))
				for i, tc := range msg.ToolCalls {
					names[i] = tc.Name
				}
				text = "called " + strings.Join(names, ", ")
			}
			if text == "" {
				continue
			}
			if len(text) > summarySnippetLen {
				text = text[:summarySnippetLen] + "..."
			}
			fmt.Fprintf(&b, "\n- %s: %s", msg.Role, text)
		}
	}
	return models.Message{
		Role:      models.RoleSystem,
		Content:   b.String(),
		CreatedAt: time.Now(),
	}
}

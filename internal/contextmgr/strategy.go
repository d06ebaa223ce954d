package contextmgr

import (
	"fmt"

	"github.com/haasonsaas/conduit/pkg/models"
)

// Params tunes a compaction strategy. Zero values fall back to the
// documented defaults at compaction time.
type Params struct {
	// CompactionTarget is the fraction of the budget to aim for after
	// compaction. Default 0.8.
	CompactionTarget float64

	// KeepRatio additionally pins the most recent fraction of units
	// regardless of the window. 0 disables.
	KeepRatio float64

	// PreserveRecentToolPairs pins the N most recent tool-call/result
	// units. Default 2.
	PreserveRecentToolPairs int

	// PreserveTaskDescription pins the first user message. Default true
	// for the named strategies.
	PreserveTaskDescription bool

	// PinnedRoles are never dropped.
	PinnedRoles []models.Role

	// Window is the number of recent user/assistant units kept verbatim
	// by the sliding strategies.
	Window int
}

// Strategy names a compaction algorithm plus its parameters.
type Strategy struct {
	Name   string
	Params Params
}

// SlidingWindow keeps the last k user/assistant units verbatim and drops
// older non-pinned units.
func SlidingWindow(k int) Strategy {
	if k <= 0 {
		k = 5
	}
	return Strategy{
		Name: fmt.Sprintf("sliding_window_%d", k),
		Params: Params{
			CompactionTarget:        0.8,
			PreserveRecentToolPairs: 2,
			PreserveTaskDescription: true,
			Window:                  k,
		},
	}
}

// SlidingConservative is a five-message window with a roomier target,
// for sessions that revisit earlier turns often.
func SlidingConservative() Strategy {
	s := SlidingWindow(5)
	s.Name = "sliding_conservative"
	s.Params.CompactionTarget = 0.9
	return s
}

// SummarizeCoding drops old units like the sliding strategies but folds
// them into one synthetic "[SUMMARY ...]" system note so the engine
// keeps a digest of earlier work.
func SummarizeCoding() Strategy {
	s := SlidingWindow(6)
	s.Name = "summarize_coding"
	return s
}

// DropOldestPinned drops the oldest non-pinned unit until under target,
// with no verbatim window.
func DropOldestPinned() Strategy {
	return Strategy{
		Name: "drop_oldest_pinned",
		Params: Params{
			CompactionTarget:        0.8,
			PreserveRecentToolPairs: 2,
			PreserveTaskDescription: true,
		},
	}
}

func (p Params) compactionTarget() float64 {
	if p.CompactionTarget <= 0 || p.CompactionTarget > 1 {
		return 0.8
	}
	return p.CompactionTarget
}

func (p Params) pinnedRole(r models.Role) bool {
	for _, pr := range p.PinnedRoles {
		if pr == r {
			return true
		}
	}
	return false
}

// Package tools assembles the built-in toolset for a session.
package tools

import (
	"github.com/haasonsaas/conduit/internal/agent"
	"github.com/haasonsaas/conduit/internal/tools/browser"
	"github.com/haasonsaas/conduit/internal/tools/files"
	"github.com/haasonsaas/conduit/internal/tools/memorytool"
	"github.com/haasonsaas/conduit/internal/tools/shell"
	"github.com/haasonsaas/conduit/internal/tools/subagent"
	"github.com/haasonsaas/conduit/internal/tools/web"
)

// Options selects and configures the built-in tools.
type Options struct {
	Files    files.Config
	Shell    shell.Config
	Fetch    web.FetchConfig
	Search   web.SearchConfig
	Subagent subagent.Config

	// Browser enables the chromedp tool when non-nil (it needs a Chrome
	// binary on the host).
	Browser *browser.Config

	// NoMemory omits memory_store/memory_recall for sessions without a
	// backend.
	NoMemory bool

	// NoSubagent omits the subagent tool (it is itself registered into
	// sub-loops, which must not recurse).
	NoSubagent bool
}

// Defaults returns the built-in tools in registration order.
func Defaults(opts Options) []agent.Tool {
	list := []agent.Tool{
		files.NewReadTool(opts.Files),
		files.NewWriteTool(),
		files.NewEditTool(),
		files.NewListTool(opts.Files),
		shell.New(opts.Shell),
		web.NewFetchTool(opts.Fetch),
		web.NewSearchTool(opts.Search),
	}
	if !opts.NoMemory {
		list = append(list, memorytool.NewStoreTool(), memorytool.NewRecallTool())
	}
	if !opts.NoSubagent {
		list = append(list, subagent.New(opts.Subagent))
	}
	if opts.Browser != nil {
		list = append(list, browser.New(*opts.Browser))
	}
	return list
}

// RegisterDefaults registers the built-in toolset into reg.
func RegisterDefaults(reg *agent.Registry, opts Options) {
	for _, tool := range Defaults(opts) {
		reg.Register(tool)
	}
}

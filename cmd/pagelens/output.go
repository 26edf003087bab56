package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tomyan/pagelens/internal/dom"
	"github.com/tomyan/pagelens/internal/page"
)

// TextValuer is implemented by results that have an obvious plain-text
// representation.
type TextValuer interface {
	TextValue() string
}

// StateResult is an extracted page state.
type StateResult struct {
	*dom.State
}

func (r StateResult) TextValue() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n", r.Title, r.URL)
	if r.Truncated {
		b.WriteString("(truncated)\n")
	}
	b.WriteString("\n")
	b.WriteString(r.Text)
	return b.String()
}

// ResolveResult maps an index to the element's backend node id.
type ResolveResult struct {
	StateID       string `json:"stateId"`
	Index         int    `json:"index"`
	BackendNodeID int64  `json:"backendNodeId"`
	Tag           string `json:"tag"`
}

func (r ResolveResult) TextValue() string { return strconv.FormatInt(r.BackendNodeID, 10) }

// MarkdownResult is the page content as Markdown.
type MarkdownResult struct {
	Markdown string `json:"markdown"`
}

func (r MarkdownResult) TextValue() string { return r.Markdown }

// GotoResult is a finished navigation.
type GotoResult struct {
	*page.NavigateResult
}

func (r GotoResult) TextValue() string { return r.URL }

// ActionResult reports an action that returns nothing else.
type ActionResult struct {
	Action string `json:"action"`
	Index  int    `json:"index,omitempty"`
	Key    string `json:"key,omitempty"`
	OK     bool   `json:"ok"`
}

func (r ActionResult) TextValue() string { return "ok" }

// ScrollResult reports a scroll, by pages or by pixels.
type ScrollResult struct {
	Pages float64 `json:"pages,omitempty"`
	DX    float64 `json:"dx,omitempty"`
	DY    float64 `json:"dy,omitempty"`
}

func (r ScrollResult) TextValue() string { return "ok" }

// ScreenshotResult reports a written screenshot.
type ScreenshotResult struct {
	File  string `json:"file"`
	Bytes int    `json:"bytes"`
}

func (r ScreenshotResult) TextValue() string { return r.File }

// TabList is the open tabs.
type TabList []page.Tab

func (l TabList) TextValue() string {
	lines := make([]string, 0, len(l))
	for i, t := range l {
		mark := " "
		if t.Current {
			mark = "*"
		}
		lines = append(lines, fmt.Sprintf("%s %d %s %s %s", mark, i, t.ID, t.Title, t.URL))
	}
	return strings.Join(lines, "\n")
}

// TabResult names a tab that was opened, selected or closed.
type TabResult struct {
	TargetID string `json:"targetId"`
}

func (r TabResult) TextValue() string { return r.TargetID }

func (a *App) output(v interface{}) error {
	switch a.cfg.Output {
	case "json":
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "ndjson":
		return json.NewEncoder(a.stdout).Encode(v)
	case "text":
		if tv, ok := v.(TextValuer); ok {
			_, err := fmt.Fprintln(a.stdout, tv.TextValue())
			return err
		}
		// Fall back to JSON for complex types
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	default:
		return fmt.Errorf("unknown output format: %s", a.cfg.Output)
	}
}

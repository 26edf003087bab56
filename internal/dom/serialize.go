package dom

import (
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// DefaultBudget is the rendered text budget in runes.
const DefaultBudget = 40000

// maxLabel bounds labels and attribute values in runes.
const maxLabel = 100

// DefaultIncludeAttributes are rendered on interactive elements, in this
// order, when present.
var DefaultIncludeAttributes = []string{
	"title",
	"type",
	"checked",
	"name",
	"role",
	"value",
	"placeholder",
	"alt",
	"aria-label",
	"aria-expanded",
	"aria-checked",
	"aria-valuemin",
	"aria-valuemax",
	"aria-valuenow",
	"data-state",
	"pattern",
	"min",
	"max",
	"minlength",
	"maxlength",
	"step",
	"accept",
	"multiple",
	"inputmode",
	"autocomplete",
}

// RenderOptions configures IndexAndRender.
type RenderOptions struct {
	// Budget is the maximum length of the text in runes; DefaultBudget
	// when zero.
	Budget int
	// IncludeAttributes overrides DefaultIncludeAttributes.
	IncludeAttributes []string
}

var hiddenTags = map[string]bool{
	"script":   true,
	"style":    true,
	"head":     true,
	"meta":     true,
	"link":     true,
	"title":    true,
	"noscript": true,
	"template": true,
}

// IndexAndRender numbers interactive nodes in document order starting at
// IndexBase and renders the tree as text. Every interactive node is in the
// SelectorMap even when the text budget cuts rendering short. Lines are
// added whole or not at all; once one does not fit, rendering stops and
// Truncated is set.
func IndexAndRender(root *Node, opts RenderOptions) *State {
	st := &State{
		ID:          uuid.NewString(),
		Root:        root,
		SelectorMap: make(SelectorMap),
	}

	next := IndexBase
	root.Walk(func(n *Node) bool {
		st.Nodes++
		if n.ResolutionFailed {
			st.Unresolved++
		}
		n.Index = 0
		if n.Interactive {
			n.Index = next
			st.SelectorMap[next] = n
			next++
		}
		return true
	})
	st.Interactive = len(st.SelectorMap)

	r := &renderer{budget: opts.Budget, attrs: opts.IncludeAttributes}
	if r.budget <= 0 {
		r.budget = DefaultBudget
	}
	if r.attrs == nil {
		r.attrs = DefaultIncludeAttributes
	}
	if root != nil {
		r.render(root, 0, renderContext{})
	}

	st.Text = r.b.String()
	st.Truncated = r.truncated
	return st
}

type renderer struct {
	b         strings.Builder
	used      int
	budget    int
	attrs     []string
	truncated bool
}

type renderContext struct {
	// hidden is set inside script, style and similar subtrees.
	hidden bool
	// folded is set inside an interactive node whose label already
	// carries its text.
	folded bool
}

// line appends one line if it fits in the remaining budget.
func (r *renderer) line(depth int, s string) bool {
	if r.truncated {
		return false
	}
	l := strings.Repeat("\t", depth) + s
	cost := utf8.RuneCountInString(l)
	if r.used > 0 {
		cost++
	}
	if r.used+cost > r.budget {
		r.truncated = true
		return false
	}
	if r.used > 0 {
		r.b.WriteByte('\n')
	}
	r.b.WriteString(l)
	r.used += cost
	return true
}

func (r *renderer) render(n *Node, depth int, rc renderContext) {
	if r.truncated {
		return
	}

	switch {
	case n.ResolutionFailed:
		marker := "|iframe unresolved|"
		if n.FrameID != "" {
			marker += " frame=" + n.FrameID
		}
		r.line(depth, marker)
		return

	case n.NodeType == TextNode:
		if rc.hidden || rc.folded || !n.Visible {
			return
		}
		if text := collapseSpace(n.Value); utf8.RuneCountInString(text) >= 2 {
			r.line(depth, text)
		}
		return

	case n.NodeType == ElementNode:
		if hiddenTags[n.Tag] {
			rc.hidden = true
		}
		if n.Index > 0 {
			label, fromText := nodeLabel(n)
			r.line(depth, fmt.Sprintf("[%d]<%s%s>%s", n.Index, n.Tag, r.attributes(n, label), label))
			depth++
			rc.folded = fromText
		} else if n.Tag == "img" && n.Visible && !rc.hidden {
			if alt := strings.TrimSpace(n.Attributes["alt"]); alt != "" {
				r.line(depth, fmt.Sprintf("<img alt=%s>", quoteValue(clip(alt))))
			}
		}

	case n.NodeType == DocumentNode && len(n.Containment) > 0:
		if hasIndexed(n) {
			r.line(depth, "|iframe|")
			depth++
		}

	case n.NodeType == DocumentFragmentNode && n.ShadowRootType != "":
		if hasIndexed(n) {
			r.line(depth, "|shadow("+n.ShadowRootType+")|")
			depth++
		}
	}

	for _, c := range n.Children {
		r.render(c, depth, rc)
	}
}

func (r *renderer) attributes(n *Node, label string) string {
	var b strings.Builder
	for _, name := range r.attrs {
		v, ok := n.Attributes[name]
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		if v == "" {
			if name == "checked" || name == "multiple" {
				b.WriteString(" " + name)
			}
			continue
		}
		if clip(collapseSpace(v)) == label {
			continue
		}
		b.WriteString(" " + name + "=" + quoteValue(clip(v)))
	}
	return b.String()
}

// nodeLabel picks the text shown after an interactive element. fromText
// reports whether it was taken from descendant text, which is then not
// rendered again.
func nodeLabel(n *Node) (label string, fromText bool) {
	if v := collapseSpace(n.Attributes["aria-label"]); v != "" {
		return clip(v), false
	}
	if text := descendantText(n); text != "" {
		return clip(text), true
	}
	if n.AX != nil {
		if v := collapseSpace(n.AX.Name); v != "" {
			return clip(v), false
		}
	}
	for _, attr := range []string{"value", "placeholder", "title", "alt"} {
		if v := collapseSpace(n.Attributes[attr]); v != "" {
			return clip(v), false
		}
	}
	return "", false
}

// descendantText joins the visible text under n, not descending into
// other indexed nodes or hidden subtrees.
func descendantText(n *Node) string {
	var parts []string
	for _, c := range n.Children {
		c.Walk(func(d *Node) bool {
			if d.Index > 0 || hiddenTags[d.Tag] || concealed(d) {
				return false
			}
			if d.NodeType == TextNode && d.Visible {
				if t := collapseSpace(d.Value); t != "" {
					parts = append(parts, t)
				}
			}
			return true
		})
	}
	return strings.Join(parts, " ")
}

// concealed reports an element whose computed style hides it and its
// subtree.
func concealed(n *Node) bool {
	if n.NodeType != ElementNode {
		return false
	}
	switch n.Styles["visibility"] {
	case "hidden", "collapse":
		return true
	}
	return n.Styles["display"] == "none"
}

func hasIndexed(n *Node) bool {
	found := false
	n.Walk(func(d *Node) bool {
		if d.Index > 0 || d.ResolutionFailed {
			found = true
		}
		return !found
	})
	return found
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func clip(s string) string {
	if utf8.RuneCountInString(s) <= maxLabel {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLabel]) + "…"
}

func quoteValue(v string) string {
	if strings.ContainsAny(v, " \t\"'<>=") {
		return strconv.Quote(v)
	}
	return v
}

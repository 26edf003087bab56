package dom

import "strings"

// Policy decides which nodes get an interactive index. It only looks at
// the node itself, so equal inputs always classify the same way.
type Policy struct {
	// Tags are element names that are always actionable.
	Tags map[string]bool
	// Roles are ARIA or accessibility roles that are actionable.
	Roles map[string]bool
	// Attributes make an element actionable when present.
	Attributes []string
	// SnapshotClickable trusts the snapshot's click listener flag.
	SnapshotClickable bool
	// PointerCursor treats cursor: pointer as actionable.
	PointerCursor bool
	// RequireVisible excludes nodes without a visible box.
	RequireVisible bool
}

// DefaultPolicy returns the classification rules used by extraction.
func DefaultPolicy() *Policy {
	return &Policy{
		Tags: set(
			"a", "button", "input", "select", "textarea",
			"label", "summary", "details", "option",
		),
		Roles: set(
			"button", "link", "menuitem", "menuitemcheckbox", "menuitemradio",
			"tab", "option", "checkbox", "radio", "switch",
			"textbox", "searchbox", "combobox", "slider", "spinbutton",
			"treeitem", "listbox",
		),
		Attributes:        []string{"onclick", "onmousedown", "ontouchstart", "tabindex"},
		SnapshotClickable: true,
		PointerCursor:     true,
		RequireVisible:    true,
	}
}

func set(items ...string) map[string]bool {
	m := make(map[string]bool, len(items))
	for _, item := range items {
		m[item] = true
	}
	return m
}

// Interactive classifies n.
func (p *Policy) Interactive(n *Node) bool {
	if n.NodeType != ElementNode || n.ResolutionFailed {
		return false
	}
	if p.RequireVisible && !n.Visible {
		return false
	}
	if disabled(n) {
		return false
	}
	if n.Tag == "input" && strings.EqualFold(n.Attributes["type"], "hidden") {
		return false
	}

	if p.Tags[n.Tag] {
		return true
	}
	if role := n.Role(); role != "" && p.Roles[strings.ToLower(role)] {
		return true
	}
	for _, attr := range p.Attributes {
		v, ok := n.Attributes[attr]
		if !ok {
			continue
		}
		if attr == "tabindex" && strings.HasPrefix(strings.TrimSpace(v), "-") {
			continue
		}
		return true
	}
	if ce, ok := n.Attributes["contenteditable"]; ok && (ce == "" || strings.EqualFold(ce, "true")) {
		return true
	}
	if p.SnapshotClickable && n.Clickable {
		return true
	}
	if p.PointerCursor && n.Styles["cursor"] == "pointer" {
		return true
	}
	return false
}

func disabled(n *Node) bool {
	if _, ok := n.Attributes["disabled"]; ok {
		return true
	}
	if strings.EqualFold(n.Attributes["aria-disabled"], "true") {
		return true
	}
	if n.AX != nil && n.AX.Properties["disabled"] == "true" {
		return true
	}
	return false
}

// visible reports whether a snapshot entry describes a rendered box.
func visible(e *snapshotEntry) bool {
	if e == nil || e.bounds == nil || e.bounds.Empty() {
		return false
	}
	switch {
	case e.styles["display"] == "none":
		return false
	case e.styles["visibility"] == "hidden", e.styles["visibility"] == "collapse":
		return false
	case e.styles["opacity"] == "0":
		return false
	}
	return true
}

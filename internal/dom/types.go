// Package dom builds an indexed view of a page from the browser's DOM,
// accessibility and layout snapshots.
//
// Extraction runs in three steps: Fetcher.FetchAll pulls the raw trees in
// parallel, Merge cross-references them by backend node id into one tree
// of Nodes in top-level document coordinates, and IndexAndRender numbers
// the interactive nodes and renders the tree as budgeted text.
package dom

import (
	"errors"
	"math"
)

// Errors
var (
	ErrNoDocument       = errors.New("no document root")
	ErrResolutionFailed = errors.New("frame could not be resolved")
)

// IndexBase is the first interactive index assigned in a State.
const IndexBase = 1

// NodeType is the DOM node type.
type NodeType int

// Node types as reported by the browser.
const (
	ElementNode          NodeType = 1
	AttributeNode        NodeType = 2
	TextNode             NodeType = 3
	CDATASectionNode     NodeType = 4
	CommentNode          NodeType = 8
	DocumentNode         NodeType = 9
	DocumentTypeNode     NodeType = 10
	DocumentFragmentNode NodeType = 11
)

// Point is a position in CSS pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Rect is a box in top-level document coordinates.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the middle of the box.
func (r Rect) Center() Point {
	return Point{X: r.X + r.Width/2, Y: r.Y + r.Height/2}
}

// Empty reports whether the box has no area.
func (r Rect) Empty() bool {
	return r.Width <= 0 || r.Height <= 0 || math.IsNaN(r.Width) || math.IsNaN(r.Height)
}

// ContainmentKind says what embeds a subtree.
type ContainmentKind string

const (
	ContainmentIframe ContainmentKind = "iframe"
	ContainmentShadow ContainmentKind = "shadow"
)

// Containment is one embedding level between the top-level document and a
// node: an iframe's content document or a shadow root.
type Containment struct {
	Kind ContainmentKind `json:"kind"`
	// HostBackendNodeID is the iframe element or shadow host.
	HostBackendNodeID int64  `json:"hostBackendNodeId"`
	FrameID           string `json:"frameId,omitempty"`
	ShadowRootType    string `json:"shadowRootType,omitempty"`
}

// AXInfo is the accessibility view of a node.
type AXInfo struct {
	ID          string            `json:"id"`
	Ignored     bool              `json:"ignored,omitempty"`
	Role        string            `json:"role,omitempty"`
	Name        string            `json:"name,omitempty"`
	Description string            `json:"description,omitempty"`
	Properties  map[string]string `json:"properties,omitempty"`
}

// Node is one merged DOM node. The whole tree is rebuilt on every
// extraction and is read-only once IndexAndRender returns.
type Node struct {
	BackendNodeID int64             `json:"backendNodeId"`
	NodeID        int64             `json:"nodeId,omitempty"`
	NodeType      NodeType          `json:"nodeType"`
	Tag           string            `json:"tag,omitempty"`
	Value         string            `json:"value,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`

	FrameID        string `json:"frameId,omitempty"`
	ShadowRootType string `json:"shadowRootType,omitempty"`

	// Bounds is nil when the layout snapshot has no box for the node.
	Bounds *Rect `json:"bounds,omitempty"`
	// Origin is the accumulated offset of the document containing the
	// node. It is set even without Bounds.
	Origin Point             `json:"origin"`
	Styles map[string]string `json:"styles,omitempty"`

	Visible     bool `json:"visible,omitempty"`
	Interactive bool `json:"interactive,omitempty"`
	Scrollable  bool `json:"scrollable,omitempty"`
	// Clickable is set when the snapshot reports a click listener.
	Clickable bool `json:"clickable,omitempty"`

	AX *AXInfo `json:"ax,omitempty"`

	// Containment lists the embeddings around the node, outermost first.
	Containment []Containment `json:"containment,omitempty"`
	Children    []*Node       `json:"children,omitempty"`

	// ResolutionFailed marks a placeholder for a frame whose document
	// could not be fetched.
	ResolutionFailed bool `json:"resolutionFailed,omitempty"`

	// Index is the interactive index, 0 when none.
	Index int `json:"index,omitempty"`
}

// Attr returns an attribute value and whether it is present.
func (n *Node) Attr(name string) (string, bool) {
	v, ok := n.Attributes[name]
	return v, ok
}

// Role returns the explicit role attribute, falling back to the
// accessibility role.
func (n *Node) Role() string {
	if r, ok := n.Attributes["role"]; ok && r != "" {
		return r
	}
	if n.AX != nil {
		return n.AX.Role
	}
	return ""
}

// Walk calls fn for n and its descendants depth-first in document order.
// Returning false from fn skips the node's children.
func (n *Node) Walk(fn func(*Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, c := range n.Children {
		c.Walk(fn)
	}
}

// SelectorMap maps interactive indices to nodes.
type SelectorMap map[int]*Node

// State is the result of one extraction. It is immutable and valid for a
// single action cycle.
type State struct {
	// ID identifies the extraction; indices are only valid against it.
	ID          string      `json:"id"`
	URL         string      `json:"url,omitempty"`
	Title       string      `json:"title,omitempty"`
	Text        string      `json:"text"`
	Truncated   bool        `json:"truncated,omitempty"`
	SelectorMap SelectorMap `json:"-"`
	Root        *Node       `json:"-"`

	Nodes       int `json:"nodes"`
	Interactive int `json:"interactive"`
	Unresolved  int `json:"unresolved,omitempty"`
}

// Lookup returns the node with the given interactive index.
func (s *State) Lookup(index int) (*Node, bool) {
	n, ok := s.SelectorMap[index]
	return n, ok
}

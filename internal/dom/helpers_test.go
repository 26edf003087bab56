package dom_test

import (
	"sort"
	"strings"

	"github.com/tomyan/pagelens/internal/dom"
)

func document(id int64, children ...*dom.RawNode) *dom.RawNode {
	return &dom.RawNode{
		NodeID:        id,
		BackendNodeID: id,
		NodeType:      dom.DocumentNode,
		NodeName:      "#document",
		Children:      children,
	}
}

func element(id int64, tag string, attrs []string, children ...*dom.RawNode) *dom.RawNode {
	return &dom.RawNode{
		NodeID:        id,
		BackendNodeID: id,
		NodeType:      dom.ElementNode,
		NodeName:      strings.ToUpper(tag),
		LocalName:     tag,
		Attributes:    attrs,
		Children:      children,
	}
}

func text(id int64, value string) *dom.RawNode {
	return &dom.RawNode{
		NodeID:        id,
		BackendNodeID: id,
		NodeType:      dom.TextNode,
		NodeName:      "#text",
		NodeValue:     value,
	}
}

func iframe(id int64, frameID string, content *dom.RawNode) *dom.RawNode {
	n := element(id, "iframe", nil)
	n.FrameID = frameID
	n.ContentDocument = content
	return n
}

func shadowRoot(id int64, mode string, children ...*dom.RawNode) *dom.RawNode {
	return &dom.RawNode{
		NodeID:         id,
		BackendNodeID:  id,
		NodeType:       dom.DocumentFragmentNode,
		NodeName:       "#document-fragment",
		ShadowRootType: mode,
		Children:       children,
	}
}

var defaultStyles = map[string]string{
	"display":          "block",
	"visibility":       "visible",
	"opacity":          "1",
	"overflow":         "visible",
	"overflow-x":       "visible",
	"overflow-y":       "visible",
	"cursor":           "auto",
	"pointer-events":   "auto",
	"position":         "static",
	"background-color": "rgba(0, 0, 0, 0)",
}

type layoutBox struct {
	id     int64
	rect   [4]float64
	styles map[string]string
}

// snapshotBuilder assembles a DOMSnapshot result. Each document is a list
// of boxes; backend ids listed in clickable get the click listener flag.
type snapshotBuilder struct {
	docs      [][]layoutBox
	bare      [][]int64
	clickable map[int64]bool
}

func newSnapshot() *snapshotBuilder {
	return &snapshotBuilder{clickable: make(map[int64]bool)}
}

// doc starts a new document and returns its position.
func (b *snapshotBuilder) doc() int {
	b.docs = append(b.docs, nil)
	b.bare = append(b.bare, nil)
	return len(b.docs) - 1
}

// box records a laid out node. styles are name/value pairs overriding the
// defaults.
func (b *snapshotBuilder) box(doc int, id int64, x, y, w, h float64, styles ...string) *snapshotBuilder {
	s := make(map[string]string, len(defaultStyles))
	for k, v := range defaultStyles {
		s[k] = v
	}
	for i := 0; i+1 < len(styles); i += 2 {
		s[styles[i]] = styles[i+1]
	}
	b.docs[doc] = append(b.docs[doc], layoutBox{id: id, rect: [4]float64{x, y, w, h}, styles: s})
	return b
}

// node records a node with no layout object.
func (b *snapshotBuilder) node(doc int, id int64) *snapshotBuilder {
	b.bare[doc] = append(b.bare[doc], id)
	return b
}

func (b *snapshotBuilder) click(id int64) *snapshotBuilder {
	b.clickable[id] = true
	return b
}

func (b *snapshotBuilder) build() *dom.Snapshot {
	snap := &dom.Snapshot{}
	strs := map[string]int{}
	intern := func(s string) int {
		if i, ok := strs[s]; ok {
			return i
		}
		strs[s] = len(snap.Strings)
		snap.Strings = append(snap.Strings, s)
		return strs[s]
	}

	for di, boxes := range b.docs {
		var d dom.SnapshotDocument
		for _, bx := range boxes {
			ni := len(d.Nodes.BackendNodeID)
			d.Nodes.BackendNodeID = append(d.Nodes.BackendNodeID, bx.id)
			if b.clickable[bx.id] {
				d.Nodes.IsClickable.Index = append(d.Nodes.IsClickable.Index, ni)
			}
			d.Layout.NodeIndex = append(d.Layout.NodeIndex, ni)
			d.Layout.Bounds = append(d.Layout.Bounds, bx.rect[:])
			styles := make([]int, len(dom.RequiredStyles))
			for i, name := range dom.RequiredStyles {
				styles[i] = intern(bx.styles[name])
			}
			d.Layout.Styles = append(d.Layout.Styles, styles)
		}

		bare := append([]int64(nil), b.bare[di]...)
		sort.Slice(bare, func(i, j int) bool { return bare[i] < bare[j] })
		for _, id := range bare {
			ni := len(d.Nodes.BackendNodeID)
			d.Nodes.BackendNodeID = append(d.Nodes.BackendNodeID, id)
			if b.clickable[id] {
				d.Nodes.IsClickable.Index = append(d.Nodes.IsClickable.Index, ni)
			}
		}
		snap.Documents = append(snap.Documents, d)
	}
	return snap
}

// find returns the first node with the given backend id.
func find(root *dom.Node, backendNodeID int64) *dom.Node {
	var found *dom.Node
	root.Walk(func(n *dom.Node) bool {
		if found == nil && n.BackendNodeID == backendNodeID && !n.ResolutionFailed {
			found = n
		}
		return found == nil
	})
	return found
}

// axNode builds an accessibility entry with a role and name.
func axNode(id string, backendNodeID int64, role, name string) dom.AXNode {
	return dom.AXNode{
		NodeID:           id,
		BackendDOMNodeID: backendNodeID,
		Role:             &dom.AXValue{Type: "role", Value: []byte(`"` + role + `"`)},
		Name:             &dom.AXValue{Type: "computedString", Value: []byte(`"` + name + `"`)},
	}
}

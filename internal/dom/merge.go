package dom

import (
	"go.uber.org/zap"
)

// DefaultMaxIframeDepth bounds nesting of separately fetched frames.
const DefaultMaxIframeDepth = 5

// MergeOptions configures Merge.
type MergeOptions struct {
	// Policy classifies interactivity; DefaultPolicy when nil.
	Policy *Policy
	Logger *zap.Logger
	// MaxIframeDepth bounds how many separately fetched frames may be
	// nested. Content documents already inlined in the DOM are always
	// walked.
	MaxIframeDepth int
}

// frameTables are the lookups for one fetched document. Side tables hold
// arena indices rather than pointers into the raw results.
type frameTables struct {
	snapshot    *snapshotTable
	ax          []AXNode
	axByBackend map[int64]int
	dpr         float64
	frames      map[string]*Trees
}

func newFrameTables(t *Trees) *frameTables {
	ft := &frameTables{
		snapshot:    buildSnapshotTable(t.Snapshot),
		ax:          t.AX,
		axByBackend: make(map[int64]int, len(t.AX)),
		dpr:         t.DevicePixelRatio,
		frames:      t.Frames,
	}
	if ft.dpr <= 0 {
		ft.dpr = 1
	}
	for i := range t.AX {
		if id := t.AX[i].BackendDOMNodeID; id != 0 {
			if _, dup := ft.axByBackend[id]; !dup {
				ft.axByBackend[id] = i
			}
		}
	}
	return ft
}

// walkContext is what a node inherits from its ancestors.
type walkContext struct {
	offset     Point
	chain      []Containment
	frameDepth int
}

func (wc walkContext) push(c Containment) []Containment {
	chain := make([]Containment, len(wc.chain)+1)
	copy(chain, wc.chain)
	chain[len(wc.chain)] = c
	return chain
}

type merger struct {
	policy   *Policy
	log      *zap.Logger
	maxDepth int
	nodes    int
	failed   int
}

// Merge builds one Node per raw DOM node, attaching snapshot geometry and
// accessibility data found by backend node id. Bounds are scaled by the
// device pixel ratio and translated into top-level document coordinates.
// A frame whose document is unavailable becomes a placeholder marked
// ResolutionFailed.
func Merge(trees *Trees, opts MergeOptions) (*Node, error) {
	if trees == nil || trees.Root == nil {
		return nil, ErrNoDocument
	}

	m := &merger{
		policy:   opts.Policy,
		log:      opts.Logger,
		maxDepth: opts.MaxIframeDepth,
	}
	if m.policy == nil {
		m.policy = DefaultPolicy()
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.maxDepth <= 0 {
		m.maxDepth = DefaultMaxIframeDepth
	}

	root := m.walk(trees.Root, newFrameTables(trees), walkContext{})

	m.log.Debug("merged tree", zap.Int("nodes", m.nodes), zap.Int("unresolvedFrames", m.failed))
	return root, nil
}

func (m *merger) walk(raw *RawNode, ft *frameTables, wc walkContext) *Node {
	m.nodes++

	n := &Node{
		BackendNodeID:  raw.BackendNodeID,
		NodeID:         raw.NodeID,
		NodeType:       raw.NodeType,
		Tag:            raw.tag(),
		Value:          raw.NodeValue,
		Attributes:     raw.attributeMap(),
		FrameID:        raw.FrameID,
		ShadowRootType: raw.ShadowRootType,
		Origin:         wc.offset,
		Containment:    wc.chain,
		Scrollable:     raw.IsScrollable,
	}

	if e, ok := ft.snapshot.lookup(raw.BackendNodeID); ok {
		if e.bounds != nil {
			b := toDocument(*e.bounds, ft.dpr, wc.offset)
			n.Bounds = &b
		}
		n.Styles = e.styles
		n.Visible = visible(e)
		n.Clickable = e.clickable
		n.Scrollable = n.Scrollable || overflows(e)
	}
	if i, ok := ft.axByBackend[raw.BackendNodeID]; ok {
		n.AX = ft.ax[i].info()
	}
	n.Interactive = m.policy.Interactive(n)

	for _, child := range raw.Children {
		n.Children = append(n.Children, m.walk(child, ft, wc))
	}

	for _, sr := range raw.ShadowRoots {
		swc := walkContext{
			offset: wc.offset,
			chain: wc.push(Containment{
				Kind:              ContainmentShadow,
				HostBackendNodeID: raw.BackendNodeID,
				ShadowRootType:    sr.ShadowRootType,
			}),
			frameDepth: wc.frameDepth,
		}
		n.Children = append(n.Children, m.walk(sr, ft, swc))
	}

	if raw.ContentDocument != nil || raw.isFrameOwner() {
		if doc := m.embed(n, raw, ft, wc); doc != nil {
			n.Children = append(n.Children, doc)
		}
	}

	return n
}

// embed walks a frame owner's document with the offset moved to the
// frame's absolute origin.
func (m *merger) embed(owner *Node, raw *RawNode, ft *frameTables, wc walkContext) *Node {
	origin := owner.Origin
	if owner.Bounds != nil {
		origin = Point{X: owner.Bounds.X, Y: owner.Bounds.Y}
	}
	fwc := walkContext{
		offset: origin,
		chain: wc.push(Containment{
			Kind:              ContainmentIframe,
			HostBackendNodeID: raw.BackendNodeID,
			FrameID:           raw.FrameID,
		}),
		frameDepth: wc.frameDepth,
	}

	if raw.ContentDocument != nil {
		return m.walk(raw.ContentDocument, ft, fwc)
	}

	fwc.frameDepth++
	if fwc.frameDepth > m.maxDepth {
		m.log.Debug("frame too deep", zap.String("frame", raw.FrameID), zap.Int("depth", fwc.frameDepth))
		return m.placeholder(raw, fwc)
	}
	if sub, ok := ft.frames[raw.FrameID]; ok && sub != nil && sub.Root != nil {
		return m.walk(sub.Root, newFrameTables(sub), fwc)
	}
	return m.placeholder(raw, fwc)
}

func (m *merger) placeholder(raw *RawNode, wc walkContext) *Node {
	m.failed++
	m.log.Warn("frame unresolved",
		zap.String("frame", raw.FrameID),
		zap.Int64("owner", raw.BackendNodeID),
		zap.Error(ErrResolutionFailed))
	return &Node{
		NodeType:         DocumentNode,
		FrameID:          raw.FrameID,
		Origin:           wc.offset,
		Containment:      wc.chain,
		ResolutionFailed: true,
	}
}

// toDocument scales a box in a document's local CSS pixels by the device
// pixel ratio and moves it by the document's accumulated offset.
func toDocument(local Rect, dpr float64, offset Point) Rect {
	return Rect{
		X:      local.X*dpr + offset.X,
		Y:      local.Y*dpr + offset.Y,
		Width:  local.Width * dpr,
		Height: local.Height * dpr,
	}
}

// overflows reports whether the scrollable area exceeds the visible one.
func overflows(e *snapshotEntry) bool {
	if e.scrollRect == nil || e.clientRect == nil {
		return false
	}
	switch e.styles["overflow"] {
	case "visible", "hidden", "clip":
		if e.styles["overflow-x"] != "auto" && e.styles["overflow-x"] != "scroll" &&
			e.styles["overflow-y"] != "auto" && e.styles["overflow-y"] != "scroll" {
			return false
		}
	}
	return e.scrollRect.Width > e.clientRect.Width+1 || e.scrollRect.Height > e.clientRect.Height+1
}

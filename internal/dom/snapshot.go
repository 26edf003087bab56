package dom

// RequiredStyles are the computed styles requested from
// DOMSnapshot.captureSnapshot, in the order the layout style columns use.
var RequiredStyles = []string{
	"display",
	"visibility",
	"opacity",
	"overflow",
	"overflow-x",
	"overflow-y",
	"cursor",
	"pointer-events",
	"position",
	"background-color",
}

// Snapshot is the result of DOMSnapshot.captureSnapshot. Strings are
// shared by every document and referenced by index.
type Snapshot struct {
	Documents []SnapshotDocument `json:"documents"`
	Strings   []string           `json:"strings"`
}

// SnapshotDocument holds one document's nodes and layout as parallel
// arrays.
type SnapshotDocument struct {
	DocumentURL int            `json:"documentURL"`
	FrameID     int            `json:"frameId"`
	Nodes       SnapshotNodes  `json:"nodes"`
	Layout      SnapshotLayout `json:"layout"`
}

// SnapshotNodes is the node table; entry i describes snapshot node i.
type SnapshotNodes struct {
	BackendNodeID []int64     `json:"backendNodeId,omitempty"`
	IsClickable   RareBoolean `json:"isClickable"`
}

// RareBoolean lists the snapshot node indices for which a flag is set.
type RareBoolean struct {
	Index []int `json:"index,omitempty"`
}

// SnapshotLayout is the layout table; entry i describes the node at
// NodeIndex[i].
type SnapshotLayout struct {
	NodeIndex   []int       `json:"nodeIndex,omitempty"`
	Styles      [][]int     `json:"styles,omitempty"`
	Bounds      [][]float64 `json:"bounds,omitempty"`
	PaintOrders []int       `json:"paintOrders,omitempty"`
	ClientRects [][]float64 `json:"clientRects,omitempty"`
	ScrollRects [][]float64 `json:"scrollRects,omitempty"`
}

// snapshotEntry is the layout data for one backend node, in the local
// coordinates of its document.
type snapshotEntry struct {
	bounds     *Rect
	clientRect *Rect
	scrollRect *Rect
	styles     map[string]string
	clickable  bool
	paintOrder int
}

// snapshotTable is an arena of entries with a backend id index.
type snapshotTable struct {
	entries   []snapshotEntry
	byBackend map[int64]int
}

func (t *snapshotTable) lookup(backendNodeID int64) (*snapshotEntry, bool) {
	i, ok := t.byBackend[backendNodeID]
	if !ok {
		return nil, false
	}
	return &t.entries[i], true
}

func buildSnapshotTable(s *Snapshot) *snapshotTable {
	t := &snapshotTable{byBackend: make(map[int64]int)}
	if s == nil {
		return t
	}

	for di := range s.Documents {
		doc := &s.Documents[di]

		clickable := make(map[int]bool, len(doc.Nodes.IsClickable.Index))
		for _, i := range doc.Nodes.IsClickable.Index {
			clickable[i] = true
		}

		// A node may own several layout objects; the first one wins.
		layoutOf := make(map[int]int, len(doc.Layout.NodeIndex))
		for li, ni := range doc.Layout.NodeIndex {
			if _, ok := layoutOf[ni]; !ok {
				layoutOf[ni] = li
			}
		}

		for ni, backendID := range doc.Nodes.BackendNodeID {
			e := snapshotEntry{clickable: clickable[ni]}
			if li, ok := layoutOf[ni]; ok {
				l := &doc.Layout
				e.bounds = rectAt(l.Bounds, li)
				e.clientRect = rectAt(l.ClientRects, li)
				e.scrollRect = rectAt(l.ScrollRects, li)
				if li < len(l.Styles) {
					e.styles = resolveStyles(l.Styles[li], s.Strings)
				}
				if li < len(l.PaintOrders) {
					e.paintOrder = l.PaintOrders[li]
				}
			}
			if _, dup := t.byBackend[backendID]; dup {
				continue
			}
			t.byBackend[backendID] = len(t.entries)
			t.entries = append(t.entries, e)
		}
	}
	return t
}

func rectAt(rects [][]float64, i int) *Rect {
	if i >= len(rects) || len(rects[i]) < 4 {
		return nil
	}
	r := rects[i]
	return &Rect{X: r[0], Y: r[1], Width: r[2], Height: r[3]}
}

func resolveStyles(indices []int, strs []string) map[string]string {
	styles := make(map[string]string, len(indices))
	for i, si := range indices {
		if i >= len(RequiredStyles) {
			break
		}
		if si < 0 || si >= len(strs) {
			continue
		}
		styles[RequiredStyles[i]] = strs[si]
	}
	if len(styles) == 0 {
		return nil
	}
	return styles
}

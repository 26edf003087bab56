package dom

import (
	"encoding/json"
	"strings"
)

// RawNode is a node of DOM.getDocument with depth -1 and pierce enabled.
type RawNode struct {
	NodeID          int64      `json:"nodeId"`
	BackendNodeID   int64      `json:"backendNodeId"`
	NodeType        NodeType   `json:"nodeType"`
	NodeName        string     `json:"nodeName"`
	LocalName       string     `json:"localName,omitempty"`
	NodeValue       string     `json:"nodeValue,omitempty"`
	Attributes      []string   `json:"attributes,omitempty"`
	Children        []*RawNode `json:"children,omitempty"`
	FrameID         string     `json:"frameId,omitempty"`
	ContentDocument *RawNode   `json:"contentDocument,omitempty"`
	ShadowRoots     []*RawNode `json:"shadowRoots,omitempty"`
	ShadowRootType  string     `json:"shadowRootType,omitempty"`
	DocumentURL     string     `json:"documentURL,omitempty"`
	IsScrollable    bool       `json:"isScrollable,omitempty"`
}

// attributeMap turns the flat name/value list into a map. A trailing
// name without a value is dropped.
func (n *RawNode) attributeMap() map[string]string {
	if len(n.Attributes) < 2 {
		return nil
	}
	attrs := make(map[string]string, len(n.Attributes)/2)
	for i := 0; i+1 < len(n.Attributes); i += 2 {
		attrs[n.Attributes[i]] = n.Attributes[i+1]
	}
	return attrs
}

func (n *RawNode) tag() string {
	if n.NodeType != ElementNode {
		return ""
	}
	if n.LocalName != "" {
		return strings.ToLower(n.LocalName)
	}
	return strings.ToLower(n.NodeName)
}

func (n *RawNode) isFrameOwner() bool {
	t := n.tag()
	return t == "iframe" || t == "frame"
}

// DetachedFrames returns the frame ids of frame owners under n whose
// document was not inlined, in document order. These frames live in
// other processes and must be fetched through their own targets.
func (n *RawNode) DetachedFrames() []string {
	var ids []string
	var visit func(*RawNode)
	visit = func(r *RawNode) {
		if r == nil {
			return
		}
		if r.isFrameOwner() && r.ContentDocument == nil && r.FrameID != "" {
			ids = append(ids, r.FrameID)
		}
		for _, c := range r.Children {
			visit(c)
		}
		for _, sr := range r.ShadowRoots {
			visit(sr)
		}
		visit(r.ContentDocument)
	}
	visit(n)
	return ids
}

// AXValue is an accessibility value. Value holds any JSON type.
type AXValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value,omitempty"`
}

// String renders the value as text: strings are unquoted, other types
// keep their JSON form.
func (v *AXValue) String() string {
	if v == nil || len(v.Value) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(v.Value, &s); err == nil {
		return s
	}
	return string(v.Value)
}

// AXProperty is a named accessibility property.
type AXProperty struct {
	Name  string  `json:"name"`
	Value AXValue `json:"value"`
}

// AXNode is an entry of Accessibility.getFullAXTree.
type AXNode struct {
	NodeID           string       `json:"nodeId"`
	Ignored          bool         `json:"ignored"`
	Role             *AXValue     `json:"role,omitempty"`
	Name             *AXValue     `json:"name,omitempty"`
	Description      *AXValue     `json:"description,omitempty"`
	Properties       []AXProperty `json:"properties,omitempty"`
	ChildIDs         []string     `json:"childIds,omitempty"`
	BackendDOMNodeID int64        `json:"backendDOMNodeId,omitempty"`
}

func (n *AXNode) info() *AXInfo {
	info := &AXInfo{
		ID:          n.NodeID,
		Ignored:     n.Ignored,
		Role:        n.Role.String(),
		Name:        n.Name.String(),
		Description: n.Description.String(),
	}
	if len(n.Properties) > 0 {
		info.Properties = make(map[string]string, len(n.Properties))
		for _, p := range n.Properties {
			info.Properties[p.Name] = p.Value.String()
		}
	}
	return info
}

package cdp

import (
	"context"
	"encoding/json"
	"fmt"
)

// VersionInfo contains browser version information.
type VersionInfo struct {
	Browser         string `json:"browser"`
	ProtocolVersion string `json:"protocol"`
	UserAgent       string `json:"userAgent,omitempty"`
	V8Version       string `json:"v8,omitempty"`
}

// TargetInfo contains information about a browser target (tab, iframe,
// worker).
type TargetInfo struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Attached bool   `json:"attached"`
}

// Version returns the browser version information.
func (c *Conn) Version(ctx context.Context) (*VersionInfo, error) {
	result, err := c.Call(ctx, "Browser.getVersion", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Product         string `json:"product"`
		ProtocolVersion string `json:"protocolVersion"`
		UserAgent       string `json:"userAgent"`
		JsVersion       string `json:"jsVersion"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling version: %w", err)
	}

	return &VersionInfo{
		Browser:         resp.Product,
		ProtocolVersion: resp.ProtocolVersion,
		UserAgent:       resp.UserAgent,
		V8Version:       resp.JsVersion,
	}, nil
}

// Targets returns all browser targets.
func (c *Conn) Targets(ctx context.Context) ([]TargetInfo, error) {
	result, err := c.Call(ctx, "Target.getTargets", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		TargetInfos []struct {
			TargetID string `json:"targetId"`
			Type     string `json:"type"`
			Title    string `json:"title"`
			URL      string `json:"url"`
			Attached bool   `json:"attached"`
		} `json:"targetInfos"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("unmarshaling targets: %w", err)
	}

	targets := make([]TargetInfo, 0, len(resp.TargetInfos))
	for _, t := range resp.TargetInfos {
		targets = append(targets, TargetInfo{
			ID:       t.TargetID,
			Type:     t.Type,
			Title:    t.Title,
			URL:      t.URL,
			Attached: t.Attached,
		})
	}

	return targets, nil
}

// Pages returns only page targets (tabs).
func (c *Conn) Pages(ctx context.Context) ([]TargetInfo, error) {
	return c.targetsOfType(ctx, "page")
}

// Frames returns out-of-process iframe targets. Their ids equal the frame
// ids reported in the parent document.
func (c *Conn) Frames(ctx context.Context) ([]TargetInfo, error) {
	return c.targetsOfType(ctx, "iframe")
}

func (c *Conn) targetsOfType(ctx context.Context, kind string) ([]TargetInfo, error) {
	targets, err := c.Targets(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]TargetInfo, 0)
	for _, t := range targets {
		if t.Type == kind {
			out = append(out, t)
		}
	}
	return out, nil
}

// CreateTarget opens a new tab at url and returns its target id.
func (c *Conn) CreateTarget(ctx context.Context, url string) (string, error) {
	if url == "" {
		url = "about:blank"
	}

	result, err := c.Call(ctx, "Target.createTarget", map[string]string{
		"url": url,
	})
	if err != nil {
		return "", fmt.Errorf("creating target: %w", err)
	}

	var resp struct {
		TargetID string `json:"targetId"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", fmt.Errorf("parsing create target response: %w", err)
	}

	return resp.TargetID, nil
}

// CloseTarget closes a tab.
func (c *Conn) CloseTarget(ctx context.Context, targetID string) error {
	_, err := c.Call(ctx, "Target.closeTarget", map[string]string{
		"targetId": targetID,
	})
	if err != nil {
		return fmt.Errorf("closing target: %w", err)
	}
	return nil
}

// ActivateTarget brings a tab to the foreground.
func (c *Conn) ActivateTarget(ctx context.Context, targetID string) error {
	_, err := c.Call(ctx, "Target.activateTarget", map[string]string{
		"targetId": targetID,
	})
	if err != nil {
		return fmt.Errorf("activating target: %w", err)
	}
	return nil
}

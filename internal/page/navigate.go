package page

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tomyan/pagelens/internal/cdp"
)

var ErrNoHistory = errors.New("no history entry in that direction")

// NavigateResult describes a finished navigation.
type NavigateResult struct {
	URL      string `json:"url"`
	FrameID  string `json:"frameId"`
	LoaderID string `json:"loaderId,omitempty"`
}

// Navigate loads url in the current tab and waits for the load event.
// Same-document navigations return without waiting.
func (s *Service) Navigate(ctx context.Context, url string) (*NavigateResult, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	// Subscribe before navigating so the load event cannot be missed.
	loaded := sess.Subscribe("Page.loadEventFired")
	defer loaded.Close()

	result, err := sess.Call(ctx, "Page.navigate", map[string]interface{}{
		"url": url,
	})
	if err != nil {
		return nil, fmt.Errorf("navigating: %w", err)
	}
	s.invalidate()

	var resp struct {
		FrameID   string `json:"frameId"`
		LoaderID  string `json:"loaderId"`
		ErrorText string `json:"errorText"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parsing navigate response: %w", err)
	}
	if resp.ErrorText != "" {
		return nil, fmt.Errorf("navigation failed: %s", resp.ErrorText)
	}

	if resp.LoaderID != "" {
		if err := s.awaitLoad(ctx, sess, loaded); err != nil {
			return nil, err
		}
	}

	s.log.Info("navigated", zap.String("url", url), zap.String("frame", resp.FrameID))
	return &NavigateResult{URL: url, FrameID: resp.FrameID, LoaderID: resp.LoaderID}, nil
}

func (s *Service) awaitLoad(ctx context.Context, sess *cdp.Session, loaded *cdp.Subscription) error {
	timer := time.NewTimer(s.opts.NavigateTimeout)
	defer timer.Stop()

	select {
	case _, ok := <-loaded.C:
		if !ok {
			return cdp.ErrClosed
		}
		return nil
	case <-sess.Done():
		return cdp.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("waiting for load event: %w", cdp.ErrTimeout)
	}
}

type historyEntry struct {
	ID  int    `json:"id"`
	URL string `json:"url"`
}

// GoBack navigates to the previous history entry.
func (s *Service) GoBack(ctx context.Context) error {
	return s.stepHistory(ctx, -1)
}

// GoForward navigates to the next history entry.
func (s *Service) GoForward(ctx context.Context) error {
	return s.stepHistory(ctx, 1)
}

func (s *Service) stepHistory(ctx context.Context, delta int) error {
	sess, err := s.session(ctx)
	if err != nil {
		return err
	}

	result, err := sess.Call(ctx, "Page.getNavigationHistory", nil)
	if err != nil {
		return fmt.Errorf("getting navigation history: %w", err)
	}

	var hist struct {
		CurrentIndex int            `json:"currentIndex"`
		Entries      []historyEntry `json:"entries"`
	}
	if err := json.Unmarshal(result, &hist); err != nil {
		return fmt.Errorf("parsing navigation history: %w", err)
	}

	i := hist.CurrentIndex + delta
	if i < 0 || i >= len(hist.Entries) {
		return ErrNoHistory
	}

	if _, err := sess.Call(ctx, "Page.navigateToHistoryEntry", map[string]interface{}{
		"entryId": hist.Entries[i].ID,
	}); err != nil {
		return fmt.Errorf("navigating to history entry: %w", err)
	}
	s.invalidate()

	s.log.Info("history step", zap.Int("delta", delta), zap.String("url", hist.Entries[i].URL))
	return nil
}

// Reload reloads the current tab, bypassing the cache when ignoreCache is
// set.
func (s *Service) Reload(ctx context.Context, ignoreCache bool) error {
	sess, err := s.session(ctx)
	if err != nil {
		return err
	}

	params := map[string]interface{}{}
	if ignoreCache {
		params["ignoreCache"] = true
	}
	if _, err := sess.Call(ctx, "Page.reload", params); err != nil {
		return fmt.Errorf("reloading: %w", err)
	}
	s.invalidate()
	return nil
}

// Tab is an open page target.
type Tab struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Current bool   `json:"current,omitempty"`
}

// Tabs lists the open tabs, marking the current one.
func (s *Service) Tabs(ctx context.Context) ([]Tab, error) {
	pages, err := s.conn.Pages(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing pages: %w", err)
	}

	current := s.TargetID()
	tabs := make([]Tab, 0, len(pages))
	for _, p := range pages {
		tabs = append(tabs, Tab{ID: p.ID, Title: p.Title, URL: p.URL, Current: p.ID == current})
	}
	return tabs, nil
}

// NewTab opens url in a new tab and makes it current.
func (s *Service) NewTab(ctx context.Context, url string) (string, error) {
	id, err := s.conn.CreateTarget(ctx, url)
	if err != nil {
		return "", err
	}
	s.UseTarget(id)
	return id, nil
}

// SwitchTab brings targetID to the foreground and makes it current.
func (s *Service) SwitchTab(ctx context.Context, targetID string) error {
	if err := s.conn.ActivateTarget(ctx, targetID); err != nil {
		return err
	}
	s.UseTarget(targetID)
	return nil
}

// CloseTab closes targetID. Closing the current tab leaves no current
// tab; the next call picks the first remaining page.
func (s *Service) CloseTab(ctx context.Context, targetID string) error {
	if err := s.conn.CloseTarget(ctx, targetID); err != nil {
		return err
	}
	if s.TargetID() == targetID {
		s.UseTarget("")
	}
	return nil
}

// ScreenshotOptions configure Screenshot.
type ScreenshotOptions struct {
	Format   string // png (default), jpeg, webp
	Quality  int    // jpeg/webp only, 0-100
	FullPage bool
}

// Screenshot captures the current tab and returns the encoded image.
func (s *Service) Screenshot(ctx context.Context, opts ScreenshotOptions) ([]byte, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	params := map[string]interface{}{}
	if opts.Format != "" {
		params["format"] = opts.Format
	}
	if opts.Quality > 0 {
		params["quality"] = opts.Quality
	}
	if opts.FullPage {
		clip, err := contentSize(ctx, sess)
		if err != nil {
			return nil, err
		}
		params["clip"] = clip
		params["captureBeyondViewport"] = true
	}

	result, err := sess.Call(ctx, "Page.captureScreenshot", params)
	if err != nil {
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}

	var resp struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parsing screenshot response: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("decoding screenshot data: %w", err)
	}
	return data, nil
}

func contentSize(ctx context.Context, sess *cdp.Session) (map[string]interface{}, error) {
	result, err := sess.Call(ctx, "Page.getLayoutMetrics", nil)
	if err != nil {
		return nil, fmt.Errorf("getting layout metrics: %w", err)
	}

	var metrics struct {
		CSSContentSize struct {
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
		} `json:"cssContentSize"`
	}
	if err := json.Unmarshal(result, &metrics); err != nil {
		return nil, fmt.Errorf("parsing layout metrics: %w", err)
	}

	return map[string]interface{}{
		"x":      0,
		"y":      0,
		"width":  metrics.CSSContentSize.Width,
		"height": metrics.CSSContentSize.Height,
		"scale":  1,
	}, nil
}

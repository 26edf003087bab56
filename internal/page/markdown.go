package page

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"
)

func newMarkdownConverter() *converter.Converter {
	return converter.NewConverter(
		converter.WithPlugins(
			base.NewBasePlugin(),
			commonmark.NewCommonmarkPlugin(),
			table.NewTablePlugin(),
		),
	)
}

// Markdown returns the current tab's content as Markdown. Scripts, styles
// and event handlers are stripped before conversion; relative links are
// resolved against the page URL.
func (s *Service) Markdown(ctx context.Context) (string, error) {
	sess, err := s.session(ctx)
	if err != nil {
		return "", err
	}

	result, err := sess.Call(ctx, "DOM.getDocument", map[string]interface{}{
		"depth": 0,
	})
	if err != nil {
		return "", fmt.Errorf("getting document: %w", err)
	}

	var doc struct {
		Root struct {
			NodeID      int64  `json:"nodeId"`
			DocumentURL string `json:"documentURL"`
		} `json:"root"`
	}
	if err := json.Unmarshal(result, &doc); err != nil {
		return "", fmt.Errorf("parsing document: %w", err)
	}

	result, err = sess.Call(ctx, "DOM.getOuterHTML", map[string]interface{}{
		"nodeId": doc.Root.NodeID,
	})
	if err != nil {
		return "", fmt.Errorf("getting outer HTML: %w", err)
	}

	var html struct {
		OuterHTML string `json:"outerHTML"`
	}
	if err := json.Unmarshal(result, &html); err != nil {
		return "", fmt.Errorf("parsing outer HTML: %w", err)
	}

	clean := bluemonday.UGCPolicy().Sanitize(html.OuterHTML)

	var md string
	if doc.Root.DocumentURL != "" {
		md, err = s.md.ConvertString(clean, converter.WithDomain(doc.Root.DocumentURL))
	} else {
		md, err = s.md.ConvertString(clean)
	}
	if err != nil {
		return "", fmt.Errorf("converting to markdown: %w", err)
	}
	return strings.TrimSpace(md), nil
}

package dom

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Caller sends a command to one browsing target. *cdp.Session satisfies
// it.
type Caller interface {
	Call(ctx context.Context, method string, params interface{}) (json.RawMessage, error)
}

// Trees holds the raw views of one document fetched together.
type Trees struct {
	Root             *RawNode
	AX               []AXNode
	Snapshot         *Snapshot
	DevicePixelRatio float64

	// Frames holds separately fetched out-of-process iframe documents,
	// keyed by frame id.
	Frames map[string]*Trees
}

// FetcherOption configures a Fetcher.
type FetcherOption func(*Fetcher)

// WithFetchLogger sets the fetcher's logger.
func WithFetchLogger(logger *zap.Logger) FetcherOption {
	return func(f *Fetcher) {
		if logger != nil {
			f.log = logger.Named("dom")
		}
	}
}

// WithTracer sets the tracer used for fetch spans.
func WithTracer(tracer trace.Tracer) FetcherOption {
	return func(f *Fetcher) {
		if tracer != nil {
			f.tracer = tracer
		}
	}
}

// Fetcher acquires the four raw trees of a document in parallel.
type Fetcher struct {
	log    *zap.Logger
	tracer trace.Tracer
}

// NewFetcher creates a Fetcher.
func NewFetcher(opts ...FetcherOption) *Fetcher {
	f := &Fetcher{
		log:    zap.NewNop(),
		tracer: otel.Tracer("github.com/tomyan/pagelens/internal/dom"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchAll issues DOM.getDocument, Accessibility.getFullAXTree,
// DOMSnapshot.captureSnapshot and Page.getLayoutMetrics concurrently and
// waits for all of them. If any call fails the others are cancelled and
// the first failure is returned; no partial Trees is ever returned.
func (f *Fetcher) FetchAll(ctx context.Context, c Caller) (*Trees, error) {
	ctx, span := f.tracer.Start(ctx, "dom.FetchAll")
	defer span.End()

	start := time.Now()

	var (
		root     *RawNode
		axNodes  []AXNode
		snapshot *Snapshot
		dpr      float64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		root, err = fetchDocument(gctx, c)
		return err
	})
	g.Go(func() (err error) {
		axNodes, err = fetchAXTree(gctx, c)
		return err
	})
	g.Go(func() (err error) {
		snapshot, err = captureSnapshot(gctx, c)
		return err
	})
	g.Go(func() (err error) {
		dpr, err = fetchDevicePixelRatio(gctx, c)
		return err
	})

	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		f.log.Debug("fetch failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("dom.ax_nodes", len(axNodes)),
		attribute.Int("dom.snapshot_documents", len(snapshot.Documents)),
		attribute.Float64("dom.device_pixel_ratio", dpr),
	)
	f.log.Debug("fetched trees",
		zap.Int("axNodes", len(axNodes)),
		zap.Int("snapshotDocuments", len(snapshot.Documents)),
		zap.Float64("dpr", dpr),
		zap.Duration("elapsed", time.Since(start)))

	return &Trees{
		Root:             root,
		AX:               axNodes,
		Snapshot:         snapshot,
		DevicePixelRatio: dpr,
	}, nil
}

func fetchDocument(ctx context.Context, c Caller) (*RawNode, error) {
	result, err := c.Call(ctx, "DOM.getDocument", map[string]interface{}{
		"depth":  -1,
		"pierce": true,
	})
	if err != nil {
		return nil, fmt.Errorf("getting document: %w", err)
	}

	var resp struct {
		Root *RawNode `json:"root"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parsing document response: %w", err)
	}
	if resp.Root == nil {
		return nil, ErrNoDocument
	}
	return resp.Root, nil
}

func fetchAXTree(ctx context.Context, c Caller) ([]AXNode, error) {
	result, err := c.Call(ctx, "Accessibility.getFullAXTree", nil)
	if err != nil {
		return nil, fmt.Errorf("getting accessibility tree: %w", err)
	}

	var resp struct {
		Nodes []AXNode `json:"nodes"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return nil, fmt.Errorf("parsing accessibility tree: %w", err)
	}
	return resp.Nodes, nil
}

func captureSnapshot(ctx context.Context, c Caller) (*Snapshot, error) {
	result, err := c.Call(ctx, "DOMSnapshot.captureSnapshot", map[string]interface{}{
		"computedStyles":    RequiredStyles,
		"includePaintOrder": true,
		"includeDOMRects":   true,
	})
	if err != nil {
		return nil, fmt.Errorf("capturing snapshot: %w", err)
	}

	var snapshot Snapshot
	if err := json.Unmarshal(result, &snapshot); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	return &snapshot, nil
}

// fetchDevicePixelRatio derives the ratio of device to CSS pixels from the
// layout viewports, 1 when either width is missing.
func fetchDevicePixelRatio(ctx context.Context, c Caller) (float64, error) {
	result, err := c.Call(ctx, "Page.getLayoutMetrics", nil)
	if err != nil {
		return 0, fmt.Errorf("getting layout metrics: %w", err)
	}

	var resp struct {
		VisualViewport struct {
			ClientWidth float64 `json:"clientWidth"`
		} `json:"visualViewport"`
		CSSVisualViewport struct {
			ClientWidth float64 `json:"clientWidth"`
		} `json:"cssVisualViewport"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return 0, fmt.Errorf("parsing layout metrics: %w", err)
	}

	if resp.VisualViewport.ClientWidth <= 0 || resp.CSSVisualViewport.ClientWidth <= 0 {
		return 1, nil
	}
	return resp.VisualViewport.ClientWidth / resp.CSSVisualViewport.ClientWidth, nil
}

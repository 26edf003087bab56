// Package page drives one browser tab: it extracts the indexed page state
// and acts on elements by the indices that state hands out.
package page

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"go.uber.org/zap"

	"github.com/tomyan/pagelens/internal/cdp"
	"github.com/tomyan/pagelens/internal/dom"
)

var (
	ErrNoState      = errors.New("no page state extracted")
	ErrStaleIndex   = errors.New("index belongs to an earlier page state")
	ErrUnknownIndex = errors.New("no element with that index")
	ErrNoTarget     = errors.New("no page target")
)

// Options tune extraction and actions.
type Options struct {
	Budget            int
	IncludeAttributes []string

	// CrossOriginIframes fetches frames living in other processes
	// through their own targets.
	CrossOriginIframes bool
	MaxIframes         int
	MaxIframeDepth     int

	// Policy classifies interactivity; dom.DefaultPolicy when nil.
	Policy *dom.Policy

	NavigateTimeout time.Duration
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		Budget:             dom.DefaultBudget,
		CrossOriginIframes: true,
		MaxIframes:         100,
		MaxIframeDepth:     dom.DefaultMaxIframeDepth,
		NavigateTimeout:    30 * time.Second,
	}
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.log = logger.Named("page")
		}
	}
}

// WithOptions replaces the default options.
func WithOptions(opts Options) Option {
	return func(s *Service) {
		s.opts = opts
	}
}

// WithFetcher sets the tree fetcher.
func WithFetcher(f *dom.Fetcher) Option {
	return func(s *Service) {
		s.fetcher = f
	}
}

// Service holds the current tab and the most recent page state.
type Service struct {
	conn    *cdp.Conn
	log     *zap.Logger
	opts    Options
	fetcher *dom.Fetcher
	md      *converter.Converter

	mu       sync.Mutex
	targetID string
	sess     *cdp.Session
	state    *dom.State
	// remote holds the frames of state fetched through their own targets.
	remote map[string]bool
}

// New returns a Service over conn. Without UseTarget it drives the first
// page target.
func New(conn *cdp.Conn, opts ...Option) *Service {
	s := &Service{
		conn: conn,
		log:  zap.NewNop(),
		opts: DefaultOptions(),
		md:   newMarkdownConverter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fetcher == nil {
		s.fetcher = dom.NewFetcher(dom.WithFetchLogger(s.log))
	}
	if s.opts.NavigateTimeout <= 0 {
		s.opts.NavigateTimeout = 30 * time.Second
	}
	return s
}

// UseTarget makes targetID the tab later calls act on. The previous
// state is discarded.
func (s *Service) UseTarget(targetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.targetID == targetID {
		return
	}
	s.targetID = targetID
	s.sess = nil
	s.state = nil
	s.remote = nil
}

// TargetID returns the current tab, or "" before the first attach.
func (s *Service) TargetID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.targetID
}

// session returns the session of the current tab, attaching and enabling
// the DOM and Page domains when needed.
func (s *Service) session(ctx context.Context) (*cdp.Session, error) {
	s.mu.Lock()
	sess, targetID := s.sess, s.targetID
	s.mu.Unlock()

	if sess != nil && !sess.Detached() {
		return sess, nil
	}

	if targetID == "" {
		pages, err := s.conn.Pages(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing pages: %w", err)
		}
		if len(pages) == 0 {
			return nil, ErrNoTarget
		}
		targetID = pages[0].ID
	}

	sess, err := s.conn.Attach(ctx, targetID)
	if err != nil {
		return nil, err
	}
	for _, method := range []string{"Page.enable", "DOM.enable"} {
		if _, err := sess.Call(ctx, method, nil); err != nil {
			return nil, fmt.Errorf("enabling %s: %w", method, err)
		}
	}

	s.mu.Lock()
	if s.targetID != "" && s.targetID != targetID {
		// UseTarget moved on while attaching.
		s.mu.Unlock()
		return s.session(ctx)
	}
	s.targetID = targetID
	s.sess = sess
	s.mu.Unlock()

	return sess, nil
}

// ExtractState fetches, merges and renders the current tab. The result
// replaces the previous state; indices of earlier states stop resolving.
func (s *Service) ExtractState(ctx context.Context) (*dom.State, error) {
	start := time.Now()

	sess, err := s.session(ctx)
	if err != nil {
		return nil, err
	}

	trees, err := s.fetcher.FetchAll(ctx, sess)
	if err != nil {
		return nil, err
	}

	remote := make(map[string]bool)
	if s.opts.CrossOriginIframes {
		budget := s.opts.MaxIframes
		s.resolveFrames(ctx, trees, 1, &budget, remote)
	}

	root, err := dom.Merge(trees, dom.MergeOptions{
		Policy:         s.opts.Policy,
		Logger:         s.log,
		MaxIframeDepth: s.opts.MaxIframeDepth,
	})
	if err != nil {
		return nil, err
	}

	state := dom.IndexAndRender(root, dom.RenderOptions{
		Budget:            s.opts.Budget,
		IncludeAttributes: s.opts.IncludeAttributes,
	})
	state.URL, state.Title = s.describe(ctx, sess.TargetID, trees.Root)

	s.mu.Lock()
	s.state = state
	s.remote = remote
	s.mu.Unlock()

	s.log.Info("extracted state",
		zap.String("state", state.ID),
		zap.String("url", state.URL),
		zap.Int("nodes", state.Nodes),
		zap.Int("interactive", state.Interactive),
		zap.Int("unresolvedFrames", state.Unresolved),
		zap.Bool("truncated", state.Truncated),
		zap.Duration("took", time.Since(start)))

	return state, nil
}

// State returns the most recent state, or nil.
func (s *Service) State() *dom.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// resolveFrames fetches the out-of-process frames of trees through their
// own targets, recursing into their frames. Frames that cannot be fetched
// are left out and become placeholders when merged.
func (s *Service) resolveFrames(ctx context.Context, trees *dom.Trees, depth int, budget *int, remote map[string]bool) {
	ids := trees.Root.DetachedFrames()
	if len(ids) == 0 {
		return
	}
	maxDepth := s.opts.MaxIframeDepth
	if maxDepth <= 0 {
		maxDepth = dom.DefaultMaxIframeDepth
	}
	if depth > maxDepth {
		s.log.Debug("frame depth limit reached", zap.Int("depth", depth), zap.Int("frames", len(ids)))
		return
	}

	targets, err := s.conn.Frames(ctx)
	if err != nil {
		s.log.Warn("listing frame targets", zap.Error(err))
		return
	}
	known := make(map[string]bool, len(targets))
	for _, t := range targets {
		known[t.ID] = true
	}

	for _, id := range ids {
		if *budget <= 0 {
			s.log.Warn("frame limit reached", zap.Int("max", s.opts.MaxIframes))
			return
		}
		if !known[id] {
			s.log.Debug("no target for frame", zap.String("frame", id))
			continue
		}
		*budget--

		sub, err := s.fetchFrame(ctx, id)
		if err != nil {
			s.log.Warn("fetching frame", zap.String("frame", id), zap.Error(err))
			continue
		}
		s.resolveFrames(ctx, sub, depth+1, budget, remote)

		if trees.Frames == nil {
			trees.Frames = make(map[string]*dom.Trees)
		}
		trees.Frames[id] = sub
		remote[id] = true
	}
}

func (s *Service) fetchFrame(ctx context.Context, frameID string) (*dom.Trees, error) {
	sess, err := s.conn.Attach(ctx, frameID)
	if err != nil {
		return nil, err
	}
	return s.fetcher.FetchAll(ctx, sess)
}

// describe returns the URL and title of targetID, falling back to the
// document URL when the target list is unavailable.
func (s *Service) describe(ctx context.Context, targetID string, root *dom.RawNode) (url, title string) {
	if root != nil {
		url = root.DocumentURL
	}
	targets, err := s.conn.Targets(ctx)
	if err != nil {
		s.log.Debug("describing target", zap.String("target", targetID), zap.Error(err))
		return url, ""
	}
	for _, t := range targets {
		if t.ID == targetID {
			return t.URL, t.Title
		}
	}
	return url, ""
}

// ResolveIndex maps an index of the state stateID to the element's
// backend node id. An empty stateID means the most recent state.
func (s *Service) ResolveIndex(stateID string, index int) (int64, error) {
	n, err := s.lookup(stateID, index)
	if err != nil {
		return 0, err
	}
	return n.BackendNodeID, nil
}

func (s *Service) lookup(stateID string, index int) (*dom.Node, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state == nil {
		if stateID != "" {
			return nil, fmt.Errorf("%w: %s", ErrStaleIndex, stateID)
		}
		return nil, ErrNoState
	}
	if stateID != "" && stateID != state.ID {
		return nil, fmt.Errorf("%w: %s (current %s)", ErrStaleIndex, stateID, state.ID)
	}
	n, ok := state.Lookup(index)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownIndex, index)
	}
	return n, nil
}

// invalidate drops the current state after the page changed under it.
func (s *Service) invalidate() {
	s.mu.Lock()
	s.state = nil
	s.remote = nil
	s.mu.Unlock()
}

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tomyan/pagelens/internal/page"
)

// Index arguments refer to a state extracted in the same invocation: each
// command that takes one extracts first, then acts.

func parseIndex(arg string) (int, error) {
	i, err := strconv.Atoi(arg)
	if err != nil || i < 1 {
		return 0, fmt.Errorf("invalid index: %s", arg)
	}
	return i, nil
}

func (a *App) newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(a.stdout, "pagelens version %s\n", version)
			return nil
		},
	}
}

func (a *App) newStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state",
		Short: "Extract the page as indexed text",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *page.Service) (interface{}, error) {
				state, err := svc.ExtractState(ctx)
				if err != nil {
					return nil, err
				}
				return StateResult{state}, nil
			})
		},
	}
}

func (a *App) newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve <index>",
		Short: "Print the backend node id of an indexed element",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			return a.withService(cmd, func(ctx context.Context, svc *page.Service) (interface{}, error) {
				state, err := svc.ExtractState(ctx)
				if err != nil {
					return nil, err
				}
				id, err := svc.ResolveIndex(state.ID, index)
				if err != nil {
					return nil, err
				}
				n, _ := state.Lookup(index)
				return ResolveResult{StateID: state.ID, Index: index, BackendNodeID: id, Tag: n.Tag}, nil
			})
		},
	}
}

func (a *App) newMarkdownCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "markdown",
		Short: "Print the page content as Markdown",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *page.Service) (interface{}, error) {
				md, err := svc.Markdown(ctx)
				if err != nil {
					return nil, err
				}
				return MarkdownResult{Markdown: md}, nil
			})
		},
	}
}

func (a *App) newGotoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "goto <url>",
		Short: "Navigate and wait for the load event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *page.Service) (interface{}, error) {
				res, err := svc.Navigate(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return GotoResult{res}, nil
			})
		},
	}
}

func (a *App) newBackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "back",
		Short: "Go back in history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *page.Service) (interface{}, error) {
				if err := svc.GoBack(ctx); err != nil {
					return nil, err
				}
				return ActionResult{Action: "back", OK: true}, nil
			})
		},
	}
}

func (a *App) newForwardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forward",
		Short: "Go forward in history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *page.Service) (interface{}, error) {
				if err := svc.GoForward(ctx); err != nil {
					return nil, err
				}
				return ActionResult{Action: "forward", OK: true}, nil
			})
		},
	}
}

func (a *App) newReloadCmd() *cobra.Command {
	var ignoreCache bool
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Reload the page",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *page.Service) (interface{}, error) {
				if err := svc.Reload(ctx, ignoreCache); err != nil {
					return nil, err
				}
				return ActionResult{Action: "reload", OK: true}, nil
			})
		},
	}
	cmd.Flags().BoolVar(&ignoreCache, "ignore-cache", false, "Bypass the browser cache")
	return cmd
}

func (a *App) newClickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "click <index>",
		Short: "Click an indexed element",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			return a.withService(cmd, func(ctx context.Context, svc *page.Service) (interface{}, error) {
				state, err := svc.ExtractState(ctx)
				if err != nil {
					return nil, err
				}
				if err := svc.ClickIndex(ctx, state.ID, index); err != nil {
					return nil, err
				}
				return ActionResult{Action: "click", Index: index, OK: true}, nil
			})
		},
	}
}

func (a *App) newFillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fill <index> <text>",
		Short: "Focus an indexed element and type text into it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			index, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			return a.withService(cmd, func(ctx context.Context, svc *page.Service) (interface{}, error) {
				state, err := svc.ExtractState(ctx)
				if err != nil {
					return nil, err
				}
				if err := svc.FillIndex(ctx, state.ID, index, args[1]); err != nil {
					return nil, err
				}
				return ActionResult{Action: "fill", Index: index, OK: true}, nil
			})
		},
	}
}

func (a *App) newPressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "press <key>",
		Short: "Press a key, e.g. Enter or Control+a",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *page.Service) (interface{}, error) {
				if err := svc.PressKey(ctx, args[0]); err != nil {
					return nil, err
				}
				return ActionResult{Action: "press", Key: args[0], OK: true}, nil
			})
		},
	}
}

func (a *App) newScrollCmd() *cobra.Command {
	var up bool
	var dx, dy float64
	cmd := &cobra.Command{
		Use:   "scroll [pages]",
		Short: "Scroll by viewport pages, or by pixels with --dx/--dy",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pixels := cmd.Flags().Changed("dx") || cmd.Flags().Changed("dy")
			pages := 1.0
			if len(args) == 1 {
				if pixels {
					return fmt.Errorf("pages and --dx/--dy are exclusive")
				}
				p, err := strconv.ParseFloat(args[0], 64)
				if err != nil || p <= 0 {
					return fmt.Errorf("invalid page count: %s", args[0])
				}
				pages = p
			}
			if up {
				pages = -pages
			}
			return a.withService(cmd, func(ctx context.Context, svc *page.Service) (interface{}, error) {
				if pixels {
					if err := svc.Scroll(ctx, dx, dy); err != nil {
						return nil, err
					}
					return ScrollResult{DX: dx, DY: dy}, nil
				}
				if err := svc.ScrollPages(ctx, pages); err != nil {
					return nil, err
				}
				return ScrollResult{Pages: pages}, nil
			})
		},
	}
	cmd.Flags().BoolVar(&up, "up", false, "Scroll up instead of down")
	cmd.Flags().Float64Var(&dx, "dx", 0, "Horizontal wheel delta in CSS pixels")
	cmd.Flags().Float64Var(&dy, "dy", 0, "Vertical wheel delta in CSS pixels")
	return cmd
}

func (a *App) newScreenshotCmd() *cobra.Command {
	var opts page.ScreenshotOptions
	cmd := &cobra.Command{
		Use:   "screenshot <file>",
		Short: "Capture the page to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *page.Service) (interface{}, error) {
				data, err := svc.Screenshot(ctx, opts)
				if err != nil {
					return nil, err
				}
				if err := os.WriteFile(args[0], data, 0o644); err != nil {
					return nil, fmt.Errorf("writing screenshot: %w", err)
				}
				return ScreenshotResult{File: args[0], Bytes: len(data)}, nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Format, "format", "png", "Image format: png, jpeg, webp")
	cmd.Flags().IntVar(&opts.Quality, "quality", 0, "Compression quality for jpeg and webp (0-100)")
	cmd.Flags().BoolVar(&opts.FullPage, "full", false, "Capture the whole page, not just the viewport")
	return cmd
}

func (a *App) newTabsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tabs",
		Short: "List open tabs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *page.Service) (interface{}, error) {
				tabs, err := svc.Tabs(ctx)
				if err != nil {
					return nil, err
				}
				return TabList(tabs), nil
			})
		},
	}
}

func (a *App) newNewTabCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "new [url]",
		Short: "Open a new tab",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := ""
			if len(args) == 1 {
				url = args[0]
			}
			return a.withService(cmd, func(ctx context.Context, svc *page.Service) (interface{}, error) {
				id, err := svc.NewTab(ctx, url)
				if err != nil {
					return nil, err
				}
				return TabResult{TargetID: id}, nil
			})
		},
	}
}

func (a *App) newSwitchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "switch <target>",
		Short: "Bring a tab to the foreground",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *page.Service) (interface{}, error) {
				if err := svc.SwitchTab(ctx, args[0]); err != nil {
					return nil, err
				}
				return TabResult{TargetID: args[0]}, nil
			})
		},
	}
}

func (a *App) newCloseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "close <target>",
		Short: "Close a tab",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd, func(ctx context.Context, svc *page.Service) (interface{}, error) {
				if err := svc.CloseTab(ctx, args[0]); err != nil {
					return nil, err
				}
				return TabResult{TargetID: args[0]}, nil
			})
		},
	}
}

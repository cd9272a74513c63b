package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/terrascout/fieldmap/internal/config"
	"github.com/terrascout/fieldmap/internal/mapcontrol"
	"github.com/terrascout/fieldmap/internal/mapcontrol/style"
	"github.com/terrascout/fieldmap/internal/screen"
	"github.com/terrascout/fieldmap/internal/storage/factory"
	"github.com/terrascout/fieldmap/pkg/core"
)

// withStore runs fn with logging set up and the store open.
func withStore(fn func(ctx context.Context, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.openStore(); err != nil {
			return err
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		return fn(ctx, a)
	}
}

// headlessScreen drives an in-memory map so commands share the screen's
// import and sync paths without a client attached.
func (a *app) headlessScreen(ctx context.Context, opts ...screen.Option) (*screen.Controller, func(), error) {
	r := style.NewRenderer(mapcontrol.BaseStyle(core.DefaultTileSource))
	ctrl := mapcontrol.NewInProcess(r, &mapcontrol.URLResolver{Payloads: a.payload},
		mapcontrol.WithLogger(a.logger),
		mapcontrol.WithPulseInterval(time.Hour))
	opts = append([]screen.Option{screen.WithLogger(a.logger)}, opts...)
	scr := screen.New(a.store, ctrl, opts...)
	a.setLogContext(scr.LogContext)
	if err := scr.Start(ctx); err != nil {
		ctrl.Dispose()
		return nil, nil, err
	}
	if err := ctrl.Init(ctx); err != nil {
		scr.Stop()
		ctrl.Dispose()
		return nil, nil, err
	}
	<-scr.Restored()
	return scr, func() {
		scr.Stop()
		ctrl.Dispose()
	}, nil
}

func newImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file.pmtiles>...",
		Short: "Import overlay archives into the store",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, a *app) error {
				scr, done, err := a.headlessScreen(ctx)
				if err != nil {
					return err
				}
				defer done()

				report := scr.ImportFiles(ctx, args)
				out := cmd.OutOrStdout()
				for _, id := range report.Imported {
					fmt.Fprintf(out, "imported %s\n", id)
				}
				for _, p := range report.Skipped {
					fmt.Fprintf(out, "skipped  %s (already stored)\n", p)
				}
				for p, err := range report.Failed {
					fmt.Fprintf(out, "failed   %s: %v\n", p, err)
				}
				if len(report.Failed) > 0 {
					return fmt.Errorf("%d of %d files failed", len(report.Failed), len(args))
				}
				return nil
			})(cmd, args)
		},
	}
}

func newOverlaysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "overlays",
		Short: "List stored overlays",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, a *app) error {
				overlays, err := a.store.ListOverlays(ctx)
				if err != nil {
					return err
				}
				return printOverlays(cmd.OutOrStdout(), overlays)
			})(cmd, args)
		},
	}
}

func printOverlays(w io.Writer, overlays []core.Overlay) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tGROUP\tOPACITY\tVISIBLE\tBOUNDS")
	for _, o := range overlays {
		b := o.Bounds
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%t\t%.4f,%.4f,%.4f,%.4f\n",
			o.ID, o.DisplayName, o.GroupID, o.Opacity, o.Visible, b.West, b.South, b.East, b.North)
	}
	return tw.Flush()
}

func newGroupsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List overlay groups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, a *app) error {
				groups, err := a.store.ListGroups(ctx)
				if err != nil {
					return err
				}
				overlays, err := a.store.ListOverlays(ctx)
				if err != nil {
					return err
				}
				return printGroups(cmd.OutOrStdout(), groups, overlays)
			})(cmd, args)
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a group after the existing ones",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, a *app) error {
				scr, done, err := a.headlessScreen(ctx)
				if err != nil {
					return err
				}
				defer done()
				g, err := scr.CreateGroup(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), g.ID)
				return nil
			})(cmd, args)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a group; its overlays move to the default group",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, a *app) error {
				return a.store.DeleteGroup(ctx, args[0])
			})(cmd, args)
		},
	})
	return cmd
}

func printGroups(w io.Writer, groups []core.OverlayGroup, overlays []core.Overlay) error {
	members := lo.CountValuesBy(overlays, func(o core.Overlay) string { return o.GroupID })
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tORDER\tEXPANDED\tOVERLAYS")
	for _, g := range groups {
		order := strconv.Itoa(g.Order)
		if g.IsDefault() {
			order = "last"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\t%d\n", g.ID, g.DisplayName, order, g.Expanded, members[g.ID])
	}
	return tw.Flush()
}

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass against the configured remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, a *app) error {
				a.connectInflux(ctx)
				scr, done, err := a.syncScreen(ctx)
				if err != nil {
					return err
				}
				defer done()

				res, err := scr.Sync(ctx)
				fmt.Fprintln(cmd.OutOrStdout(), scr.Status())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "skipped %d, groups imported %d, took %s\n",
					res.Skipped, res.GroupsImported, res.Duration.Round(time.Millisecond))
				return nil
			})(cmd, args)
		},
	}
	cmd.Flags().String("remote", "memory", "sync remote (memory, drive, couch)")
	return cmd
}

// syncScreen opens the sync engine and a headless screen using it.
func (a *app) syncScreen(ctx context.Context) (*screen.Controller, func(), error) {
	if err := a.openSync(ctx); err != nil {
		return nil, nil, err
	}
	return a.headlessScreen(ctx,
		screen.WithSync(a.engine),
		screen.WithSignIn(a.signIn, a.forgetSignIn))
}

func newLoginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Sign in to the sync remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(func(ctx context.Context, a *app) error {
				if config.GetSyncConfig().Remote != "drive" {
					fmt.Fprintln(cmd.OutOrStdout(), "The configured remote needs no sign-in")
					return nil
				}
				scr, done, err := a.syncScreen(ctx)
				if err != nil {
					return err
				}
				defer done()
				err = scr.SignIn(ctx)
				fmt.Fprintln(cmd.OutOrStdout(), scr.Status())
				return err
			})(cmd, args)
		},
	}
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup <path>",
		Short: "Write a consistent copy of the sqlite store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(false)
			if err != nil {
				return err
			}
			defer a.Close()
			m, err := factory.NewManager(config.GetStorageConfig(), a.zlog)
			if err != nil {
				return err
			}
			defer m.Close()
			if err := m.Backup(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "backup written to %s\n", args[0])
			return nil
		},
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/openmined/modsync/internal/installer"
	"github.com/openmined/modsync/internal/modsync"
	"github.com/openmined/modsync/internal/profile"
	"github.com/openmined/modsync/internal/source"
	"github.com/openmined/modsync/internal/version"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(
		newSyncCmd(),
		newAddCmd(),
		newRemoveCmd(),
		newEnableCmd(true),
		newEnableCmd(false),
		newPinCmd(),
		newListCmd(),
		newStatusCmd(),
		newVersionsCmd(),
		newBackupCmd(),
		newRestoreCmd(),
		newCleanCacheCmd(),
		newUninstallAllCmd(),
		newVersionCmd(),
	)
}

// withManager opens a manager for the loaded config and closes it after fn.
func withManager(cmd *cobra.Command, fn func(ctx context.Context, m *modsync.Manager) error) error {
	reset, _ := cmd.Flags().GetBool("reset-snapshots")
	m, err := modsync.New(cmd.Context(), cfg, modsync.Options{ResetCorruptSnapshots: reset})
	if err != nil {
		return err
	}
	defer m.Close()
	return fn(cmd.Context(), m)
}

func newSyncCmd() *cobra.Command {
	var opts modsync.SyncOptions
	cmd := &cobra.Command{
		Use:   "sync [mod-id...]",
		Short: "Install or update mods to match the profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ModIDs = args
			return withManager(cmd, func(ctx context.Context, m *modsync.Manager) error {
				report, err := m.Sync(ctx, opts)
				if err != nil {
					return err
				}
				printReport(cmd.OutOrStdout(), report)
				return report.Err()
			})
		},
	}
	cmd.Flags().BoolVarP(&opts.Force, "force", "f", false, "reinstall up-to-date and disabled mods, ignore a running game")
	cmd.Flags().BoolVarP(&opts.DryRun, "dry-run", "n", false, "show what would change without touching the game directory")
	return cmd
}

func newAddCmd() *cobra.Command {
	var mod profile.Mod
	cmd := &cobra.Command{
		Use:   "add <mod-id> <ref>",
		Short: "Add a mod to the profile",
		Long: `Add a mod to the profile.

The ref depends on the source:
  github  owner/repo or https://github.com/owner/repo
  spthub  https://hub.sp-tarkov.com/files/file/<id>-<name>/
  s3      key prefix of the mod in the mirror bucket`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			mod.ID, mod.Ref = args[0], args[1]
			return withManager(cmd, func(ctx context.Context, m *modsync.Manager) error {
				versions, err := m.AddMod(ctx, mod)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%d versions available, newest %s)\n",
					green.Render("added"), bold.Render(mod.ID), len(versions), cyan.Render(versions[0].ID))
				return nil
			})
		},
	}
	flags := cmd.Flags()
	flags.StringVarP(&mod.Source, "source", "s", string(source.KindGitHub), "source kind: github, spthub or s3")
	flags.StringVar(&mod.Name, "name", "", "display name")
	flags.StringVar(&mod.Version, "version", "", "pin a version (default latest)")
	flags.StringVar(&mod.AssetPattern, "asset", "", "glob selecting the release asset")
	flags.StringVar(&mod.AssetExclude, "exclude-asset", "", "glob of release assets to skip")
	flags.StringVar(&mod.InstallPath, "install-path", "", "install the whole archive below this game-relative directory")
	flags.StringVar(&mod.Target, "target", "", "override the install target for this mod")
	return cmd
}

func newRemoveCmd() *cobra.Command {
	var uninstall, force bool
	cmd := &cobra.Command{
		Use:     "remove <mod-id>",
		Aliases: []string{"rm"},
		Short:   "Remove a mod from the profile",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *modsync.Manager) error {
				res, err := m.RemoveMod(ctx, args[0], uninstall, force)
				if res != nil {
					printUninstall(cmd.OutOrStdout(), res)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green.Render("removed"), bold.Render(args[0]))
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&uninstall, "uninstall", "u", false, "also delete the mod's installed files")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "ignore a running game")
	return cmd
}

func newEnableCmd(enabled bool) *cobra.Command {
	use, short := "enable", "Enable a mod"
	if !enabled {
		use, short = "disable", "Disable a mod; its files stay installed"
	}
	return &cobra.Command{
		Use:   use + " <mod-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *modsync.Manager) error {
				if err := m.SetEnabled(args[0], enabled); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green.Render(use+"d"), bold.Render(args[0]))
				return nil
			})
		},
	}
}

func newPinCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pin <mod-id> <version|latest>",
		Short: "Select the version a mod syncs to",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *modsync.Manager) error {
				return m.SetVersion(args[0], args[1])
			})
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the mods of the profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			mods, err := profile.NewStore(cfg.Profile).List()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(mods) == 0 {
				fmt.Fprintln(out, gray.Render("no mods in "+cfg.Profile))
				return nil
			}
			for _, mod := range mods {
				state := green.Render("enabled ")
				if !mod.IsEnabled() {
					state = gray.Render("disabled")
				}
				fmt.Fprintf(out, "%s  %-24s %-8s %-10s %s\n",
					state, bold.Render(mod.ID), mod.Source, mod.WantedVersion(), lightGray.Render(mod.Ref))
			}
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show installed versions and files per mod",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *modsync.Manager) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, st := range statuses {
					name := bold.Render(st.Mod.ID)
					switch {
					case st.Snapshot == nil:
						fmt.Fprintf(out, "%-24s %s\n", name, gray.Render("not installed"))
					case !st.InProfile:
						fmt.Fprintf(out, "%-24s %s %s\n", name, yellow.Render(st.Snapshot.Version),
							yellow.Render("installed but not in profile"))
					default:
						fmt.Fprintf(out, "%-24s %s %s\n", name, cyan.Render(st.Snapshot.Version),
							lightGray.Render(fmt.Sprintf("%d files, %s, synced %s", st.Snapshot.FileCount,
								humanize.Bytes(uint64(st.Snapshot.TotalSize)), humanize.Time(st.Snapshot.SyncedAt))))
					}
				}
				return nil
			})
		},
	}
}

func newVersionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "versions <mod-id>",
		Short: "List the versions a mod's source offers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *modsync.Manager) error {
				versions, err := m.Versions(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, v := range versions {
					published := ""
					if !v.PublishedAt.IsZero() {
						published = humanize.Time(v.PublishedAt)
					}
					fmt.Fprintf(out, "%-16s %-40s %s\n", cyan.Render(v.ID), v.Name, gray.Render(published))
				}
				return nil
			})
		},
	}
}

func newBackupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backup [dir]",
		Short: "Zip BepInEx/plugins, BepInEx/config and user/mods",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dest := ""
			if len(args) == 1 {
				dest = args[0]
			}
			return withManager(cmd, func(ctx context.Context, m *modsync.Manager) error {
				path, err := m.Backup(ctx, dest)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", green.Render("backup written to"), path)
				return nil
			})
		},
	}
}

func newRestoreCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "restore <backup.zip>",
		Short: "Restore a backup into the game directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *modsync.Manager) error {
				n, err := m.Restore(ctx, args[0], force)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %d files\n", green.Render("restored"), n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "ignore a running game")
	return cmd
}

func newCleanCacheCmd() *cobra.Command {
	var game, force bool
	cmd := &cobra.Command{
		Use:   "clean-cache",
		Short: "Delete downloaded archives, and optionally the game's own caches",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *modsync.Manager) error {
				out := cmd.OutOrStdout()
				freed, err := m.CleanDownloadCache()
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %s\n", green.Render("download cache cleaned, freed"), humanize.Bytes(uint64(freed)))

				if game {
					n, err := m.ClearGameCache(ctx, force)
					if err != nil {
						return err
					}
					fmt.Fprintf(out, "%s %d entries\n", green.Render("game cache cleared,"), n)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&game, "game", false, "also clear BepInEx/cache and user/cache")
	cmd.Flags().BoolVarP(&force, "force", "f", false, "ignore a running game")
	return cmd
}

func newUninstallAllCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "uninstall-all",
		Short: "Remove the files of every installed mod; the profile is kept",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(ctx context.Context, m *modsync.Manager) error {
				results, err := m.UninstallAll(ctx, force)
				for _, res := range results {
					printUninstall(cmd.OutOrStdout(), res)
				}
				return err
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "ignore a running game")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print modsync version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), version.Detailed())
			return err
		},
	}
}

func printReport(w io.Writer, report *modsync.Report) {
	for _, res := range report.Results {
		name := bold.Render(res.ModID)
		switch res.Status {
		case modsync.StatusFailed:
			fmt.Fprintf(w, "%s %s %v\n", red.Render("✗"), name, res.Err)
			continue
		case modsync.StatusDisabled:
			fmt.Fprintf(w, "%s %s %s\n", gray.Render("-"), name, gray.Render("disabled"))
			continue
		case modsync.StatusUpToDate:
			fmt.Fprintf(w, "%s %s %s %s\n", green.Render("✓"), name, cyan.Render(res.Version), gray.Render("up to date"))
			continue
		}

		mark := green.Render("✓")
		if res.Status == modsync.StatusPlanned {
			mark = yellow.Render("~")
		}
		fmt.Fprintf(w, "%s %s %s %s\n", mark, name, cyan.Render(res.Version), lightGray.Render(summarize(res.Changes)))
		for _, p := range res.Overwritten {
			fmt.Fprintf(w, "    %s %s\n", yellow.Render("overwritten"), p)
		}
		for _, p := range res.Orphans {
			fmt.Fprintf(w, "    %s %s\n", yellow.Render("kept modified"), p)
		}
	}

	fmt.Fprintf(w, "%s\n", gray.Render(fmt.Sprintf("%d installed, %d up to date, %d failed in %s",
		report.Count(modsync.StatusInstalled), report.Count(modsync.StatusUpToDate),
		report.Count(modsync.StatusFailed), report.Duration.Round(1e6))))
}

func printUninstall(w io.Writer, res *installer.Result) {
	fmt.Fprintf(w, "%s %s %s\n", green.Render("uninstalled"), bold.Render(res.ModID),
		lightGray.Render(fmt.Sprintf("%d files", len(res.Changes.Removed)-len(res.Orphans))))
	for _, p := range res.Orphans {
		fmt.Fprintf(w, "    %s %s\n", yellow.Render("kept modified"), p)
	}
}

func summarize(cs *installer.ChangeSet) string {
	if cs == nil {
		return ""
	}
	var parts []string
	for _, c := range []struct {
		label string
		n     int
	}{
		{"added", len(cs.Added)},
		{"updated", len(cs.Updated)},
		{"removed", len(cs.Removed)},
		{"unchanged", len(cs.Unchanged)},
	} {
		if c.n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", c.n, c.label))
		}
	}
	if len(parts) == 0 {
		return "no files"
	}
	return strings.Join(parts, ", ")
}

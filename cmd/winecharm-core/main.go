package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/loykin/winecharm/internal/apperr"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := buildRoot(&command{flags: &GlobalFlags{}, out: os.Stdout, errOut: os.Stderr})
	if err := root.ExecuteContext(ctx); err != nil {
		if !apperr.IsCancelled(err) {
			_, _ = fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// buildRoot creates the command tree around c.
func buildRoot(c *command) *cobra.Command {
	root := createRootCommand(c.flags)
	root.SetOut(c.out)
	root.SetErr(c.errOut)
	root.AddCommand(
		createListCommand(c),
		createShowCommand(c),
		createCreateCommand(c),
		createScanCommand(c),
		createLaunchCommand(c),
		createStopCommand(c),
		createKillAllCommand(c),
		createPsCommand(c),
		createTemplateCommand(c),
		createPrefixCommand(c),
		createBackupCommand(c),
		createRestoreCommand(c),
		createSavesCommand(c),
		createHistoryCommand(c),
		createSettingsCommand(c),
		createServeCommand(c),
	)
	return root
}

func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "winecharm-core",
		Short: "Manage Wine prefixes and the Windows programs running in them",
		Long: `winecharm-core drives the WineCharm prefix and process core from the
command line: it creates .charm descriptors, launches and stops programs,
and manages, backs up and restores prefixes.

Programs are referred to by sha256sum, a unique prefix of it, or progname.

Examples:
  winecharm-core create ~/Downloads/setup.exe
  winecharm-core list
  winecharm-core launch "My Game" --wait
  winecharm-core backup My_Game --out ~/Backups`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.Root, "root", "", "data root (default $XDG_DATA_HOME/winecharm)")
	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to Settings.yaml (default <root>/Settings.yaml)")
	root.PersistentFlags().BoolVarP(&flags.Verbose, "verbose", "v", false, "log to stderr")
	root.PersistentFlags().BoolVar(&flags.JSON, "json", false, "print JSON")
	return root
}

func createListCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List programs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context())
		},
	}
}

func createShowCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "show PROGRAM",
		Short: "Print a program's descriptor",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Show(cmd.Context(), args[0])
		},
	}
}

func createCreateCommand(c *command) *cobra.Command {
	f := &CreateFlags{}
	cmd := &cobra.Command{
		Use:   "create EXE",
		Short: "Create a descriptor for an executable",
		Long: `Create a .charm descriptor for a .exe, .msi or .lnk file.

Without --prefix a new prefix is cloned from the template, building the
template first when needed.

Examples:
  winecharm-core create ~/Downloads/setup.exe
  winecharm-core create game.exe --prefix ~/.local/share/winecharm/prefixes/Game --args "-windowed"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Create(cmd.Context(), args[0], *f)
		},
	}
	cmd.Flags().StringVar(&f.Prefix, "prefix", "", "existing prefix to use")
	cmd.Flags().BoolVar(&f.UseExeName, "use-exe-name", false, "name the program after the file instead of its product name")
	cmd.Flags().StringVar(&f.Args, "args", "", "arguments passed to the program")
	cmd.Flags().StringVar(&f.Runner, "runner", "", "wine binary for this program")
	return cmd
}

func createScanCommand(c *command) *cobra.Command {
	f := &ScanFlags{}
	cmd := &cobra.Command{
		Use:   "scan PREFIX",
		Short: "Create descriptors for new shortcuts in a prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Scan(cmd.Context(), args[0], *f)
		},
	}
	cmd.Flags().BoolVar(&f.Executables, "exes", false, "create descriptors for every executable instead")
	return cmd
}

func createLaunchCommand(c *command) *cobra.Command {
	f := &LaunchFlags{}
	cmd := &cobra.Command{
		Use:   "launch PROGRAM",
		Short: "Launch a program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Launch(cmd.Context(), args[0], *f)
		},
	}
	cmd.Flags().BoolVar(&f.Wait, "wait", false, "wait for the program to end")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "give up waiting after this long")
	return cmd
}

func createStopCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "stop PROGRAM",
		Short: "Stop a running program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Stop(cmd.Context(), args[0])
		},
	}
}

func createKillAllCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "kill-all",
		Short: "Kill every Windows process of the current user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.KillAll(cmd.Context())
		},
	}
}

func createPsCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List running programs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Ps(cmd.Context())
		},
	}
}

func createTemplateCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "template [win32|win64]",
		Short: "Build the prefix template unless it is complete",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			arch := ""
			if len(args) == 1 {
				arch = args[0]
			}
			return c.Template(cmd.Context(), arch)
		},
	}
}

func createPrefixCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prefix",
		Short: "Manage prefixes",
	}
	clone := &CloneFlags{}
	cloneCmd := &cobra.Command{
		Use:   "clone NAME",
		Short: "Create a prefix from the template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.PrefixClone(cmd.Context(), args[0], *clone)
		},
	}
	cloneCmd.Flags().StringVar(&clone.Arch, "arch", "", "template architecture (default from settings)")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List prefixes",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.PrefixList(cmd.Context())
			},
		},
		cloneCmd,
		&cobra.Command{
			Use:   "rename PREFIX NEW_NAME",
			Short: "Rename a prefix and update its descriptors",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.PrefixRename(cmd.Context(), args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "delete PREFIX",
			Short: "Delete a prefix and its descriptors",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.PrefixDelete(cmd.Context(), args[0])
			},
		},
		&cobra.Command{
			Use:   "import DIR",
			Short: "Copy an existing Wine prefix into the data root",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.PrefixImport(cmd.Context(), args[0])
			},
		},
	)
	return cmd
}

func createBackupCommand(c *command) *cobra.Command {
	f := &BackupFlags{}
	cmd := &cobra.Command{
		Use:   "backup PREFIX",
		Short: "Write a portable archive of a prefix",
		Long: `Write a zstd-compressed tar archive of a prefix. The current user name
is replaced by %USERNAME% so the archive restores on another account.

Examples:
  winecharm-core backup My_Game --out ~/Backups
  tar -I 'zstd -T0' -tf ~/Backups/My_Game-20250101-120000.tar.zst`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Backup(cmd.Context(), args[0], *f)
		},
	}
	cmd.Flags().StringVarP(&f.Out, "out", "o", "", "archive file or directory (default current directory)")
	return cmd
}

func createRestoreCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "restore ARCHIVE",
		Short: "Restore a prefix archive under prefixes/",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Restore(cmd.Context(), args[0])
		},
	}
}

func createSavesCommand(c *command) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "saves",
		Short: "Back up and restore a program's save directories",
	}
	f := &BackupFlags{}
	backupCmd := &cobra.Command{
		Use:   "backup PROGRAM",
		Short: "Archive the save_dirs of a program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.SavesBackup(cmd.Context(), args[0], *f)
		},
	}
	backupCmd.Flags().StringVarP(&f.Out, "out", "o", "", "archive file or directory (default current directory)")
	cmd.AddCommand(
		backupCmd,
		&cobra.Command{
			Use:   "restore PROGRAM ARCHIVE",
			Short: "Unpack a save archive into the program's prefix",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.SavesRestore(cmd.Context(), args[0], args[1])
			},
		},
	)
	return cmd
}

func createHistoryCommand(c *command) *cobra.Command {
	f := &HistoryFlags{}
	cmd := &cobra.Command{
		Use:   "history [PROGRAM]",
		Short: "Show launch history",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			return c.History(cmd.Context(), key, *f)
		},
	}
	cmd.Flags().IntVarP(&f.Limit, "limit", "n", 20, "number of entries")
	return cmd
}

func createSettingsCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "settings",
		Short: "Print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Settings(cmd.Context())
		},
	}
}

func createServeCommand(c *command) *cobra.Command {
	f := &ServeFlags{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Track programs and expose Prometheus metrics until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "metrics listen address (default from settings)")
	cmd.Flags().BoolVar(&f.Watch, "watch", true, "reload descriptors edited by other processes")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/loykin/winecharm"
	"github.com/loykin/winecharm/internal/descriptor"
	"github.com/loykin/winecharm/internal/history"
	"github.com/loykin/winecharm/internal/task"
)

type command struct {
	flags  *GlobalFlags
	out    io.Writer
	errOut io.Writer
	// base is merged with the global flags on every open; tests inject
	// fakes through it.
	base winecharm.Options
}

// withCore opens the core for one command and closes it afterwards.
// reconcile adopts programs that are already running.
func (c *command) withCore(ctx context.Context, reconcile bool, fn func(*winecharm.Core) error) error {
	o := c.base
	if c.flags.Root != "" {
		o.Root = c.flags.Root
	}
	if c.flags.ConfigPath != "" {
		o.SettingsPath = c.flags.ConfigPath
	}
	if c.flags.Verbose {
		o.Console = c.errOut
	}
	o.SkipReconcile = o.SkipReconcile || !reconcile
	core, err := winecharm.Open(ctx, o)
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = core.Close(cctx)
	}()
	return fn(core)
}

// progress prints step events to stderr unless JSON output is requested.
func (c *command) progress() task.Progress {
	if c.flags.JSON {
		return nil
	}
	return func(e task.Event) {
		switch {
		case e.Done:
		case e.Message != "":
			_, _ = fmt.Fprintf(c.errOut, "  %s: %s\n", e.Step, e.Message)
		case e.Step != "":
			_, _ = fmt.Fprintf(c.errOut, "[%d/%d] %s\n", e.Index, e.Total, e.Step)
		}
	}
}

func (c *command) List(ctx context.Context) error {
	return c.withCore(ctx, true, func(core *winecharm.Core) error {
		all := core.Descriptors()
		if c.flags.JSON {
			rows := make([]descriptorRow, 0, len(all))
			for _, d := range all {
				rows = append(rows, newDescriptorRow(d, core.Tracker.IsRunning(d.Key())))
			}
			return printJSON(c.out, rows)
		}
		tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "KEY\tPROGRAM\tPREFIX\tRUNNING")
		for _, d := range all {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%v\n", descriptor.ShortHash(d.Key()), d.Progname, filepath.Base(d.Prefix), core.Tracker.IsRunning(d.Key()))
		}
		return tw.Flush()
	})
}

func (c *command) Show(ctx context.Context, key string) error {
	return c.withCore(ctx, false, func(core *winecharm.Core) error {
		d, err := findDescriptor(core, key)
		if err != nil {
			return err
		}
		if c.flags.JSON {
			return printJSON(c.out, newDescriptorRow(d, false))
		}
		b, err := descriptor.Encode(d)
		if err != nil {
			return err
		}
		_, err = c.out.Write(b)
		return err
	})
}

func (c *command) Create(ctx context.Context, exe string, f CreateFlags) error {
	return c.withCore(ctx, false, func(core *winecharm.Core) error {
		d, err := core.Create(ctx, exe, f.Prefix, winecharm.CreateOptions{
			UseExeName: f.UseExeName,
			Args:       f.Args,
			Runner:     f.Runner,
			Progress:   c.progress(),
		})
		if err != nil {
			return err
		}
		return c.printDescriptors(core, []descriptor.Descriptor{d})
	})
}

func (c *command) Scan(ctx context.Context, prefixDir string, f ScanFlags) error {
	return c.withCore(ctx, false, func(core *winecharm.Core) error {
		var (
			found []descriptor.Descriptor
			err   error
		)
		if f.Executables {
			found, err = core.CreateAll(ctx, prefixDir, c.progress())
		} else {
			found, err = core.ScanShortcuts(ctx, prefixDir, c.progress())
		}
		if err != nil && len(found) == 0 {
			return err
		}
		if perr := c.printDescriptors(core, found); perr != nil {
			return perr
		}
		return err
	})
}

func (c *command) printDescriptors(core *winecharm.Core, ds []descriptor.Descriptor) error {
	if c.flags.JSON {
		rows := make([]descriptorRow, 0, len(ds))
		for _, d := range ds {
			rows = append(rows, newDescriptorRow(d, false))
		}
		return printJSON(c.out, rows)
	}
	for _, d := range ds {
		_, _ = fmt.Fprintf(c.out, "%s %s %s\n", descriptor.ShortHash(d.Key()), d.Progname, core.Layout.Contract(d.ScriptPath))
	}
	return nil
}

func (c *command) Launch(ctx context.Context, key string, f LaunchFlags) error {
	return c.withCore(ctx, true, func(core *winecharm.Core) error {
		d, err := findDescriptor(core, key)
		if err != nil {
			return err
		}
		events, unsubscribe := core.Subscribe(16)
		defer unsubscribe()
		rec, err := core.Launch(ctx, d.Key())
		if err != nil {
			return err
		}
		if !f.Wait {
			return c.printRecords([]winecharm.Record{rec})
		}
		wctx := ctx
		if f.Timeout > 0 {
			var cancel context.CancelFunc
			wctx, cancel = context.WithTimeout(ctx, f.Timeout)
			defer cancel()
		}
		for {
			select {
			case e := <-events:
				if e.Record.Key != d.Key() {
					continue
				}
				_, _ = fmt.Fprintf(c.errOut, "%s %s pids=%v\n", e.Type, e.Record.Progname, e.Record.PIDs)
				switch e.Type {
				case history.EventEnded:
					if e.Record.ExitCode != 0 {
						return fmt.Errorf("%s exited with code %d, see %s", e.Record.Progname, e.Record.ExitCode, e.Record.LogPath)
					}
					return nil
				}
			case <-wctx.Done():
				return wctx.Err()
			}
		}
	})
}

func (c *command) Stop(ctx context.Context, key string) error {
	return c.withCore(ctx, true, func(core *winecharm.Core) error {
		d, err := findDescriptor(core, key)
		if err != nil {
			return err
		}
		if err := core.Stop(ctx, d.Key()); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "stopped %s\n", d.Progname)
		return nil
	})
}

func (c *command) KillAll(ctx context.Context) error {
	return c.withCore(ctx, true, func(core *winecharm.Core) error {
		n, err := core.KillAll(ctx)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "killed %d processes\n", n)
		return nil
	})
}

func (c *command) Ps(ctx context.Context) error {
	return c.withCore(ctx, true, func(core *winecharm.Core) error {
		return c.printRecords(core.Running())
	})
}

func (c *command) printRecords(recs []winecharm.Record) error {
	if c.flags.JSON {
		rows := make([]history.Record, 0, len(recs))
		for _, r := range recs {
			rows = append(rows, r.History())
		}
		return printJSON(c.out, rows)
	}
	tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "PROGRAM\tPIDS\tSINCE\tEXTERNAL")
	for _, r := range recs {
		_, _ = fmt.Fprintf(tw, "%s\t%v\t%s\t%v\n", r.Progname, r.PIDs, r.LaunchedAt.Local().Format(time.DateTime), r.External)
	}
	return tw.Flush()
}

func (c *command) Template(ctx context.Context, arch string) error {
	return c.withCore(ctx, false, func(core *winecharm.Core) error {
		dir, err := core.EnsureTemplate(ctx, arch, c.progress())
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(c.out, dir)
		return nil
	})
}

func (c *command) PrefixList(ctx context.Context) error {
	return c.withCore(ctx, false, func(core *winecharm.Core) error {
		dirs, err := core.PrefixDirs()
		if err != nil {
			return err
		}
		if c.flags.JSON {
			return printJSON(c.out, dirs)
		}
		for _, d := range dirs {
			_, _ = fmt.Fprintf(c.out, "%s\t%d programs\n", d, len(core.Store.ByPrefix(d)))
		}
		return nil
	})
}

func (c *command) PrefixClone(ctx context.Context, name string, f CloneFlags) error {
	return c.withCore(ctx, false, func(core *winecharm.Core) error {
		dest, err := core.ClonePrefix(ctx, f.Arch, name)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(c.out, dest)
		return nil
	})
}

func (c *command) PrefixRename(ctx context.Context, from, to string) error {
	return c.withCore(ctx, true, func(core *winecharm.Core) error {
		dest, err := core.RenamePrefix(c.prefixPath(core, from), to)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(c.out, dest)
		return nil
	})
}

func (c *command) PrefixDelete(ctx context.Context, name string) error {
	return c.withCore(ctx, true, func(core *winecharm.Core) error {
		return core.DeletePrefix(c.prefixPath(core, name))
	})
}

func (c *command) PrefixImport(ctx context.Context, src string) error {
	return c.withCore(ctx, false, func(core *winecharm.Core) error {
		dest, err := core.ImportPrefix(ctx, src, c.progress())
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(c.out, dest)
		return nil
	})
}

// prefixPath accepts a bare prefix name or a path.
func (c *command) prefixPath(core *winecharm.Core, name string) string {
	if filepath.Base(name) == name {
		if _, err := os.Stat(name); err != nil {
			return core.Layout.PrefixDir(name)
		}
	}
	return core.Layout.Clean(name)
}

func (c *command) Backup(ctx context.Context, name string, f BackupFlags) error {
	return c.withCore(ctx, true, func(core *winecharm.Core) error {
		out := f.Out
		if out == "" {
			out, _ = os.Getwd()
		}
		archive, err := core.BackupPrefix(ctx, c.prefixPath(core, name), out, c.progress())
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(c.out, archive)
		return nil
	})
}

func (c *command) Restore(ctx context.Context, archive string) error {
	return c.withCore(ctx, false, func(core *winecharm.Core) error {
		dest, err := core.RestorePrefix(ctx, archive, c.progress())
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(c.out, dest)
		return nil
	})
}

func (c *command) SavesBackup(ctx context.Context, key string, f BackupFlags) error {
	return c.withCore(ctx, false, func(core *winecharm.Core) error {
		d, err := findDescriptor(core, key)
		if err != nil {
			return err
		}
		out := f.Out
		if out == "" {
			out, _ = os.Getwd()
		}
		archive, err := core.BackupSaves(ctx, d.Key(), out)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintln(c.out, archive)
		return nil
	})
}

func (c *command) SavesRestore(ctx context.Context, key, archive string) error {
	return c.withCore(ctx, true, func(core *winecharm.Core) error {
		d, err := findDescriptor(core, key)
		if err != nil {
			return err
		}
		return core.RestoreSaves(ctx, d.Key(), archive)
	})
}

func (c *command) History(ctx context.Context, key string, f HistoryFlags) error {
	return c.withCore(ctx, false, func(core *winecharm.Core) error {
		if key != "" {
			d, err := findDescriptor(core, key)
			if err != nil {
				return err
			}
			key = d.Key()
		}
		entries, err := core.History(ctx, key, f.Limit)
		if err != nil {
			return err
		}
		if c.flags.JSON {
			return printJSON(c.out, entries)
		}
		tw := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintln(tw, "TIME\tEVENT\tPROGRAM\tPIDS\tEXIT")
		for _, e := range entries {
			_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%v\t%d\n", e.OccurredAt.Local().Format(time.DateTime), e.Event, e.Progname, e.PIDs, e.ExitCode)
		}
		return tw.Flush()
	})
}

func (c *command) Settings(ctx context.Context) error {
	return c.withCore(ctx, false, func(core *winecharm.Core) error {
		s := core.Settings
		s.DataRoot = core.Layout.Root()
		return printJSON(c.out, s)
	})
}

// Serve keeps the core open: it exposes metrics, follows descriptor edits
// and logs lifecycle events until ctx is done.
func (c *command) Serve(ctx context.Context, f ServeFlags) error {
	c.base.Metrics = true
	return c.withCore(ctx, true, func(core *winecharm.Core) error {
		listen := f.Listen
		if listen == "" {
			listen = core.Settings.Metrics.Listen
		}
		if f.Watch {
			err := core.Watch(ctx, func(ch descriptor.Change) {
				core.Log.Info("descriptor changed", "op", ch.Op.String(), "path", ch.Path)
			})
			if err != nil {
				return err
			}
		}
		events, unsubscribe := core.Subscribe(64)
		defer unsubscribe()
		go func() {
			for e := range events {
				core.Log.Info("program "+string(e.Type), "progname", e.Record.Progname, "pids", e.Record.PIDs)
			}
		}()
		core.Log.Info("serving metrics", "listen", listen)
		_, _ = fmt.Fprintf(c.errOut, "serving /metrics on %s\n", listen)
		return winecharm.ServeMetrics(ctx, listen)
	})
}

package filestore

import (
	"fmt"
	"strconv"

	"github.com/proxmox/ceph-sub001/internal/filestore"
	"github.com/urfave/cli/v2"
)

func newFsckGuardCommand() *cli.Command {
	return &cli.Command{
		Name:      "fsck-guard",
		Usage:     "show the replay guards of a store",
		ArgsUsage: "[path]",
		Description: `Show the replay guards recorded in the current state of the store. Guards that are still in
progress mark operations that were interrupted and are executed again when the journal is
replayed.

If a path is given, only the guards recorded on that file or directory are shown.

The store must not be mounted.

Example: filestore --config filestore.toml fsck-guard`,
		HideHelpCommand: true,
		Action:          fsckGuardAction,
		Before: func(ctx *cli.Context) error {
			if ctx.NArg() > 1 {
				_ = cli.ShowSubcommandHelp(ctx)
				return cli.Exit("fsck-guard accepts at most one path", 1)
			}
			return nil
		},
	}
}

func fsckGuardAction(ctx *cli.Context) error {
	cfg, _, err := configure(ctx)
	if err != nil {
		return err
	}

	lock, err := filestore.Lock(cfg.BasePath)
	if err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	defer lock.Close()

	table := newTable(ctx, "Kind", "Collection", "Object", "Position", "In progress")

	if path := ctx.Args().First(); path != "" {
		for _, guard := range []struct {
			kind string
			read func(string) (filestore.ReplayGuard, bool, error)
		}{
			{kind: "global", read: filestore.ReadGlobalReplayGuard},
			{kind: "local", read: filestore.ReadReplayGuard},
		} {
			stored, ok, err := guard.read(path)
			if err != nil {
				return fmt.Errorf("read %s guard: %w", guard.kind, err)
			}
			if ok {
				table.Append([]string{guard.kind, "", path, stored.Position.String(), strconv.FormatBool(stored.InProgress)})
			}
		}

		table.Render()
		return nil
	}

	var inProgress int
	if err := filestore.WalkReplayGuards(cfg.BasePath, func(record filestore.GuardRecord) error {
		object := ""
		if record.Kind == filestore.GuardKindObject {
			object = record.Object.String()
		}
		if record.Guard.InProgress {
			inProgress++
		}

		table.Append([]string{
			string(record.Kind),
			record.Collection.String(),
			object,
			record.Guard.Position.String(),
			strconv.FormatBool(record.Guard.InProgress),
		})
		return nil
	}); err != nil {
		return fmt.Errorf("walk replay guards: %w", err)
	}

	table.Render()
	fmt.Fprintf(ctx.App.Writer, "%d guards in progress\n", inProgress)
	return nil
}

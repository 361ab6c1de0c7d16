package filestore

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/proxmox/ceph-sub001/internal/filestore"
	"github.com/urfave/cli/v2"
)

func newMkfsCommand() *cli.Command {
	return &cli.Command{
		Name:  "mkfs",
		Usage: "create an empty store",
		Description: `Create an empty store in the configured base path, together with its journal if a journal
path is configured. Running mkfs on an existing store with the same fsid leaves it untouched.

Example: filestore --config filestore.toml mkfs --fsid 0b6c6a8e-0c8a-4c31-9a5e-4f5a2d0c6b1e`,
		HideHelpCommand: true,
		Action:          mkfsAction,
		Before:          noPositionalArgs,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  flagFSID,
				Usage: "identifier of the store, a random one is generated if not set",
			},
		},
	}
}

func mkfsAction(ctx *cli.Context) error {
	cfg, logger, err := configure(ctx)
	if err != nil {
		return err
	}

	fsid := uuid.Nil
	if value := ctx.String(flagFSID); value != "" {
		if fsid, err = uuid.Parse(value); err != nil {
			return fmt.Errorf("parse fsid: %w", err)
		}
	}

	store, err := filestore.New(logger, cfg)
	if err != nil {
		return fmt.Errorf("new store: %w", err)
	}

	if err := store.Mkfs(ctx.Context, fsid); err != nil {
		return fmt.Errorf("mkfs: %w", err)
	}

	fmt.Fprintf(ctx.App.Writer, "created store %s in %s\n", store.FSID(), cfg.BasePath)
	return nil
}

package filestore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/proxmox/ceph-sub001/internal/config"
	"github.com/proxmox/ceph-sub001/internal/filestore"
	"github.com/proxmox/ceph-sub001/internal/filestore/journal"
	"github.com/proxmox/ceph-sub001/internal/log"
	"github.com/urfave/cli/v2"
)

func newStatusCommand() *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "show the on-disk state of an unmounted store",
		Description: `Show the identifier, format version, features, committed sequence number and checkpoints of
the store, and the entries left in its journal.

The store must not be mounted.

Example: filestore --config filestore.toml status`,
		HideHelpCommand: true,
		Action:          statusAction,
		Before:          noPositionalArgs,
	}
}

func statusAction(ctx *cli.Context) error {
	cfg, logger, err := configure(ctx)
	if err != nil {
		return err
	}

	lock, err := filestore.Lock(cfg.BasePath)
	if err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	defer lock.Close()

	info, err := filestore.Inspect(cfg.BasePath)
	if err != nil {
		return fmt.Errorf("inspect store: %w", err)
	}

	checkpoints := make([]string, 0, len(info.Checkpoints))
	for _, seq := range info.Checkpoints {
		checkpoints = append(checkpoints, strconv.FormatUint(seq, 10))
	}

	table := newTable(ctx, "Property", "Value")
	table.AppendBulk([][]string{
		{"fsid", info.FSID.String()},
		{"version", strconv.Itoa(info.Version)},
		{"features", strings.Join(info.Superblock.Compat, ",")},
		{"omap backend", info.Superblock.OmapBackend},
		{"backend", cfg.Backend},
		{"committed seq", strconv.FormatUint(info.CommittedSeq, 10)},
		{"checkpoints", strings.Join(checkpoints, ",")},
		{"nosnap", strconv.FormatBool(info.NoSnap)},
	})

	if cfg.JournalPath != "" {
		entries, err := journalEntries(logger, cfg)
		if err != nil {
			return err
		}

		var size int64
		for _, entry := range entries {
			size += entry.Size
		}

		table.AppendBulk([][]string{
			{"journal entries", strconv.Itoa(len(entries))},
			{"journal bytes", strconv.FormatInt(size, 10)},
		})
	}

	table.Render()
	return nil
}

func openJournal(logger log.Logger, cfg config.Cfg) (*journal.Journal, error) {
	j, err := journal.Open(logger, cfg.JournalPath, journal.Config{
		MaxBytes:  cfg.Journal.MaxBytes,
		FullRatio: cfg.Journal.FullRatio,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return j, nil
}

func journalEntries(logger log.Logger, cfg config.Cfg) ([]journal.EntryInfo, error) {
	j, err := openJournal(logger, cfg)
	if err != nil {
		return nil, err
	}
	defer j.Close()

	entries, err := j.Entries()
	if err != nil {
		return nil, fmt.Errorf("list journal entries: %w", err)
	}
	return entries, nil
}

package filestore

import (
	"fmt"
	"strconv"

	"github.com/proxmox/ceph-sub001/internal/filestore"
	"github.com/urfave/cli/v2"
)

func newDumpJournalCommand() *cli.Command {
	return &cli.Command{
		Name:  "dump-journal",
		Usage: "show the entries of the journal",
		Description: `Show the entries left in the journal of the store. Every entry is a batch of transactions
that is replayed when the store is mounted, unless the store was committed past it.

With --ops, the operations of each transaction are listed as well.

The store must not be mounted.

Example: filestore --config filestore.toml dump-journal --ops --seq 42`,
		HideHelpCommand: true,
		Action:          dumpJournalAction,
		Before:          noPositionalArgs,
		Flags: []cli.Flag{
			&cli.Uint64Flag{
				Name:  flagSeq,
				Usage: "only show the entry with this sequence number",
			},
			&cli.BoolFlag{
				Name:  flagOps,
				Usage: "list the operations of every transaction",
			},
		},
	}
}

func dumpJournalAction(ctx *cli.Context) error {
	cfg, logger, err := configure(ctx)
	if err != nil {
		return err
	}

	if cfg.JournalPath == "" {
		return cli.Exit("the store has no journal configured", 1)
	}

	lock, err := filestore.Lock(cfg.BasePath)
	if err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	defer lock.Close()

	committed, err := filestore.ReadCommittedSeq(cfg.BasePath)
	if err != nil {
		return fmt.Errorf("read committed seq: %w", err)
	}

	j, err := openJournal(logger, cfg)
	if err != nil {
		return err
	}
	defer j.Close()

	entries, err := j.Entries()
	if err != nil {
		return fmt.Errorf("list journal entries: %w", err)
	}

	table := newTable(ctx, "Seq", "Bytes", "Committed", "Transaction", "Ops", "Op")

	for _, entry := range entries {
		if ctx.IsSet(flagSeq) && entry.Seq != ctx.Uint64(flagSeq) {
			continue
		}

		transactions, err := j.ReadEntry(entry.Seq)
		if err != nil {
			return err
		}

		seq := strconv.FormatUint(entry.Seq, 10)
		size := strconv.FormatInt(entry.Size, 10)
		isCommitted := strconv.FormatBool(entry.Seq <= committed)

		for i, tx := range transactions {
			index, ops := strconv.Itoa(i), strconv.Itoa(len(tx.Ops()))
			if !ctx.Bool(flagOps) {
				table.Append([]string{seq, size, isCommitted, index, ops, ""})
				continue
			}

			for _, op := range tx.Ops() {
				table.Append([]string{seq, size, isCommitted, index, ops, op.Code().String()})
			}
		}
	}

	table.Render()
	return nil
}

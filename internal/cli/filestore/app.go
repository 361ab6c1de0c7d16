// Package filestore implements the command line interface of the object store. The commands
// operate on the store described by the configuration passed with --config.
package filestore

import (
	"fmt"

	"github.com/olekukonko/tablewriter"
	"github.com/proxmox/ceph-sub001/internal/config"
	"github.com/proxmox/ceph-sub001/internal/log"
	"github.com/urfave/cli/v2"
)

const (
	flagConfig = "config"
	flagFSID   = "fsid"
	flagSeq    = "seq"
	flagOps    = "ops"
)

// NewApp returns the filestore command line application.
func NewApp() *cli.App {
	return &cli.App{
		Name:            "filestore",
		Usage:           "manage a transactional object store",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     flagConfig,
				Usage:    "path to the store configuration",
				Aliases:  []string{"c"},
				Required: true,
			},
		},
		Commands: []*cli.Command{
			newMkfsCommand(),
			newStatusCommand(),
			newFsckGuardCommand(),
			newDumpJournalCommand(),
			newReplayCommand(),
		},
	}
}

// configure loads the configuration and sets up a logger writing to the application's error
// writer so the command's output stays parseable.
func configure(ctx *cli.Context) (config.Cfg, log.Logger, error) {
	configPath := ctx.String(flagConfig)

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return config.Cfg{}, nil, fmt.Errorf("load config: config_path %q: %w", configPath, err)
	}

	logger, err := log.Configure(ctx.App.ErrWriter, cfg.Logging.Format, cfg.Logging.Level)
	if err != nil {
		return config.Cfg{}, nil, fmt.Errorf("configuring logger failed: %w", err)
	}

	return cfg, logger, nil
}

func newTable(ctx *cli.Context, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(ctx.App.Writer)
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorders(tablewriter.Border{Left: true, Top: false, Right: true, Bottom: false})
	table.SetCenterSeparator("|")
	return table
}

type unexpectedPositionalArgsError struct{ Command string }

func (err unexpectedPositionalArgsError) Error() string {
	return fmt.Sprintf("%s doesn't accept positional arguments", err.Command)
}

func noPositionalArgs(ctx *cli.Context) error {
	if ctx.Args().Present() {
		_ = cli.ShowSubcommandHelp(ctx)
		return cli.Exit(unexpectedPositionalArgsError{Command: ctx.Command.Name}, 1)
	}
	return nil
}

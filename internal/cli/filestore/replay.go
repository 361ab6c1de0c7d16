package filestore

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/proxmox/ceph-sub001/internal/filestore"
	"github.com/proxmox/ceph-sub001/internal/log"
	"github.com/urfave/cli/v2"
)

func newReplayCommand() *cli.Command {
	return &cli.Command{
		Name:  "replay",
		Usage: "replay the journal into the store",
		Description: `Mount the store, which replays every journal entry the store was not committed through, then
commit the store and unmount it. Afterwards the journal holds no entries the store depends on.

If prometheus_listen_addr is configured, the store's metrics are served while replaying.

Example: filestore --config filestore.toml replay`,
		HideHelpCommand: true,
		Action:          replayAction,
		Before:          noPositionalArgs,
	}
}

func replayAction(ctx *cli.Context) (returnedErr error) {
	cfg, logger, err := configure(ctx)
	if err != nil {
		return err
	}

	metrics := filestore.NewMetrics()
	if cfg.PrometheusListenAddr != "" {
		stop, err := serveMetrics(logger, cfg.PrometheusListenAddr, metrics)
		if err != nil {
			return err
		}
		defer stop()
	}

	store, err := filestore.New(logger, cfg, filestore.WithMetrics(metrics))
	if err != nil {
		return fmt.Errorf("new store: %w", err)
	}

	before, err := filestore.ReadCommittedSeq(cfg.BasePath)
	if err != nil {
		return fmt.Errorf("read committed seq: %w", err)
	}

	if err := store.Mount(ctx.Context); err != nil {
		return fmt.Errorf("mount: %w", err)
	}
	defer func() {
		if err := store.Umount(ctx.Context); err != nil {
			returnedErr = errors.Join(returnedErr, fmt.Errorf("umount: %w", err))
		}
	}()

	if err := store.SyncAndFlush(ctx.Context); err != nil {
		return fmt.Errorf("sync: %w", err)
	}

	fmt.Fprintf(ctx.App.Writer, "replayed %d batches, committed through %d\n",
		store.LastSubmitted()-before, store.CommittedSeq())
	return nil
}

func serveMetrics(logger log.Logger, addr string, collector prometheus.Collector) (func(), error) {
	registry := prometheus.NewRegistry()
	if err := registry.Register(collector); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen for metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("serving metrics failed")
		}
	}()

	logger.WithField("address", listener.Addr().String()).Info("serving metrics")

	return func() { _ = server.Close() }, nil
}

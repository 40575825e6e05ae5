package cmd

import (
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/localkb/localkb/internal/engine"
	"github.com/localkb/localkb/internal/logging"
	"github.com/localkb/localkb/internal/meta"
	"github.com/localkb/localkb/internal/protocol"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the worker process",
		Long: `Start the localkb worker: it owns the knowledge base state, serves
requests on a unix socket, and streams job progress events to connected
clients. One worker owns a given knowledge base at a time.

Stop it with Ctrl-C or SIGTERM; draining jobs pause safely and resume on
the next start.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd)
		},
	}
}

func runServe(cmd *cobra.Command) error {
	conf, err := loadConfig()
	if err != nil {
		return err
	}

	logCfg := logging.DefaultConfig(conf.StateDir)
	logCfg.Level = conf.Logging.Level
	logCfg.FilePath = conf.LogFile()
	logger, cleanup, err := logging.Setup(logCfg)
	if err != nil {
		return err
	}
	defer cleanup()
	slog.SetDefault(logger)

	var server *protocol.Server
	eng := engine.New(engine.Config{
		Conf:   conf,
		Logger: logger,
		Notify: func(kbID string, j *meta.Job) {
			if server != nil {
				server.Broadcast(protocol.EventJobUpdate, protocol.JobUpdatePayload{KBID: kbID, Job: j})
			}
		},
	})
	defer func() {
		if err := eng.Close(); err != nil {
			logger.Error("engine_close_failed", slog.String("error", err.Error()))
		}
	}()

	server = protocol.NewServer(conf.Socket, eng.Dispatch, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("worker_starting", slog.String("state_dir", conf.StateDir))
	if err := server.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("worker_stopped")
	return nil
}

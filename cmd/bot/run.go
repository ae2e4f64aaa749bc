package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/vitos/copytrade/internal/usecase"
	"github.com/vitos/copytrade/internal/web"
	"go.uber.org/zap"
)

var noServer bool

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start every account loop, the copy engine and the status server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		a, err := newApp(cfg, log)
		if err != nil {
			log.Error("Failed to build application", zap.Error(err))
			return err
		}
		defer a.close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if a.ticker != nil && len(a.symbols) > 0 {
			go a.ticker.Run(ctx, a.symbols)
		}

		var copyEngine *usecase.CopyEngine
		if cfg.Copy.Enabled {
			copyEngine = usecase.NewCopyEngine(a.bus, a.followers(), a.journal, a.reporter, log)
		}
		supervisor := usecase.NewSupervisor(a.workers(), copyEngine, a.bus, log)
		if err := supervisor.Start(ctx); err != nil {
			return err
		}

		var server *web.Server
		if !noServer {
			server = web.NewServer(cfg.Server.Port, supervisor, a.intents, a.journal, log)
			go func() {
				if err := server.Start(); err != nil {
					log.Error("Server failed", zap.Error(err))
				}
			}()
		}

		stop := make(chan os.Signal, 1)
		signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
		<-stop

		log.Info("Shutting down...")
		cancel()
		supervisor.Stop()

		if server != nil {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Error("Server shutdown failed", zap.Error(err))
			}
		}
		return nil
	},
}

func init() {
	runCmd.Flags().BoolVar(&noServer, "no-server", false, "do not start the HTTP status server")
	rootCmd.AddCommand(runCmd)
}

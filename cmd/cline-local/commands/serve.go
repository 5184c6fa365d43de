package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nobody-qwert/cline-local/internal/config"
	"github.com/nobody-qwert/cline-local/internal/logging"
	"github.com/nobody-qwert/cline-local/internal/server"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP bridge",
	Long: `Start cline-local as a server exposing configuration, state and
streaming chat over HTTP and Server-Sent Events.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on (defaults to the configured port)")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.close()
	log := logging.Component("cli")

	serverConfig := server.DefaultConfig()
	serverConfig.Port = a.settings.Server.Port
	if servePort > 0 {
		serverConfig.Port = servePort
	}
	serverConfig.CORSOrigins = a.settings.Server.CORS

	srv := server.New(serverConfig, a.cache, a.sessions, a.bus)

	// Model overrides edited while serving take effect on the next chat.
	watcher, err := config.NewWatcher(a.workDir, a.bus, func(s *config.Settings) {
		s.ApplyModelOverrides(a.sessions.Catalog())
	})
	if err != nil {
		log.Warn().Err(err).Msg("settings watcher disabled")
	}
	if watcher != nil {
		watcher.Start()
		defer watcher.Stop()
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", serverConfig.Port).Str("version", Version).Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return err
	}

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown error")
	}
	return nil
}

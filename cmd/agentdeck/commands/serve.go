package commands

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentdeck-ai/agentdeck/internal/claude"
	"github.com/agentdeck-ai/agentdeck/internal/config"
	"github.com/agentdeck-ai/agentdeck/internal/event"
	"github.com/agentdeck-ai/agentdeck/internal/logging"
	"github.com/agentdeck-ai/agentdeck/internal/server"
	"github.com/agentdeck-ai/agentdeck/internal/session"
	"github.com/agentdeck-ai/agentdeck/internal/storage"
	"github.com/agentdeck-ai/agentdeck/internal/store"
	"github.com/agentdeck-ai/agentdeck/internal/workspace"
)

var (
	servePort int
	serveDir  string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the workspace server",
	Long: `Start the agentdeck HTTP server for a workspace.

The server is scoped to one directory: sessions it creates run the agent
in that directory, and their transcripts are stored under a workspace-
specific data path.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "Port to listen on")
	serveCmd.Flags().StringVar(&serveDir, "directory", "", "Workspace directory")
}

func runServe(cmd *cobra.Command, args []string) error {
	workDir, err := GetWorkDir(serveDir)
	if err != nil {
		return err
	}

	appConfig, err := config.Load(workDir)
	if err != nil {
		return err
	}
	if logLevel != "" {
		appConfig.LogLevel = logLevel
	}
	if servePort != 0 {
		appConfig.Port = servePort
	}

	logging.Init(logging.Config{
		Level:  logging.ParseLevel(appConfig.LogLevel),
		Pretty: true,
	})

	ws, err := workspace.FromDirectory(workDir)
	if err != nil {
		return err
	}

	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return err
	}
	dataDir := appConfig.DataDir
	if dataDir == "" {
		dataDir = paths.StoragePath(ws.ID)
	}

	logging.Info().
		Str("version", Version).
		Str("workspaceID", ws.ID).
		Str("directory", ws.Directory).
		Str("dataDir", dataDir).
		Msg("starting agentdeck server")

	ctx := context.Background()

	sessions, err := store.New(ctx, storage.New(dataDir), ws.ID, ws.Directory)
	if err != nil {
		return err
	}

	events := event.NewBroadcaster()
	runner := claude.NewClient(appConfig.AgentCommand)
	service := session.NewService(sessions, events, runner, appConfig.Model)
	if appConfig.PermissionMode != "" {
		service.SetDefaultPermissionMode(appConfig.PermissionMode)
	}

	serverConfig := server.DefaultConfig()
	serverConfig.Port = appConfig.Port
	srv := server.New(serverConfig, service, events)

	go func() {
		logging.Info().Int("port", appConfig.Port).Msg("server listening")
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			logging.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("server shutdown error")
	}

	logging.Info().Msg("server stopped")
	return nil
}

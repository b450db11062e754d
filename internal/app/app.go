package app

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"agentfactory/internal/app/bootstrap"
	"agentfactory/internal/app/server"
	"agentfactory/internal/config"
	"agentfactory/internal/database"
	"agentfactory/internal/support"
)

const (
	defaultPort     = 8082
	defaultMaxConns = 1024
)

func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	log.SetLevel(parseLogLevel(os.Getenv("LOG_LEVEL")))

	portFlag := flag.Int("port", defaultPort, "Port for API server")
	productionFlag := flag.Bool("production", false, "Run in production mode")
	flag.Parse()

	config.SetProductionMode(*productionFlag || support.GetEnvBool("PRODUCTION", false))

	port := resolvePort("PORT", "BACKEND_PORT", *portFlag)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	services, err := bootstrap.Setup(ctx)
	if err != nil {
		return err
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), bootstrap.ShutdownTimeout)
		defer cancel()
		if err := services.Close(shutdownCtx); err != nil {
			log.Warn("error during shutdown", "error", err)
		}
	}()

	handler := server.NewHandler(server.Deps{
		Blacklist: services.Blacklist,
		Queue:     services.Queue,
		Jobs:      database.GetJob,
		Gate:      services.Gate,
		Auditor:   services.Recorder,
		Redis:     services.Redis,
	})

	if err := server.OpenRoutes(ctx, port, support.GetEnvInt("MAX_CONNECTIONS", defaultMaxConns), handler); err != nil {
		return fmt.Errorf("serve api: %w", err)
	}
	return nil
}

func parseLogLevel(raw string) log.Level {
	if raw == "" {
		return log.InfoLevel
	}
	level, err := log.ParseLevel(strings.ToLower(raw))
	if err != nil {
		log.Warn("invalid LOG_LEVEL, using info", "value", raw)
		return log.InfoLevel
	}
	return level
}

func resolvePort(primaryEnv, legacyEnv string, fallback int) int {
	if port := readPort(primaryEnv); port != 0 {
		return port
	}
	if port := readPort(legacyEnv); port != 0 {
		return port
	}
	return fallback
}

func readPort(envKey string) int {
	raw := os.Getenv(envKey)
	if raw == "" {
		return 0
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port == 0 {
		log.Warn("invalid port override", "env", envKey, "value", raw)
		return 0
	}
	return port
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/caremate/internal/responder"
	"github.com/ashureev/caremate/internal/store"
	"github.com/ashureev/caremate/internal/support"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

// globalOptions are the persistent flags shared by every subcommand.
type globalOptions struct {
	debug        bool
	dbPath       string
	device       string
	responderURL string
	grpcAddr     string
	timeout      time.Duration
}

func newRootCommand() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:   "caremate",
		Short: "CareMate - a gentle support chat in your terminal",
		Long: `CareMate is a supportive chat companion.

It talks to the same responder as the web client: a CareMate server's
/api/support endpoint, a gRPC responder, or the OpenAI upstream directly
when OPENAI_API_KEY is set.`,
		Version:      version,
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	flags.StringVar(&opts.dbPath, "db", "", "SQLite file for saved chats and preferences (empty keeps everything in memory)")
	flags.StringVar(&opts.device, "device", "cli", "Device id the chat is saved under")
	flags.StringVar(&opts.responderURL, "responder-url", os.Getenv("RESPONDER_URL"), "Support endpoint URL, e.g. http://localhost:8080/api/support")
	flags.StringVar(&opts.grpcAddr, "grpc", os.Getenv("RESPONDER_GRPC_ADDR"), "gRPC responder address")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "Responder request timeout")

	cmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		level := slog.LevelWarn
		if opts.debug {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		if err := godotenv.Load(); err != nil {
			slog.Debug("No .env file found, using environment variables")
		}
	}

	cmd.AddCommand(newChatCommand(opts))
	cmd.AddCommand(newExportCommand(opts))

	return cmd
}

func execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCommand().ExecuteContext(ctx)
}

// openStore opens the SQLite store, or an in-memory one without --db.
func (o *globalOptions) openStore() (store.Repository, error) {
	if o.dbPath == "" {
		return store.NewMemory(), nil
	}
	repo, err := store.NewSQLite(o.dbPath)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", o.dbPath, err)
	}
	return repo, nil
}

// newResponder returns the configured responder and its cleanup.
func (o *globalOptions) newResponder() (responder.Responder, func(), error) {
	logger := slog.Default()
	switch {
	case o.responderURL != "" && o.grpcAddr != "":
		return nil, nil, fmt.Errorf("--responder-url and --grpc are mutually exclusive")
	case o.responderURL != "":
		return responder.NewHTTPClient(o.responderURL, o.timeout, logger), func() {}, nil
	case o.grpcAddr != "":
		client, err := responder.NewGrpcClient(responder.DefaultGrpcClientConfig(o.grpcAddr), logger)
		if err != nil {
			return nil, nil, err
		}
		return client, client.Close, nil
	}

	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, nil, fmt.Errorf("no responder: set --responder-url, --grpc or OPENAI_API_KEY: %w", support.ErrMissingAPIKey)
	}
	cfg := support.DefaultOpenAIConfig(key)
	if url := os.Getenv("OPENAI_API_URL"); url != "" {
		cfg.URL = url
	}
	if model := os.Getenv("OPENAI_MODEL"); model != "" {
		cfg.Model = model
	}
	cfg.Timeout = o.timeout
	return support.NewService(support.NewOpenAIClient(cfg, logger)), func() {}, nil
}

func closeStore(repo store.Repository) {
	if err := repo.Close(); err != nil {
		slog.Warn("Failed to close store", "error", err)
	}
}

func withTimeout(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

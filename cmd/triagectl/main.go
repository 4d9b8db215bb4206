package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Kepler9870u0987/triage-inference-layer/internal/application"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/domain/entity"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/infrastructure/config"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/infrastructure/llm"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/infrastructure/logger"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/infrastructure/persistence"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/interfaces/cli"
	"github.com/Kepler9870u0987/triage-inference-layer/internal/interfaces/tui"
)

const (
	appName    = "triagectl"
	appVersion = "0.1.0"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "E-mail triage inference layer CLI and gateway",
	}

	rootCmd.AddCommand(
		newServeCmd(),
		newTriageCmd(),
		newDLQCmd(),
		newInspectCmd(),
		newVersionCmd(),
		newDoctorCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server, worker pool, and config hot-reload watcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, cfg, err := bootstrap("info", "json")
			if err != nil {
				return err
			}
			defer log.Sync()

			fmt.Print(cli.RenderBanner(cli.BannerInfo{
				Model:       cfg.Gateway.PrimaryModel,
				GatewayAddr: cfg.Gateway.BaseURL,
				Workers:     cfg.Worker.Concurrency,
			}))

			app, err := application.NewApp(cfg, log)
			if err != nil {
				log.Fatal("failed to initialize application", zap.Error(err))
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			if err := app.Start(ctx); err != nil {
				log.Fatal("failed to start application", zap.Error(err))
			}

			quit := make(chan os.Signal, 1)
			signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
			sig := <-quit
			log.Info("received shutdown signal", zap.String("signal", sig.String()))

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer shutdownCancel()

			if err := app.Stop(shutdownCtx); err != nil {
				log.Error("error during shutdown", zap.Error(err))
				os.Exit(1)
			}
			log.Info("application stopped successfully")
			return nil
		},
	}
}

func newTriageCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "triage <request.json>",
		Short: "Run one TriageRequest synchronously through the retry ladder and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, cfg, err := bootstrap("error", "console")
			if err != nil {
				return err
			}
			defer log.Sync()

			raw, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read request file: %w", err)
			}
			var req entity.TriageRequest
			if err := json.Unmarshal(raw, &req); err != nil {
				return fmt.Errorf("parse request file: %w", err)
			}

			app, err := application.NewApp(cfg, log)
			if err != nil {
				return fmt.Errorf("initialize application: %w", err)
			}

			ctx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.RequestTimeout*4)
			defer cancel()

			result, err := app.Orchestrator().Triage(ctx, req, app.PipelineVersion())
			if err != nil {
				return fmt.Errorf("triage failed: %w", err)
			}

			return printValue(result, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "yaml", "output format: yaml|json")
	return cmd
}

func newDLQCmd() *cobra.Command {
	dlqCmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect the dead letter queue",
	}

	var limit int64
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List DLQ entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, cfg, err := bootstrap("error", "console")
			if err != nil {
				return err
			}
			defer log.Sync()

			app, err := application.NewApp(cfg, log)
			if err != nil {
				return fmt.Errorf("initialize application: %w", err)
			}

			entries, err := app.Store().GetDLQ(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("list DLQ: %w", err)
			}

			r := cli.NewRenderer()
			for _, e := range entries {
				fmt.Println(r.RenderDLQSummary(e))
			}
			return nil
		},
	}
	listCmd.Flags().Int64VarP(&limit, "limit", "n", 100, "max entries to list")

	replayCmd := &cobra.Command{
		Use:   "replay <uid>",
		Short: "Re-run the retry ladder for a request previously written to the DLQ",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			log, cfg, err := bootstrap("error", "console")
			if err != nil {
				return err
			}
			defer log.Sync()

			app, err := application.NewApp(cfg, log)
			if err != nil {
				return fmt.Errorf("initialize application: %w", err)
			}

			entries, err := app.Store().GetDLQ(cmd.Context(), int64(cfg.Store.DLQMaxEntries))
			if err != nil {
				return fmt.Errorf("list DLQ: %w", err)
			}

			uid := args[0]
			for _, e := range entries {
				if e.Request.Email.UID != uid {
					continue
				}
				ctx, cancel := context.WithTimeout(context.Background(), cfg.Gateway.RequestTimeout*4)
				defer cancel()
				result, err := app.Orchestrator().Triage(ctx, e.Request, app.PipelineVersion())
				if err != nil {
					return fmt.Errorf("replay failed: %w", err)
				}
				return printValue(result, "yaml")
			}
			return fmt.Errorf("no DLQ entry found for uid %q", uid)
		},
	}

	dlqCmd.AddCommand(listCmd, replayCmd)
	return dlqCmd
}

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect",
		Short: "Launch the interactive results/DLQ inspector",
		RunE: func(cmd *cobra.Command, args []string) error {
			log, cfg, err := bootstrap("error", "console")
			if err != nil {
				return err
			}
			defer log.Sync()

			app, err := application.NewApp(cfg, log)
			if err != nil {
				return fmt.Errorf("initialize application: %w", err)
			}

			t := tui.New(app.Store(), log)
			return t.Run(context.Background())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", appName, appVersion)
		},
	}
}

func newDoctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check config, Redis, and LLM gateway reachability",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("◇ triagectl doctor v%s\n\n", appVersion)

			cfg, cfgErr := config.Load()
			printCheck("config", cfgErr == nil, cfgErr)
			if cfgErr != nil {
				return nil
			}

			gw := llm.NewGateway(llm.GatewayConfig{
				BaseURL:        cfg.Gateway.BaseURL,
				RequestTimeout: 3 * time.Second,
				MaxNetRetries:  1,
			}, zap.NewNop())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			store := persistence.NewStore(persistence.StoreConfig{
				Addr:     cfg.Store.RedisAddr,
				Password: cfg.Store.RedisPassword,
				DB:       cfg.Store.RedisDB,
			}, nil, zap.NewNop())
			_, redisErr := store.GetStats(ctx)
			printCheck(fmt.Sprintf("Redis (%s)", cfg.Store.RedisAddr), redisErr == nil, redisErr)

			gwOK := gw.HealthCheck(ctx)
			printCheck(fmt.Sprintf("LLM gateway (%s)", cfg.Gateway.BaseURL), gwOK, nil)
			if gwOK {
				_, modelErr := gw.ModelInfo(ctx, cfg.Gateway.PrimaryModel)
				printCheck(fmt.Sprintf("primary model (%s)", cfg.Gateway.PrimaryModel), modelErr == nil, modelErr)
			}

			printCheck(fmt.Sprintf("schema asset (%s)", cfg.Pipeline.SchemaPath), fileExists(cfg.Pipeline.SchemaPath), nil)
			printCheck(fmt.Sprintf("system prompt asset (%s)", cfg.Pipeline.SystemPromptPath), fileExists(cfg.Pipeline.SystemPromptPath), nil)
			printCheck(fmt.Sprintf("user prompt asset (%s)", cfg.Pipeline.UserPromptPath), fileExists(cfg.Pipeline.UserPromptPath), nil)
			return nil
		},
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func printCheck(name string, ok bool, err error) {
	icon := "\033[92m✓\033[0m"
	detail := ""
	if !ok {
		icon = "\033[91m✗\033[0m"
		if err != nil {
			detail = ": " + err.Error()
		}
	}
	fmt.Printf("  %s %s%s\n", icon, name, detail)
}

func bootstrap(level, format string) (*zap.Logger, *config.Config, error) {
	log, err := logger.NewLogger(logger.Config{Level: level, Format: format, OutputPath: "stdout"})
	if err != nil {
		return nil, nil, fmt.Errorf("logger init: %w", err)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}
	return log, cfg, nil
}

func printValue(v interface{}, output string) error {
	if output == "json" {
		raw, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(raw))
		return nil
	}
	r := cli.NewRenderer()
	out, err := r.RenderYAML(v)
	if err != nil {
		return err
	}
	fmt.Print(out)
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/igrechuhin/cortex/internal"
	pkgconfig "github.com/igrechuhin/cortex/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.LoadOptional(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if root := cmd.String("root"); root != "" {
		cfg.Store.Root = root
		cfg.SQLite.Path = filepath.Join(cfg.Store.StateDirPath(), "links.db")
	}
	return cfg, nil
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func mcp(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RunMCP(ctx, internal.WithConfig(cfg))
}

func validate(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.Validate(ctx, cmd.String("scope"), internal.WithConfig(cfg))
}

func rebuildIndex(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	return internal.RebuildIndex(ctx, internal.WithConfig(cfg))
}

func main() {
	cmd := &cli.Command{
		Name:  "cortex",
		Usage: "Versioned Markdown document store with links, transclusion and a dependency graph",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("CORTEX_CONFIG_FILE"),
			},
			&cli.StringFlag{
				Name:    "root",
				Usage:   "Document root (overrides store.root)",
				Sources: cli.EnvVars("CORTEX_ROOT"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API and the file watcher",
				Action: serve,
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools over stdio",
				Action: mcp,
			},
			{
				Name:   "validate",
				Usage:  "Check every link and transclusion, print a JSON report",
				Action: validate,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "scope",
						Usage: "Document path or 'all'",
						Value: "all",
					},
				},
			},
			{
				Name:   "rebuild-index",
				Usage:  "Regenerate the metadata index and the link index from disk",
				Action: rebuildIndex,
			},
		},
		Action: serve,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		if errors.Is(err, internal.ErrValidationFailed) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

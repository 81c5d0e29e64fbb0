package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/BBlag/mp2stix/api/schemas"
	"github.com/BBlag/mp2stix/internal/config"
	"github.com/BBlag/mp2stix/internal/feeds"
	"github.com/BBlag/mp2stix/internal/observability"
)

// stdoutPath makes the build write the bundle to standard output.
const stdoutPath = "-"

func newBuildCmd(factory ComponentFactory) *cobra.Command {
	buildCmd := &cobra.Command{
		Use:   "build",
		Short: "Fetch the feeds and write the STIX 2.1 bundle",
		Long: `Loads the Malpedia family catalog, the MISP threat-actor galaxy and the Malpedia
bibliography, builds the knowledge graph and writes it as one STIX 2.1 bundle.
Feed locations may be URLs or local files. When postgres.url is set the graph
objects are also upserted into PostgreSQL, and when neo4j.uri is set they are
mirrored into Neo4j as nodes and edges.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg := config.Get()

			components, err := factory.Create(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer components.Shutdown()

			return runBuild(ctx, cfg, components, cmd.OutOrStdout(), logger)
		},
	}

	buildCmd.Flags().StringP("output", "o", "", `bundle destination, "-" for stdout (default ./bundle.json)`)
	buildCmd.Flags().Bool("deterministic-ids", false, "derive object ids from names so reruns produce the same ids")
	buildCmd.Flags().String("postgres-url", "", "also upsert the graph into this PostgreSQL database")
	buildCmd.Flags().String("neo4j-uri", "", "also mirror the graph into this Neo4j server")
	_ = viper.BindPFlag("output.path", buildCmd.Flags().Lookup("output"))
	_ = viper.BindPFlag("pipeline.deterministic_ids", buildCmd.Flags().Lookup("deterministic-ids"))
	_ = viper.BindPFlag("postgres.url", buildCmd.Flags().Lookup("postgres-url"))
	_ = viper.BindPFlag("neo4j.uri", buildCmd.Flags().Lookup("neo4j-uri"))

	return buildCmd
}

// runBuild performs one end-to-end build with already wired components.
func runBuild(ctx context.Context, cfg *config.Config, components *Components, stdout io.Writer, logger *zap.Logger) error {
	start := time.Now()

	set, err := components.Loader.Load(ctx, feeds.Sources{
		Families:     cfg.Feeds.Families,
		ThreatActors: cfg.Feeds.ThreatActors,
		Bibliography: cfg.Feeds.Bibliography,
	})
	if err != nil {
		return fmt.Errorf("failed to load feeds: %w", err)
	}
	components.SetBibliography(set.Bibliography)

	bundle, err := components.Pipeline.Run(ctx, set)
	if err != nil {
		return err
	}

	if err := writeBundle(bundle, cfg.Output.Path, stdout); err != nil {
		return err
	}

	for _, sink := range components.Sinks {
		if err := sink.EnsureSchema(ctx); err != nil {
			return err
		}
		if err := sink.Persist(ctx, bundle.Objects); err != nil {
			return fmt.Errorf("failed to persist graph: %w", err)
		}
	}

	fields := []zap.Field{
		zap.String("output", cfg.Output.Path),
		zap.Int("objects", len(bundle.Objects)),
		zap.Duration("duration", time.Since(start)),
	}
	for typ, n := range bundle.Count() {
		fields = append(fields, zap.Int(string(typ), n))
	}
	logger.Info("Bundle written", fields...)
	return nil
}

// writeBundle replaces path atomically so a failed run never leaves a
// truncated bundle behind.
func writeBundle(bundle *schemas.Bundle, path string, stdout io.Writer) (err error) {
	if path == stdoutPath {
		return bundle.Encode(stdout)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".bundle-*.json")
	if err != nil {
		return fmt.Errorf("failed to create temporary bundle file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if err = bundle.Encode(tmp); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to flush bundle: %w", err)
	}
	if err = os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("failed to set bundle permissions: %w", err)
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to move bundle into place: %w", err)
	}
	return nil
}

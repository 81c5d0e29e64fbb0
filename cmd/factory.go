package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/BBlag/mp2stix/internal/config"
	"github.com/BBlag/mp2stix/internal/dateparse"
	"github.com/BBlag/mp2stix/internal/feeds"
	"github.com/BBlag/mp2stix/internal/heuristics"
	"github.com/BBlag/mp2stix/internal/knowledgegraph"
	"github.com/BBlag/mp2stix/internal/metadata"
	"github.com/BBlag/mp2stix/internal/network"
	"github.com/BBlag/mp2stix/internal/observability"
	"github.com/BBlag/mp2stix/internal/pipeline"
	"github.com/BBlag/mp2stix/internal/resolver"
)

// Components holds every service a build needs and owns their lifecycle.
type Components struct {
	HTTPClient *network.Client
	Loader     *feeds.Loader
	Metadata   *metadata.Resolver
	Pipeline   *pipeline.Pipeline
	// Sinks receive the finished graph, in order. Empty unless postgres.url
	// or neo4j.uri is configured.
	Sinks  []knowledgegraph.Sink
	DBPool *pgxpool.Pool
	Neo4j  *knowledgegraph.Neo4jSink
}

// Shutdown releases pooled connections. It is safe on partially built Components.
func (c *Components) Shutdown() {
	logger := observability.GetLogger()
	if c.HTTPClient != nil {
		c.HTTPClient.CloseIdleConnections()
	}
	if c.DBPool != nil {
		c.DBPool.Close()
		logger.Debug("Database connection pool closed.")
	}
	if c.Neo4j != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Neo4j.Close(ctx); err != nil {
			logger.Warn("Failed to close neo4j driver.", zap.Error(err))
		}
	}
}

// SetBibliography points the metadata resolver at the loaded bibliography.
// Feeds are loaded after the components are wired, so this happens per run.
func (c *Components) SetBibliography(bib feeds.Bibliography) {
	if c.Metadata != nil {
		c.Metadata.SetReferences(bib)
	}
}

// ComponentFactory creates the set of components needed for a build.
// This abstraction keeps the build command testable.
type ComponentFactory interface {
	Create(ctx context.Context, cfg *config.Config) (*Components, error)
}

type concreteFactory struct{}

// NewComponentFactory creates the production component factory.
func NewComponentFactory() ComponentFactory {
	return &concreteFactory{}
}

// Create wires the components from configuration. On failure anything
// already created is shut down again.
func (f *concreteFactory) Create(ctx context.Context, cfg *config.Config) (_ *Components, err error) {
	logger := observability.GetLogger()
	components := &Components{}
	defer func() {
		if err != nil {
			logger.Warn("Initialization failed, shutting down partially created components.", zap.Error(err))
			components.Shutdown()
		}
	}()

	// 1. HTTP client shared by the feed loader and the page fetches.
	components.HTTPClient = network.NewClient(network.ClientConfigFrom(cfg.Network, logger))
	components.Loader = feeds.NewLoader(components.HTTPClient, logger)

	// 2. Metadata recovery.
	var parserOpts []dateparse.Option
	if cfg.Pipeline.PreferMonthFirst {
		parserOpts = append(parserOpts, dateparse.WithMonthFirst())
	}
	dates := dateparse.New(parserOpts...)
	extractor, err := heuristics.NewExtractor(heuristics.RulesFromConfig(cfg.Heuristics), dates, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build date heuristics: %w", err)
	}
	components.Metadata, err = metadata.NewResolver(nil, components.HTTPClient, extractor, dates, metadata.Config{
		MaxBodyBytes:       cfg.Network.MaxBodyBytes,
		DocumentExtensions: cfg.Heuristics.DocumentExtensions,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to build metadata resolver: %w", err)
	}

	// 3. Graph build.
	var ids resolver.IDGenerator = resolver.RandomIDs{}
	if cfg.Pipeline.DeterministicIDs {
		ids = resolver.StableIDs{}
	}
	clock := time.Now
	builder := resolver.NewBuilder(resolver.BuilderConfig{
		MalpediaURL:          cfg.Pipeline.MalpediaURL,
		ThreatActorSourceURL: cfg.Pipeline.ThreatActorSourceURL,
		IDs:                  ids,
		Clock:                clock,
	}, logger)
	reports := resolver.NewReportResolver(components.Metadata, clock, logger)
	components.Pipeline = pipeline.New(builder, reports, pipeline.Options{
		MalpediaURL: cfg.Pipeline.MalpediaURL,
		Identity: pipeline.Identity{
			Name:         cfg.Pipeline.Identity.Name,
			Title:        cfg.Pipeline.Identity.Title,
			Organization: cfg.Pipeline.Identity.Organization,
			Language:     cfg.Pipeline.Identity.Language,
		},
		IDs:   ids,
		Clock: clock,
	}, logger)

	// 4. Optional sinks.
	if cfg.Postgres.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Postgres.URL)
		if err != nil {
			return nil, fmt.Errorf("failed to create database connection pool: %w", err)
		}
		components.DBPool = pool
		sink, err := knowledgegraph.NewPostgresSink(ctx, pool, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize postgres sink: %w", err)
		}
		components.Sinks = append(components.Sinks, sink)
		logger.Debug("Postgres sink initialized.")
	}
	if cfg.Neo4j.URI != "" {
		driver, err := knowledgegraph.DialNeo4j(ctx, cfg.Neo4j.URI, cfg.Neo4j.Username, cfg.Neo4j.Password, cfg.Neo4j.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize neo4j sink: %w", err)
		}
		components.Neo4j = knowledgegraph.NewNeo4jSink(driver, logger)
		components.Sinks = append(components.Sinks, components.Neo4j)
		logger.Debug("Neo4j sink initialized.", zap.String("uri", cfg.Neo4j.URI))
	}
	if len(components.Sinks) == 0 {
		logger.Debug("No sink configured, the graph is only written as a bundle.")
	}
	return components, nil
}

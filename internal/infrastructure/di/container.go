// Package di wires the orchestrator's dependency graph by hand.
// Construction order follows the layering: infrastructure first, then
// the coordinator, then the CLI adapters on top.
package di

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/afero"

	"github.com/veridex/veridex/internal/adapter/gateway/stage"
	storagegateway "github.com/veridex/veridex/internal/adapter/gateway/storage"
	"github.com/veridex/veridex/internal/app"
	appconfig "github.com/veridex/veridex/internal/app/config"
	"github.com/veridex/veridex/internal/application/port/output"
	"github.com/veridex/veridex/internal/application/usecase/orchestration"
	"github.com/veridex/veridex/internal/domain/repository"
	"github.com/veridex/veridex/internal/infrastructure/eventbus"
	sqliterepo "github.com/veridex/veridex/internal/infrastructure/persistence/sqlite"
	"github.com/veridex/veridex/internal/infrastructure/telemetry"
)

// Container holds the wired dependency graph
type Container struct {
	settings *appconfig.Settings

	db *sql.DB

	runRepo        repository.RunRepository
	invocationRepo repository.InvocationRepository
	transitionRepo repository.TransitionRepository
	memoryRepo     repository.MemoryRepository
	leaseRepo      repository.LeaseRepository

	storageGateway output.StorageGateway
	bus            *eventbus.Bus
	telemetrySink  output.TelemetrySink
	otelShutdown   telemetry.Shutdown

	coordinator *orchestration.Coordinator
}

// NewContainer builds the dependency graph from loaded settings
func NewContainer(ctx context.Context, settings *appconfig.Settings, version string) (*Container, error) {
	c := &Container{settings: settings}

	if err := c.initPersistence(); err != nil {
		return nil, fmt.Errorf("initialize persistence: %w", err)
	}
	if err := c.initGateways(ctx, version); err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("initialize gateways: %w", err)
	}
	if err := c.initCoordinator(); err != nil {
		c.Close(ctx)
		return nil, fmt.Errorf("initialize coordinator: %w", err)
	}
	return c, nil
}

func (c *Container) initPersistence() error {
	dbPath := c.settings.ResolvedDatabasePath()
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	c.db = db

	if err := sqliterepo.NewMigrator(db).Migrate(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	c.runRepo = sqliterepo.NewRunRepository(db)
	c.invocationRepo = sqliterepo.NewInvocationRepository(db)
	c.transitionRepo = sqliterepo.NewTransitionRepository(db)
	c.memoryRepo = sqliterepo.NewMemoryRepository(db)
	c.leaseRepo = sqliterepo.NewLeaseRepository(db)
	return nil
}

func (c *Container) initGateways(ctx context.Context, version string) error {
	// Artifact payload storage
	switch c.settings.Storage.Backend {
	case "local", "":
		baseDir := c.settings.Storage.BaseDir
		if baseDir == "" {
			baseDir = c.settings.Home
		}
		gw, err := storagegateway.NewLocalStorageGateway(afero.NewOsFs(), baseDir)
		if err != nil {
			return fmt.Errorf("create local storage gateway: %w", err)
		}
		c.storageGateway = gw

	case "s3":
		gw, err := storagegateway.NewS3StorageGateway(ctx, storagegateway.S3Config{
			BucketName: c.settings.Storage.S3.Bucket,
			Prefix:     c.settings.Storage.S3.Prefix,
			Region:     c.settings.Storage.S3.Region,
		})
		if err != nil {
			return fmt.Errorf("create S3 storage gateway: %w", err)
		}
		c.storageGateway = gw

	case "mock":
		c.storageGateway = storagegateway.NewMockStorageGateway()

	default:
		return fmt.Errorf("unknown storage backend: %s", c.settings.Storage.Backend)
	}

	// Event bus with NDJSON journal mirror
	journal, err := eventbus.NewJournal(afero.NewOsFs(), c.settings.ResolvedJournalPath())
	if err != nil {
		return fmt.Errorf("create event journal: %w", err)
	}
	c.bus = eventbus.New(journal, app.GetLogger())

	// Telemetry: exporters plus the coordinator-facing sink
	shutdown, err := telemetry.Init(ctx,
		c.settings.Telemetry.Endpoint, "veridex", version,
		c.settings.Telemetry.Insecure)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	c.otelShutdown = shutdown

	if c.settings.Telemetry.Endpoint != "" {
		sink, err := telemetry.NewSink()
		if err != nil {
			return fmt.Errorf("create telemetry sink: %w", err)
		}
		c.telemetrySink = sink
	} else {
		c.telemetrySink = output.NopTelemetry()
	}
	return nil
}

func (c *Container) initCoordinator() error {
	gateways, err := stage.NewStageGateways(c.settings.StageBackend, c.settings.Collaborators)
	if err != nil {
		return fmt.Errorf("create stage gateways: %w", err)
	}

	coordinator, err := orchestration.NewCoordinator(orchestration.Config{
		Runs:        c.runRepo,
		Invocations: c.invocationRepo,
		Transitions: c.transitionRepo,
		Memories:    c.memoryRepo,
		Leases:      c.leaseRepo,
		Gateways:    gateways,
		Publisher:   c.bus,
		Telemetry:   c.telemetrySink,
		Storage:     c.storageGateway,
		LeaseTTL:    c.settings.LeaseTTL(),
		Logger:      app.GetLogger(),
	})
	if err != nil {
		return err
	}
	c.coordinator = coordinator
	return nil
}

// Coordinator returns the orchestration coordinator
func (c *Container) Coordinator() *orchestration.Coordinator {
	return c.coordinator
}

// EventBus returns the event publisher
func (c *Container) EventBus() *eventbus.Bus {
	return c.bus
}

// StorageGateway returns the artifact storage gateway
func (c *Container) StorageGateway() output.StorageGateway {
	return c.storageGateway
}

// Settings returns the loaded configuration
func (c *Container) Settings() *appconfig.Settings {
	return c.settings
}

// Close releases all resources held by the container
func (c *Container) Close(ctx context.Context) error {
	var firstErr error
	if c.bus != nil {
		if err := c.bus.Close(); err != nil {
			firstErr = err
		}
	}
	if c.otelShutdown != nil {
		if err := c.otelShutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.db != nil {
		if err := c.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

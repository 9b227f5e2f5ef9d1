// Package postgresql provides the PostgreSQL persistence implementation of
// the run engine's storage layer.
package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/arborworks/treeline/pkg/persistence"
	"github.com/arborworks/treeline/pkg/persistence/sqlbase"
	_ "github.com/lib/pq" // postgres driver
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	db          *sql.DB
	logger      *slog.Logger
	definitions *DefinitionRepository
	runs        *RunRepository
	runNodes    *RunNodeRepository
	fanOuts     *FanOutRepository
	streams     *StreamRepository
	attachments *AttachmentRepository
}

// NewPersistence creates a new PostgreSQL persistence layer and runs pending
// migrations.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	migrationManager := sqlbase.NewMigrationManager(logger, database, migrations())
	if err := migrationManager.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:          database,
		logger:      logger,
		definitions: &DefinitionRepository{db: database, logger: logger},
		runs:        &RunRepository{db: database, logger: logger},
		runNodes:    &RunNodeRepository{db: database, logger: logger},
		fanOuts:     &FanOutRepository{db: database, logger: logger},
		streams:     &StreamRepository{db: database, logger: logger},
		attachments: &AttachmentRepository{db: database, logger: logger},
	}, nil
}

func (p *Persistence) Definitions() persistence.DefinitionRepository {
	return p.definitions
}

func (p *Persistence) Runs() persistence.RunRepository {
	return p.runs
}

func (p *Persistence) RunNodes() persistence.RunNodeRepository {
	return p.runNodes
}

func (p *Persistence) FanOuts() persistence.FanOutRepository {
	return p.fanOuts
}

func (p *Persistence) Streams() persistence.StreamRepository {
	return p.streams
}

func (p *Persistence) Attachments() persistence.AttachmentRepository {
	return p.attachments
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (p *Persistence) Close(ctx context.Context) error {
	if p.db != nil {
		if err := p.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

package db

import (
	"fmt"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/coursegraph/coursegraph-backend/internal/domain"
	"github.com/coursegraph/coursegraph-backend/internal/platform/envutil"
	"github.com/coursegraph/coursegraph-backend/internal/platform/logger"
)

type PostgresService struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewPostgresService(baseLog *logger.Logger) (*PostgresService, error) {
	serviceLog := baseLog.With("service", "PostgresService")

	host := envutil.String("POSTGRES_HOST", "localhost")
	port := envutil.String("POSTGRES_PORT", "5432")
	user := envutil.String("POSTGRES_USER", "postgres")
	password := envutil.String("POSTGRES_PASSWORD", "")
	name := envutil.String("POSTGRES_NAME", "coursegraph")

	dsn := fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", user, password, host, port, name)

	serviceLog.Info("Connecting to Postgres...")
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}

	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return nil, fmt.Errorf("enable uuid-ossp extension: %w", err)
	}

	return &PostgresService{db: db, log: serviceLog}, nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	err := s.db.AutoMigrate(
		&domain.MaterialNode{},
		&domain.MaterialEntry{},
		&domain.Job{},
		&domain.Snapshot{},
	)
	if err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	// Snapshot identity uniqueness. node_id is nullable and NULL compares
	// distinct in a unique index, so course-scope rows need their own partial
	// index or the idempotency constraint would not hold for them.
	for _, ddl := range SnapshotIdentityIndexes {
		if err := s.db.Exec(ddl).Error; err != nil {
			return fmt.Errorf("snapshot identity index: %w", err)
		}
	}
	s.log.Info("Postgres tables migrated")
	return nil
}

// SnapshotIdentityIndexes enforce one snapshot per identity key for both node
// and course scope. The drop clears an earlier non-partial definition that
// never constrained NULL node_id rows. Shared with the test bootstrap.
var SnapshotIdentityIndexes = []string{
	`DROP INDEX IF EXISTS idx_snapshot_identity;`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_snapshot_identity_node
		ON snapshot (course_id, node_id, fingerprint, mode)
		WHERE node_id IS NOT NULL;`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_snapshot_identity_course
		ON snapshot (course_id, fingerprint, mode)
		WHERE node_id IS NULL;`,
}

func (s *PostgresService) DB() *gorm.DB { return s.db }

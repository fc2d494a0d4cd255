package sql

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"cloud.google.com/go/cloudsqlconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/securecodehub/semgrep-hub/pkg/types"
)

// Database types accepted by CreateDBConnector.
const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeCloudSQL = "cloudsql"
)

const sqliteOptions = "_txlock=immediate&_busy_timeout=5000"

// Config describes where scans are stored.
type Config struct {
	Type string `mapstructure:"type"`
	// Path is the sqlite file.
	Path string `mapstructure:"path"`
	// DSN is a libpq style connection string for postgres.
	DSN string `mapstructure:"dsn"`
	// Instance is the Cloud SQL instance connection name (project:region:instance).
	Instance string `mapstructure:"instance"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	// Debug logs every statement.
	Debug bool `mapstructure:"debug"`
}

// DBConnector is an interface for database connections.
type DBConnector interface {
	Connect(ctx context.Context) (*gorm.DB, error)
	Close() error
}

func gormConfig(gormLog logger.Interface) *gorm.Config {
	return &gorm.Config{
		Logger: gormLog,
		// Maps driver specific unique violations to gorm.ErrDuplicatedKey.
		TranslateError: true,
	}
}

// SQLiteConnector implements DBConnector for SQLite connections.
type SQLiteConnector struct {
	dbPath  string
	gormLog logger.Interface
}

// Connect opens the SQLite database, creating its directory when needed.
func (c *SQLiteConnector) Connect(_ context.Context) (*gorm.DB, error) {
	if dir := filepath.Dir(c.dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create directory for database: %w", err)
		}
	}
	database, err := gorm.Open(sqlite.Open(sqliteDSN(c.dbPath)), gormConfig(c.gormLog))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SQLite database: %w", err)
	}
	return database, nil
}

// sqliteDSN makes write transactions take the lock at BEGIN and wait for it, so concurrent
// savers queue instead of failing with SQLITE_BUSY. Paths that already carry options are kept.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?" + sqliteOptions
}

// Close is a no-op; the *gorm.DB owns the file handle.
func (c *SQLiteConnector) Close() error { return nil }

// PostgresConnector implements DBConnector over a pgx pool.
type PostgresConnector struct {
	dsn     string
	gormLog logger.Interface
	pool    *pgxpool.Pool
}

// Connect opens a pgx pool for the DSN and hands it to gorm.
func (c *PostgresConnector) Connect(ctx context.Context) (*gorm.DB, error) {
	config, err := pgxpool.ParseConfig(c.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}
	c.pool = pool
	return openGorm(pool, c.gormLog)
}

// Close releases the pool.
func (c *PostgresConnector) Close() error {
	if c.pool != nil {
		c.pool.Close()
	}
	return nil
}

// CloudSQLConnector implements DBConnector for Cloud SQL connections.
type CloudSQLConnector struct {
	instanceConnectionName string
	user                   string
	password               string
	dbname                 string
	gormLog                logger.Interface
	dialer                 *cloudsqlconn.Dialer
	pool                   *pgxpool.Pool
}

// Connect connects to the database using the Cloud SQL connection.
func (c *CloudSQLConnector) Connect(ctx context.Context) (*gorm.DB, error) {
	dialer, err := cloudsqlconn.NewDialer(ctx, cloudsqlconn.WithIAMAuthN())
	if err != nil {
		// Fallback to using password if IAMAuthN fails
		dialer, err = cloudsqlconn.NewDialer(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to create dialer: %w", err)
		}
	}
	c.dialer = dialer

	config, err := pgxpool.ParseConfig(fmt.Sprintf("user=%s password=%s dbname=%s sslmode=disable",
		c.user, c.password, c.dbname))
	if err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	config.ConnConfig.DialFunc = func(ctx context.Context, _, _ string) (net.Conn, error) {
		conn, err := dialer.Dial(ctx, c.instanceConnectionName)
		if err != nil {
			return nil, fmt.Errorf("failed to dial Cloud SQL instance: %w", err)
		}
		return conn, nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to the database: %w", err)
	}
	c.pool = pool
	return openGorm(pool, c.gormLog)
}

// Close releases the pool and the dialer.
func (c *CloudSQLConnector) Close() error {
	if c.pool != nil {
		c.pool.Close()
	}
	if c.dialer != nil {
		return c.dialer.Close()
	}
	return nil
}

func openGorm(pool *pgxpool.Pool, gormLog logger.Interface) (*gorm.DB, error) {
	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: stdlib.OpenDBFromPool(pool),
	}), gormConfig(gormLog))
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to initialize Gorm with pgx connection: %w", err)
	}
	return gormDB, nil
}

// Option configures CreateDBConnector.
type Option func(*connectorOptions)

type connectorOptions struct {
	logger types.Logger
}

// WithLogger routes gorm's statement log to l. Without it the log is discarded.
func WithLogger(l types.Logger) Option {
	return func(o *connectorOptions) {
		o.logger = l
	}
}

// CreateDBConnector is a factory function that returns the appropriate DBConnector.
func CreateDBConnector(cfg Config, opts ...Option) (DBConnector, error) {
	var o connectorOptions
	for _, opt := range opts {
		opt(&o)
	}
	gormLog := newGormLogger(o.logger, cfg.Debug)
	switch cfg.Type {
	case TypeSQLite, "":
		if cfg.Path == "" {
			return nil, fmt.Errorf("database path is required for %s", TypeSQLite)
		}
		return &SQLiteConnector{dbPath: cfg.Path, gormLog: gormLog}, nil
	case TypePostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("database dsn is required for %s", TypePostgres)
		}
		return &PostgresConnector{dsn: cfg.DSN, gormLog: gormLog}, nil
	case TypeCloudSQL:
		if cfg.Instance == "" || cfg.Name == "" {
			return nil, fmt.Errorf("database instance and name are required for %s", TypeCloudSQL)
		}
		return &CloudSQLConnector{
			instanceConnectionName: cfg.Instance,
			user:                   cfg.User,
			password:               cfg.Password,
			dbname:                 cfg.Name,
			gormLog:                gormLog,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}

// pkg/connector/sqlconn.go
package connector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/openroll/datasync/pkg/config"
)

// SQLConnector implements DatabaseConnector over database/sql for the
// supported drivers. Source and target connectors differ only by config.
type SQLConnector struct {
	db     *sql.DB
	driver string
	name   string
	logger *zap.Logger
}

// Connect opens and verifies a connection for the given database config.
func Connect(ctx context.Context, cfg *config.DBConfig) (*SQLConnector, error) {
	logger := zap.L().Named("connector").With(zap.String("database", cfg.Name))

	logger.Info("Connecting to database",
		zap.String("driver", cfg.Driver))

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize %s connection: %w", cfg.Name, err)
	}

	ApplyConnectionSettings(
		db,
		cfg.MaxOpenConns,
		cfg.MaxIdleConns,
		cfg.ConnMaxLifetime,
		cfg.ConnMaxIdleTime,
	)

	if err := PingWithTimeout(ctx, db, 5*time.Second); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.Name, err)
	}

	c := &SQLConnector{
		db:     db,
		driver: cfg.Driver,
		name:   cfg.Name,
		logger: logger,
	}

	LogConnectionStats(logger, cfg.Name, db)
	return c, nil
}

// DB returns the underlying database connection.
func (c *SQLConnector) DB() *sql.DB {
	return c.db
}

// Driver returns the driver name.
func (c *SQLConnector) Driver() string {
	return c.driver
}

// Validate verifies the connection is reachable.
func (c *SQLConnector) Validate(ctx context.Context) error {
	if err := PingWithTimeout(ctx, c.db, 5*time.Second); err != nil {
		return fmt.Errorf("database %s unreachable: %w", c.name, err)
	}

	var version string
	row := c.db.QueryRowContext(ctx, "SELECT version()")
	if err := row.Scan(&version); err == nil {
		c.logger.Info("Connected", zap.String("version", version))
	}
	return nil
}

// Close closes the database connection.
func (c *SQLConnector) Close() error {
	c.logger.Info("Closing database connection")
	LogConnectionStats(c.logger, c.name, c.db)
	return c.db.Close()
}

// QueryWithTimeout executes a query bounded by the timeout. Cancelling the
// query context invalidates the rows, so the cancel goes back to the caller
// instead of firing on return.
func (c *SQLConnector) QueryWithTimeout(
	ctx context.Context,
	query string,
	timeout time.Duration,
	args ...any,
) (*sql.Rows, context.CancelFunc, error) {
	queryCtx, cancel := context.WithTimeout(ctx, timeout)
	rows, err := c.db.QueryContext(queryCtx, query, args...)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return rows, cancel, nil
}

// QuoteIdentifier quotes a column or table name for the driver's dialect.
func QuoteIdentifier(driver, name string) string {
	if driver == "mysql" {
		return "`" + name + "`"
	}
	return `"` + name + `"`
}

// Placeholder returns the positional parameter marker for the driver's
// dialect; n is 1-based.
func Placeholder(driver string, n int) string {
	if driver == "mysql" {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

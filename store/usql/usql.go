// Package usql wraps database/sql with the engine tag every caller in this
// module needs to pick the right placeholder style and schema variant.
package usql

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/labstack/gommon/random"
	"github.com/ordishs/gocore"
	"github.com/sispop-project/sispopd/ulogger"
	"github.com/sispop-project/sispopd/util/retry"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Engine identifies which SQL backend a DB handle talks to.
type Engine string

const (
	Postgres     Engine = "postgres"
	SQLite       Engine = "sqlite"
	SQLiteMemory Engine = "sqlitememory"
)

// DB is a *sql.DB tagged with the engine it was opened against, so callers
// can pick per-engine SQL without re-parsing the DSN.
type DB struct {
	*sql.DB
	Engine Engine
}

// BindVar returns the nth (1-based) placeholder for the receiver's engine:
// "$n" for postgres, "?" for sqlite.
func (d *DB) BindVar(n int) string {
	return BindVar(d.Engine, n)
}

// BindVar returns the nth (1-based) placeholder for engine.
func BindVar(engine Engine, n int) string {
	if engine == Postgres {
		return fmt.Sprintf("$%d", n)
	}

	return "?"
}

// Open opens a *DB for storeURL, dispatching on its scheme ("postgres",
// "sqlite", "sqlitememory"), grounded on the teacher's InitSQLDB.
func Open(logger ulogger.Logger, storeURL *url.URL) (*DB, error) {
	switch storeURL.Scheme {
	case string(Postgres):
		db, err := openPostgres(logger, storeURL)
		if err != nil {
			return nil, err
		}

		return &DB{DB: db, Engine: Postgres}, nil
	case string(SQLite), string(SQLiteMemory):
		db, err := openSQLite(logger, storeURL)
		if err != nil {
			return nil, err
		}

		engine := SQLite
		if storeURL.Scheme == string(SQLiteMemory) {
			engine = SQLiteMemory
		}

		return &DB{DB: db, Engine: engine}, nil
	}

	return nil, fmt.Errorf("unknown store scheme: %s", storeURL.Scheme)
}

func openPostgres(logger ulogger.Logger, storeURL *url.URL) (*sql.DB, error) {
	dbHost := storeURL.Hostname()
	port := storeURL.Port()
	dbPort, _ := strconv.Atoi(port)
	dbName := storeURL.Path[1:]
	dbUser := ""
	dbPassword := ""

	if storeURL.User != nil {
		dbUser = storeURL.User.Username()
		dbPassword, _ = storeURL.User.Password()
	}

	dbInfo := fmt.Sprintf("user=%s password=%s dbname=%s sslmode=disable host=%s port=%d",
		dbUser, dbPassword, dbName, dbHost, dbPort)

	db, err := sql.Open("postgres", dbInfo)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres DB: %w", err)
	}

	logger.Infof("using postgres DB: %s@%s:%d/%s", dbUser, dbHost, dbPort, dbName)

	idleConns, _ := gocore.Config().GetInt("postgresMaxIdleConns", 10)
	db.SetMaxIdleConns(idleConns)
	maxOpenConns, _ := gocore.Config().GetInt("postgresMaxOpenConns", 80)
	db.SetMaxOpenConns(maxOpenConns)

	pingCount, _ := gocore.Config().GetInt("postgresPingRetryCount", 5)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err = retry.Do(ctx, logger, func() error {
		return db.PingContext(ctx)
	}, retry.WithMessage("waiting for postgres to accept connections, "), retry.WithRetryCount(pingCount))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres DB never became reachable: %w", err)
	}

	return db, nil
}

func openSQLite(logger ulogger.Logger, storeURL *url.URL) (*sql.DB, error) {
	var (
		filename string
		err      error
	)

	if storeURL.Scheme == string(SQLiteMemory) {
		filename = fmt.Sprintf("file:%s?mode=memory&cache=shared", random.String(16))
	} else {
		folder, _ := gocore.Config().Get("dataFolder", "data")
		if err = os.MkdirAll(folder, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data folder %s: %w", folder, err)
		}

		dbName := storeURL.Path[1:]

		filename, err = filepath.Abs(path.Join(folder, fmt.Sprintf("%s.db", dbName)))
		if err != nil {
			return nil, fmt.Errorf("failed to get absolute path for sqlite DB: %w", err)
		}

		// Wait up to 5s on a locked database before failing, and journal in WAL mode.
		filename = fmt.Sprintf("%s?cache=shared&_pragma=busy_timeout=5000&_pragma=journal_mode=WAL", filename)
	}

	logger.Infof("using sqlite DB: %s", filename)

	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite DB: %w", err)
	}

	if _, err = db.Exec(`PRAGMA foreign_keys = ON;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not enable foreign key support: %w", err)
	}

	if _, err = db.Exec(`PRAGMA locking_mode = SHARED;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("could not enable shared locking mode: %w", err)
	}

	return db, nil
}

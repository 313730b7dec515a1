package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/blacktop/cawatch/internal/watch"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLite keeps accounts and sessions in a single database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) cawatch.db in dataDir and applies pending
// migrations. Pass ":memory:" for an in-memory database.
func OpenSQLite(dataDir string) (*SQLite, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "cawatch.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: writes are serialized and :memory: stays a single database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

// --- Accounts ---

// ListAccounts returns the owner's accounts in insertion order.
func (s *SQLite) ListAccounts(ctx context.Context, owner string) ([]watch.WorkerAccount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT username, email, password, token, secret, health
		FROM accounts WHERE owner = ? ORDER BY rowid ASC`, owner)
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	defer rows.Close()

	var out []watch.WorkerAccount
	for rows.Next() {
		a := watch.WorkerAccount{Owner: owner}
		var health string
		if err := rows.Scan(&a.Username, &a.Credentials.Email, &a.Credentials.Password,
			&a.Credentials.Token, &a.Credentials.Secret, &health); err != nil {
			return nil, err
		}
		a.Health = watch.Health(health)
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveAccount inserts or updates an account, keeping its original position.
func (s *SQLite) SaveAccount(ctx context.Context, a watch.WorkerAccount) error {
	health := a.Health
	if health == "" {
		health = watch.HealthUnknown
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (owner, username, email, password, token, secret, health)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (owner, username) DO UPDATE SET
			email = excluded.email,
			password = excluded.password,
			token = excluded.token,
			secret = excluded.secret,
			health = excluded.health`,
		a.Owner, a.Username, a.Credentials.Email, a.Credentials.Password,
		a.Credentials.Token, a.Credentials.Secret, string(health))
	if err != nil {
		return fmt.Errorf("saving account %s: %w", a.Key(), err)
	}
	return nil
}

func (s *SQLite) SetHealth(ctx context.Context, key watch.AccountKey, health watch.Health) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET health = ? WHERE owner = ? AND username = ?`,
		string(health), key.Owner, key.Username)
	if err != nil {
		return fmt.Errorf("updating health for %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Sessions ---

func (s *SQLite) Get(ctx context.Context, key watch.AccountKey) (string, bool, error) {
	var token string
	err := s.db.QueryRowContext(ctx, `SELECT token FROM sessions WHERE owner = ? AND username = ?`,
		key.Owner, key.Username).Scan(&token)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("loading session %s: %w", key, err)
	}
	return token, true, nil
}

func (s *SQLite) Put(ctx context.Context, key watch.AccountKey, token string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (owner, username, token, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (owner, username) DO UPDATE SET token = excluded.token, updated_at = excluded.updated_at`,
		key.Owner, key.Username, token, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("saving session %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key watch.AccountKey) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE owner = ? AND username = ?`,
		key.Owner, key.Username); err != nil {
		return fmt.Errorf("deleting session %s: %w", key, err)
	}
	return nil
}

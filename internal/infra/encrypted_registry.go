package infra

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	sqlcipher "github.com/mutecomm/go-sqlcipher/v4"

	"github.com/eliteGoblin/buildd/internal/domain"
)

// Ensure sqlcipher driver is registered.
var _ = sqlcipher.ErrBusy

const (
	registryDBName = "registry.db"
)

// EncryptedRegistry implements domain.DaemonRegistry using a SQLCipher
// encrypted SQLite database. SQLite's own locking serializes writers from
// different daemon processes.
type EncryptedRegistry struct {
	db     *sql.DB
	dbPath string
	now    func() time.Time
}

// NewEncryptedRegistry opens (or creates) an encrypted registry database.
// The key is used as the SQLCipher passphrase via PRAGMA key.
func NewEncryptedRegistry(dataDir string, key []byte) (*EncryptedRegistry, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, registryDBName)
	keyHex := hex.EncodeToString(key)

	dsn := fmt.Sprintf("%s?_pragma_key=x'%s'&_pragma_cipher_page_size=4096&_busy_timeout=5000", dbPath, keyHex)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open encrypted database: %w", err)
	}

	// Verify encryption works by running a query
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to encrypted database: %w", err)
	}

	reg := &EncryptedRegistry{
		db:     db,
		dbPath: dbPath,
		now:    time.Now,
	}

	if err := reg.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return reg, nil
}

// OpenEncryptedRegistry loads (or creates) the key in dataDir and opens the registry.
func OpenEncryptedRegistry(dataDir string) (*EncryptedRegistry, error) {
	key, err := EnsureKey(NewFileKeyProvider(dataDir))
	if err != nil {
		return nil, fmt.Errorf("failed to load registry key: %w", err)
	}
	return NewEncryptedRegistry(dataDir, key)
}

// createTables creates the schema if it doesn't exist.
func (r *EncryptedRegistry) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS daemons (
		address TEXT PRIMARY KEY,
		network TEXT NOT NULL,
		addr TEXT NOT NULL,
		uid TEXT NOT NULL,
		pid INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		fingerprint TEXT NOT NULL,
		version TEXT DEFAULT '',
		idle_timeout TEXT DEFAULT '',
		busy INTEGER NOT NULL DEFAULT 0,
		last_busy INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS stop_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uid TEXT NOT NULL,
		network TEXT NOT NULL,
		addr TEXT NOT NULL,
		timestamp INTEGER NOT NULL,
		reason TEXT NOT NULL,
		graceful INTEGER NOT NULL
	);
	`
	_, err := r.db.Exec(schema)
	return err
}

// Store adds or replaces the entry for info.Address.
func (r *EncryptedRegistry) Store(info domain.DaemonInfo) error {
	if info.LastBusy.IsZero() {
		info.LastBusy = r.now()
	}
	ctx := info.Context
	_, err := r.db.Exec(`
		INSERT OR REPLACE INTO daemons
			(address, network, addr, uid, pid, started_at, fingerprint, version, idle_timeout, busy, last_busy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		info.Address.String(), info.Address.Network, info.Address.Addr,
		ctx.UID, ctx.PID, ctx.StartedAt.UnixNano(), ctx.Fingerprint, ctx.Version, ctx.IdleTimeout,
		boolToInt(info.Busy), info.LastBusy.UnixNano(),
	)
	return err
}

// MarkBusy flags the entry busy.
func (r *EncryptedRegistry) MarkBusy(addr domain.Address) error {
	return r.setBusy(addr, true)
}

// MarkIdle flags the entry idle.
func (r *EncryptedRegistry) MarkIdle(addr domain.Address) error {
	return r.setBusy(addr, false)
}

func (r *EncryptedRegistry) setBusy(addr domain.Address, busy bool) error {
	result, err := r.db.Exec(`UPDATE daemons SET busy = ?, last_busy = ? WHERE address = ?`,
		boolToInt(busy), r.now().UnixNano(), addr.String())
	if err != nil {
		return err
	}
	return requireRow(result)
}

// Remove deletes the entry for addr.
func (r *EncryptedRegistry) Remove(addr domain.Address) error {
	result, err := r.db.Exec(`DELETE FROM daemons WHERE address = ?`, addr.String())
	if err != nil {
		return err
	}
	return requireRow(result)
}

// GetAll returns every registered daemon.
func (r *EncryptedRegistry) GetAll() ([]domain.DaemonInfo, error) {
	return r.queryDaemons(`SELECT network, addr, uid, pid, started_at, fingerprint, version, idle_timeout, busy, last_busy
		FROM daemons ORDER BY rowid`)
}

// GetIdle returns the registered daemons that are not busy.
func (r *EncryptedRegistry) GetIdle() ([]domain.DaemonInfo, error) {
	return r.queryDaemons(`SELECT network, addr, uid, pid, started_at, fingerprint, version, idle_timeout, busy, last_busy
		FROM daemons WHERE busy = 0 ORDER BY rowid`)
}

func (r *EncryptedRegistry) queryDaemons(query string) ([]domain.DaemonInfo, error) {
	rows, err := r.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var daemons []domain.DaemonInfo
	for rows.Next() {
		var info domain.DaemonInfo
		var startedAt, lastBusy int64
		var busy int
		if err := rows.Scan(&info.Address.Network, &info.Address.Addr,
			&info.Context.UID, &info.Context.PID, &startedAt, &info.Context.Fingerprint,
			&info.Context.Version, &info.Context.IdleTimeout, &busy, &lastBusy); err != nil {
			return nil, err
		}
		info.Context.StartedAt = time.Unix(0, startedAt).UTC()
		info.LastBusy = time.Unix(0, lastBusy).UTC()
		info.Busy = busy != 0
		daemons = append(daemons, info)
	}
	return daemons, rows.Err()
}

// StoreStopEvent appends a stop event, dropping the oldest past the cap.
func (r *EncryptedRegistry) StoreStopEvent(event domain.StopEvent) error {
	_, err := r.db.Exec(`
		INSERT INTO stop_events (uid, network, addr, timestamp, reason, graceful)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.UID, event.Address.Network, event.Address.Addr,
		event.Timestamp.UnixNano(), event.Reason, boolToInt(event.Graceful),
	)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(`DELETE FROM stop_events WHERE id NOT IN
		(SELECT id FROM stop_events ORDER BY id DESC LIMIT ?)`, maxStopEvents)
	return err
}

// GetStopEvents returns recorded stop events, oldest first.
func (r *EncryptedRegistry) GetStopEvents() ([]domain.StopEvent, error) {
	rows, err := r.db.Query(`SELECT uid, network, addr, timestamp, reason, graceful FROM stop_events ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.StopEvent
	for rows.Next() {
		var e domain.StopEvent
		var ts int64
		var graceful int
		if err := rows.Scan(&e.UID, &e.Address.Network, &e.Address.Addr, &ts, &e.Reason, &graceful); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		e.Graceful = graceful != 0
		events = append(events, e)
	}
	return events, rows.Err()
}

// CheckAccess verifies the database file is still present and queryable.
func (r *EncryptedRegistry) CheckAccess() error {
	if _, err := os.Stat(r.dbPath); err != nil {
		return fmt.Errorf("registry database: %w", err)
	}
	var n int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM daemons`).Scan(&n); err != nil {
		return fmt.Errorf("registry database unreadable: %w", err)
	}
	return nil
}

// GetRegistryPath returns the database file path.
func (r *EncryptedRegistry) GetRegistryPath() string {
	return r.dbPath
}

// Close releases the database connection.
func (r *EncryptedRegistry) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

func requireRow(result sql.Result) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrRegistryEmpty
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Ensure EncryptedRegistry implements domain.DaemonRegistry.
var _ domain.DaemonRegistry = (*EncryptedRegistry)(nil)

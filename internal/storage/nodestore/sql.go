package nodestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/midnightntwrk/midnight-ledger-sub005/internal/storage/arenakey"
)

// Environment overrides for the sqlite pragmas.
const (
	EnvSQLSynchronous = "ARENA_SQL_SYNCHRONOUS"
	EnvSQLJournalMode = "ARENA_SQL_JOURNAL_MODE"
)

var (
	validSynchronous = map[string]bool{"OFF": true, "NORMAL": true, "FULL": true, "EXTRA": true, "0": true, "1": true, "2": true, "3": true}
	validJournalMode = map[string]bool{"DELETE": true, "TRUNCATE": true, "PERSIST": true, "MEMORY": true, "WAL": true, "OFF": true}
)

type sqlDialect struct {
	name       string
	driver     string
	blobType   string
	dollarArgs bool
}

var (
	sqliteDialect   = sqlDialect{name: "sqlite", driver: "sqlite", blobType: "BLOB"}
	postgresDialect = sqlDialect{name: "postgres", driver: "postgres", blobType: "BYTEA", dollarArgs: true}
)

// rebind rewrites '?' placeholders into the dialect's form.
func (d sqlDialect) rebind(query string) string {
	if !d.dollarArgs {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d sqlDialect) schema() []string {
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS node (
			key %[1]s PRIMARY KEY,
			data %[1]s NOT NULL,
			ref_count INTEGER NOT NULL,
			children %[1]s NOT NULL
		)`, d.blobType),
		`CREATE INDEX IF NOT EXISTS node_ref_count ON node (ref_count)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS root (
			key %s PRIMARY KEY,
			count INTEGER NOT NULL
		)`, d.blobType),
		`CREATE INDEX IF NOT EXISTS root_count ON root (count)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS meta (
			name TEXT PRIMARY KEY,
			value %s NOT NULL
		)`, d.blobType),
	}
}

// SQLDB implements DB on a relational database. The node table holds the
// DAG, the root table the GC root counts.
type SQLDB struct {
	dialect sqlDialect
	id      string
	db      *sql.DB
	lock    *fileLock

	closed int64 // atomic flag
}

// OpenSQLite opens a file-backed SQLite DB. A companion "<path>.mutex" file is
// locked exclusively for the lifetime of the handle; a second open of the same
// file fails with ErrConcurrentFileOpen.
func OpenSQLite(config *Config) (*SQLDB, error) {
	if !config.CreateIfMissing {
		if _, err := os.Stat(config.Path); err != nil {
			return nil, NewErrorWithoutKey("open", "sqlite", err)
		}
	}

	lock, err := acquireFileLock(config.Path + ".mutex")
	if err != nil {
		return nil, NewErrorWithoutKey("open", "sqlite", err)
	}

	db, err := openSQLite(config, config.Path)
	if err != nil {
		lock.release()
		return nil, err
	}
	db.id = "sqlite:" + absPath(config.Path)
	db.lock = lock
	return db, nil
}

// OpenSQLiteMemory opens a private in-memory SQLite DB.
func OpenSQLiteMemory(config *Config) (*SQLDB, error) {
	db, err := openSQLite(config, ":memory:")
	if err != nil {
		return nil, err
	}
	db.id = "sqlite-memory:" + uuid.NewString()
	return db, nil
}

func openSQLite(config *Config, dsn string) (*SQLDB, error) {
	synchronous, journal, err := sqlitePragmas(config)
	if err != nil {
		return nil, err
	}

	conn, err := sql.Open(sqliteDialect.driver, dsn)
	if err != nil {
		return nil, NewErrorWithoutKey("open", "sqlite", err)
	}
	// One connection: the pragmas below are per connection and an
	// in-memory database is private to its connection.
	conn.SetMaxOpenConns(1)

	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", config.SQLBusyTimeout.Milliseconds()),
		"PRAGMA synchronous = " + synchronous,
		"PRAGMA journal_mode = " + journal,
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, NewErrorWithoutKey("open", "sqlite", fmt.Errorf("%s: %w", p, err))
		}
	}

	db := &SQLDB{dialect: sqliteDialect, db: conn}
	if err := db.initSchema(context.Background()); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func sqlitePragmas(config *Config) (string, string, error) {
	synchronous := strings.ToUpper(firstNonEmpty(config.SQLSynchronous, os.Getenv(EnvSQLSynchronous), "OFF"))
	journal := strings.ToUpper(firstNonEmpty(config.SQLJournalMode, os.Getenv(EnvSQLJournalMode), "WAL"))
	if !validSynchronous[synchronous] {
		return "", "", NewValidationError("sql_synchronous", synchronous, "unsupported value")
	}
	if !validJournalMode[journal] {
		return "", "", NewValidationError("sql_journal_mode", journal, "unsupported value")
	}
	return synchronous, journal, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// OpenPostgres connects to the database named by config.DSN.
func OpenPostgres(config *Config) (*SQLDB, error) {
	conn, err := sql.Open(postgresDialect.driver, config.DSN)
	if err != nil {
		return nil, NewErrorWithoutKey("open", "postgres", err)
	}
	conn.SetMaxOpenConns(config.ReadThreads)

	ctx := context.Background()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, NewErrorWithoutKey("open", "postgres", fmt.Errorf("failed to ping database: %w", err))
	}

	db := &SQLDB{dialect: postgresDialect, db: conn, id: "postgres:" + uuid.NewSHA1(uuid.NameSpaceURL, []byte(config.DSN)).String()}
	if err := db.initSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (d *SQLDB) initSchema(ctx context.Context) error {
	for _, stmt := range d.dialect.schema() {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return NewErrorWithoutKey("init_schema", d.dialect.name, err)
		}
	}
	return nil
}

// Name returns the dialect name.
func (d *SQLDB) Name() string {
	return d.dialect.name
}

// ID returns the identity of the underlying database.
func (d *SQLDB) ID() string {
	return d.id
}

func (d *SQLDB) checkOpen(op string) error {
	if atomic.LoadInt64(&d.closed) != 0 {
		return NewErrorWithoutKey(op, d.dialect.name, ErrBackendClosed)
	}
	return nil
}

type sqlQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (d *SQLDB) getNode(ctx context.Context, q sqlQueryer, key Key) (*Object, error) {
	var data, children []byte
	var refCount int64
	err := q.QueryRowContext(ctx,
		d.dialect.rebind("SELECT data, ref_count, children FROM node WHERE key = ?"), key[:]).
		Scan(&data, &refCount, &children)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	keys, err := decodeChildren(children)
	if err != nil {
		return nil, err
	}
	if refCount < 0 || refCount > int64(^uint32(0)) {
		return nil, fmt.Errorf("%w: ref_count %d out of range", ErrDataCorrupt, refCount)
	}
	return &Object{Data: data, RefCount: uint32(refCount), Children: keys}, nil
}

func decodeChildren(b []byte) ([]Key, error) {
	keys, err := arenakey.Decode(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDataCorrupt, err)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	return keys, nil
}

// GetNode retrieves a single node by key.
func (d *SQLDB) GetNode(ctx context.Context, key Key) (*Object, error) {
	if err := d.checkOpen("get_node"); err != nil {
		return nil, err
	}
	obj, err := d.getNode(ctx, d.db, key)
	if err != nil {
		return nil, NewError("get_node", d.dialect.name, key, err)
	}
	return obj, nil
}

// BatchGetNodes reads all keys inside one read transaction.
func (d *SQLDB) BatchGetNodes(ctx context.Context, keys []Key) ([]*Object, error) {
	if err := d.checkOpen("batch_get_nodes"); err != nil {
		return nil, err
	}
	tx, err := d.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: d.dialect.dollarArgs})
	if err != nil {
		return nil, NewErrorWithoutKey("batch_get_nodes", d.dialect.name, err)
	}
	defer tx.Rollback()

	results := make([]*Object, len(keys))
	for i, key := range keys {
		obj, err := d.getNode(ctx, tx, key)
		if err != nil {
			return nil, NewError("batch_get_nodes", d.dialect.name, key, err)
		}
		results[i] = obj
	}
	return results, nil
}

// GetUnreachableKeys returns nodes with zero references that are not roots.
func (d *SQLDB) GetUnreachableKeys(ctx context.Context) ([]Key, error) {
	if err := d.checkOpen("get_unreachable_keys"); err != nil {
		return nil, err
	}
	rows, err := d.db.QueryContext(ctx,
		"SELECT key FROM node WHERE ref_count = 0 AND key NOT IN (SELECT key FROM root)")
	if err != nil {
		return nil, NewErrorWithoutKey("get_unreachable_keys", d.dialect.name, err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, NewErrorWithoutKey("get_unreachable_keys", d.dialect.name, err)
		}
		var key Key
		if len(raw) != len(key) {
			return nil, NewErrorWithoutKey("get_unreachable_keys", d.dialect.name, ErrDataCorrupt)
		}
		copy(key[:], raw)
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, NewErrorWithoutKey("get_unreachable_keys", d.dialect.name, err)
	}
	return keys, nil
}

func (d *SQLDB) execUpdate(ctx context.Context, q sqlQueryer, u Update) error {
	var err error
	switch u.Kind {
	case UpdateInsertNode:
		_, err = q.ExecContext(ctx, d.dialect.rebind(
			`INSERT INTO node (key, data, ref_count, children) VALUES (?, ?, ?, ?)
			ON CONFLICT (key) DO UPDATE SET data = excluded.data, ref_count = excluded.ref_count, children = excluded.children`),
			u.Key[:], nonNil(u.Object.Data), int64(u.Object.RefCount), arenakey.Encode(u.Object.Children))
	case UpdateDeleteNode:
		_, err = q.ExecContext(ctx, d.dialect.rebind("DELETE FROM node WHERE key = ?"), u.Key[:])
	case UpdateSetRootCount:
		if u.RootCount == 0 {
			_, err = q.ExecContext(ctx, d.dialect.rebind("DELETE FROM root WHERE key = ?"), u.Key[:])
		} else {
			_, err = q.ExecContext(ctx, d.dialect.rebind(
				`INSERT INTO root (key, count) VALUES (?, ?)
				ON CONFLICT (key) DO UPDATE SET count = excluded.count`),
				u.Key[:], int64(u.RootCount))
		}
	default:
		err = fmt.Errorf("unknown update kind %s", u.Kind)
	}
	return err
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// InsertNode stores a node.
func (d *SQLDB) InsertNode(ctx context.Context, key Key, obj *Object) error {
	return d.BatchUpdate(ctx, []Update{InsertNode(key, obj)})
}

// DeleteNode removes a node.
func (d *SQLDB) DeleteNode(ctx context.Context, key Key) error {
	return d.BatchUpdate(ctx, []Update{DeleteNode(key)})
}

// BatchUpdate applies all updates in one transaction.
func (d *SQLDB) BatchUpdate(ctx context.Context, updates []Update) error {
	if err := d.checkOpen("batch_update"); err != nil {
		return err
	}
	if len(updates) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return NewErrorWithoutKey("batch_update", d.dialect.name, err)
	}
	for _, u := range updates {
		if err := d.execUpdate(ctx, tx, u); err != nil {
			tx.Rollback()
			return NewError("batch_update", d.dialect.name, u.Key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return NewErrorWithoutKey("batch_update", d.dialect.name, err)
	}
	return nil
}

// GetRootCount returns the root count of key.
func (d *SQLDB) GetRootCount(ctx context.Context, key Key) (uint32, error) {
	if err := d.checkOpen("get_root_count"); err != nil {
		return 0, err
	}
	var count int64
	err := d.db.QueryRowContext(ctx, d.dialect.rebind("SELECT count FROM root WHERE key = ?"), key[:]).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, NewError("get_root_count", d.dialect.name, key, err)
	}
	return uint32(count), nil
}

// SetRootCount sets the root count of key.
func (d *SQLDB) SetRootCount(ctx context.Context, key Key, count uint32) error {
	return d.BatchUpdate(ctx, []Update{SetRootCount(key, count)})
}

// GetRoots returns every stored root.
func (d *SQLDB) GetRoots(ctx context.Context) (map[Key]uint32, error) {
	if err := d.checkOpen("get_roots"); err != nil {
		return nil, err
	}
	rows, err := d.db.QueryContext(ctx, "SELECT key, count FROM root WHERE count > 0")
	if err != nil {
		return nil, NewErrorWithoutKey("get_roots", d.dialect.name, err)
	}
	defer rows.Close()

	roots := make(map[Key]uint32)
	for rows.Next() {
		var raw []byte
		var count int64
		if err := rows.Scan(&raw, &count); err != nil {
			return nil, NewErrorWithoutKey("get_roots", d.dialect.name, err)
		}
		var key Key
		if len(raw) != len(key) {
			return nil, NewErrorWithoutKey("get_roots", d.dialect.name, ErrDataCorrupt)
		}
		copy(key[:], raw)
		roots[key] = uint32(count)
	}
	if err := rows.Err(); err != nil {
		return nil, NewErrorWithoutKey("get_roots", d.dialect.name, err)
	}
	return roots, nil
}

// Size returns the number of stored nodes.
func (d *SQLDB) Size(ctx context.Context) (int, error) {
	if err := d.checkOpen("size"); err != nil {
		return 0, err
	}
	var n int64
	if err := d.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM node").Scan(&n); err != nil {
		return 0, NewErrorWithoutKey("size", d.dialect.name, err)
	}
	return int(n), nil
}

// GetMeta returns a metadata value.
func (d *SQLDB) GetMeta(ctx context.Context, name string) ([]byte, error) {
	if err := d.checkOpen("get_meta"); err != nil {
		return nil, err
	}
	var value []byte
	err := d.db.QueryRowContext(ctx, d.dialect.rebind("SELECT value FROM meta WHERE name = ?"), name).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, NewErrorWithoutKey("get_meta", d.dialect.name, err)
	}
	return value, nil
}

// SetMeta stores a metadata value.
func (d *SQLDB) SetMeta(ctx context.Context, name string, value []byte) error {
	if err := d.checkOpen("set_meta"); err != nil {
		return err
	}
	_, err := d.db.ExecContext(ctx, d.dialect.rebind(
		`INSERT INTO meta (name, value) VALUES (?, ?)
		ON CONFLICT (name) DO UPDATE SET value = excluded.value`), name, nonNil(value))
	if err != nil {
		return NewErrorWithoutKey("set_meta", d.dialect.name, err)
	}
	return nil
}

// Close closes the connection and releases the file lock.
func (d *SQLDB) Close() error {
	if !atomic.CompareAndSwapInt64(&d.closed, 0, 1) {
		return nil
	}
	err := d.db.Close()
	if d.lock != nil {
		if lerr := d.lock.release(); err == nil {
			err = lerr
		}
	}
	return err
}

package mbtiles

import (
	"database/sql"
	"fmt"
	"os"
	"sync"

	_ "modernc.org/sqlite" // SQLite driver
)

// Writer writes tiles to an MBTiles database. One Writer owns the output
// file for the duration of a download session.
//
// Tiles accumulate in an open transaction; Flush commits it. The caller
// flushes once per completed zoom level, which bounds transaction
// overhead while leaving a whole-zoom-level checkpoint behind after a
// crash.
type Writer struct {
	db   *sql.DB
	tx   *sql.Tx
	path string
	mu   sync.Mutex
}

// NewWriter creates the output database, initializes the MBTiles schema,
// and inserts the full metadata row set. Metadata is written exactly
// once, before any tile row.
func NewWriter(path string, metadata Metadata) (*Writer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	if err := createSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	if err := insertMetadata(db, metadata); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to insert metadata: %w", err)
	}

	return &Writer{
		db:   db,
		path: path,
	}, nil
}

// createSchema creates the MBTiles database schema.
func createSchema(db *sql.DB) error {
	schema := `
		CREATE TABLE IF NOT EXISTS metadata (
			name TEXT NOT NULL,
			value TEXT
		);

		CREATE TABLE IF NOT EXISTS tiles (
			zoom_level INTEGER NOT NULL,
			tile_column INTEGER NOT NULL,
			tile_row INTEGER NOT NULL,
			tile_data BLOB NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS tile_index ON tiles (zoom_level, tile_column, tile_row);
	`

	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	return nil
}

// insertMetadata inserts metadata into the database.
func insertMetadata(db *sql.DB, meta Metadata) error {
	stmt, err := db.Prepare("INSERT INTO metadata (name, value) VALUES (?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare metadata insert: %w", err)
	}
	defer stmt.Close()

	for _, row := range meta.Rows() {
		if _, err := stmt.Exec(row[0], row[1]); err != nil {
			return fmt.Errorf("failed to insert metadata %q: %w", row[0], err)
		}
	}

	return nil
}

// WriteTile upserts one tile addressed in XYZ coordinates. The row index
// is flipped to TMS at insert time. REPLACE semantics make re-writing the
// same tile idempotent: exactly one row remains per (zoom, column, row).
// Raw image bytes are stored uncompressed for MBTiles raster consumers.
func (w *Writer) WriteTile(z, x, y int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.tx == nil {
		tx, err := w.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin transaction: %w", err)
		}
		w.tx = tx
	}

	tmsY := (1 << z) - 1 - y

	_, err := w.tx.Exec(
		"INSERT OR REPLACE INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)",
		z, x, tmsY, data,
	)
	if err != nil {
		return fmt.Errorf("failed to insert tile %d/%d/%d: %w", z, x, y, err)
	}

	return nil
}

// Flush commits the open transaction, if any.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

func (w *Writer) flushLocked() error {
	if w.tx == nil {
		return nil
	}

	if err := w.tx.Commit(); err != nil {
		w.tx = nil
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	w.tx = nil
	return nil
}

// TileCount returns the number of persisted tile rows, including any in
// the open transaction.
func (w *Writer) TileCount() (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var count int
	var err error
	if w.tx != nil {
		err = w.tx.QueryRow("SELECT COUNT(*) FROM tiles").Scan(&count)
	} else {
		err = w.db.QueryRow("SELECT COUNT(*) FROM tiles").Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count tiles: %w", err)
	}
	return count, nil
}

// Close flushes any open transaction and closes the database.
func (w *Writer) Close() error {
	if err := w.Flush(); err != nil {
		w.db.Close()
		return err
	}

	if err := w.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	return nil
}

// Discard abandons the archive: any open transaction is rolled back, the
// database is closed, and the file is deleted. Used when a session ends
// with zero accepted tiles, since an empty archive is never a valid
// artifact.
func (w *Writer) Discard() error {
	w.mu.Lock()
	if w.tx != nil {
		_ = w.tx.Rollback()
		w.tx = nil
	}
	w.mu.Unlock()

	if err := w.db.Close(); err != nil {
		_ = os.Remove(w.path)
		return fmt.Errorf("failed to close database: %w", err)
	}

	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", w.path, err)
	}

	return nil
}

// Path returns the output file path.
func (w *Writer) Path() string {
	return w.path
}

package mbtiles

import (
	"database/sql"
	"errors"
	"fmt"
)

// ErrTileNotFound is returned when the requested tile row does not exist.
var ErrTileNotFound = errors.New("tile not found")

// Reader reads tiles from an MBTiles database.
type Reader struct {
	db   *sql.DB
	path string
}

// OpenReader opens an MBTiles database for reading.
func OpenReader(path string) (*Reader, error) {
	// Open in read-only mode with immutable flag
	db, err := sql.Open("sqlite", path+"?mode=ro&immutable=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Verify schema exists
	var count int
	err = db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='tiles'").Scan(&count)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to verify schema: %w", err)
	}
	if count == 0 {
		db.Close()
		return nil, fmt.Errorf("database does not contain tiles table")
	}

	return &Reader{
		db:   db,
		path: path,
	}, nil
}

// ReadTile reads raw tile bytes addressed in XYZ coordinates. The row
// index is flipped to TMS for the lookup.
func (r *Reader) ReadTile(z, x, y int) ([]byte, error) {
	tmsY := (1 << z) - 1 - y

	var data []byte
	err := r.db.QueryRow(
		"SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=?",
		z, x, tmsY,
	).Scan(&data)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %d/%d/%d", ErrTileNotFound, z, x, y)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tile %d/%d/%d: %w", z, x, y, err)
	}

	return data, nil
}

// Metadata returns the metadata table as a map.
func (r *Reader) Metadata() (map[string]string, error) {
	rows, err := r.db.Query("SELECT name, value FROM metadata")
	if err != nil {
		return nil, fmt.Errorf("failed to query metadata: %w", err)
	}
	defer rows.Close()

	meta := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, fmt.Errorf("failed to scan metadata row: %w", err)
		}
		meta[name] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate metadata: %w", err)
	}

	return meta, nil
}

// TileCount returns the number of tile rows in the database.
func (r *Reader) TileCount() (int, error) {
	var count int
	if err := r.db.QueryRow("SELECT COUNT(*) FROM tiles").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count tiles: %w", err)
	}
	return count, nil
}

// Close closes the database.
func (r *Reader) Close() error {
	return r.db.Close()
}

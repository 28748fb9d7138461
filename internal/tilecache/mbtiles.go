package tilecache

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3" // Register sqlite3 database driver
	"go.uber.org/zap"

	"github.com/kiesman99/printclip/internal/source"
)

const mbtilesSchema = `
	CREATE TABLE IF NOT EXISTS map (
		zoom_level INTEGER NOT NULL,
		tile_column INTEGER NOT NULL,
		tile_row INTEGER NOT NULL,
		tile_id TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS map_index ON map (zoom_level, tile_column, tile_row);
	CREATE TABLE IF NOT EXISTS images (
		tile_data BLOB NOT NULL,
		tile_id TEXT NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS images_id ON images (tile_id);
	CREATE TABLE IF NOT EXISTS metadata (
		name TEXT,
		value TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS name ON metadata (name);
	CREATE VIEW IF NOT EXISTS tiles AS
	SELECT
		map.zoom_level AS zoom_level,
		map.tile_column AS tile_column,
		map.tile_row AS tile_row,
		images.tile_data AS tile_data
	FROM map
	JOIN images ON images.tile_id = map.tile_id;
`

// MBTiles persists tiles in one MBTiles file per provider under a directory.
// Rows are stored TMS style, flipped from the XYZ scheme.
type MBTiles struct {
	dir string
	log *zap.Logger

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

// NewMBTiles creates the cache directory if needed
func NewMBTiles(dir string, logger *zap.Logger) (*MBTiles, error) {
	if dir == "" {
		return nil, errors.New("cache directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MBTiles{dir: dir, log: logger, dbs: map[string]*sql.DB{}}, nil
}

// Path returns the MBTiles file used for provider
func (m *MBTiles) Path(provider string) string {
	return filepath.Join(m.dir, sanitizeName(provider)+".mbtiles")
}

func (m *MBTiles) open(provider string) (*sql.DB, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if db, ok := m.dbs[provider]; ok {
		return db, nil
	}

	db, err := sql.Open("sqlite3", m.Path(provider))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(mbtilesSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create mbtiles schema: %w", err)
	}
	if _, err := db.Exec("INSERT OR REPLACE INTO metadata (name, value) VALUES ('name', ?), ('format', 'png'), ('type', 'baselayer');", provider); err != nil {
		db.Close()
		return nil, err
	}

	m.dbs[provider] = db
	return db, nil
}

// Get returns the stored tile, or ok=false when it is not cached
func (m *MBTiles) Get(ctx context.Context, key source.Key) ([]byte, bool, error) {
	db, err := m.open(key.Provider)
	if err != nil {
		return nil, false, err
	}

	c := key.Coordinate
	var data []byte
	err = db.QueryRowContext(ctx,
		"SELECT tile_data FROM tiles WHERE zoom_level=? AND tile_column=? AND tile_row=?",
		c.Z, c.X, tmsRow(c.Y, c.Z)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// Put stores a tile
func (m *MBTiles) Put(ctx context.Context, key source.Key, data []byte) error {
	db, err := m.open(key.Provider)
	if err != nil {
		return err
	}

	hash := md5.Sum(data)
	tileID := hex.EncodeToString(hash[:])

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO images (tile_id, tile_data) VALUES (?, ?);", tileID, data); err != nil {
		tx.Rollback()
		return err
	}
	c := key.Coordinate
	if _, err := tx.ExecContext(ctx, "INSERT OR REPLACE INTO map (zoom_level, tile_column, tile_row, tile_id) VALUES (?, ?, ?, ?);",
		c.Z, c.X, tmsRow(c.Y, c.Z), tileID); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Fetch implements source.Cache. Storage errors are logged and never fail
// the fetch.
func (m *MBTiles) Fetch(ctx context.Context, key source.Key, load func(context.Context) ([]byte, error)) ([]byte, error) {
	data, ok, err := m.Get(ctx, key)
	if err != nil {
		m.log.Warn("mbtiles read failed", zap.String("provider", key.Provider), zap.Stringer("tile", key.Coordinate), zap.Error(err))
	}
	if ok {
		return data, nil
	}

	data, err = load(ctx)
	if err != nil {
		return nil, err
	}
	if err := m.Put(ctx, key, data); err != nil {
		m.log.Warn("mbtiles write failed", zap.String("provider", key.Provider), zap.Stringer("tile", key.Coordinate), zap.Error(err))
	}
	return data, nil
}

// Close closes every open database
func (m *MBTiles) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, db := range m.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(m.dbs, name)
	}
	return errors.Join(errs...)
}

func tmsRow(y, z int) int {
	return (1 << uint(z)) - 1 - y
}

func sanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
	if name == "" {
		return "tiles"
	}
	return name
}

package datalogger

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"gpsbridge/internal/transport"
)

const ddlFixes = `
CREATE TABLE IF NOT EXISTS fixes (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    time_ms     INTEGER NOT NULL,          -- fix time, Unix milliseconds
    lat         REAL    NOT NULL,
    lon         REAL    NOT NULL,
    alt_m       REAL,
    accuracy_m  REAL,
    bearing_deg REAL,
    speed_ms    REAL,
    satellites  INTEGER,
    logged_at   INTEGER NOT NULL           -- Unix milliseconds
);
CREATE INDEX IF NOT EXISTS idx_fixes_time_ms ON fixes (time_ms);
`

const insertFix = `INSERT INTO fixes
    (time_ms, lat, lon, alt_m, accuracy_m, bearing_deg, speed_ms, satellites, logged_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

func openFixDB(path string) (*sql.DB, *sql.Stmt, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, nil, err
	}
	if _, err := db.Exec(ddlFixes); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	stmt, err := db.Prepare(insertFix)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("prepare: %w", err)
	}
	return db, stmt, nil
}

func openDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	// One writer; WAL keeps readers unblocked.
	db.SetMaxOpenConns(1)
	return db, nil
}

// ReadFixes loads every stored fix in insertion order.
func ReadFixes(path string) ([]transport.Location, error) {
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT time_ms, lat, lon, alt_m, accuracy_m, bearing_deg, speed_ms, satellites
        FROM fixes ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []transport.Location
	for rows.Next() {
		var (
			ms   int64
			loc  transport.Location
			alt  sql.NullFloat64
			acc  sql.NullFloat64
			brg  sql.NullFloat64
			spd  sql.NullFloat64
			sats sql.NullInt64
		)
		if err := rows.Scan(&ms, &loc.Latitude, &loc.Longitude, &alt, &acc, &brg, &spd, &sats); err != nil {
			return nil, err
		}
		loc.Time = timeFromMillis(ms)
		loc.Altitude = floatPtr(alt)
		loc.Accuracy = floatPtr(acc)
		loc.Bearing = floatPtr(brg)
		loc.Speed = floatPtr(spd)
		if sats.Valid {
			n := int(sats.Int64)
			loc.Satellites = &n
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

// Package datalogger records what the receiver produces to a file in one of
// several formats: the raw byte stream, validated NMEA text, an SQLite table
// of fixes, or a compact binary track.
package datalogger

import (
	"bufio"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"gpsbridge/internal/decode"
	"gpsbridge/internal/replay"
	"gpsbridge/internal/transport"
)

type Format string

const (
	FormatRaw    Format = "raw"
	FormatNMEA   Format = "nmea"
	FormatSQLite Format = "sqlite"
	FormatTrack  Format = "track"
)

func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatRaw, FormatNMEA, FormatSQLite, FormatTrack:
		return f, nil
	default:
		return "", fmt.Errorf("unknown datalogger format %q", s)
	}
}

// Ext is the file extension used for the format.
func (f Format) Ext() string {
	switch f {
	case FormatRaw:
		return "log"
	case FormatNMEA:
		return "nmea"
	case FormatSQLite:
		return "db"
	case FormatTrack:
		return "trk"
	default:
		return "dat"
	}
}

var ErrClosed = errors.New("datalogger: closed")

type Config struct {
	Format Format
	Dir    string
	// Prefix defaults to "gps".
	Prefix string
}

// Logger is safe for concurrent use. RecordMessage feeds the raw and nmea
// formats; LogLocation feeds sqlite and track. Calls that do not apply to
// the format are ignored.
type Logger struct {
	format Format
	path   string
	log    *zap.Logger

	records atomic.Uint64
	errors  atomic.Uint64

	mu     sync.Mutex
	closed bool
	raw    *replay.Writer
	f      *os.File
	w      *bufio.Writer
	db     *sql.DB
	insert *sql.Stmt
}

var nowFn = time.Now

// FileName is "<prefix>-<UTC yyyymmdd-hhmmss>.<ext>".
func FileName(prefix string, f Format, at time.Time) string {
	return fmt.Sprintf("%s-%s.%s", prefix, at.UTC().Format("20060102-150405"), f.Ext())
}

func Open(cfg Config, log *zap.Logger) (*Logger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	format, err := ParseFormat(string(cfg.Format))
	if err != nil {
		return nil, err
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "gps"
	}
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("datalogger: create dir: %w", err)
	}

	l := &Logger{
		format: format,
		path:   filepath.Join(dir, FileName(prefix, format, nowFn())),
		log:    log,
	}
	switch format {
	case FormatRaw:
		l.raw, err = replay.CreateWriter(l.path)
	case FormatNMEA, FormatTrack:
		l.f, err = os.Create(l.path)
		if err == nil {
			l.w = bufio.NewWriterSize(l.f, 32*1024)
		}
	case FormatSQLite:
		l.db, l.insert, err = openFixDB(l.path)
	}
	if err != nil {
		return nil, fmt.Errorf("datalogger: open %s: %w", l.path, err)
	}
	log.Info("datalogger: started", zap.String("format", string(format)), zap.String("path", l.path))
	return l, nil
}

func (l *Logger) Path() string { return l.path }
func (l *Logger) Format() Format { return l.format }
func (l *Logger) Records() uint64 { return l.records.Load() }
func (l *Logger) WriteErrors() uint64 { return l.errors.Load() }

// RecordMessage implements decode.Tap.
func (l *Logger) RecordMessage(typ decode.MessageType, data []byte) {
	if l.format != FormatRaw && !(l.format == FormatNMEA && typ == decode.MessageNMEA) {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	var err error
	switch l.format {
	case FormatRaw:
		err = l.raw.WriteChunk(nowFn(), data)
	case FormatNMEA:
		line := strings.TrimRight(string(data), "\r\n")
		_, err = l.w.WriteString(line + "\n")
	}
	l.account(err)
}

// LogLocation stores one valid fix.
func (l *Logger) LogLocation(loc transport.Location) {
	if l.format != FormatSQLite && l.format != FormatTrack {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	var err error
	switch l.format {
	case FormatSQLite:
		_, err = l.insert.Exec(
			loc.Time.UnixMilli(), loc.Latitude, loc.Longitude,
			loc.Altitude, loc.Accuracy, loc.Bearing, loc.Speed, loc.Satellites,
			nowFn().UnixMilli(),
		)
	case FormatTrack:
		_, err = l.w.Write(appendTrackRecord(nil, loc))
	}
	l.account(err)
}

func (l *Logger) account(err error) {
	if err != nil {
		// Only the first failure is logged; the rest are counted.
		if l.errors.Add(1) == 1 {
			l.log.Warn("datalogger: write failed", zap.String("path", l.path), zap.Error(err))
		}
		return
	}
	l.records.Add(1)
}

// StartSession marks a new connection in a raw recording so playback skips
// the time the device was away. Other formats ignore it.
func (l *Logger) StartSession() {
	if l.format != FormatRaw {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	if err := l.raw.StartSession(nowFn()); err != nil {
		l.errors.Add(1)
		l.log.Warn("datalogger: start session failed", zap.String("path", l.path), zap.Error(err))
	}
}

// Flush pushes buffered records to disk.
func (l *Logger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	switch {
	case l.raw != nil:
		return l.raw.Flush()
	case l.w != nil:
		return l.w.Flush()
	}
	return nil
}

// Close flushes and closes the file. Only the first call does anything.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true

	var err error
	if l.raw != nil {
		err = multierr.Append(err, l.raw.Close())
	}
	if l.w != nil {
		err = multierr.Append(err, l.w.Flush())
	}
	if l.f != nil {
		err = multierr.Append(err, l.f.Close())
	}
	if l.insert != nil {
		err = multierr.Append(err, l.insert.Close())
	}
	if l.db != nil {
		err = multierr.Append(err, l.db.Close())
	}
	l.log.Info("datalogger: stopped",
		zap.String("path", l.path),
		zap.Uint64("records", l.records.Load()),
		zap.Uint64("errors", l.errors.Load()))
	return err
}

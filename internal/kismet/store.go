// Package kismet reads device sightings from Kismet SQLite capture logs.
package kismet

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	_ "modernc.org/sqlite"

	"github.com/ipsix/tailwatch/internal/capture"
	"github.com/ipsix/tailwatch/internal/logging"
)

const defaultQueryTimeout = 30 * time.Second

const selectDevices = `SELECT devmac, type, device, last_time FROM devices WHERE last_time >= ?`

// Store is a capture.Source over the most recently modified file matching a
// glob. It is owned by a single poll loop; the mutex only guards the handle
// swap against concurrent Path readers.
type Store struct {
	pattern string
	timeout time.Duration
	logger  *logging.Logger

	mu   sync.RWMutex
	db   *sql.DB
	path string
}

type Option func(*Store)

func WithQueryTimeout(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open resolves the freshest store for pattern and opens it read-only.
func Open(ctx context.Context, pattern string, opts ...Option) (*Store, error) {
	s := &Store{
		pattern: pattern,
		timeout: defaultQueryTimeout,
		logger:  logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	path, db, err := s.connect(ctx)
	if err != nil {
		return nil, err
	}
	s.db = db
	s.path = path
	s.logger.Info("pulling data from capture store", logging.F("path", path))
	return s, nil
}

// Latest returns the most recently modified regular file matching pattern.
// Patterns use doublestar syntax, so "**" crosses directories.
func Latest(pattern string) (string, error) {
	if strings.TrimSpace(pattern) == "" {
		return "", fmt.Errorf("%w: empty store pattern", capture.ErrSourceUnavailable)
	}
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return "", fmt.Errorf("%w: bad pattern %q: %w", capture.ErrSourceUnavailable, pattern, err)
	}
	var (
		newest   string
		newestAt time.Time
	)
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if newest == "" || info.ModTime().After(newestAt) {
			newest = m
			newestAt = info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("%w: no store matches %q", capture.ErrSourceUnavailable, pattern)
	}
	return newest, nil
}

func (s *Store) connect(ctx context.Context) (string, *sql.DB, error) {
	path, err := Latest(s.pattern)
	if err != nil {
		return "", nil, err
	}
	dsn, err := readOnlyDSN(path)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", capture.ErrSourceUnavailable, err)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return "", nil, fmt.Errorf("%w: open %s: %w", capture.ErrSourceUnavailable, path, err)
	}
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return "", nil, fmt.Errorf("%w: ping %s: %w", capture.ErrSourceUnavailable, path, err)
	}
	return path, db, nil
}

func readOnlyDSN(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	u := url.URL{
		Scheme:   "file",
		Path:     filepath.ToSlash(abs),
		RawQuery: "mode=ro&_pragma=busy_timeout(5000)",
	}
	return u.String(), nil
}

// Reconnect switches to the freshest store. The previous handle is kept when
// no store can be opened.
func (s *Store) Reconnect(ctx context.Context) error {
	path, db, err := s.connect(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	old := s.db
	s.db = db
	s.path = path
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	s.logger.Info("refreshed capture store connection", logging.F("path", path))
	return nil
}

// FetchSince returns sightings with last_time in [min, max], newest first.
// A zero max leaves the range open.
func (s *Store) FetchSince(ctx context.Context, min, max time.Time) ([]capture.Sighting, error) {
	s.mu.RLock()
	db := s.db
	s.mu.RUnlock()
	if db == nil {
		return nil, fmt.Errorf("%w: store closed", capture.ErrSourceUnavailable)
	}

	query := selectDevices
	args := []interface{}{min.Unix()}
	if !max.IsZero() {
		query += ` AND last_time <= ?`
		args = append(args, max.Unix())
	}
	query += ` ORDER BY last_time DESC`

	queryCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rows, err := db.QueryContext(queryCtx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", capture.ErrQuery, err)
	}
	defer rows.Close()

	out := []capture.Sighting{}
	for rows.Next() {
		var (
			mac      string
			kind     sql.NullString
			device   []byte
			lastTime int64
		)
		if err := rows.Scan(&mac, &kind, &device, &lastTime); err != nil {
			return nil, fmt.Errorf("%w: scan: %w", capture.ErrQuery, err)
		}
		out = append(out, capture.Sighting{
			Identifier: mac,
			Kind:       kind.String,
			LastSeen:   time.Unix(lastTime, 0),
			Metadata:   device,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", capture.ErrQuery, err)
	}
	return out, nil
}

func (s *Store) Path() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.path
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

var _ capture.Source = (*Store)(nil)

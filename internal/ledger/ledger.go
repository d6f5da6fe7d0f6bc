package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/Yufok1/Djinn-Council-Chat/internal/council"
	"github.com/Yufok1/Djinn-Council-Chat/internal/metrics"
)

// Ledger is the durable session log: one JSON object per line, append-only,
// never rewritten. Writes are serialized across concurrent sessions. An
// optional SQLite mirror indexes sessions for the status API; mirror failures
// never fail an append.
type Ledger struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	count  int64
	db     *sqlx.DB
	logger *zap.Logger
}

// record is one ledger line. The embedded session contributes the remaining
// audit fields.
type record struct {
	Timestamp time.Time `json:"timestamp"`
	*council.Session
}

// SessionSummary is a ledger index row for recent-session queries.
type SessionSummary struct {
	SessionID  string    `db:"session_id" json:"session_id"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
	Mode       string    `db:"mode" json:"mode"`
	Confidence float64   `db:"confidence" json:"confidence"`
	Divergence float64   `db:"divergence" json:"divergence"`
	AgentCount int       `db:"agent_count" json:"agent_count"`
	UserInput  string    `db:"user_input" json:"user_input"`
}

const schema = `
CREATE TABLE IF NOT EXISTS council_sessions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	mode TEXT NOT NULL DEFAULT '',
	confidence REAL NOT NULL DEFAULT 0,
	divergence REAL NOT NULL DEFAULT 0,
	agent_count INTEGER NOT NULL DEFAULT 0,
	user_input TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_council_sessions_created ON council_sessions(created_at);
`

// Open opens (or creates) the JSONL ledger at path and counts existing
// entries. db may be nil to disable the SQLite mirror.
func Open(path string, db *sqlx.DB, logger *zap.Logger) (*Ledger, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}

	count, err := countLines(path)
	if err != nil {
		return nil, fmt.Errorf("count ledger entries: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}

	l := &Ledger{file: file, path: path, count: count, db: db, logger: logger}
	if db != nil {
		if _, err := db.Exec(schema); err != nil {
			file.Close()
			return nil, fmt.Errorf("ensure ledger index schema: %w", err)
		}
	}

	logger.Info("session ledger open",
		zap.String("path", path),
		zap.Int64("entries", count),
		zap.Bool("indexed", db != nil),
	)
	return l, nil
}

func countLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	defer f.Close()

	var n int64
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			n++
		}
	}
	return n, sc.Err()
}

// Append writes one session as a single JSONL line. Exactly one line per
// session; the caller must not append the same session twice.
func (l *Ledger) Append(s *council.Session) error {
	line, err := json.Marshal(record{Timestamp: time.Now().UTC(), Session: s})
	if err != nil {
		metrics.LedgerAppends.WithLabelValues("error").Inc()
		return fmt.Errorf("marshal ledger record: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Write(append(line, '\n')); err != nil {
		metrics.LedgerAppends.WithLabelValues("error").Inc()
		return fmt.Errorf("append ledger record: %w", err)
	}
	l.count++
	metrics.LedgerAppends.WithLabelValues("success").Inc()

	if l.db != nil {
		l.mirror(s)
	}
	return nil
}

// mirror inserts an index row, best-effort.
func (l *Ledger) mirror(s *council.Session) {
	mode := ""
	confidence := 0.0
	divergence := 0.0
	if s.Outcome != nil {
		mode = string(s.Outcome.Method)
		confidence = s.Outcome.Confidence
		divergence = s.Outcome.Divergence
	}
	_, err := l.db.Exec(
		`INSERT INTO council_sessions (session_id, created_at, mode, confidence, divergence, agent_count, user_input)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.CreatedAt, mode, confidence, divergence, len(s.Results), truncate(s.UserInput, 200),
	)
	if err != nil {
		l.logger.Warn("ledger index insert failed", zap.String("session_id", s.ID), zap.Error(err))
	}
}

// Count returns the number of entries in the ledger.
func (l *Ledger) Count() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Recent returns up to n session summaries, newest first. With a mirror it
// queries the index; otherwise it scans the JSONL tail.
func (l *Ledger) Recent(n int) ([]SessionSummary, error) {
	if n <= 0 {
		return nil, nil
	}
	if l.db != nil {
		var rows []SessionSummary
		err := l.db.Select(&rows,
			`SELECT session_id, created_at, mode, confidence, divergence, agent_count, user_input
			 FROM council_sessions ORDER BY id DESC LIMIT ?`, n)
		if err != nil {
			return nil, fmt.Errorf("query recent sessions: %w", err)
		}
		return rows, nil
	}
	return l.recentFromFile(n)
}

func (l *Ledger) recentFromFile(n int) ([]SessionSummary, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ledger for read: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) > 0 {
			lines = append(lines, sc.Text())
			if len(lines) > n {
				lines = lines[1:]
			}
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan ledger: %w", err)
	}

	summaries := make([]SessionSummary, 0, len(lines))
	for i := len(lines) - 1; i >= 0; i-- {
		var rec record
		rec.Session = &council.Session{}
		if err := json.Unmarshal([]byte(lines[i]), &rec); err != nil {
			l.logger.Warn("skipping unreadable ledger line", zap.Error(err))
			continue
		}
		sum := SessionSummary{
			SessionID:  rec.ID,
			CreatedAt:  rec.CreatedAt,
			AgentCount: len(rec.Results),
			UserInput:  truncate(rec.UserInput, 200),
		}
		if rec.Outcome != nil {
			sum.Mode = string(rec.Outcome.Method)
			sum.Confidence = rec.Outcome.Confidence
			sum.Divergence = rec.Outcome.Divergence
		}
		summaries = append(summaries, sum)
	}
	return summaries, nil
}

// Close flushes and closes the ledger file. The mirror connection is owned by
// the caller.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

package memory

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Yufok1/Djinn-Council-Chat/internal/metrics"
)

const (
	historyFile = "conversation_history.jsonl"
	profileFile = "user_profile.json"
	summaryFile = "conversation_summary.json"

	// autoSummarizeThreshold is the in-memory turn count past which old
	// turns are folded into the summary.
	autoSummarizeThreshold = 50

	// keepRecentTurns survive an auto-summarize pass.
	keepRecentTurns = 30

	// contextTurns is how many recent turns the context block shows.
	contextTurns = 3
)

// FileStore keeps conversational memory on disk: an append-only JSONL history
// plus JSON profile and summary documents, mirrored in memory for reads.
type FileStore struct {
	mu        sync.Mutex
	dir       string
	turns     []Turn
	profile   Profile
	summary   Summary
	threshold int
	logger    *zap.Logger
}

// NewFileStore opens (or creates) the memory directory and loads prior state.
// maxTurns caps in-memory history; zero means the default threshold.
func NewFileStore(dir string, maxTurns int, logger *zap.Logger) (*FileStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory directory: %w", err)
	}
	if maxTurns <= 0 {
		maxTurns = autoSummarizeThreshold
	}

	fs := &FileStore{
		dir:       dir,
		threshold: maxTurns,
		profile:   Profile{CreatedAt: time.Now()},
		logger:    logger,
	}
	if err := fs.load(); err != nil {
		return nil, err
	}
	logger.Info("conversational memory loaded",
		zap.String("dir", dir),
		zap.Int("turns", len(fs.turns)),
		zap.Int("interactions", fs.profile.TotalInteractions),
	)
	return fs, nil
}

func (fs *FileStore) load() error {
	if f, err := os.Open(filepath.Join(fs.dir, historyFile)); err == nil {
		sc := bufio.NewScanner(f)
		sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for sc.Scan() {
			var turn Turn
			if err := json.Unmarshal(sc.Bytes(), &turn); err != nil {
				fs.logger.Warn("skipping unreadable memory turn", zap.Error(err))
				continue
			}
			fs.turns = append(fs.turns, turn)
		}
		f.Close()
		if err := sc.Err(); err != nil {
			return fmt.Errorf("scan memory history: %w", err)
		}
		if len(fs.turns) > fs.threshold {
			fs.turns = fs.turns[len(fs.turns)-fs.threshold:]
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("open memory history: %w", err)
	}

	if err := readJSON(filepath.Join(fs.dir, profileFile), &fs.profile); err != nil {
		fs.logger.Warn("user profile unreadable, starting fresh", zap.Error(err))
		fs.profile = Profile{CreatedAt: time.Now()}
	}
	if err := readJSON(filepath.Join(fs.dir, summaryFile), &fs.summary); err != nil {
		fs.logger.Warn("conversation summary unreadable, starting fresh", zap.Error(err))
		fs.summary = Summary{}
	}
	return nil
}

// Context renders the shared context block from current memory.
func (fs *FileStore) Context() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	recent := fs.turns
	if len(recent) > contextTurns {
		recent = recent[len(recent)-contextTurns:]
	}
	return buildContext(fs.profile, fs.summary, recent)
}

// RecordTurn persists one deliberation and updates the learned profile and
// summary. Old turns are folded into the summary past the threshold.
func (fs *FileStore) RecordTurn(turn Turn) error {
	if turn.ID == "" {
		turn.ID = uuid.NewString()[:8]
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.turns = append(fs.turns, turn)
	applyTurn(&fs.profile, &fs.summary, turn)

	if err := appendJSONLine(filepath.Join(fs.dir, historyFile), turn); err != nil {
		return fmt.Errorf("append memory turn: %w", err)
	}
	fs.persistDocsLocked()

	if len(fs.turns) > fs.threshold {
		old := fs.turns[:len(fs.turns)-keepRecentTurns]
		foldOldTurns(&fs.summary, old)
		fs.turns = fs.turns[len(fs.turns)-keepRecentTurns:]
		if err := fs.rewriteHistoryLocked(); err != nil {
			fs.logger.Warn("memory history rewrite failed", zap.Error(err))
		}
	}

	metrics.MemoryTurnsRecorded.Inc()
	return nil
}

// Stats reports memory counters.
func (fs *FileStore) Stats() Stats {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return Stats{
		Backend:       "file",
		TurnCount:     len(fs.turns),
		Interactions:  fs.profile.TotalInteractions,
		PreferredMode: fs.profile.PreferredMode,
		MainTopics:    append([]string(nil), fs.summary.MainTopics...),
	}
}

// Clear wipes history and summary; the profile survives when keepProfile is set.
func (fs *FileStore) Clear(keepProfile bool) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.turns = nil
	fs.summary = Summary{}
	if !keepProfile {
		fs.profile = Profile{CreatedAt: time.Now()}
	}

	if err := os.Remove(filepath.Join(fs.dir, historyFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear memory history: %w", err)
	}
	fs.persistDocsLocked()
	return nil
}

// Close is a no-op; files are opened per write.
func (fs *FileStore) Close() error { return nil }

func (fs *FileStore) persistDocsLocked() {
	if err := writeJSON(filepath.Join(fs.dir, profileFile), fs.profile); err != nil {
		fs.logger.Warn("profile save failed", zap.Error(err))
	}
	if err := writeJSON(filepath.Join(fs.dir, summaryFile), fs.summary); err != nil {
		fs.logger.Warn("summary save failed", zap.Error(err))
	}
}

func (fs *FileStore) rewriteHistoryLocked() error {
	tmp := filepath.Join(fs.dir, historyFile+".tmp")
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, turn := range fs.turns {
		if err := enc.Encode(turn); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(fs.dir, historyFile))
}

func appendJSONLine(path string, v interface{}) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	line, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return json.Unmarshal(data, v)
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Package errorlog writes one PipelineError row per failure event and
// mirrors it to a daily JSON-lines file, never propagating a write
// failure back to the orchestrator.
package errorlog

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yungbote/neurobridge-backend/internal/pipeline/classifier"
	types "github.com/yungbote/neurobridge-backend/internal/domain/pipeline"
	"github.com/yungbote/neurobridge-backend/internal/pkg/dbctx"
	"github.com/yungbote/neurobridge-backend/internal/pkg/logger"
)

// Repo is the persistence boundary for pipeline_error rows.
type Repo interface {
	Create(dbc dbctx.Context, row *types.PipelineError) (*types.PipelineError, error)
}

// Logger writes structured error rows to the relational store and
// mirrors them to a daily JSON-lines file under Dir. It never returns
// an error to callers: a persistence failure degrades to file-only
// logging plus a warning, and a file-write failure only warns.
type Logger struct {
	repo Repo
	log  *logger.Logger
	dir  string

	mu sync.Mutex
}

func New(repo Repo, baseLog *logger.Logger, dir string) *Logger {
	return &Logger{
		repo: repo,
		log:  baseLog.With("component", "ErrorLogger"),
		dir:  dir,
	}
}

// Entry is one failure event, recorded both as a PipelineError row and
// as one line in the daily log file.
type Entry struct {
	DocumentID     uuid.UUID
	StageName      string
	Classification classifier.Classification
	Message        string
	Stack          string
	RetryAttempt   int
	MaxRetries     int
	CorrelationID  string
}

// Log persists entry and returns the generated error id. It never
// throws through to the caller: a database failure is logged and the
// entry still reaches the daily file (unless the file write also
// fails, in which case only a warning is emitted).
func (l *Logger) Log(ctx context.Context, entry Entry) uuid.UUID {
	id := uuid.New()
	now := time.Now().UTC()

	row := &types.PipelineError{
		ID:            id,
		DocumentID:    entry.DocumentID,
		StageName:     entry.StageName,
		ErrorType:     string(entry.Classification.Category),
		Category:      string(entry.Classification.Category),
		Message:       entry.Message,
		Stack:         entry.Stack,
		RetryAttempt:  entry.RetryAttempt,
		MaxRetries:    entry.MaxRetries,
		Status:        types.PipelineErrorPending,
		CorrelationID: entry.CorrelationID,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if entry.Classification.IsTransient && entry.RetryAttempt < entry.MaxRetries {
		row.Status = types.PipelineErrorRetrying
	}

	if l.repo != nil {
		if _, err := l.repo.Create(dbctx.Context{Ctx: ctx}, row); err != nil {
			l.log.Warn("pipeline_error persist failed, degrading to file-only logging", "error", err, "document_id", entry.DocumentID, "stage", entry.StageName)
		}
	}

	l.writeFileLine(now, row)
	return id
}

func (l *Logger) writeFileLine(now time.Time, row *types.PipelineError) {
	if l.dir == "" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		l.log.Warn("failed to create error log directory", "error", err, "dir", l.dir)
		return
	}
	path := filepath.Join(l.dir, now.Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.log.Warn("failed to open daily error log file", "error", err, "path", path)
		return
	}
	defer f.Close()

	line, err := json.Marshal(row)
	if err != nil {
		l.log.Warn("failed to marshal pipeline error for file log", "error", err)
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		l.log.Warn("failed to append to daily error log file", "error", err, "path", path)
	}
}

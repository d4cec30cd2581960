package persist

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/flowstate/internal/engine"
	"github.com/rendis/flowstate/pkg/schema"
)

const stateFileExt = ".state"

// StatePersistence writes self-describing context snapshots for crash
// recovery. Files live under <dir>/<workflow_id>/ and are named
// {workflow_id}_{yyyymmdd_HHMMSS_fff}.state.
type StatePersistence struct {
	dir       string
	validator *schema.SnapshotValidator
	logger    *slog.Logger
}

// NewStatePersistence creates a persistence layer rooted at dir.
func NewStatePersistence(dir string, logger *slog.Logger) (*StatePersistence, error) {
	if dir == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "state directory is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	validator, err := schema.NewSnapshotValidator()
	if err != nil {
		return nil, err
	}
	return &StatePersistence{dir: dir, validator: validator, logger: logger}, nil
}

// Save writes a snapshot for the workflow and returns the file path.
func (p *StatePersistence) Save(workflowID string, snap *schema.ContextSnapshot) (string, error) {
	if workflowID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "workflow id is empty")
	}
	if snap == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "context snapshot is nil")
	}

	now := time.Now().UTC()
	record := schema.StateFileRecord{
		WorkflowID: workflowID,
		Timestamp:  now,
		Context:    *snap,
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "marshal state snapshot: %s", err.Error()).WithCause(err)
	}

	wfDir := filepath.Join(p.dir, workflowID)
	if err := os.MkdirAll(wfDir, 0o755); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "create state directory: %s", err.Error()).WithCause(err)
	}

	name := fmt.Sprintf("%s_%s_%03d",
		workflowID, now.Format("20060102_150405"), now.Nanosecond()/int(time.Millisecond))
	path, err := writeStateFile(wfDir, name, data)
	if err != nil {
		return "", err
	}

	p.logger.Debug("state snapshot saved",
		slog.String("workflow_id", workflowID), slog.String("path", path))
	return path, nil
}

// Load reads and validates a snapshot file. A missing file fails with
// NOT_FOUND; malformed content fails with INVALID_SNAPSHOT. Nothing is
// mutated on failure: callers receive a record or an error, never both.
func (p *StatePersistence) Load(path string) (*schema.StateFileRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "state snapshot %s not found", path)
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read state snapshot: %s", err.Error()).WithCause(err)
	}

	if err := p.validator.ValidateStateFile(data); err != nil {
		return nil, err
	}

	var record schema.StateFileRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidSnapshot,
			"decode state snapshot: %s", err.Error()).WithCause(err)
	}
	return &record, nil
}

// writeStateFile creates the snapshot exclusively so an existing file is
// never overwritten. A second save within the same millisecond collides on
// the timestamped name and gets a uniquifying suffix instead.
func writeStateFile(wfDir, name string, data []byte) (string, error) {
	path := filepath.Join(wfDir, name+stateFileExt)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		path = filepath.Join(wfDir, fmt.Sprintf("%s_%s%s", name, uuid.NewString()[:8], stateFileExt))
		f, err = os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	}
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "create state snapshot: %s", err.Error()).WithCause(err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return "", schema.NewErrorf(schema.ErrCodeStore, "write state snapshot: %s", err.Error()).WithCause(err)
	}
	if err := f.Close(); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "close state snapshot: %s", err.Error()).WithCause(err)
	}
	return path, nil
}

// LoadContext loads and validates a snapshot file and rebuilds the execution
// context it describes.
func (p *StatePersistence) LoadContext(path string, opts engine.ContextOptions) (*engine.ExecutionContext, error) {
	record, err := p.Load(path)
	if err != nil {
		return nil, err
	}
	return engine.FromSnapshot(&record.Context, opts)
}

// Latest returns the newest snapshot record for the workflow.
func (p *StatePersistence) Latest(workflowID string) (*schema.StateFileRecord, error) {
	files, err := p.List(workflowID)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"no state snapshots for workflow %s", workflowID)
	}
	return p.Load(files[0])
}

// List returns snapshot file paths for the workflow ordered by modification
// time, newest first.
func (p *StatePersistence) List(workflowID string) ([]string, error) {
	wfDir := filepath.Join(p.dir, workflowID)
	entries, err := os.ReadDir(wfDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list state snapshots: %s", err.Error()).WithCause(err)
	}

	type fileInfo struct {
		path    string
		modTime time.Time
	}
	var files []fileInfo
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), stateFileExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, fileInfo{
			path:    filepath.Join(wfDir, entry.Name()),
			modTime: info.ModTime(),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			// Filenames embed the timestamp, so the name breaks ties.
			return files[i].path > files[j].path
		}
		return files[i].modTime.After(files[j].modTime)
	})

	out := make([]string, len(files))
	for i, f := range files {
		out[i] = f.path
	}
	return out, nil
}

// Cleanup deletes all but the newest max snapshots for the workflow and
// returns the number removed.
func (p *StatePersistence) Cleanup(workflowID string, max int) (int, error) {
	if max < 0 {
		return 0, schema.NewErrorf(schema.ErrCodeValidation, "max must be >= 0, got %d", max)
	}
	files, err := p.List(workflowID)
	if err != nil {
		return 0, err
	}
	if len(files) <= max {
		return 0, nil
	}

	removed := 0
	for _, path := range files[max:] {
		if err := os.Remove(path); err != nil {
			p.logger.Warn("state snapshot cleanup failed",
				slog.String("path", path), slog.String("error", err.Error()))
			continue
		}
		removed++
	}
	return removed, nil
}

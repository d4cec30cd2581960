package persist

import (
	"encoding/json"
	"errors"
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

const checkpointExt = ".checkpoint"

// CheckpointManager persists named, metadata-bearing snapshots of a run for
// semantic bookmarking and resume. Checkpoints are immutable once written;
// the only mutation is deletion.
type CheckpointManager struct {
	dir       string
	validator *schema.SnapshotValidator
	logger    *slog.Logger
}

// NewCheckpointManager creates a manager rooted at dir.
func NewCheckpointManager(dir string, logger *slog.Logger) (*CheckpointManager, error) {
	if dir == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "checkpoint directory is empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	validator, err := schema.NewSnapshotValidator()
	if err != nil {
		return nil, err
	}
	return &CheckpointManager{dir: dir, validator: validator, logger: logger}, nil
}

// Create persists a checkpoint of the context snapshot plus caller-supplied
// metadata (e.g. the current action index) and returns the checkpoint ID.
// name is optional; named checkpoints can be looked up with GetByName.
func (m *CheckpointManager) Create(workflowID string, snap *schema.ContextSnapshot, customData map[string]any, name string) (string, error) {
	if workflowID == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "workflow id is empty")
	}
	if snap == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "context snapshot is nil")
	}

	record := schema.CheckpointRecord{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		Timestamp:  time.Now().UTC(),
		Data:       customData,
		Context:    *snap,
	}
	if name != "" {
		record.Name = &name
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "marshal checkpoint: %s", err.Error()).WithCause(err)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "create checkpoint directory: %s", err.Error()).WithCause(err)
	}
	path := m.path(record.ID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeStore, "write checkpoint: %s", err.Error()).WithCause(err)
	}

	m.logger.Debug("checkpoint created",
		slog.String("workflow_id", workflowID),
		slog.String("checkpoint_id", record.ID),
		slog.String("name", name))
	return record.ID, nil
}

// Get loads a checkpoint by ID. Missing checkpoints fail with NOT_FOUND;
// malformed files fail with INVALID_SNAPSHOT without partial effects.
func (m *CheckpointManager) Get(checkpointID string) (*schema.CheckpointRecord, error) {
	data, err := os.ReadFile(m.path(checkpointID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound, "checkpoint %s not found", checkpointID)
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "read checkpoint: %s", err.Error()).WithCause(err)
	}

	if err := m.validator.ValidateCheckpoint(data); err != nil {
		return nil, err
	}

	var record schema.CheckpointRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeInvalidSnapshot,
			"decode checkpoint: %s", err.Error()).WithCause(err)
	}
	return &record, nil
}

// Restore loads a checkpoint and rebuilds its execution context, returning
// the context together with the caller metadata stored at Create time.
func (m *CheckpointManager) Restore(checkpointID string, opts engine.ContextOptions) (*engine.ExecutionContext, map[string]any, error) {
	record, err := m.Get(checkpointID)
	if err != nil {
		return nil, nil, err
	}
	ec, err := engine.FromSnapshot(&record.Context, opts)
	if err != nil {
		return nil, nil, err
	}
	return ec, record.Data, nil
}

// GetByName returns the newest checkpoint with the given name for the
// workflow.
func (m *CheckpointManager) GetByName(workflowID, name string) (*schema.CheckpointRecord, error) {
	records, err := m.ListForWorkflow(workflowID)
	if err != nil {
		return nil, err
	}
	for _, r := range records {
		if r.Name != nil && *r.Name == name {
			return r, nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound,
		"no checkpoint named %q for workflow %s", name, workflowID)
}

// ListForWorkflow returns all checkpoints for the workflow, newest first.
// Unreadable files are skipped with a warning rather than failing the listing.
func (m *CheckpointManager) ListForWorkflow(workflowID string) ([]*schema.CheckpointRecord, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, schema.NewErrorf(schema.ErrCodeStore, "list checkpoints: %s", err.Error()).WithCause(err)
	}

	var records []*schema.CheckpointRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), checkpointExt) {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), checkpointExt)
		record, err := m.Get(id)
		if err != nil {
			m.logger.Warn("skipping unreadable checkpoint",
				slog.String("checkpoint_id", id), slog.String("error", err.Error()))
			continue
		}
		if record.WorkflowID == workflowID {
			records = append(records, record)
		}
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})
	return records, nil
}

// Delete removes a checkpoint by ID.
func (m *CheckpointManager) Delete(checkpointID string) error {
	if err := os.Remove(m.path(checkpointID)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return schema.NewErrorf(schema.ErrCodeNotFound, "checkpoint %s not found", checkpointID)
		}
		return schema.NewErrorf(schema.ErrCodeStore, "delete checkpoint: %s", err.Error()).WithCause(err)
	}
	return nil
}

func (m *CheckpointManager) path(checkpointID string) string {
	return filepath.Join(m.dir, checkpointID+checkpointExt)
}

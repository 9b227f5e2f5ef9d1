// Package file provides a file-backed persistence implementation. One JSON
// document per entity under a root directory, with an in-process mutex
// serializing the compare-and-swap operations. Suitable for local development
// and tests; production deployments use the postgresql package.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/arborworks/treeline/pkg/persistence"
)

const (
	dirDefinitions = "definitions"
	dirRuns        = "runs"
	dirRunNodes    = "run_nodes"
	dirFanOuts     = "fanout_groups"
	dirStreams     = "stream_events"
	dirArtifacts   = "artifacts"
	dirDecisions   = "routing_decisions"
	dirDiagnostics = "diagnostics"
	dirWorktrees   = "worktrees"
)

// Persistence implements persistence.Persistence on top of the file system.
type Persistence struct {
	store *store

	definitions *DefinitionRepository
	runs        *RunRepository
	runNodes    *RunNodeRepository
	fanOuts     *FanOutRepository
	streams     *StreamRepository
	attachments *AttachmentRepository
}

// NewPersistence creates a file persistence rooted at the given directory.
func NewPersistence(root string) *Persistence {
	cleanRoot := strings.Replace(root, "file://", "", 1)
	st := &store{root: cleanRoot}

	return &Persistence{
		store:       st,
		definitions: &DefinitionRepository{store: st},
		runs:        &RunRepository{store: st},
		runNodes:    &RunNodeRepository{store: st},
		fanOuts:     &FanOutRepository{store: st},
		streams:     &StreamRepository{store: st},
		attachments: &AttachmentRepository{store: st},
	}
}

func (p *Persistence) Definitions() persistence.DefinitionRepository { return p.definitions }
func (p *Persistence) Runs() persistence.RunRepository               { return p.runs }
func (p *Persistence) RunNodes() persistence.RunNodeRepository       { return p.runNodes }
func (p *Persistence) FanOuts() persistence.FanOutRepository         { return p.fanOuts }
func (p *Persistence) Streams() persistence.StreamRepository         { return p.streams }
func (p *Persistence) Attachments() persistence.AttachmentRepository { return p.attachments }

// HealthCheck verifies the root directory exists.
func (p *Persistence) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(p.store.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close performs any necessary cleanup. Nothing to do for files.
func (p *Persistence) Close(_ context.Context) error {
	return nil
}

// store serializes all mutations behind one mutex so conditional updates
// observe a consistent view. File persistence trades throughput for
// simplicity; it is not meant for concurrent production load.
type store struct {
	root string
	mu   sync.Mutex
}

func (s *store) path(dir, id string) string {
	return filepath.Join(s.root, dir, id+".json")
}

func (s *store) write(dir, id string, entity any) error {
	if err := os.MkdirAll(filepath.Join(s.root, dir), 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", dir, err)
	}

	data, err := json.MarshalIndent(entity, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", dir, id, err)
	}

	if err := os.WriteFile(s.path(dir, id), data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", dir, id, err)
	}

	return nil
}

// read decodes one entity; the notFound sentinel is returned when the file
// does not exist.
func (s *store) read(dir, id string, entity any, notFound error) error {
	data, err := os.ReadFile(s.path(dir, id))
	if err != nil {
		if os.IsNotExist(err) {
			return notFound
		}

		return fmt.Errorf("failed to read %s/%s: %w", dir, id, err)
	}

	if err := json.Unmarshal(data, entity); err != nil {
		return fmt.Errorf("failed to unmarshal %s/%s: %w", dir, id, err)
	}

	return nil
}

// readAll decodes every entity in a directory via the decode callback, which
// receives the raw document bytes.
func (s *store) readAll(dir string, decode func(data []byte) error) error {
	entries, err := os.ReadDir(filepath.Join(s.root, dir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("failed to list %s: %w", dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		data, err := os.ReadFile(filepath.Join(s.root, dir, entry.Name()))
		if err != nil {
			return fmt.Errorf("failed to read %s/%s: %w", dir, entry.Name(), err)
		}

		if err := decode(data); err != nil {
			return err
		}
	}

	return nil
}

// Package state implements the filesystem-backed plan store:
//
//	<storageRoot>/
//	  foreman.lock
//	  index.db
//	  <planId>/
//	    definition.json
//	    state.json
//	    specs/<nodeId>.json
//	    logs/<nodeId>/attempt-<n>.log
//
// All document writes are atomic (write-to-tmp + rename) and wrapped in a
// versioned, checksummed envelope.
package state

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/JeromySt/foreman/internal/core"
	"github.com/JeromySt/foreman/internal/logging"
)

// Compile-time interface conformance check.
var _ core.PlanStore = (*FileStore)(nil)

const (
	definitionFile = "definition.json"
	stateFile      = "state.json"
	specsDir       = "specs"
	logsDir        = "logs"
	lockFile       = "foreman.lock"

	envelopeVersion = 1
)

var planIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,127}$`)

// FileStore is the filesystem plan store. Single writer per plan; multiple
// plans write concurrently.
type FileStore struct {
	root   string
	logger *logging.Logger

	// flk guards the storage root against a second orchestrator process.
	flk *flock.Flock

	mu    sync.Mutex
	locks map[core.PlanID]*sync.Mutex
}

// NewFileStore opens (and creates if needed) a store at root and takes the
// storage-root lock.
func NewFileStore(root string, logger *logging.Logger) (*FileStore, error) {
	if logger == nil {
		logger = logging.NewNop()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, core.ErrIO("STORE_PATH", "resolving storage root").WithCause(err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, core.ErrIO("STORE_MKDIR", "creating storage root").WithCause(err)
	}

	flk := flock.New(filepath.Join(abs, lockFile))
	locked, err := flk.TryLock()
	if err != nil {
		return nil, core.ErrIO("STORE_LOCK", "acquiring storage lock").WithCause(err)
	}
	if !locked {
		return nil, core.ErrConflict(core.CodeLockHeld,
			fmt.Sprintf("storage root %s is locked by another orchestrator", abs))
	}

	return &FileStore{
		root:   abs,
		logger: logger,
		flk:    flk,
		locks:  make(map[core.PlanID]*sync.Mutex),
	}, nil
}

// Close releases the storage-root lock.
func (s *FileStore) Close() error {
	return s.flk.Unlock()
}

// Root returns the storage root path.
func (s *FileStore) Root() string {
	return s.root
}

// planLock returns the per-plan writer mutex.
func (s *FileStore) planLock(id core.PlanID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

func (s *FileStore) planDir(id core.PlanID) string {
	return filepath.Join(s.root, string(id))
}

func validatePlanID(id core.PlanID) error {
	if !planIDPattern.MatchString(string(id)) {
		return core.ErrValidation("INVALID_PLAN_ID",
			fmt.Sprintf("plan id %q is not filesystem safe", id))
	}
	return nil
}

// envelope wraps a persisted document with metadata.
type envelope struct {
	Version   int             `json:"version"`
	Checksum  string          `json:"checksum"`
	UpdatedAt time.Time       `json:"updated_at"`
	Payload   json.RawMessage `json:"payload"`
}

func sealEnvelope(payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, core.ErrInternal("MARSHAL", "marshaling payload").WithCause(err)
	}
	hash := sha256.Sum256(raw)
	env := envelope{
		Version:   envelopeVersion,
		Checksum:  hex.EncodeToString(hash[:]),
		UpdatedAt: time.Now(),
		Payload:   raw,
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return nil, core.ErrInternal("MARSHAL", "marshaling envelope").WithCause(err)
	}
	return data, nil
}

func openEnvelope(data []byte, out interface{}) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return core.ErrIO(core.CodeStateCorrupted, "parsing envelope").WithCause(err)
	}
	// The checksum covers the compact payload; the envelope on disk is
	// indented, so compact it back before hashing.
	var compact bytes.Buffer
	if err := json.Compact(&compact, env.Payload); err != nil {
		return core.ErrIO(core.CodeStateCorrupted, "parsing payload").WithCause(err)
	}
	hash := sha256.Sum256(compact.Bytes())
	if hex.EncodeToString(hash[:]) != env.Checksum {
		return core.ErrIO(core.CodeStateCorrupted, "envelope checksum mismatch")
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return core.ErrIO(core.CodeStateCorrupted, "parsing payload").WithCause(err)
	}
	return nil
}

// ListPlanIDs enumerates plan directories under the storage root.
func (s *FileStore) ListPlanIDs() ([]core.PlanID, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, core.ErrIO("STORE_READDIR", "listing storage root").WithCause(err)
	}
	var ids []core.PlanID
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, entry.Name(), definitionFile)); err != nil {
			continue
		}
		ids = append(ids, core.PlanID(entry.Name()))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// LoadDefinition reads a plan definition.
func (s *FileStore) LoadDefinition(id core.PlanID) (*core.PlanDefinition, error) {
	if err := validatePlanID(id); err != nil {
		return nil, err
	}
	path := filepath.Join(s.planDir(id), definitionFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrNotFound("plan", string(id))
		}
		return nil, core.ErrIO("STORE_READ", "reading definition").WithCause(err)
	}
	var def core.PlanDefinition
	if err := openEnvelope(data, &def); err != nil {
		return nil, err
	}
	return &def, nil
}

// SaveDefinition writes a plan definition atomically.
func (s *FileStore) SaveDefinition(id core.PlanID, def *core.PlanDefinition) error {
	if err := validatePlanID(id); err != nil {
		return err
	}
	lock := s.planLock(id)
	lock.Lock()
	defer lock.Unlock()

	dir := s.planDir(id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return core.ErrIO("STORE_MKDIR", "creating plan directory").WithCause(err)
	}
	data, err := sealEnvelope(def)
	if err != nil {
		return err
	}
	if err := atomicWriteFile(filepath.Join(dir, definitionFile), data, 0o600); err != nil {
		return core.ErrIO("STORE_WRITE", "writing definition").WithCause(err)
	}
	return nil
}

// LoadState reads a plan's state snapshot, or nil when none was saved yet.
func (s *FileStore) LoadState(id core.PlanID) (*core.StateSnapshot, error) {
	if err := validatePlanID(id); err != nil {
		return nil, err
	}
	path := filepath.Join(s.planDir(id), stateFile)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.ErrIO("STORE_READ", "reading state").WithCause(err)
	}
	var snap core.StateSnapshot
	if err := openEnvelope(data, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// SaveState bumps the snapshot's state version and writes it atomically.
func (s *FileStore) SaveState(id core.PlanID, snap *core.StateSnapshot) error {
	if err := validatePlanID(id); err != nil {
		return err
	}
	lock := s.planLock(id)
	lock.Lock()
	defer lock.Unlock()

	dir := s.planDir(id)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return core.ErrIO("STORE_MKDIR", "creating plan directory").WithCause(err)
	}

	snap.StateVersion++
	data, err := sealEnvelope(snap)
	if err != nil {
		snap.StateVersion--
		return err
	}
	if err := atomicWriteFile(filepath.Join(dir, stateFile), data, 0o600); err != nil {
		snap.StateVersion--
		return core.ErrIO("STORE_WRITE", "writing state").WithCause(err)
	}
	return nil
}

// SaveNodeSpec materializes a node's work spec under specs/.
func (s *FileStore) SaveNodeSpec(id core.PlanID, node core.NodeID, spec *core.WorkSpec) error {
	if err := validatePlanID(id); err != nil {
		return err
	}
	dir := filepath.Join(s.planDir(id), specsDir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return core.ErrIO("STORE_MKDIR", "creating specs directory").WithCause(err)
	}
	data, err := json.MarshalIndent(spec, "", "  ")
	if err != nil {
		return core.ErrInternal("MARSHAL", "marshaling node spec").WithCause(err)
	}
	path := filepath.Join(dir, string(node)+".json")
	if err := atomicWriteFile(path, data, 0o600); err != nil {
		return core.ErrIO("STORE_WRITE", "writing node spec").WithCause(err)
	}
	return nil
}

func (s *FileStore) logPath(id core.PlanID, node core.NodeID, attempt int) string {
	return filepath.Join(s.planDir(id), logsDir, string(node),
		"attempt-"+strconv.Itoa(attempt)+".log")
}

// AppendLog appends bytes to a node's attempt log.
func (s *FileStore) AppendLog(id core.PlanID, node core.NodeID, attempt int, data []byte) error {
	if err := validatePlanID(id); err != nil {
		return err
	}
	path := s.logPath(id, node, attempt)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return core.ErrIO("STORE_MKDIR", "creating log directory").WithCause(err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return core.ErrIO("STORE_LOG", "opening attempt log").WithCause(err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return core.ErrIO("STORE_LOG", "appending attempt log").WithCause(err)
	}
	return nil
}

// ReadLog returns the contents of a node's attempt log.
func (s *FileStore) ReadLog(id core.PlanID, node core.NodeID, attempt int) ([]byte, error) {
	if err := validatePlanID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.logPath(id, node, attempt))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.ErrNotFound("attempt log",
				fmt.Sprintf("%s/%s/attempt-%d", id, node, attempt))
		}
		return nil, core.ErrIO("STORE_LOG", "reading attempt log").WithCause(err)
	}
	return data, nil
}

// Delete removes a plan's artifacts recursively. Idempotent.
func (s *FileStore) Delete(id core.PlanID) error {
	if err := validatePlanID(id); err != nil {
		return err
	}
	lock := s.planLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := os.RemoveAll(s.planDir(id)); err != nil {
		return core.ErrIO("STORE_DELETE", "removing plan directory").WithCause(err)
	}
	return nil
}

// StatePath returns the on-disk path of a plan's state document. The
// watcher uses it to map filesystem events back to plan ids.
func (s *FileStore) StatePath(id core.PlanID) string {
	return filepath.Join(s.planDir(id), stateFile)
}

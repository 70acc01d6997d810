package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"
	"gopkg.in/yaml.v3"
)

type (
	// FileStore is the file-backed Store implementation. All full-file
	// writes go through write-temp-then-rename on the same filesystem; job
	// output logs are pure appends.
	FileStore struct {
		dir string
		now func() time.Time

		// mu serializes state.yaml read-modify-write cycles and job
		// metadata updates.
		mu sync.Mutex
		// seqMu guards the per-job output sequence cache and serializes
		// appends.
		seqMu sync.Mutex
		seqs  map[string]int
	}

	// FileStoreOption customizes a FileStore.
	FileStoreOption func(*FileStore)
)

// DefaultDirName is the conventional state directory name.
const DefaultDirName = ".herdctl"

// StateDirEnv overrides the default state directory location.
const StateDirEnv = "HERDCTL_STATE_DIR"

var identRE = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// isValidIdentifier reports whether id is safe to use as a single path
// component: alphanumeric start, then alphanumerics, hyphens, underscores.
func isValidIdentifier(id string) bool { return identRE.MatchString(id) }

// WithClock injects the time source used for job IDs and timestamps.
func WithClock(now func() time.Time) FileStoreOption {
	return func(s *FileStore) { s.now = now }
}

// DefaultDir resolves the state directory: StateDirEnv when set, otherwise
// DefaultDirName relative to the working directory.
func DefaultDir() string {
	if dir := os.Getenv(StateDirEnv); dir != "" {
		return dir
	}
	return DefaultDirName
}

// NewFileStore opens (creating if needed) the state directory layout rooted
// at dir.
func NewFileStore(dir string, opts ...FileStoreOption) (*FileStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve state dir %s: %w", dir, err)
	}
	s := &FileStore{dir: abs, now: time.Now, seqs: make(map[string]int)}
	for _, opt := range opts {
		opt(s)
	}
	for _, sub := range []string{"", "jobs", "sessions"} {
		if err := os.MkdirAll(filepath.Join(abs, sub), 0o755); err != nil {
			return nil, &IoError{Op: "mkdir", Path: filepath.Join(abs, sub), Err: err}
		}
	}
	return s, nil
}

// Dir returns the absolute state directory.
func (s *FileStore) Dir() string { return s.dir }

// CreateJob implements Store.
func (s *FileStore) CreateJob(ctx context.Context, meta Job) (Job, error) {
	now := s.now().UTC()
	meta.CreatedAt = now
	if meta.Status == "" {
		meta.Status = JobPending
	}
	for attempt := 0; attempt < 5; attempt++ {
		id, err := newJobID(now)
		if err != nil {
			return Job{}, err
		}
		path, err := s.jobMetaPath(id)
		if err != nil {
			return Job{}, err
		}
		if _, err := os.Stat(path); err == nil {
			continue // id collision, mint again
		}
		meta.ID = id
		if err := s.writeYAML(path, meta); err != nil {
			return Job{}, err
		}
		return meta, nil
	}
	return Job{}, errors.New("could not mint a unique job id")
}

// GetJob implements Store.
func (s *FileStore) GetJob(ctx context.Context, id string) (Job, error) {
	path, err := s.jobMetaPath(id)
	if err != nil {
		return Job{}, err
	}
	var job Job
	ok, err := readYAMLStrict(path, &job)
	if err != nil {
		return Job{}, err
	}
	if !ok {
		return Job{}, fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	}
	return job, nil
}

// ErrInvalidTransition indicates a job patch attempted a status change the
// state machine forbids (terminal states are write-once).
var ErrInvalidTransition = errors.New("invalid job status transition")

// UpdateJob implements Store.
func (s *FileStore) UpdateJob(ctx context.Context, id string, patch JobPatch) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if patch.Status != nil && !CanTransition(job.Status, *patch.Status) {
		return Job{}, fmt.Errorf("job %s: %s -> %s: %w", id, job.Status, *patch.Status, ErrInvalidTransition)
	}
	if patch.Status != nil {
		job.Status = *patch.Status
	}
	if patch.StartedAt != nil {
		job.StartedAt = patch.StartedAt
	}
	if patch.CompletedAt != nil {
		job.CompletedAt = patch.CompletedAt
	}
	if patch.ExitReason != nil {
		job.ExitReason = *patch.ExitReason
	}
	if patch.Error != nil {
		job.Error = patch.Error
	}
	if patch.SessionID != nil {
		job.SessionID = *patch.SessionID
	}
	if patch.Result != nil {
		job.Result = patch.Result
	}
	if patch.Termination != nil {
		job.Termination = *patch.Termination
	}
	path, err := s.jobMetaPath(id)
	if err != nil {
		return Job{}, err
	}
	if err := s.writeYAML(path, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// ListJobs implements Store. Jobs sort newest first; corrupt metadata files
// are logged and skipped.
func (s *FileStore) ListJobs(ctx context.Context, filter JobFilter, limit, offset int) (JobPage, error) {
	dir := filepath.Join(s.dir, "jobs")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return JobPage{}, nil
		}
		return JobPage{}, &IoError{Op: "readdir", Path: dir, Err: err}
	}
	var jobs []Job
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".yaml") {
			continue
		}
		var job Job
		ok, err := readYAMLStrict(filepath.Join(dir, e.Name()), &job)
		if err != nil || !ok {
			log.Info(ctx, log.KV{K: "msg", V: "skipping unreadable job metadata"}, log.KV{K: "file", V: e.Name()})
			continue
		}
		if !filter.matches(job) {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
		}
		return jobs[i].ID > jobs[j].ID
	})
	total := len(jobs)
	if offset > len(jobs) {
		offset = len(jobs)
	}
	jobs = jobs[offset:]
	if limit > 0 && limit < len(jobs) {
		jobs = jobs[:limit]
	}
	return JobPage{Jobs: jobs, Total: total}, nil
}

func (f JobFilter) matches(j Job) bool {
	if f.Agent != "" && j.Agent != f.Agent {
		return false
	}
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.TriggerType != "" && j.TriggerType != f.TriggerType {
		return false
	}
	return true
}

// ReadFleetState implements Store. Absent or corrupt files yield defaults.
func (s *FileStore) ReadFleetState(ctx context.Context) (FleetState, error) {
	var fs FleetState
	ok := s.readYAMLRecover(ctx, s.statePath(), &fs)
	if !ok {
		fs = FleetState{Version: 1, Fleet: FleetInfo{Status: FleetPending}}
	}
	if fs.Version == 0 {
		fs.Version = 1
	}
	return fs, nil
}

// WriteFleetState implements Store.
func (s *FileStore) WriteFleetState(ctx context.Context, fs FleetState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	fs.Version = 1
	return s.writeYAML(s.statePath(), fs)
}

// ReadScheduleState implements Store.
func (s *FileStore) ReadScheduleState(ctx context.Context, agent, name string) (ScheduleState, bool, error) {
	fs, err := s.ReadFleetState(ctx)
	if err != nil {
		return ScheduleState{}, false, err
	}
	for _, ss := range fs.Schedules {
		if ss.Agent == agent && ss.Name == name {
			return ss, true, nil
		}
	}
	return ScheduleState{}, false, nil
}

// WriteScheduleState implements Store. The schedule list lives inside
// state.yaml, so upserts are a locked read-modify-write.
func (s *FileStore) WriteScheduleState(ctx context.Context, ss ScheduleState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fs FleetState
	if !s.readYAMLRecover(ctx, s.statePath(), &fs) {
		fs = FleetState{Version: 1, Fleet: FleetInfo{Status: FleetPending}}
	}
	replaced := false
	for i := range fs.Schedules {
		if fs.Schedules[i].Agent == ss.Agent && fs.Schedules[i].Name == ss.Name {
			fs.Schedules[i] = ss
			replaced = true
			break
		}
	}
	if !replaced {
		fs.Schedules = append(fs.Schedules, ss)
		sort.Slice(fs.Schedules, func(i, j int) bool {
			a, b := fs.Schedules[i], fs.Schedules[j]
			if a.Agent != b.Agent {
				return a.Agent < b.Agent
			}
			return a.Name < b.Name
		})
	}
	fs.Version = 1
	return s.writeYAML(s.statePath(), fs)
}

// PruneScheduleStates implements Store.
func (s *FileStore) PruneScheduleStates(ctx context.Context, keep map[ScheduleKey]bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var fs FleetState
	if !s.readYAMLRecover(ctx, s.statePath(), &fs) {
		return nil
	}
	kept := fs.Schedules[:0]
	for _, ss := range fs.Schedules {
		if keep[ScheduleKey{Agent: ss.Agent, Name: ss.Name}] {
			kept = append(kept, ss)
		}
	}
	if len(kept) == len(fs.Schedules) {
		return nil
	}
	fs.Schedules = kept
	return s.writeYAML(s.statePath(), fs)
}

// ReadSession implements Store.
func (s *FileStore) ReadSession(ctx context.Context, agent, channelKey string) (Session, error) {
	path, err := s.sessionPath(agent)
	if err != nil {
		return Session{}, err
	}
	sessions := map[string]Session{}
	if !s.readJSONRecover(ctx, path, &sessions) {
		return Session{}, fmt.Errorf("agent %s channel %s: %w", agent, channelKey, ErrSessionNotFound)
	}
	sess, ok := sessions[channelKey]
	if !ok {
		return Session{}, fmt.Errorf("agent %s channel %s: %w", agent, channelKey, ErrSessionNotFound)
	}
	return sess, nil
}

// WriteSession implements Store.
func (s *FileStore) WriteSession(ctx context.Context, agent string, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.sessionPath(agent)
	if err != nil {
		return err
	}
	sessions := map[string]Session{}
	s.readJSONRecover(ctx, path, &sessions)
	sessions[sess.ChannelKey] = sess
	return s.writeJSON(path, sessions)
}

// ClearSession implements Store.
func (s *FileStore) ClearSession(ctx context.Context, agent, channelKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path, err := s.sessionPath(agent)
	if err != nil {
		return err
	}
	sessions := map[string]Session{}
	if !s.readJSONRecover(ctx, path, &sessions) {
		return nil
	}
	if _, ok := sessions[channelKey]; !ok {
		return nil
	}
	delete(sessions, channelKey)
	return s.writeJSON(path, sessions)
}

// --- paths ---

func (s *FileStore) statePath() string { return filepath.Join(s.dir, "state.yaml") }

func (s *FileStore) jobMetaPath(id string) (string, error) {
	return s.safePath("jobs", id, id+".yaml")
}

func (s *FileStore) jobOutputPath(id string) (string, error) {
	return s.safePath("jobs", id, id+".jsonl")
}

// sessionPath maps a qualified agent name to its session file. Qualified
// names contain dots, so each dot-separated segment is validated as a path
// component rather than the whole name.
func (s *FileStore) sessionPath(agent string) (string, error) {
	for _, seg := range strings.Split(agent, ".") {
		if !isValidIdentifier(seg) {
			return "", &PathTraversalError{Base: s.dir, ID: agent}
		}
	}
	return s.containedPath("sessions", agent+".json")
}

// safePath validates id as a single identifier and joins it (and the final
// file name derived from it) under the base subdirectory.
func (s *FileStore) safePath(sub, id, file string) (string, error) {
	if !isValidIdentifier(id) {
		return "", &PathTraversalError{Base: s.dir, ID: id}
	}
	return s.containedPath(sub, file)
}

// containedPath joins parts under the state dir and verifies the resolved
// absolute path still starts with the resolved base directory.
func (s *FileStore) containedPath(parts ...string) (string, error) {
	p := filepath.Join(append([]string{s.dir}, parts...)...)
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", &IoError{Op: "abs", Path: p, Err: err}
	}
	if abs != s.dir && !strings.HasPrefix(abs, s.dir+string(filepath.Separator)) {
		return "", &PathTraversalError{Base: s.dir, ID: strings.Join(parts, "/")}
	}
	return abs, nil
}

// --- file primitives ---

// writeAtomic writes data to path via a temp file in the same directory,
// fsyncs it, and renames it into place.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return &IoError{Op: "create", Path: dir, Err: err}
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return &IoError{Op: "write", Path: tmp.Name(), Err: err}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return &IoError{Op: "sync", Path: tmp.Name(), Err: err}
	}
	if err := tmp.Close(); err != nil {
		return &IoError{Op: "close", Path: tmp.Name(), Err: err}
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return &IoError{Op: "rename", Path: path, Err: err}
	}
	return nil
}

func (s *FileStore) writeYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return &IoError{Op: "mkdir", Path: filepath.Dir(path), Err: err}
	}
	return writeAtomic(path, data)
}

// readYAMLStrict reads a YAML file. It reports (false, nil) when the file is
// absent and surfaces decode failures to the caller.
func readYAMLStrict(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, &IoError{Op: "read", Path: path, Err: err}
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return false, &IoError{Op: "decode", Path: path, Err: err}
	}
	return true, nil
}

// readYAMLRecover reads a YAML file, treating absence and corruption alike:
// corruption is logged and the caller proceeds with defaults.
func (s *FileStore) readYAMLRecover(ctx context.Context, path string, v any) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		log.Info(ctx, log.KV{K: "msg", V: "corrupt state file, using defaults"},
			log.KV{K: "path", V: path}, log.KV{K: "err", V: err.Error()})
		return false
	}
	return true
}

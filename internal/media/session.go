package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"sync"
	"time"

	"github.com/bobarin/storyreel/internal/metrics"
	"github.com/shirou/gopsutil/v3/process"
)

// Session scopes the resources of one composition run: temp files, encoder
// processes and anything registered through Track. Close releases them in
// reverse creation order and then makes sure no process started by the
// session is still alive.
type Session struct {
	label      string
	dir        string
	ffmpegBin  string
	ffprobeBin string
	grace      time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics

	mu        sync.Mutex
	resources []resource
	live      map[int]*exec.Cmd
	spawned   []int
	closed    bool
}

type resource struct {
	name    string
	release func() error
}

var ErrSessionClosed = errors.New("media session closed")

var unsafeLabel = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// NewSession creates a session with its own scratch directory under the temp dir.
func (f *FFmpeg) NewSession(label string) (*Session, error) {
	prefix := unsafeLabel.ReplaceAllString(label, "_")
	if prefix == "" {
		prefix = "session"
	}

	dir, err := os.MkdirTemp(f.tempDir, prefix+"_")
	if err != nil {
		return nil, fmt.Errorf("failed to create session dir: %w", err)
	}

	s := &Session{
		label:      label,
		dir:        dir,
		ffmpegBin:  f.ffmpegBin,
		ffprobeBin: f.ffprobeBin,
		grace:      f.grace,
		logger:     f.logger.With("session", label),
		metrics:    f.metrics,
		live:       make(map[int]*exec.Cmd),
	}
	s.logger.Debug("media session opened", "dir", dir)
	return s, nil
}

func (s *Session) Dir() string {
	return s.dir
}

// Track registers a resource to be released when the session closes.
func (s *Session) Track(name string, release func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		if err := release(); err != nil {
			s.logger.Warn("release after close failed", "resource", name, "error", err)
		}
		return
	}
	s.resources = append(s.resources, resource{name: name, release: release})
}

// TempFile returns a path inside the session dir and tracks its removal.
func (s *Session) TempFile(name string) (string, error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", ErrSessionClosed
	}

	path := filepath.Join(s.dir, filepath.Base(name))
	s.Track("file "+filepath.Base(name), func() error {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		return nil
	})
	return path, nil
}

// Encode runs ffmpeg with the given arguments as an owned child process.
func (s *Session) Encode(ctx context.Context, args ...string) error {
	full := append([]string{"-hide_banner", "-loglevel", "error", "-nostdin"}, args...)
	_, err := s.exec(ctx, s.ffmpegBin, full...)
	if err != nil {
		return fmt.Errorf("ffmpeg encode failed: %w", err)
	}
	return nil
}

// Probe runs ffprobe as an owned child process.
func (s *Session) Probe(ctx context.Context, path string) (Info, error) {
	out, err := s.exec(ctx, s.ffprobeBin, probeArgs(path)...)
	if err != nil {
		return Info{}, fmt.Errorf("ffprobe %s failed: %w", path, err)
	}
	return parseProbe(out)
}

// Exec runs an arbitrary binary under the session's process ownership and
// returns its stdout.
func (s *Session) Exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	return s.exec(ctx, name, args...)
}

type stdoutBuffer struct {
	buf []byte
}

func (b *stdoutBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (s *Session) exec(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	ownProcessGroup(cmd)
	cmd.Cancel = func() error {
		return terminateGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = s.grace

	var stdout stdoutBuffer
	stderr := &tailBuffer{n: stderrTailBytes}
	cmd.Stdout = &stdout
	cmd.Stderr = stderr

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	pid := cmd.Process.Pid
	s.live[pid] = cmd
	s.spawned = append(s.spawned, pid)
	s.mu.Unlock()

	s.logger.Debug("started child process", "pid", pid, "bin", filepath.Base(name))

	err := cmd.Wait()

	s.mu.Lock()
	delete(s.live, pid)
	s.mu.Unlock()

	if err != nil {
		if tail := stderr.String(); tail != "" {
			return nil, fmt.Errorf("%w: %s", err, tail)
		}
		return nil, err
	}
	return stdout.buf, nil
}

// Close releases every tracked resource, newest first, then terminates any
// process group the session started that still has members. It is safe to
// call more than once; only the first call does any work.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	resources := s.resources
	s.resources = nil
	spawned := append([]int(nil), s.spawned...)
	live := make([]int, 0, len(s.live))
	for pid := range s.live {
		live = append(live, pid)
	}
	s.mu.Unlock()

	var errs []error
	for i := len(resources) - 1; i >= 0; i-- {
		r := resources[i]
		if err := r.release(); err != nil {
			s.logger.Warn("failed to release resource", "resource", r.name, "error", err)
			errs = append(errs, fmt.Errorf("release %s: %w", r.name, err))
		}
	}

	for _, pid := range live {
		s.logger.Warn("encoder still running at close", "pid", pid)
	}

	runtime.GC()

	reaped := s.reap(spawned)
	if reaped > 0 {
		s.logger.Warn("terminated lingering encoder processes", "count", reaped)
		s.metrics.ProcessesReaped(reaped)
	}

	if err := os.RemoveAll(s.dir); err != nil {
		errs = append(errs, fmt.Errorf("remove session dir: %w", err))
	}

	s.logger.Debug("media session closed", "spawned", len(spawned))
	return errors.Join(errs...)
}

// reap terminates what is left of the process groups started by this
// session. Direct children are checked through gopsutil so a pid that was
// already waited on is not signalled again.
func (s *Session) reap(spawned []int) int {
	if len(spawned) == 0 {
		return 0
	}

	pending := make(map[int]bool, len(spawned))
	for _, pgid := range spawned {
		if groupAlive(pgid) {
			pending[pgid] = true
		}
	}
	for _, child := range ownChildren() {
		for _, pid := range spawned {
			if int(child.Pid) == pid && processRunning(child) {
				pending[pid] = true
			}
		}
	}
	if len(pending) == 0 {
		return 0
	}

	for pgid := range pending {
		if err := terminateGroup(pgid); err != nil {
			s.logger.Debug("terminate group failed", "pgid", pgid, "error", err)
		}
	}

	deadline := time.Now().Add(s.grace)
	for time.Now().Before(deadline) {
		alive := false
		for pgid := range pending {
			if groupAlive(pgid) {
				alive = true
				break
			}
		}
		if !alive {
			return len(pending)
		}
		time.Sleep(50 * time.Millisecond)
	}

	for pgid := range pending {
		if err := killGroup(pgid); err != nil {
			s.logger.Debug("kill group failed", "pgid", pgid, "error", err)
		}
	}
	return len(pending)
}

func ownChildren() []*process.Process {
	self, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil
	}
	children, err := self.Children()
	if err != nil {
		return nil
	}
	return children
}

// processRunning treats zombies as gone; they hold no encoder resources.
func processRunning(p *process.Process) bool {
	statuses, err := p.Status()
	if err != nil {
		return false
	}
	for _, st := range statuses {
		if st == process.Zombie {
			return false
		}
	}
	return true
}

package supervisor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/allenai/objaverse-rendering/internal/tracing"
	"github.com/allenai/objaverse-rendering/internal/worker"
)

// ProcessLauncher runs each worker as its own OS process group, pinned to
// its GPU, with output appended to <LogDir>/worker-<i>.log.
type ProcessLauncher struct {
	Path   string
	Args   func(Slot) []string
	LogDir string
	// Env is added to the parent environment for every worker.
	Env []string
}

// NewWorkerLauncher re-executes exe as "worker" for each slot.
func NewWorkerLauncher(exe, configPath, logDir string) *ProcessLauncher {
	return &ProcessLauncher{
		Path:   exe,
		LogDir: logDir,
		Args: func(s Slot) []string {
			args := []string{"worker", "--index", strconv.Itoa(s.Index), "--gpu", strconv.Itoa(s.GPU)}
			if configPath != "" {
				args = append(args, "--config", configPath)
			}
			return args
		},
	}
}

// LogPath is worker i's log file.
func LogPath(dir string, index int) string {
	return filepath.Join(dir, fmt.Sprintf("worker-%d.log", index))
}

func (l *ProcessLauncher) Launch(ctx context.Context, slot Slot) (Handle, error) {
	if err := os.MkdirAll(l.LogDir, 0755); err != nil {
		return nil, err
	}
	logFile, err := os.OpenFile(LogPath(l.LogDir, slot.Index), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	var args []string
	if l.Args != nil {
		args = l.Args(slot)
	}
	cmd := exec.Command(l.Path, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env, worker.GPUEnv(slot.GPU)...)
	if tp := tracing.TraceParent(ctx); tp != "" {
		cmd.Env = append(cmd.Env, tracing.EnvTraceParent+"="+tp)
	}
	configureProcess(cmd)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, err
	}

	h := &procHandle{cmd: cmd, log: logFile, done: make(chan struct{})}
	go h.reap()
	return h, nil
}

type procHandle struct {
	cmd  *exec.Cmd
	log  *os.File
	done chan struct{}

	once sync.Once
	err  error
}

func (h *procHandle) reap() {
	h.err = h.cmd.Wait()
	h.log.Close()
	close(h.done)
}

func (h *procHandle) Wait() error {
	<-h.done
	return h.err
}

func (h *procHandle) Terminate(grace time.Duration) {
	h.once.Do(func() {
		select {
		case <-h.done:
			return
		default:
		}
		signalGroup(h.cmd, false)
		if grace > 0 {
			t := time.NewTimer(grace)
			defer t.Stop()
			select {
			case <-h.done:
				return
			case <-t.C:
			}
		}
		signalGroup(h.cmd, true)
		<-h.done
	})
}

// FuncLauncher runs workers as goroutines in this process. Run must return
// once its context is cancelled.
type FuncLauncher struct {
	Run func(ctx context.Context, slot Slot) error
}

func (l *FuncLauncher) Launch(ctx context.Context, slot Slot) (Handle, error) {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &funcHandle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		defer func() {
			if p := recover(); p != nil {
				h.err = fmt.Errorf("worker %d panicked: %v", slot.Index, p)
			}
		}()
		h.err = l.Run(wctx, slot)
	}()
	return h, nil
}

type funcHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (h *funcHandle) Wait() error {
	<-h.done
	return h.err
}

// Terminate cancels the worker's context. A goroutine cannot be killed, so
// after grace the worker is abandoned.
func (h *funcHandle) Terminate(grace time.Duration) {
	h.cancel()
	if grace <= 0 {
		return
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-h.done:
	case <-t.C:
	}
}

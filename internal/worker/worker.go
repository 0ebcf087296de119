package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"grimm.is/pftablesd/internal/logging"
)

// Spec describes the pair of command lines used to load and save
// rules for one address family.
type Spec struct {
	LoadCmd []string
	SaveCmd []string
}

// DefaultSpecs returns the standard iptables/ip6tables invocations,
// matching the original daemon's WORKERS table.
func DefaultSpecs() map[string]Spec {
	return map[string]Spec{
		"ipv4": {
			LoadCmd: []string{"/sbin/iptables-save"},
			SaveCmd: []string{"/sbin/iptables-restore", "-n"},
		},
		"ipv6": {
			LoadCmd: []string{"/sbin/ip6tables-save"},
			SaveCmd: []string{"/sbin/ip6tables-restore", "-n"},
		},
	}
}

// Worker owns the load/save subprocess lifecycle for one address
// family. A Worker never touches the rule cache directly: Load
// returns raw dump lines and Save returns the lines it actually
// committed, leaving parsing to the ruletables package so the two
// concerns stay independently testable.
type Worker struct {
	mode string
	spec Spec

	runner CommandRunner
	retry  RetryConfig
	log    *logging.Logger

	mu      sync.Mutex
	proc    *pipeProcess
	loaded  bool
	lineNum int
}

// New constructs a Worker for the given mode ("ipv4"/"ipv6").
func New(mode string, spec Spec, runner CommandRunner, log *logging.Logger) *Worker {
	if runner == nil {
		runner = DefaultCommandRunner
	}
	return &Worker{
		mode:   mode,
		spec:   spec,
		runner: runner,
		retry:  DefaultRetryConfig(),
		log:    log.WithComponent("worker." + mode),
	}
}

// Load runs the load utility (iptables-save) and returns its output
// split into lines, retrying every failed run (a spawn failure or a
// non-zero exit alike) with backoff.
func (w *Worker) Load(ctx context.Context) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.spec.LoadCmd) == 0 {
		return nil, fmt.Errorf("worker(%s): no load command configured", w.mode)
	}

	w.log.Debug("loading", "cmd", w.spec.LoadCmd[0])

	var out []byte
	err := Retry(ctx, w.retry, func() error {
		var e error
		out, e = w.runner.Output(ctx, w.spec.LoadCmd[0], w.spec.LoadCmd[1:]...)
		return e
	})
	if err != nil {
		return nil, fmt.Errorf("worker(%s): load: %w", w.mode, err)
	}

	w.loaded = true
	return splitLines(string(out)), nil
}

// start lazily spawns the long-lived restore-utility process if it
// is not already running. Must be called with w.mu held.
func (w *Worker) start() error {
	if w.proc != nil {
		return nil
	}
	if len(w.spec.SaveCmd) == 0 {
		return fmt.Errorf("worker(%s): no save command configured", w.mode)
	}

	w.log.Debug("starting restore process", "cmd", w.spec.SaveCmd[0])

	proc, err := startPipeProcess(w.spec.SaveCmd[0], w.spec.SaveCmd[1:]...)
	if err != nil {
		return fmt.Errorf("worker(%s): start: %w", w.mode, err)
	}
	w.proc = proc
	return nil
}

// Save writes tables (table name -> its rule-tail lines, already in
// iptables-restore block form) to the restore utility and commits
// them. The lines actually written (including the "*table"/":chain"
// headers and "COMMIT" markers) are returned so the caller can fold
// them back into the cache with Cache.Load(family, lines, reloading=false) —
// the delta just committed, not a full resync.
func (w *Worker) Save(ctx context.Context, tables map[string][]string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.start(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(tables))
	for name := range tables {
		names = append(names, name)
	}
	sort.Strings(names)

	var committed []string
	write := func(line string) error {
		w.lineNum++
		w.log.Debug("writing", "mode", w.mode, "line", w.lineNum, "data", line)
		if err := w.proc.writeLine(line); err != nil {
			return err
		}
		committed = append(committed, line)
		return nil
	}

	for _, name := range names {
		if err := write("*" + name); err != nil {
			return nil, w.failSave(err)
		}
		for _, ln := range tables[name] {
			if err := write(ln); err != nil {
				return nil, w.failSave(err)
			}
		}
		if err := write("COMMIT"); err != nil {
			return nil, w.failSave(err)
		}
	}

	// A trailing comment, never read back, exists only so a pipe that
	// died after the last real COMMIT surfaces EPIPE on this write
	// instead of silently buffering until the next Save call.
	if err := write("# COMMIT VALIDATION"); err != nil {
		return nil, w.failSave(err)
	}

	return committed, nil
}

func (w *Worker) failSave(cause error) error {
	stderr := w.proc.readStderr()
	_ = w.closeLocked(true)
	if stderr != "" {
		return fmt.Errorf("worker(%s): save: %w: %s", w.mode, cause, stderr)
	}
	return fmt.Errorf("worker(%s): save: %w", w.mode, cause)
}

// Close shuts the restore process down: it closes stdin, waits for the
// process to exit, logs a non-zero exit and returns Wait's error. The
// next Save always starts a fresh process; failed only appears in the
// debug log.
func (w *Worker) Close(failed bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked(failed)
}

func (w *Worker) closeLocked(failed bool) error {
	w.lineNum = 0
	w.loaded = false

	if w.proc == nil {
		return nil
	}

	w.log.Debug("closing restore process", "failed", failed)
	proc := w.proc
	w.proc = nil
	err := proc.close()
	if err != nil {
		w.log.Warn("restore process exited with error", "error", err)
	}
	return err
}

// Restart closes any running restore process and re-loads from the
// kernel, used when a client asks to discard the in-memory cache and
// start over (the protocol's BOOT dialog).
func (w *Worker) Restart(ctx context.Context) ([]string, error) {
	w.Close(false)
	return w.Load(ctx)
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(strings.TrimRight(s, "\n"), "\n")
}

// Package backend manages the proxy backend processes (xray, hysteria,
// sing-box) a node runs, tracking their inbounds, per-user traffic, and
// lifecycle.
package backend

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/kelex-io/fleetd/internal/wire"
)

// Process is one running (or stopped) backend process, owned exclusively
// by its node. AddUser/RemoveUser are invoked by the node service as it
// reconciles storage against incoming UserUpdates; in the absence of a
// real xray/hysteria control API in this environment they maintain the
// in-memory per-inbound user set that FetchBackends/GetBackendStats report
// from, while still driving a real OS process for RestartBackend/Stop.
type Process struct {
	name       string
	typ        string
	version    string
	binaryPath string
	configPath string

	mu       sync.Mutex
	cmd      *exec.Cmd
	running  bool
	inbounds map[string]map[string]bool // tag -> set of user ids

	usage sync.Map // user id -> *atomic.Uint64 cumulative bytes

	logBuf  *ringBuffer
	logSubs map[chan string]struct{}
	logMu   sync.Mutex
}

// New constructs a Process for the given backend, not yet started.
func New(name, typ, version, binaryPath, configPath string) *Process {
	return &Process{
		name:       name,
		typ:        typ,
		version:    version,
		binaryPath: binaryPath,
		configPath: configPath,
		inbounds:   make(map[string]map[string]bool),
		logBuf:     newRingBuffer(1000),
		logSubs:    make(map[chan string]struct{}),
	}
}

// Name returns the backend's configured name.
func (p *Process) Name() string { return p.name }

// ConfigPath returns the backend's on-disk config file path.
func (p *Process) ConfigPath() string { return p.configPath }

// Start launches the backend binary against its config file. Output is
// captured into the line ring buffer and fanned out to log subscribers.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}

	cmd := exec.CommandContext(context.WithoutCancel(ctx), p.binaryPath, "-config", p.configPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("backend %q: stdout pipe: %w", p.name, err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("backend %q: start: %w", p.name, err)
	}

	p.cmd = cmd
	p.running = true
	go p.pump(stdout)

	return nil
}

func (p *Process) pump(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		p.logMu.Lock()
		p.logBuf.push(line)
		for ch := range p.logSubs {
			select {
			case ch <- line:
			default:
			}
		}
		p.logMu.Unlock()
	}
}

// Restart launches a fresh process against the current config file and
// only then terminates the previous one. If the replacement fails to
// launch, the old process is left running and the error is returned.
func (p *Process) Restart(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	cmd := exec.CommandContext(context.WithoutCancel(ctx), p.binaryPath, "-config", p.configPath)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("backend %q: stdout pipe: %w", p.name, err)
	}
	cmd.Stderr = cmd.Stdout
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("backend %q: start replacement: %w", p.name, err)
	}

	if old := p.cmd; p.running && old != nil && old.Process != nil {
		_ = old.Process.Kill()
		go func() { _ = old.Wait() }()
	}
	p.cmd = cmd
	p.running = true
	go p.pump(stdout)
	return nil
}

// Stop terminates the backend process, if running.
func (p *Process) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.running || p.cmd == nil || p.cmd.Process == nil {
		p.running = false
		return nil
	}
	err := p.cmd.Process.Kill()
	_ = p.cmd.Wait()
	p.running = false
	return err
}

// Running reports whether the process is currently running.
func (p *Process) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Info returns the wire.Backend description of this process, as reported
// by FetchBackends.
func (p *Process) Info() wire.Backend {
	p.mu.Lock()
	defer p.mu.Unlock()

	tags := make([]string, 0, len(p.inbounds))
	for tag := range p.inbounds {
		tags = append(tags, tag)
	}
	return wire.Backend{
		Name:     p.name,
		Type:     p.typ,
		Version:  p.version,
		Running:  p.running,
		Inbounds: tags,
	}
}

// AddUser grants userID access on tag, tracking it for FetchBackends and
// usage accounting.
func (p *Process) AddUser(tag, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set, ok := p.inbounds[tag]
	if !ok {
		set = make(map[string]bool)
		p.inbounds[tag] = set
	}
	set[userID] = true
	if _, ok := p.usage.Load(userID); !ok {
		var ctr atomic.Uint64
		p.usage.Store(userID, &ctr)
	}
}

// RemoveUser revokes userID's access on tag.
func (p *Process) RemoveUser(tag, userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if set, ok := p.inbounds[tag]; ok {
		delete(set, userID)
		if len(set) == 0 {
			delete(p.inbounds, tag)
		}
	}
}

// AddUsage adds n bytes to userID's cumulative usage counter on this
// backend. Counters are monotonic.
func (p *Process) AddUsage(userID string, n uint64) {
	v, _ := p.usage.LoadOrStore(userID, &atomic.Uint64{})
	v.(*atomic.Uint64).Add(n)
}

// UsageSnapshot returns the cumulative usage, in bytes, for every user this
// backend has ever seen.
func (p *Process) UsageSnapshot() map[string]uint64 {
	out := make(map[string]uint64)
	p.usage.Range(func(k, v any) bool {
		out[k.(string)] = v.(*atomic.Uint64).Load()
		return true
	})
	return out
}

// BufferedLogLines returns the currently buffered log lines, oldest first.
func (p *Process) BufferedLogLines() []string {
	p.logMu.Lock()
	defer p.logMu.Unlock()
	return p.logBuf.snapshot()
}

// Subscribe registers ch to receive subsequently logged lines. Call the
// returned cancel function to unsubscribe.
func (p *Process) Subscribe(ch chan string) (cancel func()) {
	p.logMu.Lock()
	p.logSubs[ch] = struct{}{}
	p.logMu.Unlock()
	return func() {
		p.logMu.Lock()
		delete(p.logSubs, ch)
		p.logMu.Unlock()
	}
}

// ringBuffer is a fixed-capacity FIFO of strings.
type ringBuffer struct {
	lines []string
	cap   int
}

func newRingBuffer(cap int) *ringBuffer {
	return &ringBuffer{cap: cap}
}

func (r *ringBuffer) push(line string) {
	r.lines = append(r.lines, line)
	if len(r.lines) > r.cap {
		r.lines = r.lines[len(r.lines)-r.cap:]
	}
}

func (r *ringBuffer) snapshot() []string {
	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}

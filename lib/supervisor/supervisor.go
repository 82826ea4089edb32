// Package supervisor guarantees that a relay of the expected version is
// serving a given port: it probes the /version endpoint, replaces
// outdated instances, and spawns a detached singleton when nothing is
// listening. The contract is observable behavior ("the port serves the
// expected version"), not spawn mechanics.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	retry "github.com/avast/retry-go/v5"
)

// ErrStartTimeout reports that a spawned relay never served the expected
// version before the poll deadline.
var ErrStartTimeout = errors.New("relay did not start in time")

// Options configures EnsureRunning.
type Options struct {
	// Port the relay is expected to serve.
	Port int
	// Version the running instance must report on /version.
	Version string
	// Command is the argv of the relay entry point for a detached spawn.
	Command []string
	// Env entries appended to the inherited environment of the child.
	Env []string

	// ProbeTimeout bounds a single /version probe. Default 500ms.
	ProbeTimeout time.Duration
	// PollInterval between readiness probes after a spawn. Default 500ms.
	PollInterval time.Duration
	// StartTimeout bounds the whole readiness poll. Default 15s.
	StartTimeout time.Duration

	Logger *slog.Logger
}

// Result reports whether EnsureRunning had to spawn a new instance.
type Result struct {
	Started bool
}

func (o *Options) withDefaults() {
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 500 * time.Millisecond
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.StartTimeout <= 0 {
		o.StartTimeout = 15 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// EnsureRunning makes the port serve exactly the expected version. An
// equal or newer instance is left alone; an older one is terminated
// before a fresh detached spawn.
func EnsureRunning(ctx context.Context, opts Options) (Result, error) {
	opts.withDefaults()

	if v, err := ProbeVersion(ctx, opts.Port, opts.ProbeTimeout); err == nil {
		switch CompareVersions(v, opts.Version) {
		case 0:
			return Result{Started: false}, nil
		case 1:
			// A newer relay already owns the port; do not downgrade it.
			opts.Logger.Info("newer relay already running", slog.String("version", v))
			return Result{Started: false}, nil
		case -1:
			opts.Logger.Info("terminating outdated relay", slog.String("version", v))
			if err := terminateHolder(ctx, opts.Port, opts.Logger); err != nil {
				return Result{}, fmt.Errorf("replace outdated relay: %w", err)
			}
		}
	}

	if len(opts.Command) == 0 {
		return Result{}, fmt.Errorf("no relay command configured")
	}
	if err := spawnDetached(opts); err != nil {
		return Result{}, fmt.Errorf("spawn relay: %w", err)
	}

	attempts := uint(opts.StartTimeout / opts.PollInterval)
	if attempts < 1 {
		attempts = 1
	}
	err := retry.New(
		retry.Attempts(attempts),
		retry.Delay(opts.PollInterval),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
	).Do(func() error {
		v, err := ProbeVersion(ctx, opts.Port, opts.ProbeTimeout)
		if err != nil {
			return err
		}
		if v != opts.Version {
			return fmt.Errorf("version %q not %q yet", v, opts.Version)
		}
		return nil
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w after %s: %v", ErrStartTimeout, opts.StartTimeout, err)
	}
	return Result{Started: true}, nil
}

// ProbeVersion asks a relay instance for its version with a short
// deadline.
func ProbeVersion(ctx context.Context, port int, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/version", port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d from /version", resp.StatusCode)
	}

	var body struct {
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode /version: %w", err)
	}
	if body.Version == "" {
		return "", fmt.Errorf("empty version from /version")
	}
	return body.Version, nil
}

// CompareVersions orders two dotted numeric version strings: -1 when
// a < b, 0 when equal, 1 when a > b. Missing segments compare as zero.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(strings.TrimSpace(as[i]))
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(strings.TrimSpace(bs[i]))
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

// terminateHolder kills whatever process is listening on the port and
// waits for the port to free. SIGTERM first, SIGKILL if it lingers.
func terminateHolder(ctx context.Context, port int, logger *slog.Logger) error {
	pids, err := listeningPIDs(ctx, port)
	if err != nil {
		return err
	}
	if len(pids) == 0 {
		return nil
	}

	signalAll(pids, syscall.SIGTERM, logger)
	if waitPortFree(ctx, port, 3*time.Second) {
		return nil
	}

	signalAll(pids, syscall.SIGKILL, logger)
	if waitPortFree(ctx, port, 3*time.Second) {
		return nil
	}
	return fmt.Errorf("port %d still in use after kill", port)
}

// listeningPIDs shells out to lsof; the relay only runs on platforms
// where it is available.
func listeningPIDs(ctx context.Context, port int) ([]int, error) {
	cmd := exec.CommandContext(ctx, "lsof", "-t", fmt.Sprintf("-iTCP:%d", port), "-sTCP:LISTEN")
	out, err := cmd.Output()
	if err != nil {
		// lsof exits non-zero when nothing matches.
		if _, isExit := err.(*exec.ExitError); isExit {
			return nil, nil
		}
		return nil, fmt.Errorf("lsof: %w", err)
	}

	var pids []int
	for _, line := range strings.Fields(string(out)) {
		if pid, err := strconv.Atoi(line); err == nil && pid > 0 {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func signalAll(pids []int, sig syscall.Signal, logger *slog.Logger) {
	for _, pid := range pids {
		if err := syscall.Kill(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
			logger.Warn("signal failed", slog.Int("pid", pid), slog.String("err", err.Error()))
		}
	}
}

func waitPortFree(ctx context.Context, port int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	addr := fmt.Sprintf("127.0.0.1:%d", port)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return false
		}
		conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err != nil {
			return true
		}
		_ = conn.Close()
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

// spawnDetached starts the relay entry point severed from the caller:
// its own process group, standard streams on /dev/null, and the handle
// released so the child outlives us.
func spawnDetached(opts Options) error {
	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return err
	}
	opts.Logger.Info("relay spawned", slog.Int("pid", cmd.Process.Pid))
	return cmd.Process.Release()
}

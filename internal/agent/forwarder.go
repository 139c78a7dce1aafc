package agent

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/benmeehan/iot-tunnel/internal/constants"
	"github.com/benmeehan/iot-tunnel/internal/utils"
	"github.com/rs/zerolog"
)

var (
	errAlreadyRunning = errors.New("forwarder is already running")
	errExitedEarly    = errors.New("forwarder exited during startup")
)

// process is one run of the forwarder executable. err is valid once done is closed.
type process struct {
	cmd  *exec.Cmd
	done chan struct{}
	err  error
}

// signal delivers sig to the process group.
func (p *process) signal(sig syscall.Signal) error {
	err := syscall.Kill(-p.cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

func (p *process) exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// ProcessForwarder runs a bridge executable as a child process.
type ProcessForwarder struct {
	name         string
	command      string
	args         []string
	env          []string
	startupGrace time.Duration
	stopTimeout  time.Duration
	logger       zerolog.Logger

	mu   sync.Mutex
	proc *process
}

// NewProcessForwarder builds a forwarder from configuration. The placeholders
// {deviceId} and {servicePort} are substituted in args and env values.
func NewProcessForwarder(name string, cfg utils.ForwarderConfig, deviceID string, servicePort int, logger zerolog.Logger) *ProcessForwarder {
	r := strings.NewReplacer("{deviceId}", deviceID, "{servicePort}", strconv.Itoa(servicePort))

	args := make([]string, len(cfg.Args))
	for i, a := range cfg.Args {
		args[i] = r.Replace(a)
	}
	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+r.Replace(v))
	}

	grace := cfg.StartupGrace
	if grace <= 0 {
		grace = constants.DefaultStartupGrace
	}
	stop := cfg.StopTimeout
	if stop <= 0 {
		stop = constants.DefaultStopTimeout
	}

	return &ProcessForwarder{
		name:         name,
		command:      cfg.Command,
		args:         args,
		env:          env,
		startupGrace: grace,
		stopTimeout:  stop,
		logger:       logger.With().Str("forwarder", name).Logger(),
	}
}

// Start launches the process and waits for the startup grace period.
// A process that exits within the grace period is a failed start.
func (f *ProcessForwarder) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.proc != nil && !f.proc.exited() {
		return errAlreadyRunning
	}
	f.proc = nil

	cmd := exec.Command(f.command, f.args...)
	cmd.Env = append(os.Environ(), f.env...)
	cmd.Stdout = f.logger.With().Str("stream", "stdout").Logger()
	cmd.Stderr = f.logger.With().Str("stream", "stderr").Logger()
	// Own process group so children of the bridge are signalled with it.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = time.Second

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", f.command, err)
	}
	f.logger.Info().Int("pid", cmd.Process.Pid).Msg("Forwarder process started")

	p := &process{cmd: cmd, done: make(chan struct{})}
	go func() {
		p.err = cmd.Wait()
		close(p.done)
	}()

	grace := time.NewTimer(f.startupGrace)
	defer grace.Stop()

	select {
	case <-p.done:
		return fmt.Errorf("%w: %v", errExitedEarly, p.err)
	case <-ctx.Done():
		_ = p.signal(syscall.SIGKILL)
		<-p.done
		return ctx.Err()
	case <-grace.C:
	}

	f.proc = p
	go f.watch(p)
	return nil
}

func (f *ProcessForwarder) watch(p *process) {
	<-p.done
	f.logger.Info().AnErr("exit", p.err).Msg("Forwarder process exited")
}

// Stop terminates the process, escalating to SIGKILL after the stop timeout.
func (f *ProcessForwarder) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := f.proc
	if p == nil {
		return nil
	}

	if !p.exited() {
		if err := p.signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("signal %s: %w", f.name, err)
		}

		timeout := time.NewTimer(f.stopTimeout)
		defer timeout.Stop()

		select {
		case <-p.done:
		case <-timeout.C:
			f.logger.Warn().Dur("timeout", f.stopTimeout).Msg("Forwarder did not exit, killing")
			_ = p.signal(syscall.SIGKILL)
			<-p.done
		case <-ctx.Done():
			_ = p.signal(syscall.SIGKILL)
			<-p.done
		}
	}

	f.proc = nil
	return nil
}

// Exited returns a channel closed when the current process exits, or nil when
// no process was started.
func (f *ProcessForwarder) Exited() <-chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.proc == nil {
		return nil
	}
	return f.proc.done
}

// Running reports whether the process is alive.
func (f *ProcessForwarder) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.proc != nil && !f.proc.exited()
}

package host

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/m4xw311/acpconn/config"
	"github.com/m4xw311/acpconn/errors"
	"github.com/m4xw311/acpconn/logger"
	"github.com/m4xw311/acpconn/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultGracePeriod is how long Close waits for the agent to exit after its
// stdin is closed before killing it.
const DefaultGracePeriod = 3 * time.Second

// Process is a running agent subprocess. Its stdin and stdout carry the
// protocol; each stderr line is logged.
type Process struct {
	Transport *transport.Stream

	cmd   *exec.Cmd
	log   *logger.Logger
	grace time.Duration
	pumps errgroup.Group

	waitOnce sync.Once
	waitErr  error
	exited   chan struct{}
}

// Spawn starts the agent described by ac. Use Close to stop it.
func Spawn(ac config.AgentCommand, log *logger.Logger) (*Process, error) {
	if ac.Command == "" {
		return nil, errors.New("no agent command configured")
	}
	if log == nil {
		log = logger.Default()
	}
	log = log.WithComponent("host").WithFields(zap.String("agent", ac.Command))

	cmd := exec.Command(ac.Command, ac.Args...)
	if len(ac.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range ac.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get agent stdin")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get agent stdout")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get agent stderr")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "failed to start agent '%s'", ac.Command)
	}
	log.Info("agent started", zap.Int("pid", cmd.Process.Pid))

	p := &Process{
		Transport: transport.NewStream(stdout, stdin, transport.WithLogger(log)),
		cmd:       cmd,
		log:       log,
		grace:     DefaultGracePeriod,
		exited:    make(chan struct{}),
	}
	p.pumps.Go(func() error { return p.logStderr(stderr) })
	return p, nil
}

func (p *Process) logStderr(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.log.Info("agent stderr", zap.String("line", scanner.Text()))
	}
	return scanner.Err()
}

// Wait blocks until the agent exits and returns its exit error.
func (p *Process) Wait() error {
	p.waitOnce.Do(func() {
		// stderr must be drained before cmd.Wait closes the pipe.
		pumpErr := p.pumps.Wait()
		p.waitErr = p.cmd.Wait()
		if p.waitErr == nil && pumpErr != nil && !errors.Is(pumpErr, os.ErrClosed) {
			p.waitErr = errors.Wrapf(pumpErr, "read agent stderr")
		}
		close(p.exited)
		p.log.Info("agent exited", zap.Error(p.waitErr))
	})
	return p.waitErr
}

// Exited is closed once Wait has observed the agent's exit.
func (p *Process) Exited() <-chan struct{} { return p.exited }

// Close closes the agent's stdin, then kills it if it has not exited within
// the grace period.
func (p *Process) Close() error {
	p.Transport.Close()
	done := make(chan error, 1)
	go func() { done <- p.Wait() }()
	select {
	case err := <-done:
		return err
	case <-time.After(p.grace):
		p.log.Warn("agent did not exit, killing it", zap.Duration("grace", p.grace))
		p.cmd.Process.Kill()
		return <-done
	}
}

/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package dap

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"

	"github.com/microsoft/dbgproxy/pkg/process"
	"github.com/microsoft/dbgproxy/pkg/resiliency"
)

// PortPlaceholder is the placeholder in adapter args that will be replaced with allocated port.
const PortPlaceholder = "{{port}}"

// DefaultAdapterConnectionTimeout is the default timeout for connecting to the debug adapter.
const DefaultAdapterConnectionTimeout = 10 * time.Second

// ErrInvalidAdapterConfig is returned when the debug adapter configuration is invalid.
var ErrInvalidAdapterConfig = errors.New("invalid debug adapter configuration")

// ErrAdapterConnectionTimeout is returned when the adapter fails to accept a connection within the timeout.
var ErrAdapterConnectionTimeout = errors.New("debug adapter connection timeout")

// DebugAdapterMode specifies how the debug adapter communicates.
type DebugAdapterMode string

const (
	// DebugAdapterModeStdio indicates the adapter uses stdin/stdout for DAP communication.
	DebugAdapterModeStdio DebugAdapterMode = "stdio"

	// DebugAdapterModeTCPConnect indicates we specify a port, adapter listens, we connect.
	// Use {{port}} placeholder in args which is replaced with allocated port.
	DebugAdapterModeTCPConnect DebugAdapterMode = "tcp-connect"
)

// DebugAdapterConfig holds the configuration for launching a debug adapter.
type DebugAdapterConfig struct {
	// Path is the debug adapter executable.
	Path string

	// Args are passed to the adapter. May contain the "{{port}}" placeholder in TCP mode.
	Args []string

	// Mode specifies how the adapter communicates. An empty string is treated as "stdio".
	Mode DebugAdapterMode

	// Env contains environment variables added to the adapter process environment.
	Env map[string]string

	// ConnectionTimeout bounds how long we try to connect to the adapter in TCP mode.
	// If zero, DefaultAdapterConnectionTimeout is used.
	ConnectionTimeout time.Duration
}

// Validate checks that the configuration can be used to launch an adapter.
func (c *DebugAdapterConfig) Validate() error {
	if c == nil || strings.TrimSpace(c.Path) == "" {
		return fmt.Errorf("%w: adapter path is required", ErrInvalidAdapterConfig)
	}
	switch c.Mode {
	case "", DebugAdapterModeStdio, DebugAdapterModeTCPConnect:
	default:
		return fmt.Errorf("%w: unknown adapter mode '%s'", ErrInvalidAdapterConfig, c.Mode)
	}
	if c.ConnectionTimeout < 0 {
		return fmt.Errorf("%w: connection timeout must not be negative", ErrInvalidAdapterConfig)
	}
	return nil
}

// EffectiveMode returns the adapter mode, defaulting to DebugAdapterModeStdio.
func (c *DebugAdapterConfig) EffectiveMode() DebugAdapterMode {
	if c.Mode == DebugAdapterModeTCPConnect {
		return DebugAdapterModeTCPConnect
	}
	return DebugAdapterModeStdio
}

// GetConnectionTimeout returns the connection timeout, or the default if none is set.
func (c *DebugAdapterConfig) GetConnectionTimeout() time.Duration {
	if c.ConnectionTimeout > 0 {
		return c.ConnectionTimeout
	}
	return DefaultAdapterConnectionTimeout
}

// LaunchedAdapter represents a running debug adapter process with its transport.
type LaunchedAdapter struct {
	// Transport provides DAP message I/O with the debug adapter.
	Transport Transport

	cmd  *exec.Cmd
	done chan struct{}

	// mu protects exitErr
	mu      sync.Mutex
	exitErr error
}

// Pid returns the process ID of the debug adapter.
func (la *LaunchedAdapter) Pid() process.Pid_t {
	if la.cmd == nil || la.cmd.Process == nil {
		return process.UnknownPID
	}
	return process.Pid_t(la.cmd.Process.Pid)
}

// Done returns a channel that is closed when the debug adapter process exits.
func (la *LaunchedAdapter) Done() <-chan struct{} {
	return la.done
}

// Wait blocks until the debug adapter process exits.
func (la *LaunchedAdapter) Wait() error {
	<-la.done
	la.mu.Lock()
	defer la.mu.Unlock()
	return la.exitErr
}

// Close closes the transport. The process is stopped when the launch context is cancelled.
func (la *LaunchedAdapter) Close() error {
	if la.Transport != nil {
		return la.Transport.Close()
	}
	return nil
}

// LaunchDebugAdapter starts the debug adapter process and connects a transport to it.
// The process (and its children) are killed when ctx is cancelled.
func LaunchDebugAdapter(ctx context.Context, config *DebugAdapterConfig, log logr.Logger) (*LaunchedAdapter, error) {
	if validateErr := config.Validate(); validateErr != nil {
		return nil, validateErr
	}

	switch config.EffectiveMode() {
	case DebugAdapterModeTCPConnect:
		return launchTCPConnectAdapter(ctx, config, log)
	default:
		return launchStdioAdapter(ctx, config, log)
	}
}

func newAdapterCommand(ctx context.Context, config *DebugAdapterConfig, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, config.Path, args...)
	cmd.Env = buildEnv(config)
	cmd.Cancel = func() error {
		return process.KillTree(process.Pid_t(cmd.Process.Pid))
	}
	cmd.WaitDelay = 2 * time.Second
	return cmd
}

func startAdapter(ctx context.Context, cmd *exec.Cmd, stderr io.ReadCloser, log logr.Logger) (*LaunchedAdapter, error) {
	if startErr := cmd.Start(); startErr != nil {
		return nil, fmt.Errorf("failed to start debug adapter: %w", startErr)
	}

	adapter := &LaunchedAdapter{
		cmd:  cmd,
		done: make(chan struct{}),
	}

	// Stderr must be drained before Wait is called.
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		logStderr(stderr, log)
	}()

	go func() {
		<-stderrDone
		waitErr := filterContextError(cmd.Wait(), ctx, log)
		adapter.mu.Lock()
		adapter.exitErr = waitErr
		adapter.mu.Unlock()
		close(adapter.done)

		if waitErr != nil {
			log.V(1).Info("Debug adapter process exited with error", "pid", cmd.Process.Pid, "error", waitErr.Error())
		} else {
			log.V(1).Info("Debug adapter process exited", "pid", cmd.Process.Pid)
		}
	}()

	return adapter, nil
}

// launchStdioAdapter launches an adapter in stdio mode.
// The pipes are created explicitly so that waiting for the process does not close
// the read end while the last messages are still being consumed.
func launchStdioAdapter(ctx context.Context, config *DebugAdapterConfig, log logr.Logger) (*LaunchedAdapter, error) {
	cmd := newAdapterCommand(ctx, config, config.Args)

	stdinR, stdinW, stdinErr := os.Pipe()
	if stdinErr != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", stdinErr)
	}

	stdoutR, stdoutW, stdoutErr := os.Pipe()
	if stdoutErr != nil {
		closeAll(stdinR, stdinW)
		return nil, fmt.Errorf("failed to create stdout pipe: %w", stdoutErr)
	}

	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW

	stderr, stderrErr := cmd.StderrPipe()
	if stderrErr != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return nil, fmt.Errorf("failed to create stderr pipe: %w", stderrErr)
	}

	adapter, startErr := startAdapter(ctx, cmd, stderr, log)

	// The child owns its ends now.
	closeAll(stdinR, stdoutW)

	if startErr != nil {
		closeAll(stdinW, stdoutR, stderr)
		return nil, startErr
	}

	log.Info("Launched debug adapter process (stdio mode)",
		"command", config.Path,
		"args", config.Args,
		"pid", cmd.Process.Pid)

	adapter.Transport = NewStreamTransport(stdoutR, stdinW)
	return adapter, nil
}

// launchTCPConnectAdapter launches an adapter in TCP connect mode.
// The adapter listens on a port and we connect to it.
func launchTCPConnectAdapter(ctx context.Context, config *DebugAdapterConfig, log logr.Logger) (*LaunchedAdapter, error) {
	port, portErr := getFreePort()
	if portErr != nil {
		return nil, fmt.Errorf("failed to allocate port: %w", portErr)
	}

	args := substitutePort(config.Args, strconv.Itoa(port))
	cmd := newAdapterCommand(ctx, config, args)

	stderr, stderrErr := cmd.StderrPipe()
	if stderrErr != nil {
		return nil, fmt.Errorf("failed to create stderr pipe: %w", stderrErr)
	}

	adapter, startErr := startAdapter(ctx, cmd, stderr, log)
	if startErr != nil {
		stderr.Close()
		return nil, startErr
	}

	log.Info("Launched debug adapter process (tcp-connect mode)",
		"command", config.Path,
		"args", args,
		"pid", cmd.Process.Pid,
		"port", port)

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	connectCtx, cancelConnect := context.WithTimeout(ctx, config.GetConnectionTimeout())
	defer cancelConnect()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = 0 // Bounded by connectCtx

	transport, connectErr := resiliency.RetryGet(connectCtx, b, func() (Transport, error) {
		select {
		case <-adapter.done:
			return nil, resiliency.Permanent(errors.New("debug adapter process exited before connection could be established"))
		default:
		}
		return DialTCP(connectCtx, addr)
	})
	if connectErr != nil {
		_ = process.KillTree(adapter.Pid())
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(connectErr, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: failed to connect to adapter at %s: %w", ErrAdapterConnectionTimeout, addr, connectErr)
		}
		return nil, connectErr
	}

	log.Info("Connected to debug adapter", "address", addr)

	adapter.Transport = transport
	return adapter, nil
}

func closeAll(closers ...io.Closer) {
	for _, c := range closers {
		_ = c.Close()
	}
}

func getFreePort() (int, error) {
	l, listenErr := net.Listen("tcp", "127.0.0.1:0")
	if listenErr != nil {
		return 0, listenErr
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}

// substitutePort replaces {{port}} placeholder in args with the actual port.
func substitutePort(args []string, port string) []string {
	result := make([]string, len(args))
	for i, arg := range args {
		result[i] = strings.ReplaceAll(arg, PortPlaceholder, port)
	}
	return result
}

// buildEnv builds the environment for the adapter process.
func buildEnv(config *DebugAdapterConfig) []string {
	env := os.Environ()
	for name, value := range config.Env {
		env = append(env, name+"="+value)
	}
	return env
}

// logStderr reads and logs stderr from the adapter, one line at a time.
func logStderr(stderr io.Reader, log logr.Logger) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.V(1).Info("Debug adapter stderr", "output", scanner.Text())
	}
}

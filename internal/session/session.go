/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/microsoft/dbgproxy/internal/converters"
	"github.com/microsoft/dbgproxy/internal/dap"
	"github.com/microsoft/dbgproxy/internal/launch"
	"github.com/microsoft/dbgproxy/pkg/logger"
)

const adapterExitGracePeriod = 2 * time.Second

// Config describes one debug session.
type Config struct {
	Adapter dap.DebugAdapterConfig

	ProjectPath string

	// Launch profile name; empty means no profile.
	Profile string

	// Defaults to the project's Properties/launchSettings.json.
	LaunchSettingsPath string

	Metadata launch.MetadataSource

	// First variables reference used for converter-created values. Zero selects the default.
	InternalReferenceBase int

	// Overrides the liveness check of the attach target. Used by tests.
	ProcessChecker ProcessChecker
}

// Session relays one debugging conversation between a client and a debug adapter,
// rewriting the intercepted attach request and simplifying values on the way.
type Session struct {
	id     uuid.UUID
	config Config
	log    logr.Logger

	rewriter   *launch.Rewriter
	dispatcher *converters.Dispatcher
}

// NewSession resolves the project metadata and launch profile. No process is started.
func NewSession(config Config, log logr.Logger) (*Session, error) {
	if config.Metadata == nil {
		config.Metadata = &launch.StaticMetadataSource{}
	}
	if config.ProcessChecker == nil {
		config.ProcessChecker = isProcessRunning
	}

	id := uuid.New()
	log = log.WithValues("session", id.String())

	metadata, err := config.Metadata.Lookup(config.ProjectPath)
	if err != nil {
		return nil, err
	}

	var profile *launch.LaunchProfile
	if config.Profile != "" {
		settingsPath := config.LaunchSettingsPath
		if settingsPath == "" {
			settingsPath = launch.LaunchSettingsPath(metadata.ProjectPath)
		}
		profile, err = launch.LoadLaunchProfile(settingsPath, config.Profile)
		if err != nil {
			return nil, err
		}
	}

	return &Session{
		id:     id,
		config: config,
		log:    log,
		rewriter: &launch.Rewriter{
			Metadata:   metadata,
			Profile:    profile,
			AdapterEnv: config.Adapter.Env,
		},
		dispatcher: converters.NewDispatcher(
			converters.DefaultRegistry(),
			converters.NewHandles(config.InternalReferenceBase),
			log.WithName("Converters"),
		),
	}, nil
}

func (s *Session) ID() uuid.UUID {
	return s.id
}

// NewProxy creates the proxy between client and debugger with the session's refiners attached.
func (s *Session) NewProxy(client, debugger dap.Transport) *dap.DebuggerProxy {
	dr := &debuggerRefiner{
		dispatcher: s.dispatcher,
		log:        s.log.WithName("DebuggerRefiner"),
	}
	proxy := dap.NewDebuggerProxy(client, debugger, dap.ProxyConfig{
		ClientRefiner: &clientRefiner{
			rewriter:     s.rewriter,
			dispatcher:   s.dispatcher,
			processAlive: s.config.ProcessChecker,
			log:          s.log.WithName("ClientRefiner"),
		},
		DebuggerRefiner: dr,
		Logger:          s.log.WithName("Proxy"),
	})
	dr.requester = proxy
	return proxy
}

// Run launches the debug adapter and relays messages until either side disconnects
// or ctx is cancelled. Cancellation is not reported as an error.
func (s *Session) Run(ctx context.Context, client dap.Transport) error {
	start := time.Now()
	s.log.Info("Starting debug session",
		"project", s.rewriter.Metadata.ProjectPath,
		"profile", s.config.Profile,
		"adapter", s.config.Adapter.Path)

	adapterCtx, cancelAdapter := context.WithCancel(ctx)
	defer cancelAdapter()

	adapter, launchErr := dap.LaunchDebugAdapter(adapterCtx, &s.config.Adapter, s.log.WithName("Adapter"))
	if launchErr != nil {
		return fmt.Errorf("could not start debug adapter: %w", launchErr)
	}
	defer func() { _ = adapter.Close() }()

	proxy := s.NewProxy(client, adapter.Transport)
	startErr := proxy.Start(ctx, func(peer dap.Peer) {
		s.log.Info("Peer disconnected", "peer", peer.String())
	})
	if startErr != nil {
		return startErr
	}

	select {
	case <-proxy.Done():
	case <-adapter.Done():
		// The proxy normally stops on its own when the adapter output ends, but the pipe
		// stays open if the adapter left children behind.
		s.log.V(1).Info("Debug adapter exited", "pid", adapter.Pid())
		select {
		case <-proxy.Done():
		case <-time.After(adapterExitGracePeriod):
			proxy.Stop()
			<-proxy.Done()
		}
	}
	proxyErr := proxy.Err()

	cancelAdapter()
	adapterErr := adapter.Wait()

	s.log.Info("Debug session ended",
		"state", proxy.State().String(),
		"duration", time.Since(start).String(),
		"uptime", logger.Uptime().String())

	if proxy.State() == dap.StateCancelled || errors.Is(proxyErr, context.Canceled) {
		return nil
	}
	if proxyErr != nil {
		return fmt.Errorf("debug session failed: %w", proxyErr)
	}
	if adapterErr != nil {
		s.log.V(1).Info("Debug adapter exited with error", "error", adapterErr.Error())
	}
	return nil
}

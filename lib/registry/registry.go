// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/exthost/exthost/lib/endpoint"
	"github.com/exthost/exthost/lib/guardian"
	"github.com/exthost/exthost/lib/hostrpc"
	"github.com/exthost/exthost/lib/launcher"
	"github.com/exthost/exthost/lib/manifest"
	"github.com/exthost/exthost/lib/relay"
)

// Sentinel errors callers branch on.
var (
	// ErrClosed: the registry has been shut down; no new instances.
	ErrClosed = errors.New("registry is closed")

	// ErrUnknownExtension: no installed extension carries the
	// requested ID.
	ErrUnknownExtension = errors.New("unknown extension")

	// ErrNotRunning: the instance has left the running state.
	ErrNotRunning = errors.New("instance is not running")
)

// Timeouts for the teardown sequence. The graceful window is short by
// design: a worker's shutdown work is flushing buffers, not finishing
// jobs, and a hung worker must not stall host shutdown.
const (
	// DefaultStartTimeout bounds one complete instance start, from
	// spawn through the initialize and subscribe exchanges.
	DefaultStartTimeout = 30 * time.Second

	// shutdownRequestTimeout bounds the graceful shutdown RPC.
	shutdownRequestTimeout = 2 * time.Second

	// exitWaitTimeout is how long a worker gets to exit after
	// acknowledging shutdown before the process group is killed.
	exitWaitTimeout = 5 * time.Second

	// killWaitTimeout is how long to wait for the reaper after a
	// forced kill.
	killWaitTimeout = 2 * time.Second

	// socketReuseDelay separates the socket unlink from any restart
	// of the same pair, so a dying worker's last moments cannot touch
	// the successor's socket path.
	socketReuseDelay = 100 * time.Millisecond
)

// ManifestSource resolves extension IDs to manifests.
// *manifest.Catalog satisfies it.
type ManifestSource interface {
	Get(extensionID string) (*manifest.Manifest, bool)
}

// Config holds the collaborators a Registry needs.
type Config struct {
	// Launcher spawns worker processes. Required.
	Launcher *launcher.Launcher

	// Allocator derives and cleans up worker socket paths. Required.
	Allocator *endpoint.Allocator

	// Guardian force-kills worker process trees. Required.
	Guardian guardian.Guardian

	// Hub receives every instance's events for fan-out. Required.
	Hub *relay.Hub

	// Manifests resolves extension IDs to entrypoints. Required.
	Manifests ManifestSource

	// CredentialSocket is the path of the host's credential callback
	// socket, handed to every worker during initialization. May be
	// empty when no credential service is running.
	CredentialSocket string

	// StorageRoot is the directory under which per-instance storage
	// directories are created.
	StorageRoot string

	// StartTimeout overrides DefaultStartTimeout when positive.
	StartTimeout time.Duration

	// Logger for lifecycle events.
	Logger *slog.Logger
}

// Registry tracks running instances. Safe for concurrent use.
type Registry struct {
	launcher         *launcher.Launcher
	allocator        *endpoint.Allocator
	guardian         guardian.Guardian
	hub              *relay.Hub
	manifests        ManifestSource
	credentialSocket string
	storageRoot      string
	startTimeout     time.Duration
	logger           *slog.Logger

	// mu guards running, pending, and closed together. Holding one
	// lock across both maps is what makes the dedup decision atomic:
	// a pair is either absent, starting, or running, never two of
	// those at once.
	mu      sync.Mutex
	running map[Key]*Instance
	pending map[Key]*pendingStart
	closed  bool
}

// pendingStart is the shared future for one in-flight start. All
// concurrent requesters of the same pair wait on the same future; the
// starter resolves it exactly once, for success and failure alike.
type pendingStart struct {
	done     chan struct{}
	instance *Instance
	err      error
}

func (p *pendingStart) wait(ctx context.Context) (*Instance, error) {
	select {
	case <-p.done:
		return p.instance, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// New creates a Registry.
func New(config Config) (*Registry, error) {
	if config.Launcher == nil {
		return nil, fmt.Errorf("launcher is required")
	}
	if config.Allocator == nil {
		return nil, fmt.Errorf("allocator is required")
	}
	if config.Guardian == nil {
		return nil, fmt.Errorf("guardian is required")
	}
	if config.Hub == nil {
		return nil, fmt.Errorf("hub is required")
	}
	if config.Manifests == nil {
		return nil, fmt.Errorf("manifest source is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	startTimeout := config.StartTimeout
	if startTimeout <= 0 {
		startTimeout = DefaultStartTimeout
	}
	return &Registry{
		launcher:         config.Launcher,
		allocator:        config.Allocator,
		guardian:         config.Guardian,
		hub:              config.Hub,
		manifests:        config.Manifests,
		credentialSocket: config.CredentialSocket,
		storageRoot:      config.StorageRoot,
		startTimeout:     startTimeout,
		logger:           logger,
		running:          make(map[Key]*Instance),
		pending:          make(map[Key]*pendingStart),
	}, nil
}

// EnsureRunning returns the running instance for the pair, starting a
// worker if none exists. Concurrent calls for the same pair spawn at
// most one process; every caller receives the same instance or the
// same error.
//
// ctx cancellation abandons only this caller's wait. The start itself
// continues on a detached context so that one impatient caller cannot
// strand the other waiters with a half-started worker.
func (r *Registry) EnsureRunning(ctx context.Context, extensionID, instanceID string) (*Instance, error) {
	if extensionID == "" || instanceID == "" {
		return nil, fmt.Errorf("extension ID and instance ID are required")
	}
	key := Key{ExtensionID: extensionID, InstanceID: instanceID}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if inst, ok := r.running[key]; ok {
		r.mu.Unlock()
		return inst, nil
	}
	if p, ok := r.pending[key]; ok {
		r.mu.Unlock()
		return p.wait(ctx)
	}
	p := &pendingStart{done: make(chan struct{})}
	r.pending[key] = p
	r.mu.Unlock()

	go r.start(context.WithoutCancel(ctx), key, p)
	return p.wait(ctx)
}

// Get returns the running instance for the pair, if any. It never
// waits: a pair mid-start is reported as absent.
func (r *Registry) Get(extensionID, instanceID string) (*Instance, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inst, ok := r.running[Key{ExtensionID: extensionID, InstanceID: instanceID}]
	return inst, ok
}

// List returns the running instances in key order.
func (r *Registry) List() []*Instance {
	r.mu.Lock()
	instances := make([]*Instance, 0, len(r.running))
	for _, inst := range r.running {
		instances = append(instances, inst)
	}
	r.mu.Unlock()

	sort.Slice(instances, func(i, j int) bool {
		a, b := instances[i].key, instances[j].key
		if a.ExtensionID != b.ExtensionID {
			return a.ExtensionID < b.ExtensionID
		}
		return a.InstanceID < b.InstanceID
	})
	return instances
}

// Stop tears down the instance for the pair. A pair that is mid-start
// is first allowed to finish starting, then stopped. Stopping an
// absent pair is a no-op. After Stop returns, no event from the
// instance will be delivered to any listener.
func (r *Registry) Stop(ctx context.Context, extensionID, instanceID string) error {
	key := Key{ExtensionID: extensionID, InstanceID: instanceID}

	r.mu.Lock()
	if p, ok := r.pending[key]; ok {
		r.mu.Unlock()
		if _, err := p.wait(ctx); err != nil && ctx.Err() != nil {
			return err
		}
		r.mu.Lock()
	}
	inst, ok := r.running[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.stopInstance(ctx, inst)
}

// StopAll stops every instance, concurrently, and closes the registry
// to new starts. In-flight starts are allowed to finish and are then
// stopped.
func (r *Registry) StopAll(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	pendings := make([]*pendingStart, 0, len(r.pending))
	for _, p := range r.pending {
		pendings = append(pendings, p)
	}
	instances := make([]*Instance, 0, len(r.running))
	for _, inst := range r.running {
		instances = append(instances, inst)
	}
	r.mu.Unlock()

	for _, p := range pendings {
		if inst, err := p.wait(ctx); err == nil {
			instances = append(instances, inst)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, len(instances))
	for i, inst := range instances {
		i, inst := i, inst
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = r.stopInstance(ctx, inst)
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

// start runs one instance start to completion and resolves the shared
// future. Runs on a detached context bounded only by the start
// timeout.
func (r *Registry) start(ctx context.Context, key Key, p *pendingStart) {
	ctx, cancel := context.WithTimeout(ctx, r.startTimeout)
	defer cancel()

	inst, err := r.startInstance(ctx, key)

	r.mu.Lock()
	delete(r.pending, key)
	if err == nil {
		if r.closed {
			// Shutdown won the race with this start. Don't publish
			// the instance; tear it straight back down.
			r.mu.Unlock()
			stopCtx, stopCancel := context.WithTimeout(context.Background(), exitWaitTimeout+killWaitTimeout)
			r.stopInstance(stopCtx, inst)
			stopCancel()
			p.err = ErrClosed
			close(p.done)
			return
		}
		r.running[key] = inst
	}
	r.mu.Unlock()

	p.instance, p.err = inst, err
	close(p.done)

	if err == nil {
		go r.watch(inst)
	}
}

// startInstance performs the full start sequence: resolve the
// manifest, allocate the socket, spawn, initialize, subscribe, list
// commands. Any failure after spawn kills the worker and cleans up
// the socket before returning.
func (r *Registry) startInstance(ctx context.Context, key Key) (*Instance, error) {
	m, ok := r.manifests.Get(key.ExtensionID)
	if !ok {
		return nil, fmt.Errorf("starting %s: %w %q", key, ErrUnknownExtension, key.ExtensionID)
	}

	socketPath, err := r.allocator.SocketPath(key.ExtensionID, key.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("starting %s: %w", key, err)
	}
	storageDir := filepath.Join(r.storageRoot, key.ExtensionID, key.InstanceID)

	inst := &Instance{
		key:        key,
		socketPath: socketPath,
		storageDir: storageDir,
		logger:     r.logger.With("extension_id", key.ExtensionID, "instance_id", key.InstanceID),
		stopping:   make(chan struct{}),
		done:       make(chan struct{}),
	}
	inst.state.Store(int32(StateStarting))

	worker, err := r.launcher.Launch(ctx, launcher.Spec{
		ExtensionID: key.ExtensionID,
		InstanceID:  key.InstanceID,
		Entrypoint:  m.EntrypointPath(),
		SocketPath:  socketPath,
		StorageDir:  storageDir,
	})
	if err != nil {
		inst.state.Store(int32(StateFailed))
		r.allocator.Remove(key.ExtensionID, key.InstanceID)
		return nil, err
	}
	inst.worker = worker
	inst.logger = inst.logger.With("pid", worker.Pid())
	inst.state.Store(int32(StateReady))

	client := hostrpc.NewClient(socketPath)
	inst.client = client

	info, err := client.Initialize(ctx, hostrpc.InitParams{
		ExtensionID:      key.ExtensionID,
		InstanceID:       key.InstanceID,
		StorageDir:       storageDir,
		CredentialSocket: r.credentialSocket,
	})
	if err != nil {
		inst.state.Store(int32(StateFailed))
		r.abortLaunch(worker, key)
		return nil, fmt.Errorf("initializing %s: %w", key, err)
	}
	inst.info = info

	// The subscription must outlive the start context: it stays open
	// for the instance's whole life and is closed by the pump during
	// teardown.
	stream, err := client.Subscribe(context.Background())
	if err != nil {
		inst.state.Store(int32(StateFailed))
		r.abortLaunch(worker, key)
		return nil, fmt.Errorf("subscribing to %s: %w", key, err)
	}

	commands, err := client.ListCommands(ctx)
	if err != nil {
		inst.state.Store(int32(StateFailed))
		stream.Close()
		r.abortLaunch(worker, key)
		return nil, fmt.Errorf("listing commands of %s: %w", key, err)
	}
	inst.commands = commands

	inst.pump = relay.StartPump(r.hub, stream, key.ExtensionID, key.InstanceID, inst.logger)
	inst.state.Store(int32(StateRunning))

	inst.logger.Info("instance started",
		"worker_name", info.Name,
		"worker_version", info.Version,
		"commands", len(commands),
	)
	return inst, nil
}

// abortLaunch kills a worker whose start failed after spawn and
// removes its socket.
func (r *Registry) abortLaunch(worker *launcher.Worker, key Key) {
	if err := r.guardian.Kill(worker.Process()); err != nil {
		r.logger.Warn("killing worker after failed start", "key", key.String(), "error", err)
	}
	waitCtx, cancel := context.WithTimeout(context.Background(), killWaitTimeout)
	worker.WaitExit(waitCtx)
	cancel()
	r.allocator.Remove(key.ExtensionID, key.InstanceID)
}

// stopInstance tears one instance down. Concurrent callers converge:
// the first runs the sequence, the rest wait for it to finish.
//
// The order is what guarantees the no-events-after-stop property: the
// pump is closed (and drained) before the worker is asked to exit, so
// nothing the worker emits while dying can reach a listener.
func (r *Registry) stopInstance(ctx context.Context, inst *Instance) error {
	if !inst.beginTeardown() {
		select {
		case <-inst.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	defer close(inst.done)

	inst.state.Store(int32(StateStopping))
	inst.logger.Info("stopping instance")

	inst.pump.Close()

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownRequestTimeout)
	err := inst.client.Shutdown(shutdownCtx)
	cancel()
	if err != nil {
		inst.logger.Debug("graceful shutdown request failed", "error", err)
	}

	exitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), exitWaitTimeout)
	err = inst.worker.WaitExit(exitCtx)
	cancel()
	if err != nil {
		inst.logger.Warn("worker did not exit after shutdown, killing process group")
		if killErr := r.guardian.Kill(inst.worker.Process()); killErr != nil {
			inst.logger.Warn("killing worker process group", "error", killErr)
		}
		killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killWaitTimeout)
		inst.worker.WaitExit(killCtx)
		cancel()
	}

	if err := r.allocator.Remove(inst.key.ExtensionID, inst.key.InstanceID); err != nil {
		inst.logger.Warn("removing instance socket", "error", err)
	}

	// Brief pause before the pair's deterministic socket path may be
	// reused by a restart.
	time.Sleep(socketReuseDelay)

	inst.state.Store(int32(StateStopped))

	r.mu.Lock()
	if r.running[inst.key] == inst {
		delete(r.running, inst.key)
	}
	r.mu.Unlock()

	inst.logger.Info("instance stopped")
	return nil
}

// watch waits for the instance's process to exit. An exit that was
// not preceded by a Stop is a crash (or a self-exit): the watch
// reclaims the registry slot so the next EnsureRunning starts fresh.
func (r *Registry) watch(inst *Instance) {
	select {
	case <-inst.stopping:
		return
	case <-inst.worker.Exited():
	}

	if !inst.beginTeardown() {
		// An orderly stop began at the same moment; it owns cleanup.
		return
	}
	defer close(inst.done)

	inst.state.Store(int32(StateFailed))
	inst.logger.Warn("worker exited unexpectedly",
		"stderr_tail", inst.worker.DiagnosticTail(),
	)

	inst.pump.Close()
	if err := r.allocator.Remove(inst.key.ExtensionID, inst.key.InstanceID); err != nil {
		inst.logger.Warn("removing instance socket", "error", err)
	}

	r.mu.Lock()
	if r.running[inst.key] == inst {
		delete(r.running, inst.key)
	}
	r.mu.Unlock()
}

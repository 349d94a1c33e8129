// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/exthost/exthost/lib/endpoint"
	"github.com/exthost/exthost/lib/guardian"
	"github.com/exthost/exthost/lib/hostrpc"
	"github.com/exthost/exthost/lib/launcher"
	"github.com/exthost/exthost/lib/manifest"
	"github.com/exthost/exthost/lib/relay"
	"github.com/exthost/exthost/lib/testutil"
	"github.com/exthost/exthost/lib/workerkit"
)

// TestMain doubles as the worker binary: the launch scripts written
// by the tests re-exec this test executable with EXTHOST_WORKER_MAIN
// set, which routes into runTestWorker instead of the test runner.
func TestMain(m *testing.M) {
	if os.Getenv("EXTHOST_WORKER_MAIN") == "1" {
		runTestWorker()
		return
	}
	os.Exit(m.Run())
}

// runTestWorker is a complete worker built on workerkit. The commands
// cover the behaviors the registry tests need: echoing payloads,
// failing, emitting a stream of events, and dying mid-life.
func runTestWorker() {
	params, err := workerkit.ParseLaunchFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if delay := os.Getenv("EXTHOST_WORKER_DELAY_MS"); delay != "" {
		ms, _ := strconv.Atoi(delay)
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}

	if os.Getenv("EXTHOST_WORKER_IGNORE_SHUTDOWN") == "1" {
		runStubbornWorker(params)
		return
	}

	worker := workerkit.New("testworker", "0.0.1", slog.New(slog.NewTextHandler(io.Discard, nil)))
	worker.HandleCommand(hostrpc.CommandInfo{Name: "echo"}, func(ctx context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})
	worker.HandleCommand(hostrpc.CommandInfo{Name: "fail"}, func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, errors.New("intentional failure")
	})
	worker.HandleCommand(hostrpc.CommandInfo{Name: "start-heartbeat"}, func(ctx context.Context, payload []byte) ([]byte, error) {
		go func() {
			for {
				worker.PublishEvent("heartbeat", nil)
				time.Sleep(20 * time.Millisecond)
			}
		}()
		return nil, nil
	})
	worker.HandleCommand(hostrpc.CommandInfo{Name: "die"}, func(ctx context.Context, payload []byte) ([]byte, error) {
		go func() {
			time.Sleep(50 * time.Millisecond)
			os.Exit(3)
		}()
		return []byte("dying"), nil
	})

	if err := worker.Run(context.Background(), params); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// runStubbornWorker serves the full contract but acknowledges
// shutdown without ever exiting. workerkit always honors shutdown, so
// this one is wired directly on hostrpc to get a worker the host must
// kill.
func runStubbornWorker(params workerkit.LaunchParams) {
	server := hostrpc.NewServer(params.SocketPath, slog.New(slog.NewTextHandler(io.Discard, nil)))
	server.Handle(hostrpc.ActionInitialize, func(ctx context.Context, raw []byte) (any, error) {
		return hostrpc.WorkerInfo{Name: "stubborn", Version: "0.0.1"}, nil
	})
	server.Handle(hostrpc.ActionListCommands, func(ctx context.Context, raw []byte) (any, error) {
		return []hostrpc.CommandInfo{{Name: "echo"}}, nil
	})
	server.Handle(hostrpc.ActionExecute, func(ctx context.Context, raw []byte) (any, error) {
		return hostrpc.ExecuteResult{}, nil
	})
	server.Handle(hostrpc.ActionShutdown, func(ctx context.Context, raw []byte) (any, error) {
		return nil, nil
	})

	go func() {
		<-server.Ready()
		fmt.Fprintln(os.Stdout, hostrpc.ReadyLinePrefix+params.SocketPath)
	}()
	if err := server.Serve(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// writeWorkerScript writes an entrypoint script that re-execs the
// test binary as a worker, with extraEnv prepended (e.g. a startup
// delay). The launcher hands workers a minimal environment, so the
// script is where worker-side knobs get set.
func writeWorkerScript(t *testing.T, dir string, extraEnv ...string) string {
	t.Helper()
	self, err := os.Executable()
	if err != nil {
		t.Fatalf("locating test binary: %v", err)
	}
	env := "EXTHOST_WORKER_MAIN=1"
	for _, e := range extraEnv {
		env += " " + e
	}
	script := fmt.Sprintf("#!/bin/sh\n%s exec %q \"$@\"\n", env, self)
	path := filepath.Join(dir, "worker.sh")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing worker script: %v", err)
	}
	return path
}

// staticManifests is a ManifestSource over a fixed set.
type staticManifests map[string]*manifest.Manifest

func (s staticManifests) Get(extensionID string) (*manifest.Manifest, bool) {
	m, ok := s[extensionID]
	return m, ok
}

type testEnv struct {
	registry *Registry
	hub      *relay.Hub
}

// newTestEnv builds a registry whose single installed extension
// "testext" launches the re-exec worker script.
func newTestEnv(t *testing.T, extraEnv ...string) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	scriptDir := t.TempDir()
	writeWorkerScript(t, scriptDir, extraEnv...)

	allocator, err := endpoint.New(testutil.SocketDir(t))
	if err != nil {
		t.Fatalf("creating allocator: %v", err)
	}
	t.Cleanup(func() { allocator.Close() })

	g := guardian.New(logger)
	l, err := launcher.New(launcher.Config{Guardian: g, Logger: logger, ReadyTimeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("creating launcher: %v", err)
	}

	hub := relay.NewHub(logger)
	reg, err := New(Config{
		Launcher:  l,
		Allocator: allocator,
		Guardian:  g,
		Hub:       hub,
		Manifests: staticManifests{
			"testext": {ID: "testext", Name: "Test Extension", Entrypoint: "worker.sh", Dir: scriptDir},
		},
		StorageRoot: t.TempDir(),
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("creating registry: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		reg.StopAll(ctx)
	})
	return &testEnv{registry: reg, hub: hub}
}

func TestEnsureRunningStartsWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inst, err := env.registry.EnsureRunning(ctx, "testext", "main")
	if err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if inst.Info().Name != "testworker" {
		t.Errorf("worker name = %q, want %q", inst.Info().Name, "testworker")
	}
	if inst.State() != StateRunning {
		t.Errorf("state = %v, want running", inst.State())
	}

	names := make([]string, 0, len(inst.Commands()))
	for _, c := range inst.Commands() {
		names = append(names, c.Name)
	}
	if len(names) != 4 {
		t.Errorf("commands = %v, want 4 entries", names)
	}

	result, err := inst.Execute(ctx, "echo", []byte("hello"))
	if err != nil {
		t.Fatalf("Execute echo: %v", err)
	}
	if string(result) != "hello" {
		t.Errorf("echo result = %q, want %q", result, "hello")
	}

	got, ok := env.registry.Get("testext", "main")
	if !ok || got != inst {
		t.Errorf("Get returned %v, %v; want the started instance", got, ok)
	}

	again, err := env.registry.EnsureRunning(ctx, "testext", "main")
	if err != nil {
		t.Fatalf("second EnsureRunning: %v", err)
	}
	if again != inst {
		t.Error("second EnsureRunning returned a different instance")
	}
}

func TestConcurrentEnsureRunningSpawnsOneWorker(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const callers = 8
	instances := make([]*Instance, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			instances[i], errs[i] = env.registry.EnsureRunning(ctx, "testext", "shared")
		}()
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if instances[i] != instances[0] {
			t.Fatalf("caller %d received a different instance", i)
		}
	}
	if got := len(env.registry.List()); got != 1 {
		t.Errorf("List has %d instances, want 1", got)
	}
}

func TestStartFailureSharedByAllWaiters(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// The extension directory exists but the entrypoint does not, so
	// every launch attempt fails immediately.
	allocator, err := endpoint.New(testutil.SocketDir(t))
	if err != nil {
		t.Fatalf("creating allocator: %v", err)
	}
	t.Cleanup(func() { allocator.Close() })

	g := guardian.New(logger)
	l, err := launcher.New(launcher.Config{Guardian: g, Logger: logger})
	if err != nil {
		t.Fatalf("creating launcher: %v", err)
	}
	reg, err := New(Config{
		Launcher:  l,
		Allocator: allocator,
		Guardian:  g,
		Hub:       relay.NewHub(logger),
		Manifests: staticManifests{
			"broken": {ID: "broken", Entrypoint: "missing-binary", Dir: t.TempDir()},
		},
		StorageRoot: t.TempDir(),
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("creating registry: %v", err)
	}

	const callers = 4
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = reg.EnsureRunning(context.Background(), "broken", "main")
		}()
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] == nil {
			t.Fatalf("caller %d succeeded, want launch failure", i)
		}
	}
	if got := len(reg.List()); got != 0 {
		t.Errorf("List has %d instances after failed start, want 0", got)
	}
}

func TestEnsureRunningUnknownExtension(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.registry.EnsureRunning(context.Background(), "nonexistent", "main")
	if !errors.Is(err, ErrUnknownExtension) {
		t.Errorf("error = %v, want ErrUnknownExtension", err)
	}
}

func TestStopTerminatesWorkerAndRemovesInstance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inst, err := env.registry.EnsureRunning(ctx, "testext", "main")
	if err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	pid := inst.Pid()

	if err := env.registry.Stop(ctx, "testext", "main"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if inst.State() != StateStopped {
		t.Errorf("state = %v, want stopped", inst.State())
	}
	if _, ok := env.registry.Get("testext", "main"); ok {
		t.Error("instance still registered after Stop")
	}
	if err := syscall.Kill(pid, 0); err != syscall.ESRCH {
		t.Errorf("worker pid %d still alive after Stop (kill 0 = %v)", pid, err)
	}

	// Executing on the stopped instance handle fails cleanly.
	if _, err := inst.Execute(ctx, "echo", nil); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Execute after Stop = %v, want ErrNotRunning", err)
	}

	// Stopping an absent pair is a no-op.
	if err := env.registry.Stop(ctx, "testext", "main"); err != nil {
		t.Errorf("second Stop: %v", err)
	}
}

func TestNoEventsDeliveredAfterStop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	sub := env.hub.Subscribe(0)
	defer sub.Close()

	inst, err := env.registry.EnsureRunning(ctx, "testext", "main")
	if err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if _, err := inst.Execute(ctx, "start-heartbeat", nil); err != nil {
		t.Fatalf("start-heartbeat: %v", err)
	}

	event := testutil.RequireReceive(t, sub.Events(), 5*time.Second, "waiting for first heartbeat")
	if event.Type != "heartbeat" {
		t.Fatalf("event type = %q, want heartbeat", event.Type)
	}
	if event.ExtensionID != "testext" || event.InstanceID != "main" {
		t.Errorf("event origin = %s/%s, want testext/main", event.ExtensionID, event.InstanceID)
	}

	if err := env.registry.Stop(ctx, "testext", "main"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// Drain whatever was buffered before the stop completed, then
	// verify silence: nothing published after Stop returned.
	for {
		select {
		case <-sub.Events():
			continue
		case <-time.After(300 * time.Millisecond):
		}
		break
	}
	select {
	case event := <-sub.Events():
		t.Fatalf("event %q delivered after Stop returned", event.Type)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestCrashedWorkerIsReclaimedAndRestartable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inst, err := env.registry.EnsureRunning(ctx, "testext", "main")
	if err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	firstPid := inst.Pid()

	if _, err := inst.Execute(ctx, "die", nil); err != nil {
		t.Fatalf("die command: %v", err)
	}

	// The watch goroutine notices the exit and clears the slot.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, ok := env.registry.Get("testext", "main"); !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("crashed instance never removed from registry")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if inst.State() != StateFailed {
		t.Errorf("state = %v, want failed", inst.State())
	}

	replacement, err := env.registry.EnsureRunning(ctx, "testext", "main")
	if err != nil {
		t.Fatalf("restart after crash: %v", err)
	}
	if replacement.Pid() == firstPid {
		t.Error("restart reused the dead worker's pid record")
	}
	if _, err := replacement.Execute(ctx, "echo", []byte("x")); err != nil {
		t.Errorf("replacement instance not usable: %v", err)
	}
}

func TestUnknownCommandLeavesInstanceUsable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inst, err := env.registry.EnsureRunning(ctx, "testext", "main")
	if err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	_, err = inst.Execute(ctx, "no-such-command", nil)
	if !hostrpc.IsUnknownCommand(err) {
		t.Fatalf("error = %v, want unknown_command worker error", err)
	}

	if _, err := inst.Execute(ctx, "echo", []byte("still here")); err != nil {
		t.Errorf("instance unusable after unknown command: %v", err)
	}
	if inst.State() != StateRunning {
		t.Errorf("state = %v, want running", inst.State())
	}
}

func TestCommandFailureReportsWorkerError(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	inst, err := env.registry.EnsureRunning(ctx, "testext", "main")
	if err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	_, err = inst.Execute(ctx, "fail", nil)
	var workerErr *hostrpc.WorkerError
	if !errors.As(err, &workerErr) {
		t.Fatalf("error = %v, want *hostrpc.WorkerError", err)
	}
	if workerErr.Code != hostrpc.CodeCommandFailed {
		t.Errorf("code = %q, want %q", workerErr.Code, hostrpc.CodeCommandFailed)
	}
}

func TestStopAllClosesRegistry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for _, instanceID := range []string{"one", "two"} {
		if _, err := env.registry.EnsureRunning(ctx, "testext", instanceID); err != nil {
			t.Fatalf("EnsureRunning %s: %v", instanceID, err)
		}
	}

	if err := env.registry.StopAll(ctx); err != nil {
		t.Fatalf("StopAll: %v", err)
	}
	if got := len(env.registry.List()); got != 0 {
		t.Errorf("List has %d instances after StopAll, want 0", got)
	}

	if _, err := env.registry.EnsureRunning(ctx, "testext", "one"); !errors.Is(err, ErrClosed) {
		t.Errorf("EnsureRunning after StopAll = %v, want ErrClosed", err)
	}
}

func TestCancelledWaiterDoesNotAbortSharedStart(t *testing.T) {
	// The worker delays half a second before serving, long enough for
	// the cancelled waiter to give up while the start is in flight.
	env := newTestEnv(t, "EXTHOST_WORKER_DELAY_MS=500")

	cancelled, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := env.registry.EnsureRunning(cancelled, "testext", "main")
		errCh <- err
	}()
	time.Sleep(100 * time.Millisecond)
	cancel()

	err := testutil.RequireReceive(t, errCh, 5*time.Second, "waiting for cancelled caller")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled caller error = %v, want context.Canceled", err)
	}

	// The start keeps going; a patient caller still gets the instance.
	inst, err := env.registry.EnsureRunning(context.Background(), "testext", "main")
	if err != nil {
		t.Fatalf("patient caller: %v", err)
	}
	if _, err := inst.Execute(context.Background(), "echo", []byte("x")); err != nil {
		t.Errorf("instance not usable: %v", err)
	}
}

func TestStopEscalatesToKillWhenWorkerIgnoresShutdown(t *testing.T) {
	// This worker completes the whole start handshake but only ever
	// acknowledges the shutdown request; it never exits on its own.
	env := newTestEnv(t, "EXTHOST_WORKER_IGNORE_SHUTDOWN=1")
	ctx := context.Background()

	inst, err := env.registry.EnsureRunning(ctx, "testext", "main")
	if err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if inst.Info().Name != "stubborn" {
		t.Fatalf("worker name = %q, want the shutdown-ignoring worker", inst.Info().Name)
	}
	pid := inst.Pid()

	// Stop must wait out the graceful exit window, kill the process
	// group, and return well inside the combined escalation budget.
	start := time.Now()
	if err := env.registry.Stop(ctx, "testext", "main"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 9*time.Second {
		t.Errorf("Stop took %v, want under the graceful-then-kill budget", elapsed)
	}

	if inst.State() != StateStopped {
		t.Errorf("state = %v, want stopped", inst.State())
	}
	if _, ok := env.registry.Get("testext", "main"); ok {
		t.Error("instance still registered after Stop")
	}
	if err := syscall.Kill(pid, 0); err != syscall.ESRCH {
		t.Errorf("worker pid %d survived the kill escalation (kill 0 = %v)", pid, err)
	}
}

func TestStopDuringStartWaitsForStartThenStops(t *testing.T) {
	// The startup delay keeps the start in flight long enough for Stop
	// to arrive while the pair is still pending.
	env := newTestEnv(t, "EXTHOST_WORKER_DELAY_MS=500")
	ctx := context.Background()

	type started struct {
		inst *Instance
		err  error
	}
	startCh := make(chan started, 1)
	go func() {
		inst, err := env.registry.EnsureRunning(ctx, "testext", "main")
		startCh <- started{inst, err}
	}()
	time.Sleep(100 * time.Millisecond)

	if err := env.registry.Stop(ctx, "testext", "main"); err != nil {
		t.Fatalf("Stop during start: %v", err)
	}

	got := testutil.RequireReceive(t, startCh, 5*time.Second, "waiting for the starting caller")
	if got.err != nil {
		t.Fatalf("EnsureRunning: %v", got.err)
	}
	if got.inst.State() != StateStopped {
		t.Errorf("state = %v, want stopped", got.inst.State())
	}
	if _, ok := env.registry.Get("testext", "main"); ok {
		t.Error("instance still registered after Stop")
	}
	if err := syscall.Kill(got.inst.Pid(), 0); err != syscall.ESRCH {
		t.Errorf("worker pid %d still alive after Stop (kill 0 = %v)", got.inst.Pid(), err)
	}
}

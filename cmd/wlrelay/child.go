package main

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"

	"wlrelay/internal/config"
	"wlrelay/internal/endpoint"
)

// childDisplay is the WAYLAND_DISPLAY value that points a child at ln. A
// socket inside the runtime dir is named relative to it.
func childDisplay(ln *endpoint.Listener, runtimeDir string) string {
	if runtimeDir != "" && filepath.Dir(ln.Path()) == filepath.Clean(runtimeDir) &&
		filepath.Clean(os.Getenv(config.EnvRuntimeDir)) == filepath.Clean(runtimeDir) {
		return ln.Name()
	}
	return ln.Path()
}

// runChild runs args with WAYLAND_DISPLAY set to display and returns its
// exit status. Cancelling ctx forwards SIGTERM to the child.
func runChild(ctx context.Context, args []string, display string, log zerolog.Logger) int {
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(), config.EnvDisplay+"="+display)
	if err := cmd.Start(); err != nil {
		log.Error().Err(err).Str("command", args[0]).Msg("child start failed")
		return 127
	}
	log.Info().Str("command", args[0]).Int("pid", cmd.Process.Pid).Str("display", display).Msg("child started")

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		_ = cmd.Process.Signal(syscall.SIGTERM)
		err = <-done
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		log.Info().Str("command", args[0]).Msg("child exited")
		return 0
	case errors.As(err, &exitErr):
		code := exitErr.ExitCode()
		if code < 0 {
			// killed by a signal
			if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
				code = 128 + int(ws.Signal())
			} else {
				code = 1
			}
		}
		log.Info().Str("command", args[0]).Int("status", code).Msg("child exited")
		return code
	default:
		log.Error().Err(err).Str("command", args[0]).Msg("child wait failed")
		return 1
	}
}

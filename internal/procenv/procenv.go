// Package procenv holds process-wide settings that must be fixed before any
// child process is launched.
package procenv

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// StartMethod controls the environment handed to child processes.
type StartMethod string

const (
	// Spawn starts children with a minimal environment (see passthroughEnv).
	Spawn StartMethod = "spawn"
	// Inherit starts children with the full parent environment.
	Inherit StartMethod = "inherit"
)

var (
	mu     sync.Mutex
	method StartMethod
)

// ErrAlreadySet is returned when the start method was fixed earlier and
// force is false.
var ErrAlreadySet = errors.New("start method already set")

// ParseStartMethod validates a start method name; "" means spawn.
func ParseStartMethod(s string) (StartMethod, error) {
	switch StartMethod(strings.ToLower(strings.TrimSpace(s))) {
	case "", Spawn:
		return Spawn, nil
	case Inherit:
		return Inherit, nil
	default:
		return "", fmt.Errorf("unknown start method %q (want spawn|inherit)", s)
	}
}

// SetStartMethod fixes the process-wide start method. A second call fails
// with ErrAlreadySet unless force is true.
func SetStartMethod(m StartMethod, force bool) error {
	mu.Lock()
	defer mu.Unlock()
	if method != "" && !force {
		return ErrAlreadySet
	}
	method = m
	return nil
}

// Method returns the configured start method, spawn when unset.
func Method() StartMethod {
	mu.Lock()
	defer mu.Unlock()
	if method == "" {
		return Spawn
	}
	return method
}

// passthroughEnv lists variables a spawned child keeps.
var passthroughEnv = []string{
	"PATH", "HOME", "TMPDIR", "LD_LIBRARY_PATH", "DYLD_LIBRARY_PATH",
	"CUDA_VISIBLE_DEVICES", "HIP_VISIBLE_DEVICES", "GGML_CUDA_NO_PINNED",
}

// ChildEnv returns the environment for a new child process with extra
// KEY=VALUE pairs appended.
func ChildEnv(extra ...string) []string {
	var env []string
	if Method() == Inherit {
		env = os.Environ()
	} else {
		for _, k := range passthroughEnv {
			if v, ok := os.LookupEnv(k); ok {
				env = append(env, k+"="+v)
			}
		}
	}
	return append(env, extra...)
}

// reset clears the start method; tests only.
func reset() {
	mu.Lock()
	method = ""
	mu.Unlock()
}

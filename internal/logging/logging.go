// Package logging sets up the structured, per-component logger shared by
// every vmsh package. It plays the role gokvm leaves to bare fmt.Printf
// and log.Printf calls, but routed through sirupsen/logrus so that a
// single `vmsh -l` filter string can turn individual components up or
// down without recompiling.
package logging

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu      sync.RWMutex
	levels  = map[string]logrus.Level{}
	base    = logrus.New()
	fallback = logrus.InfoLevel
	loggers  = map[string][]*logrus.Logger{}
)

func init() {
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	if env := os.Getenv("VMSH_LOG"); env != "" {
		if err := Configure(env); err != nil {
			base.Warnf("VMSH_LOG: %v", err)
		}
	}
}

// Configure parses a "component=level,component=level" filter string,
// the same shape as RUST_LOG, and applies it both to every logger For
// has already returned and to those it returns later. An entry with no
// "=" sets the fallback level for every component that is not named
// explicitly.
func Configure(filter string) error {
	mu.Lock()
	defer mu.Unlock()

	newLevels := map[string]logrus.Level{}
	newFallback := fallback

	for _, part := range strings.Split(filter, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		component, levelName, hasComponent := strings.Cut(part, "=")
		if !hasComponent {
			levelName = component
			component = ""
		}

		level, err := logrus.ParseLevel(levelName)
		if err != nil {
			return fmt.Errorf("logging: invalid level %q: %w", levelName, err)
		}

		if component == "" {
			newFallback = level
		} else {
			newLevels[component] = level
		}
	}

	levels = newLevels
	fallback = newFallback

	for component, ls := range loggers {
		level, ok := levels[component]
		if !ok {
			level = fallback
		}

		for _, l := range ls {
			l.SetLevel(level)
		}
	}

	return nil
}

// For returns the logger for a named component (e.g. "tracer",
// "hypervisor", "mmiotrap", "virtio.blk"), honoring whatever filter was
// last passed to Configure.
func For(component string) *logrus.Entry {
	mu.Lock()
	defer mu.Unlock()

	level, ok := levels[component]
	if !ok {
		level = fallback
	}

	l := logrus.New()
	l.SetOutput(base.Out)
	l.SetFormatter(base.Formatter)
	l.SetLevel(level)
	loggers[component] = append(loggers[component], l)

	return l.WithField("component", component)
}

// Fatal logs err together with any residue left in the target and exits
// the process with status 1, unlike gokvm's main.go which panics
// directly on any setup failure.
func Fatal(component string, err error, residue ...string) {
	entry := For(component)
	if len(residue) > 0 {
		entry = entry.WithField("residue", strings.Join(residue, "; "))
	}

	entry.Error(err)
	os.Exit(1)
}

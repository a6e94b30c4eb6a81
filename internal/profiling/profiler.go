// Package profiling captures CPU, heap and trace profiles for one command
// invocation.
package profiling

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
)

// Options names the output file of each profile. Empty disables it.
type Options struct {
	CPU   string
	Mem   string
	Trace string
}

// Enabled reports whether any profile is requested.
func (o Options) Enabled() bool {
	return o.CPU != "" || o.Mem != "" || o.Trace != ""
}

// Session holds the profiles started for one command.
type Session struct {
	opts      Options
	cpuFile   *os.File
	traceFile *os.File
}

// Start begins CPU profiling and tracing as requested. The heap profile is
// written by Stop, so it reflects the end of the command.
func Start(opts Options) (*Session, error) {
	s := &Session{opts: opts}

	if opts.CPU != "" {
		f, err := os.Create(opts.CPU)
		if err != nil {
			return nil, fmt.Errorf("failed to create CPU profile file: %w", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to start CPU profile: %w", err)
		}
		s.cpuFile = f
	}

	if opts.Trace != "" {
		f, err := os.Create(opts.Trace)
		if err != nil {
			s.stopCPU()
			return nil, fmt.Errorf("failed to create trace file: %w", err)
		}
		if err := trace.Start(f); err != nil {
			_ = f.Close()
			s.stopCPU()
			return nil, fmt.Errorf("failed to start trace: %w", err)
		}
		s.traceFile = f
	}

	return s, nil
}

// Stop ends running profiles and writes the heap profile. It is safe to call
// on a nil or already stopped session.
func (s *Session) Stop() error {
	if s == nil {
		return nil
	}
	s.stopCPU()

	var errs []error
	if s.traceFile != nil {
		trace.Stop()
		errs = append(errs, s.traceFile.Close())
		s.traceFile = nil
	}
	if s.opts.Mem != "" {
		errs = append(errs, writeHeap(s.opts.Mem))
		s.opts.Mem = ""
	}
	return errors.Join(errs...)
}

func (s *Session) stopCPU() {
	if s.cpuFile == nil {
		return
	}
	pprof.StopCPUProfile()
	_ = s.cpuFile.Close()
	s.cpuFile = nil
}

func writeHeap(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create heap profile file: %w", err)
	}
	defer func() { _ = f.Close() }()

	// Collect first so the profile shows live objects only.
	runtime.GC()

	if err := pprof.WriteHeapProfile(f); err != nil {
		return fmt.Errorf("failed to write heap profile: %w", err)
	}
	return nil
}

package shell

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// We prefer to return stderr over the process exit code
type ExitErrorVerbose struct {
	E exec.ExitError
}

func (e ExitErrorVerbose) Error() string {
	if len(e.E.Stderr) != 0 {
		return string(e.E.Stderr)
	}
	return e.E.Error()
}

func Run(name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return "", ExitErrorVerbose{*exitErr}
		}
		return "", err
	}
	return string(out), nil
}

// Number of trailing output lines that we include in the error of a failed RunLines
const errorTailLines = 20

// RunLines runs a process to completion, and calls onLine for every line that it writes
// to stdout or stderr. onLine may be called from two goroutines, but never concurrently.
// If the process fails, the error includes the last few lines of output, because
// that's usually where the stack trace is.
func RunLines(ctx context.Context, onLine func(line string), dir string, env []string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	cmd.Env = env
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("Failed to start %v: %w", name, err)
	}

	var lock sync.Mutex
	tail := []string{}
	emit := func(line string) {
		lock.Lock()
		defer lock.Unlock()
		tail = append(tail, line)
		if len(tail) > errorTailLines {
			tail = tail[1:]
		}
		if onLine != nil {
			onLine(line)
		}
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scanLines(stdout, emit)
	}()
	go func() {
		defer wg.Done()
		scanLines(stderr, emit)
	}()
	// Pipes must be drained before Wait
	wg.Wait()

	err = cmd.Wait()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && len(tail) != 0 {
		return fmt.Errorf("%v failed (%v): %v", name, exitErr, strings.Join(tail, "\n"))
	}
	return err
}

func scanLines(r io.Reader, emit func(line string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		emit(scanner.Text())
	}
	// A line that overflows the scanner stops it, but the child must still be able to write
	io.Copy(io.Discard, r)
}

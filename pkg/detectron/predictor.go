package detectron

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/cyclopcam/detectorlab/pkg/nn"
	"github.com/cyclopcam/logs"
)

// How long Close waits for the bridge to exit after closing its stdin
const closeTimeout = 5 * time.Second

type serveRequest struct {
	Image string `json:"image"`
}

type serveResponse struct {
	Ready   bool                 `json:"ready"`
	Objects []nn.ObjectDetection `json:"objects"`
	Error   string               `json:"error"`
}

// predictor is a running "serve" process
type predictor struct {
	log     logs.Log
	classes []string

	lock    sync.Mutex // Guards the request/response pipe, and closed
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Reader
	closed  bool
	exited  chan struct{} // Closed when the process has been reaped
	waitErr error
}

func startPredictor(ctx context.Context, log logs.Log, config Config, env, args []string, classes []string) (*predictor, error) {
	// The process outlives ctx, so we don't use CommandContext
	cmd := exec.Command(config.Command[0], args...)
	cmd.Dir = config.WorkDir
	cmd.Env = env
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("Failed to start predictor: %w", err)
	}

	p := &predictor{
		log:     log,
		classes: classes,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReaderSize(stdout, 64*1024),
		exited:  make(chan struct{}),
	}

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			log.Infof("predictor: %v", scanner.Text())
		}
		io.Copy(io.Discard, stderr)
	}()

	resp, err := p.readResponse(ctx)
	if err == nil && !resp.Ready {
		err = fmt.Errorf("Predictor failed to start: %v", resp.Error)
	}
	if err != nil {
		p.kill()
		return nil, err
	}
	return p, nil
}

func (p *predictor) Classes() []string {
	return p.classes
}

func (p *predictor) DetectObjects(ctx context.Context, imagePath string) ([]nn.ObjectDetection, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return nil, errors.New("Predictor is closed")
	}
	req, _ := json.Marshal(serveRequest{Image: imagePath})
	req = append(req, '\n')
	if _, err := p.stdin.Write(req); err != nil {
		p.kill()
		return nil, fmt.Errorf("Failed to send request to predictor: %w", err)
	}
	resp, err := p.readResponse(ctx)
	if err != nil {
		// The pipe is out of sync now, so the process is useless
		p.kill()
		return nil, err
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("Predictor failed on %v: %v", imagePath, resp.Error)
	}
	for _, obj := range resp.Objects {
		if obj.Class < 0 || obj.Class >= len(p.classes) {
			return nil, fmt.Errorf("Predictor returned class %v, but only %v classes are known", obj.Class, len(p.classes))
		}
	}
	return resp.Objects, nil
}

type readResult struct {
	resp serveResponse
	err  error
}

// Read one response line, giving up if ctx is done
func (p *predictor) readResponse(ctx context.Context) (serveResponse, error) {
	result := make(chan readResult, 1)
	go func() {
		line, err := p.stdout.ReadBytes('\n')
		if err != nil {
			result <- readResult{err: fmt.Errorf("Predictor exited: %w", err)}
			return
		}
		r := readResult{}
		if err := json.Unmarshal(line, &r.resp); err != nil {
			r.err = fmt.Errorf("Invalid response from predictor: %w", err)
		}
		result <- r
	}()
	select {
	case r := <-result:
		return r.resp, r.err
	case <-ctx.Done():
		p.kill()
		// Killing the process unblocks the reader
		<-result
		return serveResponse{}, ctx.Err()
	}
}

// kill must be called with lock held, or before the predictor is shared
func (p *predictor) kill() {
	if p.closed {
		return
	}
	p.closed = true
	p.stdin.Close()
	p.cmd.Process.Kill()
	p.reap()
}

func (p *predictor) reap() {
	p.waitErr = p.cmd.Wait()
	close(p.exited)
}

func (p *predictor) Close() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	p.stdin.Close()
	go p.reap()
	select {
	case <-p.exited:
	case <-time.After(closeTimeout):
		p.log.Warnf("Predictor did not exit within %v, killing it", closeTimeout)
		p.cmd.Process.Kill()
		<-p.exited
	}
	var exitErr *exec.ExitError
	if p.waitErr != nil && !errors.As(p.waitErr, &exitErr) {
		return p.waitErr
	}
	return nil
}

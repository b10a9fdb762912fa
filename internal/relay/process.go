package relay

import (
	"context"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	stderrTailBytes = 4096
	// waitDelay bounds how long Wait may block on stderr after a kill.
	waitDelay = 2 * time.Second
)

// CommandFunc builds the transcoder command. It must use
// exec.CommandContext with the given ctx.
type CommandFunc func(ctx context.Context, name string, args ...string) *exec.Cmd

// transcoder is one running ffmpeg whose stdout we own through an os.Pipe.
// Owning the read end keeps Wait from closing it under a pending Read.
type transcoder struct {
	cmd    *exec.Cmd
	stdout *os.File
	cancel context.CancelFunc
	stderr *tailBuffer
	done   chan struct{}
	err    error
	once   sync.Once
}

func startTranscoder(ctx context.Context, command CommandFunc, path string, args []string) (*transcoder, error) {
	procCtx, cancel := context.WithCancel(ctx)
	cmd := command(procCtx, path, args...)

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderr := newTailBuffer(stderrTailBytes)
	cmd.Stdin = nil
	cmd.Stdout = stdoutW
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		stdoutR.Close()
		stdoutW.Close()
		cancel()
		return nil, err
	}
	// Only the child writes; EOF arrives when it exits.
	stdoutW.Close()

	t := &transcoder{
		cmd:    cmd,
		stdout: stdoutR,
		cancel: cancel,
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go func() {
		t.err = cmd.Wait()
		close(t.done)
	}()
	return t, nil
}

func (t *transcoder) Read(p []byte) (int, error) {
	return t.stdout.Read(p)
}

// stop kills the process group, reaps the child and closes our pipe end.
// Safe to call more than once and from any goroutine.
func (t *transcoder) stop() {
	t.once.Do(func() {
		t.cancel()
		_ = t.stdout.Close()
		<-t.done
	})
}

func (t *transcoder) pid() int {
	if t.cmd.Process == nil {
		return 0
	}
	return t.cmd.Process.Pid
}

// exitErr is only meaningful after stop.
func (t *transcoder) exitErr() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

var _ io.Writer = (*tailBuffer)(nil)

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(string(b.buf))
}

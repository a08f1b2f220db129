// Package audiosource turns an RTSP URL into a continuous byte stream of
// PCM-WAV audio by supervising an ffmpeg decoder subprocess, restarting it
// with backoff on transient failure.
package audiosource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ErrEndOfStream is returned by ReadChunk once the source has stopped for
// good, either via Stop or because restart attempts were exhausted.
var ErrEndOfStream = errors.New("audiosource: end of stream")

// Config describes one RTSP decoder subprocess.
type Config struct {
	URL                string
	Transport          string // "tcp" or "udp"
	SampleRate         int
	Channels           int
	OpenTimeout        time.Duration
	ReadTimeout        time.Duration
	MaxRestartAttempts int
	BackoffBase        time.Duration
	BackoffCap         time.Duration
	FFmpegPath         string // default "ffmpeg"
}

func (c Config) withDefaults() Config {
	if c.FFmpegPath == "" {
		c.FFmpegPath = "ffmpeg"
	}
	if c.Transport == "" {
		c.Transport = "tcp"
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 10 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 60 * time.Second
	}
	if c.MaxRestartAttempts <= 0 {
		c.MaxRestartAttempts = 10
	}
	return c
}

// chunk carries a read from the decoder's stdout, or a terminal error.
type chunk struct {
	data []byte
	err  error
}

// Source is a subprocess-backed producer of PCM-WAV bytes from one RTSP URL.
// The zero value is not usable; construct with New.
type Source struct {
	cfg    Config
	logger *slog.Logger

	state   atomic.Value // State
	backoff *backoff

	mu  sync.Mutex
	cmd *exec.Cmd

	stderr *ringBuffer

	chunks chan chunk
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Source in StateIdle. Call Start to begin decoding.
func New(cfg Config, logger *slog.Logger) *Source {
	cfg = cfg.withDefaults()
	s := &Source{
		cfg:     cfg,
		logger:  logger,
		backoff: newBackoff(cfg.BackoffBase, cfg.BackoffCap),
		stderr:  newRingBuffer(64),
		chunks:  make(chan chunk, 4),
	}
	s.state.Store(StateIdle)
	return s
}

// State returns the source's current lifecycle state.
func (s *Source) State() State {
	return s.state.Load().(State)
}

// Start launches the supervisor goroutine, which starts the decoder and
// restarts it with backoff on transient failure until ctx is cancelled, Stop
// is called, or MaxRestartAttempts is exceeded.
func (s *Source) Start(ctx context.Context) error {
	if s.cfg.URL == "" {
		return fmt.Errorf("audiosource: URL is required")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state.Store(StateStarting)

	s.wg.Add(1)
	go s.supervise(runCtx)
	return nil
}

// ReadChunk returns the next chunk of audio bytes, ErrEndOfStream once the
// source has stopped for good, or any other error if the decoder failed
// fatally (restart attempts exhausted).
func (s *Source) ReadChunk(ctx context.Context) ([]byte, error) {
	select {
	case c, ok := <-s.chunks:
		if !ok {
			return nil, ErrEndOfStream
		}
		if c.err != nil {
			return nil, c.err
		}
		return c.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Stop gracefully terminates the decoder subprocess and the supervisor loop.
func (s *Source) Stop() {
	s.state.Store(StateStopping)
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.state.Store(StateStopped)
}

func (s *Source) supervise(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.chunks)

	restartID := uuid.NewString()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if s.backoff.attempts() >= s.cfg.MaxRestartAttempts {
			s.state.Store(StateFailed)
			s.emit(chunk{err: fmt.Errorf("audiosource: exceeded %d restart attempts for %q", s.cfg.MaxRestartAttempts, s.cfg.URL)})
			return
		}

		s.state.Store(StateStarting)
		startedAt := time.Now()
		err := s.runOnce(ctx, restartID)
		runTime := time.Since(startedAt)

		if ctx.Err() != nil {
			s.state.Store(StateStopped)
			return
		}

		if err != nil {
			wait := s.backoff.next()
			s.logger.Warn("audio source decoder exited, restarting",
				"url", s.cfg.URL, "restart_id", restartID, "attempt", s.backoff.attempts(),
				"run_duration", runTime, "retry_in", wait, "error", err)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				s.state.Store(StateStopped)
				return
			}
			continue
		}

		// Clean exit (e.g. ffmpeg reconnect flags exhausted): treat as
		// transient too, restart immediately without consuming the backoff.
		s.logger.Info("audio source decoder exited cleanly, restarting", "url", s.cfg.URL)
	}
}

func (s *Source) runOnce(ctx context.Context, restartID string) error {
	args := s.buildArgs()
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	cmd := exec.CommandContext(runCtx, s.cfg.FFmpegPath, args...)
	// On cancellation, interrupt the decoder first and kill it only if it
	// has not exited within the grace period.
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = 5 * time.Second

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("creating stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting decoder: %w", err)
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()
	s.state.Store(StateRunning)
	s.backoff.reset()

	go s.drainStderr(stderr, restartID)

	readErr := s.pumpStdout(ctx, stdout)
	// A stall or read error can leave the decoder running; stop it so Wait
	// returns and the supervisor can restart it.
	cancelRun()
	waitErr := cmd.Wait()

	s.mu.Lock()
	s.cmd = nil
	s.mu.Unlock()

	if ctx.Err() != nil {
		return nil
	}
	if readErr != nil {
		return readErr
	}
	if waitErr != nil {
		return fmt.Errorf("decoder exited: %w", waitErr)
	}
	return nil
}

// pumpStdout copies decoder stdout into the chunk channel until EOF, a read
// error, or a read timeout (treated as a stall and surfaced as an error so
// the supervisor restarts the decoder).
func (s *Source) pumpStdout(ctx context.Context, stdout io.ReadCloser) error {
	r := bufio.NewReaderSize(stdout, 32*1024)
	buf := make([]byte, 32*1024)

	type readResult struct {
		n   int
		err error
	}

	for {
		resultCh := make(chan readResult, 1)
		go func() {
			n, err := r.Read(buf)
			resultCh <- readResult{n, err}
		}()

		select {
		case <-ctx.Done():
			return nil
		case res := <-resultCh:
			if res.n > 0 {
				data := make([]byte, res.n)
				copy(data, buf[:res.n])
				s.emit(chunk{data: data})
			}
			if res.err != nil {
				if errors.Is(res.err, io.EOF) {
					return fmt.Errorf("decoder stdout closed: %w", res.err)
				}
				return fmt.Errorf("reading decoder stdout: %w", res.err)
			}
		case <-time.After(s.cfg.ReadTimeout):
			return fmt.Errorf("decoder stdout read timeout after %s (gap detected)", s.cfg.ReadTimeout)
		}
	}
}

func (s *Source) emit(c chunk) {
	select {
	case s.chunks <- c:
	default:
		// Downstream is behind; drop the oldest queued chunk to keep the
		// channel bounded, then push the new one in its place.
		select {
		case <-s.chunks:
		default:
		}
		select {
		case s.chunks <- c:
		default:
		}
	}
}

// drainStderr rate-limits and logs the decoder's standard error as warnings.
func (s *Source) drainStderr(stderr io.ReadCloser, restartID string) {
	scanner := bufio.NewScanner(stderr)
	lastLog := time.Time{}
	const logInterval = 2 * time.Second
	for scanner.Scan() {
		line := scanner.Text()
		s.stderr.add(line)
		if time.Since(lastLog) < logInterval {
			continue
		}
		lastLog = time.Now()
		s.logger.Warn("audio source decoder stderr", "url", s.cfg.URL, "restart_id", restartID, "line", line)
	}
}

// RecentStderr returns the most recent lines written to the decoder's
// standard error, for diagnostics.
func (s *Source) RecentStderr() []string {
	return s.stderr.lines()
}

func (s *Source) buildArgs() []string {
	args := []string{
		"-rtsp_transport", s.cfg.Transport,
		"-stimeout", strconv.FormatInt(s.cfg.OpenTimeout.Microseconds(), 10),
		"-i", s.cfg.URL,
		"-vn",
		"-f", "wav",
		"-acodec", "pcm_s16le",
		"-ar", strconv.Itoa(s.cfg.SampleRate),
		"-ac", strconv.Itoa(s.cfg.Channels),
		"pipe:1",
	}
	return args
}

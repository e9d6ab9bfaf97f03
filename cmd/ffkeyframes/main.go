// Command ffkeyframes prints a sparse index of keyframe timestamps for a
// media file.
//
//	ffkeyframes <input_path> <interval_seconds>
//
// Output on stdout:
//
//	duration:<ticks>
//	<ticks>
//	...
//	keyframes_count:<n>
//
// Ticks are in units of 1/10,000,000 s. The exit status is 0 when at least
// one keyframe was found.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cleoag/ffkeyframes/internal/config"
	"github.com/cleoag/ffkeyframes/internal/keyframe"
	"github.com/cleoag/ffkeyframes/internal/logger"
	"github.com/cleoag/ffkeyframes/internal/media"
	"github.com/cleoag/ffkeyframes/internal/media/source"
	"github.com/cleoag/ffkeyframes/internal/metrics"
)

const (
	exitOK   = 0
	exitFail = 1
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: ffkeyframes <input_path> <interval_seconds>")
}

func parseInterval(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, fmt.Errorf("interval must be a positive number of seconds, got %q", s)
	}
	return v, nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return exitFail
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "logger: %v\n", err)
		return exitFail
	}
	defer log.Sync()

	if len(args) != 2 {
		usage(stderr)
		return exitFail
	}
	path := args[0]
	interval, err := parseInterval(args[1])
	if err != nil {
		log.Error("bad interval", zap.String("interval", args[1]), zap.Error(err))
		usage(stderr)
		return exitFail
	}

	m := metrics.New()
	started := time.Now()
	res, result, code := scan(ctx, cfg, log, path, interval, stdout)

	if cfg.MetricsFile != "" {
		m.ObserveScan(metrics.Scan{
			Result:    result,
			Keyframes: res.Count + res.Untimed,
			Packets:   res.Packets,
			Seeks:     res.Seeks,
			Degraded:  res.Degraded,
			Elapsed:   time.Since(started),
		})
		if err := m.WriteTextfile(cfg.MetricsFile); err != nil {
			log.Warn("write metrics", zap.String("file", cfg.MetricsFile), zap.Error(err))
		}
	}
	return code
}

// stopGrace bounds how long an interrupted scan may take to return once its
// input has been closed.
var stopGrace = 2 * time.Second

func scan(ctx context.Context, cfg *config.Config, log *zap.Logger, path string, interval float64, stdout io.Writer) (keyframe.Result, string, int) {
	log = log.With(zap.String("input", path))

	c, format, err := source.Open(path)
	if err != nil {
		log.Error("open input", zap.Error(err))
		return keyframe.Result{}, metrics.ResultError, exitFail
	}
	log = log.With(zap.String("format", string(format)))
	return scanContainer(ctx, cfg.Timeout, log, c, interval, stdout)
}

// scanContainer prints the keyframe index of c and closes it. The scan runs
// in its own goroutine so that an interrupt or timeout returns even when a
// read is stuck inside the container.
func scanContainer(ctx context.Context, timeout time.Duration, log *zap.Logger, c media.Container, interval float64, stdout io.Writer) (keyframe.Result, string, int) {
	closeInput := sync.OnceValue(c.Close)
	defer closeInput()

	sel, err := keyframe.SelectStream(c)
	if err != nil {
		log.Error("select stream", zap.Error(err))
		return keyframe.Result{}, metrics.ResultError, exitFail
	}

	sc, err := keyframe.NewScanner(c, sel, interval, log)
	if err != nil {
		log.Error("prepare scan", zap.Error(err))
		return keyframe.Result{}, metrics.ResultError, exitFail
	}

	out := bufio.NewWriter(stdout)
	defer out.Flush()

	if d, ok := sc.Duration(); ok {
		fmt.Fprintf(out, "duration:%d\n", d)
	} else {
		fmt.Fprintln(out, "duration:N/A")
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	stamps := make(chan int64)
	finished := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(finished)
		defer close(stamps)
		for sc.Next(gctx) {
			select {
			case stamps <- sc.Timestamp():
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return sc.Err()
	})
	g.Go(func() error {
		select {
		case <-finished:
			return nil
		case <-ctx.Done():
		}
		select {
		case <-finished:
			return nil
		default:
		}
		log.Warn("scan interrupted, closing input", zap.Error(ctx.Err()))
		if err := closeInput(); err != nil {
			log.Debug("close input", zap.Error(err))
		}
		return ctx.Err()
	})

	printed := 0
collect:
	for {
		select {
		case ts, ok := <-stamps:
			if !ok {
				break collect
			}
			fmt.Fprintln(out, ts)
			printed++
		case <-ctx.Done():
			break collect
		}
	}

	waited := make(chan error, 1)
	go func() { waited <- g.Wait() }()
	var grace <-chan time.Time
	if ctx.Err() != nil {
		grace = time.After(stopGrace)
	}

	var (
		res         keyframe.Result
		interrupted bool
	)
	select {
	case err := <-waited:
		res = sc.Result()
		interrupted = err != nil
	case <-grace:
		// the scan goroutine is left behind; sc must not be touched
		interrupted = true
		log.Error("scan did not stop after its input was closed", zap.Duration("grace", stopGrace))
	}
	res.Count = printed

	fmt.Fprintf(out, "keyframes_count:%d\n", res.Count+res.Untimed)
	if err := out.Flush(); err != nil {
		log.Error("write output", zap.Error(err))
		return res, metrics.ResultError, exitFail
	}

	switch {
	case interrupted:
		return res, metrics.ResultInterrupted, exitFail
	case !res.Success():
		log.Error("no keyframes found", zap.NamedError("stop", res.Stop))
		return res, metrics.ResultNoKeyframes, exitFail
	}
	if res.Untimed > 0 {
		log.Warn("keyframes without timestamps were counted but not listed", zap.Int("untimed", res.Untimed))
	}
	if res.Stop != nil && !errors.Is(res.Stop, media.ErrSeekFailed) && !errors.Is(res.Stop, media.ErrEndOfStream) {
		log.Warn("scan ended on read error", zap.Error(res.Stop))
	}
	return res, metrics.ResultOK, exitOK
}

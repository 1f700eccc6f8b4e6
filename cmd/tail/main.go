package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/seedtray/tailcursor"
	"github.com/seedtray/tailcursor/internal/config"
	"github.com/seedtray/tailcursor/internal/logger"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// demoFudge is added to the demo writer's total pause time when no -maxwait
// is given.
const demoFudge = 10 * time.Second

func main() {
	conf := config.Defaults()
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	conf.SetFlags(fs)
	fs.Parse(os.Args[1:])
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, conf, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "tail:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, conf config.Config, out io.Writer) (err error) {
	if err := conf.Validate(); err != nil {
		return err
	}
	log, err := logger.New(conf.Log)
	if err != nil {
		return errors.Wrap(err, "opening log")
	}
	defer log.Sync()

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	metrics := tailcursor.NewMetrics(registry)
	if addr := conf.Metrics.Addr; addr != "" {
		srv := &http.Server{
			Addr:    addr,
			Handler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server", zap.Error(err))
			}
		}()
		defer func() { err = multierr.Append(err, srv.Close()) }()
	}

	src, err := openSource(conf.Source, log)
	if err != nil {
		return err
	}
	if src.close != nil {
		defer func() { err = multierr.Append(err, src.close()) }()
	}

	opts := tailcursor.Options{
		Logger:   log,
		Metrics:  metrics,
		PollWait: conf.Reader.PollWait,
		MinRetry: conf.Reader.MinRetry,
		MaxRetry: conf.Reader.MaxRetry,
	}
	maxWait := conf.Reader.MaxWait
	if maxWait == 0 && conf.Source.Kind == config.KindDemo {
		maxWait = conf.Source.Demo.Pauses.Total() + demoFudge
	}
	if maxWait > 0 {
		opts.Deadline = time.Now().Add(maxWait)
	}
	sess, err := tailcursor.Open(ctx, src, tailcursor.Marker(conf.Reader.From), opts)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, sess.Close()) }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)
	if src.feed != nil {
		g.Go(func() error { return src.feed(ctx) })
	}
	g.Go(func() error {
		defer cancel()
		n, err := follow(ctx, sess, conf.Reader, out)
		log.Info("tail finished", zap.Int("records", n), zap.Stringer("marker", sess.Marker()))
		return err
	})
	return g.Wait()
}

// follow writes records as "marker<TAB>payload" lines until the session ends
// or count records have been written.
func follow(ctx context.Context, sess *tailcursor.Session, conf config.Reader, out io.Writer) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w := bufio.NewWriter(out)
	var n int
	for batch := range sess.Batches(ctx, conf.BatchSize) {
		if conf.Count > 0 && n >= conf.Count {
			// drain what was in flight when we stopped
			continue
		}
		for _, rec := range batch.Records {
			fmt.Fprintf(w, "%s\t%s\n", rec.Marker, rec.Payload)
			n++
			if conf.Count > 0 && n >= conf.Count {
				cancel()
				break
			}
		}
		if err := w.Flush(); err != nil {
			return n, err
		}
	}
	if conf.Count > 0 && n >= conf.Count {
		return n, nil
	}
	switch err := sess.Err(); {
	case errors.Is(err, tailcursor.ErrExhausted), errors.Is(err, context.Canceled):
		return n, nil
	default:
		return n, err
	}
}

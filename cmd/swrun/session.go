package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeycumines/go-swruntime/config"
	"github.com/joeycumines/go-swruntime/eventloop"
	gojaruntime "github.com/joeycumines/go-swruntime/goja-runtime"
	"github.com/joeycumines/go-swruntime/httpclient"
	"github.com/joeycumines/logiface"
)

// session is one loop and the runtime bound to it.
type session struct {
	cfg    *config.Config
	logger *logiface.Logger[logiface.Event]
	loop   *eventloop.Loop
	rt     *gojaruntime.Runtime
}

func newSession(cfg *config.Config, logger *logiface.Logger[logiface.Event]) (*session, error) {
	loopOpts := []eventloop.LoopOption{eventloop.WithLogger(logger)}
	if cfg.Loop.IngressBudget > 0 {
		loopOpts = append(loopOpts, eventloop.WithIngressBudget(cfg.Loop.IngressBudget))
	}
	loop, err := eventloop.New(loopOpts...)
	if err != nil {
		return nil, err
	}
	rt, err := gojaruntime.New(loop,
		gojaruntime.WithLogger(logger),
		gojaruntime.WithServerConfig(cfg.ServerConfig()),
		gojaruntime.WithBaseDir(cfg.Script.BaseDir),
		gojaruntime.WithHTTPClient(httpclient.New(
			httpclient.WithLogger(logger),
			httpclient.WithTimeout(cfg.Client.Timeout.Std()),
		)),
	)
	if err != nil {
		_ = loop.Close()
		return nil, err
	}
	if err := rt.Bind(); err != nil {
		_ = loop.Close()
		return nil, err
	}
	return &session{cfg: cfg, logger: logger, loop: loop, rt: rt}, nil
}

// wait runs the loop until it goes idle. The first SIGINT or SIGTERM closes
// every script resource so the loop can drain; a second one interrupts the
// running script and stops the loop outright.
func (s *session) wait(ctx context.Context) error {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	go func() {
		select {
		case sig := <-sigs:
			s.logger.Notice().Str("signal", sig.String()).Log("swrun: shutting down")
		case <-ctx.Done():
		case <-s.loop.Done():
			return
		}
		_ = s.rt.Close()
		select {
		case <-sigs:
			s.logger.Warning().Log("swrun: forced shutdown")
			s.kill()
		case <-s.loop.Done():
		}
	}()

	return s.rt.Wait(context.WithoutCancel(ctx))
}

// stop closes the session, forcing the loop down if it has not drained
// within the shutdown timeout.
func (s *session) stop() {
	_ = s.rt.Close()
	timeout := s.cfg.HTTP.ShutdownTimeout.Std()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-s.loop.Done():
	case <-time.After(timeout):
		s.logger.Warning().Dur("timeout", timeout).Log("swrun: loop did not drain, forcing")
		s.kill()
	}
}

func (s *session) kill() {
	s.rt.Interrupt("swrun: terminated")
	_ = s.loop.Close()
}

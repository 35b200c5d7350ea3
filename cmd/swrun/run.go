package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joeycumines/go-swruntime/config"
	"github.com/joeycumines/logiface"
	"github.com/spf13/cobra"
)

// watchDebounce coalesces the burst of events an editor save produces.
const watchDebounce = 300 * time.Millisecond

func newRunCommand(flags *globalFlags) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "run <script>",
		Short: "Run a .js or .ts file until it has nothing left to do",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg)
			if err != nil {
				return err
			}
			if _, err := os.Stat(args[0]); err != nil {
				return err
			}
			if watch {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()
				return runWatch(ctx, cfg, logger, args[0])
			}
			return runOnce(cmd.Context(), cfg, logger, args[0])
		},
	}
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "restart the script when a file next to it changes")
	return cmd
}

func runOnce(ctx context.Context, cfg *config.Config, logger *logiface.Logger[logiface.Event], path string) error {
	s, err := newSession(cfg, logger)
	if err != nil {
		return err
	}
	if err := s.rt.RunFile(path); err != nil {
		_ = s.loop.Close()
		return err
	}
	if err := s.wait(ctx); err != nil {
		return err
	}
	if n := s.rt.Uncaught(); n > 0 {
		return fmt.Errorf("swrun: %d uncaught error(s)", n)
	}
	return nil
}

// runWatch runs path in a fresh session, restarting it whenever a script
// or JSON file in its directory changes, until ctx is done.
func runWatch(ctx context.Context, cfg *config.Config, logger *logiface.Logger[logiface.Event], path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	for {
		s, err := newSession(cfg, logger)
		if err != nil {
			return err
		}
		done := make(chan error, 1)
		if err := s.rt.RunFile(abs); err != nil {
			logger.Err().Err(err).Str("path", abs).Log("swrun: cannot start script")
			_ = s.loop.Close()
			done = nil
		} else {
			go func() { done <- s.rt.Wait(context.Background()) }()
		}

		var debounce <-chan time.Time
	wait:
		for {
			select {
			case <-ctx.Done():
				if done != nil {
					s.stop()
					<-done
				}
				return nil
			case err := <-done:
				done = nil
				if err != nil {
					logger.Err().Err(err).Log("swrun: script failed")
				}
				logger.Info().Str("path", abs).Log("swrun: waiting for changes")
			case ev, ok := <-w.Events:
				if !ok {
					return nil
				}
				if watched(ev) {
					debounce = time.After(watchDebounce)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return nil
				}
				logger.Warning().Err(err).Log("swrun: watch error")
			case <-debounce:
				break wait
			}
		}

		logger.Info().Str("path", abs).Log("swrun: change detected, restarting")
		if done != nil {
			s.stop()
			<-done
		}
	}
}

func watched(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	switch filepath.Ext(ev.Name) {
	case ".js", ".mjs", ".cjs", ".ts", ".mts", ".cts", ".json":
		return true
	}
	return false
}

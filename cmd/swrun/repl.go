package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/dop251/goja"
	prompt "github.com/joeycumines/go-prompt"
	"github.com/spf13/cobra"
)

func newREPLCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Evaluate lines interactively; timers and servers keep running between lines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.load()
			if err != nil {
				return err
			}
			logger, err := newLogger(cmd.ErrOrStderr(), cfg)
			if err != nil {
				return err
			}
			s, err := newSession(cfg, logger)
			if err != nil {
				return err
			}

			// the loop stays up until the prompt exits
			release := s.loop.Hold()
			done := make(chan error, 1)
			go func() { done <- s.rt.Wait(context.Background()) }()

			out := cmd.OutOrStdout()
			p := prompt.New(
				func(line string) {
					line = strings.TrimSpace(line)
					if line == "" || line == ".exit" {
						return
					}
					fmt.Fprintln(out, evalLine(s, line))
				},
				prompt.WithPrefix("> "),
				prompt.WithTitle("swrun"),
				prompt.WithExitChecker(func(in string, breakline bool) bool {
					return breakline && strings.TrimSpace(in) == ".exit"
				}),
			)
			p.RunNoExit()

			release()
			s.stop()
			return <-done
		},
	}
}

// evalLine evaluates line on the loop and waits for its formatted result.
func evalLine(s *session, line string) string {
	result := make(chan string, 1)
	err := s.rt.Eval("[repl]", line, func(v goja.Value, err error) {
		if err != nil {
			result <- "Uncaught " + err.Error()
			return
		}
		result <- s.rt.Format(v)
	})
	if err != nil {
		return err.Error()
	}
	select {
	case r := <-result:
		return r
	case <-s.loop.Done():
		return "loop terminated"
	}
}

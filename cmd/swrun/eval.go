package main

import (
	"fmt"

	"github.com/dop251/goja"
	"github.com/spf13/cobra"
)

func newEvalCommand(flags *globalFlags) *cobra.Command {
	var printResult bool
	cmd := &cobra.Command{
		Use:   "eval <code>",
		Short: "Evaluate a snippet, then run the loop until it is idle",
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
			s, err := newSession(cfg, logger)
			if err != nil {
				return err
			}
			var evalErr error
			if err := s.rt.Eval("[eval]", args[0], func(v goja.Value, err error) {
				if err != nil {
					evalErr = err
					_ = s.rt.Close()
					return
				}
				if printResult {
					fmt.Fprintln(cmd.OutOrStdout(), s.rt.Format(v))
				}
			}); err != nil {
				_ = s.loop.Close()
				return err
			}
			if err := s.wait(cmd.Context()); err != nil {
				return err
			}
			return evalErr
		},
	}
	cmd.Flags().BoolVarP(&printResult, "print", "p", false, "print the completion value")
	return cmd
}

package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wippyai/hostbridge"
)

func newExecCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "exec <procedure> [args...]",
		Short: "Call one managed procedure and print the result",
		Long: `Open the configured engine, call the named procedure inside a fresh
invocation frame, and print the result. Built-in procedures:

  echo [args...]    return the arguments
  scratch           register frame-owned blocks, freed at frame exit
  tx-demo           set and roll back a nested transactional scope
  query <stmt>      run a statement on the frame connection
  fail              raise a managed failure through the bridge

Example:
  bridgectl exec echo hello
  bridgectl --engine sqlite exec query "SELECT 1"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			if err := configureLogging(cfg); err != nil {
				return err
			}
			s, err := openSession(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = s.close() }()

			callArgs := make([]hostbridge.Native, len(args)-1)
			for i, a := range args[1:] {
				callArgs[i] = a
			}
			out, err := s.disp.Call(context.Background(), args[0], callArgs...)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), fmt.Sprint(out))

			if opts.verbose {
				st := s.stack.Registry().Stats()
				fmt.Fprintf(cmd.ErrOrStderr(),
					"registry: registered=%d live=%d released=%d dropped=%d\n",
					st.Registered, st.Live, st.Released, st.Dropped)
			}
			return nil
		},
		ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
			if len(args) > 0 {
				return nil, cobra.ShellCompDirectiveNoFileComp
			}
			names := []string{"echo", "scratch", "tx-demo", "query", "fail"}
			var out []string
			for _, n := range names {
				if strings.HasPrefix(n, toComplete) {
					out = append(out, n)
				}
			}
			return out, cobra.ShellCompDirectiveNoFileComp
		},
	}
}

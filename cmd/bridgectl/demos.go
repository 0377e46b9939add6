package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/wippyai/hostbridge"
	"github.com/wippyai/hostbridge/errors"
	"github.com/wippyai/hostbridge/invocation"
	"github.com/wippyai/hostbridge/resource"
)

// allocator is the engine-side allocation helper memhost and
// sqlitehost expose; it is not part of the SPI, so the demo degrades
// gracefully on engines without it.
type allocator interface {
	Alloc(size int) hostbridge.Native
}

// registerDemos installs the built-in procedures the CLI calls. They
// exist to exercise the bridge visibly: frame-owned resources, nested
// scopes, failure propagation, and statement execution.
func registerDemos(s *session) error {
	procs := map[string]invocation.Func{
		"echo": func(ctx context.Context, fr *invocation.Frame, args []hostbridge.Native) (hostbridge.Native, error) {
			parts := make([]string, len(args))
			for i, a := range args {
				parts[i] = fmt.Sprint(a)
			}
			return strings.Join(parts, " "), nil
		},

		// Allocates blocks owned by the frame; they are freed when the
		// frame pops, which the registry stats then show.
		"scratch": func(ctx context.Context, fr *invocation.Frame, args []hostbridge.Native) (hostbridge.Native, error) {
			a, ok := s.host.(allocator)
			if !ok {
				return nil, errors.Unsupported(errors.PhaseCall, "engine "+s.host.Name()+" has no allocation helper")
			}
			const blocks = 4
			for i := 0; i < blocks; i++ {
				b := a.Alloc(64 << i)
				if _, err := s.stack.Registry().Register(b, resource.OpFreeBlock, fr.Owner()); err != nil {
					return nil, err
				}
			}
			return fmt.Sprintf("registered %d frame-owned blocks", blocks), nil
		},

		// Sets a savepoint and rolls it back, round-tripping the
		// controller's unwind.
		"tx-demo": func(ctx context.Context, fr *invocation.Frame, args []hostbridge.Native) (hostbridge.Native, error) {
			sp, err := s.ctrl.Set("demo")
			if err != nil {
				return nil, err
			}
			if err := sp.Rollback(); err != nil {
				return nil, err
			}
			return fmt.Sprintf("savepoint %s set at level %d and rolled back", sp.Name(), sp.Level()), nil
		},

		// Fails on purpose so the error bridge has something to carry
		"fail": func(ctx context.Context, fr *invocation.Frame, args []hostbridge.Native) (hostbridge.Native, error) {
			return nil, errors.New(errors.PhaseCall, errors.KindHostFailure).
				Entity("fail").
				Detail("demo failure requested").
				Build()
		},

		// Runs a statement on the frame connection and prints up to
		// ten rows. Needs a Querier engine.
		"query": func(ctx context.Context, fr *invocation.Frame, args []hostbridge.Native) (hostbridge.Native, error) {
			if len(args) == 0 {
				return nil, errors.InvalidInput(errors.PhaseCall, "query needs a statement argument")
			}
			text := fmt.Sprint(args[0])

			conn, err := fr.Connect(ctx)
			if err != nil {
				return nil, err
			}
			plan, err := conn.Prepare(ctx, text)
			if err != nil {
				return nil, err
			}
			cur, err := plan.Open(ctx)
			if err != nil {
				return nil, err
			}
			rs, err := cur.Fetch(ctx, 10)
			if err != nil {
				return nil, err
			}

			var b strings.Builder
			desc, err := rs.Descriptor()
			if err != nil {
				return nil, err
			}
			for i, col := range desc.Columns() {
				if i > 0 {
					b.WriteString(" | ")
				}
				b.WriteString(col.Name)
			}
			for i := 0; i < rs.Len(); i++ {
				row, err := rs.Row(i)
				if err != nil {
					return nil, err
				}
				b.WriteByte('\n')
				for j, v := range row.Values() {
					if j > 0 {
						b.WriteString(" | ")
					}
					fmt.Fprint(&b, v)
				}
			}
			// cursor, result set, and descriptor are frame-owned and
			// released on pop; nothing to close by hand here
			return b.String(), nil
		},
	}

	for name, fn := range procs {
		if err := s.disp.Register(name, fn); err != nil {
			return err
		}
	}
	return nil
}

package invocation

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/wippyai/hostbridge"
	"github.com/wippyai/hostbridge/errors"
	"github.com/wippyai/hostbridge/host/memhost"
	"github.com/wippyai/hostbridge/resource"
)

func TestDispatcher_Call_ReturnsResult(t *testing.T) {
	e := memhost.New()
	s := NewStack(e)
	d := NewDispatcher(s)

	err := d.Register("greet", func(ctx context.Context, fr *Frame, args []hostbridge.Native) (hostbridge.Native, error) {
		return "hello " + args[0].(string), nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	out, err := d.Call(context.Background(), "greet", "world")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != "hello world" {
		t.Fatalf("out = %v, want hello world", out)
	}
	if s.Depth() != 0 {
		t.Fatalf("depth after call = %d, want 0", s.Depth())
	}
	if e.Pending() {
		t.Fatalf("successful call must not leave a failure pending")
	}
}

func TestDispatcher_Register_Duplicate(t *testing.T) {
	e := memhost.New()
	d := NewDispatcher(NewStack(e))

	fn := func(ctx context.Context, fr *Frame, args []hostbridge.Native) (hostbridge.Native, error) {
		return nil, nil
	}
	if err := d.Register("f", fn); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := d.Register("f", fn); !errors.IsKind(err, errors.KindInvalidInput) {
		t.Fatalf("duplicate register = %v, want invalid-input", err)
	}
	if names := d.Names(); len(names) != 1 || names[0] != "f" {
		t.Fatalf("Names() = %v", names)
	}
}

func TestDispatcher_Call_UnknownFunction(t *testing.T) {
	e := memhost.New()
	d := NewDispatcher(NewStack(e))

	_, err := d.Call(context.Background(), "missing")
	if !errors.IsKind(err, errors.KindNotFound) {
		t.Fatalf("unknown function = %v, want not-found", err)
	}
	if !e.Pending() {
		t.Fatalf("failure must be raised into the host")
	}
}

func TestDispatcher_Call_ManagedErrorRaisedIntoHost(t *testing.T) {
	e := memhost.New()
	s := NewStack(e)
	d := NewDispatcher(s)

	boom := stderrors.New("user code failed")
	_ = d.Register("fail", func(ctx context.Context, fr *Frame, args []hostbridge.Native) (hostbridge.Native, error) {
		return nil, boom
	})

	_, err := d.Call(context.Background(), "fail")
	if !stderrors.Is(err, boom) {
		t.Fatalf("call error = %v, want the managed error", err)
	}
	if s.Depth() != 0 {
		t.Fatalf("frame must pop on the error path")
	}

	f := e.TakeFailure()
	if f == nil {
		t.Fatalf("no failure raised into the host")
	}
	if f.Code != errors.CodeExternalException {
		t.Fatalf("raised code = %s, want %s", f.Code, errors.CodeExternalException)
	}
}

func TestDispatcher_Call_PanicBecomesError(t *testing.T) {
	e := memhost.New()
	s := NewStack(e)
	d := NewDispatcher(s)

	_ = d.Register("explode", func(ctx context.Context, fr *Frame, args []hostbridge.Native) (hostbridge.Native, error) {
		panic("kaboom")
	})
	_ = d.Register("ok", func(ctx context.Context, fr *Frame, args []hostbridge.Native) (hostbridge.Native, error) {
		return int64(1), nil
	})

	_, err := d.Call(context.Background(), "explode")
	if !errors.IsKind(err, errors.KindPanic) {
		t.Fatalf("panicking call = %v, want panic kind", err)
	}
	if s.Depth() != 0 {
		t.Fatalf("frame must unwind after a panic")
	}
	e.TakeFailure()

	// The stack must stay usable.
	out, err := d.Call(context.Background(), "ok")
	if err != nil || out != int64(1) {
		t.Fatalf("call after panic = %v, %v", out, err)
	}
}

func TestDispatcher_Call_NestedReentry(t *testing.T) {
	e := memhost.New()
	s := NewStack(e)
	d := NewDispatcher(s)

	_ = d.Register("inner", func(ctx context.Context, fr *Frame, args []hostbridge.Native) (hostbridge.Native, error) {
		if s.Depth() != 2 {
			t.Errorf("inner depth = %d, want 2", s.Depth())
		}
		return int64(21), nil
	})
	_ = d.Register("outer", func(ctx context.Context, fr *Frame, args []hostbridge.Native) (hostbridge.Native, error) {
		out, err := d.Call(ctx, "inner")
		if err != nil {
			return nil, err
		}
		return out.(int64) * 2, nil
	})

	out, err := d.Call(context.Background(), "outer")
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != int64(42) {
		t.Fatalf("out = %v, want 42", out)
	}
	if s.Depth() != 0 {
		t.Fatalf("depth after nested calls = %d, want 0", s.Depth())
	}
}

func TestDispatcher_CallWith_PayloadVisible(t *testing.T) {
	e := memhost.New()
	d := NewDispatcher(NewStack(e))

	type trigger struct{ table string }
	_ = d.Register("on-insert", func(ctx context.Context, fr *Frame, args []hostbridge.Native) (hostbridge.Native, error) {
		tg, ok := fr.Payload().(trigger)
		if !ok {
			t.Errorf("payload = %T, want trigger", fr.Payload())
			return nil, nil
		}
		return tg.table, nil
	})

	out, err := d.CallWith(context.Background(), "on-insert", trigger{table: "accounts"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out != "accounts" {
		t.Fatalf("out = %v", out)
	}
}

func TestDispatcher_Call_ErrorStillReleasesResources(t *testing.T) {
	e := memhost.New()
	s := NewStack(e)
	d := NewDispatcher(s)

	_ = d.Register("leaky", func(ctx context.Context, fr *Frame, args []hostbridge.Native) (hostbridge.Native, error) {
		if _, err := fr.Connect(ctx); err != nil {
			return nil, err
		}
		if _, err := s.Registry().Register(e.NewResource("r1"), resource.OpFreeRow, fr.Owner()); err != nil {
			return nil, err
		}
		return nil, stderrors.New("late failure")
	})

	_, err := d.Call(context.Background(), "leaky")
	if err == nil {
		t.Fatalf("expected the managed error")
	}
	e.TakeFailure()

	journal := e.Journal()
	if countEntries(journal, "disconnect") != 1 {
		t.Fatalf("connection must close on the error path: %v", journal)
	}
	if countEntries(journal, "free-row r1") != 1 {
		t.Fatalf("owned resources must release on the error path: %v", journal)
	}
}

func TestDispatcher_Call_HostFailureRoundTrip(t *testing.T) {
	e := memhost.New()
	s := NewStack(e)
	d := NewDispatcher(s)

	e.Define("UPDATE t SET x = 1", nil, nil, 3)

	_ = d.Register("update", func(ctx context.Context, fr *Frame, args []hostbridge.Native) (hostbridge.Native, error) {
		conn, err := fr.Connect(ctx)
		if err != nil {
			return nil, err
		}
		plan, err := conn.Prepare(ctx, "UPDATE t SET x = 1")
		if err != nil {
			return nil, err
		}
		n, err := plan.Exec(ctx)
		if err != nil {
			return nil, err
		}
		return n, nil
	})

	out, err := d.Call(context.Background(), "update")
	if err != nil {
		t.Fatalf("clean call: %v", err)
	}
	if out != int64(3) {
		t.Fatalf("affected = %v, want 3", out)
	}

	e.FailNext("exec", e.Fail(errors.MustCode("23505"), "duplicate key"))
	_, err = d.Call(context.Background(), "update")
	he := errors.AsHostError(err)
	if he == nil {
		t.Fatalf("call error = %v, want a host error", err)
	}
	if he.Code != errors.MustCode("23505") {
		t.Fatalf("captured code = %s, want 23505", he.Code)
	}
	if !he.Unhandled() {
		t.Fatalf("captured failure must be marked unhandled")
	}

	f := e.TakeFailure()
	if f == nil {
		t.Fatalf("failure must be re-raised into the host")
	}
	if f.Code != errors.MustCode("23505") {
		t.Fatalf("re-raised code = %s, want the original", f.Code)
	}
}

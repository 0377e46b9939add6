package sqlitehost

import (
	"context"
	"testing"

	"github.com/wippyai/hostbridge/errors"
)

func seedRows(t *testing.T, e *Engine, n int) {
	t.Helper()
	mustExec(t, e, "CREATE TABLE nums (n INTEGER, label TEXT)")
	for i := 1; i <= n; i++ {
		mustExec(t, e, "INSERT INTO nums VALUES (?, ?)", i, "row")
	}
}

func TestCursor_NextCopiesRows(t *testing.T) {
	e := openTest(t)
	seedRows(t, e, 3)

	ctx := context.Background()
	c, _ := e.Connect(ctx)
	p, err := c.Prepare(ctx, "SELECT n, label FROM nums ORDER BY n")
	if err != nil {
		t.Fatalf("Prepare failed: %v", err)
	}
	defer p.Close()
	cur, err := p.Open(ctx)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer cur.Close()

	var got []int64
	var labels []string
	for {
		r, ok, err := cur.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, r.Values()[0].(int64))
		labels = append(labels, r.Values()[1].(string))
		if err := r.Free(); err != nil {
			t.Fatalf("Free failed: %v", err)
		}
	}
	if len(got) != 3 || got[0] != 1 || got[2] != 3 {
		t.Fatalf("rows = %v, want [1 2 3]", got)
	}
	// Text columns must be owned copies, not driver buffer views
	if labels[0] != "row" || labels[1] != "row" {
		t.Fatalf("labels = %v, want all \"row\"", labels)
	}
}

func TestCursor_FetchMaterializes(t *testing.T) {
	e := openTest(t)
	seedRows(t, e, 5)

	ctx := context.Background()
	c, _ := e.Connect(ctx)
	p, _ := c.Prepare(ctx, "SELECT n FROM nums ORDER BY n")
	defer p.Close()
	cur, err := p.Open(ctx)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	rs, err := cur.Fetch(ctx, 3)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	if rs.Len() != 3 {
		t.Fatalf("Len = %d, want 3", rs.Len())
	}
	if v := rs.Row(2).Values()[0].(int64); v != 3 {
		t.Fatalf("third row = %d, want 3", v)
	}
	desc := rs.Descriptor()
	cols := desc.Columns()
	if len(cols) != 1 || cols[0].Name != "n" {
		t.Fatalf("columns = %v, want [n]", cols)
	}

	// The cursor keeps its position; a second fetch continues
	rest, err := cur.Fetch(ctx, 10)
	if err != nil {
		t.Fatalf("second Fetch failed: %v", err)
	}
	if rest.Len() != 2 {
		t.Fatalf("remaining rows = %d, want 2", rest.Len())
	}

	if err := rs.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := rs.Release(); !errors.IsKind(err, errors.KindDoubleRelease) {
		t.Fatalf("second Release err = %v, want double_release", err)
	}
	if err := cur.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := cur.Close(); !errors.IsKind(err, errors.KindDoubleRelease) {
		t.Fatalf("second Close err = %v, want double_release", err)
	}
}

func TestPlan_ExecAffected(t *testing.T) {
	e := openTest(t)
	seedRows(t, e, 4)

	ctx := context.Background()
	c, _ := e.Connect(ctx)
	p, _ := c.Prepare(ctx, "DELETE FROM nums WHERE n > ?")
	n, err := p.Exec(ctx, 2)
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if n != 2 {
		t.Fatalf("affected = %d, want 2", n)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := p.Close(); !errors.IsKind(err, errors.KindDoubleRelease) {
		t.Fatalf("second Close err = %v, want double_release", err)
	}
}

func TestRow_ViewFreeIsNoop(t *testing.T) {
	e := openTest(t)
	seedRows(t, e, 1)

	ctx := context.Background()
	c, _ := e.Connect(ctx)
	p, _ := c.Prepare(ctx, "SELECT n FROM nums")
	defer p.Close()
	cur, _ := p.Open(ctx)
	defer cur.Close()
	rs, err := cur.Fetch(ctx, 1)
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}
	v := rs.Row(0)
	if err := v.Free(); err != nil {
		t.Fatalf("view Free should be a no-op, got %v", err)
	}
	if err := v.Free(); err != nil {
		t.Fatalf("repeated view Free should stay a no-op, got %v", err)
	}
}

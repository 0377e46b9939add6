package hostbridge

import "context"

// Querier is the optional statement-execution capability of a host.
// Adapters that implement it let managed code prepare and run
// statements against the engine; adapters that do not cause Connect on
// a frame to fail with an unsupported error.
type Querier interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is one engine connection. Connections opened through a frame
// are closed automatically when the frame exits.
type Conn interface {
	Prepare(ctx context.Context, text string) (Plan, error)
	Close() error
}

// Plan is a prepared statement. A plan outlives the frame that
// prepared it only if its wrapper is kept alive on the managed side.
type Plan interface {
	// Exec runs the plan and returns the affected row count
	Exec(ctx context.Context, args ...any) (int64, error)

	// Open runs the plan and returns a cursor over its results
	Open(ctx context.Context, args ...any) (Cursor, error)

	Close() error
}

// Cursor iterates a plan's results incrementally
type Cursor interface {
	// Next returns the next row, or ok=false at the end
	Next(ctx context.Context) (Row, bool, error)

	// Fetch materializes up to n rows into a result set
	Fetch(ctx context.Context, n int) (ResultSet, error)

	Close() error
}

// ResultSet is a materialized batch of rows sharing one descriptor
type ResultSet interface {
	Len() int
	Row(i int) Row
	Descriptor() Descriptor
	Release() error
}

// Row is a single result row
type Row interface {
	Values() []any
	Free() error
}

// Descriptor describes the shape of rows produced by a plan
type Descriptor interface {
	Columns() []ColumnInfo
	Free() error
}

// ColumnInfo names one result column
type ColumnInfo struct {
	Name string
	Type string
}

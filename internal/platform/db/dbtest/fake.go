// Package dbtest provides an in-memory stand-in for the pooled connections
// handed out by db.Router. It understands only the search_path switch issued
// by the router; everything else is left to the caller's own fakes.
package dbtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/clinicbook/booking/internal/platform/db"
)

var errUnsupported = errors.New("dbtest: statement not supported")

// Pool hands out Conns and keeps released ones for reuse, so a test can
// observe the state a later operation inherits.
type Pool struct {
	mu         sync.Mutex
	directory  string
	schemas    map[string]bool
	failSwitch map[string]error
	acquireErr error
	idle       []*Conn
	created    int
	acquired   int
}

// NewPool returns a pool whose server knows the directory schema plus schemas.
func NewPool(directory string, schemas ...string) *Pool {
	p := &Pool{
		directory:  directory,
		schemas:    map[string]bool{directory: true},
		failSwitch: map[string]error{},
	}
	for _, s := range schemas {
		p.schemas[s] = true
	}
	return p
}

// FailSwitch makes every switch to schema fail with err.
func (p *Pool) FailSwitch(schema string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failSwitch[schema] = err
}

// FailAcquire makes Acquire return err.
func (p *Pool) FailAcquire(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.acquireErr = err
}

func (p *Pool) Acquire(_ context.Context) (db.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.acquireErr != nil {
		return nil, p.acquireErr
	}
	var c *Conn
	if n := len(p.idle); n > 0 {
		c = p.idle[n-1]
		p.idle = p.idle[:n-1]
	} else {
		c = &Conn{pool: p, searchPath: p.directory}
		p.created++
	}
	c.released = false
	p.acquired++
	return c, nil
}

// Idle returns the connections currently back in the pool.
func (p *Pool) Idle() []*Conn {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Conn, len(p.idle))
	copy(out, p.idle)
	return out
}

// Outstanding returns how many connections are acquired and not yet returned.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.acquired
}

// Created returns how many physical connections the pool has opened.
func (p *Pool) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Conn is a fake pooled connection that tracks its search_path.
type Conn struct {
	pool       *Pool
	mu         sync.Mutex
	searchPath string
	released   bool
	hijacked   bool
	statements []string
	txs        []*Tx
}

// SearchPath returns the schema the connection currently points at.
func (c *Conn) SearchPath() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.searchPath
}

// Hijacked reports whether the connection was taken out of the pool.
func (c *Conn) Hijacked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hijacked
}

// Statements returns the SQL received by Exec and Query.
func (c *Conn) Statements() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.statements))
	copy(out, c.statements)
	return out
}

// Txs returns the transactions begun on the connection.
func (c *Conn) Txs() []*Tx {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Tx(nil), c.txs...)
}

func (c *Conn) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	if !strings.Contains(sql, "set_config('search_path'") || len(args) != 2 {
		return row{err: errUnsupported}
	}
	schema, _ := args[1].(string)

	c.pool.mu.Lock()
	failErr := c.pool.failSwitch[schema]
	known := c.pool.schemas[schema]
	c.pool.mu.Unlock()

	if failErr != nil {
		return row{err: failErr}
	}
	if !known {
		return row{err: pgx.ErrNoRows}
	}
	c.mu.Lock()
	c.searchPath = schema
	c.mu.Unlock()
	return row{value: args[0]}
}

func (c *Conn) Query(_ context.Context, sql string, _ ...any) (pgx.Rows, error) {
	c.record(sql)
	return nil, errUnsupported
}

func (c *Conn) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	c.record(sql)
	return pgconn.CommandTag{}, nil
}

func (c *Conn) Begin(_ context.Context) (pgx.Tx, error) {
	tx := &Tx{}
	c.mu.Lock()
	c.txs = append(c.txs, tx)
	c.mu.Unlock()
	return tx, nil
}

func (c *Conn) Release() {
	c.mu.Lock()
	if c.released || c.hijacked {
		c.mu.Unlock()
		panic("dbtest: connection released twice")
	}
	c.released = true
	c.mu.Unlock()

	c.pool.mu.Lock()
	c.pool.idle = append(c.pool.idle, c)
	c.pool.acquired--
	c.pool.mu.Unlock()
}

// Hijack takes the connection out of the pool. The fake has no physical
// connection to hand back.
func (c *Conn) Hijack() *pgx.Conn {
	c.mu.Lock()
	c.hijacked = true
	c.mu.Unlock()

	c.pool.mu.Lock()
	c.pool.acquired--
	c.pool.mu.Unlock()
	return nil
}

func (c *Conn) record(sql string) {
	c.mu.Lock()
	c.statements = append(c.statements, sql)
	c.mu.Unlock()
}

// Tx records how a transaction ended. Methods other than Commit and Rollback
// are not implemented.
type Tx struct {
	pgx.Tx
	mu         sync.Mutex
	committed  bool
	rolledBack bool
}

func (t *Tx) Commit(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.rolledBack {
		return pgx.ErrTxClosed
	}
	t.committed = true
	return nil
}

func (t *Tx) Rollback(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed || t.rolledBack {
		return pgx.ErrTxClosed
	}
	t.rolledBack = true
	return nil
}

// Committed reports whether Commit succeeded.
func (t *Tx) Committed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.committed
}

// RolledBack reports whether Rollback ran before any commit.
func (t *Tx) RolledBack() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rolledBack
}

type row struct {
	value any
	err   error
}

func (r row) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) == 1 {
		if s, ok := dest[0].(*string); ok {
			*s, _ = r.value.(string)
		}
	}
	return nil
}

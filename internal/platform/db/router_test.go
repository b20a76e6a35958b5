package db_test

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/clinicbook/booking/internal/platform/db"
	"github.com/clinicbook/booking/internal/platform/db/dbtest"
)

func newRouter(pool *dbtest.Pool) (*db.Router, *bytes.Buffer) {
	var buf bytes.Buffer
	return db.NewRouter(pool, "public", zerolog.New(&buf)), &buf
}

func TestValidSchema(t *testing.T) {
	tests := []struct {
		input string
		valid bool
	}{
		{"public", true},
		{"clinic_12", true},
		{"A1B2", true},
		{"a-b", false},
		{"a.b", false},
		{"a b", false},
		{"", false},
		{"'; DROP TABLE tenants", false},
		{"clinic\"1", false},
	}
	for _, tt := range tests {
		if got := db.ValidSchema(tt.input); got != tt.valid {
			t.Errorf("ValidSchema(%q) = %v, want %v", tt.input, got, tt.valid)
		}
	}
}

func TestWithTenant_SwitchesInAndBack(t *testing.T) {
	pool := dbtest.NewPool("public", "clinic_1")
	router, _ := newRouter(pool)

	var seen string
	err := router.WithTenant(context.Background(), "clinic_1", func(ctx context.Context) error {
		conn := db.ConnFromContext(ctx).(*dbtest.Conn)
		seen = conn.SearchPath()
		if got := db.TenantFromContext(ctx); got != "clinic_1" {
			t.Errorf("expected tenant clinic_1 in context, got %q", got)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if seen != "clinic_1" {
		t.Errorf("expected statements to run against clinic_1, got %q", seen)
	}

	idle := pool.Idle()
	if len(idle) != 1 {
		t.Fatalf("expected the connection back in the pool, got %d idle", len(idle))
	}
	if idle[0].SearchPath() != "public" {
		t.Errorf("expected connection restored to public, got %q", idle[0].SearchPath())
	}
	if pool.Outstanding() != 0 {
		t.Errorf("expected no outstanding connections, got %d", pool.Outstanding())
	}
}

func TestWithTenant_SwitchesBackOnError(t *testing.T) {
	pool := dbtest.NewPool("public", "clinic_1")
	router, _ := newRouter(pool)

	boom := errors.New("insert failed")
	err := router.WithTenant(context.Background(), "clinic_1", func(ctx context.Context) error {
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error to propagate, got %v", err)
	}
	if got := pool.Idle()[0].SearchPath(); got != "public" {
		t.Errorf("expected connection restored to public, got %q", got)
	}
}

func TestWithTenant_SwitchesBackOnPanic(t *testing.T) {
	pool := dbtest.NewPool("public", "clinic_1")
	router, _ := newRouter(pool)

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected panic to propagate")
			}
		}()
		_ = router.WithTenant(context.Background(), "clinic_1", func(ctx context.Context) error {
			panic("handler bug")
		})
	}()

	if got := pool.Idle()[0].SearchPath(); got != "public" {
		t.Errorf("expected connection restored to public after panic, got %q", got)
	}
}

func TestWithTenant_SwitchesBackAfterCancel(t *testing.T) {
	pool := dbtest.NewPool("public", "clinic_1")
	router, _ := newRouter(pool)

	ctx, cancel := context.WithCancel(context.Background())
	_ = router.WithTenant(ctx, "clinic_1", func(ctx context.Context) error {
		cancel()
		return ctx.Err()
	})
	if got := pool.Idle()[0].SearchPath(); got != "public" {
		t.Errorf("expected connection restored to public after cancel, got %q", got)
	}
}

func TestWithTenant_UnknownSchema(t *testing.T) {
	pool := dbtest.NewPool("public")
	router, _ := newRouter(pool)

	called := false
	err := router.WithTenant(context.Background(), "clinic_404", func(ctx context.Context) error {
		called = true
		return nil
	})
	var se *db.SwitchError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SwitchError, got %v", err)
	}
	if se.Schema != "clinic_404" {
		t.Errorf("expected schema clinic_404, got %s", se.Schema)
	}
	if !errors.Is(err, db.ErrUnknownSchema) {
		t.Errorf("expected ErrUnknownSchema, got %v", err)
	}
	if called {
		t.Error("fn must not run when the switch fails")
	}
	if got := pool.Idle()[0].SearchPath(); got != "public" {
		t.Errorf("expected untouched connection at public, got %q", got)
	}
}

func TestWithTenant_InvalidSchema(t *testing.T) {
	pool := dbtest.NewPool("public")
	router, _ := newRouter(pool)

	err := router.WithTenant(context.Background(), "x; DROP SCHEMA public", func(ctx context.Context) error {
		return nil
	})
	if !errors.Is(err, db.ErrInvalidSchema) {
		t.Fatalf("expected ErrInvalidSchema, got %v", err)
	}
	if pool.Outstanding() != 0 {
		t.Errorf("expected connection to be released, got %d outstanding", pool.Outstanding())
	}
}

func TestWithTenant_AcquireFailure(t *testing.T) {
	pool := dbtest.NewPool("public", "clinic_1")
	pool.FailAcquire(errors.New("pool exhausted"))
	router, _ := newRouter(pool)

	err := router.WithTenant(context.Background(), "clinic_1", func(ctx context.Context) error { return nil })
	if err == nil {
		t.Fatal("expected error")
	}
	var se *db.SwitchError
	if errors.As(err, &se) {
		t.Error("acquire failure must not be reported as a switch error")
	}
}

func TestWithTenant_FailedSwitchBackDiscardsConnection(t *testing.T) {
	pool := dbtest.NewPool("public", "clinic_1")
	router, logs := newRouter(pool)

	var conn *dbtest.Conn
	err := router.WithTenant(context.Background(), "clinic_1", func(ctx context.Context) error {
		conn = db.ConnFromContext(ctx).(*dbtest.Conn)
		pool.FailSwitch("public", errors.New("connection reset"))
		return nil
	})
	if err != nil {
		t.Fatalf("switch-back failure must be swallowed, got %v", err)
	}
	if !conn.Hijacked() {
		t.Error("expected dirty connection to be taken out of the pool")
	}
	if len(pool.Idle()) != 0 {
		t.Error("dirty connection must not return to the pool")
	}
	if !strings.Contains(logs.String(), "switch back to directory schema failed") {
		t.Errorf("expected failure to be logged, got %q", logs.String())
	}
}

func TestWithTenant_FailedSwitchBackKeepsOriginalError(t *testing.T) {
	pool := dbtest.NewPool("public", "clinic_1")
	router, _ := newRouter(pool)

	boom := errors.New("constraint violation")
	err := router.WithTenant(context.Background(), "clinic_1", func(ctx context.Context) error {
		pool.FailSwitch("public", errors.New("connection reset"))
		return boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("expected original error, got %v", err)
	}
}

func TestWithTenant_ConcurrentOperationsUseOwnConnections(t *testing.T) {
	pool := dbtest.NewPool("public", "clinic_a", "clinic_b")
	router, _ := newRouter(pool)

	// Interleave two operations: B switches while A is still in flight.
	err := router.WithTenant(context.Background(), "clinic_a", func(ctxA context.Context) error {
		connA := db.ConnFromContext(ctxA).(*dbtest.Conn)
		err := router.WithTenant(context.Background(), "clinic_b", func(ctxB context.Context) error {
			connB := db.ConnFromContext(ctxB).(*dbtest.Conn)
			if connA == connB {
				t.Error("expected distinct connections for concurrent operations")
			}
			if connB.SearchPath() != "clinic_b" {
				t.Errorf("expected B on clinic_b, got %q", connB.SearchPath())
			}
			return nil
		})
		if connA.SearchPath() != "clinic_a" {
			t.Errorf("A's connection was moved to %q by B", connA.SearchPath())
		}
		return err
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, c := range pool.Idle() {
		if c.SearchPath() != "public" {
			t.Errorf("expected all idle connections at public, got %q", c.SearchPath())
		}
	}
}

func TestScoped(t *testing.T) {
	if _, err := db.Scoped(context.Background()); !errors.Is(err, db.ErrNoTenantConn) {
		t.Errorf("expected ErrNoTenantConn, got %v", err)
	}

	pool := dbtest.NewPool("public", "clinic_1")
	router, _ := newRouter(pool)
	_ = router.WithTenant(context.Background(), "clinic_1", func(ctx context.Context) error {
		q, err := db.Scoped(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if q != db.ConnFromContext(ctx) {
			t.Error("expected the tenant connection outside a transaction")
		}
		return db.RunInTx(ctx, func(ctx context.Context) error {
			q, _ := db.Scoped(ctx)
			if q != db.TxFromContext(ctx) {
				t.Error("expected the transaction inside RunInTx")
			}
			return nil
		})
	})
}

func TestRunInTx_CommitAndRollback(t *testing.T) {
	pool := dbtest.NewPool("public", "clinic_1")
	router, _ := newRouter(pool)

	boom := errors.New("conflict")
	_ = router.WithTenant(context.Background(), "clinic_1", func(ctx context.Context) error {
		conn := db.ConnFromContext(ctx).(*dbtest.Conn)

		if err := db.RunInTx(ctx, func(ctx context.Context) error { return nil }); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := db.RunInTx(ctx, func(ctx context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("expected fn error, got %v", err)
		}

		txs := conn.Txs()
		if len(txs) != 2 {
			t.Fatalf("expected 2 transactions, got %d", len(txs))
		}
		if !txs[0].Committed() || txs[0].RolledBack() {
			t.Error("expected first transaction committed")
		}
		if txs[1].Committed() || !txs[1].RolledBack() {
			t.Error("expected second transaction rolled back")
		}
		return nil
	})
}

func TestRunInTx_Nested(t *testing.T) {
	pool := dbtest.NewPool("public", "clinic_1")
	router, _ := newRouter(pool)

	_ = router.WithTenant(context.Background(), "clinic_1", func(ctx context.Context) error {
		conn := db.ConnFromContext(ctx).(*dbtest.Conn)
		_ = db.RunInTx(ctx, func(ctx context.Context) error {
			return db.RunInTx(ctx, func(ctx context.Context) error { return nil })
		})
		if n := len(conn.Txs()); n != 1 {
			t.Errorf("expected nested call to join the outer transaction, got %d transactions", n)
		}
		return nil
	})
}

func TestRunInTx_NoConnection(t *testing.T) {
	err := db.RunInTx(context.Background(), func(ctx context.Context) error { return nil })
	if !errors.Is(err, db.ErrNoTenantConn) {
		t.Errorf("expected ErrNoTenantConn, got %v", err)
	}
}

func TestContextHelpers_WrongTypes(t *testing.T) {
	ctx := context.WithValue(context.Background(), db.DBConnKey, "not-a-conn")
	ctx = context.WithValue(ctx, db.DBTxKey, "not-a-tx")
	ctx = context.WithValue(ctx, db.TenantSchemaKey, 12345)

	if db.ConnFromContext(ctx) != nil {
		t.Error("expected nil conn for wrong type")
	}
	if db.TxFromContext(ctx) != nil {
		t.Error("expected nil tx for wrong type")
	}
	if db.TenantFromContext(ctx) != "" {
		t.Error("expected empty tenant for wrong type")
	}
}

func TestRouter_Directory(t *testing.T) {
	router, _ := newRouter(dbtest.NewPool("public"))
	if got := router.Directory(); got != "public" {
		t.Errorf("expected directory public, got %q", got)
	}
}

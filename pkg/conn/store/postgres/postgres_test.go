package postgres_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgconn"
	"github.com/jackc/pgerrcode"
	"github.com/opst/gridqueue/pkg/conn/store"
	"github.com/opst/gridqueue/pkg/conn/store/postgres"
)

func TestRebind(t *testing.T) {
	for given, want := range map[string]string{
		"select 1":                                     "select 1",
		"select * from task where task_id = ?":         "select * from task where task_id = $1",
		"update task set status = ? where id in (?,?)": "update task set status = $1 where id in ($2,$3)",
		"select '?' from task where a = ?":             "select '?' from task where a = $1",
		"select 'it''s ?' , ? from t":                  "select 'it''s ?' , $1 from t",
	} {
		if got := postgres.Rebind(given); got != want {
			t.Errorf("Rebind(%q) = %q, want %q", given, got, want)
		}
	}
}

func TestStore_IsTransient(t *testing.T) {
	testee := postgres.Wrap(nil, nil)

	for code, want := range map[string]bool{
		pgerrcode.SerializationFailure: true,
		pgerrcode.DeadlockDetected:     true,
		pgerrcode.LockNotAvailable:     true,
		pgerrcode.UniqueViolation:      false,
		pgerrcode.SyntaxError:          false,
	} {
		err := fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: code})
		if got := testee.IsTransient(err); got != want {
			t.Errorf("IsTransient(%s) = %v, want %v", code, got, want)
		}
	}

	if testee.IsTransient(errors.New("plain error")) {
		t.Error("plain error is taken as transient")
	}
	if testee.Dialect() != store.Postgres {
		t.Errorf("dialect = %s", testee.Dialect())
	}
}

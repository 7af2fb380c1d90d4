package pgstore

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"squadwars/internal/store"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		notFound  bool
		duplicate bool
		transient bool
	}{
		{name: "no rows", err: pgx.ErrNoRows, notFound: true},
		{name: "wrapped no rows", err: fmt.Errorf("scan: %w", pgx.ErrNoRows), notFound: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505", ConstraintName: "players_pvp_attack_target_uq"}, duplicate: true},
		{name: "serialization failure", err: &pgconn.PgError{Code: "40001"}, transient: true},
		{name: "deadlock", err: &pgconn.PgError{Code: "40P01"}, transient: true},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, transient: true},
		{name: "check violation", err: &pgconn.PgError{Code: "23514"}},
		{name: "plain", err: errors.New("boom")},
	}
	for _, tc := range tests {
		got := classify(tc.err)
		if errors.Is(got, store.ErrNotFound) != tc.notFound {
			t.Fatalf("%s: not found mismatch for %v", tc.name, got)
		}
		if errors.Is(got, store.ErrDuplicate) != tc.duplicate {
			t.Fatalf("%s: duplicate mismatch for %v", tc.name, got)
		}
		if store.IsTransient(got) != tc.transient {
			t.Fatalf("%s: transient mismatch for %v", tc.name, got)
		}
	}
	if classify(nil) != nil {
		t.Fatalf("classify(nil) should be nil")
	}
}

func TestNonNil(t *testing.T) {
	if got := nonNil(nil); got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
}

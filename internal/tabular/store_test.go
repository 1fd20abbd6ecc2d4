package tabular

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"testing"
)

func exerciseStore(t *testing.T, store Store, table string) {
	t.Helper()
	ctx := context.Background()

	if _, err := store.ReadColumn(ctx, table, 0); !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("expected ErrTableNotFound before creation, got %v", err)
	}
	if err := store.AppendRows(ctx, table, [][]string{{"X"}}); !errors.Is(err, ErrTableNotFound) {
		t.Fatalf("expected append to a missing table to fail with ErrTableNotFound, got %v", err)
	}

	header := []string{"Application No", "Mode", "Row No"}
	if err := store.EnsureTable(ctx, table, header); err != nil {
		t.Fatalf("ensure table failed: %v", err)
	}
	if err := store.EnsureTable(ctx, table, []string{"Other"}); err != nil {
		t.Fatalf("second ensure table failed: %v", err)
	}

	names, err := store.ListTables(ctx)
	if err != nil {
		t.Fatalf("list tables failed: %v", err)
	}
	if !containsString(names, table) {
		t.Fatalf("expected %q in table list %v", table, names)
	}

	column, err := store.ReadColumn(ctx, table, 0)
	if err != nil {
		t.Fatalf("read column failed: %v", err)
	}
	if !reflect.DeepEqual(column, []string{"Application No"}) {
		t.Fatalf("expected header only, got %v", column)
	}

	if err := store.AppendRows(ctx, table, [][]string{
		{"UNILAG-CLR-A00001", "ratio", "1"},
		{"UNILAG-CLR-A00001", "ratio"},
	}); err != nil {
		t.Fatalf("append rows failed: %v", err)
	}
	if err := store.AppendRows(ctx, table, [][]string{{"UNILAG-CLR-A00002", "ratio", "1"}}); err != nil {
		t.Fatalf("second append failed: %v", err)
	}

	ids, err := store.ReadColumn(ctx, table, 0)
	if err != nil {
		t.Fatalf("read id column failed: %v", err)
	}
	wantIDs := []string{"Application No", "UNILAG-CLR-A00001", "UNILAG-CLR-A00001", "UNILAG-CLR-A00002"}
	if !reflect.DeepEqual(ids, wantIDs) {
		t.Fatalf("unexpected id column: got %v want %v", ids, wantIDs)
	}
	ordinals, err := store.ReadColumn(ctx, table, 2)
	if err != nil {
		t.Fatalf("read ordinal column failed: %v", err)
	}
	if !reflect.DeepEqual(ordinals, []string{"Row No", "1", "", "1"}) {
		t.Fatalf("expected short rows to read as empty cells, got %v", ordinals)
	}
	beyond, err := store.ReadColumn(ctx, table, 9)
	if err != nil {
		t.Fatalf("read beyond last column failed: %v", err)
	}
	if len(beyond) != 4 || beyond[3] != "" {
		t.Fatalf("expected empty cells beyond last column, got %v", beyond)
	}

	if _, err := store.ReadColumn(ctx, table, -1); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for negative column, got %v", err)
	}
	if err := store.EnsureTable(ctx, "  ", header); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for blank table name, got %v", err)
	}
}

func exerciseConcurrentAppends(t *testing.T, store Store, table string) {
	t.Helper()
	ctx := context.Background()
	if err := store.EnsureTable(ctx, table, []string{"Application No"}); err != nil {
		t.Fatalf("ensure table failed: %v", err)
	}
	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- store.AppendRows(ctx, table, [][]string{{fmt.Sprintf("row-%d", i)}})
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append failed: %v", err)
		}
	}
	column, err := store.ReadColumn(ctx, table, 0)
	if err != nil {
		t.Fatalf("read column failed: %v", err)
	}
	if len(column) != writers+1 {
		t.Fatalf("expected %d rows after concurrent appends, got %d: %v", writers+1, len(column), column)
	}
}

func containsString(values []string, want string) bool {
	for _, value := range values {
		if value == want {
			return true
		}
	}
	return false
}

func TestMemoryStoreContract(t *testing.T) {
	store := NewMemoryStore()
	exerciseStore(t, store, "Research Fine Aggregates")
	exerciseConcurrentAppends(t, store, "Research SCMs")
}

func TestMemoryStoreEnsureFillsBlankHeader(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.EnsureTable(ctx, "Master", nil); err != nil {
		t.Fatalf("ensure without header failed: %v", err)
	}
	if err := store.EnsureTable(ctx, "Master", []string{"Application No"}); err != nil {
		t.Fatalf("ensure with header failed: %v", err)
	}
	if rows := store.Rows("Master"); len(rows) != 1 || rows[0][0] != "Application No" {
		t.Fatalf("expected header to be written into the empty table, got %v", rows)
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Close()
	if _, err := store.ListTables(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryStoreHonorsCanceledContext(t *testing.T) {
	store := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := store.EnsureTable(ctx, "Master", []string{"Application No"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

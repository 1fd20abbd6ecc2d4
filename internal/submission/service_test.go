package submission

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/concretelab/mixledger/internal/allocator"
	"github.com/concretelab/mixledger/internal/tabular"
)

const (
	ratioLedger = "Research Master Sheet - Ratio"
	kgLedger    = "Research Master Sheet - Kg/m3"
	fineTable   = "Research Fine Aggregates"
	coarseTable = "Research Coarse Aggregates"
)

var fixedClock = func() time.Time { return time.Date(2025, 3, 4, 5, 6, 7, 8_000_000, time.UTC) }

// faultyStore injects failures and counts column reads on top of a memory
// store.
type faultyStore struct {
	*tabular.MemoryStore
	appendErr map[string]error
	listErr   error
	reads     atomic.Int32
}

func newFaultyStore() *faultyStore {
	return &faultyStore{MemoryStore: tabular.NewMemoryStore(), appendErr: map[string]error{}}
}

func (s *faultyStore) ListTables(ctx context.Context) ([]string, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.MemoryStore.ListTables(ctx)
}

func (s *faultyStore) ReadColumn(ctx context.Context, table string, column int) ([]string, error) {
	s.reads.Add(1)
	return s.MemoryStore.ReadColumn(ctx, table, column)
}

func (s *faultyStore) AppendRows(ctx context.Context, table string, rows [][]string) error {
	if err := s.appendErr[table]; err != nil {
		return err
	}
	return s.MemoryStore.AppendRows(ctx, table, rows)
}

// cancelAfterStore cancels the submission context once the named table has
// been appended to, and rejects later appends on a cancelled context.
type cancelAfterStore struct {
	*tabular.MemoryStore
	table  string
	cancel context.CancelFunc
}

func (s *cancelAfterStore) AppendRows(ctx context.Context, table string, rows [][]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.MemoryStore.AppendRows(ctx, table, rows); err != nil {
		return err
	}
	if table == s.table {
		s.cancel()
	}
	return nil
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Publish(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) all() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Event(nil), s.events...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ensureTables(t *testing.T, store tabular.Store, names ...string) {
	t.Helper()
	for _, name := range names {
		if err := store.EnsureTable(context.Background(), name, []string{"Application No"}); err != nil {
			t.Fatalf("ensure %q: %v", name, err)
		}
	}
}

func appendIDs(t *testing.T, store tabular.Store, table string, ids ...string) {
	t.Helper()
	rows := make([][]string, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, []string{id})
	}
	if err := store.AppendRows(context.Background(), table, rows); err != nil {
		t.Fatalf("append ids: %v", err)
	}
}

func newTestService(store tabular.Store, mutate ...func(*Options)) *Service {
	opts := Options{Store: store, Clock: fixedClock, Logger: quietLogger()}
	for _, fn := range mutate {
		fn(&opts)
	}
	return NewService(opts)
}

func TestSubmitBootstrapsEmptyLedger(t *testing.T) {
	store := tabular.NewMemoryStore()
	ensureTables(t, store, ratioLedger)
	service := newTestService(store)

	result, err := service.Submit(context.Background(), validPayload(ModeRatio))
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if result.RecordID != "UNILAG-CLR-A00001" {
		t.Fatalf("expected bootstrap identifier, got %q", result.RecordID)
	}
	if result.Timestamp != "2025-03-04T05:06:07.008Z" {
		t.Fatalf("unexpected timestamp %q", result.Timestamp)
	}
	if result.Status != StatusStored || result.MasterTable != ratioLedger {
		t.Fatalf("unexpected result %#v", result)
	}
	if result.AttemptID == "" {
		t.Fatalf("expected attempt id")
	}
	rows := store.Rows(ratioLedger)
	if len(rows) != 2 || rows[1][0] != "UNILAG-CLR-A00001" || rows[1][1] != result.Timestamp {
		t.Fatalf("unexpected ledger rows %v", rows)
	}
}

func TestSubmitContinuesFromLedgerTail(t *testing.T) {
	cases := []struct {
		name string
		ids  []string
		want string
	}{
		{"increments", []string{"UNILAG-CLR-A00006", "UNILAG-CLR-A00007"}, "UNILAG-CLR-A00008"},
		{"skips junk below tail", []string{"UNILAG-CLR-A00007", "", "n/a", "UNILAG-CLK-A00099"}, "UNILAG-CLR-A00008"},
		{"tail wins over larger earlier id", []string{"UNILAG-CLR-B00004", "UNILAG-CLR-A00002"}, "UNILAG-CLR-A00003"},
		{"rolls letters", []string{"UNILAG-CLR-Z99999"}, "UNILAG-CLR-AA00001"},
		{"lenient tail", []string{" unilag-clr-c00010 "}, "UNILAG-CLR-C00011"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := tabular.NewMemoryStore()
			ensureTables(t, store, ratioLedger)
			appendIDs(t, store, ratioLedger, tc.ids...)
			result, err := newTestService(store).Submit(context.Background(), validPayload(ModeRatio))
			if err != nil {
				t.Fatalf("submit failed: %v", err)
			}
			if result.RecordID != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, result.RecordID)
			}
		})
	}
}

func TestSubmitKeepsModesOnSeparateLedgers(t *testing.T) {
	store := tabular.NewMemoryStore()
	ensureTables(t, store, ratioLedger, kgLedger)
	appendIDs(t, store, ratioLedger, "UNILAG-CLR-A00041")
	service := newTestService(store)

	kg, err := service.Submit(context.Background(), validPayload("kg/m3"))
	if err != nil {
		t.Fatalf("kg submit failed: %v", err)
	}
	if kg.RecordID != "UNILAG-CLK-A00001" || kg.MasterTable != kgLedger || kg.Mode != ModeKg {
		t.Fatalf("unexpected kg result %#v", kg)
	}
	ratio, err := service.Submit(context.Background(), validPayload(ModeRatio))
	if err != nil {
		t.Fatalf("ratio submit failed: %v", err)
	}
	if ratio.RecordID != "UNILAG-CLR-A00042" {
		t.Fatalf("expected ratio ledger untouched by kg, got %q", ratio.RecordID)
	}
}

func TestSubmitResolvesAliasesCaseInsensitively(t *testing.T) {
	store := tabular.NewMemoryStore()
	ensureTables(t, store, "  MASTER   sheet - ratio", "fine aggregates")
	payload := validPayload(ModeRatio)
	payload.FineAggregates = []AggregateEntry{{Name: "River sand", Qty: "700", Unit: "kg"}}

	result, err := newTestService(store).Submit(context.Background(), payload)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if result.MasterTable != "  MASTER   sheet - ratio" {
		t.Fatalf("expected the store's spelling of the master table, got %q", result.MasterTable)
	}
	if rows := store.Rows("fine aggregates"); len(rows) != 2 {
		t.Fatalf("expected one fine aggregate row, got %v", rows)
	}
}

func TestSubmitFiltersBlankEntriesAndNumbersFromOne(t *testing.T) {
	store := tabular.NewMemoryStore()
	ensureTables(t, store, ratioLedger, fineTable, coarseTable)
	payload := validPayload(ModeRatio)
	payload.FineAggregates = []AggregateEntry{
		{Name: " ", Qty: "", Unit: ""},
		{Name: "River sand", Qty: "700", Unit: "kg"},
		{},
		{Name: "Sharp sand", Qty: "50", Unit: "kg"},
	}
	payload.CoarseAggregates = []AggregateEntry{{}, {}}

	result, err := newTestService(store).Submit(context.Background(), payload)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	want := [][]string{
		{"Application No"},
		{result.RecordID, ModeRatio, "1", "River sand", "700", "kg"},
		{result.RecordID, ModeRatio, "2", "Sharp sand", "50", "kg"},
	}
	if got := store.Rows(fineTable); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected fine aggregate rows:\n got %v\nwant %v", got, want)
	}
	if got := store.Rows(coarseTable); len(got) != 1 {
		t.Fatalf("expected no coarse rows for all-blank entries, got %v", got)
	}
	if len(result.Skipped) != 0 || len(result.Failed) != 0 {
		t.Fatalf("expected clean result, got %#v", result)
	}
}

func TestSubmitSkipsUnresolvedDetailTables(t *testing.T) {
	store := tabular.NewMemoryStore()
	ensureTables(t, store, ratioLedger)
	payload := validPayload(ModeRatio)
	payload.Admixtures = []AdmixtureEntry{{Name: "Plasticiser", Dosage: "1.2"}}

	result, err := newTestService(store).Submit(context.Background(), payload)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if result.Status != StatusStored {
		t.Fatalf("expected skipped details to leave status stored, got %q", result.Status)
	}
	if !reflect.DeepEqual(result.Skipped, []string{"admixtures"}) {
		t.Fatalf("expected admixtures skipped, got %v", result.Skipped)
	}
}

func TestSubmitReportsPartialDetailFailure(t *testing.T) {
	store := newFaultyStore()
	ensureTables(t, store, ratioLedger, fineTable, coarseTable)
	store.appendErr[coarseTable] = errors.New("quota exceeded")
	sink := &recordingSink{}
	service := newTestService(store, func(o *Options) { o.Events = sink })

	payload := validPayload(ModeRatio)
	payload.FineAggregates = []AggregateEntry{{Name: "River sand", Qty: "700", Unit: "kg"}}
	payload.CoarseAggregates = []AggregateEntry{{Name: "Granite", Qty: "1100", Unit: "kg"}}

	result, err := service.Submit(context.Background(), payload)
	if err != nil {
		t.Fatalf("partial failure must not be an error: %v", err)
	}
	if result.Status != StatusPartial || result.RecordID == "" {
		t.Fatalf("expected partial result with identifier, got %#v", result)
	}
	if len(result.Failed) != 1 || result.Failed[0].Collection != "coarseAggregates" || result.Failed[0].Error == "" {
		t.Fatalf("unexpected failed collections %#v", result.Failed)
	}
	if rows := store.Rows(fineTable); len(rows) != 2 {
		t.Fatalf("expected sibling batch kept, got %v", rows)
	}
	if rows := store.Rows(ratioLedger); len(rows) != 2 {
		t.Fatalf("expected master row kept, got %v", rows)
	}
	events := sink.all()
	if len(events) != 1 || events[0].Type != EventPartial || !reflect.DeepEqual(events[0].Failed, []string{"coarseAggregates"}) {
		t.Fatalf("unexpected events %#v", events)
	}
}

func TestSubmitFinishesDetailsAfterCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := &cancelAfterStore{MemoryStore: tabular.NewMemoryStore(), table: ratioLedger, cancel: cancel}
	ensureTables(t, store, ratioLedger, fineTable)
	payload := validPayload(ModeRatio)
	payload.FineAggregates = []AggregateEntry{{Name: "River sand", Qty: "700", Unit: "kg"}}

	result, err := newTestService(store, func(o *Options) { o.VerifyAllocation = true }).Submit(ctx, payload)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if ctx.Err() == nil {
		t.Fatalf("expected caller context cancelled after the master append")
	}
	if result.Status != StatusStored || len(result.Failed) != 0 {
		t.Fatalf("expected detail batches to complete, got %#v", result)
	}
	want := [][]string{
		{"Application No"},
		{result.RecordID, ModeRatio, "1", "River sand", "700", "kg"},
	}
	if got := store.Rows(fineTable); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected fine aggregate rows:\n got %v\nwant %v", got, want)
	}
}

func TestSubmitMasterFailureWritesNothing(t *testing.T) {
	store := newFaultyStore()
	ensureTables(t, store, ratioLedger, fineTable)
	store.appendErr[ratioLedger] = errors.New("permission denied")
	payload := validPayload(ModeRatio)
	payload.FineAggregates = []AggregateEntry{{Name: "River sand", Qty: "700", Unit: "kg"}}

	result, err := newTestService(store).Submit(context.Background(), payload)
	if !errors.Is(err, ErrAppend) {
		t.Fatalf("expected append error, got %v", err)
	}
	var appendErr *AppendError
	if !errors.As(err, &appendErr) || appendErr.RecordID != "UNILAG-CLR-A00001" || appendErr.Table != ratioLedger {
		t.Fatalf("unexpected append error %#v", err)
	}
	if result.RecordID != "" {
		t.Fatalf("expected no identifier on failed master append, got %q", result.RecordID)
	}
	if rows := store.Rows(fineTable); len(rows) != 1 {
		t.Fatalf("expected no detail rows, got %v", rows)
	}
}

func TestSubmitWithoutStoreIsConfigurationError(t *testing.T) {
	service := NewService(Options{Logger: quietLogger(), MissingConfig: []string{"MIXLEDGER_STORE_DSN"}})
	_, err := service.Submit(context.Background(), validPayload(ModeRatio))
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	var configErr *ConfigurationError
	if !errors.As(err, &configErr) || !reflect.DeepEqual(configErr.Missing, []string{"MIXLEDGER_STORE_DSN"}) {
		t.Fatalf("unexpected configuration error %#v", err)
	}
}

func TestSubmitValidatesBeforeTouchingStore(t *testing.T) {
	store := newFaultyStore()
	ensureTables(t, store, ratioLedger)
	payload := validPayload(ModeRatio)
	payload.ClientName = ""

	_, err := newTestService(store).Submit(context.Background(), payload)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if got := store.reads.Load(); got != 0 {
		t.Fatalf("expected no ledger reads, got %d", got)
	}
	if rows := store.Rows(ratioLedger); len(rows) != 1 {
		t.Fatalf("expected ledger untouched, got %v", rows)
	}
}

func TestSubmitUnresolvedMasterIsTableResolutionError(t *testing.T) {
	store := tabular.NewMemoryStore()
	ensureTables(t, store, kgLedger)
	_, err := newTestService(store).Submit(context.Background(), validPayload(ModeRatio))
	if !errors.Is(err, ErrTableResolution) {
		t.Fatalf("expected table resolution error, got %v", err)
	}
	if rows := store.Rows(kgLedger); len(rows) != 1 {
		t.Fatalf("kg ledger must not be used for ratio, got %v", rows)
	}
}

func TestSubmitListFailureIsStoreError(t *testing.T) {
	store := newFaultyStore()
	store.listErr = errors.New("connection refused")
	_, err := newTestService(store).Submit(context.Background(), validPayload(ModeRatio))
	if !errors.Is(err, ErrStore) {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestSubmitProvisionsMissingTables(t *testing.T) {
	store := tabular.NewMemoryStore()
	service := newTestService(store, func(o *Options) { o.Provision = true })
	payload := validPayload(ModeKg)
	payload.SCMs = []SCMEntry{{Name: "Fly ash", Percent: "20"}}

	result, err := service.Submit(context.Background(), payload)
	if err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	if result.RecordID != "UNILAG-CLK-A00001" || result.MasterTable != kgLedger {
		t.Fatalf("unexpected result %#v", result)
	}
	mode := mustMode(t, ModeKg)
	rows := store.Rows(kgLedger)
	if !reflect.DeepEqual(rows[0], mode.Master.Header) {
		t.Fatalf("expected provisioned header %v, got %v", mode.Master.Header, rows[0])
	}
	scms := store.Rows("Research SCMs")
	if len(scms) != 2 || scms[1][3] != "Fly ash" {
		t.Fatalf("unexpected scm rows %v", scms)
	}
}

// raceStore holds the first n tail reads of a ledger until all n have
// arrived, so every one of them sees the same snapshot.
type raceStore struct {
	*tabular.MemoryStore
	ledger  string
	n       int
	mu      sync.Mutex
	arrived int
	release chan struct{}
}

func (s *raceStore) ReadColumn(ctx context.Context, table string, column int) ([]string, error) {
	if table == s.ledger && column == allocator.IdentifierColumn {
		s.mu.Lock()
		s.arrived++
		index := s.arrived
		if index == s.n {
			close(s.release)
		}
		s.mu.Unlock()
		if index <= s.n {
			select {
			case <-s.release:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return s.MemoryStore.ReadColumn(ctx, table, column)
}

func TestConcurrentSubmitsShareIdentifierWithoutSerialization(t *testing.T) {
	store := &raceStore{MemoryStore: tabular.NewMemoryStore(), ledger: ratioLedger, n: 2, release: make(chan struct{})}
	ensureTables(t, store, ratioLedger)
	appendIDs(t, store, ratioLedger, "UNILAG-CLR-A00009")
	reg := prometheus.NewRegistry()
	service := newTestService(store, func(o *Options) {
		o.VerifyAllocation = true
		o.Metrics = NewMetrics(reg)
	})

	results := make([]Result, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = service.Submit(context.Background(), validPayload(ModeRatio))
		}(i)
	}
	wg.Wait()

	suspected := 0
	for i := range results {
		if errs[i] != nil {
			t.Fatalf("submit %d failed: %v", i, errs[i])
		}
		if results[i].RecordID != "UNILAG-CLR-A00010" {
			t.Fatalf("expected both submissions to compute A00010, got %q", results[i].RecordID)
		}
		if results[i].DuplicateSuspected {
			suspected++
		}
	}
	if suspected == 0 {
		t.Fatalf("expected the later append to be flagged as a suspected duplicate")
	}
	if got := counterValue(t, reg, "mixledger_duplicate_identifiers_total"); got != float64(suspected) {
		t.Fatalf("expected duplicate counter %d, got %v", suspected, got)
	}
}

func TestSerializedAllocationYieldsDistinctIdentifiers(t *testing.T) {
	store := tabular.NewMemoryStore()
	ensureTables(t, store, ratioLedger)
	service := newTestService(store, func(o *Options) { o.SerializeAllocation = true })

	const submissions = 20
	ids := make(chan string, submissions)
	var wg sync.WaitGroup
	for i := 0; i < submissions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := service.Submit(context.Background(), validPayload(ModeRatio))
			if err != nil {
				t.Errorf("submit failed: %v", err)
				return
			}
			ids <- result.RecordID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		if seen[id] {
			t.Fatalf("duplicate identifier %q under serialized allocation", id)
		}
		seen[id] = true
	}
	if len(seen) != submissions {
		t.Fatalf("expected %d identifiers, got %d", submissions, len(seen))
	}
	if !seen[fmt.Sprintf("UNILAG-CLR-A%05d", submissions)] {
		t.Fatalf("expected identifiers to run contiguously up to A%05d, got %v", submissions, seen)
	}
}

func TestSubmitRecordsMetrics(t *testing.T) {
	store := tabular.NewMemoryStore()
	ensureTables(t, store, ratioLedger, fineTable)
	reg := prometheus.NewRegistry()
	service := newTestService(store, func(o *Options) { o.Metrics = NewMetrics(reg) })
	payload := validPayload(ModeRatio)
	payload.FineAggregates = []AggregateEntry{{Name: "a", Qty: "1", Unit: "kg"}, {Name: "b", Qty: "2", Unit: "kg"}}

	if _, err := service.Submit(context.Background(), payload); err != nil {
		t.Fatalf("submit failed: %v", err)
	}
	payload.ClientName = ""
	if _, err := service.Submit(context.Background(), payload); err == nil {
		t.Fatalf("expected validation failure")
	}
	if got := counterValue(t, reg, "mixledger_submissions_total"); got != 2 {
		t.Fatalf("expected 2 submissions counted, got %v", got)
	}
	if got := counterValue(t, reg, "mixledger_detail_rows_total"); got != 2 {
		t.Fatalf("expected 2 detail rows counted, got %v", got)
	}
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			total += metric.GetCounter().GetValue()
		}
	}
	return total
}

func TestAuditLedgerScansMasterColumn(t *testing.T) {
	store := tabular.NewMemoryStore()
	ensureTables(t, store, ratioLedger)
	appendIDs(t, store, ratioLedger, "UNILAG-CLR-A00001", "UNILAG-CLR-A00002", "UNILAG-CLR-A00002", "junk")
	report, err := newTestService(store).AuditLedger(context.Background(), "ratio")
	if err != nil {
		t.Fatalf("audit failed: %v", err)
	}
	if report.Mode != ModeRatio || report.Table != ratioLedger {
		t.Fatalf("unexpected report identity %#v", report)
	}
	if report.Healthy() || len(report.Duplicates) != 1 || len(report.Malformed) != 1 {
		t.Fatalf("expected one duplicate and one malformed cell, got %#v", report)
	}
	if report.Next != "UNILAG-CLR-A00003" {
		t.Fatalf("expected next A00003, got %q", report.Next)
	}
}

func TestDescribeResolvesConfiguredTables(t *testing.T) {
	store := tabular.NewMemoryStore()
	ensureTables(t, store, ratioLedger, "Fine Aggregates")
	info, err := newTestService(store).Describe(context.Background())
	if err != nil {
		t.Fatalf("describe failed: %v", err)
	}
	if info.Backend != "memory" || len(info.Modes) != 2 || len(info.Details) != 4 {
		t.Fatalf("unexpected info %#v", info)
	}
	if info.Modes[1].MasterTable != ratioLedger || info.Modes[0].MasterTable != "" {
		t.Fatalf("unexpected master resolution %#v", info.Modes)
	}
	if info.Details[0].Table != "Fine Aggregates" || info.Details[1].Table != "" {
		t.Fatalf("unexpected detail resolution %#v", info.Details)
	}
}

// Package submission sequences one test-request submission: validate, pick
// the mode's ledger, resolve tables, allocate the next identifier from the
// ledger tail and fan the rows out.
package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.jetify.com/typeid/v2"

	"github.com/concretelab/mixledger/internal/allocator"
	"github.com/concretelab/mixledger/internal/audit"
	"github.com/concretelab/mixledger/internal/fanout"
	"github.com/concretelab/mixledger/internal/tablealias"
	"github.com/concretelab/mixledger/internal/tabular"
)

const (
	attemptIDPrefix      = "subm"
	defaultSubmitTimeout = 30 * time.Second
	timestampLayout      = "2006-01-02T15:04:05.000Z"
)

// ErrStore wraps backing-store failures that happen before the master
// append, when nothing has been written.
var ErrStore = errors.New("submission: backing store unavailable")

type Status string

const (
	StatusStored  Status = "stored"
	StatusPartial Status = "partial"
)

type Options struct {
	Store   tabular.Store
	Modes   ModeSet
	Details []tablealias.Table
	Clock   func() time.Time
	Logger  *slog.Logger
	Metrics *Metrics
	Events  EventSink
	// Provision creates missing tables under their first alias before
	// resolving.
	Provision bool
	// SerializeAllocation holds a per-ledger lock in this process from the
	// tail read until the master append completes. Other processes writing
	// the same ledger are not covered.
	SerializeAllocation bool
	// VerifyAllocation re-reads the identifier column after the master
	// append and flags the result when the identifier occurs more than once.
	VerifyAllocation bool
	Timeout          time.Duration
	// MissingConfig names the settings that left Store nil.
	MissingConfig []string
}

type CollectionSummary struct {
	Collection string `json:"collection"`
	Table      string `json:"table,omitempty"`
	Rows       int    `json:"rows"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

type Result struct {
	AttemptID          string
	RecordID           string
	Timestamp          string
	Mode               string
	Status             Status
	MasterTable        string
	Collections        []CollectionSummary
	Skipped            []string
	Failed             []CollectionSummary
	DuplicateSuspected bool
}

type Service struct {
	store         tabular.Store
	modes         ModeSet
	details       []tablealias.Table
	clock         func() time.Time
	logger        *slog.Logger
	metrics       *Metrics
	events        EventSink
	provision     bool
	serialize     bool
	verify        bool
	timeout       time.Duration
	missingConfig []string

	ledgerLocks sync.Map
}

func NewService(opts Options) *Service {
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}
	details := opts.Details
	if details == nil {
		details = DetailTables()
	}
	modes := opts.Modes
	if len(modes.modes) == 0 {
		modes = DefaultModeSet("", "")
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultSubmitTimeout
	}
	missing := opts.MissingConfig
	if len(missing) == 0 {
		missing = []string{"store DSN"}
	}
	return &Service{
		store:         opts.Store,
		modes:         modes,
		details:       details,
		clock:         clock,
		logger:        resolveLogger(opts.Logger),
		metrics:       opts.Metrics,
		events:        opts.Events,
		provision:     opts.Provision,
		serialize:     opts.SerializeAllocation,
		verify:        opts.VerifyAllocation,
		timeout:       timeout,
		missingConfig: missing,
	}
}

func (s *Service) Modes() ModeSet { return s.modes }

func (s *Service) Backend() string {
	if s.store == nil {
		return ""
	}
	return s.store.Backend()
}

// Submit persists one submission. A non-nil error with a zero RecordID means
// nothing was written. A partial result is returned with a nil error and
// Status partial.
func (s *Service) Submit(ctx context.Context, payload Payload) (Result, error) {
	mode, err := s.modes.Lookup(payload.InputMode)
	if err != nil {
		s.metrics.observeSubmission("unknown", "invalid")
		return Result{}, err
	}
	result := Result{Mode: mode.Key}
	if err := payload.Validate(mode); err != nil {
		s.metrics.observeSubmission(mode.Key, "invalid")
		return result, err
	}
	if s.store == nil {
		s.metrics.observeSubmission(mode.Key, "misconfigured")
		return result, &ConfigurationError{Missing: s.missingConfig}
	}

	attemptID, err := typeid.Generate(attemptIDPrefix)
	if err != nil {
		return result, fmt.Errorf("generate attempt id: %w", err)
	}
	result.AttemptID = attemptID.String()
	logger := s.logger.With("attempt_id", result.AttemptID, "mode", mode.Key)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	masterTable, detailTables, err := s.resolve(ctx, mode, logger)
	if err != nil {
		s.fail(result, err, logger)
		return result, err
	}
	result.MasterTable = masterTable

	collections := payload.Collections()
	req := fanout.Request{
		Mode:         mode.Key,
		MasterTable:  masterTable,
		DetailTables: detailTables,
		Collections:  collections,
	}
	writer := fanout.NewWriter(s.store)
	codec := mode.Codec()

	unlock := s.lockLedger(masterTable)
	started := time.Now()
	allocation, err := allocator.Allocate(ctx, s.store, masterTable, codec)
	if err != nil {
		unlock()
		err = fmt.Errorf("%w: %w", ErrStore, err)
		s.fail(result, err, logger)
		return result, err
	}
	if allocation.Tail.Skipped > 0 {
		logger.Warn("skipped undecodable cells at ledger tail",
			"table", masterTable,
			"skipped", allocation.Tail.Skipped,
			"tail_row", allocation.Tail.Row)
	}
	recordID := allocation.Text
	timestamp := s.clock().UTC().Format(timestampLayout)
	req.RecordID = recordID
	req.MasterRow = payload.MasterRow(mode, recordID, timestamp)

	err = writer.WriteMaster(ctx, req)
	unlock()
	s.metrics.observeAllocation(mode.Key, time.Since(started))
	if err != nil {
		var masterErr *fanout.MasterAppendError
		if errors.As(err, &masterErr) {
			err = &AppendError{Table: masterTable, RecordID: recordID, Err: masterErr.Err}
		}
		s.fail(result, err, logger)
		return result, err
	}
	result.RecordID = recordID
	result.Timestamp = timestamp
	logger = logger.With("record_id", recordID)

	// The master row is committed: detail batches run to completion or the
	// store timeout even when the caller goes away.
	ctx, cancelDetails := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancelDetails()

	if s.verify {
		result.DuplicateSuspected = s.verifyAllocation(ctx, masterTable, recordID, logger)
		if result.DuplicateSuspected {
			s.metrics.observeDuplicate(mode.Key)
		}
	}

	written := writer.WriteDetails(ctx, req)
	result.Status = StatusStored
	for _, collection := range written.Collections {
		summary := CollectionSummary{
			Collection: collection.Logical.String(),
			Table:      collection.Table,
			Rows:       collection.Rows,
			Status:     string(collection.Status),
		}
		switch collection.Status {
		case fanout.StatusFailed:
			summary.Error = collection.Err.Error()
			result.Failed = append(result.Failed, summary)
			result.Status = StatusPartial
			logger.Error("detail append failed",
				"collection", summary.Collection,
				"table", collection.Table,
				"rows", collection.Rows,
				"error", collection.Err)
		case fanout.StatusSkipped:
			result.Skipped = append(result.Skipped, summary.Collection)
			logger.Info("detail table not found, rows skipped",
				"collection", summary.Collection,
				"rows", collection.Rows)
		}
		s.metrics.observeDetailRows(summary.Collection, summary.Status, collection.Rows)
		result.Collections = append(result.Collections, summary)
	}

	s.metrics.observeSubmission(mode.Key, string(result.Status))
	s.publish(result, nil)
	logger.Info("submission stored",
		"table", masterTable,
		"status", string(result.Status),
		"failed", len(result.Failed),
		"skipped", len(result.Skipped))
	return result, nil
}

func (s *Service) resolve(ctx context.Context, mode Mode, logger *slog.Logger) (string, map[tablealias.LogicalTable]string, error) {
	names, err := s.store.ListTables(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("%w: list tables: %w", ErrStore, err)
	}
	if s.provision {
		names = s.provisionTables(ctx, mode, names, logger)
	}
	master, ok := mode.Master.Resolve(names)
	if !ok {
		return "", nil, &TableResolutionError{Mode: mode.Key, Aliases: mode.Master.Aliases}
	}
	return master, tablealias.ResolveAll(s.details, names), nil
}

// provisionTables creates every table that did not resolve under its first
// alias. Failures are logged; resolution decides what they mean.
func (s *Service) provisionTables(ctx context.Context, mode Mode, names []string, logger *slog.Logger) []string {
	tables := append([]tablealias.Table{mode.Master}, s.details...)
	for _, table := range tables {
		if _, ok := table.Resolve(names); ok {
			continue
		}
		name := table.Canonical()
		if name == "" {
			continue
		}
		if err := s.store.EnsureTable(ctx, name, table.Header); err != nil {
			logger.Warn("provision table failed", "table", name, "error", err)
			continue
		}
		logger.Info("provisioned table", "table", name)
		names = append(names, name)
	}
	return names
}

func (s *Service) lockLedger(table string) func() {
	if !s.serialize {
		return func() {}
	}
	value, _ := s.ledgerLocks.LoadOrStore(tablealias.Normalize(table), &sync.Mutex{})
	mu := value.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// verifyAllocation reports whether recordID occurs more than once in the
// ledger after our append. A failed re-read is logged and reported as clean.
func (s *Service) verifyAllocation(ctx context.Context, table, recordID string, logger *slog.Logger) bool {
	column, err := s.store.ReadColumn(ctx, table, allocator.IdentifierColumn)
	if err != nil {
		logger.Warn("allocation verification read failed", "table", table, "error", err)
		return false
	}
	count := countOccurrences(column, recordID)
	if count <= 1 {
		return false
	}
	logger.Warn("duplicate identifier detected after append",
		"table", table,
		"occurrences", count)
	return true
}

func (s *Service) fail(result Result, err error, logger *slog.Logger) {
	outcome := "failed"
	switch {
	case errors.Is(err, ErrTableResolution):
		outcome = "unresolved"
	case errors.Is(err, ErrAppend):
		outcome = "append_failed"
	}
	s.metrics.observeSubmission(result.Mode, outcome)
	logger.Error("submission failed", "error", err)
	s.publish(result, err)
}

func (s *Service) publish(result Result, err error) {
	if s.events == nil {
		return
	}
	event := Event{
		AttemptID:          result.AttemptID,
		Mode:               result.Mode,
		RecordID:           result.RecordID,
		Timestamp:          result.Timestamp,
		Skipped:            result.Skipped,
		DuplicateSuspected: result.DuplicateSuspected,
	}
	for _, failed := range result.Failed {
		event.Failed = append(event.Failed, failed.Collection)
	}
	switch {
	case err != nil:
		event.Type = EventFailed
		event.Error = err.Error()
	case result.Status == StatusPartial:
		event.Type = EventPartial
	default:
		event.Type = EventStored
	}
	s.events.Publish(event)
}

// AuditLedger scans the identifier column of a mode's master ledger.
func (s *Service) AuditLedger(ctx context.Context, selector string) (audit.Report, error) {
	mode, err := s.modes.Lookup(selector)
	if err != nil {
		return audit.Report{}, err
	}
	if s.store == nil {
		return audit.Report{}, &ConfigurationError{Missing: s.missingConfig}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	names, err := s.store.ListTables(ctx)
	if err != nil {
		return audit.Report{}, fmt.Errorf("%w: list tables: %w", ErrStore, err)
	}
	table, ok := mode.Master.Resolve(names)
	if !ok {
		return audit.Report{}, &TableResolutionError{Mode: mode.Key, Aliases: mode.Master.Aliases}
	}
	column, err := s.store.ReadColumn(ctx, table, allocator.IdentifierColumn)
	if err != nil {
		return audit.Report{}, fmt.Errorf("%w: read %q: %w", ErrStore, table, err)
	}
	report := audit.Scan(column, mode.Codec())
	report.Mode = mode.Key
	report.Table = table
	return report, nil
}

type ModeInfo struct {
	Key         string   `json:"key"`
	Label       string   `json:"label"`
	Prefix      string   `json:"prefix"`
	Aliases     []string `json:"aliases"`
	MasterTable string   `json:"masterTable,omitempty"`
}

type DetailInfo struct {
	Collection string   `json:"collection"`
	Aliases    []string `json:"aliases"`
	Table      string   `json:"table,omitempty"`
}

type BackendInfo struct {
	Backend string       `json:"backend"`
	Tables  []string     `json:"tables"`
	Modes   []ModeInfo   `json:"modes"`
	Details []DetailInfo `json:"details"`
}

// Describe resolves every configured table against the live table list
// without provisioning anything.
func (s *Service) Describe(ctx context.Context) (BackendInfo, error) {
	if s.store == nil {
		return BackendInfo{}, &ConfigurationError{Missing: s.missingConfig}
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	names, err := s.store.ListTables(ctx)
	if err != nil {
		return BackendInfo{}, fmt.Errorf("%w: list tables: %w", ErrStore, err)
	}
	info := BackendInfo{Backend: s.store.Backend(), Tables: names}
	for _, mode := range s.modes.Modes() {
		master, _ := mode.Master.Resolve(names)
		info.Modes = append(info.Modes, ModeInfo{
			Key:         mode.Key,
			Label:       mode.Label,
			Prefix:      mode.Codec().Prefix(),
			Aliases:     mode.Master.Aliases,
			MasterTable: master,
		})
	}
	for _, detail := range s.details {
		table, _ := detail.Resolve(names)
		info.Details = append(info.Details, DetailInfo{
			Collection: detail.Logical.String(),
			Aliases:    detail.Aliases,
			Table:      table,
		})
	}
	return info, nil
}

func countOccurrences(column []string, recordID string) int {
	count := 0
	for i := 1; i < len(column); i++ {
		if strings.EqualFold(strings.TrimSpace(column[i]), recordID) {
			count++
		}
	}
	return count
}

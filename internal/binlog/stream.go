package binlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"
	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"github.com/katasec/dstream-ingester-mysql/pkg/cdc"
)

// ErrColumnMismatch is returned when a rows event does not fit the column names
// known for its table.
var ErrColumnMismatch = errors.New("column count mismatch")

type eventReader interface {
	GetEvent(ctx context.Context) (*replication.BinlogEvent, error)
}

// Stream turns raw binlog events into cdc.StreamEvents. It tracks the current
// file and transaction so each event carries a resumable position.
type Stream struct {
	reader    eventReader
	closeFn   func()
	closeOnce sync.Once

	// events at or before resumeAfter are dropped
	resumeAfter *cdc.Position

	columns     ColumnResolver
	columnCache map[string][]string

	logFile string
	txnPos  uint32
	inTxn   bool
	gtid    string

	pending []cdc.StreamEvent
	log     hclog.Logger
}

func newStream(reader eventReader, closeFn func(), logFile string, resumeAfter *cdc.Position, columns ColumnResolver, log hclog.Logger) *Stream {
	return &Stream{
		reader:      reader,
		closeFn:     closeFn,
		resumeAfter: resumeAfter,
		columns:     columns,
		columnCache: make(map[string][]string),
		logFile:     logFile,
		log:         log,
	}
}

// Next returns the next event in binlog order. It returns io.EOF once the
// underlying sync is closed.
func (s *Stream) Next(ctx context.Context) (cdc.StreamEvent, error) {
	for len(s.pending) == 0 {
		raw, err := s.reader.GetEvent(ctx)
		if err != nil {
			if errors.Is(err, replication.ErrSyncClosed) {
				return nil, io.EOF
			}
			return nil, err
		}

		events, err := s.convert(ctx, raw)
		if err != nil {
			return nil, err
		}
		for _, ev := range events {
			if s.resumeAfter != nil {
				if !ev.EventPosition().After(*s.resumeAfter) {
					s.log.Trace("Skipping event already handled", "position", ev.EventPosition())
					continue
				}
				s.resumeAfter = nil
			}
			s.pending = append(s.pending, ev)
		}
	}

	ev := s.pending[0]
	s.pending = s.pending[1:]
	return ev, nil
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.closeFn != nil {
			s.closeFn()
		}
	})
	return nil
}

func (s *Stream) convert(ctx context.Context, raw *replication.BinlogEvent) ([]cdc.StreamEvent, error) {
	h := raw.Header
	start := eventStart(h)

	switch e := raw.Event.(type) {
	case *replication.RotateEvent:
		s.logFile = string(e.NextLogName)
		s.endTxn()
		return nil, nil

	case *replication.GTIDEvent:
		s.beginTxn(start)
		s.gtid = formatGTID(e.SID, e.GNO)
		return nil, nil

	case *replication.MariadbGTIDEvent:
		s.beginTxn(start)
		s.gtid = e.GTID.String()
		return nil, nil

	case *replication.XIDEvent:
		s.endTxn()
		return nil, nil

	case *replication.QueryEvent:
		return s.query(h, start, e), nil

	case *replication.RowsEvent:
		return s.rows(ctx, h, start, e)

	case *replication.TableMapEvent,
		*replication.FormatDescriptionEvent,
		*replication.PreviousGTIDsEvent,
		*replication.RowsQueryEvent,
		*replication.MariadbAnnotateRowsEvent,
		*replication.MariadbBinlogCheckPointEvent,
		*replication.MariadbGTIDListEvent:
		return nil, nil
	}

	switch h.EventType {
	case replication.HEARTBEAT_EVENT, replication.STOP_EVENT, replication.ANONYMOUS_GTID_EVENT:
		return nil, nil
	case replication.XA_PREPARE_LOG_EVENT:
		s.endTxn()
		return nil, nil
	}

	return []cdc.StreamEvent{&cdc.Unsupported{
		TypeName: h.EventType.String(),
		Position: s.position(start, 0),
	}}, nil
}

func (s *Stream) query(h *replication.EventHeader, start uint32, e *replication.QueryEvent) []cdc.StreamEvent {
	stmt := strings.TrimSpace(string(e.Query))
	first, second := leadingKeywords(stmt)

	switch first {
	case "BEGIN":
		if !s.inTxn {
			s.beginTxn(start)
		}
		return nil
	case "COMMIT":
		s.endTxn()
		return nil
	case "ROLLBACK":
		if second != "TO" {
			s.endTxn()
		}
		return nil
	case "SAVEPOINT", "RELEASE":
		return nil
	case "XA":
		switch second {
		case "START", "BEGIN":
			if !s.inTxn {
				s.beginTxn(start)
			}
		case "COMMIT", "ROLLBACK":
			s.endTxn()
		}
		return nil
	}

	if s.inTxn && !ddlKeywords[first] {
		s.log.Debug("Skipping statement inside transaction", "statement", stmt, "position", s.position(start, 0))
		return nil
	}

	// DDL commits implicitly and forms its own transaction.
	if !s.inTxn {
		s.beginTxn(start)
	}
	ev := &cdc.SchemaChange{
		Database:  string(e.Schema),
		Statement: stmt,
		Timestamp: eventTime(h),
		Position:  s.position(start, 0),
	}
	clear(s.columnCache)
	s.endTxn()
	return []cdc.StreamEvent{ev}
}

// Statements that commit the open transaction implicitly.
var ddlKeywords = map[string]bool{
	"CREATE":   true,
	"ALTER":    true,
	"DROP":     true,
	"RENAME":   true,
	"TRUNCATE": true,
	"GRANT":    true,
	"REVOKE":   true,
	"ANALYZE":  true,
	"OPTIMIZE": true,
	"REPAIR":   true,
}

// leadingKeywords returns the first two words of stmt, upper-cased, skipping
// leading /* */ comments.
func leadingKeywords(stmt string) (string, string) {
	for {
		stmt = strings.TrimSpace(stmt)
		if !strings.HasPrefix(stmt, "/*") {
			break
		}
		end := strings.Index(stmt, "*/")
		if end < 0 {
			return "", ""
		}
		stmt = stmt[end+2:]
	}

	words := strings.Fields(stmt)
	word := func(i int) string {
		if i >= len(words) {
			return ""
		}
		return strings.ToUpper(strings.TrimRight(words[i], ";"))
	}
	return word(0), word(1)
}

func (s *Stream) rows(ctx context.Context, h *replication.EventHeader, start uint32, e *replication.RowsEvent) ([]cdc.StreamEvent, error) {
	op, ok := rowsOperation(h.EventType)
	if !ok || e.Table == nil {
		return []cdc.StreamEvent{&cdc.Unsupported{TypeName: h.EventType.String(), Position: s.position(start, 0)}}, nil
	}

	database, table := string(e.Table.Schema), string(e.Table.Table)
	names, err := s.columnNames(ctx, e.Table)
	if err != nil {
		return nil, err
	}

	step := 1
	if op == cdc.Update {
		step = 2
	}

	events := make([]cdc.StreamEvent, 0, len(e.Rows)/step)
	for i, row := 0, 0; i+step <= len(e.Rows); i, row = i+step, row+1 {
		dc := &cdc.DataChange{
			Database:  database,
			Table:     table,
			Operation: op,
			Timestamp: eventTime(h),
			Position:  s.position(start, row),
		}
		image := e.Rows[i]
		if op == cdc.Update {
			if dc.Before, err = toRow(names, e.Rows[i]); err != nil {
				return nil, fmt.Errorf("%s.%s: %w", database, table, err)
			}
			image = e.Rows[i+1]
		}
		if dc.Row, err = toRow(names, image); err != nil {
			return nil, fmt.Errorf("%s.%s: %w", database, table, err)
		}
		events = append(events, dc)
	}
	return events, nil
}

func (s *Stream) columnNames(ctx context.Context, tme *replication.TableMapEvent) ([]string, error) {
	if names := tme.ColumnNameString(); len(names) > 0 && len(names) == int(tme.ColumnCount) {
		return names, nil
	}

	key := string(tme.Schema) + "." + string(tme.Table)
	if names, ok := s.columnCache[key]; ok {
		return names, nil
	}
	if s.columns == nil {
		return nil, fmt.Errorf("no column names available for %s", key)
	}
	names, err := s.columns.GetColumnNames(ctx, string(tme.Schema), string(tme.Table))
	if err != nil {
		return nil, err
	}
	s.columnCache[key] = names
	return names, nil
}

func (s *Stream) beginTxn(start uint32) {
	s.inTxn = true
	s.txnPos = start
	s.gtid = ""
}

func (s *Stream) endTxn() {
	s.inTxn = false
	s.gtid = ""
}

func (s *Stream) position(eventPos uint32, row int) cdc.Position {
	txnPos := s.txnPos
	if !s.inTxn {
		txnPos = eventPos
	}
	txnID := s.gtid
	if txnID == "" {
		txnID = fmt.Sprintf("%s:%d", s.logFile, txnPos)
	}
	return cdc.Position{
		LogFile:       s.logFile,
		TxnPos:        txnPos,
		EventPos:      eventPos,
		Row:           row,
		TransactionID: txnID,
	}
}

func rowsOperation(t replication.EventType) (cdc.ChangeType, bool) {
	switch t {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		return cdc.Insert, true
	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		return cdc.Update, true
	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		return cdc.Delete, true
	default:
		return "", false
	}
}

// toRow maps values to names by position. The counts must match; a mismatch
// means the names describe a different version of the table.
func toRow(names []string, values []any) (map[string]any, error) {
	if len(values) != len(names) {
		return nil, fmt.Errorf("%w: row has %d values but %d known columns", ErrColumnMismatch, len(values), len(names))
	}
	row := make(map[string]any, len(values))
	for i, v := range values {
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		row[names[i]] = v
	}
	return row, nil
}

// eventStart returns the offset of the event; headers only carry the end offset.
func eventStart(h *replication.EventHeader) uint32 {
	if h.LogPos < h.EventSize {
		return 0
	}
	return h.LogPos - h.EventSize
}

func eventTime(h *replication.EventHeader) time.Time {
	return time.Unix(int64(h.Timestamp), 0).UTC()
}

func formatGTID(sid []byte, gno int64) string {
	if gno == 0 {
		return ""
	}
	u, err := uuid.FromBytes(sid)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%s:%d", u, gno)
}

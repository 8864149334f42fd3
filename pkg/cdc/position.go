package cdc

import (
	"cmp"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Position identifies a point in the source's binlog.
//
// TxnPos is the offset of the first event of the transaction the position belongs to;
// a source reopened at a position starts reading there and suppresses everything up
// to and including the position itself. EventPos and Row locate the exact event and
// the row inside a rows event.
type Position struct {
	LogFile       string `json:"log_file"`
	TxnPos        uint32 `json:"txn_pos"`
	EventPos      uint32 `json:"event_pos"`
	Row           int    `json:"row"`
	TransactionID string `json:"transaction_id,omitempty"`
}

// IsZero reports whether p holds no position.
func (p Position) IsZero() bool {
	return p.LogFile == "" && p.EventPos == 0 && p.TxnPos == 0
}

// Compare orders positions by log file sequence, event offset and row index.
// It returns -1, 0 or +1.
func (p Position) Compare(o Position) int {
	if c := compareLogFiles(p.LogFile, o.LogFile); c != 0 {
		return c
	}
	if c := cmp.Compare(p.EventPos, o.EventPos); c != 0 {
		return c
	}
	return cmp.Compare(p.Row, o.Row)
}

// After reports whether p is strictly later than o.
func (p Position) After(o Position) bool {
	return p.Compare(o) > 0
}

func (p Position) String() string {
	return fmt.Sprintf("%s:%d#%d", p.LogFile, p.EventPos, p.Row)
}

// Marshal serialises the position for persistence.
func (p Position) Marshal() ([]byte, error) {
	return json.Marshal(p)
}

// UnmarshalPosition is the inverse of Position.Marshal.
func UnmarshalPosition(data []byte) (Position, error) {
	var p Position
	if err := json.Unmarshal(data, &p); err != nil {
		return Position{}, fmt.Errorf("failed to decode position: %w", err)
	}
	return p, nil
}

// compareLogFiles compares binlog file names like "mysql-bin.000042" by their
// numeric extension, falling back to a plain string comparison.
func compareLogFiles(a, b string) int {
	if a == b {
		return 0
	}
	na, okA := logFileSequence(a)
	nb, okB := logFileSequence(b)
	if okA && okB {
		if c := cmp.Compare(na, nb); c != 0 {
			return c
		}
	}
	return strings.Compare(a, b)
}

func logFileSequence(name string) (uint64, bool) {
	idx := strings.LastIndexByte(name, '.')
	if idx < 0 || idx == len(name)-1 {
		return 0, false
	}
	n, err := strconv.ParseUint(name[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

package cdc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionCompare(t *testing.T) {
	base := Position{LogFile: "mysql-bin.000009", EventPos: 500, Row: 1}

	tests := []struct {
		name  string
		other Position
		want  int
	}{
		{"equal", Position{LogFile: "mysql-bin.000009", EventPos: 500, Row: 1}, 0},
		{"later row", Position{LogFile: "mysql-bin.000009", EventPos: 500, Row: 2}, -1},
		{"earlier event", Position{LogFile: "mysql-bin.000009", EventPos: 120}, 1},
		{"next file numerically", Position{LogFile: "mysql-bin.000010", EventPos: 4}, -1},
		{"previous file", Position{LogFile: "mysql-bin.000008", EventPos: 9000}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, base.Compare(tt.other))
		})
	}
}

func TestPositionCompareIgnoresTransactionFields(t *testing.T) {
	a := Position{LogFile: "bin.000001", TxnPos: 4, EventPos: 300, TransactionID: "a"}
	b := Position{LogFile: "bin.000001", TxnPos: 200, EventPos: 300, TransactionID: "b"}
	assert.Equal(t, 0, a.Compare(b))
	assert.False(t, a.After(b))
}

func TestPositionMarshalRoundTrip(t *testing.T) {
	p := Position{LogFile: "bin.000003", TxnPos: 100, EventPos: 250, Row: 2, TransactionID: "uuid:7"}

	data, err := p.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalPosition(data)
	require.NoError(t, err)
	assert.Equal(t, p, got)
}

func TestPositionIsZero(t *testing.T) {
	assert.True(t, Position{}.IsZero())
	assert.False(t, Position{LogFile: "bin.000001", EventPos: 4}.IsZero())
}

func TestChangeTypeMessageType(t *testing.T) {
	assert.Equal(t, "create", Insert.MessageType())
	assert.Equal(t, "update", Update.MessageType())
	assert.Equal(t, "delete", Delete.MessageType())
}

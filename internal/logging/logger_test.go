package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, hclog.Debug, ParseLevel("debug"))
	assert.Equal(t, hclog.Warn, ParseLevel(" WARN "))
	assert.Equal(t, hclog.Info, ParseLevel(""))
	assert.Equal(t, hclog.Info, ParseLevel("verbose"))
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Options{Level: "info", JSON: true, Output: &buf})

	logger.Named("dispatcher").Info("event dispatched", "category", "data_event")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "event dispatched", line["@message"])
	assert.Equal(t, "dstream-mysql.dispatcher", line["@module"])
	assert.Equal(t, "data_event", line["category"])
}

func TestSetupInstallsLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := Setup(Options{Level: "debug", Output: &buf})
	t.Cleanup(func() { SetLogger(nil) })

	assert.Same(t, logger, GetLogger())
}

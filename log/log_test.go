package log_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/dataplane-engine/log"
	"github.com/songzhibin97/dataplane-engine/types"
)

type errStub string

func (e errStub) Error() string { return string(e) }

func TestAttrs(t *testing.T) {
	assertAttrEqual(t, log.FlowID("flow-123"), "flow_id", "flow-123")
	assertAttrEqual(t, log.RuntimeID("runtime-a"), "runtime_id", "runtime-a")
	assertAttrEqual(t, log.State(types.StateStarted), "state", "STARTED")
	assertAttrEqual(t, log.FlowType(types.FlowTypePull), "flow_type", "PULL")
	assertAttrEqual(t, log.Status("ERROR_RETRY"), "status", "ERROR_RETRY")
	assertAttrEqual(t, log.Error(nil), "error", "")
	assertAttrEqual(t, log.Error(errStub("boom")), "error", "boom")
	assertAttrEqual(t, log.ErrorString("badness"), "error", "badness")
}

func TestNew(t *testing.T) {
	var buf bytes.Buffer
	logger := log.New(&buf, "dataplane", "warn")

	logger.Info("dropped")
	logger.Warn("kept", log.FlowID("flow-1"))

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "dataplane", entry["service"])
	assert.Equal(t, "flow-1", entry["flow_id"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, log.ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, log.ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, log.ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, log.ParseLevel("chatty"))
}

func assertAttrEqual(t *testing.T, attr slog.Attr, key, value string) {
	t.Helper()
	assert.Equal(t, key, attr.Key)
	assert.Equal(t, value, attr.Value.String())
}

package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ledgerline-Labs/keel/pkg/audit"
)

func TestRecordWritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	err := logger.Record(context.Background(), audit.EventStep,
		"sess-1", "Strategist", "step_completed", nil)
	require.NoError(t, err)

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(output), "AUDIT: ")), &event))

	assert.Equal(t, audit.EventStep, event.Type)
	assert.Equal(t, "sess-1", event.SessionID)
	assert.Equal(t, "Strategist", event.Role)
	assert.Equal(t, "step_completed", event.Action)
	assert.Len(t, event.ID, 36)
	assert.False(t, event.Timestamp.IsZero())
}

func TestRecordWithMetadata(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	meta := map[string]any{"iv": 0.82, "signals": []any{"contradiction"}}
	err := logger.Record(context.Background(), audit.EventGovernance,
		"sess-1", "", "governance_summary", meta)
	require.NoError(t, err)

	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(strings.TrimSpace(buf.String()), "AUDIT: ")), &event))
	assert.Equal(t, 0.82, event.Metadata["iv"])
	assert.Empty(t, event.Role)
}

func TestRecordOneLinePerEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	for i := 0; i < 3; i++ {
		require.NoError(t, logger.Record(context.Background(), audit.EventSession,
			"sess-2", "", "session_started", nil))
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 3)
}

package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/massimiliano76/AltStore/pkg/common/logger"
)

func TestLoggerWritesJSONWithMetadata(t *testing.T) {
	var buf bytes.Buffer
	traceID := func(context.Context) string { return "trace-123" }

	log := logger.NewWithMetadata(&buf, logger.LevelInfo, "refreshd", traceID, logger.Events{}, map[string]string{
		"hostname": "device",
	})
	log.With("component", "test").Info(context.Background(), "session started", "session_id", "abc")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "session started", entry["msg"])
	assert.Equal(t, "refreshd", entry["service"])
	assert.Equal(t, "device", entry["hostname"])
	assert.Equal(t, "test", entry["component"])
	assert.Equal(t, "abc", entry["session_id"])
	assert.Equal(t, "trace-123", entry["trace_id"])
}

func TestLoggerRespectsMinLevel(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New(&buf, logger.LevelWarn, "refreshd", nil)

	log.Debug(context.Background(), "hidden")
	log.Info(context.Background(), "hidden")
	assert.Zero(t, buf.Len())

	log.Warn(context.Background(), "shown")
	assert.Contains(t, buf.String(), "shown")
}

func TestLoggerErrorEventFires(t *testing.T) {
	var buf bytes.Buffer
	var got logger.Record
	events := logger.Events{
		Error: func(_ context.Context, r logger.Record) { got = r },
	}

	log := logger.NewWithEvents(&buf, logger.LevelDebug, "refreshd", nil, events)
	log.Error(context.Background(), "refresh failed", "app_id", "com.example.app")

	assert.Equal(t, "refresh failed", got.Message)
	assert.Equal(t, logger.LevelError, got.Level)
	assert.Equal(t, "com.example.app", got.Attributes["app_id"])
}

func TestLoggerContextAccumulates(t *testing.T) {
	var buf bytes.Buffer
	lc := logger.NewLoggerContext(logger.New(&buf, logger.LevelDebug, "refreshd", nil))
	lc.Add("target_count", 2)
	lc.Info(context.Background(), "refreshing")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.EqualValues(t, 2, entry["target_count"])
}

func TestNoopDiscards(t *testing.T) {
	assert.NotPanics(t, func() {
		logger.Noop().With("k", "v").Error(context.Background(), "nothing")
	})
}

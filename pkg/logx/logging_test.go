package logx

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &m))
	return m
}

func TestFieldsAndWith(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "debug").With(String("comp", "scheduler"))

	at := time.Date(2025, 1, 1, 2, 0, 0, 0, time.UTC)
	log.Info("registered", NextFire("next", at), NextFire("after", time.Time{}), OptString("run_config", nil), Err(errors.New("boom")))

	m := decodeLine(t, &buf)
	assert.Equal(t, "scheduler", m["comp"])
	assert.Equal(t, "registered", m["message"])
	assert.Equal(t, "never", m["after"])
	assert.Equal(t, "", m["run_config"])
	assert.Equal(t, "boom", m["err"])
	assert.NotEmpty(t, m["next"])
	assert.Contains(t, m["caller"], "logging_test.go")
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := NewWriter(&buf, "warn")

	log.Info("dropped")
	assert.Zero(t, buf.Len())
	assert.False(t, log.Enabled(LevelDebug))

	log.Warn("kept")
	assert.Equal(t, "kept", decodeLine(t, &buf)["message"])
}

func TestNopAndZero(t *testing.T) {
	t.Parallel()
	var zero Logger
	assert.True(t, zero.IsZero())
	zero.Error("no panic")

	assert.False(t, Nop().IsZero())
	assert.True(t, ValidLevel("INFO"))
	assert.False(t, ValidLevel("chatty"))
}

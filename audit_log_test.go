package main

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuditLogWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	audit, err := NewAuditLog(dir)
	require.NoError(t, err)

	audit.Event(AuditRiskRejection, map[string]interface{}{"rule": RuleGeometry, "symbol": "BTCUSDT"})
	audit.Event(AuditOrderPlaced, map[string]interface{}{"symbol": "BTCUSDT", "type": "MARKET"})
	audit.Close() // must fully drain before returning

	day := time.Now().UTC().Format("2006-01-02")
	path := filepath.Join(dir, "audit-"+day+".jsonl")
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]interface{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var rec map[string]interface{}
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec), "every line is standalone JSON")
		lines = append(lines, rec)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, AuditRiskRejection, lines[0]["event"])
	data := lines[0]["data"].(map[string]interface{})
	assert.Equal(t, RuleGeometry, data["rule"])
	assert.Equal(t, AuditOrderPlaced, lines[1]["event"])
}

func TestAuditLogDropsAfterClose(t *testing.T) {
	dir := t.TempDir()
	audit, err := NewAuditLog(dir)
	require.NoError(t, err)
	audit.Close()
	audit.Event(AuditOrderPlaced, nil) // must not panic or write

	day := time.Now().UTC().Format("2006-01-02")
	_, statErr := os.Stat(filepath.Join(dir, "audit-"+day+".jsonl"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestAuditLogDailyRotation(t *testing.T) {
	dir := t.TempDir()
	audit, err := NewAuditLog(dir)
	require.NoError(t, err)

	base := time.Date(2025, 6, 2, 23, 59, 59, 0, time.UTC)
	audit.now = func() time.Time { return base }
	audit.Event(AuditLeverageSet, map[string]interface{}{"symbol": "BTCUSDT"})

	audit.now = func() time.Time { return base.Add(2 * time.Second) } // next UTC day
	audit.Event(AuditLeverageSet, map[string]interface{}{"symbol": "ETHUSDT"})
	audit.Close()

	_, err = os.Stat(filepath.Join(dir, "audit-2025-06-02.jsonl"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "audit-2025-06-03.jsonl"))
	assert.NoError(t, err)
}

func TestAuditLogProducersNeverBlock(t *testing.T) {
	dir := t.TempDir()
	audit, err := NewAuditLog(dir)
	require.NoError(t, err)
	defer audit.Close()

	start := time.Now()
	for i := 0; i < 10_000; i++ {
		audit.Event(AuditSignalProcessing, map[string]interface{}{"i": i})
	}
	assert.Less(t, time.Since(start), 2*time.Second, "enqueue is non-blocking")
}

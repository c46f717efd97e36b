package errors

import (
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatForCLI_IncludesHintAndCode(t *testing.T) {
	out := FormatForCLI(ConfigDriftError("old", "new"))

	assert.Contains(t, out, "Error: include/exclude rules changed")
	assert.Contains(t, out, "Hint: A full sweep will run")
	assert.Contains(t, out, "Code: ERR_104_CONFIG_DRIFT")
}

func TestFormatForCLI_PlainErrorBecomesInternal(t *testing.T) {
	out := FormatForCLI(errors.New("boom"))
	assert.Contains(t, out, "ERR_501_INTERNAL")
	assert.Empty(t, FormatForCLI(nil))
}

func TestFormatJSON_RoundTripsFields(t *testing.T) {
	data, err := FormatJSON(HistoryUnavailableError("deadbeef", errors.New("bad object")))
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "ERR_209_HISTORY_UNAVAILABLE", got["code"])
	assert.Equal(t, "bad object", got["cause"])
	assert.Equal(t, false, got["retryable"])
}

func TestLogAttrs_SortsDetails(t *testing.T) {
	attrs := LogAttrs(ConfigDriftError("a", "b"))

	var keys []string
	for _, a := range attrs {
		keys = append(keys, a.(slog.Attr).Key)
	}
	assert.Equal(t, []string{"error_code", "error", "severity", "retryable", "detail_current_hash", "detail_stored_hash"}, keys)
	assert.Nil(t, LogAttrs(nil))
}

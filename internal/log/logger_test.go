package log

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigure(t *testing.T) {
	t.Parallel()

	for _, tc := range []struct {
		desc          string
		format        string
		level         string
		expectedErr   string
		expectDebug   bool
		expectJSONOut bool
	}{
		{
			desc:   "defaults",
			format: "",
			level:  "",
		},
		{
			desc:          "json with debug level",
			format:        LogFormatJSON,
			level:         "debug",
			expectDebug:   true,
			expectJSONOut: true,
		},
		{
			desc:        "invalid format",
			format:      "yaml",
			expectedErr: `invalid logger format "yaml"`,
		},
		{
			desc:        "invalid level",
			format:      LogFormatText,
			level:       "chatty",
			expectedErr: "parse level",
		},
	} {
		tc := tc

		t.Run(tc.desc, func(t *testing.T) {
			t.Parallel()

			var out bytes.Buffer
			logger, err := Configure(&out, tc.format, tc.level)
			if tc.expectedErr != "" {
				require.ErrorContains(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)

			logger.Debug("debug message")
			if tc.expectDebug {
				require.Contains(t, out.String(), "debug message")
			} else {
				require.NotContains(t, out.String(), "debug message")
			}

			out.Reset()
			logger.WithField("component", "sync").WithError(errors.New("boom")).Error("failed")
			if tc.expectJSONOut {
				var decoded map[string]any
				require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
				require.Equal(t, "sync", decoded["component"])
				require.Equal(t, "boom", decoded["error"])
				require.Equal(t, "failed", decoded["msg"])
			} else {
				require.Contains(t, out.String(), "component=sync")
				require.Contains(t, out.String(), "error=boom")
			}
		})
	}
}

func TestLogrusLogger_WithFields(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	logger, err := Configure(&out, LogFormatJSON, "info")
	require.NoError(t, err)

	logger.WithFields(Fields{"collection": "1.0_head", "seq": 3}).Info("applied")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	require.Equal(t, "1.0_head", decoded["collection"])
	require.Equal(t, float64(3), decoded["seq"])
}

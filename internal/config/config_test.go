package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	for _, tc := range []struct {
		desc        string
		content     string
		env         map[string]string
		expected    func(cfg *Cfg)
		expectedErr string
	}{
		{
			desc:    "defaults",
			content: `base_path = "/var/lib/store"`,
			expected: func(cfg *Cfg) {
				*cfg = Default("/var/lib/store")
			},
		},
		{
			desc: "explicit values",
			content: `
base_path = "/srv/store"
journal_path = "/srv/journal"
backend = "checkpoint"

[journal]
writeahead = true
max_bytes = 1024

[sync]
min_interval = "100ms"
max_interval = "2s"
commit_timeout = "30s"

[threads]
op = 4

[queue]
max_ops = 10
max_bytes = 4096
`,
			expected: func(cfg *Cfg) {
				*cfg = Default("/srv/store")
				cfg.JournalPath = "/srv/journal"
				cfg.Backend = BackendCheckpoint
				cfg.Journal.Writeahead = true
				cfg.Journal.MaxBytes = 1024
				cfg.Sync.MinInterval = Duration(100 * time.Millisecond)
				cfg.Sync.MaxInterval = Duration(2 * time.Second)
				cfg.Sync.CommitTimeout = Duration(30 * time.Second)
				cfg.Threads.Op = 4
				cfg.Queue.MaxOps = 10
				cfg.Queue.MaxBytes = 4096
			},
		},
		{
			desc:    "environment overrides",
			content: `base_path = "/var/lib/store"`,
			env: map[string]string{
				"FILESTORE_JOURNAL_TRAILING":  "true",
				"FILESTORE_SYNC_MAX_INTERVAL": "1m",
				"FILESTORE_QUEUE_MAX_OPS":     "7",
			},
			expected: func(cfg *Cfg) {
				*cfg = Default("/var/lib/store")
				cfg.Journal.Trailing = true
				cfg.Sync.MaxInterval = Duration(time.Minute)
				cfg.Queue.MaxOps = 7
			},
		},
		{
			desc: "multiple journal modes",
			content: `
base_path = "/var/lib/store"
[journal]
writeahead = true
parallel = true
`,
			expectedErr: "more than one journal mode enabled",
		},
		{
			desc: "min interval above max interval",
			content: `
base_path = "/var/lib/store"
[sync]
min_interval = "10s"
max_interval = "1s"
`,
			expectedErr: "sync min_interval 10s exceeds max_interval 1s",
		},
		{
			desc: "low water above high water",
			content: `
base_path = "/var/lib/store"
[queue]
low_water = 0.9
high_water = 0.5
`,
			expectedErr: "queue low_water 0.9 exceeds high_water 0.5",
		},
		{
			desc:        "unknown backend",
			content:     "base_path = \"/x\"\nbackend = \"zfs\"",
			expectedErr: `unknown backend "zfs"`,
		},
		{
			desc:        "missing base path",
			content:     "",
			expectedErr: "base_path is not set",
		},
		{
			desc:        "unknown field",
			content:     "base_path = \"/x\"\nbogus = 1",
			expectedErr: "decode toml",
		},
		{
			desc:        "invalid duration",
			content:     "base_path = \"/x\"\n[sync]\nmax_interval = \"soon\"",
			expectedErr: "parse duration",
		},
	} {
		tc := tc

		t.Run(tc.desc, func(t *testing.T) {
			for key, value := range tc.env {
				t.Setenv(key, value)
			}

			cfg, err := Load(strings.NewReader(tc.content))
			if tc.expectedErr != "" {
				require.ErrorContains(t, err, tc.expectedErr)
				return
			}
			require.NoError(t, err)

			var expected Cfg
			tc.expected(&expected)
			require.Equal(t, expected, cfg)
		})
	}
}

func TestValidate_invalidConfigurationSentinel(t *testing.T) {
	t.Parallel()

	cfg := Default("/store")
	cfg.Queue.MaxOps = -1

	require.ErrorIs(t, cfg.Validate(), ErrInvalidConfiguration)
}

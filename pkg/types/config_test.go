package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr error
	}{
		{
			name:    "empty backend returns ErrBackendEmpty",
			config:  Config{Backend: "", DataDir: "/tmp/data"},
			wantErr: ErrBackendEmpty,
		},
		{
			name:    "unknown backend returns ErrBackendUnknown",
			config:  Config{Backend: "postgres", DataDir: "/tmp/data"},
			wantErr: ErrBackendUnknown,
		},
		{
			name:   "valid sqlite config",
			config: Config{Backend: BackendSQLite, DataDir: "/tmp/data"},
		},
		{
			name:   "valid in-memory badger config",
			config: Config{Backend: BackendBadger, InMemory: true},
		},
		{
			name:    "negative batch window",
			config:  Config{Backend: BackendSQLite, BatchWindow: -time.Second},
			wantErr: ErrBatchWindowInvalid,
		},
		{
			name:    "negative working copy ttl",
			config:  Config{Backend: BackendSQLite, WorkingCopyTTL: -time.Second},
			wantErr: ErrWorkingCopyTTLInvalid,
		},
		{
			name:    "negative sweep interval",
			config:  Config{Backend: BackendSQLite, SweepInterval: -time.Second},
			wantErr: ErrSweepIntervalInvalid,
		},
		{
			name:    "negative undo limit",
			config:  Config{Backend: BackendSQLite, UndoLimit: -1},
			wantErr: ErrUndoLimitInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestConfigWithDefaults(t *testing.T) {
	c := Config{Backend: BackendSQLite}.WithDefaults()

	assert.Equal(t, DefaultBatchWindow, c.BatchWindow)
	assert.Equal(t, DefaultWorkingCopyTTL, c.WorkingCopyTTL)
	assert.Equal(t, DefaultUndoLimit, c.UndoLimit)
	assert.Zero(t, c.SweepInterval, "zero sweep interval stays disabled")

	custom := Config{Backend: BackendSQLite, BatchWindow: time.Second, UndoLimit: 5}.WithDefaults()
	assert.Equal(t, time.Second, custom.BatchWindow)
	assert.Equal(t, 5, custom.UndoLimit)
}

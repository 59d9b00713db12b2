package recovery

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	commontestutil "github.com/pgbulkload/loadercore/common/testutil"
)

func writeControlFile(t *testing.T, dataDir string, state ClusterState) {
	t.Helper()
	globalDir := filepath.Join(dataDir, "global")
	if err := os.MkdirAll(globalDir, 0o700); err != nil {
		t.Fatalf("mkdir global: %v", err)
	}
	buf := make([]byte, controlStateOffset+8)
	binary.LittleEndian.PutUint32(buf[controlStateOffset:], uint32(state))
	if err := os.WriteFile(filepath.Join(globalDir, "pg_control"), buf, 0o600); err != nil {
		t.Fatalf("write pg_control: %v", err)
	}
}

func TestReadControlStateRoundTrip(t *testing.T) {
	tests := []ClusterState{DBStartup, DBShutdowned, DBShutdownedInRecovery, DBShutdowning, DBCrashed, DBInProduction}
	for _, want := range tests {
		dir := commontestutil.ClusterDir(t)
		writeControlFile(t, dir, want)

		got, err := ReadControlState(dir)
		if err != nil {
			t.Fatalf("ReadControlState: %v", err)
		}
		if got != want {
			t.Errorf("ReadControlState = %d, want %d", got, want)
		}
	}
}

func TestReadControlStateMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, err := ReadControlState(dir); err == nil {
		t.Error("expected an error reading a missing pg_control")
	}
}

func TestCleanShutdown(t *testing.T) {
	tests := []struct {
		state ClusterState
		want  bool
	}{
		{DBShutdowned, true},
		{DBShutdownedInRecovery, true},
		{DBStartup, false},
		{DBShutdowning, false},
		{DBCrashed, false},
		{DBInProduction, false},
	}
	for _, tt := range tests {
		if got := tt.state.CleanShutdown(); got != tt.want {
			t.Errorf("CleanShutdown(%d) = %v, want %v", tt.state, got, tt.want)
		}
	}
}

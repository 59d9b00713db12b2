package recovery

import (
	"encoding/binary"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// controlStateOffset is the byte offset of the opaque "state" field
// within global/pg_control. The control file's
// checksum and version fields are its own collaborator's concern; this
// reader only needs the enum that tells recovery whether the cluster
// shut down cleanly.
const controlStateOffset = 24

// ClusterState mirrors the subset of DBState recovery cares about.
type ClusterState uint32

const (
	DBStartup          ClusterState = 0
	DBShutdowned       ClusterState = 1
	DBShutdownedInRecovery ClusterState = 2
	DBShutdowning      ClusterState = 3
	DBCrashed          ClusterState = 4
	DBInProduction     ClusterState = 6
)

// ReadControlState reads the state field out of <datadir>/global/pg_control.
func ReadControlState(dataDir string) (ClusterState, error) {
	path := filepath.Join(dataDir, "global", "pg_control")
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(err, "recovery: open pg_control")
	}
	defer f.Close()

	buf := make([]byte, controlStateOffset+8)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return 0, errors.Wrap(err, "recovery: read pg_control")
	}
	return ClusterState(binary.LittleEndian.Uint32(buf[controlStateOffset:])), nil
}

// CleanShutdown reports whether state indicates recovery of page
// contents is unnecessary: LSFs are still
// deleted either way.
func (s ClusterState) CleanShutdown() bool {
	return s == DBShutdowned || s == DBShutdownedInRecovery
}

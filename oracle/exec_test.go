package oracle_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frameshift-fuzz/frameshift-go/oracle"
)

func TestNewExecRejectsNonPositiveCovSize(t *testing.T) {
	_, err := oracle.NewExec("/bin/true", 0)
	assert.Error(t, err)
}

// Exercises the full probe round trip against a real subprocess: a shell
// script that, instead of mmapping, redirects printf output to write two
// fixed coverage bytes into the path the oracle hands it through
// FRAMESHIFT_COV_PATH.
func TestExecProbeRoundTrip(t *testing.T) {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("no /bin/sh available in this environment")
	}

	script := "#!/bin/sh\nprintf '\\001\\002' > \"$FRAMESHIFT_COV_PATH\"\n"
	scriptPath := t.TempDir() + "/target.sh"
	require.NoError(t, os.WriteFile(scriptPath, []byte(script), 0700))

	ex, err := oracle.NewExec(scriptPath, 2)
	require.NoError(t, err)
	defer ex.Close()

	cov := ex.Probe([]byte("probe-input"))
	assert.Equal(t, []byte{1, 2}, cov)
}

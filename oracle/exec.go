package oracle

import (
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/grailbio/base/errors"
	"golang.org/x/sys/unix"
	"v.io/x/lib/gosh"
	"v.io/x/lib/vlog"
)

// Exec probes a target by spawning it as a subprocess once per input,
// feeding the probe data as a file argument and recovering the coverage
// map from a shared-memory region both sides mmap over the same backing
// file: the region the target instruments into is the same region Probe
// reads back, with no serialization in between.
type Exec struct {
	sh       *gosh.Shell
	target   string
	args     []string
	covSize  int
	dir      string
	covPath  string
	inPath   string
	covFile  *os.File
	covMap   []byte
	envKey   string
	closed   bool
}

// NewExec starts a gosh shell and prepares the shared coverage region for
// repeated probes against target. covSize is the fixed length of the
// coverage map the target writes; extraArgs are appended after the input
// file path on every invocation. The target is expected to read its input
// from the path given as its first argument and to mmap the file path
// given via the FRAMESHIFT_COV_PATH environment variable, MAP_SHARED,
// writing exactly covSize bytes of coverage into it before exiting.
func NewExec(target string, covSize int, extraArgs ...string) (*Exec, error) {
	if covSize <= 0 {
		return nil, errors.E("oracle: covSize must be positive")
	}

	sh := gosh.NewShell(nil)
	dir := sh.MakeTempDir()

	covPath := filepath.Join(dir, "coverage.map")
	covFile, err := os.OpenFile(covPath, os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		sh.Cleanup()
		return nil, errors.E(err, "oracle: creating coverage file")
	}
	if err := covFile.Truncate(int64(covSize)); err != nil {
		covFile.Close()
		sh.Cleanup()
		return nil, errors.E(err, "oracle: sizing coverage file")
	}

	covMap, err := unix.Mmap(int(covFile.Fd()), 0, covSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		covFile.Close()
		sh.Cleanup()
		return nil, errors.E(err, "oracle: mmap coverage file")
	}

	return &Exec{
		sh:      sh,
		target:  target,
		args:    extraArgs,
		covSize: covSize,
		dir:     dir,
		covPath: covPath,
		inPath:  filepath.Join(dir, "input"),
		covFile: covFile,
		covMap:  covMap,
		envKey:  "FRAMESHIFT_COV_PATH",
	}, nil
}

// Probe implements search.Oracle (and Oracle). Not safe for concurrent use
// from multiple goroutines against the same Exec, since all probes share
// one input file and one coverage region.
func (e *Exec) Probe(data []byte) []byte {
	if e.closed {
		panic(errClosed)
	}

	for i := range e.covMap {
		e.covMap[i] = 0
	}

	if err := ioutil.WriteFile(e.inPath, data, 0600); err != nil {
		vlog.Errorf("oracle: writing probe input: %v", err)
		return e.covMap
	}

	args := append([]string{e.inPath}, e.args...)
	cmd := e.sh.Cmd(e.target, args...)
	cmd.Vars = map[string]string{e.envKey: e.covPath}
	cmd.ExitErrorIsOk = true
	cmd.Run()

	out := make([]byte, e.covSize)
	copy(out, e.covMap)
	return out
}

// Close tears down the subprocess shell and unmaps the coverage region.
func (e *Exec) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	err := unix.Munmap(e.covMap)
	e.covFile.Close()
	e.sh.Cleanup()
	return err
}

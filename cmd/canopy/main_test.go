package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/canopy/pkg/types"
)

var (
	// canopyBin is the binary built once by TestMain.
	canopyBin string
	// buildErr captures a failed build so that every test reports it.
	buildErr error
)

// TestMain builds the canopy binary once. Under -short nothing is built and
// the binary tests skip.
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}
	tmpDir, err := os.MkdirTemp("", "canopy-test-*")
	if err != nil {
		buildErr = err
		os.Exit(m.Run())
	}
	canopyBin = filepath.Join(tmpDir, "canopy")
	if out, err := exec.Command("go", "build", "-o", canopyBin, ".").CombinedOutput(); err != nil {
		buildErr = errors.New(err.Error() + ": " + string(out))
	}
	code := m.Run()
	os.RemoveAll(tmpDir)
	os.Exit(code)
}

// testEnv is an isolated config and data directory pair.
type testEnv struct {
	t         *testing.T
	configDir string
	dataDir   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	if testing.Short() {
		t.Skip("binary tests are skipped in -short mode")
	}
	require.NoError(t, buildErr, "building canopy")

	dir := t.TempDir()
	env := &testEnv{
		t:         t,
		configDir: filepath.Join(dir, "config"),
		dataDir:   filepath.Join(dir, "data"),
	}
	require.NoError(t, os.MkdirAll(env.configDir, 0o755))
	cfg := "backend: sqlite\ndata_dir: " + env.dataDir + "\n"
	require.NoError(t, os.WriteFile(filepath.Join(env.configDir, "config.yaml"), []byte(cfg), 0o644))
	return env
}

type cmdResult struct {
	stdout   string
	stderr   string
	exitCode int
}

func (e *testEnv) run(args ...string) cmdResult {
	e.t.Helper()
	cmd := exec.Command(canopyBin, append([]string{"--config-dir", e.configDir}, args...)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	res := cmdResult{}
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		require.ErrorAs(e.t, err, &exitErr, "running canopy")
		res.exitCode = exitErr.ExitCode()
	}
	res.stdout = stdout.String()
	res.stderr = stderr.String()
	return res
}

func (e *testEnv) mustJSON(v any, args ...string) {
	e.t.Helper()
	res := e.run(append([]string{"--json"}, args...)...)
	require.Equalf(e.t, 0, res.exitCode, "canopy %v: %s", args, res.stderr)
	require.NoError(e.t, json.Unmarshal([]byte(res.stdout), v), res.stdout)
}

func TestBinaryLifecycle(t *testing.T) {
	env := newTestEnv(t)

	var tree types.Tree
	env.mustJSON(&tree, "tree", "create", "Projects")
	assert.DirExists(t, env.dataDir, "data_dir from config.yaml is used")

	var res types.CommandResult
	env.mustJSON(&res, "node", "create", string(tree.RootNodeID), "alpha")
	alpha := res.CreatedNodeIDs[0]
	env.mustJSON(&res, "node", "create", string(alpha), "beta")
	beta := res.CreatedNodeIDs[0]

	moved := env.run("node", "move", string(alpha), "--to", string(beta))
	assert.Equal(t, 1, moved.exitCode)
	assert.Contains(t, moved.stdout, string(types.CodeCyclicMove))

	env.mustJSON(&res, "trash", "move", string(alpha))
	var trashed []types.TreeNode
	env.mustJSON(&trashed, "node", "children", string(tree.TrashNodeID))
	require.Len(t, trashed, 1)
	assert.Equal(t, alpha, trashed[0].ID)

	env.mustJSON(&res, "trash", "recover", string(alpha))
	var kids []types.TreeNode
	env.mustJSON(&kids, "node", "children", string(tree.RootNodeID))
	require.Len(t, kids, 1)
	assert.Equal(t, "alpha", kids[0].Name)
}

func TestBinaryExitCodes(t *testing.T) {
	env := newTestEnv(t)

	assert.Equal(t, 0, env.run("version").exitCode)
	assert.Equal(t, 1, env.run("node", "get").exitCode, "usage error")
	assert.Equal(t, 1, env.run("node", "get", "nope").exitCode, "not found")

	require.NoError(t, os.WriteFile(filepath.Join(env.configDir, "config.yaml"), []byte("backend: nosql\n"), 0o644))
	res := env.run("tree", "list")
	assert.Equal(t, 2, res.exitCode)
	assert.Contains(t, res.stderr, "unknown backend")
}

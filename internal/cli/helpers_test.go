package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/roach88/careflow/internal/compiler"
	"github.com/roach88/careflow/internal/ir"
	"github.com/roach88/careflow/internal/store"
)

var (
	ann    = ir.ResourceID{Type: ir.TypePerson, Value: "ann"}
	clinic = ir.ResourceID{Type: ir.TypeGroup, Value: "clinic"}
)

const greetPolicy = `
policy: greet: actions: [{
	id:   "hello"
	type: "UpdateContext"
	rules: [{name: "message.content", compare: "regex", value: "(?i)^hi", weight: 100}]
	params: content: greeted: true
}]
`

// testEnv is a config file and database in a temp directory.
type testEnv struct {
	dir    string
	config string
	db     string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		dir:    dir,
		config: filepath.Join(dir, "careflow.yaml"),
		db:     filepath.Join(dir, "careflow.db"),
	}
	writeFile(t, env.config, "system_phone: \"+15559999\"\nlogging: {level: error}\n")
	return env
}

func (e *testEnv) opts(format string) *RootOptions {
	return &RootOptions{Format: format, Config: e.config, Database: e.db}
}

// seed stores the greet policy, the clinic group using it and ann as a
// member reachable by phone.
func (e *testEnv) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	st, err := store.Open(e.db)
	require.NoError(t, err)
	defer st.Close()

	loaded, errs := compiler.LoadString(greetPolicy, compiler.LoadModeCollectAll)
	require.Empty(t, errs)
	for _, p := range loaded.Policies {
		require.NoError(t, st.PutPolicy(ctx, p))
	}
	require.NoError(t, st.PutResource(ctx, clinic, ir.Document{
		"name":     "Clinic",
		"policies": []any{"greet"},
	}))
	require.NoError(t, st.PutResource(ctx, ann, ir.Document{
		"name":        "Ann",
		"task_id":     "seeded",
		"identifiers": []any{map[string]any{"type": "phone", "value": "+15550001"}},
	}))
	require.NoError(t, st.AddChild(ctx, clinic, ann))
}

func (e *testEnv) openStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(e.db)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func writeFile(t *testing.T, path, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

// execute runs cmd with args and returns what it wrote to stdout.
func execute(cmd *cobra.Command, args ...string) (string, error) {
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

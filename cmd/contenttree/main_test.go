package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"modulacms/internal/export"
	"modulacms/pkg/domain"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

// cliEnv points every invocation at a fresh sqlite database and snapshot dir.
func cliEnv(t *testing.T) (dbPath, snapshots string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "cms.db")
	snapshots = filepath.Join(dir, "snapshots")
	t.Setenv("MODULACMS_CONFIG", "")
	t.Setenv("MODULACMS_STORAGE_DRIVER", "sqlite")
	t.Setenv("MODULACMS_SQLITE_PATH", dbPath)
	t.Setenv("MODULACMS_FOREST", "content")
	t.Setenv("MODULACMS_LOG_LEVEL", "error")
	t.Setenv("MODULACMS_LOG_FILE", "")
	t.Setenv("MODULACMS_METRICS", "none")
	t.Setenv("MODULACMS_DELETE_POLICY", "reparent")
	t.Setenv("MODULACMS_BLOB_DRIVER", "fs")
	t.Setenv("MODULACMS_BLOB_FS_ROOT", snapshots)
	return dbPath, snapshots
}

func cli(t *testing.T, args ...string) (string, int) {
	t.Helper()
	var out, errOut bytes.Buffer
	err := execute(context.Background(), &out, &errOut, args)
	return out.String(), exitCode(err)
}

func mustCLI(t *testing.T, args ...string) string {
	t.Helper()
	out, code := cli(t, args...)
	require.Equalf(t, exitOK, code, "%v: %s", args, out)
	return out
}

func decode[T any](t *testing.T, raw string) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal([]byte(raw), &v), raw)
	return v
}

func ids(nodes []domain.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}

func TestCLINodeLifecycle(t *testing.T) {
	cliEnv(t)

	a := decode[domain.Node](t, mustCLI(t, "create", "--id", "A"))
	require.Equal(t, "A", a.ID)
	require.Equal(t, domain.StatusDraft, a.Status)
	mustCLI(t, "create", "--id", "B")
	mustCLI(t, "create", "--id", "C", "--parent", "A")
	mustCLI(t, "create", "--id", "D", "--parent", "A", "--position", "head")

	require.Equal(t, []string{"D", "C"}, ids(decode[[]domain.Node](t, mustCLI(t, "children", "A"))))
	require.Equal(t, []string{"A", "B"}, ids(decode[[]domain.Node](t, mustCLI(t, "children"))))

	res := decode[domain.ReorderResult](t, mustCLI(t, "reorder", "A", "C,D"))
	require.Equal(t, 2, res.UpdatedCount)

	tree := decode[domain.ContentTree](t, mustCLI(t, "tree", "A"))
	require.Equal(t, 3, tree.NodeCount)
	require.Equal(t, 2, tree.Depth)
	require.Len(t, tree.Root.Children, 2)
	require.Equal(t, "C", tree.Root.Children[0].Node.ID)
	require.Equal(t, "D", tree.Root.Children[1].Node.ID)

	c := decode[domain.Node](t, mustCLI(t, "update", "C", "--status", "published", "--route", "r1"))
	require.Equal(t, domain.StatusPublished, c.Status)
	require.Equal(t, "r1", domain.RefString(c.RouteID))

	d := decode[domain.Node](t, mustCLI(t, "move", "D", "--parent", "B"))
	require.Equal(t, "B", domain.RefString(d.ParentID))

	_, code := cli(t, "move", "A", "--parent", "C")
	require.Equal(t, exitUsage, code, "cycle")
	_, code = cli(t, "move", "missing", "--parent", "B")
	require.Equal(t, exitNotFound, code)
	_, code = cli(t, "create", "--position", "sideways")
	require.Equal(t, exitUsage, code)
	_, code = cli(t, "reorder", "B", "A")
	require.Equal(t, exitUsage, code)
	_, code = cli(t, "delete", "A", "--policy", "orphan")
	require.Equal(t, exitUsage, code)

	del := decode[domain.DeleteResult](t, mustCLI(t, "delete", "A", "--policy", "cascade"))
	require.Equal(t, domain.SubtreeCascade, del.Policy)
	require.ElementsMatch(t, []string{"A", "C"}, del.DeletedNodes)
	require.Equal(t, []string{"B"}, ids(decode[[]domain.Node](t, mustCLI(t, "children", "-"))))

	forest := decode[[]*domain.ContentTree](t, mustCLI(t, "tree", "--all"))
	require.Len(t, forest, 1)
	require.Equal(t, 2, forest[0].NodeCount)

	yml := mustCLI(t, "-o", "yaml", "children", "B")
	require.Contains(t, yml, "content_data_id: D")
	require.Contains(t, yml, "parent_id: B")
}

func TestCLIDeleteReparentsByDefault(t *testing.T) {
	cliEnv(t)
	mustCLI(t, "create", "--id", "P")
	mustCLI(t, "create", "--id", "X", "--parent", "P")
	mustCLI(t, "create", "--id", "Y", "--parent", "P")
	mustCLI(t, "create", "--id", "Q")

	del := decode[domain.DeleteResult](t, mustCLI(t, "delete", "P"))
	require.Equal(t, domain.SubtreeReparent, del.Policy)
	require.Equal(t, []string{"P"}, del.DeletedNodes)
	require.Equal(t, []string{"X", "Y", "Q"}, ids(decode[[]domain.Node](t, mustCLI(t, "children"))))
}

func TestCLIFields(t *testing.T) {
	cliEnv(t)
	mustCLI(t, "create", "--id", "A")

	f := decode[domain.FieldValue](t, mustCLI(t, "field", "add", "A", "title", "Hello", "--id", "f1"))
	require.Equal(t, "f1", f.ID)
	require.Equal(t, "A", f.ContentDataID)
	mustCLI(t, "field", "add", "A", "body", "text")

	f = decode[domain.FieldValue](t, mustCLI(t, "field", "set", "f1", "Bye"))
	require.Equal(t, "Bye", f.Value)

	fields := decode[[]domain.FieldValue](t, mustCLI(t, "field", "ls", "A"))
	require.Len(t, fields, 2)
	require.Equal(t, "Bye", fields[0].Value)

	tree := decode[domain.ContentTree](t, mustCLI(t, "tree", "A"))
	require.Len(t, tree.Root.Fields, 2)

	mustCLI(t, "field", "rm", "f1")
	require.Len(t, decode[[]domain.FieldValue](t, mustCLI(t, "field", "ls", "A")), 1)

	_, code := cli(t, "field", "add", "missing", "title", "x")
	require.Equal(t, exitNotFound, code)
	_, code = cli(t, "field", "add", "A", "title", "again", "--id", "f2")
	require.Equal(t, exitOK, code)
	_, code = cli(t, "field", "add", "A", "title", "dup", "--id", "f2")
	require.Equal(t, exitUsage, code)
}

func TestCLICheckAndRepair(t *testing.T) {
	dbPath, _ := cliEnv(t)
	for _, id := range []string{"A", "B", "C"} {
		mustCLI(t, "create", "--id", id)
	}
	require.Equal(t, "[]\n", mustCLI(t, "check"))

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`UPDATE content_data SET next_sibling_id = NULL WHERE content_data_id = 'A'`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	out, code := cli(t, "check")
	require.Equal(t, exitIntegrity, code)
	require.NotEmpty(t, decode[[]domain.Violation](t, out))

	res := decode[domain.ReorderResult](t, mustCLI(t, "repair", "-"))
	require.Equal(t, 3, res.UpdatedCount)
	require.Equal(t, "[]\n", mustCLI(t, "check"))
	require.Equal(t, []string{"A", "B", "C"}, ids(decode[[]domain.Node](t, mustCLI(t, "children"))))

	mustCLI(t, "repair", "-", "C", "B", "A")
	require.Equal(t, []string{"C", "B", "A"}, ids(decode[[]domain.Node](t, mustCLI(t, "children"))))
}

func TestCLIExport(t *testing.T) {
	_, snapshots := cliEnv(t)
	mustCLI(t, "create", "--id", "A")
	mustCLI(t, "create", "--id", "A1", "--parent", "A")
	mustCLI(t, "create", "--id", "B")

	m := decode[export.Manifest](t, mustCLI(t, "export", "--all"))
	require.Equal(t, "content", m.Forest)
	require.Len(t, m.Trees, 2)
	require.FileExists(t, filepath.Join(snapshots, "trees", "content", "A.json"))
	require.FileExists(t, filepath.Join(snapshots, "trees", "content", "manifest.json"))

	mustCLI(t, "create", "--id", "A2", "--parent", "A")
	info := decode[struct {
		Key      string            `json:"key"`
		Metadata map[string]string `json:"metadata"`
	}](t, mustCLI(t, "export", "A"))
	require.Equal(t, export.Key("content", "A"), info.Key)
	require.Equal(t, "3", info.Metadata["node_count"])

	tree := decode[domain.ContentTree](t, mustCLI(t, "export", "--show", "A"))
	require.Equal(t, 3, tree.NodeCount)

	_, code := cli(t, "export", "--show", "Z")
	require.Equal(t, exitNotFound, code)
	_, code = cli(t, "export", "--show")
	require.Equal(t, exitUsage, code)
}

func TestCLIConfiguration(t *testing.T) {
	cliEnv(t)

	_, code := cli(t, "-o", "xml", "children")
	require.Equal(t, exitUsage, code)

	mustCLI(t, "--forest", "admin", "create", "--id", "settings")
	require.Equal(t, []string{"settings"}, ids(decode[[]domain.Node](t, mustCLI(t, "--forest", "admin", "children"))))
	require.Empty(t, decode[[]domain.Node](t, mustCLI(t, "children")))

	info := decode[map[string]string](t, mustCLI(t, "--driver", "memory", "init"))
	require.Equal(t, "memory", info["driver"])
	require.Equal(t, "content", info["forest"])

	t.Setenv("MODULACMS_FOREST", "archive")
	_, code = cli(t, "children")
	require.Equal(t, exitFailure, code)
}

func TestCLIMetricsFile(t *testing.T) {
	cliEnv(t)
	t.Setenv("MODULACMS_METRICS", "prometheus")
	path := filepath.Join(t.TempDir(), "metrics.prom")

	mustCLI(t, "--metrics-file", path, "create", "--id", "A")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(raw), "contenttree_operations_total")
	require.Contains(t, string(raw), `operation="create_node"`)
}

func TestExitCode(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, exitOK},
		{fmt.Errorf("%w: bad flag", errUsage), exitUsage},
		{domain.NodeNotFound("x"), exitNotFound},
		{domain.NodeError(domain.ErrParentNotFound, "x", "gone"), exitNotFound},
		{domain.NodeError(domain.ErrConcurrentModification, "x", "raced"), exitConflict},
		{domain.NodeError(domain.ErrBrokenChain, "x", "loop"), exitIntegrity},
		{domain.NodeError(domain.ErrCycleDetected, "x", "target parent y is a descendant"), exitUsage},
		{fmt.Errorf("deliver R: %w", domain.StoredCycle("x", "node reached twice during assembly")), exitIntegrity},
		{domain.RuleViolationError{}, exitIntegrity},
		{fmt.Errorf("%w: 2", errIntegrity), exitIntegrity},
		{errors.New("disk full"), exitFailure},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, exitCode(tc.err), "%v", tc.err)
	}
}

func TestMainExitCode(t *testing.T) {
	cliEnv(t)
	var got int
	exitFunc = func(code int) { got = code }
	t.Cleanup(func() { exitFunc = os.Exit })

	args := os.Args
	os.Args = []string{"contenttree", "move", "nowhere"}
	t.Cleanup(func() { os.Args = args })
	main()
	require.Equal(t, exitNotFound, got)
}

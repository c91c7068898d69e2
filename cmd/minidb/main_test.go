package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testEnv(dataDir string) []string {
	return []string{"MINIDB_DATA_DIR=" + dataDir}
}

func TestRunExecuteCreatesAndQueries(t *testing.T) {
	dir := t.TempDir()
	var out, errOut bytes.Buffer

	code := Run([]string{"-e", "CREATE TABLE t (id INT, name STRING)"}, nil, &out, &errOut, testEnv(dir))
	if code != exitOK {
		t.Fatalf("create table: exit=%d stderr=%s", code, errOut.String())
	}

	out.Reset()
	code = Run([]string{"-e", "INSERT INTO t (id, name) VALUES (1, 'a')"}, nil, &out, &errOut, testEnv(dir))
	if code != exitOK {
		t.Fatalf("insert: exit=%d stderr=%s", code, errOut.String())
	}

	out.Reset()
	code = Run([]string{"-e", "SELECT id, name FROM t"}, nil, &out, &errOut, testEnv(dir))
	if code != exitOK {
		t.Fatalf("select: exit=%d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), `"a"`) {
		t.Fatalf("expected output to contain row data, got %q", out.String())
	}
}

func TestRunExecuteSQLErrorExitCode(t *testing.T) {
	dir := t.TempDir()
	var out, errOut bytes.Buffer
	code := Run([]string{"-e", "SELECT * FROM nope"}, nil, &out, &errOut, testEnv(dir))
	if code != exitSQLError {
		t.Fatalf("exit=%d, want %d; stderr=%s", code, exitSQLError, errOut.String())
	}
}

func TestRunExecuteEngineErrorExitCode(t *testing.T) {
	var out, errOut bytes.Buffer
	// An unwritable data dir should fail to open.
	code := Run([]string{"-e", "SELECT 1"}, nil, &out, &errOut, testEnv("/proc/0/minidb-data-dir-cannot-exist"))
	if code != exitEngineError {
		t.Fatalf("exit=%d, want %d; stderr=%s", code, exitEngineError, errOut.String())
	}
}

func TestRunFileScript(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "script.sql")
	contents := "CREATE TABLE t (id INT);\nINSERT INTO t (id) VALUES (1);\nINSERT INTO t (id) VALUES (2);\nSELECT id FROM t ORDER BY id;\n"
	if err := os.WriteFile(script, []byte(contents), 0o644); err != nil {
		t.Fatal(err)
	}

	var out, errOut bytes.Buffer
	code := Run([]string{"-f", script}, nil, &out, &errOut, testEnv(dir))
	if code != exitOK {
		t.Fatalf("exit=%d stderr=%s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "1") || !strings.Contains(out.String(), "2") {
		t.Fatalf("expected both rows in output, got %q", out.String())
	}
}

func TestRunFileScriptMissingFile(t *testing.T) {
	dir := t.TempDir()
	var out, errOut bytes.Buffer
	code := Run([]string{"-f", filepath.Join(dir, "nope.sql")}, nil, &out, &errOut, testEnv(dir))
	if code != exitEngineError {
		t.Fatalf("exit=%d, want %d", code, exitEngineError)
	}
}

func TestSplitStatementsHandlesQuotedSemicolons(t *testing.T) {
	stmts := splitStatements(`INSERT INTO t (name) VALUES ('a;b'); SELECT * FROM t;`)
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %v", len(stmts), stmts)
	}
	if !strings.Contains(stmts[0], "'a;b'") {
		t.Fatalf("expected the literal semicolon to stay inside the first statement, got %q", stmts[0])
	}
}

func TestDefaultDataDirWhenEnvUnset(t *testing.T) {
	dir := t.TempDir()
	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
	defer os.Chdir(cwd)

	var out, errOut bytes.Buffer
	code := Run([]string{"-e", "CREATE TABLE t (id INT)"}, nil, &out, &errOut, nil)
	if code != exitOK {
		t.Fatalf("exit=%d stderr=%s", code, errOut.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "data", "catalog.dat")); err != nil {
		t.Fatalf("expected default ./data dir to be created: %v", err)
	}
}

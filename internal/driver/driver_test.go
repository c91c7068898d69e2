package driver

import (
	"testing"
)

func TestOpenQueryInsertRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sdb, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sdb.Close()

	if _, err := sdb.Exec(`CREATE TABLE t (id INT, name STRING)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := sdb.Exec(`INSERT INTO t (id, name) VALUES (?, ?)`, 1, "alice"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if _, err := sdb.Exec(`INSERT INTO t (id, name) VALUES (?, ?)`, 2, "bob"); err != nil {
		t.Fatalf("insert: %v", err)
	}

	var cnt int
	if err := sdb.QueryRow(`SELECT id FROM t WHERE name = ?`, "bob").Scan(&cnt); err != nil {
		t.Fatalf("query row: %v", err)
	}
	if cnt != 2 {
		t.Fatalf("got id=%d, want 2", cnt)
	}

	rows, err := sdb.Query(`SELECT id, name FROM t ORDER BY id`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	var got []string
	for rows.Next() {
		var id int
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			t.Fatalf("scan: %v", err)
		}
		got = append(got, name)
	}
	if len(got) != 2 || got[0] != "alice" || got[1] != "bob" {
		t.Fatalf("unexpected rows: %v", got)
	}
}

func TestTransactionCommitAndRollback(t *testing.T) {
	dir := t.TempDir()
	sdb, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sdb.Close()

	if _, err := sdb.Exec(`CREATE TABLE t (id INT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}

	txn, err := sdb.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := txn.Exec(`INSERT INTO t (id) VALUES (1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := txn.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	txn2, err := sdb.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if _, err := txn2.Exec(`INSERT INTO t (id) VALUES (2)`); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := txn2.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	// Rollback restores the pages the transaction wrote before it returns,
	// and recovery does not replay an aborted transaction, so the row stays
	// excluded after the reopen below.
	if err := sdb.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	sdb2, err := Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer sdb2.Close()

	rows, err := sdb2.Query(`SELECT id FROM t`)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	defer rows.Close()
	n := 0
	for rows.Next() {
		n++
	}
	if n != 1 {
		t.Fatalf("expected 1 committed row after restart, got %d", n)
	}
}

func TestSharedRegistryAcrossConnections(t *testing.T) {
	dir := t.TempDir()
	sdb, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer sdb.Close()
	sdb.SetMaxOpenConns(1)

	if _, err := sdb.Exec(`CREATE TABLE t (id INT)`); err != nil {
		t.Fatalf("create table: %v", err)
	}
	if _, err := sdb.Exec(`INSERT INTO t (id) VALUES (1)`); err != nil {
		t.Fatalf("insert: %v", err)
	}

	sdb2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer sdb2.Close()

	var id int
	if err := sdb2.QueryRow(`SELECT id FROM t WHERE id = ?`, 1).Scan(&id); err != nil {
		t.Fatalf("query from second handle: %v", err)
	}
	if id != 1 {
		t.Fatalf("got %d, want 1", id)
	}
}

// Command minidb is the CLI front end to the storage engine: a bare REPL,
// a one-shot --execute runner, and a --file script runner, all driven
// through the same internal/sqlfront.Session.
//
// Grounded on tinySQL's cmd/repl/main.go for the statement-buffer-until-';'
// REPL loop and the plain-text row printer, and on calvinalkan-agent-task's
// cmd/sloty/main.go for the peterh/liner readline/history setup. tinySQL's
// HTML export, WASM bridge and beautify-mode source printing have no
// equivalent here — this dialect has no surface for them.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/SimonWaldherr/minidb/internal/sqlfront"
	"github.com/SimonWaldherr/minidb/internal/storage/db"
)

const (
	exitOK          = 0
	exitSQLError    = 1
	exitEngineError = 2
	exitInterrupted = 130
)

func main() {
	os.Exit(Run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr, os.Environ()))
}

// Run is the CLI entry point, factored out of main so it can be exercised
// without touching process-global state.
func Run(args []string, in io.Reader, out, errOut io.Writer, environ []string) int {
	env := envMap(environ)

	flags := flag.NewFlagSet("minidb", flag.ContinueOnError)
	flags.SetOutput(errOut)
	execSQL := flags.StringP("execute", "e", "", "run a single SQL statement and exit")
	scriptPath := flags.StringP("file", "f", "", "run a semicolon-separated SQL script and exit")
	if err := flags.Parse(args); err != nil {
		return exitEngineError
	}

	workDir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(errOut, "minidb: %v\n", err)
		return exitEngineError
	}
	fcfg, err := loadFileConfig(workDir, environ)
	if err != nil {
		fmt.Fprintf(errOut, "%v\n", err)
		return exitEngineError
	}

	dataDir := fcfg.DataDir
	if v := env["MINIDB_DATA_DIR"]; v != "" {
		dataDir = v
	}
	if dataDir == "" {
		dataDir = "./data"
	}
	walSync := fcfg.WALSync
	if v := env["MINIDB_WAL_SYNC"]; v != "" {
		walSync = v
	}
	if mode := walSync; mode != "" && mode != "commit" {
		// The WAL currently only implements fsync-at-commit durability; per
		// §5's commit contract every COMMIT is always durable regardless of
		// this setting. "always" and "off" are accepted so existing scripts
		// don't fail, but only "commit" changes behavior.
		fmt.Fprintf(errOut, "minidb: MINIDB_WAL_SYNC=%s is not distinguishable from \"commit\" in this build\n", mode)
	}

	d, err := db.Open(dataDir)
	if err != nil {
		fmt.Fprintf(errOut, "minidb: open %s: %v\n", dataDir, err)
		return exitEngineError
	}
	defer d.Close()

	sess := sqlfront.NewSession(d)

	switch {
	case *execSQL != "":
		return runOne(sess, *execSQL, out, errOut)
	case *scriptPath != "":
		return runScript(sess, *scriptPath, out, errOut)
	default:
		return runREPL(sess, in, out, errOut)
	}
}

func envMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func runOne(sess *sqlfront.Session, sql string, out, errOut io.Writer) int {
	rs, err := sess.Exec(context.Background(), sql)
	if err != nil {
		fmt.Fprintf(errOut, "minidb: %v\n", err)
		return exitSQLError
	}
	printResult(out, rs)
	return exitOK
}

// runScript splits path's contents into statements on top-level ';' and
// runs each in turn, stopping at the first error.
func runScript(sess *sqlfront.Session, path string, out, errOut io.Writer) int {
	data, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(errOut, "minidb: %v\n", err)
		return exitEngineError
	}
	for _, stmt := range splitStatements(string(data)) {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		rs, err := sess.Exec(context.Background(), stmt)
		if err != nil {
			fmt.Fprintf(errOut, "minidb: %v\n", err)
			return exitSQLError
		}
		printResult(out, rs)
	}
	return exitOK
}

// splitStatements breaks s on ';' that appear outside single-quoted string
// literals, the same boundary the REPL buffers statements on.
func splitStatements(s string) []string {
	var stmts []string
	var buf strings.Builder
	inString := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		buf.WriteByte(c)
		switch {
		case c == '\'':
			inString = !inString
		case c == ';' && !inString:
			stmts = append(stmts, buf.String())
			buf.Reset()
		}
	}
	if rest := strings.TrimSpace(buf.String()); rest != "" {
		stmts = append(stmts, rest)
	}
	return stmts
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".minidb_history")
}

// repl holds the interactive loop's mutable state: the buffered statement
// under construction, and the \timing / \explain toggles.
type repl struct {
	sess    *sqlfront.Session
	ln      *liner.State
	out     io.Writer
	errOut  io.Writer
	timing  bool
	explain bool
}

func runREPL(sess *sqlfront.Session, in io.Reader, out, errOut io.Writer) int {
	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)
	if f, err := os.Open(historyFile()); err == nil {
		ln.ReadHistory(f)
		f.Close()
	}

	r := &repl{sess: sess, ln: ln, out: out, errOut: errOut}

	fmt.Fprintln(out, "minidb - type \\q to quit, \\? for meta-commands")

	var buf strings.Builder
	for {
		prompt := "minidb> "
		if buf.Len() > 0 {
			prompt = "    ... "
		}
		line, err := ln.Prompt(prompt)
		if err != nil {
			if err == liner.ErrPromptAborted {
				r.saveHistory()
				return exitInterrupted
			}
			if err == io.EOF {
				r.saveHistory()
				return exitOK
			}
			fmt.Fprintf(errOut, "minidb: %v\n", err)
			r.saveHistory()
			return exitEngineError
		}
		ln.AppendHistory(line)

		trimmed := strings.TrimSpace(line)
		if buf.Len() == 0 && strings.HasPrefix(trimmed, `\`) {
			if code, quit := r.metaCommand(trimmed); quit {
				r.saveHistory()
				return code
			}
			continue
		}

		buf.WriteString(line)
		buf.WriteByte('\n')
		if !strings.Contains(line, ";") {
			continue
		}

		stmt := strings.TrimSpace(buf.String())
		buf.Reset()
		if stmt == "" {
			continue
		}
		r.runStatement(stmt)
	}
}

func (r *repl) runStatement(stmt string) {
	if r.explain && !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(stmt)), "EXPLAIN") {
		stmt = "EXPLAIN " + stmt
	}
	start := time.Now()
	rs, err := r.sess.Exec(context.Background(), stmt)
	elapsed := time.Since(start)
	if err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return
	}
	printResult(r.out, rs)
	if r.timing {
		fmt.Fprintf(r.out, "Time: %s\n", elapsed)
	}
}

// metaCommand handles a single backslash command. The bool return reports
// whether the REPL should exit, in which case code is the process exit code.
func (r *repl) metaCommand(line string) (code int, quit bool) {
	fields := strings.Fields(line)
	cmd := fields[0]
	switch cmd {
	case `\q`:
		return exitOK, true
	case `\dt`:
		r.listTables()
	case `\d`:
		if len(fields) < 2 {
			fmt.Fprintln(r.errOut, `usage: \d <table>`)
			return 0, false
		}
		r.describeTable(fields[1])
	case `\timing`:
		r.timing = !r.timing
		fmt.Fprintf(r.out, "timing is %s\n", onOff(r.timing))
	case `\explain`:
		r.explain = !r.explain
		fmt.Fprintf(r.out, "auto-explain is %s\n", onOff(r.explain))
	case `\?`:
		fmt.Fprintln(r.out, `\dt            list tables`)
		fmt.Fprintln(r.out, `\d <table>     describe a table's columns and indexes`)
		fmt.Fprintln(r.out, `\timing        toggle query timing`)
		fmt.Fprintln(r.out, `\explain       toggle auto-EXPLAIN of every statement`)
		fmt.Fprintln(r.out, `\q             quit`)
	default:
		fmt.Fprintf(r.errOut, "unknown meta-command: %s\n", cmd)
	}
	return 0, false
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func (r *repl) listTables() {
	tables := r.sess.DB.ListTables()
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	if len(tables) == 0 {
		fmt.Fprintln(r.out, "no tables")
		return
	}
	for _, t := range tables {
		fmt.Fprintln(r.out, t.Name)
	}
}

func (r *repl) describeTable(name string) {
	schema, err := r.sess.DB.TableSchema(name)
	if err != nil {
		fmt.Fprintf(r.errOut, "error: %v\n", err)
		return
	}
	for _, c := range schema.Columns {
		nullable := "NOT NULL"
		if c.Nullable {
			nullable = "NULL"
		}
		fmt.Fprintf(r.out, "  %-20s %-10s %s\n", c.Name, c.Type, nullable)
	}
	indexes := r.sess.DB.ListIndexes(name)
	if len(indexes) == 0 {
		return
	}
	fmt.Fprintln(r.out, "indexes:")
	for _, ix := range indexes {
		kind := ""
		if ix.Unique {
			kind = " UNIQUE"
		}
		fmt.Fprintf(r.out, "  %s%s on column %d\n", ix.Name, kind, ix.ColumnIndex)
	}
}

func (r *repl) saveHistory() {
	path := historyFile()
	if path == "" {
		return
	}
	if f, err := os.Create(path); err == nil {
		r.ln.WriteHistory(f)
		f.Close()
	}
}

// printResult renders a ResultSet as a padded plain-text table, the same
// shape tinySQL's printTable produces for its default output format.
func printResult(out io.Writer, rs *sqlfront.ResultSet) {
	if rs == nil || len(rs.Cols) == 0 {
		return
	}
	width := make([]int, len(rs.Cols))
	for i, c := range rs.Cols {
		width[i] = len(c)
	}
	cells := make([][]string, len(rs.Rows))
	for ri, row := range rs.Rows {
		cells[ri] = make([]string, len(row))
		for ci, v := range row {
			s := v.Render()
			cells[ri][ci] = s
			if len(s) > width[ci] {
				width[ci] = len(s)
			}
		}
	}

	w := bufio.NewWriter(out)
	defer w.Flush()

	for i, c := range rs.Cols {
		w.WriteString(padRight(c, width[i]))
		if i < len(rs.Cols)-1 {
			w.WriteString("  ")
		}
	}
	w.WriteByte('\n')
	for i := range rs.Cols {
		w.WriteString(strings.Repeat("-", width[i]))
		if i < len(rs.Cols)-1 {
			w.WriteString("  ")
		}
	}
	w.WriteByte('\n')
	for _, row := range cells {
		for i, s := range row {
			w.WriteString(padRight(s, width[i]))
			if i < len(row)-1 {
				w.WriteString("  ")
			}
		}
		w.WriteByte('\n')
	}
	if len(rs.Rows) == 0 {
		fmt.Fprintln(w, "(0 rows)")
	}
}

func padRight(s string, w int) string {
	if len(s) >= w {
		return s
	}
	return s + strings.Repeat(" ", w-len(s))
}

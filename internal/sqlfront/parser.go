package sqlfront

import (
	"fmt"
	"strconv"

	"github.com/SimonWaldherr/minidb/internal/storage/tuple"
)

// Parser is a recursive-descent parser over a single SQL statement.
type Parser struct {
	lx       *lexer
	cur, pk  token
}

// NewParser tokenizes the first two tokens of sql and returns a ready Parser.
func NewParser(sql string) (*Parser, error) {
	p := &Parser{lx: newLexer(sql)}
	if err := p.advance(); err != nil {
		return nil, err
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	return p, nil
}

// advance shifts p.pk into p.cur and lexes a fresh lookahead token.
func (p *Parser) advance() error {
	p.cur = p.pk
	t, err := p.lx.nextToken()
	if err != nil {
		return err
	}
	p.pk = t
	return nil
}

func (p *Parser) errf(format string, a ...any) error {
	return fmt.Errorf("parse error near %q (pos %d): %s", p.cur.Val, p.cur.Pos, fmt.Sprintf(format, a...))
}

func (p *Parser) isKeyword(kw string) bool { return p.cur.Typ == tKeyword && p.cur.Val == kw }
func (p *Parser) isSymbol(sym string) bool { return p.cur.Typ == tSymbol && p.cur.Val == sym }

func (p *Parser) expectKeyword(kw string) error {
	if !p.isKeyword(kw) {
		return p.errf("expected %s", kw)
	}
	return p.advance()
}

func (p *Parser) expectSymbol(sym string) error {
	if !p.isSymbol(sym) {
		return p.errf("expected %q", sym)
	}
	return p.advance()
}

func (p *Parser) expectIdent() (string, error) {
	if p.cur.Typ != tIdent {
		return "", p.errf("expected identifier")
	}
	name := p.cur.Val
	return name, p.advance()
}

// ParseStatement parses exactly one statement, optionally terminated by `;`.
func ParseStatement(sql string) (Statement, error) {
	p, err := NewParser(sql)
	if err != nil {
		return nil, err
	}
	stmt, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	if p.isSymbol(";") {
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	if p.cur.Typ != tEOF {
		return nil, p.errf("unexpected trailing input")
	}
	return stmt, nil
}

func (p *Parser) parseStatement() (Statement, error) {
	switch {
	case p.isKeyword("CREATE"):
		return p.parseCreate()
	case p.isKeyword("DROP"):
		return p.parseDrop()
	case p.isKeyword("INSERT"):
		return p.parseInsert()
	case p.isKeyword("UPDATE"):
		return p.parseUpdate()
	case p.isKeyword("DELETE"):
		return p.parseDelete()
	case p.isKeyword("SELECT"):
		return p.parseSelect()
	case p.isKeyword("BEGIN"):
		return Begin{}, p.advance()
	case p.isKeyword("COMMIT"):
		return Commit{}, p.advance()
	case p.isKeyword("ROLLBACK"):
		return Rollback{}, p.advance()
	case p.isKeyword("EXPLAIN"):
		return p.parseExplain()
	default:
		return nil, p.errf("expected a statement")
	}
}

func (p *Parser) parseExplain() (Statement, error) {
	if err := p.advance(); err != nil { // consume EXPLAIN
		return nil, err
	}
	mode := ExplainLogical
	switch {
	case p.isKeyword("LOGICAL"):
		if err := p.advance(); err != nil {
			return nil, err
		}
	case p.isKeyword("PHYSICAL"):
		mode = ExplainPhysical
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	inner, err := p.parseStatement()
	if err != nil {
		return nil, err
	}
	return Explain{Mode: mode, Stmt: inner}, nil
}

func typeFromKeyword(kw string) (tuple.Type, error) {
	switch kw {
	case "INT":
		return tuple.TypeInt, nil
	case "FLOAT":
		return tuple.TypeFloat, nil
	case "BOOLEAN":
		return tuple.TypeBool, nil
	case "DATE":
		return tuple.TypeDate, nil
	case "STRING":
		return tuple.TypeString, nil
	default:
		return 0, fmt.Errorf("unknown column type %q", kw)
	}
}

func (p *Parser) parseCreate() (Statement, error) {
	if err := p.advance(); err != nil { // consume CREATE
		return nil, err
	}
	unique := false
	if p.isKeyword("UNIQUE") {
		unique = true
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	switch {
	case p.isKeyword("TABLE"):
		return p.parseCreateTable()
	case p.isKeyword("INDEX"):
		return p.parseCreateIndex(unique)
	default:
		return nil, p.errf("expected TABLE or INDEX")
	}
}

func (p *Parser) parseCreateTable() (Statement, error) {
	if err := p.expectKeyword("TABLE"); err != nil {
		return nil, err
	}
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	var cols []ColumnDef
	for {
		colName, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if p.cur.Typ != tKeyword {
			return nil, p.errf("expected a column type")
		}
		typ, err := typeFromKeyword(p.cur.Val)
		if err != nil {
			return nil, p.errf("%s", err)
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
		nullable := true
		if p.isKeyword("NOT") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			if err := p.expectKeyword("NULL"); err != nil {
				return nil, err
			}
			nullable = false
		}
		cols = append(cols, ColumnDef{Name: colName, Type: typ, Nullable: nullable})
		if p.isSymbol(",") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return CreateTable{Table: name, Columns: cols}, nil
}

func (p *Parser) parseCreateIndex(unique bool) (Statement, error) {
	if err := p.expectKeyword("INDEX"); err != nil {
		return nil, err
	}
	name, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("ON"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	col, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return CreateIndex{Name: name, Table: table, Column: col, Unique: unique}, nil
}

func (p *Parser) parseDrop() (Statement, error) {
	if err := p.advance(); err != nil { // consume DROP
		return nil, err
	}
	switch {
	case p.isKeyword("TABLE"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return DropTable{Table: name}, nil
	case p.isKeyword("INDEX"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return DropIndex{Name: name}, nil
	default:
		return nil, p.errf("expected TABLE or INDEX")
	}
}

func (p *Parser) parseInsert() (Statement, error) {
	if err := p.expectKeyword("INSERT"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	var cols []string
	if p.isSymbol("(") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		for {
			c, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			cols = append(cols, c)
			if p.isSymbol(",") {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
	}
	if err := p.expectKeyword("VALUES"); err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	var vals []Expr
	for {
		e, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		vals = append(vals, e)
		if p.isSymbol(",") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	if err := p.expectSymbol(")"); err != nil {
		return nil, err
	}
	return Insert{Table: table, Cols: cols, Values: vals}, nil
}

func (p *Parser) parseUpdate() (Statement, error) {
	if err := p.expectKeyword("UPDATE"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("SET"); err != nil {
		return nil, err
	}
	sets := make(map[string]Expr)
	for {
		col, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol("="); err != nil {
			return nil, err
		}
		e, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		sets[col] = e
		if p.isSymbol(",") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		break
	}
	var where Expr
	if p.isKeyword("WHERE") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		where, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	return Update{Table: table, Sets: sets, Where: where}, nil
}

func (p *Parser) parseDelete() (Statement, error) {
	if err := p.expectKeyword("DELETE"); err != nil {
		return nil, err
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	var where Expr
	if p.isKeyword("WHERE") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		where, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	return Delete{Table: table, Where: where}, nil
}

func (p *Parser) parseSelect() (Statement, error) {
	if err := p.expectKeyword("SELECT"); err != nil {
		return nil, err
	}
	var cols []string
	if p.isSymbol("*") {
		if err := p.advance(); err != nil {
			return nil, err
		}
	} else {
		for {
			c, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			cols = append(cols, c)
			if p.isSymbol(",") {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	table, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	sel := Select{Table: table, Cols: cols, Limit: -1}
	if p.isKeyword("WHERE") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		sel.Where, err = p.parseExpr()
		if err != nil {
			return nil, err
		}
	}
	if p.isKeyword("ORDER") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if err := p.expectKeyword("BY"); err != nil {
			return nil, err
		}
		for {
			col, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			desc := false
			if p.isKeyword("ASC") {
				if err := p.advance(); err != nil {
					return nil, err
				}
			} else if p.isKeyword("DESC") {
				desc = true
				if err := p.advance(); err != nil {
					return nil, err
				}
			}
			sel.OrderBy = append(sel.OrderBy, OrderTerm{Col: col, Desc: desc})
			if p.isSymbol(",") {
				if err := p.advance(); err != nil {
					return nil, err
				}
				continue
			}
			break
		}
	}
	if p.isKeyword("LIMIT") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.cur.Typ != tNumber {
			return nil, p.errf("expected a number after LIMIT")
		}
		n, err := strconv.Atoi(p.cur.Val)
		if err != nil {
			return nil, p.errf("bad LIMIT value: %s", err)
		}
		sel.Limit = n
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
	return sel, nil
}

// Expression grammar, loosest-binding first:
//   expr    := andExpr (OR andExpr)*
//   andExpr := notExpr (AND notExpr)*
//   notExpr := NOT notExpr | cmpExpr
//   cmpExpr := primary (cmpOp primary | BETWEEN primary AND primary)?
//   primary := literal | ident | '(' expr ')'

func (p *Parser) parseExpr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("OR") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: "OR", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("AND") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: "AND", Left: left, Right: right}
	}
	return left, nil
}

func (p *Parser) parseNot() (Expr, error) {
	if p.isKeyword("NOT") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return Unary{Op: "NOT", Expr: inner}, nil
	}
	return p.parseCmp()
}

var cmpOps = map[string]bool{"=": true, "!=": true, "<>": true, "<": true, "<=": true, ">": true, ">=": true}

func (p *Parser) parseCmp() (Expr, error) {
	if p.isSymbol("(") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return e, nil
	}
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	if p.isKeyword("BETWEEN") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		low, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("AND"); err != nil {
			return nil, err
		}
		high, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return Between{Col: left, Low: low, High: high}, nil
	}
	if p.cur.Typ == tSymbol && cmpOps[p.cur.Val] {
		op := p.cur.Val
		if err := p.advance(); err != nil {
			return nil, err
		}
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return Binary{Op: op, Left: left, Right: right}, nil
	}
	return left, nil
}

func (p *Parser) parsePrimary() (Expr, error) {
	switch {
	case p.cur.Typ == tIdent:
		name := p.cur.Val
		if err := p.advance(); err != nil {
			return nil, err
		}
		return ColRef{Name: name}, nil
	case p.cur.Typ == tNumber:
		raw := p.cur.Val
		if err := p.advance(); err != nil {
			return nil, err
		}
		return numberLiteral(raw)
	case p.cur.Typ == tString:
		val := p.cur.Val
		if err := p.advance(); err != nil {
			return nil, err
		}
		return Literal{Val: tuple.StringValue(val)}, nil
	case p.isKeyword("NULL"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		return Literal{Val: tuple.Value{Null: true}}, nil
	case p.isKeyword("TRUE"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		return Literal{Val: tuple.BoolValue(true)}, nil
	case p.isKeyword("FALSE"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		return Literal{Val: tuple.BoolValue(false)}, nil
	case p.isSymbol("("):
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, p.errf("expected an expression")
	}
}

func numberLiteral(raw string) (Expr, error) {
	for _, c := range raw {
		if c == '.' {
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("bad numeric literal %q: %w", raw, err)
			}
			return Literal{Val: tuple.FloatValue(f)}, nil
		}
	}
	n, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("bad integer literal %q: %w", raw, err)
	}
	return Literal{Val: tuple.IntValue(int32(n))}, nil
}

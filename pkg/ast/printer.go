package ast

import (
	"fmt"
	"io"
	"strings"
)

// Printer writes statement trees as C99
type Printer struct {
	w      io.Writer
	indent string
	depth  int
}

// NewPrinter creates a printer; indent is the unit of indentation
func NewPrinter(w io.Writer, indent string) *Printer {
	if indent == "" {
		indent = "\t"
	}
	return &Printer{w: w, indent: indent}
}

func (p *Printer) line(format string, args ...interface{}) {
	fmt.Fprintf(p.w, "%s%s\n", strings.Repeat(p.indent, p.depth), fmt.Sprintf(format, args...))
}

// Func prints a function definition
func (p *Printer) Func(f *Func) {
	p.line("%s {", f.Prototype())
	p.depth++
	p.Stmts(f.Body)
	p.depth--
	p.line("}")
}

// Stmts prints a statement list at the current depth
func (p *Printer) Stmts(stmts []Stmt) {
	for _, s := range stmts {
		p.Stmt(s)
	}
}

// Stmt prints one statement
func (p *Printer) Stmt(s Stmt) {
	switch s := s.(type) {
	case *Assign:
		p.line("%s = %s;", FormatExpr(s.LHS), FormatExpr(s.RHS))
	case *Decl:
		if s.Init != nil {
			p.line("%s = %s;", CDecl(s.CType, s.Name), FormatExpr(s.Init))
		} else {
			p.line("%s;", CDecl(s.CType, s.Name))
		}
	case *Block:
		p.line("{")
		p.depth++
		p.Stmts(s.Stmts)
		p.depth--
		p.line("}")
	case *IncRef:
		p.line("if (%s) %s++;", FormatExpr(s.Ptr), FormatExpr(s.Header))
	case *DecRef:
		ptr := FormatExpr(s.Ptr)
		if s.Unguarded {
			p.line("if (!--%s)", FormatExpr(s.Header))
			p.depth++
			p.line("%s(%s);", FormatExpr(s.Dealloc), ptr)
			p.depth--
		} else {
			p.line("if (%s && !--%s) %s(%s);", ptr, FormatExpr(s.Header), FormatExpr(s.Dealloc), ptr)
		}
	case *ForeignRef:
		ptr := FormatExpr(s.Ptr)
		p.line("if (%s) %s(%s);", ptr, s.Fn, ptr)
	case *Free:
		p.line("%s(%s);", s.Fn, FormatExpr(s.Ptr))
	case *OpaqueRelease:
		p.line("%s(&(%s));", s.Fn, FormatExpr(s.X))
	case *Call:
		var args []string
		for _, a := range s.Args {
			args = append(args, FormatExpr(a))
		}
		p.line("%s(%s);", FormatExpr(s.Fn), strings.Join(args, ", "))
	case *For:
		p.line("for (long %s = 0; %s < %d; %s++) {", s.Var, s.Var, s.N, s.Var)
		p.depth++
		p.Stmts(s.Body)
		p.depth--
		p.line("}")
	case *Resolve:
		p.resolve(s)
	case *ZeroAlloc:
		res := FormatExpr(s.Result)
		p.line("%s = %s(%s);", res, s.Fn, FormatExpr(s.Size))
		if s.OnError != "" {
			p.line("if (%s == NULL) goto %s;", res, s.OnError)
		}
	default:
		p.line("/* unknown statement %T */", s)
	}
}

const deallocFnType = "(void (*)(void *))"

func (p *Printer) resolve(s *Resolve) {
	if s.Query != "" {
		p.line("%s = %s((%s) %s);", s.Into, s.Query, strings.TrimSpace(s.ArgType), FormatExpr(s.Ptr))
		return
	}
	p.line("switch (%s) {", FormatExpr(s.Tag))
	for _, c := range s.Cases {
		p.line("case %d: %s = %s %s; break;", c.Tag, s.Into, deallocFnType, c.Dealloc)
	}
	if s.Default != "" {
		p.line("default: %s = %s %s; break;", s.Into, deallocFnType, s.Default)
	}
	p.line("}")
}

// FormatStmts renders statements to a string
func FormatStmts(stmts []Stmt, indent string) string {
	var sb strings.Builder
	NewPrinter(&sb, indent).Stmts(stmts)
	return sb.String()
}

// FormatFunc renders a function definition to a string
func FormatFunc(f *Func, indent string) string {
	var sb strings.Builder
	NewPrinter(&sb, indent).Func(f)
	return sb.String()
}

// FormatExpr renders an expression
func FormatExpr(e Expr) string {
	switch e := e.(type) {
	case nil:
		return "NULL"
	case *Ident:
		return e.Name
	case *Null:
		return "NULL"
	case *Int:
		return fmt.Sprintf("%d", e.Value)
	case *Deref:
		return "(*" + FormatExpr(e.X) + ")"
	case *Member:
		if d, ok := e.X.(*Deref); ok {
			return postfix(d.X) + "->" + e.Name
		}
		return postfix(e.X) + "." + e.Name
	case *Index:
		return postfix(e.X) + "[" + FormatExpr(e.Index) + "]"
	case *Cast:
		return "(" + strings.TrimSpace(e.CType) + ") " + FormatExpr(e.X)
	case *AddrOf:
		return "&(" + FormatExpr(e.X) + ")"
	case *SizeOf:
		return "sizeof(" + e.CType + ")"
	}
	return fmt.Sprintf("/* %T */", e)
}

// postfix renders e as the operand of a postfix operator
func postfix(e Expr) string {
	switch e.(type) {
	case *Cast, *AddrOf:
		return "(" + FormatExpr(e) + ")"
	}
	return FormatExpr(e)
}

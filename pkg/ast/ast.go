// Package ast is the small C statement tree produced by the code generator.
// The tree is printed as C99 by the printer and executed directly by the
// heap machine in package memory.
package ast

import "strings"

// Expr is a C expression
type Expr interface {
	expr()
}

// Ident names a local variable, parameter or function
type Ident struct {
	Name string
}

// Null is the NULL pointer literal
type Null struct{}

// Int is an integer literal
type Int struct {
	Value int64
}

// Deref is (*X)
type Deref struct {
	X Expr
}

// Member is X.Name, printed as P->Name when X is Deref{P}
type Member struct {
	X    Expr
	Name string
}

// Index is X[Index]
type Index struct {
	X     Expr
	Index Expr
}

// Cast is (CType) X
type Cast struct {
	CType string
	X     Expr
}

// AddrOf is &(X)
type AddrOf struct {
	X Expr
}

// SizeOf is sizeof(CType)
type SizeOf struct {
	CType string
}

func (*Ident) expr()  {}
func (*Null) expr()   {}
func (*Int) expr()    {}
func (*Deref) expr()  {}
func (*Member) expr() {}
func (*Index) expr()  {}
func (*Cast) expr()   {}
func (*AddrOf) expr() {}
func (*SizeOf) expr() {}

// Stmt is a C statement
type Stmt interface {
	stmt()
}

// Assign is LHS = RHS;
type Assign struct {
	LHS Expr
	RHS Expr
}

// Decl declares a local; CType may contain '@' where the name goes
type Decl struct {
	CType string
	Name  string
	Init  Expr
}

// Block is a braced statement list
type Block struct {
	Stmts []Stmt
}

// IncRef is: if (Ptr) Header++;
type IncRef struct {
	Ptr    Expr
	Header Expr
}

// DecRef is: if (Ptr && !--Header) Dealloc(Ptr);
// Unguarded drops the null test for pointers already known to be non-null.
type DecRef struct {
	Ptr       Expr
	Header    Expr
	Dealloc   Expr
	Unguarded bool
}

// ForeignRef hands Ptr to the external runtime's incref or decref primitive
type ForeignRef struct {
	Fn   string
	Incr bool
	Ptr  Expr
}

// Free releases Ptr's storage: Fn(Ptr);
type Free struct {
	Fn  string
	Ptr Expr
}

// OpaqueRelease runs an external container's release hook: Fn(&(X));
type OpaqueRelease struct {
	Fn string
	X  Expr
}

// Call is Fn(Args...);
type Call struct {
	Fn   Expr
	Args []Expr
}

// For runs Body with Var bound to 0..N-1
type For struct {
	Var  string
	N    int
	Body []Stmt
}

// TagCase maps a type tag to the static deallocator of that type
type TagCase struct {
	Tag     int64
	Dealloc string
}

// Resolve stores into the function-pointer local Into the static deallocator
// matching the dynamic type of Ptr. With Query set it calls the external
// query function on (ArgType) Ptr; otherwise it switches on Tag over Cases.
type Resolve struct {
	Into    string
	Ptr     Expr
	Query   string
	ArgType string
	Tag     Expr
	Cases   []TagCase
	Default string
}

// ZeroAlloc is: Result = Fn(Size); if (Result == NULL) goto OnError;
// TypeName names the allocated container for consumers that track layouts.
type ZeroAlloc struct {
	Fn       string
	TypeName string
	Size     Expr
	Result   Expr
	OnError  string
}

func (*Assign) stmt()        {}
func (*Decl) stmt()          {}
func (*Block) stmt()         {}
func (*IncRef) stmt()        {}
func (*DecRef) stmt()        {}
func (*ForeignRef) stmt()    {}
func (*Free) stmt()          {}
func (*OpaqueRelease) stmt() {}
func (*Call) stmt()          {}
func (*For) stmt()           {}
func (*Resolve) stmt()       {}
func (*ZeroAlloc) stmt()     {}

// Param is a function parameter
type Param struct {
	CType string
	Name  string
}

// Func is a generated function definition
type Func struct {
	Name   string
	Result string
	Params []Param
	Body   []Stmt
}

// Prototype returns the C declaration of f without a trailing semicolon
func (f *Func) Prototype() string {
	var params []string
	for _, p := range f.Params {
		params = append(params, CDecl(p.CType, p.Name))
	}
	if len(params) == 0 {
		params = []string{"void"}
	}
	result := f.Result
	if result == "" {
		result = "void"
	}
	return result + " " + f.Name + "(" + strings.Join(params, ", ") + ")"
}

// CDecl declares name with type ctype. A '@' in ctype marks where the name
// goes, which is needed for function pointers: "void (*@)(void *)".
func CDecl(ctype, name string) string {
	if strings.Contains(ctype, "@") {
		return strings.Replace(ctype, "@", name, 1)
	}
	if strings.HasSuffix(ctype, "*") {
		return ctype + name
	}
	return ctype + " " + name
}

// Helpers for building trees

func Id(name string) *Ident { return &Ident{Name: name} }

// Arrow is P->name
func Arrow(p Expr, name string) *Member { return &Member{X: &Deref{X: p}, Name: name} }

// Path follows a sequence of member names starting from X
func Path(x Expr, names ...string) Expr {
	for _, n := range names {
		x = &Member{X: x, Name: n}
	}
	return x
}

// ArrowPath is P->a.b.c
func ArrowPath(p Expr, names ...string) Expr {
	return Path(&Deref{X: p}, names...)
}

// IsNull reports whether e is statically known to be NULL
func IsNull(e Expr) bool {
	switch x := e.(type) {
	case nil:
		return true
	case *Null:
		return true
	case *Cast:
		return IsNull(x.X)
	case *Int:
		return x.Value == 0
	}
	return false
}

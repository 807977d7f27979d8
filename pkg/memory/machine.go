package memory

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"

	"rcgen/pkg/ast"
	"rcgen/pkg/codegen"
	"rcgen/pkg/logger"
)

// Machine executes generated statement trees against a Heap.
//
// It runs exactly the code the generator would print, with the runtime
// primitives (raw_free, foreign incref/decref) built in and RTTI query
// functions supplied by the caller. Header updates, deallocator calls and
// frees are counted so tests can check the reference-counting discipline
// instead of comparing text.
type Machine struct {
	Heap *Heap

	prims   codegen.Primitives
	funcs   map[string]*ast.Func
	queries map[string]QueryFunc
	frames  []*frame

	// MaxDepth bounds nested calls
	MaxDepth int

	Counters
	// ForeignRefs is the net foreign incref count per address
	ForeignRefs map[Addr]int
	// Trace records executed refcount events in order
	Trace []string
}

// Counters tallies executed (not emitted) operations
type Counters struct {
	Increments     int
	Decrements     int
	ForeignIncrefs int
	ForeignDecrefs int
	OpaqueReleases int
	Calls          map[string]int
}

// QueryFunc is an RTTI query: it maps an object to the name of the static
// deallocator of its dynamic type
type QueryFunc func(m *Machine, p Addr) (string, error)

type local struct {
	val  int64
	fn   string
	isFn bool
}

type frame struct {
	fn     string
	scopes []map[string]*local
}

func newFrame(fn string) *frame {
	return &frame{fn: fn, scopes: []map[string]*local{{}}}
}

func (f *frame) lookup(name string) *local {
	for i := len(f.scopes) - 1; i >= 0; i-- {
		if l, ok := f.scopes[i][name]; ok {
			return l
		}
	}
	return nil
}

func (f *frame) declare(name string) *local {
	l := &local{}
	f.scopes[len(f.scopes)-1][name] = l
	return l
}

func (f *frame) push() { f.scopes = append(f.scopes, map[string]*local{}) }
func (f *frame) pop()  { f.scopes = f.scopes[:len(f.scopes)-1] }

const superMember = "super"

// location is where an lvalue lives: a local or a heap member
type location struct {
	local *local
	name  string
	addr  Addr
	path  string
}

// NewMachine creates a machine with an empty heap and one top-level frame
func NewMachine(prims codegen.Primitives) *Machine {
	return &Machine{
		Heap:        NewHeap(),
		prims:       prims,
		funcs:       make(map[string]*ast.Func),
		queries:     make(map[string]QueryFunc),
		frames:      []*frame{newFrame("")},
		MaxDepth:    1000,
		Counters:    Counters{Calls: make(map[string]int)},
		ForeignRefs: make(map[Addr]int),
	}
}

// RegisterFuncs makes generated functions callable by name
func (m *Machine) RegisterFuncs(funcs ...*ast.Func) {
	for _, f := range funcs {
		if f != nil {
			m.funcs[f.Name] = f
		}
	}
}

// RegisterPlans registers every function of the given deallocator plans
func (m *Machine) RegisterPlans(plans ...*codegen.DeallocatorPlan) {
	for _, p := range plans {
		m.RegisterFuncs(p.Funcs()...)
	}
}

// RegisterQuery supplies an RTTI query function
func (m *Machine) RegisterQuery(name string, q QueryFunc) {
	m.queries[name] = q
}

// SetLocal declares (or overwrites) a top-level local
func (m *Machine) SetLocal(name string, v int64) {
	top := m.frames[0]
	l := top.lookup(name)
	if l == nil {
		l = top.declare(name)
	}
	l.val = v
}

// Local reads a top-level local
func (m *Machine) Local(name string) (int64, bool) {
	l := m.frames[0].lookup(name)
	if l == nil {
		return 0, false
	}
	return l.val, true
}

// Ptr reads a top-level local as an address
func (m *Machine) Ptr(name string) Addr {
	v, _ := m.Local(name)
	return Addr(v)
}

// Alloc allocates a zero-filled object and binds it to a top-level local
func (m *Machine) Alloc(name, typeName string) (Addr, error) {
	addr, err := m.Heap.Alloc(typeName, 0)
	if err != nil {
		return 0, err
	}
	m.SetLocal(name, int64(addr))
	return addr, nil
}

// Header reads the member at path of the object at addr
func (m *Machine) Header(addr Addr, path ...string) (int64, error) {
	var cells []string
	for _, p := range path {
		if p != superMember {
			cells = append(cells, p)
		}
	}
	return m.Heap.Load(addr, strings.Join(cells, "."))
}

// Exec runs statements in the top-level frame
func (m *Machine) Exec(stmts []ast.Stmt) error {
	return m.execAll(stmts)
}

// Call invokes a generated function or runtime primitive
func (m *Machine) Call(name string, args ...int64) error {
	m.Calls[name]++

	switch name {
	case m.prims.RawFree:
		if len(args) != 1 {
			return errors.Newf("%s takes 1 argument, got %d", name, len(args))
		}
		m.trace("free %s", Addr(args[0]))
		return m.Heap.Free(Addr(args[0]))
	case m.prims.ForeignIncref, m.prims.ForeignDecref:
		if len(args) != 1 {
			return errors.Newf("%s takes 1 argument, got %d", name, len(args))
		}
		m.foreign(name == m.prims.ForeignIncref, Addr(args[0]))
		return nil
	}

	f, ok := m.funcs[name]
	if !ok {
		return errors.Wrapf(ErrUnknownFunc, "%s", name)
	}
	if len(args) != len(f.Params) {
		return errors.Newf("%s takes %d arguments, got %d", name, len(f.Params), len(args))
	}
	if len(m.frames) > m.MaxDepth {
		return errors.Wrapf(ErrStackOverflow, "calling %s", name)
	}

	fr := newFrame(name)
	for i, p := range f.Params {
		fr.declare(p.Name).val = args[i]
	}
	m.frames = append(m.frames, fr)
	defer func() { m.frames = m.frames[:len(m.frames)-1] }()

	m.trace("call %s %s", name, argString(args))
	if err := m.execAll(f.Body); err != nil {
		return errors.Wrapf(err, "in %s", name)
	}
	return nil
}

func (m *Machine) top() *frame {
	return m.frames[len(m.frames)-1]
}

func (m *Machine) trace(format string, args ...interface{}) {
	m.Trace = append(m.Trace, fmt.Sprintf(format, args...))
}

func (m *Machine) execAll(stmts []ast.Stmt) error {
	for _, s := range stmts {
		if err := m.exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) exec(s ast.Stmt) error {
	switch s := s.(type) {
	case *ast.Assign:
		loc, err := m.lvalue(s.LHS)
		if err != nil {
			return err
		}
		v, err := m.eval(s.RHS)
		if err != nil {
			return err
		}
		return m.store(loc, v)

	case *ast.Decl:
		l := m.top().declare(s.Name)
		if strings.Contains(s.CType, "(*") {
			l.isFn = true
			if s.Init != nil {
				fn, err := m.callee(s.Init)
				if err != nil {
					return err
				}
				l.fn = fn
			}
			return nil
		}
		if s.Init != nil {
			v, err := m.eval(s.Init)
			if err != nil {
				return err
			}
			l.val = v
		}
		return nil

	case *ast.Block:
		fr := m.top()
		fr.push()
		defer fr.pop()
		return m.execAll(s.Stmts)

	case *ast.IncRef:
		p, err := m.eval(s.Ptr)
		if err != nil || p == 0 {
			return err
		}
		n, err := m.update(s.Header, 1)
		if err != nil {
			return err
		}
		m.Increments++
		m.trace("inc %s -> %d", Addr(p), n)
		return nil

	case *ast.DecRef:
		p, err := m.eval(s.Ptr)
		if err != nil {
			return err
		}
		if p == 0 && !s.Unguarded {
			return nil
		}
		n, err := m.update(s.Header, -1)
		if err != nil {
			return err
		}
		m.Decrements++
		m.trace("dec %s -> %d", Addr(p), n)
		if n != 0 {
			return nil
		}
		fn, err := m.callee(s.Dealloc)
		if err != nil {
			return err
		}
		return m.Call(fn, p)

	case *ast.ForeignRef:
		p, err := m.eval(s.Ptr)
		if err != nil || p == 0 {
			return err
		}
		m.Calls[s.Fn]++
		m.foreign(s.Incr, Addr(p))
		return nil

	case *ast.Free:
		p, err := m.eval(s.Ptr)
		if err != nil {
			return err
		}
		return m.Call(s.Fn, p)

	case *ast.OpaqueRelease:
		loc, err := m.lvalue(s.X)
		if err != nil {
			return err
		}
		if loc.local == nil {
			if _, err := m.Heap.Get(loc.addr); err != nil {
				return errors.Wrapf(err, "%s", s.Fn)
			}
		}
		m.Calls[s.Fn]++
		m.OpaqueReleases++
		m.trace("%s %s", s.Fn, loc)
		return nil

	case *ast.Call:
		fn, err := m.callee(s.Fn)
		if err != nil {
			return err
		}
		args := make([]int64, len(s.Args))
		for i, a := range s.Args {
			if args[i], err = m.eval(a); err != nil {
				return err
			}
		}
		return m.Call(fn, args...)

	case *ast.For:
		fr := m.top()
		fr.push()
		defer fr.pop()
		iv := fr.declare(s.Var)
		for i := 0; i < s.N; i++ {
			iv.val = int64(i)
			if err := m.execAll(s.Body); err != nil {
				return err
			}
		}
		return nil

	case *ast.Resolve:
		fn, err := m.resolve(s)
		if err != nil {
			return err
		}
		l := m.top().lookup(s.Into)
		if l == nil {
			return errors.Wrapf(ErrUndefined, "%s", s.Into)
		}
		l.isFn = true
		l.fn = fn
		return nil

	case *ast.ZeroAlloc:
		loc, err := m.lvalue(s.Result)
		if err != nil {
			return err
		}
		size, err := m.eval(s.Size)
		if err != nil {
			return err
		}
		m.Calls[s.Fn]++
		addr, allocErr := m.Heap.Alloc(s.TypeName, size)
		if err := m.store(loc, int64(addr)); err != nil {
			return err
		}
		if allocErr != nil {
			return errors.Wrapf(ErrAllocFailed, "goto %s: %v", s.OnError, allocErr)
		}
		m.trace("alloc %s %s", s.TypeName, addr)
		return nil
	}
	return errors.Newf("unsupported statement %T", s)
}

func (m *Machine) resolve(s *ast.Resolve) (string, error) {
	p, err := m.eval(s.Ptr)
	if err != nil {
		return "", err
	}
	if s.Query != "" {
		q, ok := m.queries[s.Query]
		if !ok {
			return "", errors.Wrapf(ErrUnknownFunc, "RTTI query %s", s.Query)
		}
		m.Calls[s.Query]++
		return q(m, Addr(p))
	}
	tag, err := m.eval(s.Tag)
	if err != nil {
		return "", err
	}
	for _, c := range s.Cases {
		if c.Tag == tag {
			return c.Dealloc, nil
		}
	}
	if s.Default == "" {
		return "", errors.Wrapf(ErrUnknownTag, "%d at %s", tag, Addr(p))
	}
	logger.Logger.Debugw("tag falls through to default", "tag", tag, "addr", Addr(p))
	return s.Default, nil
}

func (m *Machine) foreign(incr bool, p Addr) {
	if incr {
		m.ForeignIncrefs++
		m.ForeignRefs[p]++
		m.trace("foreign_incref %s", p)
		return
	}
	m.ForeignDecrefs++
	m.ForeignRefs[p]--
	m.trace("foreign_decref %s", p)
}

// update adds delta to the value at e and returns the result
func (m *Machine) update(e ast.Expr, delta int64) (int64, error) {
	loc, err := m.lvalue(e)
	if err != nil {
		return 0, err
	}
	v, err := m.load(loc)
	if err != nil {
		return 0, err
	}
	v += delta
	return v, m.store(loc, v)
}

func (m *Machine) lvalue(e ast.Expr) (location, error) {
	switch e := e.(type) {
	case *ast.Ident:
		l := m.top().lookup(e.Name)
		if l == nil {
			return location{}, errors.Wrapf(ErrUndefined, "%s", e.Name)
		}
		return location{local: l, name: e.Name}, nil
	case *ast.Deref:
		p, err := m.eval(e.X)
		if err != nil {
			return location{}, err
		}
		return location{addr: Addr(p)}, nil
	case *ast.Member:
		base, err := m.lvalue(e.X)
		if err != nil {
			return location{}, err
		}
		if base.local != nil {
			return location{}, errors.Wrapf(ErrNotAddressable, "member %s of local %s", e.Name, base.name)
		}
		// The parent sits at offset zero, so upcast pointers and
		// p->super.x name the same cell
		if e.Name == superMember {
			return base, nil
		}
		if base.path != "" {
			base.path += "."
		}
		base.path += e.Name
		return base, nil
	case *ast.Index:
		base, err := m.lvalue(e.X)
		if err != nil {
			return location{}, err
		}
		if base.local != nil {
			return location{}, errors.Wrapf(ErrNotAddressable, "index of local %s", base.name)
		}
		i, err := m.eval(e.Index)
		if err != nil {
			return location{}, err
		}
		base.path += fmt.Sprintf("[%d]", i)
		return base, nil
	case *ast.Cast:
		return m.lvalue(e.X)
	}
	return location{}, errors.Wrapf(ErrNotAddressable, "%s", ast.FormatExpr(e))
}

func (m *Machine) eval(e ast.Expr) (int64, error) {
	switch e := e.(type) {
	case nil, *ast.Null:
		return 0, nil
	case *ast.Int:
		return e.Value, nil
	case *ast.Cast:
		return m.eval(e.X)
	case *ast.SizeOf:
		return 8, nil
	case *ast.AddrOf:
		return 0, errors.Wrapf(ErrNotAddressable, "address of %s", ast.FormatExpr(e.X))
	}
	loc, err := m.lvalue(e)
	if err != nil {
		return 0, err
	}
	return m.load(loc)
}

func (m *Machine) load(loc location) (int64, error) {
	if loc.local != nil {
		return loc.local.val, nil
	}
	return m.Heap.Load(loc.addr, loc.path)
}

func (m *Machine) store(loc location, v int64) error {
	if loc.local != nil {
		loc.local.val = v
		return nil
	}
	return m.Heap.Store(loc.addr, loc.path, v)
}

// callee names the function an expression designates: a function-pointer
// local's current target, or a global function by name
func (m *Machine) callee(e ast.Expr) (string, error) {
	switch e := e.(type) {
	case *ast.Ident:
		if l := m.top().lookup(e.Name); l != nil && l.isFn {
			if l.fn == "" {
				return "", errors.Newf("call through unset function pointer %s", e.Name)
			}
			return l.fn, nil
		}
		return e.Name, nil
	case *ast.Cast:
		return m.callee(e.X)
	}
	return "", errors.Newf("cannot call %s", ast.FormatExpr(e))
}

func (l location) String() string {
	if l.local != nil {
		return l.name
	}
	if l.path == "" {
		return l.addr.String()
	}
	return l.addr.String() + "." + l.path
}

func argString(args []int64) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = Addr(a).String()
	}
	return strings.Join(parts, ", ")
}

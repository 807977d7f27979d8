package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

// Heap - the object store behind the machine
//
// Every allocation gets a fresh address; addresses are never reused, so any
// access through a pointer to a freed object is caught as use-after-free
// instead of silently reading a newer object.
//
// An object is a flat map from member path to value:
//   p->refcount_Node        -> "refcount_Node"
//   p->super.typeid_Base    -> "typeid_Base"
//   a->items[3]             -> "items[3]"
// A parent record is laid out first, so its members are stored under their
// own names and an upcast pointer reaches the same cells.
// Missing cells read as zero, which is exactly what zero_alloc promises.

var (
	ErrNullDeref      = errors.New("null pointer dereference")
	ErrUseAfterFree   = errors.New("use-after-free")
	ErrDoubleFree     = errors.New("double free")
	ErrInvalidAddr    = errors.New("invalid address")
	ErrOutOfMemory    = errors.New("out of memory")
	ErrUnknownFunc    = errors.New("unknown function")
	ErrUnknownTag     = errors.New("unknown type tag")
	ErrUndefined      = errors.New("undefined local")
	ErrNotAddressable = errors.New("expression is not addressable")
	ErrAllocFailed    = errors.New("allocation failed")
	ErrStackOverflow  = errors.New("call depth exceeded")
)

// Addr is a heap address. Zero is NULL.
type Addr int64

func (a Addr) String() string {
	if a == 0 {
		return "NULL"
	}
	return fmt.Sprintf("@%d", int64(a))
}

// Object is one heap allocation
type Object struct {
	Addr     Addr
	TypeName string
	Size     int64
	Cells    map[string]int64
	Freed    bool
}

// Heap hands out objects and checks every access against their lifetime
type Heap struct {
	objects map[Addr]*Object
	next    Addr
	mu      sync.Mutex

	// Limit makes allocation fail once this many objects are live; 0 disables
	Limit int

	Allocations int
	Frees       int
}

// NewHeap creates an empty heap
func NewHeap() *Heap {
	return &Heap{
		objects: make(map[Addr]*Object),
		next:    1,
	}
}

// Alloc returns the address of a new zero-filled object
func (h *Heap) Alloc(typeName string, size int64) (Addr, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.Limit > 0 && h.live() >= h.Limit {
		return 0, errors.Wrapf(ErrOutOfMemory, "%d live objects", h.Limit)
	}
	obj := &Object{
		Addr:     h.next,
		TypeName: typeName,
		Size:     size,
		Cells:    make(map[string]int64),
	}
	h.objects[obj.Addr] = obj
	h.next++
	h.Allocations++
	return obj.Addr, nil
}

// Get returns the live object at addr
func (h *Heap) Get(addr Addr) (*Object, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.get(addr)
}

func (h *Heap) get(addr Addr) (*Object, error) {
	if addr == 0 {
		return nil, ErrNullDeref
	}
	obj, ok := h.objects[addr]
	if !ok {
		return nil, errors.Wrapf(ErrInvalidAddr, "%s", addr)
	}
	if obj.Freed {
		return nil, errors.Wrapf(ErrUseAfterFree, "%s (%s)", addr, obj.TypeName)
	}
	return obj, nil
}

// Free releases the object at addr
func (h *Heap) Free(addr Addr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if addr == 0 {
		return nil
	}
	obj, ok := h.objects[addr]
	if !ok {
		return errors.Wrapf(ErrInvalidAddr, "free %s", addr)
	}
	if obj.Freed {
		return errors.Wrapf(ErrDoubleFree, "%s (%s)", addr, obj.TypeName)
	}
	obj.Freed = true
	h.Frees++
	return nil
}

// Load reads a member of a live object
func (h *Heap) Load(addr Addr, path string) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	obj, err := h.get(addr)
	if err != nil {
		return 0, errors.Wrapf(err, "load %s", path)
	}
	return obj.Cells[path], nil
}

// Store writes a member of a live object
func (h *Heap) Store(addr Addr, path string, v int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	obj, err := h.get(addr)
	if err != nil {
		return errors.Wrapf(err, "store %s", path)
	}
	obj.Cells[path] = v
	return nil
}

// IsFreed reports whether addr was allocated and has been freed
func (h *Heap) IsFreed(addr Addr) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	obj, ok := h.objects[addr]
	return ok && obj.Freed
}

// Live returns the objects not yet freed, by address
func (h *Heap) Live() []*Object {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []*Object
	for _, obj := range h.objects {
		if !obj.Freed {
			out = append(out, obj)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

func (h *Heap) live() int {
	n := 0
	for _, obj := range h.objects {
		if !obj.Freed {
			n++
		}
	}
	return n
}

// String dumps the live objects
func (h *Heap) String() string {
	var sb strings.Builder
	for _, obj := range h.Live() {
		keys := make([]string, 0, len(obj.Cells))
		for k := range obj.Cells {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		sb.WriteString(fmt.Sprintf("%s %s {", obj.Addr, obj.TypeName))
		for i, k := range keys {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(fmt.Sprintf(" %s=%d", k, obj.Cells[k]))
		}
		sb.WriteString(" }\n")
	}
	return sb.String()
}

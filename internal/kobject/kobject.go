// Package kobject implements reference-counted kernel objects.
//
// A Kobject wraps exactly one IPC primitive (a phone, a call or an IRQ
// subscription) and gives every holder the same get/put interface. The
// wrapped object's Destroy method runs exactly once, when the last reference
// is put.
package kobject

import (
	"fmt"
	"sync/atomic"
)

// Type tags the object wrapped by a Kobject.
type Type int

const (
	TypePhone Type = iota
	TypeCall
	TypeIrq
)

// String returns the string representation of the type
func (t Type) String() string {
	switch t {
	case TypePhone:
		return "phone"
	case TypeCall:
		return "call"
	case TypeIrq:
		return "irq"
	default:
		return "unknown"
	}
}

// Object is the payload of a Kobject.
type Object interface {
	// Destroy releases whatever the object holds. Called once, with no
	// references left.
	Destroy()
}

var lastID atomic.Uint64

// Kobject is a tagged, atomically reference-counted kernel object.
type Kobject struct {
	typ  Type
	obj  Object
	id   uint64
	refs atomic.Int64
}

// New wraps obj and returns it holding one reference.
func New(typ Type, obj Object) *Kobject {
	k := &Kobject{
		typ: typ,
		obj: obj,
		id:  lastID.Add(1),
	}
	k.refs.Store(1)
	return k
}

// Type returns the type tag.
func (k *Kobject) Type() Type { return k.typ }

// Object returns the wrapped object.
func (k *Kobject) Object() Object { return k.obj }

// ID returns a process-unique identifier. User space sees it as the phone
// hash of incoming requests.
func (k *Kobject) ID() uint64 { return k.id }

// Refs returns the current number of references. The result is inherently
// racy and only meaningful when no one else can change it.
func (k *Kobject) Refs() int64 { return k.refs.Load() }

// AddRef takes an additional reference.
func (k *Kobject) AddRef() {
	if v := k.refs.Add(1); v <= 1 {
		panic(fmt.Sprintf("kobject %s#%d: reference taken on a destroyed object", k.typ, k.id))
	}
}

// Put releases one reference and destroys the object when it was the last.
func (k *Kobject) Put() {
	switch v := k.refs.Add(-1); {
	case v < 0:
		panic(fmt.Sprintf("kobject %s#%d: reference count underflow", k.typ, k.id))
	case v == 0:
		k.obj.Destroy()
	}
}

// Package uspace moves fixed-layout records between the kernel and a task's
// user memory. It stands in for the platform's copy_from_user/copy_to_user
// primitives: the IPC core only ever sees the Memory interface.
package uspace

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"sync"

	"github.com/lunixbochs/struc"
	"github.com/pkg/errors"

	"github.com/GriffinCanCode/AgentOS/ipc/internal/shared/errno"
)

// Memory is a task's user address space.
type Memory interface {
	MemRead(addr, size uint64) ([]byte, error)
	MemWrite(addr uint64, p []byte) error
}

// MemReader streams reads from user memory starting at Addr.
type MemReader struct {
	Mem  Memory
	Addr uint64
}

func (m *MemReader) Read(p []byte) (int, error) {
	data, err := m.Mem.MemRead(m.Addr, uint64(len(p)))
	if err != nil {
		return 0, err
	}
	copy(p, data)
	m.Addr += uint64(len(p))
	return len(p), nil
}

// MemWriter streams writes into user memory starting at Addr.
type MemWriter struct {
	Mem  Memory
	Addr uint64
}

func (m *MemWriter) Write(p []byte) (int, error) {
	if err := m.Mem.MemWrite(m.Addr, p); err != nil {
		return 0, err
	}
	m.Addr += uint64(len(p))
	return len(p), nil
}

// CopyFrom fills the record v from user memory at addr. The whole record is
// read before decoding, so a fault leaves v untouched.
func CopyFrom(mem Memory, addr uint64, v interface{}) error {
	if mem == nil {
		return errno.EFAULT
	}
	size, err := struc.Sizeof(v)
	if err != nil {
		return errors.Wrap(err, "sizing user record")
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(&MemReader{Mem: mem, Addr: addr}, buf); err != nil {
		return err
	}
	if err := struc.UnpackWithOrder(bytes.NewReader(buf), v, binary.LittleEndian); err != nil {
		return errors.Wrap(err, "decoding user record")
	}
	return nil
}

// CopyTo stores the record v into user memory at addr.
func CopyTo(mem Memory, addr uint64, v interface{}) error {
	if mem == nil {
		return errno.EFAULT
	}
	var buf bytes.Buffer
	if err := struc.PackWithOrder(&buf, v, binary.LittleEndian); err != nil {
		return errors.Wrap(err, "encoding user record")
	}
	w := &MemWriter{Mem: mem, Addr: addr}
	_, err := w.Write(buf.Bytes())
	return err
}

// Sizeof returns the size of record v in user memory.
func Sizeof(v interface{}) (uint64, error) {
	n, err := struc.Sizeof(v)
	if err != nil {
		return 0, errors.Wrap(err, "sizing user record")
	}
	return uint64(n), nil
}

// ReadBytes copies size raw bytes out of user memory at addr.
func ReadBytes(mem Memory, addr, size uint64) ([]byte, error) {
	if mem == nil {
		return nil, errno.EFAULT
	}
	if size == 0 {
		return []byte{}, nil
	}
	return mem.MemRead(addr, size)
}

// WriteBytes copies p into user memory at addr.
func WriteBytes(mem Memory, addr uint64, p []byte) error {
	if mem == nil {
		return errno.EFAULT
	}
	if len(p) == 0 {
		return nil
	}
	return mem.MemWrite(addr, p)
}

type region struct {
	base uint64
	data []byte
}

func (r *region) end() uint64 { return r.base + uint64(len(r.data)) }

// SparseMemory is an address space made of mapped regions. Accesses that are
// not fully inside one region fault.
type SparseMemory struct {
	mu      sync.RWMutex
	regions []*region
}

// NewSparseMemory creates an empty address space.
func NewSparseMemory() *SparseMemory {
	return &SparseMemory{}
}

// Map adds a zeroed region. Overlapping an existing region is EEXIST.
func (m *SparseMemory) Map(addr, size uint64) error {
	if size == 0 || addr+size < addr {
		return errno.EINVAL
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.regions {
		if addr < r.end() && r.base < addr+size {
			return errno.EEXIST
		}
	}
	m.regions = append(m.regions, &region{base: addr, data: make([]byte, size)})
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].base < m.regions[j].base })
	return nil
}

// Unmap removes the region starting at addr.
func (m *SparseMemory) Unmap(addr uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, r := range m.regions {
		if r.base == addr {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return nil
		}
	}
	return errno.ENOENT
}

// find returns the region containing [addr, addr+size). Caller holds m.mu.
func (m *SparseMemory) find(addr, size uint64) (*region, error) {
	for _, r := range m.regions {
		if addr >= r.base && addr+size <= r.end() && addr+size >= addr {
			return r, nil
		}
	}
	return nil, errors.Wrapf(errno.EFAULT, "access [%#x, +%d)", addr, size)
}

// MemRead implements Memory.
func (m *SparseMemory) MemRead(addr, size uint64) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, err := m.find(addr, size)
	if err != nil {
		return nil, err
	}
	off := addr - r.base
	out := make([]byte, size)
	copy(out, r.data[off:off+size])
	return out, nil
}

// MemWrite implements Memory.
func (m *SparseMemory) MemWrite(addr uint64, p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, err := m.find(addr, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(r.data[addr-r.base:], p)
	return nil
}

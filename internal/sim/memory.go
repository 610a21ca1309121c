package sim

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// localMemory is one worker's L1. Semaphore cells are accessed atomically;
// everything else is plain bytes ordered by the semaphores that guard it.
type localMemory struct {
	data    []byte
	mmapped bool
}

// newLocalMemory maps an anonymous region, falling back to the heap when
// mmap is unavailable.
func newLocalMemory(size int) *localMemory {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err == nil {
		return &localMemory{data: data, mmapped: true}
	}
	return &localMemory{data: make([]byte, size)}
}

func (m *localMemory) Close() error {
	if m.data == nil {
		return nil
	}
	var err error
	if m.mmapped {
		err = unix.Munmap(m.data)
	}
	m.data = nil
	m.mmapped = false
	return err
}

func (m *localMemory) size() int { return len(m.data) }

func (m *localMemory) check(addr uint32, n int) {
	if int(addr)+n > len(m.data) {
		panic(fmt.Sprintf("sim: l1 access [%#x, %#x) beyond %#x", addr, int(addr)+n, len(m.data)))
	}
}

// slice returns a view of n bytes at addr.
func (m *localMemory) slice(addr uint32, n int) []byte {
	m.check(addr, n)
	return m.data[addr : int(addr)+n : int(addr)+n]
}

func (m *localMemory) write(addr uint32, src []byte) {
	copy(m.slice(addr, len(src)), src)
}

func (m *localMemory) cell(addr uint32) *uint32 {
	if addr%4 != 0 {
		panic(fmt.Sprintf("sim: semaphore address %#x not word aligned", addr))
	}
	m.check(addr, 4)
	return (*uint32)(unsafe.Pointer(&m.data[addr]))
}

func (m *localMemory) loadWord(addr uint32) uint32 { return atomic.LoadUint32(m.cell(addr)) }

func (m *localMemory) storeWord(addr, v uint32) { atomic.StoreUint32(m.cell(addr), v) }

func (m *localMemory) addWord(addr, delta uint32) uint32 { return atomic.AddUint32(m.cell(addr), delta) }

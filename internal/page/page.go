// Package page implements the base unit of physical storage: a fixed-capacity
// slot array holding the values of exactly one column. Slots are append-only;
// a committed slot is never rewritten.
package page

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const (
	// Slots is the fixed slot capacity of every page.
	Slots = 512

	headerSize = 8
	magic      = uint32(0x4C535047) // "LSPG"

	// ByteSize is the serialized size of a full page.
	ByteSize = headerSize + Slots*8
)

var (
	// ErrPageFull is returned by Append when no free slot remains.
	ErrPageFull = errors.New("page full")
	// ErrSlotOutOfRange is returned for reads past the high-water mark and
	// writes past the slot capacity.
	ErrSlotOutOfRange = errors.New("slot out of range")
)

// Page is a single-column slot array with an append high-water mark.
//
// Slot positions are handed out by range allocation before the bytes land,
// so writers holding distinct slots of the same page run concurrently. A
// mutex keeps the slot array and the high-water mark coherent; a committed
// slot is never rewritten.
type Page struct {
	mu    sync.RWMutex
	slots [Slots]int64
	count int
}

// New returns an empty page.
func New() *Page {
	return &Page{}
}

// FromBytes deserializes a page previously produced by Bytes.
func FromBytes(data []byte) (*Page, error) {
	if len(data) != ByteSize {
		return nil, fmt.Errorf("page: bad length %d, want %d", len(data), ByteSize)
	}
	if got := binary.LittleEndian.Uint32(data[0:4]); got != magic {
		return nil, fmt.Errorf("page: bad magic %#x", got)
	}
	count := int(binary.LittleEndian.Uint32(data[4:8]))
	if count < 0 || count > Slots {
		return nil, fmt.Errorf("page: bad slot count %d", count)
	}

	p := &Page{count: count}
	for i := 0; i < count; i++ {
		p.slots[i] = int64(binary.LittleEndian.Uint64(data[headerSize+i*8:]))
	}
	return p, nil
}

// Bytes serializes the page. The returned slice is freshly allocated.
func (p *Page) Bytes() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	data := make([]byte, ByteSize)
	binary.LittleEndian.PutUint32(data[0:4], magic)
	binary.LittleEndian.PutUint32(data[4:8], uint32(p.count))
	for i := 0; i < p.count; i++ {
		binary.LittleEndian.PutUint64(data[headerSize+i*8:], uint64(p.slots[i]))
	}
	return data
}

// HasCapacity reports whether at least one free slot remains.
func (p *Page) HasCapacity() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.count < Slots
}

// Count returns the append high-water mark.
func (p *Page) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.count
}

// Append commits v into the next free slot and returns its index.
func (p *Page) Append(v int64) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count >= Slots {
		return 0, ErrPageFull
	}
	slot := p.count
	p.slots[slot] = v
	p.count = slot + 1
	return slot, nil
}

// Read returns the committed value in the given slot.
func (p *Page) Read(slot int) (int64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if slot < 0 || slot >= p.count {
		return 0, fmt.Errorf("%w: slot %d, committed %d", ErrSlotOutOfRange, slot, p.count)
	}
	return p.slots[slot], nil
}

// Write places v into the given slot, raising the high-water mark to cover
// it. Used by writers that received their slot from range allocation; the
// mark can therefore run ahead of lower slots still in flight, which stay
// invisible until their record's directory entry is published.
func (p *Page) Write(slot int, v int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if slot < 0 || slot >= Slots {
		return fmt.Errorf("%w: slot %d", ErrSlotOutOfRange, slot)
	}
	p.slots[slot] = v
	if slot >= p.count {
		p.count = slot + 1
	}
	return nil
}

// Package flash provides a RAM-backed implementation of the flash device
// capability for tests and the demo binary. Production deployments inject a
// real transport driver instead; the coordinator only ever sees the
// types.Device interface.
package flash

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/flashfs/flashfs/pkg/types"
)

// MemDevice simulates a flash chip carved into equally sized partitions.
// Erased bytes read back as 0xFF. Programming is modeled as a plain copy;
// bit-level NOR semantics are not enforced.
//
// The device instruments its own transaction lock: raw I/O performed without
// holding the lock, or concurrently with another transaction, increments
// Violations. Tests use this to assert that the coordinator's device-lock
// bracket actually serializes flash access.
type MemDevice struct {
	mu         sync.Mutex
	partitions [][]byte
	eraseSize  int64

	held       atomic.Bool
	active     atomic.Int32
	violations atomic.Int64

	suspends atomic.Int64

	// NoSuspend makes Suspend report that the hardware has no low-power
	// state.
	NoSuspend bool
}

// NewMemDevice creates a device with the given number of partitions, each
// partitionSize bytes with the given erase granularity. All bytes start
// erased.
func NewMemDevice(numPartitions int, partitionSize, eraseSize int64) *MemDevice {
	d := &MemDevice{
		partitions: make([][]byte, numPartitions),
		eraseSize:  eraseSize,
	}
	for i := range d.partitions {
		p := make([]byte, partitionSize)
		for j := range p {
			p[j] = 0xFF
		}
		d.partitions[i] = p
	}
	return d
}

// ReadAt implements types.Device.
func (d *MemDevice) ReadAt(partition int, addr uint32, dst []byte) error {
	p, err := d.slice(partition, addr, len(dst))
	if err != nil {
		return err
	}
	d.enterIO()
	defer d.leaveIO()
	copy(dst, p)
	return nil
}

// WriteAt implements types.Device.
func (d *MemDevice) WriteAt(partition int, addr uint32, src []byte) error {
	p, err := d.slice(partition, addr, len(src))
	if err != nil {
		return err
	}
	d.enterIO()
	defer d.leaveIO()
	copy(p, src)
	return nil
}

// Erase implements types.Device.
func (d *MemDevice) Erase(partition int, addr uint32, size uint32) error {
	if int64(addr)%d.eraseSize != 0 || int64(size)%d.eraseSize != 0 {
		return fmt.Errorf("erase range %d+%d not aligned to erase size %d", addr, size, d.eraseSize)
	}
	p, err := d.slice(partition, addr, int(size))
	if err != nil {
		return err
	}
	d.enterIO()
	defer d.leaveIO()
	for i := range p {
		p[i] = 0xFF
	}
	return nil
}

// Size implements types.Device.
func (d *MemDevice) Size(partition int) int64 {
	if partition < 0 || partition >= len(d.partitions) {
		return 0
	}
	return int64(len(d.partitions[partition]))
}

// EraseSize implements types.Device.
func (d *MemDevice) EraseSize(partition int) int64 {
	return d.eraseSize
}

// Suspend implements types.Device.
func (d *MemDevice) Suspend() error {
	if d.NoSuspend {
		return types.ErrSuspendUnsupported
	}
	d.suspends.Add(1)
	return nil
}

// Lock implements types.Device.
func (d *MemDevice) Lock() {
	d.mu.Lock()
	d.held.Store(true)
}

// Unlock implements types.Device.
func (d *MemDevice) Unlock() {
	d.held.Store(false)
	d.mu.Unlock()
}

// Suspends returns how many times the device was suspended.
func (d *MemDevice) Suspends() int64 {
	return d.suspends.Load()
}

// Violations returns how many raw I/O calls ran outside the transaction
// lock or overlapped another transaction.
func (d *MemDevice) Violations() int64 {
	return d.violations.Load()
}

func (d *MemDevice) slice(partition int, addr uint32, n int) ([]byte, error) {
	if partition < 0 || partition >= len(d.partitions) {
		return nil, fmt.Errorf("partition %d out of range", partition)
	}
	p := d.partitions[partition]
	end := int64(addr) + int64(n)
	if end > int64(len(p)) {
		return nil, fmt.Errorf("access %d+%d beyond partition size %d", addr, n, len(p))
	}
	return p[addr:end], nil
}

func (d *MemDevice) enterIO() {
	if !d.held.Load() {
		d.violations.Add(1)
	}
	if d.active.Add(1) > 1 {
		d.violations.Add(1)
	}
}

func (d *MemDevice) leaveIO() {
	d.active.Add(-1)
}

var _ types.Device = (*MemDevice)(nil)

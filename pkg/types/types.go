// Package types defines the shared contracts between the FlashFS coordinator,
// the filesystem engine adapter, and device implementations. Keeping these
// here lets the coordinator, the async record worker, and external device
// drivers depend on one small package instead of on each other.
package types

import "errors"

// Device is the flash device capability consumed by FlashFS. It abstracts a
// raw flash transport (SPI, QSPI, memory-mapped) carved into logical
// partitions. FlashFS never implements this interface itself; drivers are
// injected at initialization.
//
// Lock and Unlock bracket every raw flash transaction. When multiple
// filesystem instances share one physical device, this bracket is the only
// thing serializing their bus access, so implementations must provide a real
// mutual exclusion primitive, not a no-op.
type Device interface {
	// ReadAt fills dst from the partition starting at addr.
	ReadAt(partition int, addr uint32, dst []byte) error

	// WriteAt programs src into the partition starting at addr. Flash
	// semantics apply: only previously erased ranges accept writes.
	WriteAt(partition int, addr uint32, src []byte) error

	// Erase resets the given range to the erased state. addr and size are
	// expected to be aligned to EraseSize.
	Erase(partition int, addr uint32, size uint32) error

	// Size returns the usable byte size of the partition.
	Size(partition int) int64

	// EraseSize returns the erase block granularity of the partition.
	EraseSize(partition int) int64

	// Suspend places the device into its low-power state. Devices that
	// auto-wake on bus activity may be suspended opportunistically at any
	// quiet moment. Implementations without power management return
	// ErrSuspendUnsupported.
	Suspend() error

	// Lock acquires the device-wide transaction lock.
	Lock()

	// Unlock releases the device-wide transaction lock.
	Unlock()
}

// ErrSuspendUnsupported is returned by Device.Suspend when the underlying
// hardware has no low-power state. The coordinator treats it as a successful
// no-op.
var ErrSuspendUnsupported = errors.New("device does not support suspend")

// OpenFlag controls how the engine opens a file. The values map directly to
// the engine's open flags.
type OpenFlag uint32

const (
	// Append positions every write at the end of the file.
	Append OpenFlag = 1 << 0
	// Trunc discards existing content on open.
	Trunc OpenFlag = 1 << 1
	// Creat creates the file if it does not exist.
	Creat OpenFlag = 1 << 2
	// ReadOnly opens the file for reading.
	ReadOnly OpenFlag = 1 << 3
	// WriteOnly opens the file for writing.
	WriteOnly OpenFlag = 1 << 4
	// ReadWrite opens the file for both reading and writing.
	ReadWrite OpenFlag = ReadOnly | WriteOnly
)

// Whence selects the origin for Seek, mapping directly to the engine's seek
// origins.
type Whence int

const (
	// SeekSet seeks relative to the start of the file.
	SeekSet Whence = 0
	// SeekCur seeks relative to the current position.
	SeekCur Whence = 1
	// SeekEnd seeks relative to the end of the file.
	SeekEnd Whence = 2
)

// FileStat carries the file metadata surfaced by the coordinator. The engine
// tracks more (object id, page spans), but only the size is part of the
// public contract.
type FileStat struct {
	Size int64
}

// VolumeInfo reports engine-level capacity for one filesystem instance.
type VolumeInfo struct {
	Total int64
	Used  int64
}

// RecordCallback is invoked by the async record worker exactly once per
// accepted job. Result is the engine's signed result: the byte count on
// success, a negative engine code on failure. Userdata is the value the
// caller handed to WriteRecord/ReadRecord, passed through untouched.
type RecordCallback func(result int32, userdata any)

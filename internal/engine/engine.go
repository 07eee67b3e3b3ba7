// Package engine defines the contract FlashFS expects from an embedded flash
// filesystem engine (SPIFFS-class: page/block allocation, wear handling, and
// garbage collection live inside the engine, not here). The coordinator
// consumes this interface; it never reaches into engine internals.
package engine

import (
	"errors"
	"fmt"

	ferrors "github.com/flashfs/flashfs/pkg/errors"
	"github.com/flashfs/flashfs/pkg/types"
)

// Handle is the engine's raw file handle. Valid handles are always >= 1;
// the coordinator relies on this when packing handles into generation-tagged
// descriptors.
type Handle int32

// Error is an engine error carrying the engine's signed result code.
// Codes are negative by convention; 0 means success.
type Error struct {
	Code int32
	Name string
}

func (e *Error) Error() string {
	return fmt.Sprintf("engine: %s (%d)", e.Name, e.Code)
}

// Engine error taxonomy. The coordinator passes these through to callers
// unchanged; the async record worker reports their codes via callbacks.
var (
	ErrNotMounted     = &Error{Code: -10000, Name: "not mounted"}
	ErrFull           = &Error{Code: -10001, Name: "filesystem full"}
	ErrNotFound       = &Error{Code: -10002, Name: "not found"}
	ErrEndOfObject    = &Error{Code: -10003, Name: "end of object"}
	ErrNotWritable    = &Error{Code: -10021, Name: "not writable"}
	ErrNotReadable    = &Error{Code: -10022, Name: "not readable"}
	ErrNotAFilesystem = &Error{Code: -10025, Name: "not a filesystem"}
	ErrMounted        = &Error{Code: -10026, Name: "already mounted"}
	ErrBadHandle      = &Error{Code: -10033, Name: "bad file handle"}
	ErrInternal       = &Error{Code: -10050, Name: "internal error"}
)

// Errno extracts the engine's signed code from err. A nil error yields 0;
// a non-engine error yields ErrInternal's code.
func Errno(err error) int32 {
	if err == nil {
		return 0
	}
	var eerr *Error
	if errors.As(err, &eerr) {
		return eerr.Code
	}
	return ErrInternal.Code
}

// HAL holds the three low-level flash callbacks an engine drives. All
// addresses are relative to the partition the HAL was bound to.
type HAL struct {
	Read  func(addr uint32, dst []byte) error
	Write func(addr uint32, src []byte) error
	Erase func(addr uint32, size uint32) error
}

// Config carries the geometry and HAL binding an engine mounts with.
type Config struct {
	// PhysSize is the usable byte size of the partition.
	PhysSize uint32
	// PhysEraseBlock is the device's erase granularity.
	PhysEraseBlock uint32
	// LogBlockSize is the engine's logical block size.
	LogBlockSize uint32
	// LogPageSize is the engine's logical page size.
	LogPageSize uint32
	// HAL is the flash access binding for this partition.
	HAL HAL
}

// Engine is the filesystem engine capability consumed by the coordinator.
// Every method returns an engine *Error (or nil); the ok == 0, negative ==
// error convention of the underlying engine maps onto Go errors via Errno.
//
// Engines are not required to be goroutine safe. The coordinator serializes
// all calls through the per-instance mutex.
type Engine interface {
	// Mount attaches the engine to the flash described by cfg. Mounting a
	// partition that has never been formatted fails with ErrNotAFilesystem.
	Mount(cfg Config) error

	// Unmount detaches the engine. Open handles become invalid.
	Unmount()

	// Format writes a fresh empty filesystem. Called with the engine
	// unmounted (or after a failed mount).
	Format(cfg Config) error

	// Open opens or creates a file according to flags.
	Open(path string, flags types.OpenFlag) (Handle, error)

	// Read fills buf from the file's current position.
	Read(h Handle, buf []byte) (int, error)

	// Write stores buf at the file's current position (or at the end, for
	// append-mode handles).
	Write(h Handle, buf []byte) (int, error)

	// Seek repositions the file offset.
	Seek(h Handle, offset int64, whence types.Whence) (int64, error)

	// Flush forces buffered writes for the handle out to flash.
	Flush(h Handle) error

	// Close releases the handle.
	Close(h Handle) error

	// Remove deletes a file by path.
	Remove(path string) error

	// Stat reports metadata for an open handle.
	Stat(h Handle) (types.FileStat, error)

	// Info reports total and used bytes for the volume.
	Info() (types.VolumeInfo, error)
}

// Numeric widths of the engine's on-flash index structures. Pages, blocks,
// and object ids are addressed with 16-bit indexes; a geometry whose counts
// exceed these widths would be silently truncated on flash and corrupt the
// filesystem undetectably.
const (
	maxPageIndex  = 1<<16 - 1
	maxBlockIndex = 1<<16 - 1
)

// CheckGeometry validates that the engine's index widths can represent the
// configured partition. A violation is a fatal configuration error: the
// caller must refuse to bring the instance up.
func CheckGeometry(physSize, pageSize, blockSize uint32) error {
	if pageSize == 0 || blockSize == 0 {
		return ferrors.NewError(ferrors.ErrCodeInvalidConfig,
			"page and block sizes must be greater than zero").
			WithComponent("engine")
	}
	if blockSize%pageSize != 0 {
		return ferrors.NewError(ferrors.ErrCodeInvalidConfig,
			fmt.Sprintf("block size %d is not a multiple of page size %d", blockSize, pageSize)).
			WithComponent("engine")
	}
	if physSize%blockSize != 0 {
		return ferrors.NewError(ferrors.ErrCodeInvalidConfig,
			fmt.Sprintf("partition size %d is not a multiple of block size %d", physSize, blockSize)).
			WithComponent("engine")
	}
	if pages := physSize / pageSize; pages > maxPageIndex {
		return ferrors.NewError(ferrors.ErrCodeGeometryOverflow,
			fmt.Sprintf("%d pages exceed the engine's 16-bit page index", pages)).
			WithComponent("engine")
	}
	if blocks := physSize / blockSize; blocks > maxBlockIndex {
		return ferrors.NewError(ferrors.ErrCodeGeometryOverflow,
			fmt.Sprintf("%d blocks exceed the engine's 16-bit block index", blocks)).
			WithComponent("engine")
	}
	return nil
}

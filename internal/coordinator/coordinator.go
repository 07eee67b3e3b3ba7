// Package coordinator implements the multi-instance filesystem access
// coordinator at the heart of FlashFS.
//
// Each instance binds one flash partition to one filesystem engine and owns
// a mutex, a mount generation counter, and a ready flag. Every synchronous
// operation runs under the same bracket: acquire the instance mutex, abort
// any pending device suspension, wait until the instance is mounted, verify
// the descriptor's generation, and hold the device transaction lock for the
// duration of the engine call. The device lock is deliberately coarser than
// the instance mutex: instances sharing one physical flash chip serialize
// their raw transactions through it while otherwise proceeding in parallel.
//
// Descriptors pack the instance's mount generation into their upper bits.
// A remount advances the generation, which invalidates every descriptor
// opened before it without the engine ever seeing the stale handle.
package coordinator

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flashfs/flashfs/internal/config"
	"github.com/flashfs/flashfs/internal/engine"
	"github.com/flashfs/flashfs/internal/metrics"
	ferrors "github.com/flashfs/flashfs/pkg/errors"
	"github.com/flashfs/flashfs/pkg/types"
)

// FD is a generation-tagged file descriptor: (generation << 16) | handle.
// Raw engine handles are >= 1, so a valid FD is never zero and callers can
// use the zero value as "no descriptor".
type FD int32

func packFD(generation uint8, h engine.Handle) FD {
	return FD(uint32(generation)<<16 | uint32(h)&0xFFFF)
}

// Generation returns the mount generation the descriptor was opened under.
func (fd FD) Generation() uint8 {
	return uint8(fd >> 16)
}

// Handle returns the raw engine handle.
func (fd FD) Handle() engine.Handle {
	return engine.Handle(fd & 0xFFFF)
}

// Scheduler is the suspend scheduler consumed by the coordinator. Plan arms
// the debounce window after a completed access; Abort cancels it before a
// new one. A nil Scheduler disables suspend management.
type Scheduler interface {
	Plan(instance int)
	Abort(instance int)
}

// Coordinator owns the fixed set of filesystem instances. All methods are
// safe for concurrent use.
type Coordinator struct {
	logger    *slog.Logger
	collector *metrics.Collector

	mu        sync.Mutex // guards started and scheduler wiring
	scheduler Scheduler
	started   bool

	instances [config.MaxInstances]*instance
}

type instance struct {
	id        int
	mu        sync.Mutex
	cond      *sync.Cond // signaled when ready or failed changes
	ready     bool
	failed    bool // both mount attempts failed; cleared by a successful remount
	driver    types.Device
	eng       engine.Engine
	partition int

	// mountCount is the descriptor generation, incremented once per
	// successful (re)mount. Eight bits wide to match the descriptor
	// packing; wrap-around after 256 remounts is accepted.
	mountCount uint8

	cfg engine.Config
}

// New creates an empty coordinator. Instances are added with Init and
// brought up with Start.
func New(logger *slog.Logger, collector *metrics.Collector) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		logger:    logger.With("component", "coordinator"),
		collector: collector,
	}
}

// SetScheduler wires the suspend scheduler. Must be called before Start.
func (c *Coordinator) SetScheduler(s Scheduler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.scheduler = s
}

// Init configures one instance: partition binding, engine geometry, and
// collaborators. The geometry is validated against the engine's index
// widths; an overflow is a fatal configuration error because silently
// truncated indexes would corrupt the filesystem undetectably.
func (c *Coordinator) Init(id int, ic config.InstanceConfig, driver types.Device, eng engine.Engine) error {
	if id < 0 || id >= config.MaxInstances {
		return ferrors.NewError(ferrors.ErrCodeInvalidConfig,
			fmt.Sprintf("instance %d out of range 0..%d", id, config.MaxInstances-1)).
			WithComponent("coordinator")
	}
	if driver == nil || eng == nil {
		return ferrors.NewError(ferrors.ErrCodeInvalidConfig,
			"instance requires a device driver and an engine").
			WithComponent("coordinator").WithInstance(id)
	}

	physSize := driver.Size(ic.Partition)
	if physSize <= 0 {
		return ferrors.NewError(ferrors.ErrCodeInvalidConfig,
			fmt.Sprintf("partition %d reports size %d", ic.Partition, physSize)).
			WithComponent("coordinator").WithInstance(id)
	}
	if err := engine.CheckGeometry(uint32(physSize), ic.PageSize, ic.BlockSize); err != nil {
		return err
	}

	in := &instance{
		id:        id,
		driver:    driver,
		eng:       eng,
		partition: ic.Partition,
		cfg: engine.Config{
			PhysSize:       uint32(physSize),
			PhysEraseBlock: uint32(driver.EraseSize(ic.Partition)),
			LogBlockSize:   ic.BlockSize,
			LogPageSize:    ic.PageSize,
			HAL:            engine.NewHAL(driver, ic.Partition),
		},
	}
	in.cond = sync.NewCond(&in.mu)
	c.instances[id] = in

	c.logger.Debug("instance configured",
		"instance", id,
		"partition", ic.Partition,
		"size", physSize,
		"page_size", ic.PageSize,
		"block_size", ic.BlockSize)
	return nil
}

// Start mounts every configured instance. A mount failure is retried once
// after formatting the partition; failing both leaves that instance
// permanently unusable (operations on it fail without reaching the engine
// until a later Remount succeeds) while the remaining instances come up
// normally.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ferrors.NewError(ferrors.ErrCodeAlreadyStarted, "coordinator already started").
			WithComponent("coordinator")
	}
	c.started = true
	c.mu.Unlock()

	for _, in := range c.instances {
		if in == nil {
			continue
		}
		in.mu.Lock()
		c.mountLocked(in)
		in.mu.Unlock()
	}
	return nil
}

// Remount takes an instance down and mounts it again, advancing the
// descriptor generation. Every descriptor opened before the remount is
// invalidated.
func (c *Coordinator) Remount(id int) error {
	in, err := c.instance(id)
	if err != nil {
		return err
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	in.ready = false
	in.eng.Unmount()
	c.mountLocked(in)
	if !in.ready {
		return ferrors.NewError(ferrors.ErrCodeMountFailed, "remount failed").
			WithComponent("coordinator").WithInstance(id)
	}
	return nil
}

// mountLocked mounts one instance with the format-and-retry-once fallback.
// Caller holds the instance mutex.
func (c *Coordinator) mountLocked(in *instance) {
	c.logger.Debug("mounting", "instance", in.id)
	in.driver.Lock()

	err := in.eng.Mount(in.cfg)
	if err != nil {
		c.logger.Info("mount failed, formatting", "instance", in.id, "error", err)
		if ferr := in.eng.Format(in.cfg); ferr != nil {
			c.logger.Error("format failed", "instance", in.id, "error", ferr)
		}
		err = in.eng.Mount(in.cfg)
	}

	if err != nil {
		in.driver.Unlock()
		in.failed = true
		in.cond.Broadcast()
		c.collector.RecordMount(in.id, false)
		c.logger.Error("mount failed after format, instance unusable", "instance", in.id, "error", err)
		return
	}

	info, ierr := in.eng.Info()
	in.driver.Unlock()

	in.mountCount++
	in.ready = true
	in.failed = false
	in.cond.Broadcast()
	c.collector.RecordMount(in.id, true)

	if ierr == nil {
		c.logger.Info("instance ready",
			"instance", in.id,
			"generation", in.mountCount,
			"total", info.Total,
			"used", info.Used)
	} else {
		c.logger.Info("instance ready", "instance", in.id, "generation", in.mountCount)
	}
}

// Ready reports whether an instance is mounted. Instances that failed the
// format-and-retry fallback stay not ready and reject operations until a
// Remount succeeds.
func (c *Coordinator) Ready(id int) bool {
	in, err := c.instance(id)
	if err != nil {
		return false
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.ready
}

// Configured reports whether an instance has been initialized.
func (c *Coordinator) Configured(id int) bool {
	in, err := c.instance(id)
	return err == nil && in != nil
}

// Open opens a file and returns a generation-tagged descriptor.
func (c *Coordinator) Open(id int, path string, flags types.OpenFlag) (FD, error) {
	in, err := c.instance(id)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	if err := c.enter(in); err != nil {
		return 0, err
	}
	in.driver.Lock()
	c.logger.Debug("open", "instance", id, "path", path)
	h, err := in.eng.Open(path, flags)
	in.driver.Unlock()
	var fd FD
	if err == nil {
		fd = packFD(in.mountCount, h)
	}
	c.leave(in)

	c.collector.RecordOperation(id, "open", time.Since(start), err == nil)
	return fd, err
}

// Read reads up to len(buf) bytes from the descriptor's current position.
func (c *Coordinator) Read(id int, fd FD, buf []byte) (int, error) {
	var n int
	err := c.withDescriptor(id, "read", fd, func(in *instance) error {
		var err error
		n, err = in.eng.Read(fd.Handle(), buf)
		return err
	})
	return n, err
}

// Write writes len(buf) bytes at the descriptor's current position.
func (c *Coordinator) Write(id int, fd FD, buf []byte) (int, error) {
	var n int
	err := c.withDescriptor(id, "write", fd, func(in *instance) error {
		var err error
		n, err = in.eng.Write(fd.Handle(), buf)
		return err
	})
	return n, err
}

// Seek repositions the descriptor's file offset.
func (c *Coordinator) Seek(id int, fd FD, offset int64, whence types.Whence) (int64, error) {
	var pos int64
	err := c.withDescriptor(id, "seek", fd, func(in *instance) error {
		var err error
		pos, err = in.eng.Seek(fd.Handle(), offset, whence)
		return err
	})
	return pos, err
}

// Stat reports file metadata for an open descriptor. Only the size field of
// the engine's status structure is surfaced.
func (c *Coordinator) Stat(id int, fd FD) (types.FileStat, error) {
	var st types.FileStat
	err := c.withDescriptor(id, "stat", fd, func(in *instance) error {
		var err error
		st, err = in.eng.Stat(fd.Handle())
		return err
	})
	return st, err
}

// Flush forces buffered engine state for the descriptor out to flash.
func (c *Coordinator) Flush(id int, fd FD) error {
	return c.withDescriptor(id, "flush", fd, func(in *instance) error {
		return in.eng.Flush(fd.Handle())
	})
}

// Close releases the descriptor.
func (c *Coordinator) Close(id int, fd FD) error {
	return c.withDescriptor(id, "close", fd, func(in *instance) error {
		return in.eng.Close(fd.Handle())
	})
}

// Unlink removes a file by path. It requires no descriptor and is therefore
// independent of the mount generation.
func (c *Coordinator) Unlink(id int, path string) error {
	in, err := c.instance(id)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := c.enter(in); err != nil {
		return err
	}
	in.driver.Lock()
	c.logger.Debug("unlink", "instance", id, "path", path)
	err = in.eng.Remove(path)
	in.driver.Unlock()
	c.leave(in)

	c.collector.RecordOperation(id, "unlink", time.Since(start), err == nil)
	return err
}

// Info reports volume capacity for an instance.
func (c *Coordinator) Info(id int) (types.VolumeInfo, error) {
	in, err := c.instance(id)
	if err != nil {
		return types.VolumeInfo{}, err
	}

	start := time.Now()
	if err := c.enter(in); err != nil {
		return types.VolumeInfo{}, err
	}
	in.driver.Lock()
	info, err := in.eng.Info()
	in.driver.Unlock()
	c.leave(in)

	c.collector.RecordOperation(id, "info", time.Since(start), err == nil)
	return info, err
}

// Suspend places the instance's device into its low-power state. Called by
// the record worker when the debounce window expires. An instance that is
// not ready, or a device without suspend support, makes this a no-op.
func (c *Coordinator) Suspend(id int) {
	in, err := c.instance(id)
	if err != nil {
		return
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.ready {
		return
	}

	in.driver.Lock()
	err = in.driver.Suspend()
	in.driver.Unlock()

	switch err {
	case nil:
		c.collector.RecordSuspend(id)
		c.logger.Debug("device suspended", "instance", id)
	case types.ErrSuspendUnsupported:
		// Nothing to do for devices without power management.
	default:
		c.logger.Warn("suspend failed", "instance", id, "error", err)
	}
}

// ResultCode flattens an operation error into the engine's signed result
// convention used by the async record callbacks: 0 for success, -1 for a
// stale descriptor, the engine's code otherwise.
func ResultCode(err error) int32 {
	if err == nil {
		return 0
	}
	if ferrors.IsCode(err, ferrors.ErrCodeStaleDescriptor) {
		return -1
	}
	return engine.Errno(err)
}

// withDescriptor runs op under the full access bracket: instance mutex,
// suspend abort, ready wait, generation check, and the device transaction
// lock around the engine call.
func (c *Coordinator) withDescriptor(id int, name string, fd FD, op func(in *instance) error) error {
	in, err := c.instance(id)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := c.enter(in); err != nil {
		return err
	}
	if fd.Generation() != in.mountCount {
		c.leave(in)
		c.collector.RecordStaleDescriptor(id)
		c.logger.Warn("stale descriptor",
			"instance", id,
			"operation", name,
			"descriptor_generation", fd.Generation(),
			"mount_generation", in.mountCount)
		return ferrors.NewError(ferrors.ErrCodeStaleDescriptor,
			"descriptor predates the current mount").
			WithComponent("coordinator").WithOperation(name).WithInstance(id).WithErrno(-1)
	}

	in.driver.Lock()
	err = op(in)
	in.driver.Unlock()
	c.leave(in)

	c.collector.RecordOperation(id, name, time.Since(start), err == nil)
	return err
}

// enter acquires the instance mutex, cancels any pending suspension, and
// blocks until the instance is mounted. Callers block through transient
// not-ready windows (a remount in progress); an instance that exhausted the
// format-and-retry fallback fails fast instead, holding nothing. On error
// the mutex is released.
func (c *Coordinator) enter(in *instance) error {
	in.mu.Lock()
	if s := c.schedulerRef(); s != nil {
		s.Abort(in.id)
	}
	for !in.ready && !in.failed {
		in.cond.Wait()
	}
	if !in.ready {
		in.mu.Unlock()
		return ferrors.NewError(ferrors.ErrCodeNotReady,
			"instance failed to mount and was not remounted").
			WithComponent("coordinator").WithInstance(in.id)
	}
	return nil
}

// leave re-arms the suspend debounce window and releases the instance
// mutex. Re-arming after every access naturally extends the device's awake
// window under sustained traffic.
func (c *Coordinator) leave(in *instance) {
	if s := c.schedulerRef(); s != nil {
		s.Plan(in.id)
	}
	in.mu.Unlock()
}

func (c *Coordinator) schedulerRef() Scheduler {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.scheduler
}

func (c *Coordinator) instance(id int) (*instance, error) {
	if id < 0 || id >= config.MaxInstances || c.instances[id] == nil {
		return nil, ferrors.NewError(ferrors.ErrCodeNotInitialized,
			fmt.Sprintf("instance %d is not configured", id)).
			WithComponent("coordinator").WithInstance(id)
	}
	return c.instances[id], nil
}

// Package record implements the async record worker: whole-file reads and
// writes performed on a background goroutine so callers are never stalled by
// flash latency. Jobs flow through bounded FIFO queues; every accepted job
// reports its outcome through its callback exactly once, and rejected jobs
// never invoke the callback at all.
//
// The same worker services the suspend scheduler's notifications, so device
// suspension and deferred I/O share one goroutine and never race each other.
package record

import (
	"log/slog"
	"math"

	"github.com/flashfs/flashfs/internal/coordinator"
	"github.com/flashfs/flashfs/internal/metrics"
	"github.com/flashfs/flashfs/pkg/types"
)

type job struct {
	instance int
	path     string
	data     []byte
	callback types.RecordCallback
	userdata any
}

// Worker owns the record queues and the background goroutine draining them.
type Worker struct {
	logger    *slog.Logger
	collector *metrics.Collector
	coord     *coordinator.Coordinator

	writeQ    chan *job
	readQ     chan *job
	suspendCh <-chan int

	stopCh  chan struct{}
	stopped chan struct{}
}

// NewWorker creates the worker and starts its goroutine. queueDepth bounds
// each of the write and read queues. suspendCh may be nil when suspend
// management is disabled.
func NewWorker(coord *coordinator.Coordinator, queueDepth int, suspendCh <-chan int,
	logger *slog.Logger, collector *metrics.Collector) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if queueDepth < 1 {
		queueDepth = 1
	}

	w := &Worker{
		logger:    logger.With("component", "record"),
		collector: collector,
		coord:     coord,
		writeQ:    make(chan *job, queueDepth),
		readQ:     make(chan *job, queueDepth),
		suspendCh: suspendCh,
		stopCh:    make(chan struct{}),
		stopped:   make(chan struct{}),
	}

	go w.run()
	return w
}

// WriteRecord queues a whole-file write of data to path. With wait false the
// enqueue is non-blocking: a full queue or invalid parameters return 0 and
// the callback is never invoked — a 0 return means no operation will happen.
// With wait true the call blocks until queue space frees up. An accepted job
// returns len(data); the callback later reports the engine's write result.
func (w *Worker) WriteRecord(instance int, path string, data []byte, wait bool,
	callback types.RecordCallback, userdata any) int32 {
	j, ok := w.makeJob(instance, path, data, callback, userdata)
	if !ok {
		return 0
	}
	if !w.enqueue(w.writeQ, j, wait) {
		w.logger.Warn("write queue full", "instance", instance, "path", path)
		return 0
	}
	w.collector.UpdateQueueDepth("write", len(w.writeQ))
	return int32(len(data))
}

// ReadRecord queues a whole-file read from path into data. Semantics mirror
// WriteRecord: 0 means rejected and no callback; len(data) means accepted,
// with the engine's read result delivered through the callback.
func (w *Worker) ReadRecord(instance int, path string, data []byte, wait bool,
	callback types.RecordCallback, userdata any) int32 {
	j, ok := w.makeJob(instance, path, data, callback, userdata)
	if !ok {
		return 0
	}
	if !w.enqueue(w.readQ, j, wait) {
		w.logger.Warn("read queue full", "instance", instance, "path", path)
		return 0
	}
	w.collector.UpdateQueueDepth("read", len(w.readQ))
	return int32(len(data))
}

// Close stops the worker after the job in flight completes. Jobs still
// queued are not serviced; their callbacks never fire, which matches the
// "accepted but process shut down" crash semantics callers must already
// tolerate.
func (w *Worker) Close() {
	close(w.stopCh)
	<-w.stopped
}

func (w *Worker) makeJob(instance int, path string, data []byte,
	callback types.RecordCallback, userdata any) (*job, bool) {
	if !w.coord.Configured(instance) || path == "" || len(data) == 0 ||
		len(data) > math.MaxInt32 || callback == nil {
		w.logger.Warn("record job rejected", "instance", instance, "path", path, "len", len(data))
		return nil, false
	}
	return &job{
		instance: instance,
		path:     path,
		data:     data,
		callback: callback,
		userdata: userdata,
	}, true
}

func (w *Worker) enqueue(q chan *job, j *job, wait bool) bool {
	select {
	case <-w.stopCh:
		return false
	default:
	}
	if wait {
		select {
		case q <- j:
			return true
		case <-w.stopCh:
			return false
		}
	}
	select {
	case q <- j:
		return true
	default:
		return false
	}
}

func (w *Worker) run() {
	defer close(w.stopped)

	for {
		select {
		case <-w.stopCh:
			return
		case j := <-w.writeQ:
			w.drainWrites(j)
		case j := <-w.readQ:
			w.drainReads(j)
		case instance := <-w.suspendCh:
			w.coord.Suspend(instance)
		}
	}
}

// drainWrites services j and then empties the write queue before returning
// to the main select, so queued writes are fully drained before the worker
// yields to the read branch.
func (w *Worker) drainWrites(j *job) {
	for {
		w.handleWrite(j)
		w.collector.UpdateQueueDepth("write", len(w.writeQ))
		select {
		case j = <-w.writeQ:
		default:
			return
		}
	}
}

func (w *Worker) drainReads(j *job) {
	for {
		w.handleRead(j)
		w.collector.UpdateQueueDepth("read", len(w.readQ))
		select {
		case j = <-w.readQ:
		default:
			return
		}
	}
}

// handleWrite opens the target write-only, falling back to creating it, and
// writes the record. Failures are reported through the callback, never
// retried, and never take the worker down.
func (w *Worker) handleWrite(j *job) {
	w.logger.Debug("write record", "instance", j.instance, "path", j.path, "len", len(j.data))

	fd, err := w.coord.Open(j.instance, j.path, types.WriteOnly)
	if err != nil {
		fd, err = w.coord.Open(j.instance, j.path, types.Trunc|types.Creat|types.WriteOnly)
	}
	if err != nil {
		w.logger.Warn("cannot open or create record", "instance", j.instance, "path", j.path, "error", err)
		j.callback(coordinator.ResultCode(err), j.userdata)
		return
	}

	n, werr := w.coord.Write(j.instance, fd, j.data)
	if cerr := w.coord.Close(j.instance, fd); cerr != nil {
		w.logger.Warn("close after write failed", "instance", j.instance, "path", j.path, "error", cerr)
	}

	if werr != nil {
		j.callback(coordinator.ResultCode(werr), j.userdata)
		return
	}
	j.callback(int32(n), j.userdata)
}

// handleRead opens the source read-only and fills the job's buffer. Unlike
// the write branch there is no create fallback: a missing record is a
// failure reported through the callback.
func (w *Worker) handleRead(j *job) {
	w.logger.Debug("read record", "instance", j.instance, "path", j.path, "len", len(j.data))

	fd, err := w.coord.Open(j.instance, j.path, types.ReadOnly)
	if err != nil {
		w.logger.Warn("cannot open record", "instance", j.instance, "path", j.path, "error", err)
		j.callback(coordinator.ResultCode(err), j.userdata)
		return
	}

	n, rerr := w.coord.Read(j.instance, fd, j.data)
	if cerr := w.coord.Close(j.instance, fd); cerr != nil {
		w.logger.Warn("close after read failed", "instance", j.instance, "path", j.path, "error", cerr)
	}

	if rerr != nil {
		j.callback(coordinator.ResultCode(rerr), j.userdata)
		return
	}
	j.callback(int32(n), j.userdata)
}

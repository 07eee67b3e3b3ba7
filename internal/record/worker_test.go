package record

import (
	"bytes"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/flashfs/flashfs/internal/config"
	"github.com/flashfs/flashfs/internal/coordinator"
	"github.com/flashfs/flashfs/internal/engine"
	"github.com/flashfs/flashfs/internal/engine/enginetest"
	"github.com/flashfs/flashfs/internal/flash"
)

const callbackTimeout = 5 * time.Second

func newTestCoordinator(t *testing.T, eng *enginetest.Engine) (*coordinator.Coordinator, *flash.MemDevice) {
	t.Helper()

	device := flash.NewMemDevice(1, 64*1024, 4*1024)
	coord := coordinator.New(nil, nil)
	err := coord.Init(0, config.InstanceConfig{
		Partition: 0,
		PageSize:  256,
		BlockSize: 4 * 1024,
	}, device, eng)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := coord.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return coord, device
}

func awaitResult(t *testing.T, results <-chan int32) int32 {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(callbackTimeout):
		t.Fatal("callback did not fire")
		return 0
	}
}

func TestRecordRoundTrip(t *testing.T) {
	eng := enginetest.New()
	coord, _ := newTestCoordinator(t, eng)
	w := NewWorker(coord, 4, nil, nil, nil)
	defer w.Close()

	payload := []byte("calibration-record-payload")
	type ctx struct{ tag string }
	userdata := &ctx{tag: "round-trip"}
	results := make(chan int32, 1)
	cb := func(result int32, ud any) {
		if got, ok := ud.(*ctx); !ok || got != userdata {
			t.Errorf("userdata = %v, want %v", ud, userdata)
		}
		results <- result
	}

	if n := w.WriteRecord(0, "cal.bin", payload, true, cb, userdata); n != int32(len(payload)) {
		t.Fatalf("WriteRecord = %d, want %d", n, len(payload))
	}
	if r := awaitResult(t, results); r != int32(len(payload)) {
		t.Fatalf("write result = %d, want %d", r, len(payload))
	}

	got := make([]byte, len(payload))
	if n := w.ReadRecord(0, "cal.bin", got, true, cb, userdata); n != int32(len(payload)) {
		t.Fatalf("ReadRecord = %d, want %d", n, len(payload))
	}
	if r := awaitResult(t, results); r != int32(len(payload)) {
		t.Fatalf("read result = %d, want %d", r, len(payload))
	}
	if !bytes.Equal(payload, got) {
		t.Errorf("read back %q, want %q", got, payload)
	}
}

func TestWriteRecordCreatesMissingFile(t *testing.T) {
	eng := enginetest.New()
	coord, _ := newTestCoordinator(t, eng)
	w := NewWorker(coord, 4, nil, nil, nil)
	defer w.Close()

	results := make(chan int32, 1)
	cb := func(result int32, userdata any) { results <- result }

	// The plain write-only open fails for a missing file; the worker falls
	// back to creating it.
	payload := []byte("first-write")
	if n := w.WriteRecord(0, "new.bin", payload, true, cb, nil); n != int32(len(payload)) {
		t.Fatalf("WriteRecord = %d", n)
	}
	if r := awaitResult(t, results); r != int32(len(payload)) {
		t.Fatalf("write result = %d, want %d", r, len(payload))
	}
}

func TestWriteRecordOverwritesFromStart(t *testing.T) {
	eng := enginetest.New()
	coord, _ := newTestCoordinator(t, eng)
	w := NewWorker(coord, 4, nil, nil, nil)
	defer w.Close()

	results := make(chan int32, 1)
	cb := func(result int32, userdata any) { results <- result }

	long := []byte("a-rather-long-first-record")
	if n := w.WriteRecord(0, "rec.bin", long, true, cb, nil); n != int32(len(long)) {
		t.Fatalf("WriteRecord = %d", n)
	}
	awaitResult(t, results)

	short := []byte("short")
	if n := w.WriteRecord(0, "rec.bin", short, true, cb, nil); n != int32(len(short)) {
		t.Fatalf("WriteRecord = %d", n)
	}
	awaitResult(t, results)

	// The existing file opens write-only without truncation, so the second
	// write overwrites the record from position zero.
	got := make([]byte, len(short))
	if n := w.ReadRecord(0, "rec.bin", got, true, cb, nil); n != int32(len(short)) {
		t.Fatalf("ReadRecord = %d", n)
	}
	if r := awaitResult(t, results); r != int32(len(short)) {
		t.Fatalf("read result = %d", r)
	}
	if !bytes.Equal(short, got) {
		t.Errorf("read back %q, want %q", got, short)
	}
}

func TestReadRecordMissingFile(t *testing.T) {
	eng := enginetest.New()
	coord, _ := newTestCoordinator(t, eng)
	w := NewWorker(coord, 4, nil, nil, nil)
	defer w.Close()

	results := make(chan int32, 1)
	cb := func(result int32, userdata any) { results <- result }

	// Accepted (the parameters are valid) but the open fails; the failure
	// arrives through the callback, never as a retry or a created file.
	buf := make([]byte, 16)
	if n := w.ReadRecord(0, "missing.bin", buf, true, cb, nil); n != int32(len(buf)) {
		t.Fatalf("ReadRecord = %d, want %d", n, len(buf))
	}
	if r := awaitResult(t, results); r != engine.ErrNotFound.Code {
		t.Fatalf("read result = %d, want %d", r, engine.ErrNotFound.Code)
	}

	if got := eng.Calls["format"]; got != 1 {
		t.Errorf("format calls = %d, want 1 (no create on read path)", got)
	}
}

func TestRejectedJobsNeverFireCallback(t *testing.T) {
	eng := enginetest.New()
	coord, _ := newTestCoordinator(t, eng)
	w := NewWorker(coord, 4, nil, nil, nil)
	defer w.Close()

	fired := make(chan int32, 8)
	cb := func(result int32, userdata any) { fired <- result }
	data := []byte("x")

	tests := []struct {
		name string
		call func() int32
	}{
		{"empty path write", func() int32 { return w.WriteRecord(0, "", data, false, cb, nil) }},
		{"empty data write", func() int32 { return w.WriteRecord(0, "p", nil, false, cb, nil) }},
		{"nil callback write", func() int32 { return w.WriteRecord(0, "p", data, false, nil, nil) }},
		{"unconfigured instance write", func() int32 { return w.WriteRecord(2, "p", data, false, cb, nil) }},
		{"empty path read", func() int32 { return w.ReadRecord(0, "", data, false, cb, nil) }},
		{"empty data read", func() int32 { return w.ReadRecord(0, "p", nil, false, cb, nil) }},
		{"nil callback read", func() int32 { return w.ReadRecord(0, "p", data, false, nil, nil) }},
		{"unconfigured instance read", func() int32 { return w.ReadRecord(2, "p", data, false, cb, nil) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.call(); got != 0 {
				t.Errorf("got %d, want 0", got)
			}
		})
	}

	select {
	case r := <-fired:
		t.Errorf("callback fired with %d for a rejected job", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestNonBlockingEnqueueOnFullQueue(t *testing.T) {
	eng := enginetest.New()
	coord, device := newTestCoordinator(t, eng)
	w := NewWorker(coord, 1, nil, nil, nil)
	defer w.Close()

	results := make(chan int32, 4)
	cb := func(result int32, userdata any) { results <- result }
	data := []byte("queued")

	// Holding the device transaction lock stalls the worker inside its
	// first job, so the queue backs up deterministically.
	device.Lock()

	if n := w.WriteRecord(0, "q0.bin", data, false, cb, nil); n != int32(len(data)) {
		device.Unlock()
		t.Fatalf("first WriteRecord = %d", n)
	}
	// Wait until the worker has picked the first job up and stalled.
	deadline := time.Now().Add(callbackTimeout)
	for len(w.writeQ) != 0 {
		if time.Now().After(deadline) {
			device.Unlock()
			t.Fatal("worker never picked up the first job")
		}
		time.Sleep(time.Millisecond)
	}

	if n := w.WriteRecord(0, "q1.bin", data, false, cb, nil); n != int32(len(data)) {
		device.Unlock()
		t.Fatalf("second WriteRecord = %d", n)
	}
	// Queue is full now: a non-blocking enqueue must be rejected without a
	// callback.
	if n := w.WriteRecord(0, "q2.bin", data, false, cb, nil); n != 0 {
		device.Unlock()
		t.Fatalf("third WriteRecord = %d, want 0", n)
	}

	device.Unlock()

	for i := 0; i < 2; i++ {
		if r := awaitResult(t, results); r != int32(len(data)) {
			t.Errorf("result %d = %d, want %d", i, r, len(data))
		}
	}
	select {
	case r := <-results:
		t.Errorf("unexpected third callback with %d", r)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBlockingEnqueueWaitsForSpace(t *testing.T) {
	eng := enginetest.New()
	coord, device := newTestCoordinator(t, eng)
	w := NewWorker(coord, 1, nil, nil, nil)
	defer w.Close()

	results := make(chan int32, 4)
	cb := func(result int32, userdata any) { results <- result }
	data := []byte("blocking")

	device.Lock()
	if n := w.WriteRecord(0, "b0.bin", data, false, cb, nil); n != int32(len(data)) {
		device.Unlock()
		t.Fatalf("first WriteRecord = %d", n)
	}
	deadline := time.Now().Add(callbackTimeout)
	for len(w.writeQ) != 0 {
		if time.Now().After(deadline) {
			device.Unlock()
			t.Fatal("worker never picked up the first job")
		}
		time.Sleep(time.Millisecond)
	}
	if n := w.WriteRecord(0, "b1.bin", data, false, cb, nil); n != int32(len(data)) {
		device.Unlock()
		t.Fatalf("second WriteRecord = %d", n)
	}

	// The queue is full; a waiting enqueue blocks until the worker frees a
	// slot after the device unlocks.
	accepted := make(chan int32, 1)
	go func() {
		accepted <- w.WriteRecord(0, "b2.bin", data, true, cb, nil)
	}()

	select {
	case n := <-accepted:
		device.Unlock()
		t.Fatalf("blocking enqueue returned %d while queue was full", n)
	case <-time.After(100 * time.Millisecond):
	}

	device.Unlock()
	select {
	case n := <-accepted:
		if n != int32(len(data)) {
			t.Fatalf("blocking enqueue = %d, want %d", n, len(data))
		}
	case <-time.After(callbackTimeout):
		t.Fatal("blocking enqueue never completed")
	}

	for i := 0; i < 3; i++ {
		if r := awaitResult(t, results); r != int32(len(data)) {
			t.Errorf("result %d = %d, want %d", i, r, len(data))
		}
	}
}

func TestCallbackOrderMatchesEnqueueOrder(t *testing.T) {
	eng := enginetest.New()
	coord, device := newTestCoordinator(t, eng)
	w := NewWorker(coord, 8, nil, nil, nil)
	defer w.Close()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{}, 8)

	device.Lock()
	// Stall the worker, then queue several writes; FIFO order must hold.
	for i := 0; i < 6; i++ {
		cb := func(result int32, userdata any) {
			mu.Lock()
			order = append(order, userdata.(int))
			mu.Unlock()
			done <- struct{}{}
		}
		path := fmt.Sprintf("o%d.bin", i)
		if n := w.WriteRecord(0, path, []byte{byte(i)}, true, cb, i); n != 1 {
			device.Unlock()
			t.Fatalf("WriteRecord %d = %d", i, n)
		}
	}
	device.Unlock()

	for i := 0; i < 6; i++ {
		select {
		case <-done:
		case <-time.After(callbackTimeout):
			t.Fatal("callbacks did not complete")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for i, got := range order {
		if got != i {
			t.Fatalf("callback order = %v, want ascending", order)
		}
	}
}

func TestSuspendNotificationDrivesDevice(t *testing.T) {
	eng := enginetest.New()
	coord, device := newTestCoordinator(t, eng)

	notify := make(chan int, 1)
	w := NewWorker(coord, 4, notify, nil, nil)
	defer w.Close()

	notify <- 0
	deadline := time.Now().Add(callbackTimeout)
	for device.Suspends() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never suspended the device")
		}
		time.Sleep(time.Millisecond)
	}
	if got := device.Suspends(); got != 1 {
		t.Errorf("suspends = %d, want 1", got)
	}
}

func TestCloseStopsWorker(t *testing.T) {
	eng := enginetest.New()
	coord, _ := newTestCoordinator(t, eng)
	w := NewWorker(coord, 4, nil, nil, nil)

	w.Close()

	// After Close no job is accepted, even with wait set.
	if n := w.WriteRecord(0, "late.bin", []byte("x"), true, func(int32, any) {}, nil); n != 0 {
		t.Errorf("WriteRecord after Close = %d, want 0", n)
	}
}

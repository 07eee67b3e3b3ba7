package engine_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/flashfs/flashfs/internal/engine"
	"github.com/flashfs/flashfs/internal/flash"
)

func TestHALBindsPartition(t *testing.T) {
	device := flash.NewMemDevice(2, 16*1024, 4*1024)
	hal0 := engine.NewHAL(device, 0)
	hal1 := engine.NewHAL(device, 1)

	device.Lock()
	defer device.Unlock()

	if err := hal0.Write(100, []byte("zero")); err != nil {
		t.Fatalf("Write partition 0: %v", err)
	}
	if err := hal1.Write(100, []byte("one!")); err != nil {
		t.Fatalf("Write partition 1: %v", err)
	}

	buf := make([]byte, 4)
	if err := hal0.Read(100, buf); err != nil {
		t.Fatalf("Read partition 0: %v", err)
	}
	if !bytes.Equal(buf, []byte("zero")) {
		t.Errorf("partition 0 read %q, want %q", buf, "zero")
	}
	if err := hal1.Read(100, buf); err != nil {
		t.Fatalf("Read partition 1: %v", err)
	}
	if !bytes.Equal(buf, []byte("one!")) {
		t.Errorf("partition 1 read %q, want %q", buf, "one!")
	}

	// Erase restores the erased pattern on its partition only.
	if err := hal1.Erase(0, 4*1024); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if err := hal1.Read(100, buf); err != nil {
		t.Fatalf("Read after erase: %v", err)
	}
	if !bytes.Equal(buf, []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
		t.Errorf("erased read %v, want all 0xFF", buf)
	}
	if err := hal0.Read(100, buf); err != nil {
		t.Fatalf("Read partition 0: %v", err)
	}
	if !bytes.Equal(buf, []byte("zero")) {
		t.Errorf("partition 0 disturbed by erase on partition 1: %q", buf)
	}
}

func TestHALMapsDeviceFailuresToInternal(t *testing.T) {
	device := flash.NewMemDevice(1, 4*1024, 4*1024)
	// Partition 7 does not exist, so every call fails at the device.
	hal := engine.NewHAL(device, 7)

	device.Lock()
	defer device.Unlock()

	if err := hal.Read(0, make([]byte, 4)); !errors.Is(err, engine.ErrInternal) {
		t.Errorf("Read error = %v, want ErrInternal", err)
	}
	if err := hal.Write(0, []byte("x")); !errors.Is(err, engine.ErrInternal) {
		t.Errorf("Write error = %v, want ErrInternal", err)
	}
	if err := hal.Erase(0, 4*1024); !errors.Is(err, engine.ErrInternal) {
		t.Errorf("Erase error = %v, want ErrInternal", err)
	}
}

package engine

import "github.com/flashfs/flashfs/pkg/types"

// NewHAL binds a flash device and partition into the three callbacks the
// engine drives. Any device failure is reported to the engine as its generic
// internal error; the raw cause is not surfaced because the engine cannot
// act on transport-level detail.
//
// The HAL performs no locking of its own. The coordinator holds the device
// transaction lock around every engine call, which covers all HAL activity
// the call triggers.
func NewHAL(dev types.Device, partition int) HAL {
	return HAL{
		Read: func(addr uint32, dst []byte) error {
			if err := dev.ReadAt(partition, addr, dst); err != nil {
				return ErrInternal
			}
			return nil
		},
		Write: func(addr uint32, src []byte) error {
			if err := dev.WriteAt(partition, addr, src); err != nil {
				return ErrInternal
			}
			return nil
		},
		Erase: func(addr uint32, size uint32) error {
			if err := dev.Erase(partition, addr, size); err != nil {
				return ErrInternal
			}
			return nil
		},
	}
}

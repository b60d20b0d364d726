package software

import (
	"encoding/binary"
	"fmt"
)

// KernelFunc is the host implementation of a kernel. args holds the bytes
// of the region bound to each argument slot, indexed by slot; unbound slots
// are nil. groups is the dispatch grid, which the built-in kernels ignore:
// they process whole regions, matching what the device kernels compute when
// the grid covers the buffer.
type KernelFunc func(args [][]byte, groups [3]uint32) error

// builtinKernels returns the kernel registry every engine starts with. The
// set mirrors the WGSL built-ins of the wgpu engine, element type u32
// little-endian:
//
//	copy_u32   args: 0=src 1=dst          dst[i] = src[i]
//	add_u32    args: 0=a 1=b 2=dst        dst[i] = a[i] + b[i]
//	scale_u32  args: 0=src 1=factor 2=dst dst[i] = src[i] * factor[0]
func builtinKernels() map[string]KernelFunc {
	return map[string]KernelFunc{
		"copy_u32":  kernelCopyU32,
		"add_u32":   kernelAddU32,
		"scale_u32": kernelScaleU32,
	}
}

// argBytes fetches one bound argument or fails with the slot number.
func argBytes(args [][]byte, idx int) ([]byte, error) {
	if idx >= len(args) || args[idx] == nil {
		return nil, fmt.Errorf("argument %d not bound", idx)
	}
	return args[idx], nil
}

func kernelCopyU32(args [][]byte, _ [3]uint32) error {
	src, err := argBytes(args, 0)
	if err != nil {
		return err
	}
	dst, err := argBytes(args, 1)
	if err != nil {
		return err
	}
	n := min(len(src), len(dst)) / 4 * 4
	copy(dst[:n], src[:n])
	return nil
}

func kernelAddU32(args [][]byte, _ [3]uint32) error {
	a, err := argBytes(args, 0)
	if err != nil {
		return err
	}
	b, err := argBytes(args, 1)
	if err != nil {
		return err
	}
	dst, err := argBytes(args, 2)
	if err != nil {
		return err
	}
	n := min(len(a), len(b), len(dst)) / 4
	for i := 0; i < n; i++ {
		x := binary.LittleEndian.Uint32(a[i*4:])
		y := binary.LittleEndian.Uint32(b[i*4:])
		binary.LittleEndian.PutUint32(dst[i*4:], x+y)
	}
	return nil
}

func kernelScaleU32(args [][]byte, _ [3]uint32) error {
	src, err := argBytes(args, 0)
	if err != nil {
		return err
	}
	factor, err := argBytes(args, 1)
	if err != nil {
		return err
	}
	dst, err := argBytes(args, 2)
	if err != nil {
		return err
	}
	if len(factor) < 4 {
		return fmt.Errorf("factor region holds %d bytes, need 4", len(factor))
	}
	f := binary.LittleEndian.Uint32(factor)
	n := min(len(src), len(dst)) / 4
	for i := 0; i < n; i++ {
		x := binary.LittleEndian.Uint32(src[i*4:])
		binary.LittleEndian.PutUint32(dst[i*4:], x*f)
	}
	return nil
}

// Package kutil collects small generic numeric and byte-packing helpers
// shared across the kernel: Min/Rounddown/Roundup for address alignment,
// Readn/Writen for fixed-offset record packing.
package kutil

import "unsafe"

// Int is satisfied by every built-in integer type.
type Int interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 | ~uintptr
}

// Min returns the smaller of a and b.
func Min[T Int](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// Rounddown aligns v down to the nearest multiple of b.
func Rounddown[T Int](v, b T) T {
	return v - (v % b)
}

// Roundup aligns v up to the nearest multiple of b.
func Roundup[T Int](v, b T) T {
	return Rounddown(v+b-1, b)
}

// Readn reads n little-endian bytes from a starting at off and returns
// the value as a uint64. It panics if the requested region is out of
// bounds or n is not one of the supported widths; used throughout the
// argument-block and BootInfo marshaling code.
func Readn(a []uint8, n int, off int) uint64 {
	if off < 0 || n < 0 || off+n > len(a) {
		panic("kutil.Readn: out of bounds")
	}
	p := unsafe.Pointer(&a[off])
	switch n {
	case 8:
		return *(*uint64)(p)
	case 4:
		return uint64(*(*uint32)(p))
	case 2:
		return uint64(*(*uint16)(p))
	case 1:
		return uint64(*(*uint8)(p))
	default:
		panic("kutil.Readn: unsupported width")
	}
}

// Writen writes val using sz little-endian bytes into a starting at off.
func Writen(a []uint8, sz int, off int, val uint64) {
	if off < 0 || sz < 0 || off+sz > len(a) {
		panic("kutil.Writen: out of bounds")
	}
	p := unsafe.Pointer(&a[off])
	switch sz {
	case 8:
		*(*uint64)(p) = val
	case 4:
		*(*uint32)(p) = uint32(val)
	case 2:
		*(*uint16)(p) = uint16(val)
	case 1:
		*(*uint8)(p) = uint8(val)
	default:
		panic("kutil.Writen: unsupported width")
	}
}

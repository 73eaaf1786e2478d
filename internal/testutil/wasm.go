// Package testutil assembles tiny WebAssembly guests for tests, so no
// prebuilt binaries need to be checked in.
package testutil

import "encoding/binary"

// Value types.
const (
	I32 byte = 0x7f
)

// Instructions.
const (
	OpUnreachable byte = 0x00
	OpDrop        byte = 0x1a
	OpLocalGet    byte = 0x20
)

// WASI import names.
const (
	WASI      = "wasi_snapshot_preview1"
	FdWrite   = "fd_write"
	ProcExit  = "proc_exit"
	FdRead    = "fd_read"
	EnvSizes  = "environ_sizes_get"
	EnvGet    = "environ_get"
	scratchLn = 16
)

// Import is a function import.
type Import struct {
	Module, Name    string
	Params, Results []byte
}

// Func is a defined function. An empty Export leaves it unexported. Body
// holds the instructions without the final end opcode.
type Func struct {
	Export          string
	Params, Results []byte
	Body            []byte
}

// Data is an active data segment in memory 0.
type Data struct {
	Offset uint32
	Bytes  []byte
}

// Module describes a guest. Memory, when set, is one page exported as "memory".
type Module struct {
	Imports []Import
	Funcs   []Func
	Memory  bool
	Data    []Data
}

// FuncIndex returns the function index of the j-th defined function.
func (m Module) FuncIndex(j int) uint32 { return uint32(len(m.Imports) + j) }

// Encode returns the binary module.
func (m Module) Encode() []byte {
	out := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	var types [][]byte
	for _, im := range m.Imports {
		types = append(types, funcType(im.Params, im.Results))
	}
	for _, f := range m.Funcs {
		types = append(types, funcType(f.Params, f.Results))
	}
	out = section(out, 1, vec(types))

	if len(m.Imports) > 0 {
		var entries [][]byte
		for i, im := range m.Imports {
			e := append(name(im.Module), name(im.Name)...)
			e = append(e, 0x00)
			e = append(e, uleb(uint64(i))...)
			entries = append(entries, e)
		}
		out = section(out, 2, vec(entries))
	}

	var typeIdx [][]byte
	for j := range m.Funcs {
		typeIdx = append(typeIdx, uleb(uint64(m.FuncIndex(j))))
	}
	out = section(out, 3, vec(typeIdx))

	if m.Memory {
		out = section(out, 5, vec([][]byte{{0x00, 0x01}}))
	}

	var exports [][]byte
	if m.Memory {
		exports = append(exports, append(name("memory"), 0x02, 0x00))
	}
	for j, f := range m.Funcs {
		if f.Export == "" {
			continue
		}
		e := append(name(f.Export), 0x00)
		exports = append(exports, append(e, uleb(uint64(m.FuncIndex(j)))...))
	}
	out = section(out, 7, vec(exports))

	var codes [][]byte
	for _, f := range m.Funcs {
		body := append([]byte{0x00}, f.Body...)
		body = append(body, 0x0b)
		codes = append(codes, append(uleb(uint64(len(body))), body...))
	}
	out = section(out, 10, vec(codes))

	if len(m.Data) > 0 {
		var segs [][]byte
		for _, d := range m.Data {
			s := append([]byte{0x00}, I32Const(int32(d.Offset))...)
			s = append(s, 0x0b)
			s = append(s, uleb(uint64(len(d.Bytes)))...)
			segs = append(segs, append(s, d.Bytes...))
		}
		out = section(out, 11, vec(segs))
	}
	return out
}

// I32Const encodes i32.const v.
func I32Const(v int32) []byte {
	return append([]byte{0x41}, sleb(int64(v))...)
}

// Call encodes call idx.
func Call(idx uint32) []byte {
	return append([]byte{0x10}, uleb(uint64(idx))...)
}

// Load32 encodes i32.load from a constant address.
func Load32(addr uint32) []byte {
	return append(I32Const(int32(addr)), 0x28, 0x02, 0x00)
}

// Store32 encodes i32.store of value at a constant address.
func Store32(addr uint32, value ...[]byte) []byte {
	out := append(I32Const(int32(addr)), Seq(value...)...)
	return append(out, 0x36, 0x02, 0x00)
}

// Forever wraps body in a loop that never exits.
func Forever(body ...[]byte) []byte {
	out := []byte{0x03, 0x40}
	out = append(out, Seq(body...)...)
	return append(out, 0x0c, 0x00, 0x0b)
}

// Seq concatenates instruction sequences.
func Seq(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Message lays out an iovec for msg at base: the iovec at base, an nwritten
// slot at base+8 and the bytes at base+16.
func Message(base uint32, msg string) Data {
	b := make([]byte, scratchLn, scratchLn+len(msg))
	binary.LittleEndian.PutUint32(b[0:], base+scratchLn)
	binary.LittleEndian.PutUint32(b[4:], uint32(len(msg)))
	return Data{Offset: base, Bytes: append(b, msg...)}
}

// WriteMessage calls fd_write (function index fdWrite) for a Message at base
// and drops the errno.
func WriteMessage(fdWrite uint32, fd int32, base uint32) []byte {
	return Seq(
		I32Const(fd),
		I32Const(int32(base)),
		I32Const(1),
		I32Const(int32(base+8)),
		Call(fdWrite),
		[]byte{OpDrop},
	)
}

// FdWriteImport is the WASI fd_write import.
func FdWriteImport() Import {
	return Import{Module: WASI, Name: FdWrite, Params: []byte{I32, I32, I32, I32}, Results: []byte{I32}}
}

// ProcExitImport is the WASI proc_exit import.
func ProcExitImport() Import {
	return Import{Module: WASI, Name: ProcExit, Params: []byte{I32}}
}

func funcType(params, results []byte) []byte {
	out := []byte{0x60}
	out = append(out, uleb(uint64(len(params)))...)
	out = append(out, params...)
	out = append(out, uleb(uint64(len(results)))...)
	return append(out, results...)
}

func name(s string) []byte {
	return append(uleb(uint64(len(s))), s...)
}

func vec(items [][]byte) []byte {
	out := uleb(uint64(len(items)))
	for _, it := range items {
		out = append(out, it...)
	}
	return out
}

func section(out []byte, id byte, content []byte) []byte {
	out = append(out, id)
	out = append(out, uleb(uint64(len(content)))...)
	return append(out, content...)
}

func uleb(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v == 0 {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

func sleb(v int64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if (v == 0 && b&0x40 == 0) || (v == -1 && b&0x40 != 0) {
			return append(out, b)
		}
		out = append(out, b|0x80)
	}
}

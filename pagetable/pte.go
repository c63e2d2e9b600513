// Package pagetable implements a hierarchical page-table engine generic
// over a paging configuration, with a cursor-based walk,
// map/unmap/protect, and kernel-table fork (PageTable.Fork). Copy-on-write
// fork of a user address space is built on these primitives in package
// vmar.
package pagetable

import (
	"vmkernel/arch"
	"vmkernel/config"
	"vmkernel/mem"
)

// PTE is a plain-old-data page-table entry word. Being a named uint64, it satisfies arch.PodOnce,
// so query's lock-free walk can load it with arch.ReadOnce.
type PTE uint64

const (
	ptePresent = 1 << iota
	pteWritable
	pteReadable
	pteExecutable
	pteUser
	pteAccessed
	pteDirty
	pteHuge
	pteGlobal
	pteCacheBit0
	pteCacheBit1
)

// pteFrameShift is where the packed physical frame number starts. Entries
// below it are flag bits; everything from here up encodes paddr >>
// cfg.PageShift, which comfortably fits 48 bits of frame number.
const pteFrameShift = 16

// Prop is the permission/caching/metadata bundle attached to a mapping,
// the PTE's decoded counterpart to the spec's "prop" parameter threaded
// through map/protect.
type Prop struct {
	Writable   bool
	Readable   bool
	Executable bool
	User       bool
	Global     bool
	Cache      arch.CachePolicy
}

// NewPTE packs paddr and prop into a present PTE, huge marking whether it
// maps a larger-than-base page at the current level.
func NewPTE(cfg config.Boot, paddr mem.PAddr, prop Prop, huge bool) PTE {
	var e PTE = ptePresent
	if prop.Writable {
		e |= pteWritable
	}
	if prop.Readable {
		e |= pteReadable
	}
	if prop.Executable {
		e |= pteExecutable
	}
	if prop.User {
		e |= pteUser
	}
	if prop.Global {
		e |= pteGlobal
	}
	if huge {
		e |= pteHuge
	}
	switch prop.Cache {
	case arch.WriteBack:
		// both cache bits clear
	case arch.WriteThrough:
		e |= pteCacheBit0
	case arch.Uncacheable:
		e |= pteCacheBit1
	}
	frameNo := uint64(paddr) >> cfg.PageShift
	e |= PTE(frameNo << pteFrameShift)
	return e
}

// Absent is the zero PTE: not present, no child, no mapping.
const Absent PTE = 0

func (e PTE) Present() bool { return e&ptePresent != 0 }
func (e PTE) Huge() bool    { return e&pteHuge != 0 }

// PAddr decodes the packed physical address, valid only when Present.
func (e PTE) PAddr(cfg config.Boot) mem.PAddr {
	frameNo := uint64(e) >> pteFrameShift
	return mem.PAddr(frameNo << cfg.PageShift)
}

// Info decodes the permission/caching bundle, valid only when Present.
func (e PTE) Info() Prop {
	p := Prop{
		Writable:   e&pteWritable != 0,
		Readable:   e&pteReadable != 0,
		Executable: e&pteExecutable != 0,
		User:       e&pteUser != 0,
		Global:     e&pteGlobal != 0,
	}
	switch {
	case e&pteCacheBit1 != 0:
		p.Cache = arch.Uncacheable
	case e&pteCacheBit0 != 0:
		p.Cache = arch.WriteThrough
	default:
		p.Cache = arch.WriteBack
	}
	return p
}

// WithInfo returns a copy of e with its permission/caching bundle replaced
// by prop, keeping the same physical address and present/huge bits.
func (e PTE) WithInfo(cfg config.Boot, prop Prop) PTE {
	return NewPTE(cfg, e.PAddr(cfg), prop, e.Huge())
}

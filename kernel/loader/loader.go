// Package loader turns a boot module (a raw ELF64 image the bootloader
// placed in physical memory, plus its multiboot command line) into a
// running thread: a fresh address space, its PT_LOAD segments mapped in,
// and a handful of command-line directives applied before the thread
// starts.
package loader

import (
	"encoding/binary"
	"gokernel/kernel"
	"gokernel/kernel/addrspace"
	"gokernel/kernel/elf"
	"gokernel/kernel/kfmt"
	"gokernel/kernel/mem"
	"gokernel/kernel/mem/vmm"
	"gokernel/kernel/multiboot"
	"gokernel/kernel/sched"
	"io"
	"strconv"
	"strings"
	"unsafe"
)

var (
	errSegmentTooLarge      = &kernel.Error{Module: "loader", Message: "segment file size exceeds its load size"}
	errInvalidArgument      = &kernel.Error{Module: "loader", Message: "invalid command line argument"}
	errUnrecognizedArgument = &kernel.Error{Module: "loader", Message: "unrecognized command line argument"}

	// defaultPriority is the scheduling priority given to a module thread;
	// there is currently no argument to override it.
	defaultPriority = 1
)

// physBytesFn returns the bytes of the physical range [start, start+size),
// reached through the kernel's identity window. Tests substitute a fake
// backing store, the same seam used across mem/vmm, mem/pmm and addrspace.
var physBytesFn = func(start mem.PhysAddr, size mem.Size) []byte {
	ptr := unsafe.Pointer(uintptr(mem.PhysToVirt(start)))
	return unsafe.Slice((*byte)(ptr), int(size))
}

// SetPhysBytesLocator overrides physBytesFn and returns a function that
// restores the previous one.
func SetPhysBytesLocator(fn func(mem.PhysAddr, mem.Size) []byte) (restore func()) {
	prev := physBytesFn
	physBytesFn = fn
	return func() { physBytesFn = prev }
}

// mapSegment installs one ELF PT_LOAD segment into as: the file-backed
// bytes at their rounded physical/virtual range, then fresh zeroed frames
// for whatever tail load_size leaves beyond the file-backed data (the
// segment's .bss portion, for segments that have one).
func mapSegment(as *addrspace.AddressSpace, allocFrame vmm.AllocFrameFn, seg elf.Segment) *kernel.Error {
	size := mem.Size(len(seg.Data))
	if size > mem.Size(seg.LoadSize) {
		return errSegmentTooLarge
	}

	attrs := vmm.PageAttributes{
		Present:   true,
		Writable:  seg.Flags&elf.FlagWrite != 0,
		NoExecute: seg.Flags&elf.FlagExecute == 0,
	}

	virtStart := mem.VirtAddr(seg.LoadAddr)
	virtEnd := (virtStart + mem.VirtAddr(size)).RoundUp()
	virtStart = virtStart.RoundDown()

	var physStart, physEnd mem.PhysAddr
	if size > 0 {
		physStart = mem.VirtToPhys(mem.VirtAddr(uintptr(unsafe.Pointer(&seg.Data[0]))))
		physEnd = (physStart + mem.PhysAddr(size)).RoundUp()
		physStart = physStart.RoundDown()

		if err := as.Map(physStart, physEnd, virtStart, virtEnd, attrs); err != nil {
			return err
		}
	}

	if mem.Size(seg.LoadSize) == size {
		return nil
	}

	remainder := mem.Size(seg.LoadSize) - mem.Size(physEnd-physStart)
	remainder = (remainder + mem.PageSize - 1) &^ (mem.PageSize - 1)

	for bytes := mem.Size(0); bytes < remainder; bytes += mem.PageSize {
		pageStart := virtEnd
		virtEnd += mem.VirtAddr(mem.PageSize)

		frame, err := allocFrame()
		if err != nil {
			return err
		}
		buf := physBytesFn(frame.Address(), mem.PageSize)
		kernel.Memset(uintptr(unsafe.Pointer(&buf[0])), 0, uintptr(mem.PageSize))

		if err := as.Map(frame.Address(), frame.Address()+mem.PhysAddr(mem.PageSize), pageStart, virtEnd, attrs); err != nil {
			return err
		}
	}

	return nil
}

// framebufferRange returns the physical range a framebuffer descriptor
// occupies: pitch bytes per scanline, height scanlines.
func framebufferRange(fb multiboot.Framebuffer) (start, end mem.PhysAddr) {
	start = mem.PhysAddr(fb.Addr)
	size := mem.Size(uint64(fb.Pitch) * uint64(fb.Height))
	end = (start + mem.PhysAddr(size)).RoundUp()
	start = start.RoundDown()
	return start, end
}

// kernelModuleData encodes the KernelModuleData record a module's initial
// stack carries: the framebuffer descriptor the bootloader reported, or a
// zeroed record if there is none.
func kernelModuleData(fb multiboot.Framebuffer) []byte {
	buf := make([]byte, 8+4+4+4+1)
	binary.LittleEndian.PutUint64(buf[0:8], fb.Addr)
	binary.LittleEndian.PutUint32(buf[8:12], fb.Pitch)
	binary.LittleEndian.PutUint32(buf[12:16], fb.Width)
	binary.LittleEndian.PutUint32(buf[16:20], fb.Height)
	buf[20] = fb.Bpp
	return buf
}

// applyArguments parses a module's command line, a space-separated list of
// key=value directives, and applies each one to the thread or address
// space it names:
//
//	map=<physstart-hex>,<physend-hex>  identity maps a physical range
//	videomap=true|false                  identity maps the framebuffer range
//	allow_io=true|false                 grants the thread IOPL 3 (default false)
//	tid=<decimal>                       overrides the thread's assigned ID
func applyArguments(cmdLine string, as *addrspace.AddressSpace, thread *sched.Thread, fb *multiboot.Framebuffer) *kernel.Error {
	for _, field := range strings.Fields(cmdLine) {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			return errInvalidArgument
		}

		switch key {
		case "map":
			startStr, endStr, ok := strings.Cut(value, ",")
			if !ok {
				return errInvalidArgument
			}
			start, err1 := strconv.ParseUint(startStr, 16, 64)
			end, err2 := strconv.ParseUint(endStr, 16, 64)
			if err1 != nil || err2 != nil {
				return errInvalidArgument
			}
			mapAttrs := vmm.PageAttributes{Present: true, Writable: true}
			if err := as.Map(mem.PhysAddr(start), mem.PhysAddr(end), mem.VirtAddr(start), mem.VirtAddr(end), mapAttrs); err != nil {
				return err
			}

		case "videomap":
			switch value {
			case "true":
				if fb == nil {
					return errInvalidArgument
				}
				start, end := framebufferRange(*fb)
				mapAttrs := vmm.PageAttributes{Present: true, Writable: true}
				if err := as.Map(start, end, mem.VirtAddr(start), mem.VirtAddr(end), mapAttrs); err != nil {
					return err
				}
			case "false":
			default:
				return errInvalidArgument
			}

		case "allow_io":
			switch value {
			case "true":
				thread.AllowIO()
			case "false":
			default:
				return errInvalidArgument
			}

		case "tid":
			tid, err := strconv.Atoi(value)
			if err != nil {
				return errInvalidArgument
			}
			thread.SetID(sched.ThreadID(tid))

		default:
			return errUnrecognizedArgument
		}
	}
	return nil
}

// LoadModule builds a fresh address space for a boot module, maps its ELF
// image in, creates and starts a thread at its entry point, and applies
// whatever command-line directives the module was given. log, if non-nil,
// receives progress messages mirroring what the kernel prints to the
// serial console while booting.
func LoadModule(s *sched.Scheduler, allocFrame vmm.AllocFrameFn, mod multiboot.Module, log io.Writer) *kernel.Error {
	if log != nil {
		kfmt.Fprintf(log, "loading module %s\n", mod.CmdLine)
	}

	as, err := addrspace.New(allocFrame)
	if err != nil {
		return err
	}

	image := physBytesFn(mem.PhysAddr(mod.Start), mem.Size(mod.End-mod.Start))
	reader, err := elf.NewReader(image)
	if err != nil {
		return err
	}

	var loadErr *kernel.Error
	reader.VisitLoadSegments(func(seg elf.Segment) {
		if loadErr != nil {
			return
		}
		loadErr = mapSegment(as, allocFrame, seg)
	})
	if loadErr != nil {
		return loadErr
	}

	var fb multiboot.Framebuffer
	var haveFB bool
	multiboot.VisitFramebuffer(func(f multiboot.Framebuffer) {
		fb = f
		haveFB = true
	})

	stack, err := as.CreateThreadStack(allocFrame, kernelModuleData(fb))
	if err != nil {
		return err
	}

	thread, err := s.NewThread(mem.VirtAddr(reader.EntryPoint()), stack.StackPointer, as, defaultPriority)
	if err != nil {
		return err
	}

	var fbArg *multiboot.Framebuffer
	if haveFB {
		fbArg = &fb
	}
	if err := applyArguments(mod.CmdLine, as, thread, fbArg); err != nil {
		return err
	}

	return s.StartThread(thread)
}

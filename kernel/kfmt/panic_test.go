package kfmt

import (
	"bytes"
	"errors"
	"gokernel/kernel"
	"gokernel/kernel/cpu"
	"testing"
)

func TestPanic(t *testing.T) {
	defer func() {
		cpuHaltFn = cpu.Halt
		outputSink = nil
	}()

	var haltCalled bool
	cpuHaltFn = func() { haltCalled = true }

	var buf bytes.Buffer
	SetOutputSink(&buf)

	t.Run("with *kernel.Error", func(t *testing.T) {
		haltCalled = false
		buf.Reset()

		Panic(&kernel.Error{Module: "test", Message: "panic test"})

		exp := "\n-----------------------------------\n[test] unrecoverable error: panic test\n*** kernel panic: system halted ***\n-----------------------------------\n"
		if got := buf.String(); got != exp {
			t.Fatalf("expected:\n%q\ngot:\n%q", exp, got)
		}
		if !haltCalled {
			t.Fatal("expected cpu.Halt to be called")
		}
	})

	t.Run("with error", func(t *testing.T) {
		haltCalled = false
		buf.Reset()

		Panic(errors.New("go error"))

		exp := "\n-----------------------------------\n[rt] unrecoverable error: go error\n*** kernel panic: system halted ***\n-----------------------------------\n"
		if got := buf.String(); got != exp {
			t.Fatalf("expected:\n%q\ngot:\n%q", exp, got)
		}
		if !haltCalled {
			t.Fatal("expected cpu.Halt to be called")
		}
	})

	t.Run("with string", func(t *testing.T) {
		haltCalled = false
		buf.Reset()

		Panic("string error")

		exp := "\n-----------------------------------\n[rt] unrecoverable error: string error\n*** kernel panic: system halted ***\n-----------------------------------\n"
		if got := buf.String(); got != exp {
			t.Fatalf("expected:\n%q\ngot:\n%q", exp, got)
		}
		if !haltCalled {
			t.Fatal("expected cpu.Halt to be called")
		}
	})

	t.Run("without error", func(t *testing.T) {
		haltCalled = false
		buf.Reset()

		Panic(nil)

		exp := "\n-----------------------------------\n*** kernel panic: system halted ***\n-----------------------------------\n"
		if got := buf.String(); got != exp {
			t.Fatalf("expected:\n%q\ngot:\n%q", exp, got)
		}
		if !haltCalled {
			t.Fatal("expected cpu.Halt to be called")
		}
	})
}

package vm

import (
	"bytes"
	"strings"
	"testing"
)

// runProgram assembles a block, appends the implicit top-level return
// and runs it to completion. Returns everything the program wrote and
// the exit status.
func runProgram(t *testing.T, build func(b *BlockBuilder)) (string, string, int) {
	t.Helper()

	out := &bytes.Buffer{}
	errOut := &bytes.Buffer{}
	cfg := DefaultConfig()
	cfg.Out = out
	cfg.Err = errOut

	b := NewBlockBuilder()
	build(b)
	b.EmitValue(Null)
	b.Emit(OpReturn)

	machine := NewVM(cfg)
	status, err := machine.RunSafe(b.Block())
	if err != nil {
		t.Fatalf("RunSafe: %v", err)
	}
	return out.String(), errOut.String(), status
}

// emitWrite emits a __write call around the pushes performed by expr.
func emitWrite(b *BlockBuilder, expr func()) {
	b.EmitSymbol(OpReadGlobal, "__write")
	expr()
	b.EmitUint32(OpCall, 1)
	b.Emit(OpPop)
}

// ---------------------------------------------------------------------------
// Arithmetic and locals
// ---------------------------------------------------------------------------

func TestArithmeticAndLocals(t *testing.T) {
	// let a = 3; let b = 4; a * a + b * b
	out, _, status := runProgram(t, func(b *BlockBuilder) {
		b.SetLocalCount(2)
		b.EmitValue(FromInt(3))
		b.EmitLocal(OpSetLocal, 0, 0)
		b.EmitValue(FromInt(4))
		b.EmitLocal(OpSetLocal, 1, 0)

		emitWrite(b, func() {
			b.EmitLocal(OpReadLocal, 0, 0)
			b.EmitLocal(OpReadLocal, 0, 0)
			b.Emit(OpMul)
			b.EmitLocal(OpReadLocal, 1, 0)
			b.EmitLocal(OpReadLocal, 1, 0)
			b.Emit(OpMul)
			b.Emit(OpAdd)
		})
	})

	if status != 0 {
		t.Fatalf("status = %d, want 0", status)
	}
	if out != "25\n" {
		t.Errorf("output = %q, want %q", out, "25\n")
	}
}

func TestFloatLiteralsAndDivision(t *testing.T) {
	out, _, _ := runProgram(t, func(b *BlockBuilder) {
		emitWrite(b, func() {
			b.EmitFloat64(OpPutFloat, 1.0)
			b.EmitValue(FromInt(4))
			b.Emit(OpDiv)
		})
	})
	if out != "0.25\n" {
		t.Errorf("output = %q, want %q", out, "0.25\n")
	}
}

// ---------------------------------------------------------------------------
// Exception propagation
// ---------------------------------------------------------------------------

func TestThrowAndCatch(t *testing.T) {
	// try { throw "oops" } catch (e) { e + "!" }
	out, _, status := runProgram(t, func(b *BlockBuilder) {
		handler := b.NewLabel()
		done := b.NewLabel()

		b.EmitSymbol(OpReadGlobal, "__write")
		b.EmitCatchTable(handler)
		b.EmitString("oops")
		b.Emit(OpThrow)

		b.Mark(handler)
		b.EmitString("!")
		b.Emit(OpAdd)
		b.EmitBranch(OpBranch, done)

		b.Mark(done)
		b.EmitUint32(OpCall, 1)
		b.Emit(OpPop)
	})

	if status != 0 {
		t.Fatalf("status = %d, want 0", status)
	}
	if out != "oops!\n" {
		t.Errorf("output = %q, want %q", out, "oops!\n")
	}
}

func TestThrowAcrossFrames(t *testing.T) {
	// func f() { throw "boom" }; try { f() } catch (e) { e }
	out, _, _ := runProgram(t, func(b *BlockBuilder) {
		fBody := b.NewLabel()
		handler := b.NewLabel()
		done := b.NewLabel()

		b.EmitSymbol(OpReadGlobal, "__write")
		b.EmitCatchTable(handler)
		b.EmitFunctionAt(FunctionSpec{Name: "f"}, fBody)
		b.EmitUint32(OpCall, 0)
		b.Emit(OpPop)

		b.Mark(handler)
		b.EmitBranch(OpBranch, done)
		b.Mark(done)
		b.EmitUint32(OpCall, 1)
		b.Emit(OpPop)
		b.EmitValue(Null)
		b.Emit(OpReturn)

		b.Mark(fBody)
		b.EmitString("boom")
		b.Emit(OpThrow)
	})

	if out != "boom\n" {
		t.Errorf("output = %q, want %q", out, "boom\n")
	}
}

func TestUncaughtExceptionTerminates(t *testing.T) {
	out, errOut, status := runProgram(t, func(b *BlockBuilder) {
		b.EmitString("unhandled")
		b.Emit(OpThrow)
	})

	if status != 1 {
		t.Errorf("status = %d, want 1", status)
	}
	if out != "" {
		t.Errorf("stdout = %q, want empty", out)
	}
	if !strings.Contains(errOut, "Uncaught exception") || !strings.Contains(errOut, "unhandled") {
		t.Errorf("stderr = %q, want uncaught exception diagnostics", errOut)
	}
}

func TestUncaughtExceptionHandler(t *testing.T) {
	out, _, status := runProgram(t, func(b *BlockBuilder) {
		handlerBody := b.NewLabel()

		b.EmitSymbol(OpReadGlobal, "__set_uncaught_exception_handler")
		b.EmitFunctionAt(FunctionSpec{Name: "handler", ArgC: 1, LVarCount: 1}, handlerBody)
		b.EmitUint32(OpCall, 1)
		b.Emit(OpPop)
		b.EmitString("late failure")
		b.Emit(OpThrow)

		b.Mark(handlerBody)
		emitWrite(b, func() {
			b.EmitLocal(OpReadLocal, 0, 0)
		})
		b.EmitValue(Null)
		b.Emit(OpReturn)
	})

	if status != 0 {
		t.Fatalf("status = %d, want 0 (handler consumed the exception)", status)
	}
	if out != "late failure\n" {
		t.Errorf("output = %q, want %q", out, "late failure\n")
	}
}

// ---------------------------------------------------------------------------
// Generators
// ---------------------------------------------------------------------------

func TestGeneratorYield(t *testing.T) {
	// const g = (func*() { yield 1; yield 2; yield 3 })()
	// g(), g(), g(), g() -> 1, 2, 3, null; then g is finished
	out, _, _ := runProgram(t, func(b *BlockBuilder) {
		body := b.NewLabel()

		b.SetLocalCount(1)
		b.EmitGeneratorAt("counter", body, 0)
		b.EmitLocal(OpSetLocal, 0, 0)

		for i := 0; i < 4; i++ {
			emitWrite(b, func() {
				b.EmitLocal(OpReadLocal, 0, 0)
				b.EmitUint32(OpCall, 0)
			})
		}
		// A finished generator is falsy.
		emitWrite(b, func() {
			b.EmitLocal(OpReadLocal, 0, 0)
			b.Emit(OpUNot)
		})
		b.EmitValue(Null)
		b.Emit(OpReturn)

		b.Mark(body)
		b.EmitValue(FromInt(1))
		b.Emit(OpYield)
		b.EmitValue(FromInt(2))
		b.Emit(OpYield)
		b.EmitValue(FromInt(3))
		b.Emit(OpYield)
		b.EmitValue(Null)
		b.Emit(OpReturn)
	})

	want := "1\n2\n3\nnull\ntrue\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestGeneratorResumeArgument(t *testing.T) {
	// The second resume's argument lands on the generator's stack and
	// is yielded back out.
	out, _, _ := runProgram(t, func(b *BlockBuilder) {
		body := b.NewLabel()

		b.SetLocalCount(1)
		b.EmitGeneratorAt("echo", body, 0)
		b.EmitLocal(OpSetLocal, 0, 0)

		// First call starts the generator; it yields null.
		b.EmitLocal(OpReadLocal, 0, 0)
		b.EmitUint32(OpCall, 0)
		b.Emit(OpPop)

		// Second call passes 99, which the generator yields back.
		emitWrite(b, func() {
			b.EmitLocal(OpReadLocal, 0, 0)
			b.EmitValue(FromInt(99))
			b.EmitUint32(OpCall, 1)
		})
		b.EmitValue(Null)
		b.Emit(OpReturn)

		b.Mark(body)
		b.EmitValue(Null)
		b.Emit(OpYield)
		// The resume argument is on the stack now; yield it back.
		b.Emit(OpYield)
		b.EmitValue(Null)
		b.Emit(OpReturn)
	})

	if out != "99\n" {
		t.Errorf("output = %q, want %q", out, "99\n")
	}
}

func TestGeneratorThrowPropagatesToResumer(t *testing.T) {
	// A generator that throws propagates into the resumer's catch chain.
	out, _, _ := runProgram(t, func(b *BlockBuilder) {
		body := b.NewLabel()
		handler := b.NewLabel()
		done := b.NewLabel()

		b.SetLocalCount(1)
		b.EmitGeneratorAt("failing", body, 0)
		b.EmitLocal(OpSetLocal, 0, 0)

		b.EmitSymbol(OpReadGlobal, "__write")
		b.EmitCatchTable(handler)
		b.EmitLocal(OpReadLocal, 0, 0)
		b.EmitUint32(OpCall, 0)
		b.Emit(OpPop)

		b.Mark(handler)
		b.EmitBranch(OpBranch, done)
		b.Mark(done)
		b.EmitUint32(OpCall, 1)
		b.Emit(OpPop)
		b.EmitValue(Null)
		b.Emit(OpReturn)

		b.Mark(body)
		b.EmitString("generator boom")
		b.Emit(OpThrow)
	})

	if out != "generator boom\n" {
		t.Errorf("output = %q, want %q", out, "generator boom\n")
	}
}

// ---------------------------------------------------------------------------
// Closures
// ---------------------------------------------------------------------------

func TestClosureCapture(t *testing.T) {
	// const mk = func(x) { func() { x = x + 1; x } }
	// const c = mk(10); c(), c(), c() -> 11, 12, 13
	out, _, _ := runProgram(t, func(b *BlockBuilder) {
		mkBody := b.NewLabel()
		innerBody := b.NewLabel()

		b.SetLocalCount(2)
		b.EmitFunctionAt(FunctionSpec{Name: "mk", ArgC: 1, MinimumArgC: 1, LVarCount: 1}, mkBody)
		b.EmitLocal(OpSetLocal, 0, 0)

		b.EmitLocal(OpReadLocal, 0, 0)
		b.EmitValue(FromInt(10))
		b.EmitUint32(OpCall, 1)
		b.EmitLocal(OpSetLocal, 1, 0)

		for i := 0; i < 3; i++ {
			emitWrite(b, func() {
				b.EmitLocal(OpReadLocal, 1, 0)
				b.EmitUint32(OpCall, 0)
			})
		}
		b.EmitValue(Null)
		b.Emit(OpReturn)

		// mk: returns a closure over its argument frame.
		b.Mark(mkBody)
		b.EmitFunctionAt(FunctionSpec{Name: "inner", Anonymous: true}, innerBody)
		b.Emit(OpReturn)

		// inner: x = x + 1; x  (x lives one lexical level up)
		b.Mark(innerBody)
		b.EmitLocal(OpReadLocal, 0, 1)
		b.EmitValue(FromInt(1))
		b.Emit(OpAdd)
		b.EmitLocal(OpSetLocal, 0, 1)
		b.EmitLocal(OpReadLocal, 0, 1)
		b.Emit(OpReturn)
	})

	want := "11\n12\n13\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestMinimumArgumentCount(t *testing.T) {
	out, _, _ := runProgram(t, func(b *BlockBuilder) {
		fBody := b.NewLabel()
		handler := b.NewLabel()
		done := b.NewLabel()

		b.EmitSymbol(OpReadGlobal, "__write")
		b.EmitCatchTable(handler)
		b.EmitFunctionAt(FunctionSpec{Name: "strict", ArgC: 2, MinimumArgC: 2, LVarCount: 2}, fBody)
		b.EmitValue(FromInt(1))
		b.EmitUint32(OpCall, 1)
		b.Emit(OpPop)

		b.Mark(handler)
		b.EmitBranch(OpBranch, done)
		b.Mark(done)
		b.EmitUint32(OpCall, 1)
		b.Emit(OpPop)
		b.EmitValue(Null)
		b.Emit(OpReturn)

		b.Mark(fBody)
		b.EmitValue(Null)
		b.Emit(OpReturn)
	})

	if !strings.Contains(out, "at least 2 arguments") {
		t.Errorf("output = %q, want an arity error payload", out)
	}
}

// ---------------------------------------------------------------------------
// Classes and prototypes
// ---------------------------------------------------------------------------

func TestMethodLookupAndSuper(t *testing.T) {
	// class A { greet() { "A" } }
	// class B extends A { greet() { "B" + super.greet() } }
	// (new B()).greet() -> "BA"
	out, _, _ := runProgram(t, func(b *BlockBuilder) {
		aGreet := b.NewLabel()
		bGreet := b.NewLabel()

		b.SetLocalCount(3)
		b.EmitFunctionAt(FunctionSpec{Name: "greet"}, aGreet)
		b.EmitClass(ClassSpec{Name: "A", MethodCount: 1})
		b.EmitLocal(OpSetLocal, 0, 0)

		b.EmitFunctionAt(FunctionSpec{Name: "greet"}, bGreet)
		b.EmitLocal(OpReadLocal, 0, 0)
		b.EmitClass(ClassSpec{Name: "B", MethodCount: 1, HasParentClass: true})
		b.EmitLocal(OpSetLocal, 1, 0)

		b.EmitLocal(OpReadLocal, 1, 0)
		b.EmitUint32(OpNew, 0)
		b.EmitLocal(OpSetLocal, 2, 0)

		emitWrite(b, func() {
			b.EmitLocal(OpReadLocal, 2, 0)
			b.EmitCallMember("greet", 0)
		})
		b.EmitValue(Null)
		b.Emit(OpReturn)

		b.Mark(aGreet)
		b.EmitString("A")
		b.Emit(OpReturn)

		b.Mark(bGreet)
		b.EmitString("B")
		b.EmitSymbol(OpPutSuperMember, "greet")
		b.EmitUint32(OpCall, 0)
		b.Emit(OpAdd)
		b.Emit(OpReturn)
	})

	if out != "BA\n" {
		t.Errorf("output = %q, want %q", out, "BA\n")
	}
}

func TestMissingMethodThrows(t *testing.T) {
	out, _, _ := runProgram(t, func(b *BlockBuilder) {
		handler := b.NewLabel()
		done := b.NewLabel()

		b.SetLocalCount(1)
		b.EmitClass(ClassSpec{Name: "Empty"})
		b.EmitUint32(OpNew, 0)
		b.EmitLocal(OpSetLocal, 0, 0)

		b.EmitSymbol(OpReadGlobal, "__write")
		b.EmitCatchTable(handler)
		b.EmitLocal(OpReadLocal, 0, 0)
		b.EmitCallMember("nope", 0)
		b.Emit(OpPop)

		b.Mark(handler)
		b.EmitBranch(OpBranch, done)
		b.Mark(done)
		b.EmitUint32(OpCall, 1)
		b.Emit(OpPop)
	})

	if !strings.Contains(out, "nope") {
		t.Errorf("output = %q, want a message naming the missing symbol", out)
	}
}

func TestConstructorAndMemberProperties(t *testing.T) {
	// class D { property tag; constructor(v) { self.val = v } }
	out, _, _ := runProgram(t, func(b *BlockBuilder) {
		ctorBody := b.NewLabel()

		b.SetLocalCount(2)
		b.EmitValue(SymbolFromString("tag"))
		b.EmitFunctionAt(FunctionSpec{Name: "constructor", ArgC: 1, MinimumArgC: 1, LVarCount: 1}, ctorBody)
		b.EmitClass(ClassSpec{Name: "D", PropertyCount: 1, HasConstructor: true})
		b.EmitLocal(OpSetLocal, 0, 0)

		b.EmitLocal(OpReadLocal, 0, 0)
		b.EmitValue(FromInt(42))
		b.EmitUint32(OpNew, 1)
		b.EmitLocal(OpSetLocal, 1, 0)

		emitWrite(b, func() {
			b.EmitLocal(OpReadLocal, 1, 0)
			b.EmitSymbol(OpReadMemberSymbol, "val")
		})
		emitWrite(b, func() {
			b.EmitLocal(OpReadLocal, 1, 0)
			b.EmitSymbol(OpReadMemberSymbol, "tag")
		})
		b.EmitValue(Null)
		b.Emit(OpReturn)

		b.Mark(ctorBody)
		b.Emit(OpPutSelf)
		b.EmitLocal(OpReadLocal, 0, 0)
		b.EmitSymbol(OpSetMemberSymbol, "val")
		b.EmitValue(Null)
		b.Emit(OpReturn)
	})

	want := "42\nnull\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestSetMemberOnPrimitiveThrows(t *testing.T) {
	out, _, _ := runProgram(t, func(b *BlockBuilder) {
		handler := b.NewLabel()
		done := b.NewLabel()

		b.EmitSymbol(OpReadGlobal, "__write")
		b.EmitCatchTable(handler)
		b.EmitValue(FromInt(5))
		b.EmitValue(FromInt(1))
		b.EmitSymbol(OpSetMemberSymbol, "x")
		b.EmitValue(Null)

		b.Mark(handler)
		b.EmitBranch(OpBranch, done)
		b.Mark(done)
		b.EmitUint32(OpCall, 1)
		b.Emit(OpPop)
	})

	if !strings.Contains(out, "cannot assign member") {
		t.Errorf("output = %q, want an assignment error", out)
	}
}

// ---------------------------------------------------------------------------
// Arrays and hashes
// ---------------------------------------------------------------------------

func TestArrayLiteralAndIndexing(t *testing.T) {
	out, _, _ := runProgram(t, func(b *BlockBuilder) {
		b.SetLocalCount(1)
		b.EmitValue(FromInt(10))
		b.EmitValue(FromInt(20))
		b.EmitValue(FromInt(30))
		b.EmitUint32(OpPutArray, 3)
		b.EmitLocal(OpSetLocal, 0, 0)

		emitWrite(b, func() {
			b.EmitLocal(OpReadLocal, 0, 0)
			b.EmitUint32(OpReadArrayIndex, 1)
		})
		// Negative indices wrap once.
		emitWrite(b, func() {
			b.EmitLocal(OpReadLocal, 0, 0)
			b.EmitUint32(OpReadArrayIndex, uint32(0xFFFFFFFF)) // -1
		})
		// Out-of-range reads push null.
		emitWrite(b, func() {
			b.EmitLocal(OpReadLocal, 0, 0)
			b.EmitUint32(OpReadArrayIndex, 9)
		})
	})

	want := "20\n30\nnull\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestArrayOutOfRangeWriteThrows(t *testing.T) {
	out, _, _ := runProgram(t, func(b *BlockBuilder) {
		handler := b.NewLabel()
		done := b.NewLabel()

		b.SetLocalCount(1)
		b.EmitValue(FromInt(1))
		b.EmitUint32(OpPutArray, 1)
		b.EmitLocal(OpSetLocal, 0, 0)

		b.EmitSymbol(OpReadGlobal, "__write")
		b.EmitCatchTable(handler)
		b.EmitLocal(OpReadLocal, 0, 0)
		b.EmitValue(FromInt(5))
		b.EmitUint32(OpSetArrayIndex, 7)
		b.EmitValue(Null)

		b.Mark(handler)
		b.EmitBranch(OpBranch, done)
		b.Mark(done)
		b.EmitUint32(OpCall, 1)
		b.Emit(OpPop)
	})

	if !strings.Contains(out, "out of range") {
		t.Errorf("output = %q, want an out-of-range error", out)
	}
}

func TestHashLiteralAndMemberValue(t *testing.T) {
	out, _, _ := runProgram(t, func(b *BlockBuilder) {
		b.SetLocalCount(1)
		b.EmitString("answer")
		b.EmitValue(FromInt(42))
		b.EmitUint32(OpPutHash, 1)
		b.EmitLocal(OpSetLocal, 0, 0)

		emitWrite(b, func() {
			b.EmitLocal(OpReadLocal, 0, 0)
			b.EmitString("answer")
			b.Emit(OpReadMemberValue)
		})
	})

	if out != "42\n" {
		t.Errorf("output = %q, want %q", out, "42\n")
	}
}

// ---------------------------------------------------------------------------
// Branches and misc
// ---------------------------------------------------------------------------

func TestBranchLoop(t *testing.T) {
	// i = 0; while (i < 5) i = i + 1; i
	out, _, _ := runProgram(t, func(b *BlockBuilder) {
		loop := b.NewLabel()
		exit := b.NewLabel()

		b.SetLocalCount(1)
		b.EmitValue(FromInt(0))
		b.EmitLocal(OpSetLocal, 0, 0)

		b.Mark(loop)
		b.EmitLocal(OpReadLocal, 0, 0)
		b.EmitValue(FromInt(5))
		b.EmitBranch(OpBranchGe, exit)
		b.EmitLocal(OpReadLocal, 0, 0)
		b.EmitValue(FromInt(1))
		b.Emit(OpAdd)
		b.EmitLocal(OpSetLocal, 0, 0)
		b.EmitBranch(OpBranch, loop)

		b.Mark(exit)
		emitWrite(b, func() {
			b.EmitLocal(OpReadLocal, 0, 0)
		})
	})

	if out != "5\n" {
		t.Errorf("output = %q, want %q", out, "5\n")
	}
}

func TestTypeofOpcode(t *testing.T) {
	out, _, _ := runProgram(t, func(b *BlockBuilder) {
		emitWrite(b, func() {
			b.EmitValue(FromInt(1))
			b.Emit(OpTypeof)
		})
		emitWrite(b, func() {
			b.EmitString("hello world")
			b.Emit(OpTypeof)
		})
	})

	want := "integer\nstring\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestStackPlumbing(t *testing.T) {
	out, _, _ := runProgram(t, func(b *BlockBuilder) {
		emitWrite(b, func() {
			b.EmitValue(FromInt(1))
			b.EmitValue(FromInt(2))
			b.Emit(OpSwap) // [2 1]
			b.Emit(OpPop)  // [2]
			b.Emit(OpDup)  // [2 2]
			b.Emit(OpAdd)  // [4]
		})
	})

	if out != "4\n" {
		t.Errorf("output = %q, want %q", out, "4\n")
	}
}

func TestUnknownOpcodePanics(t *testing.T) {
	machine := NewVM(DefaultConfig())
	block := &InstructionBlock{Data: []byte{0xFE}, WriteOffset: 1}

	status, err := machine.RunSafe(block)
	if err == nil {
		t.Fatal("RunSafe should report a machine panic for an unknown opcode")
	}
	if status != 1 {
		t.Errorf("status = %d, want 1", status)
	}
	if !strings.Contains(err.Error(), "machine panic") {
		t.Errorf("err = %v, want a machine panic", err)
	}
}

func TestStringConcatenationForms(t *testing.T) {
	out, _, _ := runProgram(t, func(b *BlockBuilder) {
		// Small result stays immediate, larger ones go to the heap.
		emitWrite(b, func() {
			b.EmitString("ab")
			b.EmitString("cd")
			b.Emit(OpAdd)
		})
		emitWrite(b, func() {
			b.EmitString("abc")
			b.EmitString("def")
			b.Emit(OpAdd)
		})
		emitWrite(b, func() {
			b.EmitString("a longer left side ")
			b.EmitString("and a longer right side")
			b.Emit(OpAdd)
		})
		// String + number renders the number.
		emitWrite(b, func() {
			b.EmitString("n=")
			b.EmitValue(FromInt(7))
			b.Emit(OpAdd)
		})
	})

	want := "abcd\nabcdef\na longer left side and a longer right side\nn=7\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

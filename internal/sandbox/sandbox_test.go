package sandbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hexweave/grimoire/internal/sandbox"
)

// The test fixtures are hand-assembled wasm binaries implementing the
// sandbox ABI: exported "memory" and "run(ptr, len) -> i64" where the result
// packs (output_ptr << 32) | output_len.

var wasmHeader = []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

// typeRunSection declares one function type (i32, i32) -> i64.
var typeRunSection = []byte{0x01, 0x07, 0x01, 0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e}

// funcSection declares one function of type 0.
var funcSection = []byte{0x03, 0x02, 0x01, 0x00}

// memSection declares one memory of min 1 page.
var memSection = []byte{0x05, 0x03, 0x01, 0x00, 0x01}

// hugeMemSection declares one memory of min 1024 pages (64 MiB).
var hugeMemSection = []byte{0x05, 0x04, 0x01, 0x00, 0x80, 0x08}

// exportSection exports "memory" (mem 0) and "run" (func 0).
var exportSection = []byte{
	0x07, 0x10, 0x02,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x03, 'r', 'u', 'n', 0x00, 0x00,
}

func module(sections ...[]byte) []byte {
	bin := append([]byte{}, wasmHeader...)
	for _, s := range sections {
		bin = append(bin, s...)
	}
	return bin
}

// emptyOutputModule returns (ptr=0, len=0) immediately.
func emptyOutputModule() []byte {
	code := []byte{0x0a, 0x06, 0x01, 0x04, 0x00, 0x42, 0x00, 0x0b}
	return module(typeRunSection, funcSection, memSection, exportSection, code)
}

// eightByteOutputModule returns (ptr=0, len=8): the first 8 bytes of memory.
func eightByteOutputModule() []byte {
	code := []byte{0x0a, 0x06, 0x01, 0x04, 0x00, 0x42, 0x08, 0x0b}
	return module(typeRunSection, funcSection, memSection, exportSection, code)
}

// spinModule loops forever inside run.
func spinModule() []byte {
	code := []byte{0x0a, 0x0b, 0x01, 0x09, 0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x42, 0x00, 0x0b}
	return module(typeRunSection, funcSection, memSection, exportSection, code)
}

// trapModule hits unreachable inside run.
func trapModule() []byte {
	code := []byte{0x0a, 0x05, 0x01, 0x03, 0x00, 0x00, 0x0b}
	return module(typeRunSection, funcSection, memSection, exportSection, code)
}

// hugeMemoryModule statically declares 64 MiB of linear memory.
func hugeMemoryModule() []byte {
	code := []byte{0x0a, 0x06, 0x01, 0x04, 0x00, 0x42, 0x00, 0x0b}
	return module(typeRunSection, funcSection, hugeMemSection, exportSection, code)
}

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func newRuntime(t *testing.T, compiles *int) *sandbox.Runtime {
	t.Helper()
	return sandbox.NewRuntime(sandbox.Config{
		CompileHook: func(string) {
			if compiles != nil {
				*compiles++
			}
		},
	})
}

func TestLoadModuleRejectsBadMagic(t *testing.T) {
	rt := newRuntime(t, nil)
	_, err := rt.LoadModule(context.Background(), sandbox.ModuleSource{Bytes: []byte("notawasmmodule")}, 16)
	if !errors.Is(err, sandbox.ErrInvalidModule) {
		t.Errorf("err = %v, want ErrInvalidModule", err)
	}
}

func TestLoadModuleRejectsEmptySource(t *testing.T) {
	rt := newRuntime(t, nil)
	if _, err := rt.LoadModule(context.Background(), sandbox.ModuleSource{}, 16); err == nil {
		t.Error("empty source accepted")
	}
}

func TestLoadModuleRejectsOversizedMemoryDeclaration(t *testing.T) {
	rt := newRuntime(t, nil)
	// 64 MiB static declaration against a 16 MB ceiling.
	_, err := rt.LoadModule(context.Background(), sandbox.ModuleSource{Bytes: hugeMemoryModule()}, 16)
	if !errors.Is(err, sandbox.ErrMemoryLimit) {
		t.Errorf("err = %v, want ErrMemoryLimit", err)
	}
}

func TestExecuteSuccess(t *testing.T) {
	rt := newRuntime(t, nil)
	lm, err := rt.LoadModule(context.Background(), sandbox.ModuleSource{Bytes: emptyOutputModule()}, 16)
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}

	res := rt.Execute(context.Background(), lm, sandbox.ExecOptions{MaxExecutionTimeMS: 5000})
	if !res.Success {
		t.Fatalf("Execute failed: %s (%s)", res.Error, res.ErrorCode)
	}
	if len(res.Output) != 0 {
		t.Errorf("output = %v, want empty", res.Output)
	}
	if res.MemoryUsedMB < 1 {
		t.Errorf("memory used = %d MB, want >= 1 (one page minimum)", res.MemoryUsedMB)
	}
}

func TestExecuteReadsOutputSpan(t *testing.T) {
	rt := newRuntime(t, nil)
	lm, err := rt.LoadModule(context.Background(), sandbox.ModuleSource{Bytes: eightByteOutputModule()}, 16)
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}

	res := rt.Execute(context.Background(), lm, sandbox.ExecOptions{MaxExecutionTimeMS: 5000})
	if !res.Success {
		t.Fatalf("Execute failed: %s (%s)", res.Error, res.ErrorCode)
	}
	if len(res.Output) != 8 {
		t.Errorf("output length = %d, want 8", len(res.Output))
	}
}

func TestExecuteOutputSizeCeiling(t *testing.T) {
	rt := newRuntime(t, nil)
	lm, err := rt.LoadModule(context.Background(), sandbox.ModuleSource{Bytes: eightByteOutputModule()}, 16)
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}

	res := rt.Execute(context.Background(), lm, sandbox.ExecOptions{
		MaxExecutionTimeMS: 5000,
		MaxOutputSizeBytes: 4,
	})
	if res.Success {
		t.Fatal("oversized output accepted")
	}
	if res.ErrorCode != sandbox.CodeOutputTooLarge {
		t.Errorf("error code = %q, want %q", res.ErrorCode, sandbox.CodeOutputTooLarge)
	}
}

func TestExecuteTimeout(t *testing.T) {
	rt := newRuntime(t, nil)
	lm, err := rt.LoadModule(context.Background(), sandbox.ModuleSource{Bytes: spinModule()}, 16)
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}

	start := time.Now()
	res := rt.Execute(context.Background(), lm, sandbox.ExecOptions{MaxExecutionTimeMS: 200})
	elapsed := time.Since(start)

	if res.Success {
		t.Fatal("spinning module reported success")
	}
	if res.ErrorCode != sandbox.CodeTimeout {
		t.Errorf("error code = %q, want %q", res.ErrorCode, sandbox.CodeTimeout)
	}
	// The deadline must actually interrupt the guest, not wait it out.
	if elapsed > 5*time.Second {
		t.Errorf("execution took %v, deadline did not interrupt the guest", elapsed)
	}
}

func TestExecuteTrapIsNotTimeout(t *testing.T) {
	rt := newRuntime(t, nil)
	lm, err := rt.LoadModule(context.Background(), sandbox.ModuleSource{Bytes: trapModule()}, 16)
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}

	res := rt.Execute(context.Background(), lm, sandbox.ExecOptions{MaxExecutionTimeMS: 5000})
	if res.Success {
		t.Fatal("trapping module reported success")
	}
	if res.ErrorCode != sandbox.CodeTrap {
		t.Errorf("error code = %q, want %q", res.ErrorCode, sandbox.CodeTrap)
	}
}

func TestExecuteInputWithoutAllocFails(t *testing.T) {
	rt := newRuntime(t, nil)
	lm, err := rt.LoadModule(context.Background(), sandbox.ModuleSource{Bytes: emptyOutputModule()}, 16)
	if err != nil {
		t.Fatalf("LoadModule: %v", err)
	}

	res := rt.Execute(context.Background(), lm, sandbox.ExecOptions{
		Input:              []byte(`{"width":100}`),
		MaxExecutionTimeMS: 5000,
	})
	if res.Success {
		t.Fatal("input accepted by module without alloc export")
	}
	if res.ErrorCode != sandbox.CodeBadABI {
		t.Errorf("error code = %q, want %q", res.ErrorCode, sandbox.CodeBadABI)
	}
}

func TestCompileCacheHit(t *testing.T) {
	compiles := 0
	rt := newRuntime(t, &compiles)
	bin := emptyOutputModule()

	if _, err := rt.LoadModule(context.Background(), sandbox.ModuleSource{Bytes: bin}, 16); err != nil {
		t.Fatalf("first load: %v", err)
	}
	if _, err := rt.LoadModule(context.Background(), sandbox.ModuleSource{Bytes: bin}, 16); err != nil {
		t.Fatalf("second load: %v", err)
	}
	if compiles != 1 {
		t.Errorf("compile count = %d, want 1 (second load should hit cache)", compiles)
	}
}

func TestCompileCacheKeyedByMemoryLimit(t *testing.T) {
	compiles := 0
	rt := newRuntime(t, &compiles)
	bin := emptyOutputModule()

	if _, err := rt.LoadModule(context.Background(), sandbox.ModuleSource{Bytes: bin}, 16); err != nil {
		t.Fatalf("load at 16MB: %v", err)
	}
	if _, err := rt.LoadModule(context.Background(), sandbox.ModuleSource{Bytes: bin}, 32); err != nil {
		t.Fatalf("load at 32MB: %v", err)
	}
	if compiles != 2 {
		t.Errorf("compile count = %d, want 2 (different ceilings compile separately)", compiles)
	}
}

func TestCompileCacheExpires(t *testing.T) {
	compiles := 0
	clk := &fakeClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
	rt := sandbox.NewRuntime(sandbox.Config{
		Clock:       clk.Now,
		CacheTTL:    30 * time.Minute,
		CompileHook: func(string) { compiles++ },
	})
	bin := emptyOutputModule()

	if _, err := rt.LoadModule(context.Background(), sandbox.ModuleSource{Bytes: bin}, 16); err != nil {
		t.Fatalf("first load: %v", err)
	}

	clk.now = clk.now.Add(31 * time.Minute)
	if _, err := rt.LoadModule(context.Background(), sandbox.ModuleSource{Bytes: bin}, 16); err != nil {
		t.Fatalf("load after TTL: %v", err)
	}
	if compiles != 2 {
		t.Errorf("compile count = %d, want 2 (TTL expired)", compiles)
	}
}

func TestHashModuleDeterministic(t *testing.T) {
	a := sandbox.HashModule([]byte("same bytes"))
	b := sandbox.HashModule([]byte("same bytes"))
	c := sandbox.HashModule([]byte("other bytes"))
	if a != b {
		t.Error("identical bytes hashed differently")
	}
	if a == c {
		t.Error("different bytes hashed identically")
	}
	if len(a) != 64 {
		t.Errorf("hash length = %d, want 64 hex chars", len(a))
	}
}

func TestEvictedModuleRuntimeIsClosed(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)}
	rt := sandbox.NewRuntime(sandbox.Config{
		Clock:    clk.Now,
		CacheTTL: 30 * time.Minute,
	})

	stale, err := rt.LoadModule(context.Background(), sandbox.ModuleSource{Bytes: emptyOutputModule()}, 16)
	if err != nil {
		t.Fatalf("first load: %v", err)
	}

	// The next Set after expiry purges the stale entry, which must release
	// its runtime rather than leaking the compiled code.
	clk.now = clk.now.Add(31 * time.Minute)
	fresh, err := rt.LoadModule(context.Background(), sandbox.ModuleSource{Bytes: eightByteOutputModule()}, 16)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}

	res := rt.Execute(context.Background(), stale, sandbox.ExecOptions{})
	if res.Success {
		t.Error("stale handle executed on a closed runtime")
	}

	if res := rt.Execute(context.Background(), fresh, sandbox.ExecOptions{}); !res.Success {
		t.Errorf("fresh module failed: %s", res.Error)
	}
}

// wasiImportModule imports wasi_snapshot_preview1.proc_exit alongside the
// usual ABI exports. The imported function is index 0, so "run" exports
// function index 1.
func wasiImportModule() []byte {
	typeSection := []byte{
		0x01, 0x0b, 0x02,
		0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e, // (i32, i32) -> i64
		0x60, 0x01, 0x7f, 0x00, // (i32) -> ()
	}
	importSection := append([]byte{0x02, 0x24, 0x01, 0x16},
		append(append([]byte("wasi_snapshot_preview1"), 0x09),
			append([]byte("proc_exit"), 0x00, 0x01)...)...)
	exports := []byte{
		0x07, 0x10, 0x02,
		0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
		0x03, 'r', 'u', 'n', 0x00, 0x01,
	}
	code := []byte{0x0a, 0x06, 0x01, 0x04, 0x00, 0x42, 0x00, 0x0b}
	return module(typeSection, importSection, funcSection, memSection, exports, code)
}

func TestWASIOnlyInstantiatedForImportingGuests(t *testing.T) {
	rt := newRuntime(t, nil)

	// A guest importing wasi_snapshot_preview1 resolves its imports and runs.
	withWASI, err := rt.LoadModule(context.Background(), sandbox.ModuleSource{Bytes: wasiImportModule()}, 16)
	if err != nil {
		t.Fatalf("load wasi-importing module: %v", err)
	}
	if res := rt.Execute(context.Background(), withWASI, sandbox.ExecOptions{}); !res.Success {
		t.Errorf("wasi-importing module failed: %s", res.Error)
	}

	// A guest with no imports runs in a runtime with no host surface.
	plain, err := rt.LoadModule(context.Background(), sandbox.ModuleSource{Bytes: emptyOutputModule()}, 16)
	if err != nil {
		t.Fatalf("load plain module: %v", err)
	}
	if res := rt.Execute(context.Background(), plain, sandbox.ExecOptions{}); !res.Success {
		t.Errorf("plain module failed: %s", res.Error)
	}
}

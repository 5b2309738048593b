// Package sandbox executes content-addressed WebAssembly modules under
// enforced memory, wall-clock, and output-size ceilings. Limits are
// structural, not measured after the fact: the linear memory ceiling is
// applied at the allocation boundary inside the wasm runtime, and the
// deadline races the guest's entry point and closes the module on expiry.
package sandbox

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	wazeroapi "github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/hexweave/grimoire/internal/cache"
	"github.com/hexweave/grimoire/internal/model"
)

// Resource defaults.
const (
	DefaultMaxMemoryMB        = 128
	DefaultMaxExecutionTimeMS = 300_000
	DefaultMaxOutputSizeBytes = 100 * 1024 * 1024

	moduleCacheTTL   = 30 * time.Minute
	maxCachedModules = 64
	maxRemoteModule  = 64 * 1024 * 1024

	wasmPageSize = 65536
)

// Execution failure codes. Callers branch on these rather than parsing
// messages; a timeout signals resource exhaustion, not a guest bug.
const (
	CodeTimeout        = "WASM_TIMEOUT"
	CodeTrap           = "WASM_TRAP"
	CodeMemoryLimit    = "WASM_MEMORY_LIMIT"
	CodeOutputTooLarge = "WASM_OUTPUT_TOO_LARGE"
	CodeBadABI         = "WASM_BAD_ABI"
)

// wasmMagic is the first four bytes of every valid wasm binary ("\0asm").
var wasmMagic = []byte{0x00, 0x61, 0x73, 0x6d}

// ErrInvalidModule is returned when module bytes are not a compilable wasm
// binary. The magic number is checked before compilation is attempted.
var ErrInvalidModule = errors.New("invalid wasm module")

// ErrMemoryLimit is returned at load time when a module statically declares
// more linear memory than the configured ceiling allows.
var ErrMemoryLimit = errors.New("module memory exceeds limit")

// ModuleSource identifies where module bytes come from: raw bytes, a remote
// URL, or a stored module record. Exactly one field should be set.
type ModuleSource struct {
	Bytes  []byte
	URL    string
	Stored *model.Module
}

// ExecOptions carries per-execution inputs and resource ceilings. Zero
// values fall back to the package defaults.
type ExecOptions struct {
	Input              []byte
	MaxExecutionTimeMS int
	MaxOutputSizeBytes int64
	// Env is passed to the guest only when the "env" capability is declared,
	// and always filtered through the credential deny-list first.
	Env          map[string]string
	Capabilities []string
}

// Result is the outcome of one sandbox execution. Failures are data, not
// errors: a trapping or timed-out guest produces Success=false with a code.
type Result struct {
	Success         bool
	Output          []byte
	Error           string
	ErrorCode       string
	ExecutionTimeMS int
	MemoryUsedMB    int
}

// LoadedModule is a compiled module bound to a runtime configured with its
// memory ceiling. Safe to execute concurrently; instances are anonymous.
// When the compile cache drops a module, its runtime is closed once no
// execution holds a pin on it.
type LoadedModule struct {
	Hash        string
	SizeBytes   int
	MaxMemoryMB int

	runtime  wazero.Runtime
	compiled wazero.CompiledModule

	mu      sync.Mutex
	pins    int
	retired bool
	closed  bool
}

// pin marks the module in use so cache eviction cannot close its runtime
// mid-execution.
func (lm *LoadedModule) pin() {
	lm.mu.Lock()
	lm.pins++
	lm.mu.Unlock()
}

// unpin releases one pin, closing the runtime if the module was retired
// while executions were in flight.
func (lm *LoadedModule) unpin() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.pins > 0 {
		lm.pins--
	}
	lm.closeIfRetiredLocked()
}

// retire is called when the compile cache drops the module. The runtime is
// closed immediately when idle, otherwise by the last unpin.
func (lm *LoadedModule) retire() {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.retired = true
	lm.closeIfRetiredLocked()
}

func (lm *LoadedModule) closeIfRetiredLocked() {
	if lm.retired && lm.pins == 0 && !lm.closed {
		lm.closed = true
		lm.runtime.Close(context.Background())
	}
}

// Config configures a Runtime. Zero values use defaults.
type Config struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	Clock      cache.Clock
	CacheTTL   time.Duration
	// CompileHook is invoked once per actual compilation (cache miss).
	// Tests use it to observe cache behavior.
	CompileHook func(hash string)
}

// Runtime loads, caches, and executes wasm modules.
type Runtime struct {
	logger      *slog.Logger
	httpClient  *http.Client
	clock       cache.Clock
	cacheTTL    time.Duration
	compiled    *cache.Memory[*LoadedModule]
	compileHook func(hash string)
}

// NewRuntime creates a sandbox runtime with a TTL'd compile cache.
func NewRuntime(cfg Config) *Runtime {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = moduleCacheTTL
	}
	compiled := cache.NewMemory[*LoadedModule](maxCachedModules, clock)
	// Each cached module owns a wazero runtime holding mmapped compiled
	// code; dropping the cache entry must also release the runtime.
	compiled.OnEvict(func(lm *LoadedModule) { lm.retire() })
	return &Runtime{
		logger:      logger,
		httpClient:  httpClient,
		clock:       clock,
		cacheTTL:    ttl,
		compiled:    compiled,
		compileHook: cfg.CompileHook,
	}
}

// LoadModule resolves module bytes from the source, verifies the wasm magic
// number, and compiles them under the given memory ceiling. Compilation is
// cached by (content hash, memory ceiling) for the cache TTL; a hit skips
// compilation entirely.
func (r *Runtime) LoadModule(ctx context.Context, src ModuleSource, maxMemoryMB int) (*LoadedModule, error) {
	if maxMemoryMB <= 0 {
		maxMemoryMB = DefaultMaxMemoryMB
	}

	bin, hash, err := r.resolve(ctx, src)
	if err != nil {
		return nil, err
	}

	key := fmt.Sprintf("%s:%d", hash, maxMemoryMB)
	if lm, ok := r.compiled.Get(key); ok {
		cacheHitsTotal.Inc()
		return lm, nil
	}

	if len(bin) < 8 || !bytes.Equal(bin[:4], wasmMagic) {
		return nil, fmt.Errorf("%w: bad magic number", ErrInvalidModule)
	}

	limitPages := uint32(maxMemoryMB) * (1024 * 1024 / wasmPageSize)
	rtCfg := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(limitPages).
		WithCloseOnContextDone(true)

	wrt := wazero.NewRuntimeWithConfig(ctx, rtCfg)
	compiledMod, err := wrt.CompileModule(ctx, bin)
	if err != nil {
		wrt.Close(ctx)
		return nil, fmt.Errorf("%w: %v", ErrInvalidModule, err)
	}

	// WASI host functions exist in the runtime only when the guest imports
	// them; a module that never asks for WASI gets no host surface at all.
	if importsWASI(compiledMod) {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, wrt); err != nil {
			wrt.Close(ctx)
			return nil, fmt.Errorf("instantiate wasi host module: %w", err)
		}
	}

	// Reject modules whose static memory demand already exceeds the ceiling,
	// before any instantiation happens.
	if err := checkMemoryFloor(compiledMod, limitPages); err != nil {
		wrt.Close(ctx)
		return nil, err
	}

	compilesTotal.Inc()
	if r.compileHook != nil {
		r.compileHook(hash)
	}

	lm := &LoadedModule{
		Hash:        hash,
		SizeBytes:   len(bin),
		MaxMemoryMB: maxMemoryMB,
		runtime:     wrt,
		compiled:    compiledMod,
	}
	r.compiled.Set(key, lm, r.cacheTTL)

	r.logger.Debug("module compiled",
		"hash", hash, "size_bytes", len(bin), "max_memory_mb", maxMemoryMB)

	return lm, nil
}

// Execute runs the module's entry point with the given options. The ABI is:
// exported "memory"; optional "alloc(size) -> ptr" used to place the input;
// required "run(ptr, len) -> i64" returning (output_ptr << 32) | output_len.
func (r *Runtime) Execute(ctx context.Context, lm *LoadedModule, opts ExecOptions) Result {
	maxMS := opts.MaxExecutionTimeMS
	if maxMS <= 0 {
		maxMS = DefaultMaxExecutionTimeMS
	}
	maxOutput := opts.MaxOutputSizeBytes
	if maxOutput <= 0 {
		maxOutput = DefaultMaxOutputSizeBytes
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(maxMS)*time.Millisecond)
	defer cancel()

	lm.pin()
	defer lm.unpin()

	start := time.Now()
	res := r.run(ctx, lm, opts, maxOutput)
	res.ExecutionTimeMS = int(time.Since(start).Milliseconds())

	outcome := "success"
	if !res.Success {
		outcome = "failure"
		if res.ErrorCode == CodeTimeout {
			outcome = "timeout"
		}
	}
	executionsTotal.WithLabelValues(outcome).Inc()
	executionDuration.Observe(time.Since(start).Seconds())

	return res
}

func (r *Runtime) run(ctx context.Context, lm *LoadedModule, opts ExecOptions, maxOutput int64) Result {
	modCfg := wazero.NewModuleConfig().WithName("")

	if hasCapability(opts.Capabilities, "env") {
		redacted := RedactEnv(opts.Env)
		names := make([]string, 0, len(redacted))
		for name := range redacted {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			modCfg = modCfg.WithEnv(name, redacted[name])
		}
	}

	mod, err := lm.runtime.InstantiateModule(ctx, lm.compiled, modCfg)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return timeoutResult(opts)
		}
		return Result{Success: false, ErrorCode: CodeTrap,
			Error: fmt.Sprintf("instantiate module: %v", err)}
	}
	defer mod.Close(context.WithoutCancel(ctx))

	var inPtr, inLen uint64
	if len(opts.Input) > 0 {
		alloc := mod.ExportedFunction("alloc")
		if alloc == nil {
			return Result{Success: false, ErrorCode: CodeBadABI,
				Error: "module does not export alloc but input was provided"}
		}
		allocRes, err := alloc.Call(ctx, uint64(len(opts.Input)))
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return timeoutResult(opts)
			}
			return Result{Success: false, ErrorCode: CodeTrap,
				Error: fmt.Sprintf("alloc: %v", err), MemoryUsedMB: memoryUsedMB(mod)}
		}
		inPtr = allocRes[0]
		if mod.Memory() == nil || !mod.Memory().Write(uint32(inPtr), opts.Input) {
			return Result{Success: false, ErrorCode: CodeBadABI,
				Error: "alloc returned pointer outside linear memory", MemoryUsedMB: memoryUsedMB(mod)}
		}
		inLen = uint64(len(opts.Input))
	}

	run := mod.ExportedFunction("run")
	if run == nil {
		return Result{Success: false, ErrorCode: CodeBadABI,
			Error: "module does not export run"}
	}

	callRes, err := run.Call(ctx, inPtr, inLen)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return timeoutResult(opts)
		}
		return Result{Success: false, ErrorCode: CodeTrap,
			Error: fmt.Sprintf("module trapped: %v", err), MemoryUsedMB: memoryUsedMB(mod)}
	}

	var output []byte
	if len(callRes) > 0 {
		outPtr := uint32(callRes[0] >> 32)
		outLen := uint32(callRes[0])
		if int64(outLen) > maxOutput {
			return Result{Success: false, ErrorCode: CodeOutputTooLarge,
				Error: fmt.Sprintf("output of %d bytes exceeds limit of %d bytes", outLen, maxOutput),
				MemoryUsedMB: memoryUsedMB(mod)}
		}
		if outLen > 0 {
			mem := mod.Memory()
			if mem == nil {
				return Result{Success: false, ErrorCode: CodeBadABI,
					Error: "run returned a span but module exports no memory"}
			}
			data, ok := mem.Read(outPtr, outLen)
			if !ok {
				return Result{Success: false, ErrorCode: CodeBadABI,
					Error: "run returned a span outside linear memory", MemoryUsedMB: memoryUsedMB(mod)}
			}
			output = make([]byte, len(data))
			copy(output, data)
		}
	}

	return Result{Success: true, Output: output, MemoryUsedMB: memoryUsedMB(mod)}
}

// resolve fetches module bytes from the source and returns them with their
// SHA-256 content hash.
func (r *Runtime) resolve(ctx context.Context, src ModuleSource) ([]byte, string, error) {
	switch {
	case src.Stored != nil:
		return src.Stored.Data, src.Stored.Hash, nil
	case len(src.Bytes) > 0:
		return src.Bytes, HashModule(src.Bytes), nil
	case src.URL != "":
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
		if err != nil {
			return nil, "", fmt.Errorf("build module request: %w", err)
		}
		resp, err := r.httpClient.Do(req)
		if err != nil {
			return nil, "", fmt.Errorf("fetch module: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, "", fmt.Errorf("fetch module: unexpected status %d", resp.StatusCode)
		}
		bin, err := io.ReadAll(io.LimitReader(resp.Body, maxRemoteModule+1))
		if err != nil {
			return nil, "", fmt.Errorf("read module body: %w", err)
		}
		if len(bin) > maxRemoteModule {
			return nil, "", fmt.Errorf("remote module exceeds %d bytes", maxRemoteModule)
		}
		return bin, HashModule(bin), nil
	default:
		return nil, "", errors.New("module source is empty")
	}
}

// HashModule returns the hex SHA-256 digest of module bytes.
func HashModule(bin []byte) string {
	sum := sha256.Sum256(bin)
	return hex.EncodeToString(sum[:])
}

// importsWASI reports whether the compiled module imports any function from
// the wasi_snapshot_preview1 host module.
func importsWASI(compiled wazero.CompiledModule) bool {
	for _, f := range compiled.ImportedFunctions() {
		if moduleName, _, _ := f.Import(); moduleName == wasi_snapshot_preview1.ModuleName {
			return true
		}
	}
	return false
}

func checkMemoryFloor(compiled wazero.CompiledModule, limitPages uint32) error {
	for _, def := range compiled.ExportedMemories() {
		if def.Min() > limitPages {
			return fmt.Errorf("%w: module declares %d pages, ceiling is %d pages",
				ErrMemoryLimit, def.Min(), limitPages)
		}
	}
	for _, def := range compiled.ImportedMemories() {
		if def.Min() > limitPages {
			return fmt.Errorf("%w: module imports %d pages, ceiling is %d pages",
				ErrMemoryLimit, def.Min(), limitPages)
		}
	}
	return nil
}

func timeoutResult(opts ExecOptions) Result {
	maxMS := opts.MaxExecutionTimeMS
	if maxMS <= 0 {
		maxMS = DefaultMaxExecutionTimeMS
	}
	return Result{
		Success:   false,
		ErrorCode: CodeTimeout,
		Error:     fmt.Sprintf("execution exceeded %dms deadline", maxMS),
	}
}

func memoryUsedMB(mod wazeroapi.Module) int {
	mem := mod.Memory()
	if mem == nil {
		return 0
	}
	size := mem.Size()
	mb := int(size / (1024 * 1024))
	if size%(1024*1024) != 0 {
		mb++
	}
	return mb
}

func hasCapability(caps []string, want string) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

// CompiledCount reports how many modules are currently cached. Used by stats.
func (r *Runtime) CompiledCount() int {
	return r.compiled.Len()
}

package loader

// Besides the exports below, a guest must handle two things itself:
//
// Standard streams are not host files, so WASI fd_fdstat_get reports them as
// block devices and libc isatty() is always false. Terminal detection goes
// through tty_isatty.
//
// The working directory arrives only as $PWD. WASI libc starts in "/", so
// vm_load must chdir to $PWD before resolving relative paths.

// Guest exports. The guest is a WASI reactor: the host runs _initialize once,
// then drives the interpreter through these functions.
const (
	// ExportInitialize is the reactor start function (libc/crt setup).
	ExportInitialize = "_initialize"

	// ExportLoad parses argv and initializes the interpreter.
	// Signature: vm_load() -> i32. Negative means failure.
	ExportLoad = "vm_load"

	// ExportRunMain runs the interpreter's entry point.
	// Signature: vm_run_main() -> i32 (the program's result code).
	ExportRunMain = "vm_run_main"

	// ExportStep runs one round of the guest's cooperative scheduler.
	// Signature: vm_step() -> i32 (number of tasks that ran).
	ExportStep = "vm_step"

	// ExportFinalize tears the interpreter down.
	// Signature: vm_finalize() -> i32. Negative means failure.
	ExportFinalize = "vm_finalize"

	// ExportDumpTrace writes the guest's execution trace to its stderr.
	// Signature: vm_dump_trace() -> void
	ExportDumpTrace = "vm_dump_trace"
)

// Host imports, all under HostModule.
const (
	HostModule = "vmshell"

	// ImportProgress reports a change in the scheduler's in-progress count.
	// Signature: progress(delta: i32) -> void
	ImportProgress = "progress"

	// ImportSystemExit requests process termination with a status code.
	// Signature: system_exit(code: i32) -> void (never returns)
	ImportSystemExit = "system_exit"

	// ImportIsatty reports whether a standard descriptor is a terminal.
	// Signature: tty_isatty(fd: i32) -> i32 (1 or 0)
	ImportIsatty = "tty_isatty"

	// ImportWinsize writes rows then cols as little-endian u16 at ptr.
	// Signature: tty_winsize(fd: i32, ptr: i32) -> i32 (WASI errno)
	ImportWinsize = "tty_winsize"
)

// WASI errno values returned by host imports.
const (
	errnoSuccess = 0
	errnoBadf    = 8
	errnoFault   = 21
	errnoNotty   = 59
)

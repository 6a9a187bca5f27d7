package gate

// Errno is the value reported to user processes in ErrorReg.
type Errno uint64

const (
	// ErrOK indicates that the syscall completed successfully.
	ErrOK Errno = iota

	// ErrNoSys is reported for unknown syscall numbers.
	ErrNoSys

	// ErrNoMem is reported when the kernel ran out of frames.
	ErrNoMem

	// ErrNoEnt is reported when a path does not exist.
	ErrNoEnt

	// ErrNoExec is reported for images that cannot be loaded.
	ErrNoExec

	// ErrSrch is reported when the target process does not exist.
	ErrSrch

	// ErrFault is reported when a user pointer argument is not mapped.
	ErrFault
)

var errnoNames = [...]string{"ok", "ENOSYS", "ENOMEM", "ENOENT", "ENOEXEC", "ESRCH", "EFAULT"}

func (e Errno) String() string {
	if int(e) < len(errnoNames) {
		return errnoNames[e]
	}
	return "unknown"
}

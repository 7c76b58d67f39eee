// Package linux provides seccomp BPF filter support.
package linux

import (
	"fmt"
	"runtime"
	"syscall"
	"unsafe"

	cerrors "fire/errors"
	"fire/spec"
)

// Seccomp constants
const (
	SECCOMP_MODE_FILTER      = 2
	SECCOMP_RET_KILL_PROCESS = 0x80000000
	SECCOMP_RET_KILL_THREAD  = 0x00000000
	SECCOMP_RET_TRAP         = 0x00030000
	SECCOMP_RET_ERRNO        = 0x00050000
	SECCOMP_RET_TRACE        = 0x7ff00000
	SECCOMP_RET_LOG          = 0x7ffc0000
	SECCOMP_RET_ALLOW        = 0x7fff0000

	PR_SET_NO_NEW_PRIVS = 38
	PR_SET_SECCOMP      = 22
)

// BPF constants
const (
	BPF_LD  = 0x00
	BPF_ALU = 0x04
	BPF_JMP = 0x05
	BPF_RET = 0x06
	BPF_W   = 0x00
	BPF_ABS = 0x20
	BPF_AND = 0x50
	BPF_JEQ = 0x10
	BPF_JGE = 0x30
	BPF_JGT = 0x20
	BPF_K   = 0x00
)

// seccomp_data layout: nr at 0, arch at 4, instruction_pointer at 8,
// args[6] as u64 starting at 16. cBPF only loads 32-bit words, so each
// argument is read as a low/high pair.
const (
	offsetNR   = 0
	offsetArch = 4
	offsetArgs = 16
)

func argLowOffset(index uint) uint32  { return uint32(offsetArgs + 8*index) }
func argHighOffset(index uint) uint32 { return uint32(offsetArgs + 8*index + 4) }

// Architecture audit values
const (
	AUDIT_ARCH_X86_64  = 0xc000003e
	AUDIT_ARCH_I386    = 0x40000003
	AUDIT_ARCH_AARCH64 = 0xc00000b7
	AUDIT_ARCH_ARM     = 0x40000028
)

// sockFprog is the BPF program structure.
type sockFprog struct {
	Len    uint16
	Filter *sockFilter
}

// sockFilter is a single BPF instruction.
type sockFilter struct {
	Code uint16
	Jt   uint8
	Jf   uint8
	K    uint32
}

// actionToRet maps OCI seccomp actions to return values.
var actionToRet = map[spec.LinuxSeccompAction]uint32{
	spec.ActKill:        SECCOMP_RET_KILL_THREAD,
	spec.ActKillProcess: SECCOMP_RET_KILL_PROCESS,
	spec.ActKillThread:  SECCOMP_RET_KILL_THREAD,
	spec.ActTrap:        SECCOMP_RET_TRAP,
	spec.ActErrno:       SECCOMP_RET_ERRNO,
	spec.ActTrace:       SECCOMP_RET_TRACE,
	spec.ActAllow:       SECCOMP_RET_ALLOW,
	spec.ActLog:         SECCOMP_RET_LOG,
}

// archToAudit maps OCI arch to audit arch value.
var archToAudit = map[spec.Arch]uint32{
	spec.ArchX86_64:  AUDIT_ARCH_X86_64,
	spec.ArchX86:     AUDIT_ARCH_I386,
	spec.ArchAARCH64: AUDIT_ARCH_AARCH64,
	spec.ArchARM:     AUDIT_ARCH_ARM,
}

// nativeArch returns the OCI arch name for the build architecture, used
// when the spec does not pin architectures explicitly.
func nativeArch() spec.Arch {
	switch runtime.GOARCH {
	case "arm64":
		return spec.ArchAARCH64
	default:
		return spec.ArchX86_64
	}
}

// syscallMap is the syscall name table for the build architecture.
var syscallMap = nativeSyscallMap()

func nativeSyscallMap() map[string]int {
	if runtime.GOARCH == "arm64" {
		return syscallMapARM64
	}
	return syscallMapX86_64
}

// syscallMapX86_64 maps syscall names to x86_64 numbers.
var syscallMapX86_64 = map[string]int{
	"read": 0, "write": 1, "open": 2, "close": 3, "stat": 4,
	"fstat": 5, "lstat": 6, "poll": 7, "lseek": 8, "mmap": 9,
	"mprotect": 10, "munmap": 11, "brk": 12, "rt_sigaction": 13,
	"rt_sigprocmask": 14, "rt_sigreturn": 15, "ioctl": 16,
	"pread64": 17, "pwrite64": 18, "readv": 19, "writev": 20,
	"access": 21, "pipe": 22, "select": 23, "sched_yield": 24,
	"mremap": 25, "msync": 26, "mincore": 27, "madvise": 28,
	"shmget": 29, "shmat": 30, "shmctl": 31,
	"dup": 32, "dup2": 33, "pause": 34, "nanosleep": 35,
	"getitimer": 36, "alarm": 37, "setitimer": 38,
	"getpid": 39, "sendfile": 40, "socket": 41, "connect": 42, "accept": 43,
	"sendto": 44, "recvfrom": 45, "sendmsg": 46, "recvmsg": 47,
	"shutdown": 48, "bind": 49, "listen": 50, "getsockname": 51,
	"getpeername": 52, "socketpair": 53, "setsockopt": 54,
	"getsockopt": 55, "clone": 56, "fork": 57, "vfork": 58,
	"execve": 59, "exit": 60, "wait4": 61, "kill": 62,
	"uname": 63, "semget": 64, "semop": 65, "semctl": 66, "shmdt": 67,
	"msgget": 68, "msgsnd": 69, "msgrcv": 70, "msgctl": 71,
	"fcntl": 72, "flock": 73, "fsync": 74,
	"fdatasync": 75, "truncate": 76, "ftruncate": 77,
	"getdents": 78, "getcwd": 79, "chdir": 80, "fchdir": 81,
	"rename": 82, "mkdir": 83, "rmdir": 84, "creat": 85,
	"link": 86, "unlink": 87, "symlink": 88, "readlink": 89,
	"chmod": 90, "fchmod": 91, "chown": 92, "fchown": 93,
	"lchown": 94, "umask": 95, "gettimeofday": 96, "getrlimit": 97,
	"getrusage": 98, "sysinfo": 99, "times": 100,
	"ptrace": 101, "getuid": 102, "syslog": 103, "getgid": 104,
	"setuid": 105, "setgid": 106, "geteuid": 107, "getegid": 108,
	"setpgid": 109, "getppid": 110, "getpgrp": 111, "setsid": 112,
	"setreuid": 113, "setregid": 114, "getgroups": 115, "setgroups": 116,
	"setresuid": 117, "getresuid": 118, "setresgid": 119, "getresgid": 120,
	"getpgid": 121, "setfsuid": 122, "setfsgid": 123, "getsid": 124,
	"capget": 125, "capset": 126, "rt_sigpending": 127,
	"rt_sigtimedwait": 128, "rt_sigqueueinfo": 129, "rt_sigsuspend": 130,
	"sigaltstack": 131, "utime": 132, "mknod": 133,
	"personality": 135, "ustat": 136, "statfs": 137, "fstatfs": 138,
	"sysfs": 139, "getpriority": 140, "setpriority": 141,
	"sched_setparam": 142, "sched_getparam": 143,
	"sched_setscheduler": 144, "sched_getscheduler": 145,
	"sched_get_priority_max": 146, "sched_get_priority_min": 147,
	"sched_rr_get_interval": 148, "mlock": 149, "munlock": 150,
	"mlockall": 151, "munlockall": 152, "vhangup": 153,
	"modify_ldt": 154, "pivot_root": 155, "_sysctl": 156,
	"prctl": 157, "arch_prctl": 158, "adjtimex": 159,
	"setrlimit": 160, "chroot": 161, "sync": 162, "acct": 163,
	"settimeofday": 164, "mount": 165, "umount2": 166,
	"swapon": 167, "swapoff": 168, "reboot": 169,
	"sethostname": 170, "setdomainname": 171, "iopl": 172, "ioperm": 173,
	"init_module": 175, "delete_module": 176,
	"quotactl": 179, "nfsservctl": 180,
	"gettid": 186, "readahead": 187, "setxattr": 188,
	"lsetxattr": 189, "fsetxattr": 190,
	"getxattr": 191, "lgetxattr": 192, "fgetxattr": 193,
	"listxattr": 194, "llistxattr": 195, "flistxattr": 196,
	"removexattr": 197, "lremovexattr": 198, "fremovexattr": 199,
	"tkill": 200, "time": 201, "futex": 202,
	"sched_setaffinity": 203, "sched_getaffinity": 204,
	"io_setup": 206, "io_destroy": 207, "io_getevents": 208,
	"io_submit": 209, "io_cancel": 210, "lookup_dcookie": 212,
	"epoll_create": 213, "remap_file_pages": 216,
	"getdents64": 217, "set_tid_address": 218, "restart_syscall": 219,
	"semtimedop": 220, "fadvise64": 221, "timer_create": 222,
	"timer_settime": 223, "timer_gettime": 224, "timer_getoverrun": 225,
	"timer_delete": 226, "clock_settime": 227, "clock_gettime": 228,
	"clock_getres": 229, "clock_nanosleep": 230, "exit_group": 231,
	"epoll_wait": 232, "epoll_ctl": 233, "tgkill": 234,
	"utimes": 235, "mbind": 237, "set_mempolicy": 238,
	"get_mempolicy": 239, "mq_open": 240, "mq_unlink": 241,
	"mq_timedsend": 242, "mq_timedreceive": 243, "mq_notify": 244,
	"mq_getsetattr": 245, "kexec_load": 246, "waitid": 247,
	"add_key": 248, "request_key": 249, "keyctl": 250,
	"ioprio_set": 251, "ioprio_get": 252, "inotify_init": 253,
	"inotify_add_watch": 254, "inotify_rm_watch": 255,
	"migrate_pages": 256, "openat": 257, "mkdirat": 258,
	"mknodat": 259, "fchownat": 260, "futimesat": 261,
	"newfstatat": 262, "unlinkat": 263, "renameat": 264,
	"linkat": 265, "symlinkat": 266, "readlinkat": 267,
	"fchmodat": 268, "faccessat": 269, "pselect6": 270,
	"ppoll": 271, "unshare": 272, "set_robust_list": 273,
	"get_robust_list": 274, "splice": 275, "tee": 276,
	"sync_file_range": 277, "vmsplice": 278, "move_pages": 279,
	"utimensat": 280, "epoll_pwait": 281, "signalfd": 282,
	"timerfd_create": 283, "eventfd": 284, "fallocate": 285,
	"timerfd_settime": 286, "timerfd_gettime": 287, "accept4": 288,
	"signalfd4": 289, "eventfd2": 290, "epoll_create1": 291,
	"dup3": 292, "pipe2": 293, "inotify_init1": 294,
	"preadv": 295, "pwritev": 296, "rt_tgsigqueueinfo": 297,
	"perf_event_open": 298, "recvmmsg": 299, "fanotify_init": 300,
	"fanotify_mark": 301, "prlimit64": 302, "name_to_handle_at": 303,
	"open_by_handle_at": 304, "clock_adjtime": 305, "syncfs": 306,
	"sendmmsg": 307, "setns": 308, "getcpu": 309, "process_vm_readv": 310,
	"process_vm_writev": 311, "kcmp": 312, "finit_module": 313,
	"sched_setattr": 314, "sched_getattr": 315, "renameat2": 316,
	"seccomp": 317, "getrandom": 318, "memfd_create": 319,
	"kexec_file_load": 320, "bpf": 321, "execveat": 322,
	"userfaultfd": 323, "membarrier": 324, "mlock2": 325,
	"copy_file_range": 326, "preadv2": 327, "pwritev2": 328,
	"pkey_mprotect": 329, "pkey_alloc": 330, "pkey_free": 331,
	"statx": 332, "io_pgetevents": 333, "rseq": 334,
	"pidfd_send_signal": 424, "io_uring_setup": 425, "io_uring_enter": 426,
	"io_uring_register": 427, "open_tree": 428, "move_mount": 429,
	"fsopen": 430, "fsconfig": 431, "fsmount": 432, "fspick": 433,
	"pidfd_open": 434, "clone3": 435, "close_range": 436,
	"openat2": 437, "pidfd_getfd": 438, "faccessat2": 439,
	"process_madvise": 440, "epoll_pwait2": 441, "mount_setattr": 442,
	"landlock_create_ruleset": 444, "landlock_add_rule": 445,
	"landlock_restrict_self": 446, "memfd_secret": 447,
}

// syscallMapARM64 maps syscall names to arm64 (asm-generic) numbers.
var syscallMapARM64 = map[string]int{
	"io_setup": 0, "io_destroy": 1, "io_submit": 2, "io_cancel": 3,
	"io_getevents": 4, "setxattr": 5, "lsetxattr": 6, "fsetxattr": 7,
	"getxattr": 8, "lgetxattr": 9, "fgetxattr": 10, "listxattr": 11,
	"llistxattr": 12, "flistxattr": 13, "removexattr": 14,
	"lremovexattr": 15, "fremovexattr": 16, "getcwd": 17,
	"lookup_dcookie": 18, "eventfd2": 19, "epoll_create1": 20,
	"epoll_ctl": 21, "epoll_pwait": 22, "dup": 23, "dup3": 24,
	"fcntl": 25, "inotify_init1": 26, "inotify_add_watch": 27,
	"inotify_rm_watch": 28, "ioctl": 29, "ioprio_set": 30,
	"ioprio_get": 31, "flock": 32, "mknodat": 33, "mkdirat": 34,
	"unlinkat": 35, "symlinkat": 36, "linkat": 37, "renameat": 38,
	"umount2": 39, "mount": 40, "pivot_root": 41, "nfsservctl": 42,
	"statfs": 43, "fstatfs": 44, "truncate": 45, "ftruncate": 46,
	"fallocate": 47, "faccessat": 48, "chdir": 49, "fchdir": 50,
	"chroot": 51, "fchmod": 52, "fchmodat": 53, "fchownat": 54,
	"fchown": 55, "openat": 56, "close": 57, "vhangup": 58,
	"pipe2": 59, "quotactl": 60, "getdents64": 61, "lseek": 62,
	"read": 63, "write": 64, "readv": 65, "writev": 66,
	"pread64": 67, "pwrite64": 68, "preadv": 69, "pwritev": 70,
	"sendfile": 71, "pselect6": 72, "ppoll": 73, "signalfd4": 74,
	"vmsplice": 75, "splice": 76, "tee": 77, "readlinkat": 78,
	"newfstatat": 79, "fstat": 80, "sync": 81, "fsync": 82,
	"fdatasync": 83, "sync_file_range": 84, "timerfd_create": 85,
	"timerfd_settime": 86, "timerfd_gettime": 87, "utimensat": 88,
	"acct": 89, "capget": 90, "capset": 91, "personality": 92,
	"exit": 93, "exit_group": 94, "waitid": 95, "set_tid_address": 96,
	"unshare": 97, "futex": 98, "set_robust_list": 99,
	"get_robust_list": 100, "nanosleep": 101, "getitimer": 102,
	"setitimer": 103, "kexec_load": 104, "init_module": 105,
	"delete_module": 106, "timer_create": 107, "timer_gettime": 108,
	"timer_getoverrun": 109, "timer_settime": 110, "timer_delete": 111,
	"clock_settime": 112, "clock_gettime": 113, "clock_getres": 114,
	"clock_nanosleep": 115, "syslog": 116, "ptrace": 117,
	"sched_setparam": 118, "sched_setscheduler": 119,
	"sched_getscheduler": 120, "sched_getparam": 121,
	"sched_setaffinity": 122, "sched_getaffinity": 123,
	"sched_yield": 124, "sched_get_priority_max": 125,
	"sched_get_priority_min": 126, "sched_rr_get_interval": 127,
	"restart_syscall": 128, "kill": 129, "tkill": 130, "tgkill": 131,
	"sigaltstack": 132, "rt_sigsuspend": 133, "rt_sigaction": 134,
	"rt_sigprocmask": 135, "rt_sigpending": 136, "rt_sigtimedwait": 137,
	"rt_sigqueueinfo": 138, "rt_sigreturn": 139, "setpriority": 140,
	"getpriority": 141, "reboot": 142, "setregid": 143, "setgid": 144,
	"setreuid": 145, "setuid": 146, "setresuid": 147, "getresuid": 148,
	"setresgid": 149, "getresgid": 150, "setfsuid": 151, "setfsgid": 152,
	"times": 153, "setpgid": 154, "getpgid": 155, "getsid": 156,
	"setsid": 157, "getgroups": 158, "setgroups": 159, "uname": 160,
	"sethostname": 161, "setdomainname": 162, "getrlimit": 163,
	"setrlimit": 164, "getrusage": 165, "umask": 166, "prctl": 167,
	"getcpu": 168, "gettimeofday": 169, "settimeofday": 170,
	"adjtimex": 171, "getpid": 172, "getppid": 173, "getuid": 174,
	"geteuid": 175, "getgid": 176, "getegid": 177, "gettid": 178,
	"sysinfo": 179, "mq_open": 180, "mq_unlink": 181,
	"mq_timedsend": 182, "mq_timedreceive": 183, "mq_notify": 184,
	"mq_getsetattr": 185, "msgget": 186, "msgctl": 187, "msgrcv": 188,
	"msgsnd": 189, "semget": 190, "semctl": 191, "semtimedop": 192,
	"semop": 193, "shmget": 194, "shmctl": 195, "shmat": 196,
	"shmdt": 197, "socket": 198, "socketpair": 199, "bind": 200,
	"listen": 201, "accept": 202, "connect": 203, "getsockname": 204,
	"getpeername": 205, "sendto": 206, "recvfrom": 207,
	"setsockopt": 208, "getsockopt": 209, "shutdown": 210,
	"sendmsg": 211, "recvmsg": 212, "readahead": 213, "brk": 214,
	"munmap": 215, "mremap": 216, "add_key": 217, "request_key": 218,
	"keyctl": 219, "clone": 220, "execve": 221, "mmap": 222,
	"fadvise64": 223, "swapon": 224, "swapoff": 225, "mprotect": 226,
	"msync": 227, "mlock": 228, "munlock": 229, "mlockall": 230,
	"munlockall": 231, "mincore": 232, "madvise": 233,
	"remap_file_pages": 234, "mbind": 235, "get_mempolicy": 236,
	"set_mempolicy": 237, "migrate_pages": 238, "move_pages": 239,
	"rt_tgsigqueueinfo": 240, "perf_event_open": 241, "accept4": 242,
	"recvmmsg": 243, "wait4": 260, "prlimit64": 261,
	"fanotify_init": 262, "fanotify_mark": 263, "name_to_handle_at": 264,
	"open_by_handle_at": 265, "clock_adjtime": 266, "syncfs": 267,
	"setns": 268, "sendmmsg": 269, "process_vm_readv": 270,
	"process_vm_writev": 271, "kcmp": 272, "finit_module": 273,
	"sched_setattr": 274, "sched_getattr": 275, "renameat2": 276,
	"seccomp": 277, "getrandom": 278, "memfd_create": 279, "bpf": 280,
	"execveat": 281, "userfaultfd": 282, "membarrier": 283,
	"mlock2": 284, "copy_file_range": 285, "preadv2": 286,
	"pwritev2": 287, "pkey_mprotect": 288, "pkey_alloc": 289,
	"pkey_free": 290, "statx": 291, "io_pgetevents": 292, "rseq": 293,
	"pidfd_send_signal": 424, "io_uring_setup": 425,
	"io_uring_enter": 426, "io_uring_register": 427, "open_tree": 428,
	"move_mount": 429, "fsopen": 430, "fsconfig": 431, "fsmount": 432,
	"fspick": 433, "pidfd_open": 434, "clone3": 435, "close_range": 436,
	"openat2": 437, "pidfd_getfd": 438, "faccessat2": 439,
	"process_madvise": 440, "epoll_pwait2": 441, "mount_setattr": 442,
	"landlock_create_ruleset": 444, "landlock_add_rule": 445,
	"landlock_restrict_self": 446,
}

// SetNoNewPrivs flips the no_new_privs bit on the calling thread. The
// launcher sets it before capability pruning; it is also a precondition
// for installing a seccomp filter without CAP_SYS_ADMIN.
func SetNoNewPrivs() error {
	_, _, errno := syscall.Syscall(syscall.SYS_PRCTL, PR_SET_NO_NEW_PRIVS, 1, 0)
	if errno != 0 {
		return cerrors.WrapWithDetail(errno, cerrors.SeccompFailed, "seccomp", "prctl(PR_SET_NO_NEW_PRIVS)")
	}
	return nil
}

// SetupSeccomp compiles the filter from OCI configuration and installs it
// on the calling thread. Callers must have set no_new_privs first. An
// unresolvable syscall name is an error, not a skipped rule: a filter with
// holes enforces a different policy than the one the spec asked for.
func SetupSeccomp(config *spec.LinuxSeccomp) error {
	if config == nil {
		return nil
	}

	filter, err := buildSeccompFilter(config)
	if err != nil {
		return cerrors.Wrap(err, cerrors.SeccompFailed, "seccomp")
	}

	if len(filter) == 0 {
		return nil
	}

	prog := sockFprog{
		Len:    uint16(len(filter)),
		Filter: &filter[0],
	}

	_, _, errno := syscall.Syscall(syscall.SYS_PRCTL,
		PR_SET_SECCOMP,
		SECCOMP_MODE_FILTER,
		uintptr(unsafe.Pointer(&prog)))
	if errno != 0 {
		return cerrors.WrapWithDetail(errno, cerrors.SeccompFailed, "seccomp", "prctl(PR_SET_SECCOMP)")
	}

	return nil
}

// resolveAction turns an OCI action plus optional errno into a BPF return
// value.
func resolveAction(action spec.LinuxSeccompAction, errnoRet *uint) (uint32, error) {
	ret, ok := actionToRet[action]
	if !ok {
		return 0, fmt.Errorf("unsupported action: %s", action)
	}
	if action == spec.ActErrno {
		errno := uint(syscall.EPERM)
		if errnoRet != nil {
			errno = *errnoRet
		}
		ret = SECCOMP_RET_ERRNO | uint32(errno&0xffff)
	}
	return ret, nil
}

// buildSeccompFilter builds a BPF filter from OCI seccomp config. Rules are
// emitted in declared order, so the first matching rule wins; the default
// action closes the program.
func buildSeccompFilter(config *spec.LinuxSeccomp) ([]sockFilter, error) {
	defaultRet, err := resolveAction(config.DefaultAction, config.DefaultErrnoRet)
	if err != nil {
		return nil, fmt.Errorf("default action: %w", err)
	}

	var filter []sockFilter

	// Arch gate: anything compiled for another ABI dies outright, since
	// the syscall numbers in the rules below only mean what they mean on
	// the tabled architectures.
	filter = append(filter, bpfStmt(BPF_LD|BPF_W|BPF_ABS, offsetArch))

	arches := config.Architectures
	if len(arches) == 0 {
		arches = []spec.Arch{nativeArch()}
	}

	var auditArches []uint32
	for _, arch := range arches {
		if audit, ok := archToAudit[arch]; ok {
			auditArches = append(auditArches, audit)
		}
	}
	for i, audit := range auditArches {
		jt := uint8(len(auditArches) - i)
		filter = append(filter, bpfJump(BPF_JMP|BPF_JEQ|BPF_K, audit, jt, 0))
	}
	filter = append(filter, bpfStmt(BPF_RET|BPF_K, SECCOMP_RET_KILL_PROCESS))

	for _, rule := range config.Syscalls {
		action, err := resolveAction(rule.Action, rule.ErrnoRet)
		if err != nil {
			return nil, err
		}

		for _, name := range rule.Names {
			nr, ok := syscallMap[name]
			if !ok {
				return nil, fmt.Errorf("unknown syscall: %s", name)
			}
			block, err := compileRuleBlock(uint32(nr), rule.Args, action)
			if err != nil {
				return nil, fmt.Errorf("syscall %s: %w", name, err)
			}
			filter = append(filter, block...)
		}
	}

	filter = append(filter, bpfStmt(BPF_RET|BPF_K, defaultRet))

	if len(filter) > 4096 {
		return nil, fmt.Errorf("filter too large: %d instructions", len(filter))
	}
	return filter, nil
}

// failJump marks a conditional jump whose false branch must be patched to
// the end of the enclosing rule block.
const failJump = 0xff

// compileRuleBlock emits one self-contained block: reload the syscall
// number, test it, run the argument tests, and return the action. Any
// failing test falls through to the next block.
func compileRuleBlock(nr uint32, args []spec.LinuxSeccompArg, action uint32) ([]sockFilter, error) {
	block := []sockFilter{
		bpfStmt(BPF_LD|BPF_W|BPF_ABS, offsetNR),
		bpfJump(BPF_JMP|BPF_JEQ|BPF_K, nr, 0, failJump),
	}

	for _, arg := range args {
		test, err := compileArgTest(arg)
		if err != nil {
			return nil, err
		}
		block = append(block, test...)
	}

	block = append(block, bpfStmt(BPF_RET|BPF_K, action))

	// Patch fail jumps to land one past the action return. The sentinel
	// can sit in either branch: NE/LT/LE fail on the true branch.
	end := len(block)
	for i := range block {
		off := end - i - 1
		if off > 255 {
			return nil, fmt.Errorf("rule block too large")
		}
		if block[i].Jt == failJump {
			block[i].Jt = uint8(off)
		}
		if block[i].Jf == failJump {
			block[i].Jf = uint8(off)
		}
	}
	return block, nil
}

// compileArgTest emits the instructions for one 64-bit argument condition.
// cBPF compares 32 bits at a time, so each condition splits into a high-
// word and a low-word comparison. Within a test, passing falls through to
// the instruction after it; failing jumps (via the failJump sentinel) past
// the rule's action.
func compileArgTest(arg spec.LinuxSeccompArg) ([]sockFilter, error) {
	if arg.Index > 5 {
		return nil, fmt.Errorf("argument index %d out of range", arg.Index)
	}
	lo := uint32(arg.Value)
	hi := uint32(arg.Value >> 32)
	loOff := argLowOffset(arg.Index)
	hiOff := argHighOffset(arg.Index)

	switch arg.Op {
	case spec.OpEqualTo:
		return []sockFilter{
			bpfStmt(BPF_LD|BPF_W|BPF_ABS, hiOff),
			bpfJump(BPF_JMP|BPF_JEQ|BPF_K, hi, 0, failJump),
			bpfStmt(BPF_LD|BPF_W|BPF_ABS, loOff),
			bpfJump(BPF_JMP|BPF_JEQ|BPF_K, lo, 0, failJump),
		}, nil
	case spec.OpNotEqual:
		// High words differing settles it; equal high words defer to the
		// low word, where equality means the condition fails.
		return []sockFilter{
			bpfStmt(BPF_LD|BPF_W|BPF_ABS, hiOff),
			bpfJump(BPF_JMP|BPF_JEQ|BPF_K, hi, 0, 2),
			bpfStmt(BPF_LD|BPF_W|BPF_ABS, loOff),
			bpfJump(BPF_JMP|BPF_JEQ|BPF_K, lo, failJump, 0),
		}, nil
	case spec.OpGreaterThan:
		return []sockFilter{
			bpfStmt(BPF_LD|BPF_W|BPF_ABS, hiOff),
			bpfJump(BPF_JMP|BPF_JGT|BPF_K, hi, 3, 0),
			bpfJump(BPF_JMP|BPF_JEQ|BPF_K, hi, 0, failJump),
			bpfStmt(BPF_LD|BPF_W|BPF_ABS, loOff),
			bpfJump(BPF_JMP|BPF_JGT|BPF_K, lo, 0, failJump),
		}, nil
	case spec.OpGreaterEqual:
		return []sockFilter{
			bpfStmt(BPF_LD|BPF_W|BPF_ABS, hiOff),
			bpfJump(BPF_JMP|BPF_JGT|BPF_K, hi, 3, 0),
			bpfJump(BPF_JMP|BPF_JEQ|BPF_K, hi, 0, failJump),
			bpfStmt(BPF_LD|BPF_W|BPF_ABS, loOff),
			bpfJump(BPF_JMP|BPF_JGE|BPF_K, lo, 0, failJump),
		}, nil
	case spec.OpLessThan:
		return []sockFilter{
			bpfStmt(BPF_LD|BPF_W|BPF_ABS, hiOff),
			bpfJump(BPF_JMP|BPF_JGT|BPF_K, hi, failJump, 0),
			bpfJump(BPF_JMP|BPF_JEQ|BPF_K, hi, 0, 2),
			bpfStmt(BPF_LD|BPF_W|BPF_ABS, loOff),
			bpfJump(BPF_JMP|BPF_JGE|BPF_K, lo, failJump, 0),
		}, nil
	case spec.OpLessEqual:
		return []sockFilter{
			bpfStmt(BPF_LD|BPF_W|BPF_ABS, hiOff),
			bpfJump(BPF_JMP|BPF_JGT|BPF_K, hi, failJump, 0),
			bpfJump(BPF_JMP|BPF_JEQ|BPF_K, hi, 0, 2),
			bpfStmt(BPF_LD|BPF_W|BPF_ABS, loOff),
			bpfJump(BPF_JMP|BPF_JGT|BPF_K, lo, failJump, 0),
		}, nil
	case spec.OpMaskedEqual:
		// (arg & Value) == ValueTwo, per the OCI condition encoding.
		maskLo := lo
		maskHi := hi
		wantLo := uint32(arg.ValueTwo)
		wantHi := uint32(arg.ValueTwo >> 32)
		return []sockFilter{
			bpfStmt(BPF_LD|BPF_W|BPF_ABS, hiOff),
			bpfStmt(BPF_ALU|BPF_AND|BPF_K, maskHi),
			bpfJump(BPF_JMP|BPF_JEQ|BPF_K, wantHi, 0, failJump),
			bpfStmt(BPF_LD|BPF_W|BPF_ABS, loOff),
			bpfStmt(BPF_ALU|BPF_AND|BPF_K, maskLo),
			bpfJump(BPF_JMP|BPF_JEQ|BPF_K, wantLo, 0, failJump),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported operator: %s", arg.Op)
	}
}

// bpfStmt creates a BPF statement.
func bpfStmt(code uint16, k uint32) sockFilter {
	return sockFilter{Code: code, Jt: 0, Jf: 0, K: k}
}

// bpfJump creates a BPF jump instruction.
func bpfJump(code uint16, k uint32, jt, jf uint8) sockFilter {
	return sockFilter{Code: code, Jt: jt, Jf: jf, K: k}
}

// SyscallNumber returns the syscall number for a name on the build
// architecture.
func SyscallNumber(name string) (int, bool) {
	nr, ok := syscallMap[name]
	return nr, ok
}

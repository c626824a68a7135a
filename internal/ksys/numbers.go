// Package ksys is the syscall boundary: stable numeric ids, the
// fixed-size message wire format, and the dispatcher that translates
// a raw syscall into a call against internal/proc, internal/sched,
// and internal/ipc. Only negative error codes cross back to the
// caller, never a kernel pointer.
package ksys

// Syscall numbers. exit and ipc_broadcast share number 60 for
// compatibility with the original numbering: exit is never routed
// through the numeric table — only internal/proc.Table.Exit handles
// it, called directly by whatever drives the process, the same way
// fork/waitpid/mmap are kernel-internal entry points rather than
// numbered calls. The SysExit constant is kept for callers that want
// to log or trace it.
const (
	SysWrite               = 1
	SysGetpid              = 39
	SysExit                = 60
	SysIPCCreateQueue      = 50
	SysIPCDestroyQueue     = 51
	SysIPCSendMessage      = 52
	SysIPCReceiveMessage   = 53
	SysIPCCreateChannel    = 54
	SysIPCSubscribeChannel = 55
	SysIPCSendToChannel    = 56
	SysIPCSendRequest      = 57
	SysIPCSendReply        = 58
	SysIPCSendAsync        = 59
	SysIPCBroadcast        = 60
)

// Name returns the syscall's name, or "" if num is not part of the
// table (kernel-internal entry points like fork/waitpid/mmap are not
// numbered).
func Name(num int) string {
	switch num {
	case SysWrite:
		return "write"
	case SysGetpid:
		return "getpid"
	case SysIPCCreateQueue:
		return "ipc_create_queue"
	case SysIPCDestroyQueue:
		return "ipc_destroy_queue"
	case SysIPCSendMessage:
		return "ipc_send_message"
	case SysIPCReceiveMessage:
		return "ipc_receive_message"
	case SysIPCCreateChannel:
		return "ipc_create_channel"
	case SysIPCSubscribeChannel:
		return "ipc_subscribe_channel"
	case SysIPCSendToChannel:
		return "ipc_send_to_channel"
	case SysIPCSendRequest:
		return "ipc_send_request"
	case SysIPCSendReply:
		return "ipc_send_reply"
	case SysIPCSendAsync:
		return "ipc_send_async"
	case SysIPCBroadcast:
		return "ipc_broadcast"
	default:
		return ""
	}
}

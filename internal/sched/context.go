package sched

// RegFile is the saved CPU context of a task that is not running:
// general-purpose registers, flags, instruction pointer, stack
// pointer, and the page-table root to install on the next dispatch.
// In a hosted process no real registers are saved, but the lifecycle
// is the same: a context switch stores the outgoing task's state here
// and loads the incoming task's.
type RegFile struct {
	GPR    [16]uint64
	Flags  uint64
	IP     uint64
	SP     uint64
	PTRoot uint64
}

// retvalReg is the register a syscall's return value lands in.
const retvalReg = 0

// SetRetval stores v as the value the task observes as its syscall
// return when next dispatched. Fork uses it to make the child see 0.
func (r *RegFile) SetRetval(v uint64) { r.GPR[retvalReg] = v }

// Retval reads the pending syscall return value.
func (r *RegFile) Retval() uint64 { return r.GPR[retvalReg] }

// ContextSwitch saves nothing beyond what the register files already
// hold — the caller has already stopped out — and reports whether the
// address-space page-table root changed, in which case the dispatch
// path must install in's root before returning to user mode.
func ContextSwitch(out, in *Task) bool {
	return out == nil || in == nil || out.Regs.PTRoot != in.Regs.PTRoot
}

package proc

import "github.com/corekernel-os/corekernel/internal/kerr"

// SigDisp is how a process has a signal number dispositioned.
type SigDisp int

const (
	SigDefault SigDisp = iota
	SigIgnore
	SigHandler
)

// NumSignals is the width of the disposition/mask/pending bitmaps.
const NumSignals = 32

// SignalState is one process's signal-handler vector, blocked-signal
// mask, and pending-signal bitmap. A single goroutine owns a
// process's control flow in this model, so no lock is needed here.
type SignalState struct {
	Disp    [NumSignals]SigDisp
	Mask    uint64
	Pending uint64
}

// NewSignalState returns the default disposition for every signal:
// unblocked, unhandled, nothing pending.
func NewSignalState() *SignalState {
	return &SignalState{}
}

// Clone copies the handler vector and mask but not pending signals,
// which are never inherited across fork.
func (s *SignalState) Clone() *SignalState {
	c := &SignalState{Mask: s.Mask}
	c.Disp = s.Disp
	return c
}

// SetDisp sets sig's disposition.
func (s *SignalState) SetDisp(sig int, d SigDisp) kerr.Err_t {
	if sig < 0 || sig >= NumSignals {
		return kerr.INVALID
	}
	s.Disp[sig] = d
	return kerr.SUCCESS
}

// Raise marks sig pending.
func (s *SignalState) Raise(sig int) kerr.Err_t {
	if sig < 0 || sig >= NumSignals {
		return kerr.INVALID
	}
	s.Pending |= 1 << uint(sig)
	return kerr.SUCCESS
}

// TakePending clears and returns the set of pending, unblocked
// signals.
func (s *SignalState) TakePending() uint64 {
	deliverable := s.Pending &^ s.Mask
	s.Pending &^= deliverable
	return deliverable
}

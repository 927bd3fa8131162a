package request

import "sync/atomic"

// state packs the status and the terminal cause into one word so that a
// reader never sees a terminal status without its cause:
//
//	bits 0-7   Status
//	bits 8-15  CancelCause or FailedCause, per the status
//
// Every write is a CAS. Non-terminal moves only go forward; a terminal word
// is never replaced.
type state struct {
	word atomic.Uint32
}

func pack(s Status, cause uint8) uint32 {
	return uint32(s) | uint32(cause)<<8
}

func unpack(w uint32) (Status, uint8) {
	return Status(w & 0xff), uint8(w >> 8)
}

func (st *state) load() (Status, uint8) {
	return unpack(st.word.Load())
}

func (st *state) status() Status {
	s, _ := st.load()
	return s
}

// advance moves forward to a non-terminal status. It fails once the request
// is terminal or already at or past to.
func (st *state) advance(to Status) bool {
	for {
		w := st.word.Load()
		cur, _ := unpack(w)
		if cur.IsTerminal() || cur >= to {
			return false
		}
		if st.word.CompareAndSwap(w, pack(to, 0)) {
			return true
		}
	}
}

// terminate commits a terminal status with its cause. Only the first
// terminal commit wins.
func (st *state) terminate(to Status, cause uint8) bool {
	for {
		w := st.word.Load()
		cur, _ := unpack(w)
		if cur.IsTerminal() {
			return false
		}
		if st.word.CompareAndSwap(w, pack(to, cause)) {
			return true
		}
	}
}

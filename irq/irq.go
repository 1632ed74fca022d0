package irq

import (
	"sync"

	"coreframe/kerr"
)

// Callback is invoked when an IrqLine's vector fires, in registration
// order, with interrupts disabled (spec.md §4.7 "runs callbacks in
// registration order with interrupts disabled").
type Callback func(frame *TrapFrame)

type callbackEntry struct {
	id int
	cb Callback
}

// IrqLine is one allocated hardware interrupt vector and its ordered
// list of callbacks, the Go analogue of
// original_source/src/kxos-frame/src/trap/mod.rs's IrqLine/
// IrqCallbackHandle pair. Unlike the Rust original, unregistering a
// callback here is done by the handle IrqLine.OnActive returns rather
// than drop-based RAII.
type IrqLine struct {
	vector uint8
	mu     sync.Mutex
	cbs    []callbackEntry
	nextID int
}

// CallbackHandle lets a caller unregister a specific callback it
// previously registered via IrqLine.OnActive.
type CallbackHandle struct {
	line *IrqLine
	id   int
}

// Remove unregisters the callback this handle refers to.
func (h CallbackHandle) Remove() {
	h.line.mu.Lock()
	defer h.line.mu.Unlock()
	for i, e := range h.line.cbs {
		if e.id == h.id {
			h.line.cbs = append(h.line.cbs[:i], h.line.cbs[i+1:]...)
			return
		}
	}
}

var (
	linesMu sync.Mutex
	lines   [NumVectors]*IrqLine
	// nextFreeVector starts just past the fixed CPU exception range, the
	// same convention biscuit and original_source both use (low vectors
	// are reserved for CPU traps, not device IRQs).
	nextFreeVector uint8 = 32
)

// AllocLine reserves the next unused device IRQ vector (vectors below 32
// are reserved for CPU exceptions), the generalization of
// original_source's `IrqLine::alloc`.
func AllocLine() (*IrqLine, kerr.Err_t) {
	linesMu.Lock()
	defer linesMu.Unlock()
	for v := int(nextFreeVector); v < NumVectors; v++ {
		if lines[v] == nil {
			line := &IrqLine{vector: uint8(v)}
			lines[v] = line
			nextFreeVector = uint8(v + 1)
			return line, kerr.Ok
		}
	}
	return nil, kerr.OutOfRange
}

// LineFor returns the IrqLine object for an already-allocated vector,
// creating it on first use; used by the fixed CPU-exception vectors
// that are not obtained through AllocLine.
func LineFor(vector uint8) *IrqLine {
	linesMu.Lock()
	defer linesMu.Unlock()
	if lines[vector] == nil {
		lines[vector] = &IrqLine{vector: vector}
	}
	return lines[vector]
}

// Vector returns the hardware vector number this line occupies.
func (l *IrqLine) Vector() uint8 { return l.vector }

// OnActive registers cb to run whenever this line's vector fires,
// returning a handle the caller can use to unregister it later (spec.md
// §4.7 "maintains a list of callback handles").
func (l *IrqLine) OnActive(cb Callback) CallbackHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextID
	l.nextID++
	l.cbs = append(l.cbs, callbackEntry{id: id, cb: cb})
	return CallbackHandle{line: l, id: id}
}

// Release frees this line's vector so AllocLine can reuse it.
func (l *IrqLine) Release() {
	linesMu.Lock()
	defer linesMu.Unlock()
	lines[l.vector] = nil
	if l.vector >= 32 && l.vector < nextFreeVector {
		nextFreeVector = l.vector
	}
}

// CallIrqCallbackFunctions runs every callback registered on vector's
// line, in registration order (spec.md §4.7). A low-level trap entry
// stub calls this once per hardware interrupt; this hosted core has no
// real interrupt-disable flag to set. The callback list is copied under
// the line's mutex and the callbacks then run without holding it, so two
// concurrent calls for the same vector are not serialized.
func CallIrqCallbackFunctions(vector uint8, frame *TrapFrame) {
	linesMu.Lock()
	line := lines[vector]
	linesMu.Unlock()
	if line == nil {
		return
	}
	line.mu.Lock()
	cbs := make([]callbackEntry, len(line.cbs))
	copy(cbs, line.cbs)
	line.mu.Unlock()
	for _, e := range cbs {
		e.cb(frame)
	}
}

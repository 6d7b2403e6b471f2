package com

import "sync/atomic"

// AtomicFlag is a two-state toggle with idempotent transitions.
type AtomicFlag struct{ v atomic.Bool }

// Set flips the flag on; false when it already was.
func (f *AtomicFlag) Set() bool { return f.v.CompareAndSwap(false, true) }

// Unset flips the flag off; false when it already was.
func (f *AtomicFlag) Unset() bool { return f.v.CompareAndSwap(true, false) }

func (f *AtomicFlag) On() bool { return f.v.Load() }

// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package waiter implements the single-shot completion primitive
// design notes §9 asks for in place of "one-shot observable +
// cancellation source + wrapping future": Fulfill, Cancel and Timeout
// all race to complete the same Waiter exactly once, and every caller
// reads the outcome off one channel.
package waiter

import (
	"context"
	"sync"
)

// Outcome is how a Waiter finished.
type Outcome int

const (
	OutcomeValue Outcome = iota
	OutcomeTimeout
	OutcomeCancelled
)

// Result is the value delivered to whoever is waiting.
type Result[T any] struct {
	Outcome Outcome
	Value   T
	Err     error
}

// Waiter is a single-shot completion: the first of Fulfill/Cancel/Timeout
// to run wins, and every later call is a no-op.
type Waiter[T any] struct {
	mu     sync.Mutex
	done   bool
	result chan Result[T]
}

// New creates an unfulfilled Waiter.
func New[T any]() *Waiter[T] {
	return &Waiter[T]{result: make(chan Result[T], 1)}
}

func (w *Waiter[T]) complete(r Result[T]) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.done {
		return false
	}
	w.done = true
	w.result <- r
	return true
}

// Fulfill completes the waiter with a value. Returns false if the
// waiter had already completed (e.g. it had already timed out).
func (w *Waiter[T]) Fulfill(v T) bool {
	return w.complete(Result[T]{Outcome: OutcomeValue, Value: v})
}

// Cancel completes the waiter as cancelled, e.g. because the peer
// signed off or the local channel closed.
func (w *Waiter[T]) Cancel(err error) bool {
	return w.complete(Result[T]{Outcome: OutcomeCancelled, Err: err})
}

// Timeout completes the waiter as timed out.
func (w *Waiter[T]) Timeout(err error) bool {
	return w.complete(Result[T]{Outcome: OutcomeTimeout, Err: err})
}

// Wait blocks until the waiter completes or ctx is done, whichever
// comes first. A ctx cancellation does not itself mark the waiter
// cancelled - the caller is still responsible for calling Cancel if it
// wants other observers to see that outcome.
func (w *Waiter[T]) Wait(ctx context.Context) (Result[T], error) {
	select {
	case r := <-w.result:
		return r, nil
	case <-ctx.Done():
		var zero Result[T]
		return zero, ctx.Err()
	}
}

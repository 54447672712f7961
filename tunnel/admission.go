// Copyright 2024 The RouteGate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package tunnel

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Admission bounds how many tunnel establishments may be in flight at
// once, on behalf of the pool that owns it. Every attempt reserves a
// [Token] before any socket work and releases it exactly once when the
// attempt settles, so the pool's accounting never drifts.
type Admission struct {
	// sem is nil when the admission is unbounded.
	sem      *semaphore.Weighted
	inFlight atomic.Int64
}

// NewAdmission returns an [Admission] allowing up to maxInFlight
// concurrent establishments. A non-positive maxInFlight means unbounded:
// reservations never block but are still counted.
func NewAdmission(maxInFlight int64) *Admission {
	a := &Admission{}
	if maxInFlight > 0 {
		a.sem = semaphore.NewWeighted(maxInFlight)
	}
	return a
}

// Reserve blocks until capacity is available or ctx is done. The returned
// token must be released when the establishment settles, on success and
// on failure alike.
func (a *Admission) Reserve(ctx context.Context) (*Token, error) {
	if a.sem != nil {
		if err := a.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
	}
	a.inFlight.Add(1)
	return &Token{admission: a}, nil
}

// InFlight reports the number of reserved, unreleased tokens.
func (a *Admission) InFlight() int64 {
	return a.inFlight.Load()
}

// Token is a single admission reservation.
type Token struct {
	admission *Admission
	once      sync.Once
}

// Release returns the reservation. Calling it more than once is safe;
// only the first call decrements the accounting.
func (t *Token) Release() {
	t.once.Do(func() {
		t.admission.inFlight.Add(-1)
		if t.admission.sem != nil {
			t.admission.sem.Release(1)
		}
	})
}

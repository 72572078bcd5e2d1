// Copyright The rund Authors.
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

// Package respawn implements the fixed-size exit-code bitset that drives the
// supervisor's respawn policy.
package respawn

// numCodes is the number of exit codes the bitset can address: [0, 128).
const numCodes = 128

const wordBits = 32

// Bitset is a fixed 128-bit set over exit codes 0..127, encoded as four
// 32-bit words. Codes outside that range are never members, by
// construction: there is no word to address them in.
type Bitset [numCodes / wordBits]uint32

// DefaultMask returns the bitset used when --respawn is set and no
// --respawn-code flag was given: bit 0 cleared, bits 1..127 set. That is,
// respawn on any non-zero exit code in range.
func DefaultMask() Bitset {
	var b Bitset
	b.SetAll()
	b.Clear(0)
	return b
}

// Set marks code as a respawn trigger. No-op if code is out of range.
func (b *Bitset) Set(code int) {
	if w, m, ok := wordAndMask(code); ok {
		b[w] |= m
	}
}

// Clear removes code as a respawn trigger. No-op if code is out of range.
func (b *Bitset) Clear(code int) {
	if w, m, ok := wordAndMask(code); ok {
		b[w] &^= m
	}
}

// Test reports whether code is a respawn trigger. Codes outside [0, 128)
// always report false.
func (b Bitset) Test(code int) bool {
	w, m, ok := wordAndMask(code)
	if !ok {
		return false
	}
	return b[w]&m != 0
}

// SetAll marks every code in [0, 128) as a respawn trigger ("--respawn-code
// -1").
func (b *Bitset) SetAll() {
	for i := range b {
		b[i] = ^uint32(0)
	}
}

// ClearAll removes every code as a respawn trigger.
func (b *Bitset) ClearAll() {
	for i := range b {
		b[i] = 0
	}
}

func wordAndMask(code int) (word int, mask uint32, ok bool) {
	if code < 0 || code >= numCodes {
		return 0, 0, false
	}
	return code / wordBits, 1 << uint(code%wordBits), true
}

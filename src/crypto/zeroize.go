// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package primitives

// zeroize overwrites b in place. It does not prevent the Go runtime from
// having copied b's contents elsewhere (GC moves, escape analysis, swap),
// but it does ensure the caller's own buffer does not keep secret bytes
// alive any longer than necessary.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

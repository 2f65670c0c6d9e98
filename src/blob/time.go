// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package blob

import "time"

// CreationTimestamp returns the current time formatted the way every
// payload's creation_date field is: RFC-3339, UTC.
func CreationTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}

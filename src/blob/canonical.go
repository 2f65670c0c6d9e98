// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

// Package blob implements the canonical JSON encoding and the signed/HMAC'd
// envelope shapes shared by the protected bundle, master license, customer
// license, and TCB signature files.
package blob

import (
	"bytes"
	"encoding/json"
	"sort"

	"github.com/lowRISC/ovsa-licensing/src/ovsaerr"
)

// Canonicalize re-encodes an arbitrary JSON value as canonical JSON: object
// keys sorted lexicographically, no insignificant whitespace, and numbers
// emitted without leading zeros (encoding/json already guarantees the
// latter two; sorting is the only property this function needs to add).
//
// v is typically a struct tagged with `json:"..."`; it round-trips through
// map[string]interface{} so that struct field ORDER never leaks into the
// signed/hashed bytes, only the field NAMES do.
func Canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, "could not marshal payload", err)
	}

	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return nil, ovsaerr.New(ovsaerr.InvalidParameter, "could not decode payload for canonicalization", err)
	}

	var buf bytes.Buffer
	if err := writeCanonical(&buf, generic); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v interface{}) error {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return ovsaerr.New(ovsaerr.InvalidParameter, "could not encode object key", err)
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')

	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')

	default:
		// Strings, json.Number, bool, and nil all already encode without
		// insignificant whitespace or leading zeros via encoding/json.
		eb, err := json.Marshal(val)
		if err != nil {
			return ovsaerr.New(ovsaerr.InvalidParameter, "could not encode scalar value", err)
		}
		buf.Write(eb)
	}
	return nil
}

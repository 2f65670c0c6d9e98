// Copyright lowRISC contributors (OpenTitan project).
// Licensed under the Apache License, Version 2.0, see LICENSE for details.
// SPDX-License-Identifier: Apache-2.0

package blob

import "testing"

func TestCanonicalize_SortsKeys(t *testing.T) {
	type payload struct {
		Zeta  string `json:"zeta"`
		Alpha string `json:"alpha"`
	}

	got, err := Canonicalize(payload{Zeta: "z", Alpha: "a"})
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}

	want := `{"alpha":"a","zeta":"z"}`
	if string(got) != want {
		t.Errorf("Canonicalize() = %s, want %s", got, want)
	}
}

func TestCanonicalize_Deterministic(t *testing.T) {
	bundle := BundlePayload{
		ModelName: "net",
		ModelGUID: "x",
		EncModel: []EncModelFile{
			{FileName: "a.bin", IV: "AA==", Ciphertext: "BB=="},
			{FileName: "b.bin", IV: "CC==", Ciphertext: "DD=="},
		},
	}

	first, err := Canonicalize(bundle)
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	second, err := Canonicalize(bundle)
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	if string(first) != string(second) {
		t.Errorf("Canonicalize() not deterministic: %s != %s", first, second)
	}

	// Array element order must be preserved, unlike object keys.
	wantOrder := `"file_name":"a.bin"`
	idxA := indexOf(string(first), `"a.bin"`)
	idxB := indexOf(string(first), `"b.bin"`)
	if idxA == -1 || idxB == -1 || idxA > idxB {
		t.Errorf("expected a.bin before b.bin in %s (looking for %s)", first, wantOrder)
	}
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

func TestCanonicalize_NoInsignificantWhitespace(t *testing.T) {
	got, err := Canonicalize(map[string]interface{}{"a": 1, "b": []int{1, 2}})
	if err != nil {
		t.Fatalf("Canonicalize() error = %v", err)
	}
	for _, c := range got {
		if c == ' ' || c == '\n' || c == '\t' {
			t.Fatalf("Canonicalize() contains insignificant whitespace: %s", got)
		}
	}
}

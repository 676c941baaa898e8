// PearStream - Peer-to-Peer Video Channel Platform
// Copyright 2026 PearStream Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pearstream/pearstream

package validation

import (
	"strings"
	"testing"
)

func TestIsHex32(t *testing.T) {
	if !IsHex32(strings.Repeat("ab", 32)) {
		t.Error("Expected 64 lowercase hex chars to validate")
	}
	if !IsHex32(strings.Repeat("AB", 32)) {
		t.Error("Expected uppercase hex to validate")
	}
	if IsHex32(strings.Repeat("ab", 31) + "a") {
		t.Error("Expected 63 chars to fail")
	}
	if IsHex32(strings.Repeat("ab", 32) + "a") {
		t.Error("Expected 65 chars to fail")
	}
	if IsHex32(strings.Repeat("zz", 32)) {
		t.Error("Expected non-hex chars to fail")
	}
}

func TestIsBlobPointer(t *testing.T) {
	valid := []string{"0:0:0:0", "1:2:3:4", "0:16:0:1048576"}
	for _, s := range valid {
		if !IsBlobPointer(s) {
			t.Errorf("Expected %q to validate", s)
		}
	}

	invalid := []string{"", "1:2:3", "1:2:3:4:5", "1:2:3:-4", "a:b:c:d", "1.5:2:3:4"}
	for _, s := range invalid {
		if IsBlobPointer(s) {
			t.Errorf("Expected %q to fail", s)
		}
	}
}

func TestValidateStruct_CustomValidators(t *testing.T) {
	type req struct {
		Key  string `validate:"required,hex32"`
		Blob string `validate:"omitempty,blobptr"`
		Role string `validate:"required,oneof=owner moderator device"`
	}

	ok := req{Key: strings.Repeat("ab", 32), Blob: "0:1:0:1", Role: "device"}
	if err := ValidateStruct(&ok); err != nil {
		t.Errorf("Expected valid struct, got %v", err)
	}

	bad := req{Key: "nope", Blob: "x", Role: "admin"}
	err := ValidateStruct(&bad)
	if err == nil {
		t.Fatal("Expected validation errors")
	}
	if len(err.Errors()) != 3 {
		t.Errorf("Expected 3 field errors, got %d: %v", len(err.Errors()), err)
	}
}

func TestValidateStruct_Messages(t *testing.T) {
	type req struct {
		Key string `validate:"required,hex32"`
	}
	err := ValidateStruct(&req{})
	if err == nil {
		t.Fatal("Expected error for missing key")
	}
	if !strings.Contains(err.Error(), "Key is required") {
		t.Errorf("Unexpected message: %s", err.Error())
	}
}

// Copyright 2026 The Keyhaven Authors
// SPDX-License-Identifier: Apache-2.0

package secret

import (
	"bytes"
	"testing"
)

func TestNewFromBytesZerosSource(t *testing.T) {
	source := []byte("6e7465737470726976617465686578")
	original := make([]byte, len(source))
	copy(original, source)

	buffer, err := NewFromBytes(source)
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer buffer.Close()

	if !bytes.Equal(buffer.Bytes(), original) {
		t.Error("buffer contents do not match the original source")
	}
	for i, b := range source {
		if b != 0 {
			t.Fatalf("source byte %d not zeroed after NewFromBytes", i)
		}
	}
}

func TestNewFromStringRoundTrip(t *testing.T) {
	buffer, err := NewFromString("nsec-material")
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	defer buffer.Close()

	if got := buffer.String(); got != "nsec-material" {
		t.Errorf("String() = %q, want %q", got, "nsec-material")
	}
	if got := buffer.Len(); got != len("nsec-material") {
		t.Errorf("Len() = %d, want %d", got, len("nsec-material"))
	}
}

func TestEmptyInputsRejected(t *testing.T) {
	if _, err := New(0); err == nil {
		t.Error("New(0) succeeded, want error")
	}
	if _, err := NewFromBytes(nil); err == nil {
		t.Error("NewFromBytes(nil) succeeded, want error")
	}
	if _, err := NewFromString(""); err == nil {
		t.Error("NewFromString(\"\") succeeded, want error")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	buffer, err := NewFromString("secret")
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := buffer.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestAccessAfterClosePanics(t *testing.T) {
	buffer, err := NewFromString("secret")
	if err != nil {
		t.Fatalf("NewFromString: %v", err)
	}
	buffer.Close()

	defer func() {
		if recover() == nil {
			t.Error("Bytes() on closed buffer did not panic")
		}
	}()
	buffer.Bytes()
}

func TestZero(t *testing.T) {
	data := []byte{1, 2, 3}
	Zero(data)
	for i, b := range data {
		if b != 0 {
			t.Errorf("byte %d = %d, want 0", i, b)
		}
	}
}

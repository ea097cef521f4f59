package format

import "testing"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	enc, err := Encode(Current)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if got := Decode(enc); got != Current {
		t.Fatalf("Decode = %q, want %q", got, Current)
	}
}

func TestEncodeTooLong(t *testing.T) {
	long := "1.0.0-this-is-a-very-long-prerelease-tag"
	if _, err := Encode(long); err == nil {
		t.Fatal("expected error for over-width version string")
	}
}

func TestCompatibleSameMajor(t *testing.T) {
	ok, err := Compatible("1.2.3", "1.0.0")
	if err != nil {
		t.Fatalf("Compatible: %v", err)
	}
	if !ok {
		t.Fatal("expected 1.2.3 compatible with supported 1.0.0")
	}
}

func TestCompatibleDifferentMajor(t *testing.T) {
	ok, err := Compatible("2.0.0", "1.0.0")
	if err != nil {
		t.Fatalf("Compatible: %v", err)
	}
	if ok {
		t.Fatal("expected major version mismatch to be incompatible")
	}
}

func TestCompatibleMalformed(t *testing.T) {
	if _, err := Compatible("not-a-version", "1.0.0"); err == nil {
		t.Fatal("expected error for malformed on-disk version")
	}
}

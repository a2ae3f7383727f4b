package version

import (
	"errors"
	"testing"
)

func TestParseValid(t *testing.T) {
	tests := []struct {
		input string
		major uint16
		minor uint16
	}{
		{"1.0", 1, 0},
		{"1.1", 1, 1},
		{"2.0", 2, 0},
		{"10.23", 10, 23},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			v, err := Parse(tt.input)
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tt.input, err)
			}
			if v.Major != tt.major || v.Minor != tt.minor {
				t.Errorf("Parse(%q) = %d.%d, want %d.%d", tt.input, v.Major, v.Minor, tt.major, tt.minor)
			}
			if v.String() != tt.input {
				t.Errorf("String() = %q, want %q", v.String(), tt.input)
			}
		})
	}
}

func TestParseInvalid(t *testing.T) {
	for _, input := range []string{"", "1", "abc", "1.0.0", "1.x", "-1.0", ".1", "1.", "70000.0"} {
		t.Run(input, func(t *testing.T) {
			if _, err := Parse(input); err == nil {
				t.Errorf("Parse(%q) should return error", input)
			}
		})
	}
}

func TestCompatible(t *testing.T) {
	v1 := ProtocolVersion{Major: 1, Minor: 0}
	if !v1.Compatible(ProtocolVersion{Major: 1, Minor: 4}) {
		t.Error("1.0 should be compatible with 1.4")
	}
	if v1.Compatible(ProtocolVersion{Major: 2}) {
		t.Error("1.0 should not be compatible with 2.0")
	}
}

func TestALPN(t *testing.T) {
	if got := ALPNProtocol(1); got != "meshsec/1" {
		t.Errorf("ALPNProtocol(1) = %q", got)
	}
	protos := SupportedALPNProtocols()
	if len(protos) != 1 || protos[0] != "meshsec/1" {
		t.Errorf("SupportedALPNProtocols() = %v", protos)
	}

	major, err := MajorFromALPN("meshsec/12")
	if err != nil || major != 12 {
		t.Errorf("MajorFromALPN(meshsec/12) = %d, %v", major, err)
	}
	for _, bad := range []string{"", "h3", "meshsec/", "meshsec/x", "mash/1"} {
		if _, err := MajorFromALPN(bad); err == nil {
			t.Errorf("MajorFromALPN(%q) should fail", bad)
		}
	}
}

func TestCheckALPN(t *testing.T) {
	if err := CheckALPN("meshsec/1"); err != nil {
		t.Errorf("CheckALPN(meshsec/1) = %v", err)
	}
	if err := CheckALPN("meshsec/2"); !errors.Is(err, ErrUnsupported) {
		t.Errorf("CheckALPN(meshsec/2) = %v, want ErrUnsupported", err)
	}
	if err := CheckALPN("h3"); err == nil || errors.Is(err, ErrUnsupported) {
		t.Errorf("CheckALPN(h3) = %v, want a parse error", err)
	}
}

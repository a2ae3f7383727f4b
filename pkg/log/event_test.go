package log

import "testing"

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{DirectionIn.String(), "IN"},
		{DirectionOut.String(), "OUT"},
		{Direction(9).String(), "UNKNOWN"},
		{LayerTransport.String(), "TRANSPORT"},
		{LayerWire.String(), "WIRE"},
		{LayerSession.String(), "SESSION"},
		{LayerSecurity.String(), "SECURITY"},
		{Layer(9).String(), "UNKNOWN"},
		{CategoryMessage.String(), "MESSAGE"},
		{CategoryHandshake.String(), "HANDSHAKE"},
		{CategoryControl.String(), "CONTROL"},
		{CategoryState.String(), "STATE"},
		{CategorySecurity.String(), "SECURITY"},
		{CategoryError.String(), "ERROR"},
		{StateEntityClient.String(), "CLIENT"},
		{StateEntitySession.String(), "SESSION"},
		{StateEntityServer.String(), "SERVER"},
		{RotationStarted.String(), "STARTED"},
		{RotationRetired.String(), "RETIRED"},
		{RotationAbandoned.String(), "ABANDONED"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestParseCategoryAndLayer(t *testing.T) {
	for c := CategoryMessage; c <= CategoryError; c++ {
		got, ok := ParseCategory(c.String())
		if !ok || got != c {
			t.Errorf("ParseCategory(%q) = %v, %v", c.String(), got, ok)
		}
	}
	if _, ok := ParseCategory("bogus"); ok {
		t.Error("ParseCategory accepted unknown name")
	}

	got, ok := ParseLayer("SECURITY")
	if !ok || got != LayerSecurity {
		t.Errorf("ParseLayer(SECURITY) = %v, %v", got, ok)
	}
	if _, ok := ParseLayer("APP"); ok {
		t.Error("ParseLayer accepted unknown name")
	}
}

package common

import "testing"

func TestParseAddrRoundTrip(t *testing.T) {
	a, err := ParseAddr("00-01-02-03-04-05")
	if err != nil {
		t.Fatalf("ParseAddr: %v", err)
	}
	want := Addr{0x00, 0x01, 0x02, 0x03, 0x04, 0x05}
	if a != want {
		t.Fatalf("ParseAddr = %v, want %v", a, want)
	}
	if a.String() != "00:01:02:03:04:05" {
		t.Fatalf("String() = %q", a.String())
	}
}

func TestParseAddrMalformed(t *testing.T) {
	if _, err := ParseAddr("not-an-address"); err == nil {
		t.Fatal("expected error for malformed address")
	}
}

func TestAckIDWraparound(t *testing.T) {
	// spec.md §8 scenario 4: lastAcked=0xFFFD, id=0x0000 is valid and
	// advances past 0xFFFE and 0xFFFF.
	if !AckIDInRange(0xFFFD, 0x0000, 0x0000) {
		t.Fatal("expected 0x0000 to be a valid ack id after 0xFFFD")
	}
	if !AckIDLess(0xFFFE, 0xFFFF) {
		t.Fatal("expected 0xFFFE < 0xFFFF")
	}
	if !AckIDLess(0xFFFF, 0x0000) {
		t.Fatal("expected wraparound: 0xFFFF < 0x0000")
	}
	if AckIDLess(0x0000, 0xFFFF) {
		t.Fatal("did not expect 0x0000 < 0xFFFF across the wraparound boundary")
	}
}

func TestBandwidthRoundTrip(t *testing.T) {
	for exp := 0; exp <= 3; exp++ {
		for _, m := range []uint64{1, 2, 500, 1023} {
			bps := m * pow1000(exp+1)
			enc, err := EncodeBandwidth(bps)
			if err != nil {
				t.Fatalf("EncodeBandwidth(%d): %v", bps, err)
			}
			got := DecodeBandwidth(enc)
			if got != bps {
				t.Fatalf("round trip mismatch: encoded %d, got back %d", bps, got)
			}
		}
	}
}

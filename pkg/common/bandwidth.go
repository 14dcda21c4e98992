package common

import "fmt"

// EncodeBandwidth packs a bits-per-second value into the 12-bit
// (10-bit mantissa, 2-bit exponent) encoding of spec.md §3:
// bps = mantissa * 1000^(exponent+1), for mantissa in [1, 1023] and
// exponent in [0, 3].
func EncodeBandwidth(bps uint64) (uint16, error) {
	for exp := 0; exp <= 3; exp++ {
		scale := pow1000(exp + 1)
		if bps%scale != 0 {
			continue
		}
		mantissa := bps / scale
		if mantissa >= 1 && mantissa <= 1023 {
			return uint16(mantissa)<<2 | uint16(exp), nil
		}
	}
	// No exact factorization; fall back to the largest exponent whose
	// mantissa fits, rounding down. Values below 1000 bps, or at or above
	// 1024e12 bps, are not representable and return an error.
	for exp := 3; exp >= 0; exp-- {
		scale := pow1000(exp + 1)
		mantissa := bps / scale
		if mantissa >= 1 && mantissa <= 1023 {
			return uint16(mantissa)<<2 | uint16(exp), nil
		}
	}
	return 0, fmt.Errorf("common: bandwidth %d out of representable range", bps)
}

// DecodeBandwidth unpacks the 12-bit encoding back to bits per second.
func DecodeBandwidth(enc uint16) uint64 {
	enc &= 0x0FFF
	mantissa := uint64(enc >> 2)
	exp := uint64(enc & 0x3)
	return mantissa * pow1000(int(exp)+1)
}

func pow1000(n int) uint64 {
	v := uint64(1)
	for i := 0; i < n; i++ {
		v *= 1000
	}
	return v
}

package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/lqsrnet/meshcore/pkg/lqsrerr"
)

// FrameCode demuxes the LQSR use of EtherType 0x886F against NLB's
// sharing of the same EtherType (spec.md §4.1).
const FrameCode uint32 = 0xC0DE8AF7

// EtherTypeLQSR is the EtherType value LQSR frames carry.
const EtherTypeLQSR uint16 = 0x886F

// headerFixedLen is Code(4) + MAC(16) + IV(16) + HeaderLength(2).
const headerFixedLen = 4 + MACLength + IVLength + 2

// Packet is the in-memory representation of a decoded (or
// to-be-encoded) LQSR frame: the option chain plus the still-encrypted
// or already-decrypted trailer+payload.
type Packet struct {
	Options []Option

	// HasPayload is true when a trailer+payload follows the options
	// (control-only packets, e.g. a bare Route Request, may have none).
	HasPayload bool
	// NextHeader is the trailer's EtherType of the encapsulated frame.
	NextHeader uint16
	// Payload is the original Ethernet payload (decrypted, unpadded).
	Payload []byte
}

// Keys bundles the two 16-byte keys used for a single adapter's frames.
type Keys struct {
	MAC [KeySize]byte
	AES [KeySize]byte
}

// CryptoMode selects whether frames are authenticated+encrypted.
type CryptoMode int

const (
	// CryptoEnabled authenticates every frame and encrypts trailer+payload.
	CryptoEnabled CryptoMode = iota
	// CryptoDisabled still authenticates (MAC key XOR binding still
	// applies) but uses the all-zero IV and never encrypts.
	CryptoDisabled
)

// Codec encodes and decodes LQSR frames for one virtual adapter,
// holding the (already version/metric-mixed) keys.
type Codec struct {
	Keys   Keys
	Crypto CryptoMode
}

// NewCodec derives a Codec from raw (unmixed) keys plus the adapter's
// protocol version and active metric type, applying the self-inverse
// MAC-key mix of spec.md §4.1.
func NewCodec(rawKeys Keys, version, metricType uint32, crypto CryptoMode) *Codec {
	k := rawKeys
	MixMACKey(&k.MAC, version, metricType)
	return &Codec{Keys: k, Crypto: crypto}
}

// Encode serializes a Packet, MAC-ing and (if enabled) encrypting it, and
// writes the wire bytes to out. iv must be freshly random (or all-zero
// when crypto is disabled); callers draw it from the adapter's Random
// Source.
func (c *Codec) Encode(p *Packet, iv [IVLength]byte, out []byte) (int, error) {
	optBytes, err := encodeOptions(p.Options)
	if err != nil {
		return 0, err
	}

	var trailerPayload []byte
	if p.HasPayload {
		trailerPayload = make([]byte, 2+len(p.Payload))
		binary.LittleEndian.PutUint16(trailerPayload[0:2], p.NextHeader)
		copy(trailerPayload[2:], p.Payload)
		trailerPayload = PadPKCS(trailerPayload)
	}

	total := headerFixedLen + len(optBytes) + len(trailerPayload)
	if len(out) < total {
		return 0, lqsrerr.ErrBufferTooSmall
	}

	// Encrypt trailer+payload first so the MAC covers the ciphertext.
	if len(trailerPayload) > 0 && c.Crypto == CryptoEnabled {
		enc, err := EncryptCBC(c.Keys.AES, iv, trailerPayload)
		if err != nil {
			return 0, err
		}
		trailerPayload = enc
	}

	binary.LittleEndian.PutUint32(out[0:4], FrameCode)
	// MAC placeholder; filled below once the rest is written.
	copy(out[4+MACLength:4+MACLength+IVLength], iv[:])
	binary.LittleEndian.PutUint16(out[4+MACLength+IVLength:headerFixedLen], uint16(len(optBytes)))
	copy(out[headerFixedLen:headerFixedLen+len(optBytes)], optBytes)
	copy(out[headerFixedLen+len(optBytes):total], trailerPayload)

	mac := ComputeMAC(c.Keys.MAC, out[4+MACLength:total])
	copy(out[4:4+MACLength], mac[:])

	return total, nil
}

// Decode parses and authenticates a wire frame. It returns
// lqsrerr.ErrMacFailure on MAC mismatch (frame silently dropped by the
// caller) before touching the option chain, as spec.md §4.1 requires.
func (c *Codec) Decode(frame []byte) (*Packet, error) {
	if len(frame) < headerFixedLen {
		return nil, lqsrerr.ErrMalformedOption
	}
	code := binary.LittleEndian.Uint32(frame[0:4])
	if code != FrameCode {
		return nil, fmt.Errorf("wire: not an LQSR frame (code=%#x)", code)
	}

	var gotMAC [MACLength]byte
	copy(gotMAC[:], frame[4:4+MACLength])

	var iv [IVLength]byte
	copy(iv[:], frame[4+MACLength:4+MACLength+IVLength])

	headerLen := binary.LittleEndian.Uint16(frame[4+MACLength+IVLength : headerFixedLen])

	if !VerifyMAC(c.Keys.MAC, frame[4+MACLength:], gotMAC) {
		return nil, lqsrerr.ErrMacFailure
	}

	optEnd := headerFixedLen + int(headerLen)
	if optEnd > len(frame) {
		return nil, lqsrerr.ErrMalformedOption
	}

	opts, err := decodeOptions(frame[headerFixedLen:optEnd])
	if err != nil {
		return nil, err
	}

	p := &Packet{Options: opts}

	trailerPayload := frame[optEnd:]
	if len(trailerPayload) == 0 {
		return p, nil
	}

	if c.Crypto == CryptoEnabled {
		dec, err := DecryptCBC(c.Keys.AES, iv, trailerPayload)
		if err != nil {
			return nil, err
		}
		trailerPayload = dec
	}

	unpadded, err := UnpadPKCS(trailerPayload)
	if err != nil {
		return nil, err
	}
	if len(unpadded) < 2 {
		return nil, lqsrerr.ErrPayloadTooSmall
	}

	p.HasPayload = true
	p.NextHeader = binary.LittleEndian.Uint16(unpadded[0:2])
	p.Payload = unpadded[2:]
	return p, nil
}

func encodeOptions(opts []Option) ([]byte, error) {
	total := 0
	for _, o := range opts {
		total += 3 + o.Len()
	}
	if total > 0xFFFF {
		return nil, lqsrerr.ErrTooManyOptions
	}
	buf := make([]byte, total)
	off := 0
	for _, o := range opts {
		l := o.Len()
		buf[off] = byte(o.Type())
		binary.LittleEndian.PutUint16(buf[off+1:off+3], uint16(l))
		o.Encode(buf[off+3 : off+3+l])
		off += 3 + l
	}
	return buf, nil
}

func decodeOptions(data []byte) ([]Option, error) {
	var opts []Option
	off := 0
	for off < len(data) {
		if off+3 > len(data) {
			return nil, lqsrerr.ErrMalformedOption
		}
		t := OptionType(data[off])
		l := int(binary.LittleEndian.Uint16(data[off+1 : off+3]))
		off += 3
		if off+l > len(data) {
			return nil, errOptionLenOverflow
		}
		opt, err := decodeOption(t, data[off:off+l])
		if err != nil {
			return nil, err
		}
		opts = append(opts, opt)
		off += l
	}
	return opts, nil
}

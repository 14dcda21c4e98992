// Package wire implements the LQSR frame codec and option parser of
// spec.md §4.1: serializing and parsing the fixed header, option chain,
// trailer and payload, including MAC verification and AES-CBC
// encrypt/decrypt of trailer+payload. The wire layout is grounded
// bit-for-bit on _examples/original_source/Etx/src/mcl/inc/lqsr.h.
package wire

import (
	"encoding/binary"
	"fmt"

	"github.com/lqsrnet/meshcore/pkg/common"
	"github.com/lqsrnet/meshcore/pkg/lqsrerr"
)

// OptionType identifies an LQSR option (spec.md §4.1 table).
type OptionType byte

const (
	OptPad1        OptionType = 0
	OptPadN        OptionType = 1
	OptRouteReq    OptionType = 2
	OptRouteReply  OptionType = 3
	OptRouteError  OptionType = 4
	OptAckReq      OptionType = 5
	OptAck         OptionType = 6
	OptSourceRoute OptionType = 7
	OptInfoReq     OptionType = 8
	OptInfo        OptionType = 9
	OptProbe       OptionType = 10
	OptProbeReply  OptionType = 11
	OptLinkInfo    OptionType = 12
)

// MaxHops is the maximum diameter of the network a source route can
// express (spec.md §3: "hops ≤ 8").
const MaxHops = 8

// SRAddr is one hop entry shared by RouteRequest, RouteReply,
// SourceRoute and LinkInfo (lqsr.h SRAddr).
type SRAddr struct {
	Addr   common.Addr
	InIf   uint8
	OutIf  uint8
	Metric uint32
}

const srAddrLen = common.AddrLen + 1 + 1 + 4

func encodeSRAddr(buf []byte, a SRAddr) {
	copy(buf[0:6], a.Addr[:])
	buf[6] = a.InIf
	buf[7] = a.OutIf
	binary.LittleEndian.PutUint32(buf[8:12], a.Metric)
}

func decodeSRAddr(buf []byte) SRAddr {
	var a SRAddr
	copy(a.Addr[:], buf[0:6])
	a.InIf = buf[6]
	a.OutIf = buf[7]
	a.Metric = binary.LittleEndian.Uint32(buf[8:12])
	return a
}

// Option is any decoded LQSR option, able to re-serialize itself.
type Option interface {
	Type() OptionType
	// Len returns the length of the encoded payload (excluding the
	// 3-byte type+len header).
	Len() int
	// Encode writes the payload (excluding type+len) into buf, which is
	// guaranteed to be at least Len() bytes.
	Encode(buf []byte)
}

// --- PAD1 / PADN ---

// Pad1 is a single zero-length padding option.
type Pad1 struct{}

func (Pad1) Type() OptionType { return OptPad1 }
func (Pad1) Len() int         { return 0 }
func (Pad1) Encode([]byte)    {}

// PadN is an N-byte padding option; contents are unspecified.
type PadN struct{ N int }

func (p PadN) Type() OptionType { return OptPadN }
func (p PadN) Len() int         { return p.N }
func (p PadN) Encode(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}

// --- Route Request ---

type RouteRequest struct {
	Identifier uint32
	Target     common.Addr
	HopList    []SRAddr
}

func (r RouteRequest) Type() OptionType { return OptRouteReq }
func (r RouteRequest) Len() int         { return 4 + 6 + len(r.HopList)*srAddrLen }
func (r RouteRequest) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], r.Identifier)
	copy(buf[4:10], r.Target[:])
	off := 10
	for _, h := range r.HopList {
		encodeSRAddr(buf[off:off+srAddrLen], h)
		off += srAddrLen
	}
}

func decodeRouteRequest(data []byte) (RouteRequest, error) {
	if len(data) < 10 {
		return RouteRequest{}, lqsrerr.ErrMalformedOption
	}
	r := RouteRequest{Identifier: binary.LittleEndian.Uint32(data[0:4])}
	copy(r.Target[:], data[4:10])
	rest := data[10:]
	if len(rest)%srAddrLen != 0 {
		return RouteRequest{}, lqsrerr.ErrMalformedOption
	}
	for off := 0; off < len(rest); off += srAddrLen {
		r.HopList = append(r.HopList, decodeSRAddr(rest[off:off+srAddrLen]))
	}
	return r, nil
}

// --- Route Reply ---

type RouteReply struct {
	HopList []SRAddr
}

func (r RouteReply) Type() OptionType { return OptRouteReply }
func (r RouteReply) Len() int         { return 2 + len(r.HopList)*srAddrLen }
func (r RouteReply) Encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], 0)
	off := 2
	for _, h := range r.HopList {
		encodeSRAddr(buf[off:off+srAddrLen], h)
		off += srAddrLen
	}
}

func decodeRouteReply(data []byte) (RouteReply, error) {
	if len(data) < 2 {
		return RouteReply{}, lqsrerr.ErrMalformedOption
	}
	rest := data[2:]
	if len(rest)%srAddrLen != 0 {
		return RouteReply{}, lqsrerr.ErrMalformedOption
	}
	var r RouteReply
	for off := 0; off < len(rest); off += srAddrLen {
		r.HopList = append(r.HopList, decodeSRAddr(rest[off:off+srAddrLen]))
	}
	return r, nil
}

// --- Route Error ---

type RouteError struct {
	ErrorSrc    common.Addr
	ErrorDst    common.Addr
	UnreachNode common.Addr
	InIf        uint8
	OutIf       uint8
	Metric      uint32
}

func (r RouteError) Type() OptionType { return OptRouteError }
func (r RouteError) Len() int         { return 6 + 6 + 6 + 1 + 1 + 4 }
func (r RouteError) Encode(buf []byte) {
	copy(buf[0:6], r.ErrorSrc[:])
	copy(buf[6:12], r.ErrorDst[:])
	copy(buf[12:18], r.UnreachNode[:])
	buf[18] = r.InIf
	buf[19] = r.OutIf
	binary.LittleEndian.PutUint32(buf[20:24], r.Metric)
}

func decodeRouteError(data []byte) (RouteError, error) {
	if len(data) != 24 {
		return RouteError{}, lqsrerr.ErrMalformedOption
	}
	var r RouteError
	copy(r.ErrorSrc[:], data[0:6])
	copy(r.ErrorDst[:], data[6:12])
	copy(r.UnreachNode[:], data[12:18])
	r.InIf = data[18]
	r.OutIf = data[19]
	r.Metric = binary.LittleEndian.Uint32(data[20:24])
	return r, nil
}

// --- Ack Request / Ack ---

type AckReq struct {
	ID uint16
}

func (a AckReq) Type() OptionType { return OptAckReq }
func (a AckReq) Len() int         { return 2 }
func (a AckReq) Encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], a.ID)
}

func decodeAckReq(data []byte) (AckReq, error) {
	if len(data) != 2 {
		return AckReq{}, lqsrerr.ErrMalformedOption
	}
	return AckReq{ID: binary.LittleEndian.Uint16(data[0:2])}, nil
}

type Ack struct {
	ID    uint16
	From  common.Addr
	To    common.Addr
	InIf  uint8
	OutIf uint8
}

func (a Ack) Type() OptionType { return OptAck }
func (a Ack) Len() int         { return 2 + 6 + 6 + 1 + 1 }
func (a Ack) Encode(buf []byte) {
	binary.LittleEndian.PutUint16(buf[0:2], a.ID)
	copy(buf[2:8], a.From[:])
	copy(buf[8:14], a.To[:])
	buf[14] = a.InIf
	buf[15] = a.OutIf
}

func decodeAck(data []byte) (Ack, error) {
	if len(data) != 16 {
		return Ack{}, lqsrerr.ErrMalformedOption
	}
	var a Ack
	a.ID = binary.LittleEndian.Uint16(data[0:2])
	copy(a.From[:], data[2:8])
	copy(a.To[:], data[8:14])
	a.InIf = data[14]
	a.OutIf = data[15]
	return a, nil
}

// --- Source Route ---

// SourceRoute is the in-packet hop list driving forwarding. The 16-bit
// bitfield packs {reserved:5, staticRoute:1, salvageCount:4, segmentsLeft:6}
// little-endian, matching lqsr.h's anonymous union exactly.
type SourceRoute struct {
	StaticRoute  bool
	SalvageCount uint8 // 0..15
	SegmentsLeft uint8 // 0..63, but spec.md bounds it to MaxHops-1
	HopList      []SRAddr
}

func (s SourceRoute) Type() OptionType { return OptSourceRoute }
func (s SourceRoute) Len() int         { return 2 + len(s.HopList)*srAddrLen }
func (s SourceRoute) Encode(buf []byte) {
	var misc uint16
	misc |= uint16(s.SegmentsLeft&0x3F) << 10
	misc |= uint16(s.SalvageCount&0xF) << 6
	if s.StaticRoute {
		misc |= 1 << 5
	}
	binary.LittleEndian.PutUint16(buf[0:2], misc)
	off := 2
	for _, h := range s.HopList {
		encodeSRAddr(buf[off:off+srAddrLen], h)
		off += srAddrLen
	}
}

func decodeSourceRoute(data []byte) (SourceRoute, error) {
	if len(data) < 2 {
		return SourceRoute{}, lqsrerr.ErrMalformedOption
	}
	misc := binary.LittleEndian.Uint16(data[0:2])
	s := SourceRoute{
		SegmentsLeft: uint8(misc>>10) & 0x3F,
		SalvageCount: uint8(misc>>6) & 0xF,
		StaticRoute:  misc&(1<<5) != 0,
	}
	rest := data[2:]
	if len(rest)%srAddrLen != 0 {
		return SourceRoute{}, lqsrerr.ErrMalformedOption
	}
	for off := 0; off < len(rest); off += srAddrLen {
		s.HopList = append(s.HopList, decodeSRAddr(rest[off:off+srAddrLen]))
	}
	if len(s.HopList) > MaxHops || int(s.SegmentsLeft) > len(s.HopList)-1 {
		return SourceRoute{}, lqsrerr.ErrMalformedOption
	}
	return s, nil
}

// --- Info Request / Info ---

type InfoRequest struct {
	Identifier uint32
	Source     common.Addr
}

func (r InfoRequest) Type() OptionType { return OptInfoReq }
func (r InfoRequest) Len() int         { return 4 + 6 }
func (r InfoRequest) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], r.Identifier)
	copy(buf[4:10], r.Source[:])
}

func decodeInfoRequest(data []byte) (InfoRequest, error) {
	if len(data) != 10 {
		return InfoRequest{}, lqsrerr.ErrMalformedOption
	}
	r := InfoRequest{Identifier: binary.LittleEndian.Uint32(data[0:4])}
	copy(r.Source[:], data[4:10])
	return r, nil
}

type Info struct {
	Identifier uint32
	Version    uint32
	Payload    []byte
}

func (i Info) Type() OptionType { return OptInfo }
func (i Info) Len() int         { return 4 + 4 + len(i.Payload) }
func (i Info) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], i.Identifier)
	binary.LittleEndian.PutUint32(buf[4:8], i.Version)
	copy(buf[8:], i.Payload)
}

func decodeInfo(data []byte) (Info, error) {
	if len(data) < 8 {
		return Info{}, lqsrerr.ErrMalformedOption
	}
	i := Info{
		Identifier: binary.LittleEndian.Uint32(data[0:4]),
		Version:    binary.LittleEndian.Uint32(data[4:8]),
	}
	if len(data) > 8 {
		i.Payload = append([]byte(nil), data[8:]...)
	}
	return i, nil
}

// --- Probe / Probe Reply ---

// probeFixedLen is the length of the generic prefix common to Probe and
// ProbeReply, before the metric-specific tail (lqsr.h: MetricType,
// ProbeType, Seq, Timestamp, From, To, InIf, OutIf).
const probeFixedLen = 4 + 4 + 4 + 8 + 6 + 6 + 1 + 1

type Probe struct {
	MetricType uint32
	ProbeType  uint32
	Seq        uint32
	Timestamp  uint64
	From       common.Addr
	To         common.Addr
	InIf       uint8
	OutIf      uint8
	Metric     uint32
	Special    []byte
}

func (p Probe) Type() OptionType { return OptProbe }
func (p Probe) Len() int         { return probeFixedLen + 4 + len(p.Special) }
func (p Probe) Encode(buf []byte) {
	encodeProbeFixed(buf, p.MetricType, p.ProbeType, p.Seq, p.Timestamp, p.From, p.To, p.InIf, p.OutIf)
	binary.LittleEndian.PutUint32(buf[probeFixedLen:probeFixedLen+4], p.Metric)
	copy(buf[probeFixedLen+4:], p.Special)
}

func decodeProbe(data []byte) (Probe, error) {
	if len(data) < probeFixedLen+4 {
		return Probe{}, lqsrerr.ErrMalformedOption
	}
	p := Probe{}
	decodeProbeFixed(data, &p.MetricType, &p.ProbeType, &p.Seq, &p.Timestamp, &p.From, &p.To, &p.InIf, &p.OutIf)
	p.Metric = binary.LittleEndian.Uint32(data[probeFixedLen : probeFixedLen+4])
	if len(data) > probeFixedLen+4 {
		p.Special = append([]byte(nil), data[probeFixedLen+4:]...)
	}
	return p, nil
}

type ProbeReply struct {
	MetricType uint32
	ProbeType  uint32
	Seq        uint32
	Timestamp  uint64
	From       common.Addr
	To         common.Addr
	InIf       uint8
	OutIf      uint8
	Special    []byte
}

func (p ProbeReply) Type() OptionType { return OptProbeReply }
func (p ProbeReply) Len() int         { return probeFixedLen + len(p.Special) }
func (p ProbeReply) Encode(buf []byte) {
	encodeProbeFixed(buf, p.MetricType, p.ProbeType, p.Seq, p.Timestamp, p.From, p.To, p.InIf, p.OutIf)
	copy(buf[probeFixedLen:], p.Special)
}

func decodeProbeReply(data []byte) (ProbeReply, error) {
	if len(data) < probeFixedLen {
		return ProbeReply{}, lqsrerr.ErrMalformedOption
	}
	p := ProbeReply{}
	decodeProbeFixed(data, &p.MetricType, &p.ProbeType, &p.Seq, &p.Timestamp, &p.From, &p.To, &p.InIf, &p.OutIf)
	if len(data) > probeFixedLen {
		p.Special = append([]byte(nil), data[probeFixedLen:]...)
	}
	return p, nil
}

func encodeProbeFixed(buf []byte, metricType, probeType, seq uint32, ts uint64, from, to common.Addr, inIf, outIf uint8) {
	binary.LittleEndian.PutUint32(buf[0:4], metricType)
	binary.LittleEndian.PutUint32(buf[4:8], probeType)
	binary.LittleEndian.PutUint32(buf[8:12], seq)
	binary.LittleEndian.PutUint64(buf[12:20], ts)
	copy(buf[20:26], from[:])
	copy(buf[26:32], to[:])
	buf[32] = inIf
	buf[33] = outIf
}

func decodeProbeFixed(buf []byte, metricType, probeType, seq *uint32, ts *uint64, from, to *common.Addr, inIf, outIf *uint8) {
	*metricType = binary.LittleEndian.Uint32(buf[0:4])
	*probeType = binary.LittleEndian.Uint32(buf[4:8])
	*seq = binary.LittleEndian.Uint32(buf[8:12])
	*ts = binary.LittleEndian.Uint64(buf[12:20])
	copy(from[:], buf[20:26])
	copy(to[:], buf[26:32])
	*inIf = buf[32]
	*outIf = buf[33]
}

// --- Link Info ---

type LinkInfo struct {
	From  common.Addr
	Links []SRAddr
}

func (l LinkInfo) Type() OptionType { return OptLinkInfo }
func (l LinkInfo) Len() int         { return 6 + len(l.Links)*srAddrLen }
func (l LinkInfo) Encode(buf []byte) {
	copy(buf[0:6], l.From[:])
	off := 6
	for _, h := range l.Links {
		encodeSRAddr(buf[off:off+srAddrLen], h)
		off += srAddrLen
	}
}

func decodeLinkInfo(data []byte) (LinkInfo, error) {
	if len(data) < 6 {
		return LinkInfo{}, lqsrerr.ErrMalformedOption
	}
	l := LinkInfo{}
	copy(l.From[:], data[0:6])
	rest := data[6:]
	if len(rest)%srAddrLen != 0 {
		return LinkInfo{}, lqsrerr.ErrMalformedOption
	}
	for off := 0; off < len(rest); off += srAddrLen {
		l.Links = append(l.Links, decodeSRAddr(rest[off:off+srAddrLen]))
	}
	return l, nil
}

// decodeOption parses a single option's payload given its type. Unknown
// types are returned as a raw blob (skipped by the caller using len, per
// spec.md §4.1: "Unknown types are skipped using len").
type rawOption struct {
	t    OptionType
	data []byte
}

func (r rawOption) Type() OptionType { return r.t }
func (r rawOption) Len() int         { return len(r.data) }
func (r rawOption) Encode(buf []byte) {
	copy(buf, r.data)
}

func decodeOption(t OptionType, data []byte) (Option, error) {
	switch t {
	case OptPad1:
		return Pad1{}, nil
	case OptPadN:
		return PadN{N: len(data)}, nil
	case OptRouteReq:
		return decodeRouteRequest(data)
	case OptRouteReply:
		return decodeRouteReply(data)
	case OptRouteError:
		return decodeRouteError(data)
	case OptAckReq:
		return decodeAckReq(data)
	case OptAck:
		return decodeAck(data)
	case OptSourceRoute:
		return decodeSourceRoute(data)
	case OptInfoReq:
		return decodeInfoRequest(data)
	case OptInfo:
		return decodeInfo(data)
	case OptProbe:
		return decodeProbe(data)
	case OptProbeReply:
		return decodeProbeReply(data)
	case OptLinkInfo:
		return decodeLinkInfo(data)
	default:
		return rawOption{t: t, data: append([]byte(nil), data...)}, nil
	}
}

// errOptionLenOverflow is returned internally when an option's declared
// length would run past the end of the buffer.
var errOptionLenOverflow = fmt.Errorf("wire: option length exceeds frame: %w", lqsrerr.ErrMalformedOption)

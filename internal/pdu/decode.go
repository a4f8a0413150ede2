package pdu

import (
	"encoding/hex"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mways/smsgatewayd/internal/types"
)

// cmglEntry matches one "+CMGL: <index>..." header line followed by its
// hex PDU on the next line, as returned by AT+CMGL.
var cmglEntry = regexp.MustCompile(`(?m)\+CMGL:\s*(\d+)[^\r\n]*[\r\n]+([0-9A-Fa-f]+)`)

// DecodeList parses every CMGL entry in raw and reassembles any
// concatenated (UDH) messages found within this single call. Malformed
// entries are dropped; decoding of the remaining entries continues.
func DecodeList(raw, simID string) []types.ModemSms {
	matches := cmglEntry.FindAllStringSubmatch(raw, -1)
	asm := newAssembler()
	out := make([]types.ModemSms, 0, len(matches))
	for _, m := range matches {
		idx, _ := strconv.Atoi(m[1])
		data, err := hex.DecodeString(strings.TrimSpace(m[2]))
		if err != nil {
			continue
		}
		sms, frag, err := decodeOne(data, simID, idx)
		if err != nil {
			continue
		}
		if frag != nil {
			if complete, ok := asm.add(*frag); ok {
				out = append(out, complete)
			}
			continue
		}
		out = append(out, sms)
	}
	return out
}

// fragment is one segment of a concatenated message, produced when the
// PDU's UDH carries a concatenation IE.
type fragment struct {
	ref, total, current int
	contact             string
	timestamp           time.Time
	simID               string
	content             string
}

func decodeOne(data []byte, simID string, idx int) (types.ModemSms, *fragment, error) {
	if len(data) < 1 {
		return types.ModemSms{}, nil, types.ErrProtocolDecode
	}
	off := 0
	smscLen := int(data[off])
	off += 1 + smscLen
	if off >= len(data) {
		return types.ModemSms{}, nil, types.ErrProtocolDecode
	}

	pduType := data[off]
	udhi := pduType&0x40 != 0
	off++

	if off >= len(data) {
		return types.ModemSms{}, nil, types.ErrProtocolDecode
	}
	addrSemiOctets := int(data[off])
	off++
	if off >= len(data) {
		return types.ModemSms{}, nil, types.ErrProtocolDecode
	}
	toa := data[off]
	off++
	addrOctets := (addrSemiOctets + 1) / 2
	if off+addrOctets > len(data) {
		return types.ModemSms{}, nil, types.ErrProtocolDecode
	}
	addrBytes := data[off : off+addrOctets]
	off += addrOctets

	contact := decodeAddress(addrBytes, toa, addrSemiOctets)

	// skip PID
	if off >= len(data) {
		return types.ModemSms{}, nil, types.ErrProtocolDecode
	}
	off++

	if off >= len(data) {
		return types.ModemSms{}, nil, types.ErrProtocolDecode
	}
	dcs := data[off]
	off++

	if off+7 > len(data) {
		return types.ModemSms{}, nil, types.ErrProtocolDecode
	}
	ts := decodeTimestamp(data[off : off+7])
	off += 7

	if off >= len(data) {
		return types.ModemSms{}, nil, types.ErrProtocolDecode
	}
	udl := int(data[off])
	off++

	udBytes := data[off:]

	headerLen := 0
	body := udBytes
	var concat *fragment
	if udhi && len(udBytes) > 0 {
		L := int(udBytes[0])
		if 1+L <= len(udBytes) {
			udh := udBytes[1 : 1+L]
			if len(udh) >= 5 && udh[0] == 0x00 && udh[1] == 0x03 {
				concat = &fragment{
					ref:     int(udh[2]),
					total:   int(udh[3]),
					current: int(udh[4]),
				}
			}
			headerLen = 1 + L
			body = udBytes[headerLen:]
		}
	}

	message := decodeUserData(body, dcs, udl, headerLen)

	if concat != nil {
		concat.contact = contact
		concat.timestamp = ts
		concat.simID = simID
		concat.content = message
		return types.ModemSms{}, concat, nil
	}

	return types.ModemSms{
		Contact:   contact,
		Timestamp: ts,
		Message:   message,
		Send:      false,
		SimID:     simID,
		Index:     idx,
	}, nil, nil
}

// decodeAddress handles both alphanumeric (TOA upper nibble 5) and
// numeric (BCD) originator addresses. The upper nibble is read with the
// extension bit masked off, so 0x91 counts as international (1).
func decodeAddress(addrBytes []byte, toa byte, semiOctets int) string {
	upper := (toa >> 4) & 0x7
	if upper == 5 {
		totalBits := semiOctets * 4
		septetCount := totalBits / 7
		septets := unpackGSM7(addrBytes, septetCount)
		for i, s := range septets {
			if s < 0x20 {
				septets = septets[:i]
				break
			}
		}
		return decodeGSM7Septets(septets)
	}
	var sb strings.Builder
	for _, b := range addrBytes {
		lo := b & 0x0F
		hi := (b >> 4) & 0x0F
		sb.WriteByte(bcdDigit(lo))
		sb.WriteByte(bcdDigit(hi))
	}
	digits := strings.TrimRight(sb.String(), "F")
	if upper == 1 {
		return "+" + digits
	}
	return digits
}

func bcdDigit(n byte) byte {
	if n <= 9 {
		return '0' + n
	}
	return 'F'
}

// decodeTimestamp parses the 7-octet swapped-BCD SMSC timestamp. An
// unparsable date falls back to the Unix epoch (1970-01-01 UTC).
func decodeTimestamp(b []byte) time.Time {
	digit := func(o byte) int {
		lo := int(o & 0x0F)
		hi := int((o >> 4) & 0x0F)
		return lo*10 + hi
	}
	yy := digit(b[0])
	mm := digit(b[1])
	dd := digit(b[2])
	hh := digit(b[3])
	mi := digit(b[4])
	ss := digit(b[5])
	tzOctet := b[6]
	tzLo := int(tzOctet & 0x07)
	tzHi := int((tzOctet >> 4) & 0x0F)
	quarterHours := tzLo*10 + tzHi
	sign := 1
	if tzOctet&0x08 != 0 {
		sign = -1
	}
	loc := time.FixedZone("", sign*quarterHours*15*60)
	if mm < 1 || mm > 12 || dd < 1 || dd > 31 || hh > 23 || mi > 59 || ss > 59 {
		return time.Unix(0, 0).UTC()
	}
	t := time.Date(2000+yy, time.Month(mm), dd, hh, mi, ss, 0, loc)
	return t
}

// decodeUserData decodes the message body per DCS. udl and headerLen
// are used to compute the GSM-7 content septet count when a UDH is
// present (the header consumes whole octets but the content remains
// septet-packed, so a fill-bit alignment is applied).
func decodeUserData(body []byte, dcs byte, udl, headerLen int) string {
	switch {
	case dcs == 0x00:
		headerBits := headerLen * 8
		headerSeptets := 0
		fillBits := 0
		if headerLen > 0 {
			headerSeptets = (headerBits + 6) / 7
			fillBits = headerSeptets*7 - headerBits
		}
		contentSeptets := udl - headerSeptets
		if contentSeptets < 0 {
			contentSeptets = 0
		}
		septets := unpackGSM7Offset(body, contentSeptets, fillBits)
		return strings.TrimRight(decodeGSM7Septets(septets), "\x00")
	case dcs == 0x08:
		return decodeUCS2(body)
	default:
		return decodeLatin1(body)
	}
}

func decodeUCS2(b []byte) string {
	var sb strings.Builder
	for i := 0; i+1 < len(b); i += 2 {
		u := uint16(b[i])<<8 | uint16(b[i+1])
		r := rune(u)
		if u >= 0xD800 && u <= 0xDFFF {
			r = 0xFFFD
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

func decodeLatin1(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		sb.WriteRune(rune(c))
	}
	return sb.String()
}

// unpackGSM7Offset is unpackGSM7 with an initial bit offset skipped
// before the first septet is read, used to realign content following
// a UDH that does not end on a septet boundary.
func unpackGSM7Offset(data []byte, count, skipBits int) []byte {
	if skipBits == 0 {
		return unpackGSM7(data, count)
	}
	var acc uint32
	var bits uint
	idx := 0
	// prime the accumulator and discard skipBits.
	for bits < uint(skipBits) {
		if idx >= len(data) {
			return nil
		}
		acc |= uint32(data[idx]) << bits
		idx++
		bits += 8
	}
	acc >>= uint(skipBits)
	bits -= uint(skipBits)

	septets := make([]byte, 0, count)
	for len(septets) < count {
		for bits < 7 {
			if idx >= len(data) {
				return septets
			}
			acc |= uint32(data[idx]) << bits
			idx++
			bits += 8
		}
		septets = append(septets, byte(acc&0x7F))
		acc >>= 7
		bits -= 7
	}
	return septets
}

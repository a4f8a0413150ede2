package pdu

// gsm7Alphabet is the 3GPP TS 23.038 default alphabet (GSM 7-bit),
// indexed by septet value 0-127. Code points with no sensible Unicode
// mapping under the escape table are handled in gsm7Ext.
var gsm7Alphabet = [128]rune{
	'@', '£', '$', '¥', 'è', 'é', 'ù', 'ì', 'ò', 'Ç', '\n', 'Ø', 'ø', '\r', 'Å', 'å',
	'Δ', '_', 'Φ', 'Γ', 'Λ', 'Ω', 'Π', 'Ψ', 'Σ', 'Θ', 'Ξ', 0x1B, 'Æ', 'æ', 'ß', 'É',
	' ', '!', '"', '#', '¤', '%', '&', '\'', '(', ')', '*', '+', ',', '-', '.', '/',
	'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', ':', ';', '<', '=', '>', '?',
	'¡', 'A', 'B', 'C', 'D', 'E', 'F', 'G', 'H', 'I', 'J', 'K', 'L', 'M', 'N', 'O',
	'P', 'Q', 'R', 'S', 'T', 'U', 'V', 'W', 'X', 'Y', 'Z', 'Ä', 'Ö', 'Ñ', 'Ü', '§',
	'¿', 'a', 'b', 'c', 'd', 'e', 'f', 'g', 'h', 'i', 'j', 'k', 'l', 'm', 'n', 'o',
	'p', 'q', 'r', 's', 't', 'u', 'v', 'w', 'x', 'y', 'z', 'ä', 'ö', 'ñ', 'ü', 'à',
}

// gsm7Ext is the extension table reached via the ESC (0x1B) septet.
// Codes not present here render as '?', matching spec's acceptance note.
var gsm7Ext = map[byte]rune{
	0x0A: '\f',
	0x14: '^',
	0x28: '{',
	0x29: '}',
	0x2F: '\\',
	0x3C: '[',
	0x3D: '~',
	0x3E: ']',
	0x40: '|',
	0x65: '€',
}

var gsm7Reverse = buildGsm7Reverse()

func buildGsm7Reverse() map[rune]byte {
	m := make(map[rune]byte, 128)
	for i, r := range gsm7Alphabet {
		if _, ok := m[r]; !ok {
			m[r] = byte(i)
		}
	}
	return m
}

// packGSM7 packs the given septet values (each 0-127) LSB-first across
// octet boundaries, the inverse of unpackGSM7.
func packGSM7(septets []byte) []byte {
	out := make([]byte, 0, (len(septets)*7+7)/8)
	var acc uint16
	var bits uint
	for _, s := range septets {
		acc |= uint16(s&0x7F) << bits
		bits += 7
		for bits >= 8 {
			out = append(out, byte(acc))
			acc >>= 8
			bits -= 8
		}
	}
	if bits > 0 {
		out = append(out, byte(acc))
	}
	return out
}

// unpackGSM7 unpacks count septets LSB-first from the given octets.
func unpackGSM7(data []byte, count int) []byte {
	septets := make([]byte, 0, count)
	var acc uint16
	var bits uint
	idx := 0
	for len(septets) < count {
		for bits < 7 {
			if idx >= len(data) {
				return septets
			}
			acc |= uint16(data[idx]) << bits
			idx++
			bits += 8
		}
		septets = append(septets, byte(acc&0x7F))
		acc >>= 7
		bits -= 7
	}
	return septets
}

// decodeGSM7Septets maps unpacked septets to runes, honoring the ESC
// extension table. Nothing is stripped: septet 0x00 maps to '@'.
func decodeGSM7Septets(septets []byte) string {
	var out []rune
	esc := false
	for _, s := range septets {
		if esc {
			if r, ok := gsm7Ext[s]; ok {
				out = append(out, r)
			} else {
				out = append(out, '?')
			}
			esc = false
			continue
		}
		if s == 0x1B {
			esc = true
			continue
		}
		out = append(out, gsm7Alphabet[s&0x7F])
	}
	return string(out)
}

// encodeGSM7Septets maps runes to septet values, escaping through the
// extension table where required. Characters with no mapping at all
// are dropped.
func encodeGSM7Septets(s string) []byte {
	septets := make([]byte, 0, len(s))
	for _, r := range s {
		if b, ok := gsm7Reverse[r]; ok {
			septets = append(septets, b)
			continue
		}
		for code, er := range gsm7Ext {
			if er == r {
				septets = append(septets, 0x1B, code)
				break
			}
		}
	}
	return septets
}

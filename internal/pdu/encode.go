package pdu

import (
	"fmt"
	"strings"
	"unicode/utf16"

	"github.com/pkg/errors"

	"github.com/mways/smsgatewayd/internal/types"
)

const maxUCS2CodeUnits = 70

// Encode produces an SMS-SUBMIT PDU for the given destination and
// UCS-2 message text. It returns the full hex PDU (including the
// leading SMSC-info byte) and the TPDU length in octets, which
// excludes that leading byte, per spec.
func Encode(destination, message string) (hexPDU string, tpduLength int, err error) {
	units := utf16.Encode([]rune(message))
	if len(units) > maxUCS2CodeUnits {
		return "", 0, errors.Wrapf(types.ErrEncodeTooLong, "%d code units", len(units))
	}

	addrDigits, toa, err := encodeAddress(destination)
	if err != nil {
		return "", 0, err
	}

	var tpdu strings.Builder
	tpdu.WriteString("11")                    // first octet: SMS-SUBMIT, VP relative present
	tpdu.WriteString("00")                    // message reference
	fmt.Fprintf(&tpdu, "%02X", len(destinationDigitsOnly(destination)))
	fmt.Fprintf(&tpdu, "%02X", toa)
	tpdu.WriteString(addrDigits)
	tpdu.WriteString("00") // PID
	tpdu.WriteString("08") // DCS: UCS-2
	tpdu.WriteString("00") // validity period
	fmt.Fprintf(&tpdu, "%02X", len(units)*2)

	var ud strings.Builder
	for _, u := range units {
		fmt.Fprintf(&ud, "%04X", u)
	}
	tpdu.WriteString(ud.String())

	tpduHex := tpdu.String()
	tpduLength = len(tpduHex) / 2
	return "00" + tpduHex, tpduLength, nil
}

func destinationDigitsOnly(d string) string {
	return strings.TrimPrefix(d, "+")
}

// encodeAddress returns the swapped-nibble BCD digit string (padded
// with a trailing F if odd-length) and the type-of-address octet.
func encodeAddress(d string) (string, byte, error) {
	toa := byte(0x81)
	digits := d
	if strings.HasPrefix(d, "+") {
		toa = 0x91
		digits = d[1:]
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", 0, errors.Errorf("invalid digit %q in destination %q", r, d)
		}
	}
	if len(digits)%2 != 0 {
		digits += "F"
	}
	swapped := make([]byte, 0, len(digits))
	for i := 0; i < len(digits); i += 2 {
		swapped = append(swapped, digits[i+1], digits[i])
	}
	return string(swapped), toa, nil
}

/**
 * @description
 * Pure helpers for recipient identifiers: canonicalizing Nigerian phone numbers,
 * detecting the carrier network from the number prefix, and masking numbers for
 * display. Account-style identifiers (meter, smartcard, betting ids) pass through
 * trimmed and untouched.
 */

package phone

import (
	"errors"
	"strings"

	"github.com/billpoint/vending-service/internal/domain"
)

var (
	ErrInvalidNumber  = errors.New("invalid phone number")
	ErrUnknownNetwork = errors.New("unknown network prefix")
)

// networkPrefixes maps 4-digit local prefixes to carriers. The table is the
// routing source of truth for auto-detection; ported numbers are out of scope.
var networkPrefixes = map[string]domain.Network{
	"0803": domain.NetworkMTN, "0806": domain.NetworkMTN, "0703": domain.NetworkMTN,
	"0706": domain.NetworkMTN, "0813": domain.NetworkMTN, "0816": domain.NetworkMTN,
	"0810": domain.NetworkMTN, "0814": domain.NetworkMTN, "0903": domain.NetworkMTN,
	"0906": domain.NetworkMTN, "0913": domain.NetworkMTN, "0916": domain.NetworkMTN,
	"0704": domain.NetworkMTN,

	"0805": domain.NetworkGlo, "0807": domain.NetworkGlo, "0705": domain.NetworkGlo,
	"0815": domain.NetworkGlo, "0811": domain.NetworkGlo, "0905": domain.NetworkGlo,
	"0915": domain.NetworkGlo,

	"0802": domain.NetworkAirtel, "0808": domain.NetworkAirtel, "0708": domain.NetworkAirtel,
	"0812": domain.NetworkAirtel, "0701": domain.NetworkAirtel, "0902": domain.NetworkAirtel,
	"0901": domain.NetworkAirtel, "0904": domain.NetworkAirtel, "0907": domain.NetworkAirtel,
	"0912": domain.NetworkAirtel, "0911": domain.NetworkAirtel,

	"0809": domain.Network9Mobile, "0818": domain.Network9Mobile, "0817": domain.Network9Mobile,
	"0909": domain.Network9Mobile, "0908": domain.Network9Mobile,
}

// Normalize canonicalizes a Nigerian phone number into the local 11-digit
// `0XXXXXXXXXX` form. Accepted inputs: `+234XXXXXXXXXX`, `234XXXXXXXXXX`,
// `0XXXXXXXXXX`, with spaces and dashes tolerated anywhere.
func Normalize(raw string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == ' ' || r == '-' || r == '(' || r == ')' {
			return -1
		}
		return r
	}, strings.TrimSpace(raw))

	cleaned = strings.TrimPrefix(cleaned, "+")
	if strings.HasPrefix(cleaned, "234") && len(cleaned) == 13 {
		cleaned = "0" + cleaned[3:]
	}

	if len(cleaned) != 11 || cleaned[0] != '0' {
		return "", ErrInvalidNumber
	}
	for _, r := range cleaned {
		if r < '0' || r > '9' {
			return "", ErrInvalidNumber
		}
	}
	return cleaned, nil
}

// DetectNetwork resolves the carrier from a canonical local number's prefix.
// Auto-detection failure is a hard error; the caller must not guess.
func DetectNetwork(msisdn string) (domain.Network, error) {
	canonical, err := Normalize(msisdn)
	if err != nil {
		return "", err
	}
	network, ok := networkPrefixes[canonical[:4]]
	if !ok {
		return "", ErrUnknownNetwork
	}
	return network, nil
}

// Mask hides the middle of a phone number for display, keeping the first four
// and last two digits.
func Mask(msisdn string) string {
	if len(msisdn) < 7 {
		return msisdn
	}
	return msisdn[:4] + strings.Repeat("*", len(msisdn)-6) + msisdn[len(msisdn)-2:]
}

// NormalizeAccount trims account-style recipient identifiers (meter numbers,
// smartcard numbers, betting account ids) without further interpretation.
func NormalizeAccount(raw string) string {
	return strings.TrimSpace(raw)
}

package gateway

import "strings"

// NormalizePhone rewrites Kenyan MSISDNs to the 254XXXXXXXXX form providers
// expect. Accepted inputs: 2547XXXXXXXX, +2547XXXXXXXX, 07XXXXXXXX,
// 01XXXXXXXX, 7XXXXXXXX, 1XXXXXXXX.
func NormalizePhone(phone string) (string, error) {
	p := strings.TrimSpace(phone)
	p = strings.ReplaceAll(p, " ", "")
	p = strings.ReplaceAll(p, "-", "")
	p = strings.TrimPrefix(p, "+")

	for _, r := range p {
		if r < '0' || r > '9' {
			return "", &ValidationError{Message: "phone number contains non-digit characters: " + phone}
		}
	}

	switch {
	case len(p) == 12 && strings.HasPrefix(p, "254"):
		return p, nil
	case len(p) == 10 && (strings.HasPrefix(p, "07") || strings.HasPrefix(p, "01")):
		return "254" + p[1:], nil
	case len(p) == 9 && (strings.HasPrefix(p, "7") || strings.HasPrefix(p, "1")):
		return "254" + p, nil
	}
	return "", &ValidationError{Message: "unrecognized phone number format: " + phone}
}

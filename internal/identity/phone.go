package identity

// PhoneNormalizer canonicalizes phone-shaped strings for a default numbering plan.
type PhoneNormalizer struct {
	// CountryCode is prepended to national numbers, e.g. "55".
	CountryCode string
	// NationalLengths are the digit counts of a number written without the country code.
	NationalLengths []int
}

// NewPhoneNormalizer returns a normalizer for the given default country code and national lengths.
func NewPhoneNormalizer(countryCode string, nationalLengths []int) PhoneNormalizer {
	return PhoneNormalizer{CountryCode: onlyDigits(countryCode), NationalLengths: nationalLengths}
}

// Canonical strips non-digits and prefixes the country code to national numbers.
func (n PhoneNormalizer) Canonical(raw string) string {
	digits := onlyDigits(raw)
	if digits == "" {
		return ""
	}
	if n.isNational(digits) {
		return n.CountryCode + digits
	}
	return digits
}

// Variants returns the canonical form followed by its national form when one exists.
// Either representation on file must match the same contact.
func (n PhoneNormalizer) Variants(raw string) []string {
	canonical := n.Canonical(raw)
	if canonical == "" {
		return nil
	}
	variants := []string{canonical}

	if n.CountryCode != "" && len(canonical) > len(n.CountryCode) && canonical[:len(n.CountryCode)] == n.CountryCode {
		national := canonical[len(n.CountryCode):]
		if n.isNational(national) {
			variants = append(variants, national)
		}
	}
	return variants
}

func (n PhoneNormalizer) isNational(digits string) bool {
	if n.CountryCode == "" {
		return false
	}
	for _, l := range n.NationalLengths {
		if len(digits) == l {
			return true
		}
	}
	return false
}

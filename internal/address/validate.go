package address

import (
	"regexp"
	"strings"
	"unicode"
)

// Источник результата проверки
const (
	SourceProvider = "provider"
	SourceLocal    = "local"
)

// minAddressLength короче этого адрес не проверяем
const minAddressLength = 5

var (
	stateCodeRe = regexp.MustCompile(`\b[A-Z]{2}\b`)
	zipRe       = regexp.MustCompile(`\b\d{5}(-\d{4})?\b`)
)

// Result результат проверки адреса. Errors блокируют сохранение, Warnings нет.
type Result struct {
	IsValid          bool
	Errors           []string
	Warnings         []string
	FormattedAddress string
	Place            *Place
	Source           string
}

// LocalValidate эвристика на случай, когда провайдер недоступен
func LocalValidate(address string) Result {
	res := Result{Source: SourceLocal, FormattedAddress: strings.TrimSpace(address)}
	addr := res.FormattedAddress

	if addr == "" {
		res.Errors = append(res.Errors, "Address is required")
		return res
	}
	if len([]rune(addr)) < minAddressLength {
		res.Errors = append(res.Errors, "Address is too short")
	}

	var hasDigit, hasLetter bool
	for _, r := range addr {
		switch {
		case unicode.IsDigit(r):
			hasDigit = true
		case unicode.IsLetter(r):
			hasLetter = true
		}
	}
	if !hasDigit {
		res.Errors = append(res.Errors, "Address must include a street number")
	}
	if !hasLetter {
		res.Errors = append(res.Errors, "Address must include a street name")
	}

	if first := []rune(addr)[0]; !unicode.IsDigit(first) {
		res.Warnings = append(res.Warnings, "Address usually starts with a street number")
	}
	if len(strings.Split(addr, ",")) < 2 {
		res.Warnings = append(res.Warnings, "Separate street, city and state with commas")
	}
	if !stateCodeRe.MatchString(addr) {
		res.Warnings = append(res.Warnings, "Include a two-letter state code")
	}
	if !zipRe.MatchString(addr) {
		res.Warnings = append(res.Warnings, "Include a ZIP code")
	}

	res.IsValid = len(res.Errors) == 0
	return res
}

// fromPlace результат проверки по ответу провайдера
func fromPlace(p *Place) Result {
	res := Result{
		IsValid:          true,
		FormattedAddress: p.FormattedAddress,
		Place:            p,
		Source:           SourceProvider,
	}
	if p.PartialMatch {
		res.Warnings = append(res.Warnings, "Only a partial match was found, please check the address")
	}
	if p.Components["street_number"] == "" {
		res.Warnings = append(res.Warnings, "Address has no street number")
	}
	return res
}

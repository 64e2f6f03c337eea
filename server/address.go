package server

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	localPartRegex  = `^(?i)(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+(?:\.(?:[a-z0-9!#$%&'*+/=?^_\{\|\}~-])+)*$`
	domainNameRegex = `^(?i)(?:[a-z0-9](?:[a-z0-9-]*[a-z0-9])?\.)+[a-z0-9](?:[a-z0-9-]*[a-z0-9])?$`
)

var (
	localPartRe  = regexp.MustCompile(localPartRegex)
	domainNameRe = regexp.MustCompile(domainNameRegex)
)

// Address is a parsed, lowercased mail address. Plus addressing is kept:
// user+detail@example.com resolves to the account user@example.com with
// detail "detail".
type Address struct {
	fullAddress string
	localPart   string
	detail      string
	domain      string
}

// NewAddress parses and validates an address.
func NewAddress(input string) (Address, error) {
	input = strings.ToLower(strings.TrimSpace(input))
	if input == "" {
		return Address{}, fmt.Errorf("address is empty")
	}
	if strings.ContainsAny(input, " \t\n\r") {
		return Address{}, fmt.Errorf("address contains whitespace: %q", input)
	}

	localPart, domain, found := strings.Cut(input, "@")
	if !found || localPart == "" || domain == "" {
		return Address{}, fmt.Errorf("malformed address: %q", input)
	}
	if strings.Contains(domain, "@") {
		return Address{}, fmt.Errorf("too many @ in address: %q", input)
	}

	base, detail, _ := strings.Cut(localPart, "+")
	if !localPartRe.MatchString(base) {
		return Address{}, fmt.Errorf("invalid local part: %q", localPart)
	}
	if !domainNameRe.MatchString(domain) {
		return Address{}, fmt.Errorf("invalid domain: %q", domain)
	}

	return Address{
		fullAddress: input,
		localPart:   localPart,
		detail:      detail,
		domain:      domain,
	}, nil
}

func (a Address) FullAddress() string {
	return a.fullAddress
}

func (a Address) LocalPart() string {
	return a.localPart
}

// BaseLocalPart is the local part with any +detail stripped.
func (a Address) BaseLocalPart() string {
	base, _, _ := strings.Cut(a.localPart, "+")
	return base
}

func (a Address) Detail() string {
	return a.detail
}

func (a Address) Domain() string {
	return a.domain
}

// BaseAddress is the account address the mailbox lookup uses.
func (a Address) BaseAddress() string {
	return a.BaseLocalPart() + "@" + a.domain
}

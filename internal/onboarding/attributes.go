package onboarding

import (
	"fmt"
	"strings"
)

// Attributes are identity provider claims keyed by claim name.
type Attributes map[string]any

// Source is a named resolver that may produce a value from attributes.
type Source struct {
	Name    string
	Resolve func(Attributes) (string, bool)
}

// Resolve folds sources left to right and returns the first value found along
// with the name of the source that produced it.
func Resolve(attrs Attributes, sources ...Source) (value string, source string, ok bool) {
	for _, s := range sources {
		if s.Resolve == nil {
			continue
		}
		if v, found := s.Resolve(attrs); found {
			return v, s.Name, true
		}
	}
	return "", "", false
}

// Claim resolves a non-empty string claim.
func Claim(name string) Source {
	return Source{
		Name: name,
		Resolve: func(attrs Attributes) (string, bool) {
			return stringClaim(attrs, name)
		},
	}
}

func stringClaim(attrs Attributes, name string) (string, bool) {
	raw, ok := attrs[name]
	if !ok || raw == nil {
		return "", false
	}

	var v string
	switch t := raw.(type) {
	case string:
		v = t
	case fmt.Stringer:
		v = t.String()
	default:
		return "", false
	}

	v = strings.TrimSpace(v)
	return v, v != ""
}

// emailDomain derives a display name from the domain part of the email claim,
// skipping consumer mail providers.
func emailDomain() Source {
	return Source{
		Name: "email_domain",
		Resolve: func(attrs Attributes) (string, bool) {
			email, ok := stringClaim(attrs, "email")
			if !ok {
				return "", false
			}
			at := strings.LastIndexByte(email, '@')
			if at < 0 || at == len(email)-1 {
				return "", false
			}
			domain := strings.ToLower(email[at+1:])
			if _, consumer := consumerDomains[domain]; consumer {
				return "", false
			}
			label, _, _ := strings.Cut(domain, ".")
			return label, label != ""
		},
	}
}

var consumerDomains = map[string]struct{}{
	"gmail.com":      {},
	"googlemail.com": {},
	"outlook.com":    {},
	"hotmail.com":    {},
	"yahoo.com":      {},
	"icloud.com":     {},
	"proton.me":      {},
}

// BusinessNameSources is the precedence used to derive a business name.
var BusinessNameSources = []Source{
	Claim("custom:business_name"),
	Claim("business_name"),
	Claim("organization"),
	Claim("org_name"),
	emailDomain(),
}

// TenantIDSources is the precedence used to derive a tenant id hint.
var TenantIDSources = []Source{
	Claim("custom:tenant_id"),
	Claim("tenant_id"),
	Claim("tid"),
}

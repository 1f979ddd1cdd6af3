package onboarding

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolve_BusinessName(t *testing.T) {
	tests := []struct {
		name       string
		attrs      Attributes
		wantValue  string
		wantSource string
		wantOK     bool
	}{
		{
			name:       "custom claim wins",
			attrs:      Attributes{"custom:business_name": "Acme Pty Ltd", "organization": "Other", "email": "a@acme.io"},
			wantValue:  "Acme Pty Ltd",
			wantSource: "custom:business_name",
			wantOK:     true,
		},
		{
			name:       "blank values are skipped",
			attrs:      Attributes{"custom:business_name": "  ", "business_name": "", "organization": "Globex"},
			wantValue:  "Globex",
			wantSource: "organization",
			wantOK:     true,
		},
		{
			name:       "non string values are skipped",
			attrs:      Attributes{"business_name": 42, "org_name": "Initech"},
			wantValue:  "Initech",
			wantSource: "org_name",
			wantOK:     true,
		},
		{
			name:       "falls back to email domain",
			attrs:      Attributes{"email": "jane@umbrella.example.com"},
			wantValue:  "umbrella",
			wantSource: "email_domain",
			wantOK:     true,
		},
		{
			name:   "consumer email is not a business",
			attrs:  Attributes{"email": "jane@gmail.com"},
			wantOK: false,
		},
		{
			name:   "nothing available",
			attrs:  Attributes{},
			wantOK: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			value, source, ok := Resolve(tt.attrs, BusinessNameSources...)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantValue, value)
			assert.Equal(t, tt.wantSource, source)
		})
	}
}

func TestResolve_TenantID(t *testing.T) {
	value, source, ok := Resolve(Attributes{"tid": "t-2", "tenant_id": "t-1"}, TenantIDSources...)
	assert.True(t, ok)
	assert.Equal(t, "t-1", value)
	assert.Equal(t, "tenant_id", source)
}

func TestResolve_OrderIsExplicit(t *testing.T) {
	attrs := Attributes{"a": "first", "b": "second"}

	value, _, _ := Resolve(attrs, Claim("a"), Claim("b"))
	assert.Equal(t, "first", value)

	value, _, _ = Resolve(attrs, Claim("b"), Claim("a"))
	assert.Equal(t, "second", value)

	_, _, ok := Resolve(attrs, Source{Name: "empty"})
	assert.False(t, ok)
}

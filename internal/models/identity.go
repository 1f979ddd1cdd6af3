package models

// Identity is the external, provider-issued principal representing a
// signed-in user. It is owned by the identity provider and mirrored read-only.
type Identity struct {
	Subject string // opaque subject identifier ("sub" claim)
	Issuer  string
	Email   string
	Name    string

	// Attributes holds the remaining ID token claims, used to derive
	// display values such as the business name.
	Attributes map[string]any
}

// Key returns the issuer-qualified subject, unique across providers.
func (i Identity) Key() string {
	if i.Issuer == "" {
		return i.Subject
	}
	return i.Issuer + "|" + i.Subject
}

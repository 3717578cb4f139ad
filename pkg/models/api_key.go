package models

// APIKey is a configured credential for upload and polling access.
// Raw keys are never stored; only the bcrypt hash is kept in configuration.
// KeyPrefix is the first eight characters of the raw key and is used for lookup.
type APIKey struct {
	KeyPrefix string   `json:"key_prefix"`
	KeyHash   string   `json:"-"`
	Scopes    []string `json:"scopes"`
}

package core

import (
	json "github.com/goccy/go-json"

	"github.com/omnisource/tessera/pkg/errors"
)

// Credentials holds connection parameters for a source database. Stored in
// the vault as JSON; never logged.
type Credentials struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	User     string `json:"user"`
	Password string `json:"password"`
	// SSLMode is honored by connectors that support TLS negotiation modes.
	SSLMode string `json:"ssl_mode,omitempty"`
	// URI overrides host/port assembly for sources addressed by
	// connection string, such as MongoDB.
	URI string `json:"uri,omitempty"`
}

// ParseCredentials decodes vault bytes into Credentials.
func ParseCredentials(data []byte) (*Credentials, error) {
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to parse source credentials")
	}
	if creds.Host == "" && creds.URI == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "credentials must set host or uri")
	}
	return &creds, nil
}

// Package config extracts and holds the connection configuration captured
// at device init. Grounded on the teacher's ctrl.DeviceParams, narrowed to
// the four connection strings plus bucket, built from a generic
// map[string]string rather than typed fields since the upstream config
// format is out of scope for this core.
package config

import "fmt"

// Config key names consumed at init.
const (
	KeyEndpoint            = "object_endpoint"
	KeyRegion               = "object_region"
	KeyCredentialsLocation  = "object_credentials_location"
	KeyCredentials          = "object_credentials"
	KeyBucket               = "path"
)

// ConnectionConfig is immutable after init. credentials and
// credential-location are stored separately and neither is logged in
// plaintext.
type ConnectionConfig struct {
	Endpoint            string
	Region              string
	CredentialLocation  string
	Credentials         string
	Bucket              string
}

// Extract pulls the four connection strings (and the bucket/device path)
// out of a flat config map. Missing any of the four required keys is an
// invalid-argument condition; the caller maps the returned error to the
// device's error taxonomy.
func Extract(m map[string]string) (*ConnectionConfig, error) {
	endpoint, ok := m[KeyEndpoint]
	if !ok || endpoint == "" {
		return nil, fmt.Errorf("config: missing required key %q", KeyEndpoint)
	}
	region, ok := m[KeyRegion]
	if !ok || region == "" {
		return nil, fmt.Errorf("config: missing required key %q", KeyRegion)
	}
	credLoc, ok := m[KeyCredentialsLocation]
	if !ok || credLoc == "" {
		return nil, fmt.Errorf("config: missing required key %q", KeyCredentialsLocation)
	}
	creds, ok := m[KeyCredentials]
	if !ok || creds == "" {
		return nil, fmt.Errorf("config: missing required key %q", KeyCredentials)
	}

	return &ConnectionConfig{
		Endpoint:           endpoint,
		Region:             region,
		CredentialLocation: credLoc,
		Credentials:        creds,
		Bucket:             m[KeyBucket],
	}, nil
}

// Generate emits the config-generate shape: credentials-location (not the
// opaque material) plus endpoint and region.
func (c *ConnectionConfig) Generate() map[string]string {
	return map[string]string{
		KeyCredentialsLocation: c.CredentialLocation,
		KeyEndpoint:            c.Endpoint,
		KeyRegion:              c.Region,
	}
}

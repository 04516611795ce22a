package backend

import (
	"fmt"
	"net/url"
	"strings"
)

// ProviderConfig holds provider-specific defaults for S3-compatible
// endpoints. Adapted from the donor project's internal/s3/providers.go,
// trimmed to the providers chunkvault's account pool actually exercises
// and wired through ResolveAccount below instead of a gateway's request path.
type ProviderConfig struct {
	Name              string
	DefaultEndpoint   string
	RequiresRegion    bool
	RequiresPathStyle bool
	DefaultRegion     string
	EndpointTemplate  string
}

// KnownProviders contains configuration for known S3-compatible providers
// that an account.Config entry may reference by name.
var KnownProviders = map[string]ProviderConfig{
	"aws": {
		Name:            "AWS S3",
		DefaultEndpoint: "https://s3.amazonaws.com",
		RequiresRegion:  true,
		DefaultRegion:   "us-east-1",
	},
	"minio": {
		Name:              "MinIO",
		DefaultEndpoint:   "http://localhost:9000",
		RequiresPathStyle: true,
		DefaultRegion:     "us-east-1",
	},
	"wasabi": {
		Name:            "Wasabi",
		DefaultEndpoint: "https://s3.wasabisys.com",
		RequiresRegion:  true,
		DefaultRegion:   "us-east-1",
	},
	"hetzner": {
		Name:              "Hetzner Storage Box",
		DefaultEndpoint:   "https://your-storagebox.your-server.de",
		RequiresPathStyle: true,
		DefaultRegion:     "nbg1",
	},
	"digitalocean": {
		Name:             "DigitalOcean Spaces",
		DefaultEndpoint:  "https://nyc3.digitaloceanspaces.com",
		RequiresRegion:   true,
		DefaultRegion:    "nyc3",
		EndpointTemplate: "https://%s.digitaloceanspaces.com",
	},
	"backblaze": {
		Name:              "Backblaze B2",
		DefaultEndpoint:   "https://s3.us-west-000.backblazeb2.com",
		RequiresRegion:    true,
		RequiresPathStyle: true,
		DefaultRegion:     "us-west-000",
		EndpointTemplate:  "https://s3.%s.backblazeb2.com",
	},
	"cloudflare": {
		Name:            "Cloudflare R2",
		DefaultEndpoint: "https://<account-id>.r2.cloudflarestorage.com",
		DefaultRegion:   "auto",
	},
}

// ResolveAccount fills in an account's endpoint/region from its provider's
// defaults when the config left them blank — each remote-backend account
// in raid.accounts[] is one instance of this.
func ResolveAccount(provider, endpoint, region string) (resolvedEndpoint, resolvedRegion string, err error) {
	cfg, err := GetProviderConfig(provider)
	if err != nil {
		return "", "", err
	}

	if endpoint == "" {
		if cfg.EndpointTemplate != "" && region != "" {
			endpoint = fmt.Sprintf(cfg.EndpointTemplate, region)
		} else {
			endpoint = cfg.DefaultEndpoint
		}
	}
	endpoint = normalizeEndpoint(endpoint)

	if region == "" && cfg.DefaultRegion != "" {
		region = cfg.DefaultRegion
	}

	if err := ValidateEndpoint(endpoint); err != nil {
		return "", "", err
	}
	return endpoint, region, nil
}

// GetProviderConfig returns the configuration for a given provider name.
func GetProviderConfig(provider string) (ProviderConfig, error) {
	if provider == "" {
		return ProviderConfig{}, fmt.Errorf("backend: provider name is required")
	}
	cfg, ok := KnownProviders[strings.ToLower(provider)]
	if !ok {
		return ProviderConfig{}, fmt.Errorf("backend: unknown provider %q (known: %s)", provider, strings.Join(providerNames(), ", "))
	}
	return cfg, nil
}

func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://" + endpoint
	}
	return strings.TrimSuffix(endpoint, "/")
}

// ValidateEndpoint checks that endpoint is a well-formed http(s) URL.
func ValidateEndpoint(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("backend: invalid endpoint URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("backend: endpoint must use http:// or https:// scheme")
	}
	if u.Host == "" {
		return fmt.Errorf("backend: endpoint must include a hostname")
	}
	return nil
}

// RequiresPathStyleAddressing reports whether provider needs path-style
// bucket addressing rather than virtual-hosted-style.
func RequiresPathStyleAddressing(provider string) bool {
	cfg, err := GetProviderConfig(provider)
	if err != nil {
		return false
	}
	return cfg.RequiresPathStyle
}

func providerNames() []string {
	names := make([]string, 0, len(KnownProviders))
	for name := range KnownProviders {
		names = append(names, name)
	}
	return names
}

package deps

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"

	version "github.com/aquasecurity/go-pep440-version"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/isdmx/scriptbox/errdefs"
)

// DefaultRegistryURL is the package index queried when none is configured
const DefaultRegistryURL = "https://pypi.org/pypi"

// maxErrorBody bounds how much of a failed response is quoted in errors
const maxErrorBody = 512

// ReleaseInfo lists the published versions of a package
type ReleaseInfo struct {
	IDs    []string
	Latest string
}

// Has reports whether v is one of the published versions
func (r ReleaseInfo) Has(v string) bool {
	return slices.Contains(r.IDs, v)
}

// ReleaseSource fetches release information for a package
type ReleaseSource interface {
	ReleaseInfo(ctx context.Context, name string) (ReleaseInfo, error)
}

// RegistryOption configures a RegistryClient
type RegistryOption func(*RegistryClient)

// WithBaseURL sets the registry base URL
func WithBaseURL(baseURL string) RegistryOption {
	return func(r *RegistryClient) {
		r.baseURL = strings.TrimRight(baseURL, "/")
	}
}

// WithHTTPClient sets the HTTP client used for registry requests
func WithHTTPClient(client *http.Client) RegistryOption {
	return func(r *RegistryClient) {
		r.client = client
	}
}

// RegistryClient queries the JSON API of a Python package index
type RegistryClient struct {
	logger  *zap.Logger
	baseURL string
	client  *http.Client
}

// NewRegistryClient creates a RegistryClient for DefaultRegistryURL unless
// WithBaseURL is given
func NewRegistryClient(logger *zap.Logger, opts ...RegistryOption) *RegistryClient {
	r := &RegistryClient{
		logger:  logger,
		baseURL: DefaultRegistryURL,
		client:  &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// BaseURL returns the registry base URL
func (r *RegistryClient) BaseURL() string {
	return r.baseURL
}

type registryResponse struct {
	Releases map[string]json.RawMessage `json:"releases"`
	Info     struct {
		Version string `json:"version"`
	} `json:"info"`
}

// ReleaseInfo fetches <base>/<name>/json. A 404 is reported as NotFound and
// every other failure as a Connection error.
func (r *RegistryClient) ReleaseInfo(ctx context.Context, name string) (ReleaseInfo, error) {
	endpoint := fmt.Sprintf("%s/%s/json", r.baseURL, url.PathEscape(name))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return ReleaseInfo{}, errdefs.Connection("invalid registry request for package %q: %v", name, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return ReleaseInfo{}, errdefs.Connection("failed to reach %q for package %q: %v", r.baseURL, name, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ReleaseInfo{}, errdefs.NotFound("package %q", name)
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return ReleaseInfo{}, errdefs.Connection("registry %q returned status %d for package %q: %s",
			r.baseURL, resp.StatusCode, name, strings.TrimSpace(string(body)))
	}

	var payload registryResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ReleaseInfo{}, errdefs.Connection("invalid registry response for package %q: %v", name, err)
	}

	info := ReleaseInfo{Latest: payload.Info.Version}
	for id := range payload.Releases {
		info.IDs = append(info.IDs, id)
	}
	slices.SortFunc(info.IDs, compareVersions)

	r.logger.Debug("fetched release info",
		zap.String("package", name),
		zap.Int("releases", len(info.IDs)),
		zap.String("latest", info.Latest))

	return info, nil
}

// compareVersions orders PEP 440 versions, placing unparseable ids last
func compareVersions(a, b string) int {
	va, errA := version.Parse(a)
	vb, errB := version.Parse(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return 1
	case errB != nil:
		return -1
	default:
		return va.Compare(vb)
	}
}

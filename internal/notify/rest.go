package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	github "github.com/google/go-github/v55/github"
	"golang.org/x/oauth2"
)

const defaultUserAgent = "deployd"

// NewRESTFactory returns a client factory backed by the go-github REST client. When
// base and upload URLs are provided, the factory targets a GitHub Enterprise instance.
func NewRESTFactory(baseURL, uploadURL string) Factory {
	return &restFactory{
		userAgent: defaultUserAgent,
		baseURL:   strings.TrimSpace(baseURL),
		uploadURL: strings.TrimSpace(uploadURL),
	}
}

type restFactory struct {
	userAgent string
	baseURL   string
	uploadURL string
}

type restClient struct {
	client *github.Client
}

func (f *restFactory) New(ctx context.Context, token string) (Client, error) {
	if token == "" {
		return nil, fmt.Errorf("github token is required")
	}
	if f.baseURL == "" && f.uploadURL != "" {
		return nil, fmt.Errorf("github upload url cannot be set without base url")
	}

	tc := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))

	ghClient := github.NewClient(tc)
	if f.baseURL != "" {
		base, err := normalizeGitHubURL(f.baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}
		// Deployment endpoints never upload, so the base URL doubles as upload URL.
		upload := base
		if f.uploadURL != "" {
			if upload, err = normalizeGitHubURL(f.uploadURL); err != nil {
				return nil, fmt.Errorf("parse github upload url: %w", err)
			}
		}
		ghClient, err = ghClient.WithEnterpriseURLs(base, upload)
		if err != nil {
			return nil, fmt.Errorf("construct enterprise github client: %w", err)
		}
	}

	if f.userAgent != "" {
		ghClient.UserAgent = f.userAgent
	}
	return &restClient{client: ghClient}, nil
}

func normalizeGitHubURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url cannot be empty")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if parsed.Scheme == "" {
		return "", fmt.Errorf("url must include scheme (e.g. https://)")
	}
	if parsed.Host == "" {
		return "", fmt.Errorf("url must include host")
	}

	if parsed.Path == "" {
		parsed.Path = "/"
	} else if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}
	parsed.RawQuery = ""
	parsed.Fragment = ""

	return parsed.String(), nil
}

func (c *restClient) CreateDeployment(ctx context.Context, owner, repo string, input DeploymentOptions) (int64, error) {
	// An empty context list skips commit status checks on the ref.
	contexts := []string{}
	req := &github.DeploymentRequest{
		Ref:              github.String(input.Ref),
		Task:             github.String("deploy"),
		AutoMerge:        github.Bool(false),
		RequiredContexts: &contexts,
		Environment:      github.String(input.Environment),
	}
	if input.Description != "" {
		req.Description = github.String(input.Description)
	}

	deployment, _, err := c.client.Repositories.CreateDeployment(ctx, owner, repo, req)
	if err != nil {
		return 0, fmt.Errorf("create deployment: %w", classifyGitHubError(err))
	}
	return deployment.GetID(), nil
}

func (c *restClient) CreateDeploymentStatus(ctx context.Context, owner, repo string, id int64, input StatusOptions) error {
	req := &github.DeploymentStatusRequest{
		State:       github.String(input.State),
		Environment: github.String(input.Environment),
	}
	if input.Description != "" {
		req.Description = github.String(input.Description)
	}

	if _, _, err := c.client.Repositories.CreateDeploymentStatus(ctx, owner, repo, id, req); err != nil {
		return fmt.Errorf("create deployment status: %w", classifyGitHubError(err))
	}
	return nil
}

func classifyGitHubError(err error) error {
	if err == nil {
		return nil
	}
	if isRetryableGitHubError(err) {
		return &retryableError{err: err}
	}
	return err
}

func isRetryableGitHubError(err error) bool {
	if err == nil {
		return false
	}

	var rateLimitErr *github.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return true
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}

	var acceptedErr *github.AcceptedError
	if errors.As(err, &acceptedErr) {
		return true
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		code := respErr.Response.StatusCode
		if code == http.StatusTooManyRequests || (code >= 500 && code <= 599) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	return false
}

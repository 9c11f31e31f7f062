package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/markethub/relay/internal/infrastructure/breaker"
	"github.com/markethub/relay/internal/infrastructure/ratepool"
	"github.com/markethub/relay/internal/relay"
)

// ErrTenantNotConfigured indicates no credentials exist for a tenant.
var ErrTenantNotConfigured = errors.New("platform: tenant not configured")

// accessTokenHeader carries the per-tenant credential on every call.
const accessTokenHeader = "X-Access-Token"

// Config holds platform API settings shared across tenants.
type Config struct {
	// APIVersion selects the versioned endpoint path.
	APIVersion string
	// BaseURLOverride, when set, replaces the per-tenant host. Used to
	// point the client at test servers.
	BaseURLOverride string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{APIVersion: "2024-01"}
}

// APIError is a non-2xx platform response.
type APIError struct {
	StatusCode int
	Body       []byte
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform: status %d: %s", e.StatusCode, truncate(e.Body, 200))
}

// GraphQLError is a GraphQL-level failure inside a 200 response.
type GraphQLError struct {
	Messages []string
}

func (e *GraphQLError) Error() string {
	return "platform: graphql errors: " + strings.Join(e.Messages, ", ")
}

// Client issues REST and GraphQL calls to the commerce platform. Every
// call passes through the circuit breaker for its endpoint class and
// the tenant's rate pool, so a failing or throttled upstream degrades
// one tenant's traffic without spilling into the rest.
type Client struct {
	cfg      Config
	breakers *breaker.Registry
	pool     *ratepool.Manager
	logger   *zap.Logger

	// tokens stores per-tenant access tokens.
	// In production these are loaded from tenant provisioning.
	tokens map[string]string
	mu     sync.RWMutex
}

// NewClient creates a platform client over the given breaker registry
// and rate pool.
func NewClient(cfg Config, breakers *breaker.Registry, pool *ratepool.Manager, logger *zap.Logger) *Client {
	if cfg.APIVersion == "" {
		cfg.APIVersion = DefaultConfig().APIVersion
	}
	return &Client{
		cfg:      cfg,
		breakers: breakers,
		pool:     pool,
		logger:   logger,
		tokens:   make(map[string]string),
	}
}

// SetAccessToken sets the credential for a tenant.
func (c *Client) SetAccessToken(tenant, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tokens[tenant] = token
}

func (c *Client) accessToken(tenant string) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	token, ok := c.tokens[tenant]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrTenantNotConfigured, tenant)
	}
	return token, nil
}

// Request makes a REST call to the platform admin API. The endpoint is
// a path like "/orders/123.json". Client errors (4xx) come back as
// permanent errors since retrying the same request cannot succeed;
// server errors stay transient and count against the circuit.
func (c *Client) Request(ctx context.Context, tenant, method, endpoint string, body any) ([]byte, error) {
	token, err := c.accessToken(tenant)
	if err != nil {
		return nil, relay.Permanent("missing tenant credentials", err)
	}

	var payload []byte
	if body != nil {
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, relay.Permanent("encode request body", err)
		}
	}

	key := CircuitKey(tenant, method, endpoint)
	priority := EndpointPriority(endpoint)

	c.logger.Debug("platform request",
		zap.String("tenant", tenant),
		zap.String("method", method),
		zap.String("endpoint", endpoint),
		zap.Stringer("priority", priority))

	var out []byte
	var apiErr *APIError
	err = c.breakers.Execute(ctx, key, func(ctx context.Context) error {
		resp, err := c.pool.Submit(ctx, tenant, &ratepool.Call{
			Method: method,
			URL:    c.endpointURL(tenant, endpoint),
			Header: http.Header{accessTokenHeader: []string{token}},
			Body:   payload,
		}, priority)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 500 {
			return &APIError{StatusCode: resp.StatusCode, Body: resp.Body}
		}
		if resp.StatusCode >= 400 {
			// The upstream is healthy; the request itself is bad. Keep
			// it off the circuit's failure count.
			apiErr = &APIError{StatusCode: resp.StatusCode, Body: resp.Body}
			return nil
		}
		out = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	if apiErr != nil {
		return nil, relay.Permanent("platform rejected request", apiErr)
	}
	return out, nil
}

// graphQLResponse is the standard GraphQL response envelope.
type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// GraphQL executes a query or mutation against the platform GraphQL
// endpoint. Mutations run at high priority, queries at medium.
func (c *Client) GraphQL(ctx context.Context, tenant, query string, variables map[string]any) (json.RawMessage, error) {
	opName := operationName(query)
	key := fmt.Sprintf("tenant:%s:graphql:%s", tenant, opName)

	priority := relay.PriorityMedium
	if strings.Contains(query, "mutation") {
		priority = relay.PriorityHigh
	}

	raw, err := c.requestGraphQL(ctx, tenant, key, priority, query, variables)
	if err != nil {
		return nil, err
	}

	var envelope graphQLResponse
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fmt.Errorf("platform: decode graphql response: %w", err)
	}
	if len(envelope.Errors) > 0 {
		messages := make([]string, len(envelope.Errors))
		for i, e := range envelope.Errors {
			messages[i] = e.Message
		}
		return nil, &GraphQLError{Messages: messages}
	}
	return envelope.Data, nil
}

func (c *Client) requestGraphQL(ctx context.Context, tenant, key string, priority relay.Priority, query string, variables map[string]any) ([]byte, error) {
	token, err := c.accessToken(tenant)
	if err != nil {
		return nil, relay.Permanent("missing tenant credentials", err)
	}

	payload, err := json.Marshal(map[string]any{
		"query":     query,
		"variables": variables,
	})
	if err != nil {
		return nil, relay.Permanent("encode graphql request", err)
	}

	var out []byte
	err = c.breakers.Execute(ctx, key, func(ctx context.Context) error {
		resp, err := c.pool.Submit(ctx, tenant, &ratepool.Call{
			Method: http.MethodPost,
			URL:    c.endpointURL(tenant, "/graphql.json"),
			Header: http.Header{accessTokenHeader: []string{token}},
			Body:   payload,
		}, priority)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 400 {
			return &APIError{StatusCode: resp.StatusCode, Body: resp.Body}
		}
		out = resp.Body
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// endpointURL builds the versioned admin API URL for a tenant.
func (c *Client) endpointURL(tenant, endpoint string) string {
	if c.cfg.BaseURLOverride != "" {
		return c.cfg.BaseURLOverride + endpoint
	}
	return fmt.Sprintf("https://%s/admin/api/%s%s", tenant, c.cfg.APIVersion, endpoint)
}

var numericIDs = regexp.MustCompile(`\d+`)

// CircuitKey derives the circuit breaker key for a REST call. Numeric
// ids are normalized so every order shares one circuit rather than one
// circuit per order.
func CircuitKey(tenant, method, endpoint string) string {
	path := endpoint
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	path = numericIDs.ReplaceAllString(path, ":id")
	return fmt.Sprintf("tenant:%s:rest:%s:%s", tenant, strings.ToUpper(method), path)
}

// EndpointPriority maps an endpoint to its rate pool priority class.
func EndpointPriority(endpoint string) relay.Priority {
	switch {
	case strings.Contains(endpoint, "/checkouts"):
		return relay.PriorityCritical
	case strings.Contains(endpoint, "/orders"), strings.Contains(endpoint, "/inventory"):
		return relay.PriorityHigh
	case strings.Contains(endpoint, "/reports"), strings.Contains(endpoint, "/analytics"):
		return relay.PriorityLow
	default:
		return relay.PriorityMedium
	}
}

var operationNameRe = regexp.MustCompile(`(?:query|mutation)\s+(\w+)`)

// operationName extracts the GraphQL operation name for circuit keys
// and logging.
func operationName(query string) string {
	if m := operationNameRe.FindStringSubmatch(query); m != nil {
		return m[1]
	}
	return "AnonymousOperation"
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// Copyright 2025 Peak 1031
// SPDX-License-Identifier: Apache-2.0

package crmsync

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// maxPerPage is the CRM's page-size ceiling; larger requests are clamped.
const maxPerPage = 100

// ClientConfig holds configuration for the CRM client.
type ClientConfig struct {
	BaseURL     string        // CRM REST base URL, no trailing slash
	MaxRetries  int           // Retries on 429/5xx before giving up (default 5)
	BackoffBase time.Duration // First retry delay, doubling per attempt (default 500ms)
	BackoffMax  time.Duration // Delay cap (default 30s)
	HTTP        *http.Client  // Optional; default 30s timeout
}

// DefaultClientConfig returns a configuration with the CRM's documented limits.
func DefaultClientConfig(baseURL string) *ClientConfig {
	return &ClientConfig{
		BaseURL:     baseURL,
		MaxRetries:  5,
		BackoffBase: 500 * time.Millisecond,
		BackoffMax:  30 * time.Second,
	}
}

// FetchOptions narrow a page fetch.
type FetchOptions struct {
	PerPage       int        // Clamped to the CRM ceiling; 0 means ceiling
	ModifiedSince *time.Time // Incremental filter; nil fetches everything
}

// Client is a thin paginated HTTP client for the CRM's REST endpoints.
// Stateless between calls except for the bearer token it obtains from the
// token manager.
type Client struct {
	config *ClientConfig
	tokens *TokenManager
	logger *slog.Logger
}

// NewClient creates a CRM client.
func NewClient(config *ClientConfig, tokens *TokenManager, logger *slog.Logger) *Client {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 5
	}
	if config.BackoffBase <= 0 {
		config.BackoffBase = 500 * time.Millisecond
	}
	if config.BackoffMax <= 0 {
		config.BackoffMax = 30 * time.Second
	}
	if config.HTTP == nil {
		config.HTTP = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{config: config, tokens: tokens, logger: logger}
}

// FetchPage fetches one page of the given entity type. On 429/5xx it retries
// with exponential backoff before surfacing a TransientFetchError; on 401 it
// forces one token refresh and retries exactly once before surfacing
// ErrAuthenticationRequired; any other 4xx fails immediately with FetchError.
func (c *Client) FetchPage(ctx context.Context, entityType string, page int, opts FetchOptions) (*Page, error) {
	path, ok := entityPaths[entityType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntityType, entityType)
	}
	if page < 1 {
		page = 1
	}
	perPage := opts.PerPage
	if perPage <= 0 || perPage > maxPerPage {
		perPage = maxPerPage
	}

	token, err := c.tokens.GetValidToken(ctx)
	if err != nil {
		return nil, err
	}

	reqURL := c.buildURL(path, page, perPage, opts.ModifiedSince)

	retries := 0
	refreshed := false
	for {
		resp, err := c.doRequest(ctx, reqURL, token)
		if err != nil {
			// Network-level failures are transient by nature.
			retries++
			if retries > c.config.MaxRetries {
				return nil, &TransientFetchError{Attempts: c.config.MaxRetries, Err: err}
			}
			if serr := sleepWithContext(ctx, backoffDelay(c.config.BackoffBase, c.config.BackoffMax, retries)); serr != nil {
				return nil, serr
			}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusOK:
			pg, derr := c.decodePage(resp.Body, page)
			resp.Body.Close()
			if derr != nil {
				return nil, derr
			}
			return pg, nil

		case resp.StatusCode == http.StatusUnauthorized:
			drainAndClose(resp.Body)
			if refreshed {
				return nil, fmt.Errorf("%w: request rejected after forced refresh", ErrAuthenticationRequired)
			}
			refreshed = true
			token, err = c.tokens.ForceRefresh(ctx, token)
			if err != nil {
				return nil, err
			}
			continue

		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			retryAfter := retryAfterDelay(resp.Header.Get("Retry-After"))
			drainAndClose(resp.Body)
			retries++
			if retries > c.config.MaxRetries {
				return nil, &TransientFetchError{
					StatusCode: resp.StatusCode,
					Attempts:   c.config.MaxRetries,
					Err:        fmt.Errorf("retries exhausted"),
				}
			}
			delay := backoffDelay(c.config.BackoffBase, c.config.BackoffMax, retries)
			if retryAfter > delay {
				delay = retryAfter
			}
			c.logger.Debug("Retrying CRM fetch",
				"entity_type", entityType, "page", page,
				"status", resp.StatusCode, "retry", retries, "delay", delay)
			if serr := sleepWithContext(ctx, delay); serr != nil {
				return nil, serr
			}
			continue

		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, &FetchError{StatusCode: resp.StatusCode, Body: string(body)}
		}
	}
}

func (c *Client) buildURL(path string, page, perPage int, modifiedSince *time.Time) string {
	q := url.Values{
		"page":     {strconv.Itoa(page)},
		"per_page": {strconv.Itoa(perPage)},
	}
	if modifiedSince != nil {
		q.Set("modified_since", modifiedSince.UTC().Format(timeFormat))
	}
	return c.config.BaseURL + "/" + path + "?" + q.Encode()
}

func (c *Client) doRequest(ctx context.Context, reqURL, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return c.config.HTTP.Do(req)
}

func (c *Client) decodePage(body io.Reader, page int) (*Page, error) {
	var env pageEnvelope
	if err := json.NewDecoder(body).Decode(&env); err != nil {
		return nil, fmt.Errorf("failed to decode page envelope: %w", err)
	}

	records := make([]RawEntity, 0, len(env.Data))
	for i, raw := range env.Data {
		ent, err := decodeEntity(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to decode record %d on page %d: %w", i, page, err)
		}
		records = append(records, ent)
	}

	return &Page{
		Number:     page,
		Records:    records,
		TotalCount: env.TotalCount,
		HasMore:    env.HasMore,
	}, nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, 4096))
	_ = body.Close()
}

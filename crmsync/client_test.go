// Copyright 2025 Peak 1031
// SPDX-License-Identifier: Apache-2.0

package crmsync

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testTokenManager(token string) *TokenManager {
	store := &memTokenStore{active: &OAuthCredential{
		Provider:     "crm",
		AccessToken:  token,
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour),
		IsActive:     true,
	}}
	var hits int32
	return NewTokenManager(store, &TokenManagerConfig{
		TokenURL: "http://crm.test/oauth/token",
		HTTP: tokenEndpoint(&hits, 200,
			`{"access_token":"tok-refreshed","refresh_token":"refresh-2","token_type":"bearer","expires_in":3600}`),
	}, nil)
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func testClient(transport roundTripFunc) *Client {
	cfg := &ClientConfig{
		BaseURL:     "http://crm.test/api/v4",
		MaxRetries:  5,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
		HTTP:        &http.Client{Transport: transport},
	}
	return NewClient(cfg, testTokenManager("tok-1"), nil)
}

const onePageBody = `{
	"data": [{"id": 101, "name": "Jane Roe"}, {"id": 102, "name": "John Doe"}],
	"total_count": 2,
	"has_more": false
}`

func TestFetchPage_DecodesEnvelope(t *testing.T) {
	client := testClient(func(r *http.Request) (*http.Response, error) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Fatalf("unexpected authorization header: %q", got)
		}
		return jsonResponse(200, onePageBody), nil
	})

	page, err := client.FetchPage(context.Background(), EntityContacts, 1, FetchOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(page.Records))
	}
	if page.Records[0].ExternalID != "101" {
		t.Fatalf("expected external id 101, got %q", page.Records[0].ExternalID)
	}
	if page.HasMore {
		t.Fatalf("expected has_more=false")
	}
	if page.TotalCount != 2 {
		t.Fatalf("expected total_count=2, got %d", page.TotalCount)
	}
}

func TestFetchPage_QueryParameters(t *testing.T) {
	since := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var gotURL string
	client := testClient(func(r *http.Request) (*http.Response, error) {
		gotURL = r.URL.String()
		return jsonResponse(200, `{"data":[],"total_count":0,"has_more":false}`), nil
	})

	// Oversized per_page is clamped to the CRM ceiling.
	_, err := client.FetchPage(context.Background(), EntityMatters, 3, FetchOptions{
		PerPage:       500,
		ModifiedSince: timePtr(since),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"/matters?", "page=3", "per_page=100", "modified_since=2025-06-01T12%3A00%3A00Z"} {
		if !strings.Contains(gotURL, want) {
			t.Fatalf("url %q missing %q", gotURL, want)
		}
	}
}

// Three 429 responses followed by a 200 succeed with three retries behind
// the configured exponential schedule.
func TestFetchPage_RetriesOn429(t *testing.T) {
	var calls int32
	client := testClient(func(r *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) <= 3 {
			return jsonResponse(429, `{}`), nil
		}
		return jsonResponse(200, onePageBody), nil
	})

	page, err := client.FetchPage(context.Background(), EntityContacts, 1, FetchOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Records) != 2 {
		t.Fatalf("expected records after retries, got %d", len(page.Records))
	}
	if calls != 4 {
		t.Fatalf("expected 4 requests (3 retries), got %d", calls)
	}
}

func TestFetchPage_RetriesExhaustedIsTransient(t *testing.T) {
	var calls int32
	client := testClient(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(503, `{}`), nil
	})

	_, err := client.FetchPage(context.Background(), EntityTasks, 1, FetchOptions{})
	if !IsTransient(err) {
		t.Fatalf("expected TransientFetchError, got %v", err)
	}
	var te *TransientFetchError
	errors.As(err, &te)
	if te.StatusCode != 503 {
		t.Fatalf("expected status 503, got %d", te.StatusCode)
	}
	if te.Attempts != 5 {
		t.Fatalf("expected 5 retries, got %d", te.Attempts)
	}
	if calls != 6 {
		t.Fatalf("expected initial request + 5 retries, got %d", calls)
	}
}

// A 401 triggers exactly one forced refresh and one retry.
func TestFetchPage_RefreshesOnceOn401(t *testing.T) {
	var calls int32
	client := testClient(func(r *http.Request) (*http.Response, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return jsonResponse(401, `{}`), nil
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok-refreshed" {
			t.Fatalf("expected refreshed token on retry, got %q", got)
		}
		return jsonResponse(200, onePageBody), nil
	})

	page, err := client.FetchPage(context.Background(), EntityContacts, 1, FetchOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Records) != 2 {
		t.Fatalf("expected records after refresh retry, got %d", len(page.Records))
	}
	if calls != 2 {
		t.Fatalf("expected exactly 2 requests, got %d", calls)
	}
}

func TestFetchPage_PersistentUnauthorized(t *testing.T) {
	client := testClient(func(r *http.Request) (*http.Response, error) {
		return jsonResponse(401, `{}`), nil
	})

	_, err := client.FetchPage(context.Background(), EntityContacts, 1, FetchOptions{})
	if !IsAuthenticationRequired(err) {
		t.Fatalf("expected ErrAuthenticationRequired, got %v", err)
	}
}

// 4xx other than 401/429 fails immediately without retries.
func TestFetchPage_BadRequestIsNotRetried(t *testing.T) {
	var calls int32
	client := testClient(func(r *http.Request) (*http.Response, error) {
		atomic.AddInt32(&calls, 1)
		return jsonResponse(400, `{"error":"bad request"}`), nil
	})

	_, err := client.FetchPage(context.Background(), EntityContacts, 1, FetchOptions{})
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("expected FetchError, got %v", err)
	}
	if fe.StatusCode != 400 {
		t.Fatalf("expected status 400, got %d", fe.StatusCode)
	}
	if calls != 1 {
		t.Fatalf("expected a single request, got %d", calls)
	}
}

func TestFetchPage_UnknownEntityType(t *testing.T) {
	client := testClient(func(r *http.Request) (*http.Response, error) {
		t.Fatal("no request expected")
		return nil, nil
	})

	_, err := client.FetchPage(context.Background(), "invoices", 1, FetchOptions{})
	if !errors.Is(err, ErrUnknownEntityType) {
		t.Fatalf("expected ErrUnknownEntityType, got %v", err)
	}
}

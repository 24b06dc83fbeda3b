package recovery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/reelrelay/engine/pkg/channel"
	"github.com/reelrelay/engine/pkg/errclass"
)

func testAccount() *channel.AccountModel {
	return &channel.AccountModel{
		ID:           uuid.New(),
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		RefreshToken: "refresh-token",
	}
}

func TestRefreshExchangesToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.Form.Get("grant_type") != "refresh_token" {
			t.Fatalf("expected refresh_token grant, got %q", r.Form.Get("grant_type"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"new-token","token_type":"Bearer","expires_in":3600}`))
	}))
	defer server.Close()

	refresher := NewTokenRefresher(server.URL, 5*time.Second)
	token, err := refresher.Refresh(context.Background(), testAccount())
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if token.AccessToken != "new-token" {
		t.Fatalf("expected new-token, got %q", token.AccessToken)
	}
}

func TestRefreshErrorClassifiesAsAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`))
	}))
	defer server.Close()

	refresher := NewTokenRefresher(server.URL, 5*time.Second)
	_, err := refresher.Refresh(context.Background(), testAccount())
	if err == nil {
		t.Fatal("expected a refresh error")
	}

	classified := errclass.New().Classify(SignalFromRefreshError(err))
	if classified.Category != errclass.CategoryAuth {
		t.Fatalf("expected AUTH, got %s", classified.Category)
	}
	if classified.Action != errclass.ActionUserReauth {
		t.Fatalf("expected USER_REAUTH, got %s", classified.Action)
	}
}

func TestCapabilityProbeTreatsTimeoutAsFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	probe := NewCapabilityProbe(server.URL, 50*time.Millisecond)
	err := probe.Check(context.Background(), "token")
	if err == nil {
		t.Fatal("a timed-out probe must be a probe failure")
	}

	classified := errclass.New().Classify(signalFromProbeError(err))
	if classified.Category != errclass.CategoryNetwork {
		t.Fatalf("expected NETWORK, got %s", classified.Category)
	}
}

func TestCapabilityProbeParsesProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer token" {
			t.Fatalf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"error":{"message":"Daily Limit Exceeded","errors":[{"reason":"dailyLimitExceeded"}]}}`))
	}))
	defer server.Close()

	probe := NewCapabilityProbe(server.URL, 5*time.Second)
	err := probe.Check(context.Background(), "token")
	if err == nil {
		t.Fatal("expected a probe error")
	}

	classified := errclass.New().Classify(signalFromProbeError(err))
	if classified.Category != errclass.CategoryQuota {
		t.Fatalf("expected QUOTA, got %s", classified.Category)
	}
}

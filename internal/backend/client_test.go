package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAuthURL(t *testing.T) {
	var gotAuth, gotRedirect string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "POST", r.Method)
		require.Equal(t, "/instagram/oauth/auth", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotRedirect = body["redirect_uri"]

		json.NewEncoder(w).Encode(map[string]string{"auth_url": "https://provider.example/authorize?x=1"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok-123")
	url, err := c.AuthURL(context.Background(), "http://localhost:8701/instagram/oauth/callback")
	require.NoError(t, err)
	require.Equal(t, "https://provider.example/authorize?x=1", url)
	require.Equal(t, "Bearer tok-123", gotAuth)
	require.Equal(t, "http://localhost:8701/instagram/oauth/callback", gotRedirect)
}

func TestAuthURLEmptyResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").AuthURL(context.Background(), "http://x/cb")
	require.Error(t, err)
}

func TestCompleteOAuthSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/instagram/oauth/complete", r.URL.Path)
		json.NewEncoder(w).Encode(ExchangeResponse{
			Message:  "ok",
			Accounts: []Account{{ID: 1, Username: "foo"}},
		})
	}))
	defer srv.Close()

	resp, err := New(srv.URL, "").CompleteOAuth(context.Background(), "ABC123")
	require.NoError(t, err)
	require.Equal(t, "ok", resp.Message)
	require.Equal(t, []Account{{ID: 1, Username: "foo"}}, resp.Accounts)
}

func TestCompleteOAuthErrorPreservesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"detail":   "exchange blew up",
			"accounts": []Account{{ID: 2, Username: "bar"}},
		})
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").CompleteOAuth(context.Background(), "ABC123")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, "exchange blew up", apiErr.Detail)
	require.NotNil(t, apiErr.Payload)
	require.Equal(t, []Account{{ID: 2, Username: "bar"}}, apiErr.Payload.Accounts)
}

func TestCompleteOAuthErrorNonJSONBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream fell over"))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").CompleteOAuth(context.Background(), "ABC123")

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	require.Equal(t, "upstream fell over", apiErr.Detail)
	require.Nil(t, apiErr.Payload)
}

func TestCheckCredentials(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "GET", r.Method)
		require.Equal(t, "/instagram/check-credentials", r.URL.Path)
		json.NewEncoder(w).Encode(CredentialStatus{
			HasCredentials: true,
			Usernames:      []string{"foo", "bar"},
		})
	}))
	defer srv.Close()

	status, err := New(srv.URL, "").CheckCredentials(context.Background())
	require.NoError(t, err)
	require.True(t, status.HasCredentials)
	require.Equal(t, []string{"foo", "bar"}, status.Usernames)
}

func TestDisconnect(t *testing.T) {
	var gotUsername string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/instagram/disconnect", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		gotUsername = body["username"]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, New(srv.URL, "").Disconnect(context.Background(), "foo"))
	require.Equal(t, "foo", gotUsername)
}

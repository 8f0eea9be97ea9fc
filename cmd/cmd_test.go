package cmd

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAPIBaseURL(t *testing.T) {
	assert.Equal(t, "http://localhost:8091", apiBaseURL(":8091"))
	assert.Equal(t, "http://10.0.0.5:8091", apiBaseURL("10.0.0.5:8091"))
	assert.Equal(t, "https://pos.example.com", apiBaseURL("https://pos.example.com/"))
}

func TestMakeHTTPRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ok" {
			w.Write([]byte(`{"status": "healthy"}`))
			return
		}
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	body, err := makeHTTPRequest(srv.Client(), srv.URL+"/ok")
	require.NoError(t, err)
	assert.Equal(t, "healthy", body["status"])

	_, err = makeHTTPRequest(srv.Client(), srv.URL+"/fail")
	assert.Error(t, err)
}

func TestTokenRefusesDefaultSecret(t *testing.T) {
	previous := configPath
	configPath = filepath.Join(t.TempDir(), "missing.yaml")
	defer func() { configPath = previous }()

	err := tokenCmd.RunE(tokenCmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default secret")
}

package forge

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	client := NewClient(server.URL, "token", "jotnar-bot")
	return client, server
}

func TestClient_ProjectPath(t *testing.T) {
	client, server := newTestClient(http.NotFoundHandler())
	defer server.Close()

	path, err := client.ProjectPath(server.URL + "/redhat/centos-stream/rpms/openssl.git")
	require.NoError(t, err)
	assert.Equal(t, "redhat/centos-stream/rpms/openssl", path)

	_, err = client.ProjectPath("https://github.com/someone/openssl.git")
	assert.Error(t, err)
}

func TestClient_Fork_CreatesFork(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.Path, "/fork")
		json.NewEncoder(w).Encode(map[string]any{
			"id":                42,
			"http_url_to_repo":  "https://forge.example.com/jotnar-bot/openssl.git",
			"path_with_namespace": "jotnar-bot/openssl",
		})
	}))
	defer server.Close()

	forkURL, err := client.Fork(context.Background(), server.URL+"/rpms/openssl")
	require.NoError(t, err)
	assert.Equal(t, "https://forge.example.com/jotnar-bot/openssl.git", forkURL)
}

func TestClient_Fork_ReusesExistingOn409(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"message":"already forked"}`))
			return
		}
		assert.Contains(t, r.URL.Path, "jotnar-bot%2Fopenssl")
		json.NewEncoder(w).Encode(map[string]any{
			"id":               43,
			"http_url_to_repo": "https://forge.example.com/jotnar-bot/openssl.git",
		})
	}))
	defer server.Close()

	forkURL, err := client.Fork(context.Background(), server.URL+"/rpms/openssl")
	require.NoError(t, err)
	assert.Equal(t, "https://forge.example.com/jotnar-bot/openssl.git", forkURL)
}

func TestClient_OpenMergeRequest(t *testing.T) {
	var client *Client
	var server *httptest.Server
	client, server = newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.Contains(r.URL.Path, "rpms%2Fopenssl"):
			json.NewEncoder(w).Encode(map[string]any{"id": 7})
		case r.Method == http.MethodPost:
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, float64(7), body["target_project_id"])
			assert.Equal(t, "automated-package-update-PROJ-1", body["source_branch"])
			json.NewEncoder(w).Encode(map[string]any{
				"iid": 12, "web_url": server.URL + "/jotnar-bot/openssl/-/merge_requests/12",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	mrURL, err := client.OpenMergeRequest(context.Background(), MergeRequest{
		ForkURL:      server.URL + "/jotnar-bot/openssl.git",
		TargetURL:    server.URL + "/rpms/openssl.git",
		Title:        "Rebase openssl to 3.2.1",
		Description:  "Automated update",
		SourceBranch: "automated-package-update-PROJ-1",
		TargetBranch: "c9s",
	})
	require.NoError(t, err)
	assert.Contains(t, mrURL, "/merge_requests/12")
}

func TestClient_OpenMergeRequest_ReusesOn409(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && strings.Contains(r.URL.RawQuery, "source_branch"):
			assert.Equal(t, "opened", r.URL.Query().Get("state"))
			json.NewEncoder(w).Encode([]map[string]any{
				{"iid": 9, "web_url": "https://forge.example.com/jotnar-bot/openssl/-/merge_requests/9"},
			})
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(map[string]any{"id": 7})
		case r.Method == http.MethodPost:
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"message":"Another open merge request already exists"}`))
		}
	}))
	defer server.Close()

	mrURL, err := client.OpenMergeRequest(context.Background(), MergeRequest{
		ForkURL:      server.URL + "/jotnar-bot/openssl.git",
		TargetURL:    server.URL + "/rpms/openssl.git",
		SourceBranch: "automated-package-update-PROJ-1",
		TargetBranch: "c9s",
	})
	require.NoError(t, err)
	assert.Contains(t, mrURL, "/merge_requests/9")
}

func TestClient_AddMergeRequestLabel(t *testing.T) {
	var labeled map[string]any
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&labeled))
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	err := client.AddMergeRequestLabel(context.Background(),
		server.URL+"/jotnar-bot/openssl/-/merge_requests/12", "needs_attention")
	require.NoError(t, err)
	assert.Equal(t, "needs_attention", labeled["add_labels"])
}

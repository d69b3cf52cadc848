package builder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(handler http.Handler) (*Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	client := NewClient(server.URL, nil)
	client.PollInterval = time.Millisecond
	return client, server
}

func TestBuild_PollsToCompletion(t *testing.T) {
	var polls atomic.Int32
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost:
			var req Request
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			assert.Equal(t, "PROJ-1", req.TicketID)
			json.NewEncoder(w).Encode(map[string]string{"id": "b-1", "state": "pending"})
		default:
			if polls.Add(1) < 3 {
				json.NewEncoder(w).Encode(map[string]string{"id": "b-1", "state": "running"})
				return
			}
			json.NewEncoder(w).Encode(map[string]any{
				"id": "b-1", "state": "complete",
				"artifact_urls": []string{"https://builds.example.com/b-1/openssl.rpm"},
			})
		}
	}))
	defer server.Close()

	res, err := client.Build(context.Background(), Request{
		SRPMPath: "/tmp/openssl.src.rpm", Branch: "c9s", TicketID: "PROJ-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, res.ArtifactURLs, 1)
}

func TestBuild_Failure(t *testing.T) {
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]string{"id": "b-2"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{
			"id": "b-2", "state": "failed", "error_message": "rpmbuild exited 1",
		})
	}))
	defer server.Close()

	res, err := client.Build(context.Background(), Request{SRPMPath: "x", Branch: "c9s", TicketID: "PROJ-2"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "rpmbuild exited 1", res.ErrorMessage)
}

func TestBuild_QueuedBuildGetsNoGrace(t *testing.T) {
	// A build that never leaves the queue is bound by Deadline alone.
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "b-3", "state": "pending"})
	}))
	defer server.Close()
	client.Deadline = 0
	client.Grace = time.Hour

	res, err := client.Build(context.Background(), Request{SRPMPath: "x", Branch: "c9s", TicketID: "PROJ-3"})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.ErrorMessage, "timed out")
}

func TestBuild_GraceExtendsRunningBuild(t *testing.T) {
	// Once the build is seen running the grace window keeps the poll loop
	// alive past the base deadline.
	var polls atomic.Int32
	client, server := newTestClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			json.NewEncoder(w).Encode(map[string]string{"id": "b-4", "state": "pending"})
			return
		}
		if polls.Add(1) < 3 {
			json.NewEncoder(w).Encode(map[string]string{"id": "b-4", "state": "running"})
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "b-4", "state": "complete"})
	}))
	defer server.Close()
	client.Deadline = 0
	client.Grace = time.Hour

	res, err := client.Build(context.Background(), Request{SRPMPath: "x", Branch: "c9s", TicketID: "PROJ-4"})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestDownloadArtifacts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("rpm-bytes"))
	}))
	defer server.Close()

	client := NewClient(server.URL, nil)
	dir := t.TempDir()
	require.NoError(t, client.DownloadArtifacts(context.Background(),
		[]string{server.URL + "/artifacts/openssl.rpm"}, dir))

	data, err := os.ReadFile(filepath.Join(dir, "openssl.rpm"))
	require.NoError(t, err)
	assert.Equal(t, "rpm-bytes", string(data))
}

package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jotnar/internal/tracker"
)

func TestTrackerTools_RegisterAndInvoke(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/rest/api/2/issue/RHEL-100":
			json.NewEncoder(w).Encode(map[string]any{
				"key": "RHEL-100",
				"fields": map[string]any{
					"summary": "Rebase openssl",
					"status":  map[string]string{"name": "New"},
				},
			})
		case "/rest/api/2/issue/RHEL-100/remotelink":
			json.NewEncoder(w).Encode([]map[string]any{})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	reg := NewRegistry()
	for _, tool := range TrackerTools(tracker.NewClient(server.URL, "token")) {
		reg.Register(tool)
	}

	assert.Equal(t, []string{
		"add_issue_comment",
		"change_issue_status",
		"check_cve_triage_eligibility",
		"edit_issue_labels",
		"get_issue_details",
		"set_issue_fields",
		"verify_issue_author",
	}, reg.Names())

	out, err := reg.Invoke(context.Background(), "get_issue_details", json.RawMessage(`{"issue_key":"RHEL-100"}`))
	require.NoError(t, err)

	var issue tracker.Issue
	require.NoError(t, json.Unmarshal(out, &issue))
	assert.Equal(t, "RHEL-100", issue.Key)
	assert.Equal(t, "Rebase openssl", issue.Summary)
}

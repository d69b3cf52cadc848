package lookaside

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jotnar/internal/krb"
)

func TestDownloadSources(t *testing.T) {
	var gotDir string
	var gotArgs []string
	c := NewClient("centpkg", nil)
	c.runCommand = func(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
		gotDir = dir
		gotArgs = append([]string{name}, args...)
		return "", nil
	}

	require.NoError(t, c.DownloadSources(context.Background(), "/tmp/clone", "c9s"))
	assert.Equal(t, "/tmp/clone", gotDir)
	assert.Equal(t, []string{"centpkg", "--release", "c9s", "sources"}, gotArgs)
}

func TestUploadSources_RequiresFiles(t *testing.T) {
	c := NewClient("centpkg", nil)
	err := c.UploadSources(context.Background(), "/tmp/clone", nil)
	assert.Error(t, err)
}

func TestUploadSources(t *testing.T) {
	var gotArgs []string
	c := NewClient("centpkg", nil)
	c.runCommand = func(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
		gotArgs = args
		return "", nil
	}

	require.NoError(t, c.UploadSources(context.Background(), "/tmp/clone", []string{"openssl-3.2.1.tar.gz"}))
	assert.Equal(t, []string{"upload", "openssl-3.2.1.tar.gz"}, gotArgs)
}

func TestDownloadSources_CarriesBrokerCCache(t *testing.T) {
	c := NewClient("centpkg", krb.NewBroker("", "", "/tmp/jotnar_krb5cc"))

	var gotEnv []string
	c.runCommand = func(ctx context.Context, dir string, env []string, name string, args ...string) (string, error) {
		gotEnv = env
		return "", nil
	}

	require.NoError(t, c.DownloadSources(context.Background(), "/tmp/clone", "c9s"))
	assert.Equal(t, []string{"KRB5CCNAME=/tmp/jotnar_krb5cc"}, gotEnv)
}

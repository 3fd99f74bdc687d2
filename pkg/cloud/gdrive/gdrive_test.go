package gdrive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"

	"github.com/supporttools/SettingsGuard/pkg/cloud"
)

type staticTokens struct {
	token string
	err   error
	calls int
}

func (s *staticTokens) ValidAccessToken(ctx context.Context) (string, error) {
	s.calls++
	return s.token, s.err
}

func TestBearerTransportAsksForTokenPerRequest(t *testing.T) {
	var auth []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = append(auth, r.Header.Get("Authorization"))
	}))
	defer srv.Close()

	tokens := &staticTokens{token: "tok"}
	client := &http.Client{Transport: &bearerTransport{tokens: tokens, base: http.DefaultTransport}}

	for i := 0; i < 2; i++ {
		resp, err := client.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	}
	assert.Equal(t, []string{"Bearer tok", "Bearer tok"}, auth)
	assert.Equal(t, 2, tokens.calls)
}

func TestBearerTransportPropagatesAuthError(t *testing.T) {
	tokens := &staticTokens{err: fmt.Errorf("%w: revoked", cloud.ErrAuthRequired)}
	client := &http.Client{Transport: &bearerTransport{tokens: tokens, base: http.DefaultTransport}}

	_, err := client.Get("http://127.0.0.1:1/never")
	require.Error(t, err)
	assert.ErrorIs(t, err, cloud.ErrAuthRequired)
	assert.ErrorIs(t, classify(err), cloud.ErrAuthRequired)
}

func TestEscapeQuery(t *testing.T) {
	assert.Equal(t, `it\'s`, escapeQuery("it's"))
	assert.Equal(t, `a\\b`, escapeQuery(`a\b`))
	assert.Equal(t, `'root' in parents and trashed = false`, childrenQuery("root"))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"unauthorized", &googleapi.Error{Code: 401}, cloud.ErrAuthRequired},
		{"rate limited", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "userRateLimitExceeded"}}}, cloud.ErrTransient},
		{"forbidden", &googleapi.Error{Code: 403, Errors: []googleapi.ErrorItem{{Reason: "insufficientPermissions"}}}, cloud.ErrPermanent},
		{"not found", &googleapi.Error{Code: 404}, cloud.ErrNotFound},
		{"bad request", &googleapi.Error{Code: 400}, cloud.ErrPermanent},
		{"too many", &googleapi.Error{Code: 429}, cloud.ErrTransient},
		{"server", &googleapi.Error{Code: 502}, cloud.ErrTransient},
		{"unknown", errors.New("weird"), cloud.ErrPermanent},
		{"deadline", context.DeadlineExceeded, cloud.ErrTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classify(tt.err), tt.want)
		})
	}
	assert.NoError(t, classify(nil))
}

func TestToFileInfo(t *testing.T) {
	info := toFileInfo(&drive.File{
		Id:           "abc",
		Name:         "export",
		MimeType:     folderMimeType,
		ModifiedTime: "2026-02-03T04:05:06.000Z",
	})
	assert.True(t, info.Folder)
	assert.Equal(t, 2026, info.ModifiedAt.Year())

	file := toFileInfo(&drive.File{Id: "f", Name: "a.json", MimeType: "application/json", Size: 42, Trashed: true})
	assert.False(t, file.Folder)
	assert.True(t, file.Trashed)
	assert.Equal(t, int64(42), file.Size)
}

func TestDescribeAbout(t *testing.T) {
	got := describeAbout(&drive.About{
		User:         &drive.User{DisplayName: "Pat", EmailAddress: "pat@example.com"},
		StorageQuota: &drive.AboutStorageQuota{Limit: 1 << 30, Usage: 1 << 20},
	})
	assert.Equal(t, "Pat <pat@example.com>, 1.0 MiB of 1.0 GiB used", got)
}

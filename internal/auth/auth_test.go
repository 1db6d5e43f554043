package auth

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/forkq/internal/config"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc123", want: "abc123"},
		{name: "trims", header: "Bearer   abc  ", want: "abc"},
		{name: "missing", header: "", wantErr: true},
		{name: "basic scheme", header: "Basic abc", wantErr: true},
		{name: "empty token", header: "Bearer ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(r)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []config.TokenConfig{
		{Token: "reader", Scopes: []string{ScopeStatsRead}},
		{Token: "writer", Scopes: []string{ScopeTasksWrite, " "}},
		{Token: "admin", Scopes: []string{ScopeAll}},
	}

	_, ok := Authenticate("nobody", tokens)
	assert.False(t, ok)
	_, ok = Authenticate("", tokens)
	assert.False(t, ok)

	p, ok := Authenticate("writer", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeTasksWrite))
	assert.True(t, HasAnyScope(p, ScopeTasksRead), "write implies read")
	assert.False(t, HasAnyScope(p, ScopeStatsRead))
	assert.NotContains(t, p.Scopes, "")

	p, ok = Authenticate("reader", tokens)
	require.True(t, ok)
	assert.False(t, HasAnyScope(p, ScopeTasksRead))
	assert.True(t, HasAnyScope(p, ScopeTasksRead, ScopeStatsRead))
	assert.True(t, HasAnyScope(p))

	p, ok = Authenticate("admin", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeMetricsRead))
}

func TestPrincipalContext(t *testing.T) {
	_, ok := PrincipalFromContext(context.Background())
	assert.False(t, ok)

	ctx := WithPrincipal(context.Background(), Principal{Token: "t"})
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "t", p.Token)
}

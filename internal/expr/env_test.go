package expr

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLookupMapValue(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`lookup(response.headers, "cache-control") == "no-store"`)
	require.NoError(t, err)

	activation := map[string]any{
		"request": map[string]any{},
		"response": map[string]any{
			"headers": map[string]any{"cache-control": "no-store"},
		},
	}
	matched, err := program.EvalBool(activation)
	require.NoError(t, err)
	require.True(t, matched, "expected lookup to match existing key")

	missingProgram, err := env.Compile(`lookup(response.headers, "missing") == "value"`)
	require.NoError(t, err)
	matched, err = missingProgram.EvalBool(activation)
	require.NoError(t, err)
	require.False(t, matched, "expected lookup to return null for missing key")
}

func TestCompileRejectsNonBool(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile(`1 + 2`)
	require.Error(t, err)

	_, err = env.Compile("   ")
	require.Error(t, err)

	_, err = env.Compile(`request.method ==`)
	require.Error(t, err)
}

func TestProgramSource(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	program, err := env.Compile(`  true `)
	require.NoError(t, err)
	require.Equal(t, "true", program.Source())
}

func TestStorePolicy(t *testing.T) {
	const defaultPolicy = `request.method == "GET" && response.status == 200`

	get, err := http.NewRequest(http.MethodGet, "https://example.test/dictee-vocale/index.html", nil)
	require.NoError(t, err)
	post, err := http.NewRequest(http.MethodPost, "https://example.test/api", nil)
	require.NoError(t, err)

	tests := []struct {
		name       string
		expression string
		req        *http.Request
		status     int
		header     http.Header
		want       bool
	}{
		{name: "stores GET 200", expression: defaultPolicy, req: get, status: http.StatusOK, want: true},
		{name: "skips GET 201", expression: defaultPolicy, req: get, status: http.StatusCreated, want: false},
		{name: "skips GET 404", expression: defaultPolicy, req: get, status: http.StatusNotFound, want: false},
		{name: "skips POST 200", expression: defaultPolicy, req: post, status: http.StatusOK, want: false},
		{
			name:       "honors response headers",
			expression: defaultPolicy + ` && lookup(response.headers, "cache-control") != "no-store"`,
			req:        get,
			status:     http.StatusOK,
			header:     http.Header{"Cache-Control": []string{"no-store"}},
			want:       false,
		},
		{
			name:       "matches on path",
			expression: `request.path.startsWith("/dictee-vocale/")`,
			req:        get,
			status:     http.StatusTeapot,
			want:       true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			policy, err := NewStorePolicy(tc.expression)
			require.NoError(t, err)
			got, err := policy.Allow(tc.req, tc.status, tc.header)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestStorePolicyRejectsInvalidExpression(t *testing.T) {
	_, err := NewStorePolicy(`"a" + "b"`)
	require.Error(t, err)

	var nilPolicy *StorePolicy
	_, err = nilPolicy.Allow(nil, 200, nil)
	require.Error(t, err)
	require.Empty(t, nilPolicy.Source())
}

func TestEvalBoolRejectsDynNonBool(t *testing.T) {
	policy, err := NewStorePolicy(`response.status`)
	require.NoError(t, err)

	_, err = policy.Allow(nil, http.StatusOK, nil)
	require.ErrorContains(t, err, "want bool")
}

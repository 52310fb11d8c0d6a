package mutation

import (
	"context"
	"net/http"
	"testing"

	"github.com/corvidlabs/watchloop/internal/model"
	"github.com/corvidlabs/watchloop/internal/testutil/httpmock"
	"github.com/stretchr/testify/require"
)

func TestStateDecodesJSONMap(t *testing.T) {
	srv := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/api/state", Status: http.StatusOK, Body: `{"price":"19.99"}`},
	})
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL(), Timeout: Defaults().Timeout})
	state, err := c.State(context.Background())
	require.NoError(t, err)
	require.Equal(t, "19.99", state["price"])
}

func TestStateReturnsErrorOnNonOKStatus(t *testing.T) {
	srv := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/api/state", Status: http.StatusInternalServerError, Body: "boom"},
	})
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL(), Timeout: Defaults().Timeout})
	_, err := c.State(context.Background())
	require.Error(t, err)
}

func TestApplySendsCoercedValue(t *testing.T) {
	srv := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/api/state", Status: http.StatusOK, Body: `{}`},
	})
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL(), Timeout: Defaults().Timeout})
	err := c.Apply(context.Background(), model.Mutation{Field: "in_stock", Value: "false"})
	require.NoError(t, err)
}

func TestResetSucceeds(t *testing.T) {
	srv := httpmock.NewServer([]httpmock.RouteSpec{
		{Pattern: "/api/reset", Status: http.StatusOK, Body: `{}`},
	})
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL(), Timeout: Defaults().Timeout})
	require.NoError(t, c.Reset(context.Background()))
}

func TestCoerceValueListFieldParsesJSONThenFallsBackToCommaSplit(t *testing.T) {
	require.Equal(t, []any{"v1.0.0", "v2.0.0"}, coerceValue("releases", `["v1.0.0","v2.0.0"]`))
	require.Equal(t, []string{"v1.0.0", "v2.0.0"}, coerceValue("releases", "v1.0.0,v2.0.0"))
}

func TestCoerceValueBoolField(t *testing.T) {
	require.Equal(t, true, coerceValue("return_empty", "true"))
	require.Equal(t, true, coerceValue("return_empty", "1"))
	require.Equal(t, false, coerceValue("return_empty", "no"))
}

func TestCoerceValueOptionalIntFieldClearsOnEmpty(t *testing.T) {
	require.Equal(t, 404, coerceValue("error_code", "404"))
	require.Nil(t, coerceValue("error_code", ""))
	require.Nil(t, coerceValue("error_code", "null"))
}

func TestCoerceValueFloatField(t *testing.T) {
	require.Equal(t, 1.5, coerceValue("delay_seconds", "1.5"))
	require.Equal(t, 0.0, coerceValue("delay_seconds", "not-a-number"))
}

func TestCoerceValueDefaultsToString(t *testing.T) {
	require.Equal(t, "out of stock", coerceValue("product_stock", "out of stock"))
}

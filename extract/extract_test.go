package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/parser"
)

func TestExtractDisabled(t *testing.T) {
	var c = New("", "")
	require.False(t, c.Enabled())

	var _, err = c.Extract(context.Background(), "/spool/img-1.jpg")
	require.Error(t, err)
	require.Equal(t, errs.ExternalService, errs.CodeOf(err))
}

func TestExtractDecodesItems(t *testing.T) {
	var gotAuth, gotRef string
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		var req extractRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		gotRef = req.ImageRef

		json.NewEncoder(w).Encode(Result{
			Items: []parser.ExtractedItem{
				{Name: "basmati rice", Quantity: 10, Unit: "kg", Confidence: 0.93},
				{Name: "toor dal", Quantity: 5, Unit: "kg", Confidence: 0.88},
			},
			RawText: "10kg basmati rice\n5kg toor dal",
		})
	}))
	defer srv.Close()

	var c = New(srv.URL, "secret-token")
	require.True(t, c.Enabled())

	var res, err = c.Extract(context.Background(), "/spool/img-2.jpg")
	require.NoError(t, err)
	require.Equal(t, "Bearer secret-token", gotAuth)
	require.Equal(t, "/spool/img-2.jpg", gotRef)
	require.Len(t, res.Items, 2)
	require.Equal(t, "basmati rice", res.Items[0].Name)
	require.Equal(t, 10, res.Items[0].Quantity)
	require.Equal(t, "10kg basmati rice\n5kg toor dal", res.RawText)
}

// post is exercised directly so the failure path does not sit through the
// pipeline's backoff sleeps.
func TestPostServiceError(t *testing.T) {
	var srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var c = New(srv.URL, "")
	var _, err = c.post(context.Background(), call{imageRef: "/spool/img-3.jpg"})
	require.Error(t, err)
	require.Equal(t, errs.ExternalService, errs.CodeOf(err))
	require.Contains(t, err.Error(), "model overloaded")
}

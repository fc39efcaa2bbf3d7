package cache

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponse_CloneBeforeConsume(t *testing.T) {
	t.Parallel()
	orig := NewBytesResponse(http.StatusOK, http.Header{"X-Test": []string{"1"}}, []byte("payload"))

	clone, err := orig.Clone()
	require.NoError(t, err)

	a, err := orig.Bytes()
	require.NoError(t, err)
	b, err := clone.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(a))
	assert.Equal(t, "payload", string(b))

	clone.Header.Set("X-Test", "2")
	assert.Equal(t, "1", orig.Header.Get("X-Test"), "clone headers are independent")
}

func TestResponse_ConsumedBodyCannotBeCloned(t *testing.T) {
	t.Parallel()
	r := NewBytesResponse(http.StatusOK, nil, []byte("x"))
	assert.False(t, r.BodyUsed())

	_, err := r.Bytes()
	require.NoError(t, err)
	assert.True(t, r.BodyUsed())

	_, err = r.Clone()
	require.ErrorIs(t, err, ErrBodyUsed)
	_, err = r.Bytes()
	require.ErrorIs(t, err, ErrBodyUsed)
}

func TestResponse_Eligible(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		status     int
		typ        ResponseType
		redirected bool
		want       bool
	}{
		{"ok basic", http.StatusOK, TypeBasic, false, true},
		{"created", http.StatusCreated, TypeBasic, false, false},
		{"not modified", http.StatusNotModified, TypeBasic, false, false},
		{"cors", http.StatusOK, TypeCORS, false, false},
		{"opaque", 0, TypeOpaque, false, false},
		{"redirected", http.StatusOK, TypeBasic, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := NewBytesResponse(tt.status, nil, nil)
			r.Type = tt.typ
			r.Redirected = tt.redirected
			assert.Equal(t, tt.want, r.Eligible())
		})
	}

	var nilResp *Response
	assert.False(t, nilResp.Eligible())
}

func TestResponse_Respond(t *testing.T) {
	t.Parallel()
	r := NewBytesResponse(http.StatusOK, http.Header{"Content-Type": []string{"text/html"}}, []byte("<html></html>"))

	rec := httptest.NewRecorder()
	n, err := r.Respond(rec)
	require.NoError(t, err)
	assert.Equal(t, int64(len("<html></html>")), n)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html", rec.Header().Get("Content-Type"))
	assert.Equal(t, "<html></html>", rec.Body.String())
	assert.True(t, r.BodyUsed())
}

func TestResponse_RespondOpaque(t *testing.T) {
	t.Parallel()
	r := NewBytesResponse(0, nil, nil)
	r.Type = TypeOpaque

	rec := httptest.NewRecorder()
	_, err := r.Respond(rec)
	require.NoError(t, err)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestEntry_Response(t *testing.T) {
	t.Parallel()
	e := &Entry{Key: "GET http://vigil.test/", URL: "http://vigil.test/", Status: http.StatusOK, Body: []byte("root")}

	first := e.Response()
	second := e.Response()
	_, err := first.Bytes()
	require.NoError(t, err)

	body, err := second.Bytes()
	require.NoError(t, err)
	assert.Equal(t, "root", string(body), "each rebuilt response has its own body")
	assert.Equal(t, TypeBasic, second.Type)
	assert.Equal(t, "http://vigil.test/", second.URL)
}

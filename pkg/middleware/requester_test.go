package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRequester(t *testing.T) {
	var seen string
	h := Requester(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequesterID(r)
	}))

	req := httptest.NewRequest(http.MethodGet, "/jobs/1", nil)
	req.Header.Set(RequesterHeader, " alice ")
	h.ServeHTTP(httptest.NewRecorder(), req)
	assert.Equal(t, "alice", seen)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/jobs/1", nil))
	assert.Empty(t, seen)
}

func TestRequesterKey(t *testing.T) {
	key := RequesterKey(func(*http.Request) string { return "ip" })
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Equal(t, "ip", key(req))
	req.Header.Set(RequesterHeader, "bob")
	assert.Equal(t, "requester:bob", key(req))
}

func TestRecover(t *testing.T) {
	h := Logging(nil)(Recover(nil)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

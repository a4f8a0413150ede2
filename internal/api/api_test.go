package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mways/smsgatewayd/internal/manager"
	"github.com/mways/smsgatewayd/internal/sse"
	"github.com/mways/smsgatewayd/internal/store"
)

type testRouter struct {
	handler http.Handler
}

func (r *testRouter) do(req *http.Request) *httptest.ResponseRecorder {
	req.SetBasicAuth("admin", "secret")
	rr := httptest.NewRecorder()
	r.handler.ServeHTTP(rr, req)
	return rr
}

func setup(t *testing.T) (*testRouter, *Deps) {
	t.Helper()
	path := "testapi_" + t.Name() + ".db"
	os.Remove(path)
	st, err := store.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() {
		st.Close()
		os.Remove(path)
	})

	deps := &Deps{
		Log:         zap.NewNop(),
		Store:       st,
		Manager:     manager.New(zap.NewNop(), st, st),
		Broadcaster: sse.New(),
		Username:    "admin",
		Password:    "secret",
	}
	return &testRouter{NewRouter(deps)}, deps
}

func TestCheckReturnsNoContent(t *testing.T) {
	r, _ := setup(t)
	rr := r.do(httptest.NewRequest(http.MethodGet, "/api/check", nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	r, _ := setup(t)
	req := httptest.NewRequest(http.MethodGet, "/api/check", nil)
	rr := httptest.NewRecorder()
	r.handler.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCreateListAndDeleteContact(t *testing.T) {
	r, _ := setup(t)

	body, _ := json.Marshal(createContactRequest{Name: "alice"})
	rr := r.do(httptest.NewRequest(http.MethodPost, "/api/contacts", bytes.NewReader(body)))
	require.Equal(t, http.StatusCreated, rr.Code)
	var created struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rr = r.do(httptest.NewRequest(http.MethodGet, "/api/contacts", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "alice")

	rr = r.do(httptest.NewRequest(http.MethodDelete, "/api/contacts/"+created.ID, nil))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	rr = r.do(httptest.NewRequest(http.MethodDelete, "/api/contacts/"+created.ID, nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestConversationsEmptyByDefault(t *testing.T) {
	r, _ := setup(t)
	rr := r.do(httptest.NewRequest(http.MethodGet, "/api/conversation", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, "[]", rr.Body.String())
}

func TestSimRoutesReturnNotFoundWhenUnregistered(t *testing.T) {
	r, _ := setup(t)
	rr := r.do(httptest.NewRequest(http.MethodGet, "/api/sims/unknown/info", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = r.do(httptest.NewRequest(http.MethodGet, "/api/sims/unknown/storage", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestSetSimCardAliasAndPhone(t *testing.T) {
	r, deps := setup(t)
	require.NoError(t, deps.Store.FindOrCreateSimCard(context.Background(), "iccid-1", nil, nil))

	body, _ := json.Marshal(aliasRequest{Alias: "Work SIM"})
	rr := r.do(httptest.NewRequest(http.MethodPut, "/api/sim-cards/iccid-1/alias", bytes.NewReader(body)))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	body, _ = json.Marshal(phoneRequest{Phone: "+15550001111"})
	rr = r.do(httptest.NewRequest(http.MethodPut, "/api/sim-cards/iccid-1/phone", bytes.NewReader(body)))
	assert.Equal(t, http.StatusNoContent, rr.Code)

	cards, err := deps.Store.GetSimCardsByIDs(context.Background(), []string{"iccid-1"})
	require.NoError(t, err)
	assert.Equal(t, "Work SIM", *cards["iccid-1"].Alias)
	assert.Equal(t, "+15550001111", *cards["iccid-1"].PhoneNumber)
}

package statement_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/rental-ledger/internal/ledger"
	"github.com/odyssey-erp/rental-ledger/internal/shared"
	"github.com/odyssey-erp/rental-ledger/internal/statement"
)

func newRouter(f *fixture) http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req.WithContext(shared.ContextWithCaller(req.Context(), f.caller)))
		})
	})
	statement.NewHandler(nil, f.svc).MountRoutes(r)
	return r
}

func serve(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandlerStatementLifecycle(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t)
	f.append(t, acct.ID, 3, "120", "0", ledger.RefContract, "C-1")
	h := newRouter(f)

	rec := serve(h, http.MethodGet, "/accounts/"+acct.ID.String()+"/statement?from=2024-01-01&to=2024-01-31", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Empty(t, f.rows.rows)

	rec = serve(h, http.MethodPost, "/accounts/"+acct.ID.String()+"/statements", `{"from_date":"2024-01-01","to_date":"2024-01-31"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var st statement.Statement
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, "120", st.ClosingBalance.String())

	rec = serve(h, http.MethodPost, "/statements/"+st.ID.String()+"/sent", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = serve(h, http.MethodPost, "/statements/"+st.ID.String()+"/sent", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, rec.Body.String(), "Invalid Status Transition")

	rec = serve(h, http.MethodGet, "/statements/"+st.ID.String()+"/verify", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"valid":true`)
}

func TestHandlerRejectsBadWindows(t *testing.T) {
	f := newFixture(t)
	acct := f.account(t)
	h := newRouter(f)

	rec := serve(h, http.MethodGet, "/accounts/"+acct.ID.String()+"/statement?from=2024-02-01&to=2024-01-01", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, rec.Body.String(), "Invalid Window")

	rec = serve(h, http.MethodGet, "/accounts/"+acct.ID.String()+"/statement?from=yesterday", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(h, http.MethodGet, "/statements/not-a-uuid", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

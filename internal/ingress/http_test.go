package ingress

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ordermesh/payment-pipeline/internal/store"
)

const sqliteDDL = `
CREATE TABLE orders (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	amount TEXT NOT NULL,
	state TEXT NOT NULL,
	version INTEGER NOT NULL DEFAULT 0,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE TABLE outbox (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT NOT NULL UNIQUE,
	aggregate_type TEXT NOT NULL,
	aggregate_id TEXT NOT NULL,
	event_type TEXT NOT NULL,
	payload BLOB NOT NULL,
	created_at DATETIME NOT NULL,
	published_at DATETIME
);
`

func newTestServer(t *testing.T) *Server {
	t.Helper()
	db, err := store.Open("sqlite3", ":memory:?_foreign_keys=on&cache=shared", 1, 1)
	require.NoError(t, err)
	_, err = db.ExecContext(t.Context(), sqliteDDL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db, zap.NewNop())
}

func TestSubmitOrder_Success(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(submitOrderRequest{UserID: uuid.New(), Amount: 99.99})

	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	var resp submitOrderResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "CREATED", resp.State)

	rows, err := s.outbox.SelectUnpublished(t.Context(), 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "OrderCreated", rows[0].EventType)
}

func TestSubmitOrder_RejectsNonPositiveAmount(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(submitOrderRequest{UserID: uuid.New(), Amount: 0})

	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmitOrder_RejectsMissingUserID(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(submitOrderRequest{Amount: 10})

	req := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetOrder_NotFound(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/orders/"+uuid.New().String(), nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetOrder_RoundTripsSubmittedOrder(t *testing.T) {
	s := newTestServer(t)
	body, _ := json.Marshal(submitOrderRequest{UserID: uuid.New(), Amount: 12.34})

	postReq := httptest.NewRequest(http.MethodPost, "/orders", bytes.NewReader(body))
	postRec := httptest.NewRecorder()
	s.Router().ServeHTTP(postRec, postReq)
	var created submitOrderResponse
	require.NoError(t, json.Unmarshal(postRec.Body.Bytes(), &created))

	getReq := httptest.NewRequest(http.MethodGet, "/orders/"+created.OrderID, nil)
	getRec := httptest.NewRecorder()
	s.Router().ServeHTTP(getRec, getReq)

	require.Equal(t, http.StatusOK, getRec.Code)
	var got getOrderResponse
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &got))
	require.Equal(t, created.OrderID, got.OrderID)
	require.Equal(t, "12.34", got.Amount)
}

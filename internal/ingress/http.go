// Package ingress implements the HTTP write contract for submitting
// orders: POST /orders durably records a new order and its
// OrderCreated event in one transaction, and GET /orders/{id} is a
// supplemental read-model endpoint for observing the outcome. Handlers
// use gorilla/mux routes, a thin JSON envelope helper, and structured
// zap fields. Submissions are not deduplicated: every POST /orders,
// even with an identical body, creates a distinct order.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/ordermesh/payment-pipeline/internal/broker"
	"github.com/ordermesh/payment-pipeline/internal/domain"
	"github.com/ordermesh/payment-pipeline/internal/money"
	"github.com/ordermesh/payment-pipeline/internal/obs"
	"github.com/ordermesh/payment-pipeline/internal/store"
)

// Server holds the dependencies submitOrder and getOrder need.
type Server struct {
	db     *store.DB
	orders *store.Orders
	outbox *store.Outbox
	log    *zap.Logger
}

func New(db *store.DB, log *zap.Logger) *Server {
	return &Server{db: db, orders: store.NewOrders(db), outbox: store.NewOutbox(db), log: log}
}

// Router builds the mux.Router exposing the order-submission HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/orders", s.submitOrder).Methods(http.MethodPost)
	r.HandleFunc("/orders/{id}", s.getOrder).Methods(http.MethodGet)
	return r
}

type submitOrderRequest struct {
	UserID uuid.UUID `json:"userId"`
	Amount float64   `json:"amount"`
}

type submitOrderResponse struct {
	OrderID string `json:"orderId"`
	State   string `json:"state"`
}

// submitOrder takes (userId, amount) and returns (orderId, state): one
// transaction inserting the Order and its OrderCreated outbox row, or
// neither.
func (s *Server) submitOrder(w http.ResponseWriter, r *http.Request) {
	ctx, span := obs.StartIngressSpan(r.Context(), "")
	defer span.End()

	var req submitOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeValidationError(w, &domain.ValidationError{Field: "body", Reason: "malformed JSON"})
		return
	}
	if req.UserID == uuid.Nil {
		writeValidationError(w, &domain.ValidationError{Field: "userId", Reason: "required"})
		return
	}
	amount, err := money.NewAmount(req.Amount)
	if err != nil {
		writeValidationError(w, &domain.ValidationError{Field: "amount", Reason: err.Error()})
		return
	}
	if err := amount.MustPositive(); err != nil {
		writeValidationError(w, &domain.ValidationError{Field: "amount", Reason: err.Error()})
		return
	}

	ord := domain.New(req.UserID, amount)
	if err := s.writeOrderCreated(ctx, ord); err != nil {
		obs.RecordError(ctx, err)
		s.log.Error("ingress: submitOrder failed", obs.String("order_id", ord.ID.String()), obs.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to create order"})
		return
	}

	obs.SetSpanSuccess(ctx)
	obs.OrdersCreated.Inc()
	s.log.Info("STATE_CHANGE",
		obs.String("order_id", ord.ID.String()),
		obs.String("to", string(ord.State)))
	writeJSON(w, http.StatusCreated, submitOrderResponse{OrderID: ord.ID.String(), State: string(ord.State)})
}

// writeOrderCreated is the ingress write protocol: insert the order and
// its OrderCreated outbox row atomically, or roll back both.
func (s *Server) writeOrderCreated(ctx context.Context, ord domain.Order) error {
	payload, err := json.Marshal(broker.OrderCreatedPayload{
		OrderID: ord.ID,
		UserID:  ord.UserID,
		Amount:  ord.Amount.String(),
	})
	if err != nil {
		return &domain.StorageError{Op: "marshal OrderCreated payload", Cause: err}
	}

	err = s.db.WithTransaction(ctx, func(q store.Querier) error {
		orders := store.NewOrders(q)
		if err := orders.Insert(ctx, ord); err != nil {
			return err
		}
		outbox := store.NewOutbox(q)
		return outbox.Insert(ctx, store.OutboxRecord{
			EventID:       uuid.New(),
			AggregateType: "order",
			AggregateID:   ord.ID,
			EventType:     broker.EventOrderCreated,
			Payload:       payload,
			CreatedAt:     time.Now().UTC(),
		})
	})
	if err != nil {
		return &domain.StorageError{Op: "submitOrder", Cause: err}
	}
	return nil
}

type getOrderResponse struct {
	OrderID string `json:"orderId"`
	UserID  string `json:"userId"`
	Amount  string `json:"amount"`
	State   string `json:"state"`
	Version int64  `json:"version"`
}

// getOrder is a supplemental read-model endpoint so an operator can
// observe an order's state without querying Postgres directly.
func (s *Server) getOrder(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeValidationError(w, &domain.ValidationError{Field: "id", Reason: "must be a uuid"})
		return
	}

	ord, err := s.orders.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
			return
		}
		s.log.Error("ingress: getOrder failed", obs.Err(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Failed to read order"})
		return
	}

	writeJSON(w, http.StatusOK, getOrderResponse{
		OrderID: ord.ID.String(),
		UserID:  ord.UserID.String(),
		Amount:  ord.Amount.String(),
		State:   string(ord.State),
		Version: ord.Version,
	})
}

func writeValidationError(w http.ResponseWriter, verr *domain.ValidationError) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

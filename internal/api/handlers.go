package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/punchamoorthee/tenmo-ledger/internal/domain"
	"github.com/punchamoorthee/tenmo-ledger/internal/service"
	"github.com/punchamoorthee/tenmo-ledger/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 16

type sendRequest struct {
	ToUserID int64           `json:"to_user_id"`
	Amount   decimal.Decimal `json:"amount"`
}

type requestRequest struct {
	PayerUserID int64           `json:"payer_user_id"`
	Amount      decimal.Decimal `json:"amount"`
}

type balanceResponse struct {
	UserID  int64  `json:"user_id"`
	Balance string `json:"balance"`
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) GetBalanceHandler(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	balance, err := h.service.GetBalance(r.Context(), userID)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, balanceResponse{UserID: userID, Balance: balance.StringFixed(domain.MoneyScale)})
}

func (h *Handler) ListUsersHandler(w http.ResponseWriter, r *http.Request) {
	users, err := h.service.ListUsers(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, users)
}

func (h *Handler) ListTransfersHandler(w http.ResponseWriter, r *http.Request) {
	transfers, err := h.service.ListTransfers(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, transfers)
}

func (h *Handler) ListPendingHandler(w http.ResponseWriter, r *http.Request) {
	transfers, err := h.service.ListPending(r.Context(), userIDFrom(r.Context()))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, transfers)
}

func (h *Handler) GetTransferHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := transferID(w, r)
	if !ok {
		return
	}
	t, err := h.service.GetTransfer(r.Context(), id)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, t)
}

func (h *Handler) SendHandler(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req sendRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.ToUserID <= 0 {
		respondWithError(w, http.StatusUnprocessableEntity, "to_user_id is required")
		return
	}

	h.idempotent(w, r, body, true, func(hooks ...service.CommitHook) (*domain.Transfer, error) {
		return h.service.Send(r.Context(), userIDFrom(r.Context()), req.ToUserID, req.Amount, hooks...)
	})
}

func (h *Handler) RequestHandler(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req requestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "Malformed JSON body")
		return
	}
	if req.PayerUserID <= 0 {
		respondWithError(w, http.StatusUnprocessableEntity, "payer_user_id is required")
		return
	}

	h.idempotent(w, r, body, false, func(hooks ...service.CommitHook) (*domain.Transfer, error) {
		return h.service.RequestCreate(r.Context(), userIDFrom(r.Context()), req.PayerUserID, req.Amount, hooks...)
	})
}

func (h *Handler) ApproveHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := transferID(w, r)
	if !ok {
		return
	}
	t, err := h.service.Approve(r.Context(), id, userIDFrom(r.Context()))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, t)
}

func (h *Handler) RejectHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := transferID(w, r)
	if !ok {
		return
	}
	t, err := h.service.Reject(r.Context(), id, userIDFrom(r.Context()))
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, t)
}

// idempotent runs create under the request's Idempotency-Key. The stored
// response is written in the same transaction as the transfer, so a committed
// transfer always leaves a completed key behind. A completed key replays its
// response; a failed attempt releases the key so the client may retry.
func (h *Handler) idempotent(w http.ResponseWriter, r *http.Request, body []byte, required bool, create func(hooks ...service.CommitHook) (*domain.Transfer, error)) {
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		if required {
			respondWithError(w, http.StatusBadRequest, "Missing Idempotency-Key header")
			return
		}
		t, err := create()
		if err != nil {
			h.respondErr(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/api/v1/transfers/%d", t.ID))
		respondWithJSON(w, http.StatusCreated, t)
		return
	}

	// Keys are per user; two users may pick the same key.
	scoped := fmt.Sprintf("%d:%s", userIDFrom(r.Context()), key)
	hash := sha256.Sum256(append([]byte(r.URL.Path+"\n"), body...))
	reqHash := hex.EncodeToString(hash[:])

	existing, err := h.keys.ReserveKey(r.Context(), scoped, reqHash)
	if err != nil {
		h.respondErr(w, r, err)
		return
	}
	if existing != nil {
		w.Header().Set("Idempotent-Replayed", "true")
		respondWithRaw(w, existing.ResponseStatus, existing.ResponseBody)
		return
	}

	var out []byte
	complete := func(ctx context.Context, tx store.Tx, t *domain.Transfer) error {
		resp, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("encode transfer %d: %w", t.ID, err)
		}
		out = append(resp, '\n')
		return tx.CompleteKey(ctx, scoped, http.StatusCreated, out)
	}

	t, err := create(complete)
	if err != nil {
		if relErr := h.keys.ReleaseKey(context.WithoutCancel(r.Context()), scoped); relErr != nil {
			h.logger.Warn("release idempotency key", zap.String("key", scoped), zap.Error(relErr))
		}
		h.respondErr(w, r, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/v1/transfers/%d", t.ID))
	respondWithRaw(w, http.StatusCreated, out)
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Unreadable request body")
		return nil, false
	}
	return body, true
}

func transferID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil || id <= 0 {
		respondWithError(w, http.StatusBadRequest, "invalid transfer id")
		return 0, false
	}
	return id, true
}

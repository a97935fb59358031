package http

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"tubefetch/internal/domain"
	"tubefetch/internal/ledger"
)

type TransactionResponse struct {
	ID           string                 `json:"id"`
	Amount       int64                  `json:"amount"`
	Type         domain.TransactionKind `json:"type"`
	Description  string                 `json:"description"`
	BalanceAfter int64                  `json:"balance_after"`
	CreatedAt    string                 `json:"created_at"`
}

type historyResponse struct {
	Transactions []TransactionResponse `json:"transactions"`
	Total        int                   `json:"total"`
	Limit        int                   `json:"limit"`
	Offset       int                   `json:"offset"`
}

func (h *Handler) balance(c *gin.Context) {
	balance, err := h.credits.Balance(c.Request.Context(), currentAccount(c))
	if err != nil {
		h.respondErr(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"balance": balance})
}

func (h *Handler) history(c *gin.Context) {
	limit, err := queryInt(c, "limit", ledger.DefaultHistoryLimit)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	offset, err := queryInt(c, "offset", 0)
	if err != nil {
		h.respondErr(c, err)
		return
	}
	limit = max(1, min(limit, ledger.MaxHistoryLimit))

	txns, total, err := h.credits.History(c.Request.Context(), currentAccount(c), limit, offset)
	if err != nil {
		h.respondErr(c, err)
		return
	}

	resp := historyResponse{
		Transactions: make([]TransactionResponse, len(txns)),
		Total:        total,
		Limit:        limit,
		Offset:       max(offset, 0),
	}
	for i, txn := range txns {
		resp.Transactions[i] = TransactionResponse{
			ID:           txn.ID,
			Amount:       txn.Amount,
			Type:         txn.Kind,
			Description:  txn.Description,
			BalanceAfter: txn.BalanceAfter,
			CreatedAt:    txn.CreatedAt.Format(time.RFC3339),
		}
	}
	respond(c, http.StatusOK, resp)
}

func (h *Handler) estimate(c *gin.Context) {
	opts := domain.Options{
		Quality:      strings.ToLower(c.DefaultQuery("quality", domain.DefaultQuality)),
		AudioBitrate: c.Query("audio_quality"),
	}
	if raw := c.Query("audio_only"); raw != "" {
		audioOnly, err := strconv.ParseBool(raw)
		if err != nil {
			respondError(c, http.StatusBadRequest, domain.CodeInvalidRequest, "audio_only must be a boolean")
			return
		}
		opts.AudioOnly = audioOnly
	}
	if opts.AudioOnly {
		bitrate, err := domain.NormalizeBitrate(opts.AudioBitrate)
		if err != nil {
			h.respondErr(c, err)
			return
		}
		opts.AudioBitrate = bitrate
	}

	respond(c, http.StatusOK, gin.H{
		"cost":    ledger.Estimate(opts),
		"options": opts,
	})
}

func queryInt(c *gin.Context, key string, fallback int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, domain.Invalid("%s must be an integer", key)
	}
	return v, nil
}

// internal/api/handlers.go
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/veridocs/btcpay/internal/logging"
	"github.com/veridocs/btcpay/internal/payments"
	"github.com/veridocs/btcpay/internal/pool"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type generateAddressesRequest struct {
	Count int `json:"count"`
}

func (s *Server) handleGenerateAddresses(c *gin.Context) {
	var req generateAddressesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  payments.CodeInternal,
			"error": "invalid request body",
		})
		return
	}

	result, err := s.pool.GenerateBatch(c.Request.Context(), req.Count)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleAvailableAddresses(c *gin.Context) {
	count, err := s.pool.CountAvailable(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"available": count})
}

func (s *Server) handleVerifyOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  payments.CodeInternal,
			"error": "order id must be an integer",
		})
		return
	}

	result, err := s.verifier.Verify(c.Request.Context(), orderID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleCheckPending(c *gin.Context) {
	result, err := s.verifier.CheckPending(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type bulkOperationRequest struct {
	Type     string            `json:"type"`
	OrderIDs []int64           `json:"order_ids"`
	Metadata map[string]string `json:"metadata"`
}

func (s *Server) handleBulkOperation(c *gin.Context) {
	var req bulkOperationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  payments.CodeInternal,
			"error": "invalid request body",
		})
		return
	}
	if len(req.OrderIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  payments.CodeInternal,
			"error": "order_ids must not be empty",
		})
		return
	}

	role := c.GetString("role")
	op, err := s.bulk.Run(c.Request.Context(), role, req.Type, req.OrderIDs, req.Metadata)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, op)
}

func (s *Server) handleRunJobs(c *gin.Context) {
	start := time.Now()
	results, err := s.jobs.RunDue(c.Request.Context(), c.Query("name"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"duration_ms": time.Since(start).Milliseconds(),
		"results":     results,
	})
}

// writeError maps domain errors to stable codes and HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	var mismatchErr *payments.AmountMismatchError
	if errors.As(err, &mismatchErr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":      payments.CodeAmountMismatch,
			"error":     mismatchErr.Error(),
			"expected":  mismatchErr.ExpectedBtc.StringFixed(8),
			"received":  mismatchErr.ReceivedBtc.StringFixed(8),
			"shortfall": mismatchErr.Shortfall.StringFixed(8),
		})
		return
	}

	switch {
	case errors.Is(err, pool.ErrNoActiveKey):
		c.JSON(http.StatusNotFound, gin.H{
			"code":  payments.CodeNoXpub,
			"error": err.Error(),
		})
		return
	case errors.Is(err, pool.ErrInvalidCount):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":  payments.CodeInternal,
			"error": err.Error(),
		})
		return
	}

	code := payments.ErrorCode(err)
	status := http.StatusInternalServerError
	switch code {
	case payments.CodeNotFound:
		status = http.StatusNotFound
	case payments.CodeAddressExpired:
		status = http.StatusGone
	case payments.CodeProviderUnavailable:
		status = http.StatusServiceUnavailable
	case payments.CodeForbidden:
		status = http.StatusForbidden
	case payments.CodeEscrowClosed:
		status = http.StatusConflict
	case payments.CodeConfiguration, payments.CodeInternal:
		status = http.StatusInternalServerError
	}

	if status == http.StatusInternalServerError {
		logging.Error("Request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"code": code, "error": err.Error()})
}

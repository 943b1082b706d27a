package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	checkoutdomain "github.com/smallbiznis/canvasbanana/internal/checkout/domain"
	ledgerdomain "github.com/smallbiznis/canvasbanana/internal/ledger/domain"
	"github.com/smallbiznis/canvasbanana/pkg/db/pagination"
)

type creditsResponse struct {
	Balance         int64 `json:"balance"`
	TotalPurchased  int64 `json:"total_purchased"`
	TotalDownloaded int64 `json:"total_downloaded"`
}

type consumeRequest struct {
	ArtifactID string `json:"artifact_id"`
}

type purchaseRequest struct {
	CreditAmount int64 `json:"credit_amount"`
}

type verifyRequest struct {
	SessionID string `json:"session_id"`
}

func (s *Server) GetCredits(c *gin.Context) {
	account, err := s.ledgerSvc.GetBalance(c.Request.Context(), callerIdentity(c).AccountID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, creditsResponse{
		Balance:         account.Balance,
		TotalPurchased:  account.TotalPurchased,
		TotalDownloaded: account.TotalDownloaded,
	})
}

func (s *Server) ListPackages(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"packages": s.catalog.Get().Views()})
}

func (s *Server) ListTransactions(c *gin.Context) {
	var query pagination.Pagination
	if err := c.ShouldBindQuery(&query); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			AbortWithError(c, newValidationError("page_size", "out_of_range", "page_size must be between 1 and 250"))
			return
		}
		AbortWithError(c, newValidationError("page_size", "invalid", "page_size must be a number"))
		return
	}

	resp, err := s.ledgerSvc.ListTransactions(c.Request.Context(), ledgerdomain.ListTransactionsRequest{
		AccountID: callerIdentity(c).AccountID,
		PageToken: strings.TrimSpace(query.PageToken),
		PageSize:  int32(query.PageSize),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) ConsumeCredit(c *gin.Context) {
	var req consumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	artifactID := strings.TrimSpace(req.ArtifactID)
	if artifactID == "" {
		AbortWithError(c, newValidationError("artifact_id", "required", "artifact_id is required"))
		return
	}
	c.Set("artifact_id", artifactID)

	result, err := s.ledgerSvc.Consume(c.Request.Context(), callerIdentity(c).AccountID, artifactID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) PurchaseCredits(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.CreditAmount <= 0 {
		AbortWithError(c, newValidationError("credit_amount", "required", "credit_amount is required"))
		return
	}

	id := callerIdentity(c)
	resp, err := s.checkoutSvc.CreateSession(c.Request.Context(), checkoutdomain.CreateSessionRequest{
		AccountID: id.AccountID,
		Email:     id.Email,
		Credits:   req.CreditAmount,
		Origin:    c.GetHeader("Origin"),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) VerifyPayment(c *gin.Context) {
	var req verifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		AbortWithError(c, newValidationError("session_id", "required", "session_id is required"))
		return
	}

	result, err := s.paymentSvc.VerifyPayment(c.Request.Context(), callerIdentity(c).AccountID, sessionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) RegisterArtifact(c *gin.Context) {
	artifactID := strings.TrimSpace(c.Param("id"))
	if artifactID == "" {
		AbortWithError(c, newValidationError("id", "required", "artifact id is required"))
		return
	}

	artifact, err := s.ledgerSvc.RegisterArtifact(c.Request.Context(), callerIdentity(c).AccountID, artifactID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"id": artifact.ID})
}

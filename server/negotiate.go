package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/procurehq/parley/agent/contract"
	"github.com/procurehq/parley/agent/negotiator"
	"github.com/procurehq/parley/agent/orchestrator"
	"github.com/procurehq/parley/router"
)

type negotiationRequest struct {
	Product   string   `json:"product" binding:"required"`
	Prompt    string   `json:"prompt"`
	Tactics   string   `json:"tactics"`
	Suppliers []string `json:"suppliers" binding:"required,min=1"`
}

// negotiate starts a new negotiation: one orchestrator, one session, one
// conversation agent per supplier, and an opening inquiry to each.
func (s *Server) negotiate(c *gin.Context) {
	var req negotiationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	ngID := uuid.NewString()
	lg := log.With().Str("ng_id", ngID).Logger()
	lg.Info().Str("product", req.Product).Strs("suppliers", req.Suppliers).Msg("starting negotiation")

	if err := s.store.CreateNegotiation(ctx, &contract.Negotiation{
		NgID:     ngID,
		Product:  req.Product,
		Strategy: req.Tactics,
		Status:   contract.NegotiationActive,
	}); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	orch, err := orchestrator.New(orchestrator.Config{
		NgID:         ngID,
		SystemPrompt: s.prompts.Orchestrator,
		Strategy:     req.Tactics,
		Product:      req.Product,
		Messages:     s.store,
		Instructions: s.store,
		Directory:    s.store,
		Completer:    s.completer,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	sess := router.NewSession(ngID, orch, s.router, s.store)

	started := make([]string, 0, len(req.Suppliers))
	for _, supplierID := range req.Suppliers {
		sup, err := s.store.SupplierByID(ctx, supplierID)
		if err != nil {
			if errors.Is(err, contract.ErrNotFound) {
				lg.Warn().Str("supplier_id", supplierID).Msg("supplier not found, skipping")
				continue
			}
			// Unwind the handlers already registered for earlier suppliers.
			sess.Cleanup()
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		var opts []negotiator.Option
		if s.mail != nil && s.mail.LoggedIn() {
			opts = append(opts, negotiator.WithOutbox(s.mail))
		}
		agent, err := negotiator.New(negotiator.Config{
			NgID:         ngID,
			SystemPrompt: s.prompts.Negotiator,
			Product:      req.Product,
			Supplier:     *sup,
			Messages:     s.store,
			Instructions: s.store,
			Completer:    s.completer,
		}, opts...)
		if err != nil {
			sess.Cleanup()
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		sess.AddAgent(supplierID, agent)
		if _, err := agent.SendInitialMessage(ctx, req.Prompt); err != nil {
			lg.Error().Err(err).Str("supplier_id", supplierID).Msg("opening inquiry failed")
		}
		started = append(started, supplierID)
	}

	if len(started) == 0 {
		sess.Cleanup()
		c.JSON(http.StatusBadRequest, gin.H{"error": "no known suppliers in request"})
		return
	}

	s.sessions.Add(sess)
	lg.Info().Int("agents", len(started)).Msg("negotiation started")

	c.JSON(http.StatusOK, gin.H{
		"negotiation_id": ngID,
		"status":         "started",
		"suppliers":      started,
	})
}

type supplierStatus struct {
	SupplierID   string `json:"supplier_id"`
	SupplierName string `json:"supplier_name,omitempty"`
	MessageCount int    `json:"message_count"`
	Completed    bool   `json:"completed"`
}

// negotiationStatus aggregates per-supplier progress for one negotiation.
func (s *Server) negotiationStatus(c *gin.Context) {
	ngID := c.Param("ng_id")
	ctx := c.Request.Context()

	ng, err := s.store.NegotiationByID(ctx, ngID)
	if err != nil {
		if errors.Is(err, contract.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "negotiation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	turns, err := s.store.FetchAllTurns(ctx, ngID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	counts := make(map[string]int)
	var order []string
	for _, t := range turns {
		if t.SupplierID == nil {
			continue
		}
		if _, seen := counts[*t.SupplierID]; !seen {
			order = append(order, *t.SupplierID)
		}
		counts[*t.SupplierID]++
	}

	completed := ng.Status == contract.NegotiationCompleted
	agents := make([]supplierStatus, 0, len(order))
	for _, supplierID := range order {
		st := supplierStatus{
			SupplierID:   supplierID,
			MessageCount: counts[supplierID],
			Completed:    completed,
		}
		if sup, err := s.store.SupplierByID(ctx, supplierID); err == nil {
			st.SupplierName = sup.Name
		}
		agents = append(agents, st)
	}

	c.JSON(http.StatusOK, gin.H{
		"negotiation_id": ngID,
		"all_completed":  completed,
		"agents":         agents,
	})
}

// Package server is the thin HTTP surface over the negotiation core.
package server

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/procurehq/parley/agent/prompt"
	"github.com/procurehq/parley/pkg/llm"
	"github.com/procurehq/parley/pkg/mailer"
	"github.com/procurehq/parley/router"
	"github.com/procurehq/parley/store"
)

// Option customizes a Server.
type Option func(*Server)

// WithWatcherStarter installs the callback that brings up the inbound mail
// watcher. It runs at most once, after the first successful login, regardless
// of how many times credentials are (re)submitted.
func WithWatcherStarter(fn func()) Option {
	return func(s *Server) { s.startWatch = fn }
}

// Server wires the HTTP handlers to the core services.
type Server struct {
	store     store.Store
	completer llm.Completer
	mail      *mailer.Client
	router    *router.Router
	sessions  *router.Manager
	prompts   prompt.Set

	startWatch func()
	watchOnce  sync.Once
}

// New constructs the HTTP layer.
func New(
	st store.Store,
	completer llm.Completer,
	mail *mailer.Client,
	r *router.Router,
	sessions *router.Manager,
	opts ...Option,
) *Server {
	s := &Server{
		store:     st,
		completer: completer,
		mail:      mail,
		router:    r,
		sessions:  sessions,
		prompts:   prompt.Load(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// StartWatcher invokes the watcher-start callback exactly once. Safe to call
// from every login path; later calls are no-ops.
func (s *Server) StartWatcher() {
	if s.startWatch == nil {
		return
	}
	s.watchOnce.Do(s.startWatch)
}

// Routes builds the gin engine with all endpoints attached.
func (s *Server) Routes() *gin.Engine {
	r := gin.Default()
	_ = r.SetTrustedProxies(nil)

	r.GET("/health", s.health)
	r.GET("/suppliers", s.listSuppliers)
	r.GET("/products", s.listProducts)
	r.GET("/search", s.searchProducts)
	r.GET("/negotiations", s.listNegotiations)
	r.GET("/conversation/:ng_id/:supplier_id", s.conversation)
	r.GET("/negotiation_status/:ng_id", s.negotiationStatus)
	r.GET("/orchestrator_activity/:ng_id", s.orchestratorActivity)
	r.POST("/negotiate", s.negotiate)
	r.POST("/email/login", s.emailLogin)
	r.POST("/email/send", s.emailSend)

	return r
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) listSuppliers(c *gin.Context) {
	suppliers, err := s.store.ListSuppliers(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, suppliers)
}

func (s *Server) listProducts(c *gin.Context) {
	products, err := s.store.ListProducts(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, products)
}

func (s *Server) searchProducts(c *gin.Context) {
	query := c.Query("product")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "product query param required"})
		return
	}
	products, err := s.store.SearchProducts(c.Request.Context(), query)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, products)
}

func (s *Server) listNegotiations(c *gin.Context) {
	negotiations, err := s.store.ListNegotiations(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiations": negotiations})
}

func (s *Server) conversation(c *gin.Context) {
	supplierID := c.Param("supplier_id")
	turns, err := s.store.FetchTurns(c.Request.Context(), c.Param("ng_id"), &supplierID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": turns})
}

// orchestratorActivity exposes the orchestrator-only channel (nil supplier),
// the running record of every supervision pass.
func (s *Server) orchestratorActivity(c *gin.Context) {
	ngID := c.Param("ng_id")
	turns, err := s.store.FetchTurns(c.Request.Context(), ngID, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"negotiation_id": ngID,
		"count":          len(turns),
		"activities":     turns,
	})
}

type loginRequest struct {
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

func (s *Server) emailLogin(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.mail.Login(c.Request.Context(), req.Email, req.Password); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// Inbound mail must start flowing however the credentials arrived.
	s.StartWatcher()
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "Logged in successfully"})
}

type sendEmailRequest struct {
	ToEmail string `json:"to_email" binding:"required"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (s *Server) emailSend(c *gin.Context) {
	var req sendEmailRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.mail.Send(c.Request.Context(), req.ToEmail, req.Subject, req.Body); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success"})
}

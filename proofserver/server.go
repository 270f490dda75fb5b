// Package proofserver serves whitelist Merkle proofs over HTTP.
package proofserver

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kaifufi/airdrop-market-sdk-go/merkle"
)

const RequestIDHeader = "X-Request-ID"

// ProofResponse is the body of GET /proof/:address.
type ProofResponse struct {
	Address string   `json:"address"`
	Leaf    string   `json:"leaf"`
	Root    string   `json:"root"`
	Proof   []string `json:"proof"`
}

// RootResponse is the body of GET /root.
type RootResponse struct {
	Root    string   `json:"root"`
	Count   int      `json:"count"`
	Entries []string `json:"entries"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server answers proof requests from a whitelist snapshot.
type Server struct {
	mu     sync.RWMutex
	tree   *merkle.Tree
	logger *zap.Logger
	engine *gin.Engine
}

// New creates a Server for tree. Browser origins listed in allowOrigins may
// call the read endpoints cross-origin.
func New(tree *merkle.Tree, logger *zap.Logger, allowOrigins ...string) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tree:   tree,
		logger: logger.Named("proofserver"),
		engine: gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	if len(allowOrigins) > 0 {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowOrigins = allowOrigins
		corsConfig.AllowMethods = []string{http.MethodGet, http.MethodOptions}
		corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, RequestIDHeader)
		corsConfig.ExposeHeaders = []string{RequestIDHeader}
		s.engine.Use(cors.New(corsConfig))
	}
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.GET("/root", s.handleRoot)
	s.engine.GET("/proof/:address", s.handleProof)
	return s
}

// SetTree replaces the snapshot, for example after the on-chain root rotates.
func (s *Server) SetTree(tree *merkle.Tree) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree = tree
	s.logger.Info("whitelist replaced", zap.String("root", tree.Root().Hex()), zap.Int("entries", tree.Len()))
}

func (s *Server) snapshot() *merkle.Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is done, then shuts down.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Header(RequestIDHeader, requestID)

		start := time.Now()
		c.Next()

		s.logger.Debug("request",
			zap.String("request_id", requestID),
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleRoot(c *gin.Context) {
	tree := s.snapshot()
	entries := tree.Entries()
	out := RootResponse{
		Root:    tree.Root().Hex(),
		Count:   len(entries),
		Entries: make([]string, len(entries)),
	}
	for i, addr := range entries {
		out.Entries[i] = addr.Hex()
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleProof(c *gin.Context) {
	raw := c.Param("address")
	if !common.IsHexAddress(raw) {
		c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid address"})
		return
	}
	addr := common.HexToAddress(raw)

	tree := s.snapshot()
	proof, err := tree.Proof(addr)
	if errors.Is(err, merkle.ErrNotInWhitelist) {
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	if err != nil {
		s.logger.Error("proof generation failed", zap.String("address", addr.Hex()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
		return
	}

	c.JSON(http.StatusOK, ProofResponse{
		Address: addr.Hex(),
		Leaf:    merkle.LeafHash(addr).Hex(),
		Root:    tree.Root().Hex(),
		Proof:   proof.Hex(),
	})
}

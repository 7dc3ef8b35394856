// Package rest provides the Gin-based REST API server.
package rest

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	"github.com/iggydv12/maison/internal/errs"
	"github.com/iggydv12/maison/internal/host"
	"github.com/iggydv12/maison/internal/issuer"
	"github.com/iggydv12/maison/internal/journal"
	"github.com/iggydv12/maison/internal/ledger"
	"github.com/iggydv12/maison/internal/units"
)

// CallerHeader carries the attested caller address.
const CallerHeader = "X-Caller-Address"

const callerKey = "caller"

// Deps are the components the server exposes.
type Deps struct {
	Host        *host.Host
	Marketplace *ledger.Marketplace
	Issuer      *issuer.Issuer
	Journal     *journal.Journal
	Gatherer    prometheus.Gatherer
	// Status reports the node lifecycle state on /health. Nil reports "ok".
	Status func() string
	// Serving gates /health: false answers 503. Nil always serves.
	Serving func() bool
}

// Server is the REST API server.
type Server struct {
	engine *gin.Engine
	deps   Deps
	logger *zap.Logger
}

// New creates a REST Server.
func New(deps Deps, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), accessLog(logger))

	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		engine: engine,
		deps:   deps,
		logger: logger,
	}
	s.registerRoutes()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// registerRoutes sets up the /v1 context path.
func (s *Server) registerRoutes() {
	s.engine.GET("/health", s.health)
	s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))

	v1 := s.engine.Group("/v1")

	// Swagger UI
	v1.GET("/swagger-ui/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	mkt := v1.Group("/marketplace")
	{
		mkt.POST("/brands", requireCaller, s.registerBrand)
		mkt.GET("/brands/:address", s.getBrand)
		mkt.POST("/clients", requireCaller, s.registerClient)
		mkt.GET("/clients/:address", s.getClient)
		mkt.POST("/listings", requireCaller, s.createListing)
		mkt.GET("/listings", s.listListings)
		mkt.GET("/listings/:seller/:tokenId", s.getListing)
		mkt.POST("/listings/:seller/:tokenId/buy", requireCaller, s.buyListing)
		mkt.GET("/sold/:buyer/:tokenId", s.getSold)
		mkt.GET("/balance", requireCaller, s.marketplaceBalance)
		mkt.POST("/withdraw", requireCaller, s.marketplaceWithdraw)
	}

	iss := v1.Group("/issuer")
	{
		iss.POST("/mint", requireCaller, s.mint)
		iss.GET("/tokens/:id", s.getToken)
		iss.GET("/tokens/:id/uri", s.getTokenURI)
		iss.POST("/tokens/:id/transfer", requireCaller, s.transferToken)
		iss.GET("/balance", requireCaller, s.issuerBalance)
		iss.POST("/withdraw", requireCaller, s.issuerWithdraw)
	}

	v1.GET("/accounts/:address", s.getAccount)
	v1.GET("/events", s.listEvents)
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("REST request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

// requireCaller resolves the caller header or aborts with 401.
func requireCaller(c *gin.Context) {
	raw := c.GetHeader(CallerHeader)
	if raw == "" {
		abort(c, errs.New(errs.Unauthorized, "missing "+CallerHeader+" header"))
		return
	}
	if !common.IsHexAddress(raw) {
		abort(c, errs.Newf(errs.Unauthorized, "invalid %s header", CallerHeader))
		return
	}
	c.Set(callerKey, common.HexToAddress(raw))
	c.Next()
}

func caller(c *gin.Context) common.Address {
	return c.MustGet(callerKey).(common.Address)
}

// statusOf maps an error kind to its HTTP status.
func statusOf(err error) int {
	switch errs.KindOf(err) {
	case errs.Unauthorized:
		return http.StatusUnauthorized
	case errs.Forbidden:
		return http.StatusForbidden
	case errs.InsufficientPayment:
		return http.StatusPaymentRequired
	case errs.NotFound:
		return http.StatusNotFound
	case errs.AlreadyMinted:
		return http.StatusConflict
	case errs.InvalidArgument:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func abort(c *gin.Context, err error) {
	status := statusOf(err)
	body := gin.H{"error": errs.ReasonOf(err), "kind": errs.KindOf(err).String()}
	if status == http.StatusInternalServerError {
		body["error"] = "internal error"
	}
	c.AbortWithStatusJSON(status, body)
}

// fail reports err and logs it when it is not a domain failure.
func (s *Server) fail(c *gin.Context, err error) {
	var de *errs.Error
	if !errors.As(err, &de) {
		s.logger.Error("REST request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	abort(c, err)
}

func addressParam(c *gin.Context, name string) (common.Address, error) {
	return parseAddress(name, c.Param(name))
}

func parseAddress(field, raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, errs.Newf(errs.InvalidArgument, "%s: invalid address %q", field, raw)
	}
	return common.HexToAddress(raw), nil
}

func uintParam(c *gin.Context, name string) (uint64, error) {
	v, err := strconv.ParseUint(c.Param(name), 10, 64)
	if err != nil {
		return 0, errs.Newf(errs.InvalidArgument, "%s: invalid token id %q", name, c.Param(name))
	}
	return v, nil
}

// parseValue reads an attached value; empty means zero.
func parseValue(field, raw string) (*uint256.Int, error) {
	if raw == "" {
		return new(uint256.Int), nil
	}
	v, err := units.ParseAmount(raw)
	if err != nil {
		return nil, errs.Newf(errs.InvalidArgument, "%s: %v", field, err)
	}
	return v, nil
}

func amountBody(v *uint256.Int) gin.H {
	return gin.H{"wei": v.Dec(), "ether": units.FormatEther(v)}
}

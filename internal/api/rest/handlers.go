package rest

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/iggydv12/maison/internal/errs"
	"github.com/iggydv12/maison/internal/journal"
)

type brandRequest struct {
	Address string `json:"address" binding:"required"`
	Name    string `json:"name"`
}

type clientRequest struct {
	Address string `json:"address" binding:"required"`
}

type listingRequest struct {
	TokenContract string  `json:"tokenContract" binding:"required"`
	TokenID       *uint64 `json:"tokenId" binding:"required"`
	Price         string  `json:"price" binding:"required"`
	Description   string  `json:"description"`
	Value         string  `json:"value"`
}

type valueRequest struct {
	Value string `json:"value"`
}

type transferRequest struct {
	To string `json:"to" binding:"required"`
}

func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		abort(c, errs.New(errs.InvalidArgument, err.Error()))
		return false
	}
	return true
}

// bindOptional accepts an empty body.
func bindOptional(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil && !errors.Is(err, io.EOF) {
		abort(c, errs.New(errs.InvalidArgument, err.Error()))
		return false
	}
	return true
}

func (s *Server) health(c *gin.Context) {
	status := "ok"
	if s.deps.Status != nil {
		status = s.deps.Status()
	}
	code := http.StatusOK
	if s.deps.Serving != nil && !s.deps.Serving() {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status, "seq": s.deps.Host.Seq()})
}

// --- Marketplace handlers ---

// @Summary Register a brand
// @Tags marketplace
// @Accept json
// @Produce json
// @Param X-Caller-Address header string true "Caller address"
// @Param brand body brandRequest true "Brand"
// @Success 200 {object} ledger.RoleEntry
// @Router /v1/marketplace/brands [post]
func (s *Server) registerBrand(c *gin.Context) {
	var req brandRequest
	if !bind(c, &req) {
		return
	}
	addr, err := parseAddress("address", req.Address)
	if err != nil {
		abort(c, err)
		return
	}
	if err := s.deps.Marketplace.RegisterBrand(caller(c), addr, req.Name); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Marketplace.Brand(addr))
}

func (s *Server) getBrand(c *gin.Context) {
	addr, err := addressParam(c, "address")
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Marketplace.Brand(addr))
}

// @Summary Register a client
// @Tags marketplace
// @Accept json
// @Produce json
// @Param X-Caller-Address header string true "Caller address"
// @Param client body clientRequest true "Client"
// @Success 200 {object} ledger.RoleEntry
// @Router /v1/marketplace/clients [post]
func (s *Server) registerClient(c *gin.Context) {
	var req clientRequest
	if !bind(c, &req) {
		return
	}
	addr, err := parseAddress("address", req.Address)
	if err != nil {
		abort(c, err)
		return
	}
	if err := s.deps.Marketplace.RegisterClient(caller(c), addr); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Marketplace.Client(addr))
}

func (s *Server) getClient(c *gin.Context) {
	addr, err := addressParam(c, "address")
	if err != nil {
		abort(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Marketplace.Client(addr))
}

// @Summary Create a listing
// @Tags marketplace
// @Accept json
// @Produce json
// @Param X-Caller-Address header string true "Caller address"
// @Param listing body listingRequest true "Listing and attached fee"
// @Success 200 {object} ledger.Listing
// @Failure 402 {object} map[string]string
// @Router /v1/marketplace/listings [post]
func (s *Server) createListing(c *gin.Context) {
	var req listingRequest
	if !bind(c, &req) {
		return
	}
	contract, err := parseAddress("tokenContract", req.TokenContract)
	if err != nil {
		abort(c, err)
		return
	}
	price, err := parseValue("price", req.Price)
	if err != nil {
		abort(c, err)
		return
	}
	value, err := parseValue("value", req.Value)
	if err != nil {
		abort(c, err)
		return
	}
	l, err := s.deps.Marketplace.CreateListing(caller(c), value, contract, *req.TokenID, price, req.Description)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (s *Server) listListings(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"listings": s.deps.Marketplace.Listings()})
}

func (s *Server) getListing(c *gin.Context) {
	seller, err := addressParam(c, "seller")
	if err != nil {
		abort(c, err)
		return
	}
	id, err := uintParam(c, "tokenId")
	if err != nil {
		abort(c, err)
		return
	}
	d, err := s.deps.Marketplace.ListingDetails(seller, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// @Summary Buy a listing
// @Tags marketplace
// @Accept json
// @Produce json
// @Param X-Caller-Address header string true "Caller address"
// @Param seller path string true "Seller address"
// @Param tokenId path int true "Token id"
// @Param payment body valueRequest true "Attached payment"
// @Success 200 {object} ledger.Listing
// @Router /v1/marketplace/listings/{seller}/{tokenId}/buy [post]
func (s *Server) buyListing(c *gin.Context) {
	seller, err := addressParam(c, "seller")
	if err != nil {
		abort(c, err)
		return
	}
	id, err := uintParam(c, "tokenId")
	if err != nil {
		abort(c, err)
		return
	}
	var req valueRequest
	if !bindOptional(c, &req) {
		return
	}
	value, err := parseValue("value", req.Value)
	if err != nil {
		abort(c, err)
		return
	}
	l, err := s.deps.Marketplace.BuyListing(caller(c), value, seller, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, l)
}

func (s *Server) getSold(c *gin.Context) {
	buyer, err := addressParam(c, "buyer")
	if err != nil {
		abort(c, err)
		return
	}
	id, err := uintParam(c, "tokenId")
	if err != nil {
		abort(c, err)
		return
	}
	l, ok := s.deps.Marketplace.SoldListing(buyer, id)
	if !ok {
		abort(c, errs.New(errs.NotFound, "sold listing does not exist"))
		return
	}
	c.JSON(http.StatusOK, l)
}

func (s *Server) marketplaceBalance(c *gin.Context) {
	bal, err := s.deps.Marketplace.ContractBalance(caller(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, amountBody(bal))
}

func (s *Server) marketplaceWithdraw(c *gin.Context) {
	amount, err := s.deps.Marketplace.Withdraw(caller(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, amountBody(amount))
}

// --- Issuer handlers ---

// @Summary Mint a token
// @Tags issuer
// @Accept json
// @Produce json
// @Param X-Caller-Address header string true "Caller address"
// @Param payment body valueRequest true "Attached mint fee"
// @Success 200 {object} issuer.Token
// @Failure 409 {object} map[string]string
// @Router /v1/issuer/mint [post]
func (s *Server) mint(c *gin.Context) {
	var req valueRequest
	if !bindOptional(c, &req) {
		return
	}
	value, err := parseValue("value", req.Value)
	if err != nil {
		abort(c, err)
		return
	}
	tok, err := s.deps.Issuer.MintToken(caller(c), value)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}

func (s *Server) getToken(c *gin.Context) {
	id, err := uintParam(c, "id")
	if err != nil {
		abort(c, err)
		return
	}
	tok, err := s.deps.Issuer.Token(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}

func (s *Server) getTokenURI(c *gin.Context) {
	id, err := uintParam(c, "id")
	if err != nil {
		abort(c, err)
		return
	}
	uri, err := s.deps.Issuer.TokenURI(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"uri": uri})
}

func (s *Server) transferToken(c *gin.Context) {
	id, err := uintParam(c, "id")
	if err != nil {
		abort(c, err)
		return
	}
	var req transferRequest
	if !bind(c, &req) {
		return
	}
	to, err := parseAddress("to", req.To)
	if err != nil {
		abort(c, err)
		return
	}
	if err := s.deps.Issuer.Transfer(caller(c), to, id); err != nil {
		s.fail(c, err)
		return
	}
	tok, err := s.deps.Issuer.Token(id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}

func (s *Server) issuerBalance(c *gin.Context) {
	bal, err := s.deps.Issuer.ContractBalance(caller(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, amountBody(bal))
}

func (s *Server) issuerWithdraw(c *gin.Context) {
	amount, err := s.deps.Issuer.Withdraw(caller(c))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, amountBody(amount))
}

// --- Host and journal ---

func (s *Server) getAccount(c *gin.Context) {
	addr, err := addressParam(c, "address")
	if err != nil {
		abort(c, err)
		return
	}
	body := amountBody(s.deps.Host.BalanceOf(addr))
	body["address"] = addr
	c.JSON(http.StatusOK, body)
}

// @Summary List journaled notifications
// @Tags events
// @Produce json
// @Param type query string false "Event type"
// @Param after query int false "Only events after this sequence number"
// @Param limit query int false "Maximum number of events"
// @Success 200 {array} journal.Notification
// @Router /v1/events [get]
func (s *Server) listEvents(c *gin.Context) {
	if s.deps.Journal == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "journal disabled"})
		return
	}
	f := journal.Filter{Type: c.Query("type")}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			abort(c, errs.Newf(errs.InvalidArgument, "limit: invalid value %q", raw))
			return
		}
		f.Limit = n
	}
	if raw := c.Query("after"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			abort(c, errs.Newf(errs.InvalidArgument, "after: invalid value %q", raw))
			return
		}
		f.AfterSeq = n
	}
	events, err := s.deps.Journal.List(c.Request.Context(), f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

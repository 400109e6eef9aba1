// Package api exposes the marketplace engine over HTTP. Caller identities
// arrive in request bodies as hex addresses; authentication of those
// identities is the deployment's concern (the engine sits behind the
// platform gateway), authorization is the engine's.
package api

import (
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/uniqx/market-engine/internal/market"
)

// Server wires the engine to gin handlers.
type Server struct {
	engine *market.Engine
	log    *zap.Logger
}

// NewServer creates the HTTP layer over the engine.
func NewServer(engine *market.Engine, log *zap.Logger) *Server {
	return &Server{engine: engine, log: log}
}

// Router builds the gin router with all marketplace routes. Extra middleware
// applies to the /api/v1 group only; health and metrics stay unthrottled.
func (s *Server) Router(middleware ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1", middleware...)
	{
		v1.POST("/collections", s.registerCollection)
		v1.GET("/collections/:collection", s.collectionStatus)
		v1.PUT("/collections/:collection/orders-enabled", s.setOrdersEnabled)
		v1.PUT("/orders-enabled", s.setOrdersEnabledGlobally)

		v1.POST("/collections/:collection/orders", s.createOrders)
		v1.POST("/collections/:collection/orders/cancel", s.cancelOrders)
		v1.GET("/collections/:collection/orders/:asset", s.getOrder)

		v1.POST("/collections/:collection/buy", s.buy)
		v1.POST("/collections/:collection/bids", s.placeBids)
		v1.POST("/collections/:collection/finalize", s.finalize)
	}
	return r
}

type eventsResponse struct {
	Events []market.Event `json:"events"`
}

// ---------------------------------------------------------------------------
// Administration

type registerCollectionRequest struct {
	Caller     string `json:"caller" binding:"required"`
	Collection string `json:"collection" binding:"required"`
}

func (s *Server) registerCollection(c *gin.Context) {
	var req registerCollectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	collection, err := parseAddress("collection", req.Collection)
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}

	ev, err := s.engine.RegisterCollection(c.Request.Context(), caller, collection)
	if err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusCreated, eventsResponse{Events: []market.Event{ev}})
}

func (s *Server) collectionStatus(c *gin.Context) {
	collection, err := parseAddress("collection", c.Param("collection"))
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, s.engine.GetCollectionStatus(collection))
}

type toggleRequest struct {
	Caller  string `json:"caller" binding:"required"`
	Enabled *bool  `json:"enabled" binding:"required"`
}

func (s *Server) setOrdersEnabled(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	collection, err := parseAddress("collection", c.Param("collection"))
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}

	ev, err := s.engine.SetOrdersEnabled(c.Request.Context(), caller, collection, *req.Enabled)
	if err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, eventsResponse{Events: []market.Event{ev}})
}

func (s *Server) setOrdersEnabledGlobally(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}

	ev, err := s.engine.SetOrdersEnabledGlobally(c.Request.Context(), caller, *req.Enabled)
	if err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, eventsResponse{Events: []market.Event{ev}})
}

// ---------------------------------------------------------------------------
// Listing

// createOrdersRequest mirrors the wire shape of the original market API:
// parallel arrays per asset, auction fields present only for auctions.
type createOrdersRequest struct {
	Seller      string   `json:"seller" binding:"required"`
	Format      string   `json:"format" binding:"required"`
	AssetIDs    []string `json:"asset_ids" binding:"required"`
	BuyPrices   []string `json:"buy_prices" binding:"required"`
	StartPrices []string `json:"start_prices"`
	EndTimes    []int64  `json:"end_times"`
}

func (s *Server) createOrders(c *gin.Context) {
	var req createOrdersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	seller, err := parseAddress("seller", req.Seller)
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	collection, err := parseAddress("collection", c.Param("collection"))
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}

	format := market.OrderFormat(req.Format)
	if len(req.BuyPrices) != len(req.AssetIDs) {
		writeBadRequest(c, "asset_ids and buy_prices length mismatch")
		return
	}
	auction := format == market.FormatAuction
	if auction && (len(req.StartPrices) != len(req.AssetIDs) || len(req.EndTimes) != len(req.AssetIDs)) {
		writeBadRequest(c, "start_prices and end_times must match asset_ids for auctions")
		return
	}

	listings := make([]market.Listing, len(req.AssetIDs))
	for i := range req.AssetIDs {
		assetID, err := parseBig("asset_ids", req.AssetIDs[i])
		if err != nil {
			writeBadRequest(c, err.Error())
			return
		}
		buyPrice, err := parseBig("buy_prices", req.BuyPrices[i])
		if err != nil {
			writeBadRequest(c, err.Error())
			return
		}
		listings[i] = market.Listing{AssetID: assetID, BuyPrice: buyPrice}
		if auction {
			startPrice, err := parseBig("start_prices", req.StartPrices[i])
			if err != nil {
				writeBadRequest(c, err.Error())
				return
			}
			listings[i].StartPrice = startPrice
			listings[i].EndTime = time.Unix(req.EndTimes[i], 0)
		}
	}

	ev, err := s.engine.CreateOrders(c.Request.Context(), seller, collection, format, listings)
	if err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusCreated, eventsResponse{Events: []market.Event{ev}})
}

type cancelOrdersRequest struct {
	Caller   string   `json:"caller" binding:"required"`
	AssetIDs []string `json:"asset_ids" binding:"required"`
}

func (s *Server) cancelOrders(c *gin.Context) {
	var req cancelOrdersRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	caller, err := parseAddress("caller", req.Caller)
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	collection, err := parseAddress("collection", c.Param("collection"))
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	assetIDs, err := parseBigs("asset_ids", req.AssetIDs)
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}

	ev, err := s.engine.CancelOrders(c.Request.Context(), caller, collection, assetIDs)
	if err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, eventsResponse{Events: []market.Event{ev}})
}

func (s *Server) getOrder(c *gin.Context) {
	collection, err := parseAddress("collection", c.Param("collection"))
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	assetID, err := parseBig("asset", c.Param("asset"))
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	order, ok := s.engine.GetOrder(collection, assetID)
	if !ok {
		writeProblem(c, &market.Error{Code: market.CodeNotFound, Op: "api.GetOrder", Message: "no live order"})
		return
	}
	c.JSON(http.StatusOK, order)
}

// ---------------------------------------------------------------------------
// Settlement

type buyRequest struct {
	Payer    string   `json:"payer" binding:"required"`
	AssetIDs []string `json:"asset_ids" binding:"required"`
	Paid     string   `json:"paid" binding:"required"`
}

func (s *Server) buy(c *gin.Context) {
	var req buyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	payer, err := parseAddress("payer", req.Payer)
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	collection, err := parseAddress("collection", c.Param("collection"))
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	assetIDs, err := parseBigs("asset_ids", req.AssetIDs)
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	paid, err := parseBig("paid", req.Paid)
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}

	ev, err := s.engine.BuyMany(c.Request.Context(), payer, collection, assetIDs, paid)
	if err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, eventsResponse{Events: []market.Event{ev}})
}

type placeBidsRequest struct {
	Bidder   string   `json:"bidder" binding:"required"`
	AssetIDs []string `json:"asset_ids" binding:"required"`
	Amounts  []string `json:"amounts" binding:"required"`
	Paid     string   `json:"paid" binding:"required"`
}

func (s *Server) placeBids(c *gin.Context) {
	var req placeBidsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	bidder, err := parseAddress("bidder", req.Bidder)
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	collection, err := parseAddress("collection", c.Param("collection"))
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	if len(req.Amounts) != len(req.AssetIDs) {
		writeBadRequest(c, "asset_ids and amounts length mismatch")
		return
	}
	paid, err := parseBig("paid", req.Paid)
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}

	bids := make([]market.Bid, len(req.AssetIDs))
	for i := range req.AssetIDs {
		assetID, err := parseBig("asset_ids", req.AssetIDs[i])
		if err != nil {
			writeBadRequest(c, err.Error())
			return
		}
		amount, err := parseBig("amounts", req.Amounts[i])
		if err != nil {
			writeBadRequest(c, err.Error())
			return
		}
		bids[i] = market.Bid{AssetID: assetID, Amount: amount}
	}

	evs, err := s.engine.PlaceBids(c.Request.Context(), bidder, collection, bids, paid)
	if err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, eventsResponse{Events: evs})
}

type finalizeRequest struct {
	AssetIDs []string `json:"asset_ids" binding:"required"`
}

func (s *Server) finalize(c *gin.Context) {
	var req finalizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	collection, err := parseAddress("collection", c.Param("collection"))
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}
	assetIDs, err := parseBigs("asset_ids", req.AssetIDs)
	if err != nil {
		writeBadRequest(c, err.Error())
		return
	}

	evs, err := s.engine.FinalizeAuctions(c.Request.Context(), collection, assetIDs)
	if err != nil {
		writeProblem(c, err)
		return
	}
	c.JSON(http.StatusOK, eventsResponse{Events: evs})
}

// ---------------------------------------------------------------------------
// Parsing helpers

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, &market.Error{
			Code: market.CodeInvalidArgument, Op: "api.parse",
			Message: field + ": not a valid hex address",
		}
	}
	return common.HexToAddress(s), nil
}

func parseBig(field, s string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok || n.Sign() < 0 {
		return nil, &market.Error{
			Code: market.CodeInvalidArgument, Op: "api.parse",
			Message: field + ": not a valid non-negative integer",
		}
	}
	return n, nil
}

func parseBigs(field string, ss []string) ([]*big.Int, error) {
	out := make([]*big.Int, len(ss))
	for i, s := range ss {
		n, err := parseBig(field, s)
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

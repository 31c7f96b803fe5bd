package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	app_service "crypto-live-feed/internal/application/service"
	"crypto-live-feed/internal/domain/entity"
	"crypto-live-feed/internal/infrastructure/blockchain"
	"crypto-live-feed/internal/infrastructure/broadcast"
	"crypto-live-feed/internal/infrastructure/config"
	"crypto-live-feed/internal/infrastructure/logger"
	"crypto-live-feed/internal/infrastructure/metrics"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// SnapshotQuerier serves the stored transactions
type SnapshotQuerier interface {
	Latest(ctx context.Context, network entity.Network, page, limit int) (*entity.TransactionPage, error)
	Block(ctx context.Context, network entity.Network, block int64) ([]*entity.TransactionRecord, error)
}

// WalletQuerier serves the address graph
type WalletQuerier interface {
	Wallet(ctx context.Context, network entity.Network, address string) (*entity.Wallet, error)
	Connections(ctx context.Context, network entity.Network, address string, limit int) ([]*entity.WalletConnection, error)
}

// StatusReporter is a per-network scheduler as seen by the health endpoint
type StatusReporter interface {
	Status() app_service.SchedulerStatus
}

// Deps are the collaborators of the HTTP surface. Wallets may be nil.
type Deps struct {
	Hub        *broadcast.Hub
	Snapshots  SnapshotQuerier
	Wallets    WalletQuerier
	Schedulers []StatusReporter
	Metrics    *metrics.Metrics
	Broadcast  config.BroadcastConfig
	Logger     *logger.Logger
}

type handlers struct {
	Deps
	logger *logger.Logger
}

// NewRouter registers every endpoint
func NewRouter(deps Deps) *mux.Router {
	h := &handlers{Deps: deps, logger: deps.Logger.WithComponent("http")}

	router := mux.NewRouter()
	router.Use(corsMiddleware)

	router.Handle("/api/transactions/stream",
		broadcast.NewSSEHandler(deps.Hub, entity.TopicTransactions, deps.Broadcast.SubscriberBuffer, deps.Broadcast.KeepaliveInterval, deps.Logger),
	).Methods(http.MethodGet)
	router.Handle("/api/stats/stream",
		broadcast.NewSSEHandler(deps.Hub, entity.TopicStats, deps.Broadcast.SubscriberBuffer, deps.Broadcast.KeepaliveInterval, deps.Logger),
	).Methods(http.MethodGet)

	router.HandleFunc("/api/transactions/latest", h.handleLatest).Methods(http.MethodGet)
	router.HandleFunc("/api/block/{network}/{number}", h.handleBlock).Methods(http.MethodGet)
	router.HandleFunc("/api/wallet/{network}/{address}", h.handleWallet).Methods(http.MethodGet)
	router.HandleFunc("/api/wallet/{network}/{address}/connections", h.handleConnections).Methods(http.MethodGet)
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", deps.Metrics.Handler()).Methods(http.MethodGet)

	return router
}

func (h *handlers) handleLatest(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	var network entity.Network
	if raw := query.Get("network"); raw != "" && raw != "all" {
		parsed, err := entity.ParseNetwork(raw)
		if err != nil {
			respondError(w, err.Error(), http.StatusBadRequest)
			return
		}
		network = parsed
	}

	page := intParam(query.Get("page"))
	limit := intParam(query.Get("limit"))

	result, err := h.Snapshots.Latest(r.Context(), network, page, limit)
	if err != nil {
		h.logger.Error("Failed to query latest transactions", zap.Error(err))
		respondError(w, "failed to query transactions", http.StatusInternalServerError)
		return
	}
	respondJSON(w, result)
}

func (h *handlers) handleBlock(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	network, err := entity.ParseNetwork(vars["network"])
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	block, err := strconv.ParseInt(vars["number"], 10, 64)
	if err != nil || block < 0 {
		respondError(w, "invalid block number", http.StatusBadRequest)
		return
	}

	records, err := h.Snapshots.Block(r.Context(), network, block)
	if err != nil {
		h.logger.Error("Failed to query block",
			zap.String("network", network.String()),
			zap.Int64("block", block),
			zap.Error(err))
		respondError(w, "failed to query block", http.StatusInternalServerError)
		return
	}

	respondJSON(w, map[string]interface{}{
		"network":      network,
		"blockNumber":  block,
		"transactions": records,
	})
}

func (h *handlers) handleWallet(w http.ResponseWriter, r *http.Request) {
	network, address, ok := h.walletParams(w, r)
	if !ok {
		return
	}

	wallet, err := h.Wallets.Wallet(r.Context(), network, address)
	if err != nil {
		h.respondWalletError(w, network, address, err)
		return
	}
	connections, err := h.Wallets.Connections(r.Context(), network, address, intParam(r.URL.Query().Get("limit")))
	if err != nil {
		h.respondWalletError(w, network, address, err)
		return
	}
	if connections == nil {
		connections = []*entity.WalletConnection{}
	}

	respondJSON(w, map[string]interface{}{
		"network":     network,
		"address":     address,
		"wallet":      wallet,
		"connections": connections,
	})
}

func (h *handlers) handleConnections(w http.ResponseWriter, r *http.Request) {
	network, address, ok := h.walletParams(w, r)
	if !ok {
		return
	}

	connections, err := h.Wallets.Connections(r.Context(), network, address, intParam(r.URL.Query().Get("limit")))
	if err != nil {
		h.respondWalletError(w, network, address, err)
		return
	}
	if connections == nil {
		connections = []*entity.WalletConnection{}
	}

	respondJSON(w, map[string]interface{}{
		"network":     network,
		"address":     address,
		"connections": connections,
	})
}

// walletParams validates the wallet route; on failure the response is already written
func (h *handlers) walletParams(w http.ResponseWriter, r *http.Request) (entity.Network, string, bool) {
	if h.Wallets == nil {
		respondError(w, "address graph is disabled", http.StatusServiceUnavailable)
		return "", "", false
	}

	vars := mux.Vars(r)
	network, err := entity.ParseNetwork(vars["network"])
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return "", "", false
	}
	address := blockchain.NormalizeAddress(network, vars["address"])
	if address == "" {
		respondError(w, "invalid address", http.StatusBadRequest)
		return "", "", false
	}
	return network, address, true
}

func (h *handlers) respondWalletError(w http.ResponseWriter, network entity.Network, address string, err error) {
	if errors.Is(err, entity.ErrNotFound) {
		respondError(w, "wallet not found", http.StatusNotFound)
		return
	}
	h.logger.Error("Failed to query wallet",
		zap.String("network", network.String()),
		zap.String("address", address),
		zap.Error(err))
	respondError(w, "failed to query wallet", http.StatusInternalServerError)
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	networks := make([]app_service.SchedulerStatus, 0, len(h.Schedulers))
	for _, s := range h.Schedulers {
		st := s.Status()
		if st.State == app_service.StateBackoff {
			status = "degraded"
		}
		networks = append(networks, st)
	}

	respondJSON(w, map[string]interface{}{
		"status":   status,
		"networks": networks,
		"subscribers": map[string]int{
			entity.TopicTransactions.String(): h.Hub.Count(entity.TopicTransactions),
			entity.TopicStats.String():        h.Hub.Count(entity.TopicStats),
		},
		"timestamp": time.Now().UTC(),
	})
}

// intParam parses a query integer; anything unparsable is 0 and gets the default
func intParam(raw string) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0
	}
	return n
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
	})
}

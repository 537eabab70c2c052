package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// Status 健康状态
type Status struct {
	Service     string `json:"service"`
	NATS        string `json:"nats"`
	Redis       string `json:"redis"`
	Database    string `json:"database"`
	Connections int    `json:"connections"`
}

// ConnectionCounter 连接计数器接口
type ConnectionCounter interface {
	Count() int
}

// Checker 健康检查器
type Checker struct {
	nc          *nats.Conn
	redisClient *redis.Client
	db          *pgxpool.Pool
	connCounter ConnectionCounter
}

// NewChecker 创建健康检查器
func NewChecker(nc *nats.Conn, redisClient *redis.Client, db *pgxpool.Pool, connCounter ConnectionCounter) *Checker {
	return &Checker{
		nc:          nc,
		redisClient: redisClient,
		db:          db,
		connCounter: connCounter,
	}
}

// Check 执行健康检查
func (h *Checker) Check(ctx context.Context) *Status {
	status := &Status{
		Service: "dm-server",
	}

	if h.nc != nil && h.nc.IsConnected() {
		status.NATS = "connected"
	} else {
		status.NATS = "disconnected"
	}

	if h.redisClient != nil {
		redisCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		if err := h.redisClient.Ping(redisCtx).Err(); err == nil {
			status.Redis = "connected"
		} else {
			status.Redis = "disconnected"
		}
	} else {
		status.Redis = "not configured"
	}

	if h.db != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		if err := h.db.Ping(dbCtx); err == nil {
			status.Database = "connected"
		} else {
			status.Database = "disconnected"
		}
	} else {
		status.Database = "not configured"
	}

	if h.connCounter != nil {
		status.Connections = h.connCounter.Count()
	}

	return status
}

// IsHealthy 核心依赖可用即视为健康
func (h *Checker) IsHealthy(ctx context.Context) bool {
	status := h.Check(ctx)
	return status.NATS == "connected" && status.Database == "connected"
}

// ServeHTTP HTTP 健康检查端点
func (h *Checker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := h.Check(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if status.NATS != "connected" || status.Database != "connected" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	json.NewEncoder(w).Encode(status)
}

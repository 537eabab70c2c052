package server

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"sync"

	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"sudooom.dm/internal/config"
	"sudooom.dm/internal/connection"
	imnats "sudooom.dm/internal/nats"
	"sudooom.dm/internal/presence"
)

// Server WebTransport 接入服务
// 会话生命周期：升级 -> 首帧认证 -> 注册连接与在线状态 ->
// 单双向流上的读循环 -> 断开时清理
type Server struct {
	cfg        *config.Config
	handler    *Handler
	connMgr    *connection.Manager
	registry   presence.Registry
	natsClient *imnats.Client
	logger     *slog.Logger
	wtServer   *webtransport.Server
	wg         sync.WaitGroup
}

// New 创建接入服务
func New(
	cfg *config.Config,
	handler *Handler,
	connMgr *connection.Manager,
	registry presence.Registry,
	natsClient *imnats.Client,
) *Server {
	return &Server{
		cfg:        cfg,
		handler:    handler,
		connMgr:    connMgr,
		registry:   registry,
		natsClient: natsClient,
		logger:     slog.Default(),
	}
}

// Start 启动服务，阻塞直到监听结束
func (s *Server) Start(ctx context.Context) error {
	tlsConfig, err := s.loadTLSConfig()
	if err != nil {
		return err
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:  s.cfg.Server.MaxIdleTimeout,
		KeepAlivePeriod: s.cfg.Server.KeepAlivePeriod,
		EnableDatagrams: true, // WebTransport 需要启用数据报支持
	}

	s.wtServer = &webtransport.Server{
		H3: http3.Server{
			Addr:       s.cfg.Server.Addr,
			TLSConfig:  tlsConfig,
			QUICConfig: quicConfig,
		},
		CheckOrigin: func(r *http.Request) bool {
			// TODO: 生产环境应该检查 Origin
			return true
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webtransport", func(w http.ResponseWriter, r *http.Request) {
		session, err := s.wtServer.Upgrade(w, r)
		if err != nil {
			s.logger.Error("WebTransport upgrade failed", "error", err)
			return
		}
		s.wg.Add(1)
		go s.handleSession(ctx, session)
	})

	s.wtServer.H3.Handler = mux

	// 订阅房间广播总线，事件落到本地房间
	if _, err := imnats.SubscribeRoomEvents(s.natsClient, s.handler.HandleRoomEvent); err != nil {
		return err
	}

	s.logger.Info("WebTransport server starting", "addr", s.cfg.Server.Addr)
	return s.wtServer.ListenAndServe()
}

func (s *Server) handleSession(ctx context.Context, session *webtransport.Session) {
	defer s.wg.Done()

	// 首个 stream 是唯一的通信流，首帧必须是认证请求
	stream, err := session.AcceptStream(ctx)
	if err != nil {
		return
	}

	userID, err := s.handler.Authenticate(ctx, stream)
	if err != nil {
		s.logger.Warn("Auth failed, closing session", "error", err)
		if cerr := session.CloseWithError(4001, "auth failed"); cerr != nil {
			s.logger.Debug("Failed to close session", "error", cerr)
		}
		return
	}

	conn := connection.NewFromWebTransport(session, stream, userID)
	s.connMgr.Add(conn)

	if err := s.registry.Add(ctx, userID); err != nil {
		s.logger.Error("Failed to register online user",
			"userId", userID, "error", err)
	}

	s.logger.Info("Connection authenticated",
		"connId", conn.ID(), "userId", userID)

	defer func() {
		s.connMgr.Remove(conn.ID())
		conn.Close()

		// 同一用户还有其他连接时保持在线状态
		if len(s.connMgr.GetByUserID(userID)) == 0 {
			if err := s.registry.Remove(context.WithoutCancel(ctx), userID); err != nil {
				s.logger.Error("Failed to unregister online user",
					"userId", userID, "error", err)
			}
		}

		s.logger.Info("Connection closed", "connId", conn.ID(), "userId", userID)
	}()

	// 同步读循环，阻塞直到流关闭
	s.handler.HandleStream(ctx, conn, stream)
}

func (s *Server) loadTLSConfig() (*tls.Config, error) {
	if s.cfg.Server.CertFile != "" && s.cfg.Server.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.Server.CertFile, s.cfg.Server.KeyFile)
		if err != nil {
			return nil, err
		}
		s.logger.Info("Loaded TLS certificate",
			"certFile", s.cfg.Server.CertFile, "keyFile", s.cfg.Server.KeyFile)
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{"h3", "webtransport"},
			MinVersion:   tls.VersionTLS13,
		}, nil
	}

	// 开发环境：生成自签名证书
	s.logger.Warn("No TLS certificate configured, using self-signed certificate")
	return generateSelfSignedTLSConfig()
}

// ConnManager 返回连接管理器
func (s *Server) ConnManager() *connection.Manager {
	return s.connMgr
}

// Shutdown 关闭监听并等待所有会话结束
func (s *Server) Shutdown() {
	if s.wtServer != nil {
		s.wtServer.Close()
	}
	s.wg.Wait()
}

package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"

	"github.com/Yarce22/chatlive/internal/config"
	"github.com/Yarce22/chatlive/internal/connection"
	"github.com/Yarce22/chatlive/internal/handler"
	"github.com/Yarce22/chatlive/internal/protocol"
)

// Server 接入层
// 同时监听 WebTransport (QUIC) 和 WebSocket (TCP) 两个入口，
// 两种传输收到的事件走同一个处理器。单个连接的事件在读循环
// 里同步处理，保证到达顺序
type Server struct {
	cfg         *config.Config
	logger      *slog.Logger
	connMgr     *connection.Manager
	handler     *handler.Handler
	wtServer    *webtransport.Server
	wsServer    *http.Server
	idleChecker *connection.IdleChecker
	wg          sync.WaitGroup
}

func New(cfg *config.Config, connMgr *connection.Manager, h *handler.Handler, logger *slog.Logger) *Server {
	return &Server{
		cfg:     cfg,
		logger:  logger,
		connMgr: connMgr,
		handler: h,
	}
}

func (s *Server) Start(ctx context.Context) error {
	tlsConfig, err := s.loadTLSConfig()
	if err != nil {
		return err
	}

	quicConfig := &quic.Config{
		MaxIdleTimeout:        s.cfg.QUIC.MaxIdleTimeout,
		KeepAlivePeriod:       s.cfg.QUIC.KeepAlivePeriod,
		MaxIncomingStreams:    s.cfg.QUIC.MaxIncomingStreams,
		MaxIncomingUniStreams: s.cfg.QUIC.MaxIncomingUniStreams,
		EnableDatagrams:       true, // WebTransport 需要启用数据报支持
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

	wtMux := http.NewServeMux()
	wtMux.HandleFunc("/webtransport", func(w http.ResponseWriter, r *http.Request) {
		session, err := s.wtServer.Upgrade(w, r)
		if err != nil {
			s.logger.Error("WebTransport upgrade failed", "error", err)
			return
		}
		s.wg.Add(1)
		go s.handleWebTransportSession(ctx, session)
	})
	s.wtServer.H3.Handler = wtMux

	wsMux := http.NewServeMux()
	wsMux.HandleFunc("/ws", s.handleWebSocket)
	s.wsServer = &http.Server{
		Addr:    s.cfg.Server.WSAddr,
		Handler: wsMux,
	}

	// 空闲连接检测
	s.idleChecker = connection.NewIdleChecker(
		s.connMgr,
		s.cfg.Server.IdleTimeout,
		s.cfg.Server.IdleCheckInterval,
		s.logger,
		func(conn *connection.Connection) {
			s.handler.HandleDisconnect(conn)
		},
	)
	go s.idleChecker.Start(ctx)

	errCh := make(chan error, 2)
	go func() {
		s.logger.Info("WebTransport server starting", "addr", s.cfg.Server.Addr)
		errCh <- s.wtServer.ListenAndServe()
	}()
	go func() {
		s.logger.Info("WebSocket server starting", "addr", s.cfg.Server.WSAddr)
		errCh <- s.wsServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// handleWebTransportSession 处理 WebTransport 会话
// 客户端在首个双向流上完成所有通信，流关闭即会话结束
func (s *Server) handleWebTransportSession(ctx context.Context, session *webtransport.Session) {
	defer s.wg.Done()

	stream, err := session.AcceptStream(ctx)
	if err != nil {
		s.logger.Debug("Session closed before first stream", "error", err)
		session.CloseWithError(0, "no stream")
		return
	}

	conn := connection.New(connection.NewWebTransportSession(session, stream), s.logger)
	s.connMgr.Add(conn)
	defer s.handler.HandleDisconnect(conn)

	s.logger.Info("WebTransport session established", "conn_id", conn.ID())

	for {
		frameType, body, err := protocol.ReadFrame(stream)
		if err != nil {
			if err != io.EOF {
				s.logger.Debug("Failed to read frame", "conn_id", conn.ID(), "error", err)
			}
			return
		}

		conn.UpdateActive()

		if frameType != protocol.FrameTypeEvent {
			s.logger.Warn("Unexpected frame type", "conn_id", conn.ID(), "frame_type", frameType)
			continue
		}

		s.handler.HandleEvent(conn, body)
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: 生产环境应该检查 Origin
		return true
	},
}

// handleWebSocket 处理 WebSocket 连接
// WebSocket 自带消息边界，消息体直接是事件JSON，不经过帧编码
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", "error", err)
		return
	}

	conn := connection.New(connection.NewWebSocketSession(ws), s.logger)
	s.connMgr.Add(conn)
	defer s.handler.HandleDisconnect(conn)

	s.logger.Info("WebSocket connection established",
		"conn_id", conn.ID(),
		"remote", r.RemoteAddr)

	ws.SetReadLimit(protocol.MaxFrameSize)
	readDeadline := func() time.Time { return time.Now().Add(s.cfg.Server.IdleTimeout) }
	ws.SetReadDeadline(readDeadline())
	ws.SetPongHandler(func(string) error {
		conn.UpdateActive()
		return ws.SetReadDeadline(readDeadline())
	})

	for {
		msgType, body, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("WebSocket read error", "conn_id", conn.ID(), "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}

		conn.UpdateActive()
		ws.SetReadDeadline(readDeadline())
		s.handler.HandleEvent(conn, body)
	}
}

func (s *Server) loadTLSConfig() (*tls.Config, error) {
	if s.cfg.QUIC.CertFile != "" && s.cfg.QUIC.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(s.cfg.QUIC.CertFile, s.cfg.QUIC.KeyFile)
		if err != nil {
			return nil, err
		}
		s.logger.Info("Loaded TLS certificate",
			"cert_file", s.cfg.QUIC.CertFile,
			"key_file", s.cfg.QUIC.KeyFile)
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

func (s *Server) Shutdown() {
	if s.wtServer != nil {
		s.wtServer.Close()
	}
	if s.wsServer != nil {
		s.wsServer.Close()
	}
	s.wg.Wait()
}

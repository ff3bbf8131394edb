package venue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"fundingarb/pkg/utils"
)

// StreamConfig - параметры переподключения WebSocket-потока
type StreamConfig struct {
	InitialDelay   time.Duration // задержка перед первой попыткой переподключения
	MaxDelay       time.Duration // потолок exponential backoff
	MaxRetries     int           // 0 = без лимита
	ConnectTimeout time.Duration
	PingInterval   time.Duration
	WriteTimeout   time.Duration
}

// DefaultStreamConfig - backoff 2s, 4s, 8s, 16s
func DefaultStreamConfig() StreamConfig {
	return StreamConfig{
		InitialDelay:   2 * time.Second,
		MaxDelay:       16 * time.Second,
		MaxRetries:     0,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   20 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Состояния потока
const (
	streamDisconnected int32 = iota
	streamConnecting
	streamConnected
	streamReconnecting
	streamClosed
)

// StreamConn - WebSocket-соединение с автоматическим переподключением.
//
// Поток фандинга best-effort: при разрыве соединение восстанавливается
// с exponential backoff и повторной отправкой подписок, а до восстановления
// источником данных остаётся REST-опрос синхронизатора.
type StreamConn struct {
	name   string // для логов: bybit-public и т.п.
	url    string
	config StreamConfig
	log    *utils.Logger

	conn   *websocket.Conn
	connMu sync.RWMutex

	state      int32 // atomic
	retryCount int32 // atomic

	closeChan chan struct{}
	closeOnce sync.Once

	onMessage func([]byte)
	msgMu     sync.RWMutex

	// Подписки, повторяемые после каждого переподключения
	subs   []interface{}
	subsMu sync.Mutex
}

// NewStreamConn создаёт менеджер потока (без подключения)
func NewStreamConn(name, url string, cfg StreamConfig, log *utils.Logger) *StreamConn {
	return &StreamConn{
		name:      name,
		url:       url,
		config:    cfg,
		log:       log.WithComponent("stream").With(utils.String("stream", name)),
		closeChan: make(chan struct{}),
	}
}

// SetOnMessage устанавливает обработчик входящих сообщений
func (s *StreamConn) SetOnMessage(handler func([]byte)) {
	s.msgMu.Lock()
	s.onMessage = handler
	s.msgMu.Unlock()
}

// Subscribe регистрирует подписку и отправляет её, если поток подключен
func (s *StreamConn) Subscribe(msg interface{}) error {
	s.subsMu.Lock()
	s.subs = append(s.subs, msg)
	s.subsMu.Unlock()

	if atomic.LoadInt32(&s.state) == streamConnected {
		return s.send(msg)
	}
	return nil
}

// Connect устанавливает соединение и запускает read/ping горутины
func (s *StreamConn) Connect() error {
	select {
	case <-s.closeChan:
		return fmt.Errorf("stream %s is closed", s.name)
	default:
	}

	atomic.StoreInt32(&s.state, streamConnecting)
	if err := s.dial(); err != nil {
		atomic.StoreInt32(&s.state, streamDisconnected)
		return err
	}

	atomic.StoreInt32(&s.state, streamConnected)
	atomic.StoreInt32(&s.retryCount, 0)
	go s.readPump()
	go s.pingPump()

	s.log.Info("stream connected", utils.String("url", s.url))
	return nil
}

func (s *StreamConn) dial() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ConnectTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: s.config.ConnectTimeout}
	conn, _, err := dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.url, err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	s.resubscribe()
	return nil
}

func (s *StreamConn) resubscribe() {
	s.subsMu.Lock()
	subs := make([]interface{}, len(s.subs))
	copy(subs, s.subs)
	s.subsMu.Unlock()

	for _, sub := range subs {
		if err := s.send(sub); err != nil {
			s.log.Warn("resubscribe failed", utils.Err(err))
			return
		}
	}
}

func (s *StreamConn) send(msg interface{}) error {
	s.connMu.RLock()
	conn := s.conn
	s.connMu.RUnlock()

	if conn == nil {
		return fmt.Errorf("stream %s: no connection", s.name)
	}
	conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	return conn.WriteJSON(msg)
}

func (s *StreamConn) readPump() {
	for {
		select {
		case <-s.closeChan:
			return
		default:
		}

		s.connMu.RLock()
		conn := s.conn
		s.connMu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			s.handleDisconnect(err)
			return
		}

		s.msgMu.RLock()
		handler := s.onMessage
		s.msgMu.RUnlock()
		if handler != nil {
			handler(message)
		}
	}
}

func (s *StreamConn) pingPump() {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeChan:
			return
		case <-ticker.C:
			if atomic.LoadInt32(&s.state) != streamConnected {
				return
			}

			s.connMu.RLock()
			conn := s.conn
			s.connMu.RUnlock()
			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.handleDisconnect(err)
				return
			}
		}
	}
}

func (s *StreamConn) handleDisconnect(err error) {
	select {
	case <-s.closeChan:
		return
	default:
	}

	// Повторный вход из read/ping пампов одного разрыва
	if !atomic.CompareAndSwapInt32(&s.state, streamConnected, streamReconnecting) {
		return
	}

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connMu.Unlock()

	if err != nil {
		s.log.Warn("stream disconnected", utils.Err(err))
	}

	go s.reconnectLoop()
}

func (s *StreamConn) reconnectLoop() {
	delay := s.config.InitialDelay

	for {
		select {
		case <-s.closeChan:
			return
		default:
		}

		retry := atomic.AddInt32(&s.retryCount, 1)
		if s.config.MaxRetries > 0 && int(retry) > s.config.MaxRetries {
			s.log.Error("reconnect attempts exhausted", utils.Int("attempts", s.config.MaxRetries))
			atomic.StoreInt32(&s.state, streamDisconnected)
			return
		}

		select {
		case <-s.closeChan:
			return
		case <-time.After(delay):
		}

		if err := s.dial(); err != nil {
			s.log.Warn("reconnect failed", utils.Err(err), utils.Int("attempt", int(retry)))
			delay *= 2
			if delay > s.config.MaxDelay {
				delay = s.config.MaxDelay
			}
			continue
		}

		atomic.StoreInt32(&s.state, streamConnected)
		atomic.StoreInt32(&s.retryCount, 0)
		go s.readPump()
		go s.pingPump()

		s.log.Info("stream reconnected")
		return
	}
}

// IsConnected сообщает, установлено ли соединение
func (s *StreamConn) IsConnected() bool {
	return atomic.LoadInt32(&s.state) == streamConnected
}

// Close закрывает поток и останавливает переподключения
func (s *StreamConn) Close() error {
	s.closeOnce.Do(func() { close(s.closeChan) })
	atomic.StoreInt32(&s.state, streamClosed)

	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

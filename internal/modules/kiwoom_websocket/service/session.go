package service

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"surge_bot/internal/models"
	"surge_bot/internal/modules/config"
	"surge_bot/pkg/retry"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Dialer это *websocket.Dialer, в тестах подменяется.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// TokenSource выдаёт токен для LOGIN. Обычно это REST-клиент.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type Options struct {
	URL          string
	LoginTimeout time.Duration
	IdleTimeout  time.Duration
	PongDeadline time.Duration
	Backoff      retry.Backoff
	GroupNo      string
	RealType     string
	Buffer       int
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		URL:          cfg.Kiwoom.WSURL,
		LoginTimeout: cfg.Stream.LoginTimeout,
		IdleTimeout:  cfg.Stream.IdleTimeout,
		PongDeadline: cfg.Stream.PongDeadline,
		Backoff:      retry.Backoff{Min: cfg.Stream.BackoffBase, Max: cfg.Stream.BackoffMax, Factor: 2, Jitter: 0.1},
		GroupNo:      cfg.Stream.GroupNo,
		RealType:     cfg.Stream.RealType,
		Buffer:       cfg.Stream.Buffer,
	}
}

// Session: одна логическая подписка на стрим Kiwoom поверх сменяющихся
// websocket-соединений. Один read loop на соединение, все ожидания по дедлайнам.
type Session struct {
	opt     Options
	dialer  Dialer
	tokens  TokenSource
	log     *zap.Logger
	onState func(connected bool)
	now     func() time.Time

	subs *subscriptions
	out  chan models.Tick

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	// regMu связывает «снимок желаемого + отправка REG» и Subscribe,
	// чтобы код, добавленный во время ресабскрайба, не потерялся.
	regMu sync.Mutex
	live  bool

	// последний доставленный тик по коду, трогает только read loop
	last map[string]models.Tick

	started atomic.Bool
	closing atomic.Bool
	done    chan struct{}
}

func NewSession(opt Options, dialer Dialer, tokens TokenSource, log *zap.Logger) *Session {
	if opt.Buffer <= 0 {
		opt.Buffer = 1024
	}
	if opt.GroupNo == "" {
		opt.GroupNo = "1"
	}
	if opt.RealType == "" {
		opt.RealType = "0B"
	}
	return &Session{
		opt:     opt,
		dialer:  dialer,
		tokens:  tokens,
		log:     log.Named("kiwoom_ws"),
		onState: func(bool) {},
		now:     time.Now,
		subs:    newSubscriptions(),
		out:     make(chan models.Tick, opt.Buffer),
		last:    make(map[string]models.Tick),
		done:    make(chan struct{}),
	}
}

// OnState ставит колбэк на смену состояния соединения (health). Вызывать до Run.
func (s *Session) OnState(fn func(connected bool)) {
	if fn != nil {
		s.onState = fn
	}
}

// Ticks отдаёт бесконечную последовательность тиков по всем подписанным кодам.
// Порядок внутри кода сохраняется, между кодами нет. Закрывается по выходу Run.
func (s *Session) Ticks() <-chan models.Tick { return s.out }

// Connect делает первичный dial и LOGIN. ErrAuth фатален, ErrConnect можно повторить.
func (s *Session) Connect(ctx context.Context) error {
	conn, err := s.dial(ctx)
	if err != nil {
		return err
	}
	s.setConn(conn)
	return nil
}

// Run держит сессию живой до отмены ctx или Close: читает кадры,
// отвечает на PING, переподключается с экспоненциальной задержкой
// без ограничения числа попыток. Возвращает ошибку только на ErrAuth.
func (s *Session) Run(ctx context.Context) error {
	s.started.Store(true)
	defer close(s.done)
	defer close(s.out)

	attempt := 0
	for {
		if ctx.Err() != nil || s.closing.Load() {
			return nil
		}

		conn := s.current()
		if conn == nil {
			if attempt > 0 {
				wait := s.opt.Backoff.Next(attempt)
				s.log.Info("[WS] reconnect scheduled", zap.Int("attempt", attempt), zap.Duration("in", wait))
				if !retry.Sleep(ctx, wait) {
					return nil
				}
			}
			c, err := s.dial(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if errors.Is(err, models.ErrAuth) {
					s.log.Error("[WS] login rejected, giving up", zap.Error(err))
					return err
				}
				attempt++
				s.log.Warn("[WS] connect failed", zap.Error(err), zap.Int("attempt", attempt))
				continue
			}
			s.setConn(c)
			conn = c
		}

		if err := s.resubscribe(conn); err != nil {
			s.log.Warn("[WS] resubscribe failed", zap.Error(err))
			s.dropConn(conn)
			attempt++
			continue
		}

		attempt = 0
		s.onState(true)
		s.log.Info("[WS] session up", zap.Int("codes", len(s.subs.Desired())))

		err := s.readLoop(ctx, conn)

		s.dropConn(conn)
		s.onState(false)
		if ctx.Err() != nil || s.closing.Load() {
			return nil
		}
		s.log.Warn("[WS] disconnected", zap.Error(err))
		attempt++
	}
}

// Subscribe идемпотентен, повторная подписка на код ничего не шлёт.
func (s *Session) Subscribe(codes ...string) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	added := s.subs.Add(codes...)
	if len(added) == 0 || !s.live {
		return nil
	}
	conn := s.current()
	if conn == nil {
		return nil
	}
	return s.writeJSON(conn, newRegRequest(trnmReg, s.opt.GroupNo, s.opt.RealType, added))
}

// Unsubscribe идемпотентен. Тики по снятому коду дальше не доставляются.
func (s *Session) Unsubscribe(codes ...string) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	removed := s.subs.Remove(codes...)
	if len(removed) == 0 || !s.live {
		return nil
	}
	conn := s.current()
	if conn == nil {
		return nil
	}
	return s.writeJSON(conn, newRegRequest(trnmRemove, s.opt.GroupNo, s.opt.RealType, removed))
}

// Subscribed отдаёт текущий желаемый набор.
func (s *Session) Subscribed() []string { return s.subs.Desired() }

// Close снимает подписки (best-effort), шлёт close-кадр и ждёт выхода Run.
func (s *Session) Close(ctx context.Context) error {
	if !s.closing.CompareAndSwap(false, true) {
		return nil
	}

	if conn := s.current(); conn != nil {
		s.regMu.Lock()
		if codes := s.subs.Desired(); s.live && len(codes) > 0 {
			if err := s.writeJSON(conn, newRegRequest(trnmRemove, s.opt.GroupNo, s.opt.RealType, codes)); err != nil {
				s.log.Debug("[WS] unsubscribe on close", zap.Error(err))
			}
		}
		s.regMu.Unlock()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		_ = s.write(conn, websocket.CloseMessage, msg)
		_ = conn.Close()
	}

	if !s.started.Load() {
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := s.tokens.Token(ctx)
	if err != nil {
		if errors.Is(err, models.ErrAuth) {
			return nil, err
		}
		return nil, errors.Wrapf(models.ErrConnect, "token: %v", err)
	}

	dctx, cancel := context.WithTimeout(ctx, s.opt.LoginTimeout)
	defer cancel()

	conn, _, err := s.dialer.DialContext(dctx, s.opt.URL, nil)
	if err != nil {
		return nil, errors.Wrapf(models.ErrConnect, "dial %s: %v", s.opt.URL, err)
	}
	if err := s.login(conn, token); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// login ждёт LOGIN с return_code в пределах LoginTimeout,
// по дороге отвечая на PING.
func (s *Session) login(conn *websocket.Conn, token string) error {
	deadline := s.now().Add(s.opt.LoginTimeout)

	payload, err := sonic.Marshal(loginRequest{Trnm: trnmLogin, Token: token})
	if err != nil {
		return errors.Wrap(err, "login marshal")
	}
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return errors.Wrapf(models.ErrConnect, "send LOGIN: %v", err)
	}

	_ = conn.SetReadDeadline(deadline)
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrapf(models.ErrConnect, "await LOGIN: %v", err)
		}
		f, err := decodeFrame(raw, s.now())
		if err != nil {
			continue
		}
		switch f := f.(type) {
		case pingFrame:
			_ = conn.SetWriteDeadline(s.now().Add(s.opt.PongDeadline))
			if err := conn.WriteMessage(websocket.TextMessage, f.Raw); err != nil {
				return errors.Wrapf(models.ErrConnect, "pong during login: %v", err)
			}
		case loginAck:
			if f.Code != 0 {
				return errors.Wrapf(models.ErrAuth, "LOGIN return_code=%d %s", f.Code, f.Msg)
			}
			return nil
		}
	}
}

// resubscribe регистрирует весь желаемый набор одним REG.
func (s *Session) resubscribe(conn *websocket.Conn) error {
	s.regMu.Lock()
	defer s.regMu.Unlock()

	codes := s.subs.Desired()
	if len(codes) > 0 {
		if err := s.writeJSON(conn, newRegRequest(trnmReg, s.opt.GroupNo, s.opt.RealType, codes)); err != nil {
			return err
		}
	}
	s.live = true
	return nil
}

func (s *Session) readLoop(ctx context.Context, conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_ = conn.SetReadDeadline(s.now().Add(s.opt.IdleTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return errors.Wrapf(models.ErrStreamDisconnected, "read: %v", err)
		}

		f, err := decodeFrame(raw, s.now())
		if err != nil {
			s.log.Debug("[WS] skip frame", zap.Error(err))
			continue
		}

		switch f := f.(type) {
		case pingFrame:
			if err := s.write(conn, websocket.TextMessage, f.Raw); err != nil {
				return errors.Wrapf(models.ErrStreamDisconnected, "pong: %v", err)
			}
		case regAck:
			if f.Code != 0 {
				s.log.Warn("[WS] registration rejected", zap.Int("code", f.Code), zap.String("msg", f.Msg))
			}
		case realFrame:
			for _, t := range f.Ticks {
				if !s.subs.Has(t.Code) || s.duplicate(t) {
					continue
				}
				select {
				case s.out <- t:
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		}
	}
}

// duplicate ловит тики не новее уже доставленного (переигровка после REG).
// Внутри дня накопленный объём монотонен, между днями сравниваем время.
func (s *Session) duplicate(t models.Tick) bool {
	prev, ok := s.last[t.Code]
	if ok && t.Volume <= prev.Volume && !t.At.After(prev.At) {
		return true
	}
	s.last[t.Code] = t
	return false
}

func (s *Session) writeJSON(conn *websocket.Conn, v any) error {
	payload, err := sonic.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "marshal frame")
	}
	return s.write(conn, websocket.TextMessage, payload)
}

func (s *Session) write(conn *websocket.Conn, msgType int, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = conn.SetWriteDeadline(s.now().Add(s.opt.PongDeadline))
	return conn.WriteMessage(msgType, payload)
}

func (s *Session) current() *websocket.Conn {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.conn
}

func (s *Session) setConn(c *websocket.Conn) {
	s.connMu.Lock()
	s.conn = c
	s.connMu.Unlock()
}

func (s *Session) dropConn(c *websocket.Conn) {
	s.regMu.Lock()
	s.live = false
	s.regMu.Unlock()

	s.connMu.Lock()
	if s.conn == c {
		s.conn = nil
	}
	s.connMu.Unlock()
	_ = c.Close()
}

package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptrace"
	"strconv"
	"strings"
	"sync"
	"time"

	"surge_bot/internal/models"
	"surge_bot/internal/modules/config"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	pathToken = "/oauth2/token"
	pathChart = "/api/dostk/chart"
	pathOrder = "/api/dostk/ordr"
	pathAcnt  = "/api/dostk/acnt"
	pathRank  = "/api/dostk/rkinfo"

	contentType = "application/json;charset=UTF-8"
)

// RequestError это транспортная ошибка REST. Sent говорит, успели ли
// мы записать запрос в сокет. От этого зависит, можно ли повторить ордер.
type RequestError struct {
	APIID  string
	Sent   bool
	Status int
	Err    error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("kiwoom %s: sent=%t status=%d: %v", e.APIID, e.Sent, e.Status, e.Err)
}

func (e *RequestError) Unwrap() error { return e.Err }

// Ambiguous верна, когда запрос ушёл, а внятного ответа нет. Это таймаут или
// оборванное тело при 2xx.
func (e *RequestError) Ambiguous() bool {
	return e.Sent && (e.Status == 0 || e.Status/100 == 2)
}

// Client: REST-клиент Kiwoom. Токен выпускается лениво и кешируется до истечения.
type Client struct {
	http      *http.Client
	log       *zap.Logger
	baseURL   string
	appKey    string
	secretKey string

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewClient(cfg *config.Config, log *zap.Logger) *Client {
	return &Client{
		http:      &http.Client{Timeout: cfg.Kiwoom.HTTPTimeout},
		log:       log.Named("kiwoom_rest"),
		baseURL:   strings.TrimRight(cfg.Kiwoom.RestURL, "/"),
		appKey:    cfg.Kiwoom.AppKey,
		secretKey: cfg.Kiwoom.SecretKey,
	}
}

// Token отдаёт действующий токен, при необходимости выпуская новый.
func (c *Client) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	tok, exp, err := c.issueToken(ctx)
	if err != nil {
		return "", err
	}
	c.token, c.tokenExp = tok, exp
	return tok, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

// post это общий путь всех TR. Он сериализует тело через sonic, ставит
// заголовки api-id/authorization, классифицирует транспортные ошибки
// и проверяет return_code.
func (c *Client) post(ctx context.Context, apiID, path string, body any, out any) error {
	token, err := c.Token(ctx)
	if err != nil {
		return err
	}

	payload, err := sonic.Marshal(body)
	if err != nil {
		return errors.Wrapf(err, "%s marshal", apiID)
	}

	raw, err := c.send(ctx, apiID, path, payload, map[string]string{
		"authorization": "Bearer " + token,
		"api-id":        apiID,
		"cont-yn":       "N",
		"next-key":      "",
	})
	if err != nil {
		return err
	}

	// 2xx с битым телом: брокер запрос получил, а результат неизвестен
	var head returnHead
	if err := sonic.Unmarshal(raw, &head); err != nil {
		return &RequestError{APIID: apiID, Sent: true, Status: http.StatusOK, Err: errors.Wrapf(models.ErrNetwork, "decode head: %v", err)}
	}
	if err := sonic.Unmarshal(raw, out); err != nil {
		return &RequestError{APIID: apiID, Sent: true, Status: http.StatusOK, Err: errors.Wrapf(models.ErrNetwork, "decode: %v", err)}
	}
	if head.ReturnCode != 0 {
		return &brokerError{APIID: apiID, Code: head.ReturnCode, Msg: head.ReturnMsg}
	}
	return nil
}

func (c *Client) send(ctx context.Context, apiID, path string, payload []byte, headers map[string]string) ([]byte, error) {
	var (
		wroteMu sync.Mutex
		wrote   bool
	)
	trace := &httptrace.ClientTrace{
		WroteRequest: func(info httptrace.WroteRequestInfo) {
			if info.Err == nil {
				wroteMu.Lock()
				wrote = true
				wroteMu.Unlock()
			}
		},
	}
	sent := func() bool {
		wroteMu.Lock()
		defer wroteMu.Unlock()
		return wrote
	}

	req, err := http.NewRequestWithContext(
		httptrace.WithClientTrace(ctx, trace),
		http.MethodPost,
		c.baseURL+path,
		bytes.NewReader(payload),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "%s new request", apiID)
	}
	req.Header.Set("Content-Type", contentType)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &RequestError{APIID: apiID, Sent: sent(), Err: errors.Wrap(models.ErrNetwork, err.Error())}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &RequestError{APIID: apiID, Sent: true, Status: resp.StatusCode, Err: errors.Wrap(models.ErrNetwork, err.Error())}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		c.invalidateToken()
		return nil, &RequestError{APIID: apiID, Sent: true, Status: resp.StatusCode, Err: errors.Wrap(models.ErrAuth, string(raw))}
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, &RequestError{APIID: apiID, Sent: true, Status: resp.StatusCode, Err: errors.Wrap(models.ErrNetwork, string(raw))}
	case resp.StatusCode/100 != 2:
		return nil, errors.Errorf("%s: http %d: %s", apiID, resp.StatusCode, string(raw))
	}
	return raw, nil
}

// Retryable верна для транспортной ошибки, которую можно повторить для
// идемпотентного чтения.
func Retryable(err error) bool {
	var re *RequestError
	if errors.As(err, &re) {
		return errors.Is(re.Err, models.ErrNetwork)
	}
	return false
}

type returnHead struct {
	ReturnCode int    `json:"return_code"`
	ReturnMsg  string `json:"return_msg"`
}

// brokerError: бизнес-отказ TR (return_code != 0).
type brokerError struct {
	APIID string
	Code  int
	Msg   string
}

func (e *brokerError) Error() string {
	return fmt.Sprintf("kiwoom %s: return_code=%d: %s", e.APIID, e.Code, e.Msg)
}

// parseNum: числа Kiwoom приходят строками со знаком и ведущими нулями
// ("+00070100", "-1.25"). Знак у цен означает направление, берём модуль.
func parseNum(s string) float64 {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "%"))
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func parseAbs(s string) float64 {
	f := parseNum(s)
	if f < 0 {
		return -f
	}
	return f
}

func parseInt(s string) int64 {
	return int64(parseAbs(s))
}

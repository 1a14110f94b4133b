package service

import (
	"strings"
	"time"

	"surge_bot/internal/models"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
)

const (
	trnmLogin  = "LOGIN"
	trnmPing   = "PING"
	trnmReg    = "REG"
	trnmRemove = "REMOVE"
	trnmReal   = "REAL"
)

// поля REAL 0B (주식체결)
const (
	fieldPrice     = "10"
	fieldChangePct = "12"
	fieldVolume    = "13"
	fieldNotional  = "14"
	fieldTime      = "20"
)

var errUnknownFrame = errors.New("unknown frame")

// Frame это разобранный и провалидированный кадр стрима.
type Frame interface{ trnm() string }

type loginAck struct {
	Code int
	Msg  string
}

type pingFrame struct{ Raw []byte } // эхом уходит как есть

type regAck struct {
	Code int
	Msg  string
}

type realFrame struct{ Ticks []models.Tick }

func (loginAck) trnm() string  { return trnmLogin }
func (pingFrame) trnm() string { return trnmPing }
func (regAck) trnm() string    { return trnmReg }
func (realFrame) trnm() string { return trnmReal }

type envelope struct {
	Trnm       string `json:"trnm"`
	ReturnCode *int   `json:"return_code"`
	ReturnMsg  string `json:"return_msg"`
}

type loginRequest struct {
	Trnm  string `json:"trnm"`
	Token string `json:"token"`
}

type regRequest struct {
	Trnm    string    `json:"trnm"`
	GrpNo   string    `json:"grp_no"`
	Refresh string    `json:"refresh"`
	Data    []regItem `json:"data"`
}

type regItem struct {
	Item []string `json:"item"`
	Type []string `json:"type"`
}

type realPayload struct {
	Data []struct {
		Type   string            `json:"type"`
		Name   string            `json:"name"`
		Item   string            `json:"item"`
		Values map[string]string `json:"values"`
	} `json:"data"`
}

func newRegRequest(trnm, group, realType string, codes []string) regRequest {
	return regRequest{
		Trnm:    trnm,
		GrpNo:   group,
		Refresh: "1", // не сбрасывать ранее зарегистрированные
		Data: []regItem{{
			Item: codes,
			Type: []string{realType},
		}},
	}
}

// decodeFrame валидирует кадр на границе, дальше ходят только типизированные записи.
// now нужен для даты тика, в кадре только HHMMSS.
func decodeFrame(raw []byte, now time.Time) (Frame, error) {
	var env envelope
	if err := sonic.Unmarshal(raw, &env); err != nil {
		return nil, errors.Wrap(err, "decode envelope")
	}

	switch env.Trnm {
	case trnmPing:
		return pingFrame{Raw: append([]byte(nil), raw...)}, nil
	case trnmLogin:
		if env.ReturnCode == nil {
			return nil, errors.New("LOGIN without return_code")
		}
		return loginAck{Code: *env.ReturnCode, Msg: env.ReturnMsg}, nil
	case trnmReg, trnmRemove:
		code := 0
		if env.ReturnCode != nil {
			code = *env.ReturnCode
		}
		return regAck{Code: code, Msg: env.ReturnMsg}, nil
	case trnmReal:
		var p realPayload
		if err := sonic.Unmarshal(raw, &p); err != nil {
			return nil, errors.Wrap(err, "decode REAL")
		}
		f := realFrame{Ticks: make([]models.Tick, 0, len(p.Data))}
		for _, d := range p.Data {
			tick, ok := tickFromValues(strings.TrimPrefix(d.Item, "A"), d.Values, now)
			if ok {
				f.Ticks = append(f.Ticks, tick)
			}
		}
		return f, nil
	default:
		return nil, errors.Wrapf(errUnknownFrame, "trnm=%q", env.Trnm)
	}
}

func tickFromValues(code string, v map[string]string, now time.Time) (models.Tick, bool) {
	if code == "" || v == nil {
		return models.Tick{}, false
	}
	price := absNum(v[fieldPrice])
	if price <= 0 {
		return models.Tick{}, false
	}

	at := now
	if hhmmss := v[fieldTime]; len(hhmmss) == 6 {
		if t, err := time.ParseInLocation("150405", hhmmss, now.Location()); err == nil {
			at = time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), t.Second(), 0, now.Location())
		}
	}

	return models.Tick{
		Code:           code,
		Price:          price,
		PriceChangePct: num(v[fieldChangePct]),
		Volume:         int64(absNum(v[fieldVolume])),
		Notional:       int64(absNum(v[fieldNotional])),
		At:             at,
	}, true
}

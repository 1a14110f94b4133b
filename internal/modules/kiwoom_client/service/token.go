package service

import (
	"context"
	"time"

	"surge_bot/internal/models"

	"github.com/bytedance/sonic"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type tokenRequest struct {
	GrantType string `json:"grant_type"`
	AppKey    string `json:"appkey"`
	SecretKey string `json:"secretkey"`
}

type tokenResponse struct {
	returnHead
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresDt string `json:"expires_dt"` // 20060102150405
}

// запас до истечения, чтобы не отправить протухший токен
const tokenSkew = time.Minute

func (c *Client) issueToken(ctx context.Context) (string, time.Time, error) {
	payload, err := sonic.Marshal(tokenRequest{
		GrantType: "client_credentials",
		AppKey:    c.appKey,
		SecretKey: c.secretKey,
	})
	if err != nil {
		return "", time.Time{}, errors.Wrap(err, "token marshal")
	}

	raw, err := c.send(ctx, "au10001", pathToken, payload, nil)
	if err != nil {
		return "", time.Time{}, err
	}

	var resp tokenResponse
	if err := sonic.Unmarshal(raw, &resp); err != nil {
		return "", time.Time{}, errors.Wrap(err, "token decode")
	}
	if resp.ReturnCode != 0 || resp.Token == "" {
		return "", time.Time{}, errors.Wrapf(models.ErrAuth, "token: return_code=%d %s", resp.ReturnCode, resp.ReturnMsg)
	}

	exp := time.Now().Add(12 * time.Hour)
	if t, err := time.ParseInLocation("20060102150405", resp.ExpiresDt, kst); err == nil {
		exp = t
	}
	c.log.Info("[REST] token issued", zap.Time("expires", exp))
	return resp.Token, exp.Add(-tokenSkew), nil
}

package service

import (
	"strings"

	"github.com/pkg/errors"
)

// parseCode принимает шестизначный код бумаги, префикс "A" допускается.
func parseCode(args string) (string, error) {
	code := strings.ToUpper(strings.TrimSpace(args))
	code = strings.TrimPrefix(code, "A")
	if len(code) != 6 {
		return "", errors.New("нужен шестизначный код")
	}
	for _, r := range code {
		if (r < '0' || r > '9') && (r < 'A' || r > 'Z') {
			return "", errors.New("недопустимый символ в коде")
		}
	}
	return code, nil
}

// parseCallback разбирает "CONF::token" / "REJ::token".
func parseCallback(data string) (verb, token string, ok bool) {
	verb, token, found := strings.Cut(data, "::")
	if !found || verb == "" || token == "" {
		return "", "", false
	}
	return verb, token, true
}

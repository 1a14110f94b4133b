package service

import (
	"strconv"
	"strings"
)

func num(s string) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return f
}

func absNum(s string) float64 {
	f := num(s)
	if f < 0 {
		return -f
	}
	return f
}

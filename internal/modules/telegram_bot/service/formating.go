package service

import (
	"fmt"
	"strings"

	"surge_bot/internal/models"

	"github.com/shopspring/decimal"
)

func formatPositions(positions []models.Position, last func(code string) (decimal.Decimal, bool)) string {
	if len(positions) == 0 {
		return "📭 Открытых позиций нет"
	}

	var b strings.Builder
	b.WriteString("📊 Открытые позиции:\n")
	for _, p := range positions {
		fmt.Fprintf(&b, "- %s [%s] qty=%d @ %s since %s",
			p.Code, p.State, p.Qty, p.EntryPrice.String(), p.EntryTime.Format("15:04:05"))
		if live, ok := last(p.Code); ok {
			pnl := p.PnLPct(live).Mul(decimal.NewFromInt(100))
			fmt.Fprintf(&b, " now=%s pnl=%s%%", live.String(), pnl.StringFixed(2))
		}
		b.WriteString("\n")
	}
	return b.String()
}

package app

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/alanyoungcy/spotguard/internal/domain"
)

// writeReport prints lifetime stats and today's aggregate as aligned text.
func writeReport(w io.Writer, s domain.LifetimeStats, today domain.DailyAggregate) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "LIFETIME\t")
	fmt.Fprintf(tw, "trades\t%d (%d won, %d lost)\n", s.TotalTrades, s.Wins, s.Losses)
	fmt.Fprintf(tw, "win rate\t%.2f%%\n", s.WinRate)
	fmt.Fprintf(tw, "net pnl\t%.2f\n", s.TotalPnL)
	fmt.Fprintf(tw, "fees\t%.2f\n", s.TotalFees)
	fmt.Fprintf(tw, "avg win / loss\t%.2f / %.2f\n", s.AvgWin, s.AvgLoss)
	fmt.Fprintf(tw, "profit factor\t%.2f\n", s.ProfitFactor)
	fmt.Fprintf(tw, "largest win / loss\t%.2f / %.2f\n", s.LargestWin, s.LargestLoss)
	fmt.Fprintf(tw, "streak (current, max win, max loss)\t%d, %d, %d\n", s.CurrentStreak, s.MaxWinStreak, s.MaxLossStreak)
	if s.BestDay != "" {
		fmt.Fprintf(tw, "best day\t%s %.2f\n", s.BestDay, s.BestDayPnL)
	}
	if s.WorstDay != "" {
		fmt.Fprintf(tw, "worst day\t%s %.2f\n", s.WorstDay, s.WorstDayPnL)
	}

	fmt.Fprintf(tw, "\nTODAY %s\t\n", today.Date)
	fmt.Fprintf(tw, "trades\t%d (%d won, %d lost)\n", today.TotalTrades, today.Wins, today.Losses)
	fmt.Fprintf(tw, "win rate\t%.2f%%\n", today.WinRate)
	fmt.Fprintf(tw, "realized pnl\t%.2f\n", today.RealizedPnL)
	fmt.Fprintf(tw, "fees\t%.2f\n", today.TotalFees)
}

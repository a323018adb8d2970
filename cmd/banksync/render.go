package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/jask/banksync/internal/database/repository"
	"github.com/jask/banksync/internal/service"
)

const (
	colorGreen   lipgloss.Color = "#a6e3a1"
	colorRed     lipgloss.Color = "#f38ba8"
	colorYellow  lipgloss.Color = "#f9e2af"
	colorOverlay lipgloss.Color = "#6c7086"
	colorText    lipgloss.Color = "#cdd6f4"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorText).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Foreground(colorText).Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorOverlay)
	okStyle     = lipgloss.NewStyle().Foreground(colorGreen).Bold(true)
	errStyle    = lipgloss.NewStyle().Foreground(colorRed).Bold(true)
)

func statusStyle(s repository.ConnectionStatus) lipgloss.Style {
	switch s {
	case repository.ConnectionActive:
		return cellStyle.Foreground(colorGreen)
	case repository.ConnectionError:
		return cellStyle.Foreground(colorRed)
	case repository.ConnectionExpired:
		return cellStyle.Foreground(colorYellow)
	default:
		return cellStyle.Foreground(colorOverlay)
	}
}

func renderConnections(conns []repository.Connection) string {
	if len(conns) == 0 {
		return mutedStyle.Render("no bank connections")
	}
	rows := make([][]string, 0, len(conns))
	statuses := make([]repository.ConnectionStatus, 0, len(conns))
	for _, c := range conns {
		synced := "never"
		if c.LastSyncedAt != nil {
			synced = c.LastSyncedAt.Local().Format("2006-01-02 15:04")
		}
		lastErr := ""
		if c.LastError != nil {
			lastErr = truncate(*c.LastError, 48)
		}
		rows = append(rows, []string{c.ID, c.BankName, string(c.Status), string(c.SyncState), synced, lastErr})
		statuses = append(statuses, c.Status)
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers("ID", "BANK", "STATUS", "STATE", "LAST SYNC", "LAST ERROR").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 2 && row >= 0 && row < len(statuses) {
				return statusStyle(statuses[row])
			}
			return cellStyle
		})
	return t.Render()
}

func renderSyncResult(res service.SyncResult) string {
	var b strings.Builder
	if res.Success {
		b.WriteString(okStyle.Render("✓ " + res.Message))
	} else {
		b.WriteString(errStyle.Render("✗ " + res.Message))
	}
	b.WriteString("\n")
	b.WriteString(mutedStyle.Render(fmt.Sprintf("accounts: %d  new transactions: %d", res.AccountsSynced, res.TransactionsSynced)))
	return b.String()
}

func renderPending(pending []repository.PendingReconciliation) string {
	if len(pending) == 0 {
		return mutedStyle.Render("no pending duplicates")
	}
	rows := make([][]string, 0, len(pending))
	for _, p := range pending {
		rows = append(rows, []string{p.ID, p.TransactionAID, p.TransactionBID, fmt.Sprintf("%.2f", p.Similarity)})
	}
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers("ID", "SYNCED", "MANUAL", "SIMILARITY").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		}).
		Render()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jask/banksync/internal/database/repository"
	"github.com/jask/banksync/internal/service"
)

func TestRenderConnections(t *testing.T) {
	t.Parallel()
	require.Contains(t, renderConnections(nil), "no bank connections")

	synced := time.Date(2026, 10, 1, 9, 30, 0, 0, time.UTC)
	msg := "provider fetch_accounts: http 503: accounts unavailable"
	out := renderConnections([]repository.Connection{
		{ID: "conn-1", BankName: "VBank", Status: repository.ConnectionActive, SyncState: repository.SyncIdle, LastSyncedAt: &synced},
		{ID: "conn-2", BankName: "ABank", Status: repository.ConnectionError, SyncState: repository.SyncIdle, LastError: &msg},
	})
	require.Contains(t, out, "VBank")
	require.Contains(t, out, "conn-2")
	require.Contains(t, out, "never")
	require.Contains(t, out, "LAST ERROR")
}

func TestRenderSyncResult(t *testing.T) {
	t.Parallel()
	out := renderSyncResult(service.SyncResult{Success: true, Message: "Synchronization completed successfully", AccountsSynced: 2, TransactionsSynced: 5})
	require.Contains(t, out, "completed")
	require.Contains(t, out, "new transactions: 5")
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	require.Equal(t, "short", truncate("short", 10))
	require.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

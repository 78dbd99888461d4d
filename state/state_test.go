package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	dir := t.TempDir()
	return NewStore(filepath.Join(dir, "state.json"), filepath.Join(dir, "state.bak.json"))
}

func sampleSnapshot() Snapshot {
	snap := NewSnapshot()
	snap.Position["BTCUSDT"] = decimal.RequireFromString("0.5")
	entry := decimal.RequireFromString("43000.25")
	snap.Entry["BTCUSDT"] = &entry
	snap.Real["BTCUSDT"] = decimal.RequireFromString("12.3")
	snap.Unreal["BTCUSDT"] = decimal.RequireFromString("-1.5")
	snap.HighWater = decimal.RequireFromString("20")
	snap.SymHighWater["BTCUSDT"] = decimal.RequireFromString("15")
	return snap
}

func TestSaveLoadRoundtrip(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(sampleSnapshot()))

	got := store.Load()
	require.True(t, got.Position["BTCUSDT"].Equal(decimal.RequireFromString("0.5")))
	require.NotNil(t, got.Entry["BTCUSDT"])
	require.True(t, got.Entry["BTCUSDT"].Equal(decimal.RequireFromString("43000.25")))
	require.True(t, got.Real["BTCUSDT"].Equal(decimal.RequireFromString("12.3")))
	require.True(t, got.Unreal["BTCUSDT"].Equal(decimal.RequireFromString("-1.5")))
	require.True(t, got.HighWater.Equal(decimal.RequireFromString("20")))
	require.True(t, got.SymHighWater["BTCUSDT"].Equal(decimal.RequireFromString("15")))
}

func TestDecimalsSerializeAsStrings(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Save(sampleSnapshot()))

	data, err := os.ReadFile(store.Path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"0.5"`)
	require.Contains(t, string(data), `"43000.25"`)
	require.Contains(t, string(data), `"high_water":"20"`)
}

func TestCorruptPrimaryFallsBackToBackup(t *testing.T) {
	store := newTestStore(t)

	old := NewSnapshot()
	old.Position["ETHUSDT"] = decimal.RequireFromString("2")
	require.NoError(t, store.Save(old))
	require.NoError(t, store.Save(sampleSnapshot())) // rotates old to backup

	require.NoError(t, os.WriteFile(store.Path, []byte("{not json"), 0o644))

	got := store.Load()
	require.True(t, got.Position["ETHUSDT"].Equal(decimal.RequireFromString("2")))
	_, hasBTC := got.Position["BTCUSDT"]
	require.False(t, hasBTC, "backup predates the BTC position")
}

func TestMissingFilesStartEmpty(t *testing.T) {
	store := newTestStore(t)
	got := store.Load()
	require.NotNil(t, got.Position)
	require.NotNil(t, got.Entry)
	require.NotNil(t, got.SymHighWater)
	require.Empty(t, got.Position)
	require.True(t, got.HighWater.IsZero())
}

func TestSaveRotatesBackup(t *testing.T) {
	store := newTestStore(t)
	first := NewSnapshot()
	first.HighWater = decimal.NewFromInt(1)
	second := NewSnapshot()
	second.HighWater = decimal.NewFromInt(2)

	require.NoError(t, store.Save(first))
	require.NoError(t, store.Save(second))

	primary, err := read(store.Path)
	require.NoError(t, err)
	backup, err := read(store.BackupPath)
	require.NoError(t, err)
	require.True(t, primary.HighWater.Equal(decimal.NewFromInt(2)))
	require.True(t, backup.HighWater.Equal(decimal.NewFromInt(1)))
}

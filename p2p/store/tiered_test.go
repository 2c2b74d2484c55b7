package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tradenet/p2p/payload"
	"tradenet/storage"
)

func tradeStats(t *testing.T, amount int64, date time.Time) *payload.TradeStatistics {
	t.Helper()
	return payload.NewTradeStatistics("EUR", 2_500_000_000, amount, "SEPA", date, "", "", nil)
}

func snapshot(t *testing.T, dir, version string, stats ...*payload.TradeStatistics) {
	t.Helper()
	entries := make(map[ByteArray]*payload.TradeStatistics, len(stats))
	for _, s := range stats {
		entries[KeyOf(s)] = s
	}
	_, err := WriteSnapshot(dir, "TradeStatisticsStore", version, entries)
	require.NoError(t, err)
}

func newTiered(t *testing.T, resourceDir string, versions ...string) *TieredStore[*payload.TradeStatistics] {
	t.Helper()
	live := NewMapStore[*payload.TradeStatistics]("TradeStatisticsStore", nil, nil)
	s := NewTieredStore(live, nil)
	require.NoError(t, s.LoadHistorical(resourceDir, "TradeStatisticsStore", versions))
	return s
}

func TestTieredPutIfAbsentDedupesAcrossTiers(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)
	old := tradeStats(t, 1_000_000, base)
	snapshot(t, dir, "1.2.0", old)

	s := newTiered(t, dir, "1.2.0")

	prev, loaded := s.PutIfAbsent(KeyOf(old), old)
	require.True(t, loaded)
	require.Same(t, s.MapOfAllData()[KeyOf(old)], prev)
	require.Equal(t, 0, s.Live().Len(), "historical replay must not enter the live tier")
	require.False(t, s.Put(KeyOf(old), old))

	fresh := tradeStats(t, 2_000_000, base.Add(time.Hour))
	_, loaded = s.PutIfAbsent(KeyOf(fresh), fresh)
	require.False(t, loaded)

	other := tradeStats(t, 2_000_000, base.Add(time.Hour))
	prev, loaded = s.PutIfAbsent(KeyOf(other), other)
	require.True(t, loaded)
	require.Same(t, fresh, prev)
}

func TestMapSinceVersion(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)
	v100 := tradeStats(t, 100, base)
	v110 := tradeStats(t, 110, base)
	v190 := tradeStats(t, 190, base)
	v1100 := tradeStats(t, 1100, base)
	snapshot(t, dir, "1.0.0", v100)
	snapshot(t, dir, "1.1.0", v110)
	snapshot(t, dir, "1.9.0", v190)
	snapshot(t, dir, "1.10.0", v1100)

	s := newTiered(t, dir, "1.10.0", "1.0.0", "1.9.0", "1.1.0")
	require.Equal(t, []string{"1.0.0", "1.1.0", "1.9.0", "1.10.0"}, s.Versions())

	live := tradeStats(t, 5, base.Add(time.Minute))
	require.True(t, s.Put(KeyOf(live), live))

	tests := []struct {
		name    string
		version string
		want    []*payload.TradeStatistics
	}{
		{name: "no version selects all", version: "", want: []*payload.TradeStatistics{live, v100, v110, v190, v1100}},
		{name: "equal version excluded", version: "1.1.0", want: []*payload.TradeStatistics{live, v190, v1100}},
		{name: "structured ordering", version: "1.9.0", want: []*payload.TradeStatistics{live, v1100}},
		{name: "newest", version: "1.10.0", want: []*payload.TradeStatistics{live}},
		{name: "between snapshots", version: "1.0.5", want: []*payload.TradeStatistics{live, v110, v190, v1100}},
		{name: "older than all", version: "0.9.0", want: []*payload.TradeStatistics{live, v100, v110, v190, v1100}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := s.MapSinceVersion(tc.version)
			require.Len(t, got, len(tc.want))
			for _, p := range tc.want {
				require.Contains(t, got, KeyOf(p))
			}
			for key := range s.MapOfLiveData() {
				require.Contains(t, got, key)
			}
		})
	}
}

func TestLoadHistoricalPrunesLiveDuplicates(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2023, time.January, 1, 0, 0, 0, 0, time.UTC)
	migrated := tradeStats(t, 10, base)
	kept := tradeStats(t, 20, base)

	live := NewMapStore[*payload.TradeStatistics]("TradeStatisticsStore", nil, nil)
	live.Put(KeyOf(migrated), migrated)
	live.Put(KeyOf(kept), kept)
	snapshot(t, dir, "1.5.0", migrated)

	s := NewTieredStore(live, nil)
	require.NoError(t, s.LoadHistorical(dir, "TradeStatisticsStore", []string{"1.5.0"}))
	require.Equal(t, 1, live.Len())
	require.True(t, live.Contains(KeyOf(kept)))
	require.True(t, s.Contains(KeyOf(migrated)))
	require.Equal(t, 2, s.Len())
}

func TestLoadHistoricalMissingResource(t *testing.T) {
	s := newTiered(t, t.TempDir(), "1.0.0")
	require.Empty(t, s.MapOfAllData())
	require.Equal(t, []string{"1.0.0"}, s.Versions())
}

func TestLoadHistoricalRejectsInvalidVersion(t *testing.T) {
	live := NewMapStore[*payload.TradeStatistics]("TradeStatisticsStore", nil, nil)
	s := NewTieredStore(live, nil)
	require.Error(t, s.LoadHistorical(t.TempDir(), "TradeStatisticsStore", []string{"not-a-version"}))
}

func TestMapStorePersistence(t *testing.T) {
	dir := t.TempDir()
	stats := tradeStats(t, 42, time.Date(2023, time.May, 1, 0, 0, 0, 0, time.UTC))

	pm := storage.NewPersistenceManager(dir, "TradeStatisticsStore", storage.SourcePrivate)
	s := NewMapStore[*payload.TradeStatistics]("TradeStatisticsStore", pm, nil)
	require.True(t, s.Put(KeyOf(stats), stats))
	require.NoError(t, pm.PersistNow())
	require.NoError(t, s.Shutdown())

	restored := NewMapStore[*payload.TradeStatistics]("TradeStatisticsStore",
		storage.NewPersistenceManager(dir, "TradeStatisticsStore", storage.SourcePrivate), nil)
	require.NoError(t, restored.ReadPersisted())
	got, ok := restored.Get(KeyOf(stats))
	require.True(t, ok)
	require.True(t, got.Equal(stats))
}

func TestMapStoreCanHandle(t *testing.T) {
	s := NewMapStore[*payload.TradeStatistics]("TradeStatisticsStore", nil, nil)
	vote := payload.NewBlindVotePayload(payload.BlindVote{EncryptedVotes: []byte{1}, TxID: "aa", Stake: 1, EncryptedMeritList: []byte{2}})
	require.False(t, s.CanHandle(vote))
	require.False(t, s.Put(KeyOf(vote), vote))
	require.True(t, s.CanHandle(tradeStats(t, 1, time.Now())))
}

func TestAppendOnlyStoreRoutesByType(t *testing.T) {
	stats := NewTieredStore(NewMapStore[*payload.TradeStatistics]("TradeStatisticsStore", nil, nil), nil)
	votes := NewMapStore[*payload.BlindVotePayload]("BlindVoteStore", nil, nil)
	s := NewAppendOnlyStore(nil, stats, votes)

	vote := payload.NewBlindVotePayload(payload.BlindVote{EncryptedVotes: []byte{1}, TxID: "aa", Stake: 1, EncryptedMeritList: []byte{2}})
	ts := tradeStats(t, 7, time.Date(2023, time.June, 1, 0, 0, 0, 0, time.UTC))
	require.True(t, s.Put(KeyOf(vote), vote))
	require.True(t, s.Put(KeyOf(ts), ts))
	require.False(t, s.Put(KeyOf(ts), ts))

	require.Equal(t, 1, votes.Len())
	require.Equal(t, 1, stats.Live().Len())
	require.Len(t, s.Map(), 2)
	require.Len(t, s.MapForDataRequest(), 2)
	require.True(t, s.Contains(KeyOf(vote)))
}

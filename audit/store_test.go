package audit

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConcurrentAppendsAreAllCommitted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.json")
	store, err := New(path, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := store.Append(Record{ReloadID: string(rune('a' + i)), RecordedAt: time.Now(), ActorRole: "system", Result: ResultSuccess, TrustMode: "warn", ImpactedExtensions: []string{}})
			require.NoError(t, err)
		}(i)
	}
	wg.Wait()

	records := store.List()
	require.Len(t, records, 20)
}

func TestNewLoadsExistingRecords(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.json")
	store, err := New(path, nil)
	require.NoError(t, err)
	require.NoError(t, store.Append(Record{ReloadID: "r1", ActorRole: "system", Result: ResultSuccess, TrustMode: "warn", ImpactedExtensions: []string{}}))
	require.Len(t, store.List(), 1)

	reopened, err := New(path, nil)
	require.NoError(t, err)
	require.Len(t, reopened.List(), 1)
	require.Equal(t, "r1", reopened.List()[0].ReloadID)
}

func TestNewTreatsMalformedFileAsEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	store, err := New(path, nil)
	require.NoError(t, err)
	require.Empty(t, store.List())
}

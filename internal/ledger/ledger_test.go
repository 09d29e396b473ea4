package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommitIdempotentPerDay(t *testing.T) {
	book := NewMemory()
	ctx := context.Background()
	ts := time.Date(2026, 3, 9, 9, 30, 0, 0, time.UTC)

	created, err := book.Commit(ctx, Record{StudentID: "s1", ClassID: "c1", Status: Present, Timestamp: ts})
	require.NoError(t, err)
	assert.True(t, created)

	// A later attempt the same day is accepted but creates nothing.
	created, err = book.Commit(ctx, Record{StudentID: "s1", ClassID: "c1", Status: Late, Timestamp: ts.Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.False(t, created)

	recs, err := book.Query(ctx, "s1", ts.Add(-time.Hour), ts.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, Present, recs[0].Status)

	// A new day gets a new row.
	created, err = book.Commit(ctx, Record{StudentID: "s1", ClassID: "c1", Status: Present, Timestamp: ts.AddDate(0, 0, 1)})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestCommitConcurrent(t *testing.T) {
	book := NewMemory()
	ts := time.Date(2026, 3, 9, 9, 30, 0, 0, time.UTC)

	const attempts = 32
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		createdOnce int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			created, err := book.Commit(context.Background(), Record{
				StudentID: "s1", ClassID: "c1", Status: Present, Timestamp: ts,
			})
			assert.NoError(t, err)
			if created {
				mu.Lock()
				createdOnce++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, createdOnce)
}

func TestHasRecordOn(t *testing.T) {
	book := NewMemory()
	ctx := context.Background()
	ts := time.Date(2026, 3, 9, 9, 30, 0, 0, time.UTC)

	has, err := book.HasRecordOn(ctx, "s1", DateOf(ts))
	require.NoError(t, err)
	assert.False(t, has)

	_, err = book.Commit(ctx, Record{StudentID: "s1", ClassID: "c1", Status: Absent, Timestamp: ts})
	require.NoError(t, err)

	has, err = book.HasRecordOn(ctx, "s1", DateOf(ts))
	require.NoError(t, err)
	assert.True(t, has)
}

func TestQueryByClass(t *testing.T) {
	book := NewMemory()
	ctx := context.Background()
	ts := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)

	for _, rec := range []Record{
		{StudentID: "s1", ClassID: "c1", Status: Present, Timestamp: ts},
		{StudentID: "s2", ClassID: "c1", Status: Late, Timestamp: ts.Add(time.Hour)},
		{StudentID: "s3", ClassID: "c2", Status: Present, Timestamp: ts},
		{StudentID: "s1", ClassID: "c1", Status: Present, Timestamp: ts.AddDate(0, 0, 1)},
	} {
		_, err := book.Commit(ctx, rec)
		require.NoError(t, err)
	}

	recs, err := book.QueryByClass(ctx, "c1", DateOf(ts))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	// Newest first.
	assert.Equal(t, "s2", recs[0].StudentID)
	assert.Equal(t, "s1", recs[1].StudentID)
}

func TestDateOf(t *testing.T) {
	ts := time.Date(2026, 3, 9, 23, 59, 0, 0, time.UTC)
	assert.Equal(t, "2026-03-09", DateOf(ts))
}

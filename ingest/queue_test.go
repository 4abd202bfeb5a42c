package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlockQueueFIFO(t *testing.T) {
	q := NewBlockQueue()
	for n := BlockNumber(100); n <= 102; n++ {
		q.Push(&QueueEntry{ChainID: 1, Number: n})
	}
	require.Equal(t, 3, q.Len(1))

	for n := BlockNumber(100); n <= 102; n++ {
		e := q.Pop(1)
		require.NotNil(t, e)
		require.Equal(t, n, e.Number)
	}
	require.Nil(t, q.Pop(1))
}

func TestBlockQueueRestackGoesToFront(t *testing.T) {
	q := NewBlockQueue()
	q.Push(&QueueEntry{ChainID: 1, Number: 200})
	q.Push(&QueueEntry{ChainID: 1, Number: 201})

	q.Restack(&QueueEntry{ChainID: 1, Number: 199})

	require.Equal(t, BlockNumber(199), q.Pop(1).Number)
	require.Equal(t, BlockNumber(200), q.Pop(1).Number)
	require.Equal(t, BlockNumber(201), q.Pop(1).Number)
}

func TestBlockQueuePushFrontRunPreservesOrder(t *testing.T) {
	q := NewBlockQueue()
	q.Push(&QueueEntry{ChainID: 1, Number: 205})

	gap := []*QueueEntry{
		{ChainID: 1, Number: 202},
		{ChainID: 1, Number: 203},
		{ChainID: 1, Number: 204},
	}
	q.PushFrontRun(1, gap)

	for n := BlockNumber(202); n <= 205; n++ {
		require.Equal(t, n, q.Pop(1).Number)
	}
}

func TestBlockQueuePerChainIsolation(t *testing.T) {
	q := NewBlockQueue()
	q.Push(&QueueEntry{ChainID: 1, Number: 1})
	q.Push(&QueueEntry{ChainID: 2, Number: 500})

	require.Equal(t, 1, q.Len(1))
	require.Equal(t, 1, q.Len(2))
	require.Equal(t, BlockNumber(1), q.Peek(1).Number)
	require.Equal(t, BlockNumber(500), q.Peek(2).Number)
}

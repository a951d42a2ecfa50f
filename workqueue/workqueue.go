// Package workqueue implements the work-item codec and the shared
// work-stealing queue the create engine's work-stealing backend drains.
// Queue is a buffered Go channel shared by every worker goroutine in a
// collective.Group, so any worker can steal any other worker's enqueued
// chunk: items are globally draining. A worker suspends at Dequeue while
// the queue is empty, and at Enqueue only while the buffer is full.
package workqueue

import (
	"bytes"
	"strconv"

	"golang.org/x/xerrors"
)

// OpCopyData is the only operation code the codec currently carries; the
// wire format leaves room for more.
const OpCopyData = 0

// delim separates the codec's numeric fields. It never appears in a
// numeric field's decimal encoding, so only the final, length-prefixed
// operand may legitimately contain it.
const delim = '\x1f'

// MaxItemSize bounds one encoded work item.
const MaxItemSize = 64 << 10

// Item is one copy-work descriptor: copy ChunkSize bytes of SourcePath
// starting at byte ChunkIndex*ChunkSize into the archive's data region
// starting at DataOffset.
type Item struct {
	Op         int
	FileSize   int64
	ChunkIndex int64
	DataOffset int64
	SourcePath string
}

// Encode serializes it into the queue's wire format.
func Encode(it Item) ([]byte, error) {
	var head bytes.Buffer
	for _, n := range []int64{int64(it.Op), it.FileSize, it.ChunkIndex, it.DataOffset, int64(len(it.SourcePath))} {
		head.WriteString(strconv.FormatInt(n, 10))
		head.WriteByte(delim)
	}
	buf := append(head.Bytes(), []byte(it.SourcePath)...)
	if len(buf) > MaxItemSize {
		return nil, xerrors.Errorf("workqueue: encoded item is %d bytes, exceeds max %d", len(buf), MaxItemSize)
	}
	return buf, nil
}

// Decode parses a work item previously produced by Encode. A parse
// failure indicates a corrupt queue and is fatal to the operation;
// callers should not retry, only surface the error.
func Decode(buf []byte) (Item, error) {
	parts := bytes.SplitN(buf, []byte{delim}, 6)
	if len(parts) != 6 {
		return Item{}, xerrors.Errorf("workqueue: malformed item: expected 6 fields, got %d", len(parts))
	}
	nums := make([]int64, 5)
	for i := 0; i < 5; i++ {
		n, err := strconv.ParseInt(string(parts[i]), 10, 64)
		if err != nil {
			return Item{}, xerrors.Errorf("workqueue: malformed item field %d: %w", i, err)
		}
		nums[i] = n
	}
	operandLen := int(nums[4])
	operand := parts[5]
	if operandLen < 0 || operandLen > len(operand) {
		return Item{}, xerrors.Errorf("workqueue: malformed item: operand length %d exceeds remaining %d bytes", operandLen, len(operand))
	}
	return Item{
		Op:         int(nums[0]),
		FileSize:   nums[1],
		ChunkIndex: nums[2],
		DataOffset: nums[3],
		SourcePath: string(operand[:operandLen]),
	}, nil
}

// Queue is a shared work-stealing queue: any goroutine that calls
// Dequeue may receive an item any other goroutine enqueued. Dequeue
// suspends while the queue is empty; Enqueue suspends while it is full.
// Items travel through the channel in
// their wire-encoded form (Encode/Decode), the same codec an
// out-of-process distributed queue would have to use, rather than as
// live Go structs passed by reference.
type Queue struct {
	ch chan []byte
}

// NewQueue returns a Queue buffered to hold capacity items without a
// blocking Enqueue.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan []byte, capacity)}
}

// Enqueue encodes it and adds it to the queue, blocking if it is full.
// An encode failure (an oversized item) is returned immediately rather
// than silently dropped.
func (q *Queue) Enqueue(it Item) error {
	buf, err := Encode(it)
	if err != nil {
		return err
	}
	q.ch <- buf
	return nil
}

// Dequeue blocks until an item is available or the queue has been closed
// and fully drained, in which case ok is false. A malformed item
// received from the channel is a fatal decode error.
func (q *Queue) Dequeue() (it Item, ok bool, err error) {
	buf, ok := <-q.ch
	if !ok {
		return Item{}, false, nil
	}
	it, err = Decode(buf)
	return it, true, err
}

// Close signals that no further items will be enqueued. Workers still
// drain whatever is already queued; Dequeue only starts returning
// ok == false once the queue is both closed and empty.
func (q *Queue) Close() { close(q.ch) }

package ledger

import (
	"bytes"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
)

// Segment is a contiguous slice of one instance's ledger, covering
// sequence numbers After < seq <= Through. Segments are what catch-up
// transfers between peers.
type Segment struct {
	Instance int     `json:"instance"`
	After    int     `json:"after"`
	Through  int     `json:"through"`
	Entries  []Entry `json:"entries"`
}

// pendingAfter returns the entries with seq > lastSeq, checking that the
// segment is internally contiguous and leaves no gap against lastSeq.
func (seg Segment) pendingAfter(lastSeq int) ([]Entry, error) {
	var pending []Entry
	next := lastSeq + 1
	for _, e := range seg.Entries {
		if e.Seq <= lastSeq {
			continue
		}
		if e.Seq != next {
			return nil, fmt.Errorf("%w: instance %d expected seq %d got %d", ErrSeqGap, seg.Instance, next, e.Seq)
		}
		pending = append(pending, e)
		next++
	}
	return pending, nil
}

// SegmentSchema returns the Arrow schema used for segment transfer.
//
// Fields:
//   - instance: int64 - consensus instance the entry belongs to
//   - seq: int64 - committed sequence number
//   - digest: string - request digest
//   - payload: binary (nullable) - opaque request content
func SegmentSchema() *arrow.Schema {
	return arrow.NewSchema(
		[]arrow.Field{
			{Name: "instance", Type: arrow.PrimitiveTypes.Int64},
			{Name: "seq", Type: arrow.PrimitiveTypes.Int64},
			{Name: "digest", Type: arrow.BinaryTypes.String},
			{Name: "payload", Type: arrow.BinaryTypes.Binary, Nullable: true},
		},
		nil,
	)
}

// EncodeSegment serializes a segment to Arrow IPC bytes.
func EncodeSegment(seg Segment) ([]byte, error) {
	if len(seg.Entries) == 0 {
		return nil, ErrEmptySegment
	}

	builder := array.NewRecordBuilder(memory.DefaultAllocator, SegmentSchema())
	defer builder.Release()

	for _, e := range seg.Entries {
		builder.Field(0).(*array.Int64Builder).Append(int64(e.Instance))
		builder.Field(1).(*array.Int64Builder).Append(int64(e.Seq))
		builder.Field(2).(*array.StringBuilder).Append(e.Digest)
		if e.Payload == nil {
			builder.Field(3).(*array.BinaryBuilder).AppendNull()
		} else {
			builder.Field(3).(*array.BinaryBuilder).Append(e.Payload)
		}
	}

	record := builder.NewRecord()
	defer record.Release()

	var buf bytes.Buffer
	writer := ipc.NewWriter(&buf, ipc.WithSchema(record.Schema()))
	if err := writer.Write(record); err != nil {
		return nil, fmt.Errorf("failed to write segment record: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close segment writer: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeSegment deserializes Arrow IPC bytes back into a segment.
func DecodeSegment(data []byte) (Segment, error) {
	reader, err := ipc.NewReader(bytes.NewReader(data))
	if err != nil {
		return Segment{}, fmt.Errorf("failed to create segment reader: %w", err)
	}
	defer reader.Release()

	var seg Segment
	for reader.Next() {
		record := reader.Record()
		instances := record.Column(0).(*array.Int64)
		seqs := record.Column(1).(*array.Int64)
		digests := record.Column(2).(*array.String)
		payloads := record.Column(3).(*array.Binary)

		for i := 0; i < int(record.NumRows()); i++ {
			e := Entry{
				Instance: int(instances.Value(i)),
				Seq:      int(seqs.Value(i)),
				Digest:   digests.Value(i),
			}
			if payloads.IsValid(i) {
				e.Payload = append([]byte(nil), payloads.Value(i)...)
			}
			seg.Entries = append(seg.Entries, e)
		}
	}
	if err := reader.Err(); err != nil {
		return Segment{}, fmt.Errorf("failed to read segment records: %w", err)
	}
	if len(seg.Entries) == 0 {
		return Segment{}, ErrEmptySegment
	}

	seg.Instance = seg.Entries[0].Instance
	seg.After = seg.Entries[0].Seq - 1
	seg.Through = seg.Entries[len(seg.Entries)-1].Seq
	return seg, nil
}

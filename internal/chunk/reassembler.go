// Package chunk reassembles a result payload delivered as indexed fragments.
//
// A Reassembler is owned by a single connection goroutine and is not safe for
// concurrent use.
package chunk

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ChuLiYu/genqueue/pkg/types"
)

// ErrInvalidChunk reports a fragment whose index or total is out of range.
var ErrInvalidChunk = errors.New("invalid chunk")

type buffer struct {
	total     int
	fragments map[int][]byte
	size      int
}

// Reassembler buffers fragments per job until every index 0..total-1 is present.
type Reassembler struct {
	buffers map[types.JobID]*buffer
}

// NewReassembler returns an empty Reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{buffers: make(map[types.JobID]*buffer)}
}

// Ingest stores fragment at index. When the buffer holds exactly total
// fragments it returns them joined in index order and forgets the job.
// Duplicate indexes overwrite the earlier fragment. A different total for a
// live buffer starts the buffer over.
func (r *Reassembler) Ingest(jobID types.JobID, index, total int, fragment []byte) ([]byte, bool, error) {
	if total <= 0 || index < 0 || index >= total {
		return nil, false, fmt.Errorf("%w: job %s index %d total %d", ErrInvalidChunk, jobID, index, total)
	}

	buf, ok := r.buffers[jobID]
	if !ok || buf.total != total {
		buf = &buffer{total: total, fragments: make(map[int][]byte, total)}
		r.buffers[jobID] = buf
	}

	if prev, dup := buf.fragments[index]; dup {
		buf.size -= len(prev)
	}
	buf.fragments[index] = fragment
	buf.size += len(fragment)

	if len(buf.fragments) != buf.total {
		return nil, false, nil
	}

	var joined bytes.Buffer
	joined.Grow(buf.size)
	for i := 0; i < buf.total; i++ {
		joined.Write(buf.fragments[i])
	}
	delete(r.buffers, jobID)
	return joined.Bytes(), true, nil
}

// IngestWhole is the single-message path. Any partial buffer for the job is dropped.
func (r *Reassembler) IngestWhole(jobID types.JobID, payload []byte) []byte {
	delete(r.buffers, jobID)
	return payload
}

// Drop discards a partial buffer.
func (r *Reassembler) Drop(jobID types.JobID) {
	delete(r.buffers, jobID)
}

// Pending returns the number of jobs with an incomplete buffer.
func (r *Reassembler) Pending() int {
	return len(r.buffers)
}

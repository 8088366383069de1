package protocol

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"lp-gateway-go/pkg/logger"
)

// MaxFragmentsPerSet caps a single reconstruction set. Messages needing
// more fragments are split into linked sets whose first and last
// fragments carry the neighbouring set ids.
const MaxFragmentsPerSet = 255

// Fragment flag bits
const (
	fragFlagPrevSet = 1 << 0
	fragFlagNextSet = 1 << 1
)

// Fragment is one piece of a (possibly multi-set) message.
// Wire layout: flags u8 | set_id i32 BE | total u8 | current u8 |
// [prev_set i32 BE] | [next_set i32 BE] | payload.
type Fragment struct {
	SetID   int32
	Total   uint8
	Current uint8 // 1-based position within the set

	HasPrevSet bool
	PrevSetID  int32
	HasNextSet bool
	NextSetID  int32

	Payload []byte
}

const fragmentFixedHeader = 1 + 4 + 1 + 1

// Encode serializes the fragment.
func (f *Fragment) Encode() []byte {
	size := fragmentFixedHeader + len(f.Payload)
	if f.HasPrevSet {
		size += 4
	}
	if f.HasNextSet {
		size += 4
	}
	buf := make([]byte, 0, size)

	var flags uint8
	if f.HasPrevSet {
		flags |= fragFlagPrevSet
	}
	if f.HasNextSet {
		flags |= fragFlagNextSet
	}
	buf = append(buf, flags)
	buf = binary.BigEndian.AppendUint32(buf, uint32(f.SetID))
	buf = append(buf, f.Total, f.Current)
	if f.HasPrevSet {
		buf = binary.BigEndian.AppendUint32(buf, uint32(f.PrevSetID))
	}
	if f.HasNextSet {
		buf = binary.BigEndian.AppendUint32(buf, uint32(f.NextSetID))
	}
	return append(buf, f.Payload...)
}

// DecodeFragment parses one fragment, validating its positional fields.
func DecodeFragment(data []byte) (*Fragment, error) {
	if len(data) < fragmentFixedHeader {
		return nil, errors.Wrapf(ErrMalformedPacket, "fragment is %d bytes, header needs %d", len(data), fragmentFixedHeader)
	}
	flags := data[0]
	f := &Fragment{
		SetID:   int32(binary.BigEndian.Uint32(data[1:5])),
		Total:   data[5],
		Current: data[6],
	}
	rest := data[fragmentFixedHeader:]

	if f.Total == 0 {
		return nil, errors.Wrap(ErrMalformedPacket, "fragment declares zero total fragments")
	}
	if f.Current == 0 || f.Current > f.Total {
		return nil, errors.Wrapf(ErrMalformedPacket, "fragment position %d outside set of %d", f.Current, f.Total)
	}

	if flags&fragFlagPrevSet != 0 {
		if len(rest) < 4 {
			return nil, errors.Wrap(ErrMalformedPacket, "fragment truncated before previous set id")
		}
		f.HasPrevSet = true
		f.PrevSetID = int32(binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
	}
	if flags&fragFlagNextSet != 0 {
		if len(rest) < 4 {
			return nil, errors.Wrap(ErrMalformedPacket, "fragment truncated before next set id")
		}
		f.HasNextSet = true
		f.NextSetID = int32(binary.BigEndian.Uint32(rest[:4]))
		rest = rest[4:]
	}

	// Links are only meaningful at the edges of a full set.
	if f.HasPrevSet && f.Current != 1 {
		return nil, errors.Wrap(ErrMalformedPacket, "previous-set link on a non-first fragment")
	}
	if f.HasNextSet && (f.Current != f.Total || f.Total != MaxFragmentsPerSet) {
		return nil, errors.Wrap(ErrMalformedPacket, "next-set link on a fragment that cannot end a full set")
	}

	f.Payload = make([]byte, len(rest))
	copy(f.Payload, rest)
	return f, nil
}

// reconstructionBuffer accumulates the fragments of a single set in
// order, allowing O(1) insertion and a linear final concatenation.
type reconstructionBuffer struct {
	complete bool

	prevSetID *int32
	nextSetID *int32

	fragments []*Fragment
	missing   int
}

func newReconstructionBuffer(size uint8) *reconstructionBuffer {
	return &reconstructionBuffer{
		fragments: make([]*Fragment, size),
		missing:   int(size),
	}
}

func (b *reconstructionBuffer) insert(f *Fragment, log *logrus.Entry) {
	idx := int(f.Current) - 1
	if existing := b.fragments[idx]; existing != nil {
		// Keep the first-observed bytes; a conflicting duplicate is
		// worth a louder note than a plain retransmit.
		if string(existing.Payload) != string(f.Payload) {
			log.WithFields(logrus.Fields{
				"set_id":   f.SetID,
				"fragment": f.Current,
			}).Warn("duplicate fragment with conflicting content")
		} else {
			log.WithFields(logrus.Fields{
				"set_id":   f.SetID,
				"fragment": f.Current,
			}).Debug("duplicate fragment ignored")
		}
		return
	}

	b.fragments[idx] = f
	b.missing--
	if b.missing > 0 {
		return
	}

	b.complete = true
	if first := b.fragments[0]; first.HasPrevSet {
		prev := first.PrevSetID
		b.prevSetID = &prev
	}
	if len(b.fragments) == MaxFragmentsPerSet {
		if last := b.fragments[MaxFragmentsPerSet-1]; last.HasNextSet {
			next := last.NextSetID
			b.nextSetID = &next
		}
	}
}

func (b *reconstructionBuffer) payload() []byte {
	total := 0
	for _, f := range b.fragments {
		total += len(f.Payload)
	}
	out := make([]byte, 0, total)
	for _, f := range b.fragments {
		out = append(out, f.Payload...)
	}
	return out
}

// ReconstructedMessage is a fully reassembled message together with the
// ordered set ids consumed for it, kept for replay bookkeeping upstream.
type ReconstructedMessage struct {
	Data   []byte
	SetIDs []int32
}

// MessageReconstructor buffers received fragments across sets and
// releases a message only once every set reachable through the
// previous/next links is complete. An incomplete chain never surfaces
// partial data.
type MessageReconstructor struct {
	sets map[int32]*reconstructionBuffer
	log  *logrus.Entry
}

// NewMessageReconstructor creates an empty reconstructor.
func NewMessageReconstructor() *MessageReconstructor {
	return &MessageReconstructor{
		sets: make(map[int32]*reconstructionBuffer),
		log:  logger.L().WithField("component", "reconstruction"),
	}
}

// InsertFragment files a fragment and, if it was the last piece of its
// message, returns the reconstructed message.
func (r *MessageReconstructor) InsertFragment(f *Fragment) (*ReconstructedMessage, error) {
	buf, ok := r.sets[f.SetID]
	if !ok {
		buf = newReconstructionBuffer(f.Total)
		r.sets[f.SetID] = buf
	}
	if int(f.Total) != len(buf.fragments) {
		return nil, errors.Wrapf(ErrMalformedPacket, "fragment declares %d total, set %d expects %d", f.Total, f.SetID, len(buf.fragments))
	}

	buf.insert(f, r.log)
	if !r.messageFullyReceived(f.SetID) {
		return nil, nil
	}
	return r.reconstruct(f.SetID)
}

func (r *MessageReconstructor) setComplete(id int32) bool {
	buf, ok := r.sets[id]
	return ok && buf.complete
}

// messageFullyReceived walks both link directions from the given set.
// Traversal is bounded by a visited map, which also rejects cyclic or
// self-referential link chains a malicious sender could craft.
func (r *MessageReconstructor) messageFullyReceived(id int32) bool {
	if !r.setComplete(id) {
		return false
	}
	visited := map[int32]bool{id: true}

	for cur := r.sets[id]; cur.prevSetID != nil; {
		prev := *cur.prevSetID
		if visited[prev] {
			r.log.WithField("set_id", prev).Warn("cycle in previous-set chain, dropping message")
			return false
		}
		visited[prev] = true
		if !r.setComplete(prev) {
			return false
		}
		cur = r.sets[prev]
	}

	for cur := r.sets[id]; cur.nextSetID != nil; {
		next := *cur.nextSetID
		if visited[next] {
			r.log.WithField("set_id", next).Warn("cycle in next-set chain, dropping message")
			return false
		}
		visited[next] = true
		if !r.setComplete(next) {
			return false
		}
		cur = r.sets[next]
	}

	return true
}

// reconstruct walks back to the head set and concatenates forward,
// consuming every buffer of the chain.
func (r *MessageReconstructor) reconstruct(id int32) (*ReconstructedMessage, error) {
	start := id
	seen := map[int32]bool{start: true}
	for r.sets[start].prevSetID != nil {
		prev := *r.sets[start].prevSetID
		if seen[prev] {
			return nil, errors.Wrap(ErrMalformedPacket, "cycle in fragment set chain")
		}
		seen[prev] = true
		start = prev
	}

	msg := &ReconstructedMessage{}
	cur := start
	for {
		buf := r.sets[cur]
		msg.Data = append(msg.Data, buf.payload()...)
		msg.SetIDs = append(msg.SetIDs, cur)
		delete(r.sets, cur)
		if buf.nextSetID == nil {
			break
		}
		cur = *buf.nextSetID
	}
	return msg, nil
}

// PendingSets reports how many incomplete or unconsumed sets are
// buffered, for resource accounting.
func (r *MessageReconstructor) PendingSets() int {
	return len(r.sets)
}

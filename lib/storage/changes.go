package storage

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/lib/schema"
)

// Checkpoint marks a position in the change log of one key space.
// Checkpoints of one key space are totally ordered by Sequence.
type Checkpoint struct {
	KeySpace string `json:"keySpace"`
	Sequence uint64 `json:"sequence"`
}

// String returns the external token form, "<keySpace>@<sequence>".
func (c Checkpoint) String() string {
	return c.KeySpace + "@" + strconv.FormatUint(c.Sequence, 10)
}

// ParseCheckpoint parses the token returned by Checkpoint.String.
func ParseCheckpoint(token string) (Checkpoint, error) {
	at := strings.LastIndexByte(token, '@')
	if at <= 0 {
		return Checkpoint{}, kv.NewError(kv.RetCInvalidCheckpoint, fmt.Sprintf("malformed checkpoint %q", token))
	}
	seq, err := strconv.ParseUint(token[at+1:], 10, 64)
	if err != nil {
		return Checkpoint{}, kv.NewError(kv.RetCInvalidCheckpoint, fmt.Sprintf("malformed checkpoint sequence in %q", token))
	}
	return Checkpoint{KeySpace: token[:at], Sequence: seq}, nil
}

// ChangedDocuments is a page of the change feed.
type ChangedDocuments struct {
	Documents  []schema.Document `json:"documents"`
	Checkpoint Checkpoint        `json:"checkpoint"`
}

// GetChangedDocumentsSince returns up to limit documents (limit <= 0 means
// all) written after since, in write order. Each document appears once with
// its latest state. The returned checkpoint is the one of the last returned
// document, or since itself if nothing changed. A nil since starts at the
// beginning of the log.
func (i *Instance) GetChangedDocumentsSince(ctx context.Context, limit int, since *Checkpoint) (ChangedDocuments, error) {
	if err := i.ready(); err != nil {
		return ChangedDocuments{}, err
	}
	cp := Checkpoint{KeySpace: i.keySpace}
	if since != nil {
		if since.KeySpace != i.keySpace {
			return ChangedDocuments{}, kv.NewError(kv.RetCInvalidCheckpoint,
				fmt.Sprintf("checkpoint of %q used on %q", since.KeySpace, i.keySpace))
		}
		cp = *since
	}

	out := ChangedDocuments{Documents: []schema.Document{}, Checkpoint: cp}
	if cp.Sequence == math.MaxUint64 {
		return out, nil
	}

	start := i.key(subChanges, sequenceItem(cp.Sequence+1))
	end := i.key(subChanges, sequenceItem(math.MaxUint64))
	opts := kv.RangeOptions{BatchSize: i.settings.BatchSize, Consistency: i.settings.Consistency}
	for e, err := range i.db.Range(ctx, start, end, opts) {
		if err != nil {
			return ChangedDocuments{}, kv.WrapSubstrate(err)
		}
		seq, err := parseSequenceItem(e.Key.Item)
		if err != nil {
			return ChangedDocuments{}, kv.NewError(kv.RetCInternalError, err.Error())
		}
		s, err := i.readStored(ctx, string(e.Value), i.settings.Consistency)
		if err != nil {
			return ChangedDocuments{}, err
		}
		// the document was written again (or purged) after this entry was read
		if !s.exists || s.env.Seq != seq {
			continue
		}
		out.Documents = append(out.Documents, s.env.Doc)
		out.Checkpoint.Sequence = seq
		if limit > 0 && len(out.Documents) >= limit {
			break
		}
	}
	return out, nil
}

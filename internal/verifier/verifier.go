// Package verifier certifies the integrity of an audit chain.
//
// Verification needs only the entries and the hash algorithm. It does not
// consult the store that produced them, so a third party holding an exported
// chain document gets the same answer as the custodian.
package verifier

import (
	"fmt"
	"io"

	"github.com/mbd888/finaiguard/internal/auditchain"
	"github.com/mbd888/finaiguard/internal/metrics"
)

// Result is the outcome of a verification. Validity is all or nothing; on
// failure FirstInvalidIndex points at the first entry that does not check
// out and nothing after it was examined.
type Result struct {
	Valid             bool    `json:"valid"`
	FirstInvalidIndex *uint64 `json:"firstInvalidIndex,omitempty"`
	Reason            string  `json:"reason,omitempty"`
	Checked           uint64  `json:"checked"`
	Algorithm         string  `json:"algorithm"`
	HeadSequence      *uint64 `json:"headSequence,omitempty"`
	HeadHash          string  `json:"headHash,omitempty"`
}

// Verify walks entries from genesis. Each entry must sit at its position,
// link to the previous entry's actual hash, carry the digest of its payload
// and carry the entry hash recomputed from its own fields. An empty chain is
// valid.
func Verify(entries []*auditchain.Entry, h auditchain.Hasher) Result {
	res := verify(entries, h)
	if res.Valid {
		metrics.VerificationsTotal.WithLabelValues("valid").Inc()
	} else {
		metrics.VerificationsTotal.WithLabelValues("invalid").Inc()
	}
	return res
}

func verify(entries []*auditchain.Entry, h auditchain.Hasher) Result {
	res := Result{Algorithm: h.Name(), HeadHash: auditchain.Genesis(h)}
	prev := res.HeadHash

	for i, e := range entries {
		idx := uint64(i)
		fail := func(format string, args ...any) Result {
			return Result{
				Algorithm:         res.Algorithm,
				Checked:           res.Checked,
				FirstInvalidIndex: &idx,
				Reason:            fmt.Sprintf(format, args...),
			}
		}

		if e == nil {
			return fail("entry %d is missing", idx)
		}
		if e.Sequence != idx {
			return fail("entry %d has sequence %d", idx, e.Sequence)
		}
		if e.PrevHash != prev {
			return fail("entry %d previous hash %s does not match %s", idx, e.PrevHash, prev)
		}
		if e.Payload != nil {
			if got := auditchain.ContentHash(h, e.Payload); got != e.ContentHash {
				return fail("entry %d content hash %s does not match payload digest %s", idx, e.ContentHash, got)
			}
		}
		want, err := auditchain.ComputeEntryHash(h, e.Sequence, e.ContentHash, e.PrevHash)
		if err != nil {
			return fail("entry %d: %v", idx, err)
		}
		if want != e.EntryHash {
			return fail("entry %d hash %s does not match recomputed %s", idx, e.EntryHash, want)
		}
		prev = e.EntryHash
		res.Checked++
		res.HeadSequence = &idx
	}

	res.Valid = true
	res.HeadHash = prev
	return res
}

// VerifyDocument decodes a JSONL chain document and verifies it with the
// algorithm named in its header. Only a structurally unreadable document
// returns an error; integrity failures are reported in the Result.
func VerifyDocument(r io.Reader) (Result, error) {
	doc, err := auditchain.DecodeDocument(r)
	if err != nil {
		return Result{}, err
	}
	h, err := auditchain.NewHasher(doc.Header.Algorithm)
	if err != nil {
		return Result{}, err
	}
	if doc.Header.Genesis != auditchain.Genesis(h) {
		return Result{}, fmt.Errorf("%w: genesis %q is not the %s genesis constant",
			auditchain.ErrMalformedDocument, doc.Header.Genesis, h.Name())
	}

	res := verify(doc.Entries, h)
	for i, e := range doc.Entries {
		idx := uint64(i)
		if !res.Valid && idx >= *res.FirstInvalidIndex {
			break
		}
		if e.ChainID != doc.Header.ChainID {
			res = Result{
				Algorithm:         h.Name(),
				Checked:           idx,
				FirstInvalidIndex: &idx,
				Reason:            fmt.Sprintf("entry %d belongs to chain %q, document is for %q", idx, e.ChainID, doc.Header.ChainID),
			}
			break
		}
	}
	if res.Valid {
		metrics.VerificationsTotal.WithLabelValues("valid").Inc()
	} else {
		metrics.VerificationsTotal.WithLabelValues("invalid").Inc()
	}
	return res, nil
}

// Index returns the first invalid index, or -1 for a valid result.
func (r Result) Index() int64 {
	if r.FirstInvalidIndex == nil {
		return -1
	}
	return int64(*r.FirstInvalidIndex) //nolint:gosec // chain lengths fit int64
}

package auditchain

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DocumentFormat identifies the JSONL chain document layout.
const DocumentFormat = "finaiguard-chain/v1"

// maxDocumentLine bounds a single JSONL line when decoding.
const maxDocumentLine = 16 << 20

var ErrMalformedDocument = errors.New("auditchain: malformed chain document")

// DocumentHeader is the first line of a chain document. It carries
// everything a third party needs to recompute the chain: the algorithm and
// the genesis constant.
type DocumentHeader struct {
	Format    string `json:"format"`
	ChainID   string `json:"chainId"`
	Algorithm string `json:"algorithm"`
	Genesis   string `json:"genesis"`
	Length    uint64 `json:"length"`
}

// Document is a self-contained export of a chain prefix.
type Document struct {
	Header  DocumentHeader
	Entries []*Entry
}

// EncodeDocument writes a header line followed by one entry per line.
// HTML escaping is disabled so payload bytes are written exactly as
// committed.
func EncodeDocument(w io.Writer, chainID string, h Hasher, entries []*Entry) error {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)

	header := DocumentHeader{
		Format:    DocumentFormat,
		ChainID:   chainID,
		Algorithm: h.Name(),
		Genesis:   Genesis(h),
		Length:    uint64(len(entries)),
	}
	if err := enc.Encode(header); err != nil {
		return fmt.Errorf("write document header: %w", err)
	}
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("write entry %d: %w", e.Sequence, err)
		}
	}
	return nil
}

// DecodeDocument parses a chain document. It checks structure only;
// integrity is the verifier's job.
func DecodeDocument(r io.Reader) (*Document, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxDocumentLine)

	var doc Document
	line := 0
	for sc.Scan() {
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		line++
		if line == 1 {
			if err := json.Unmarshal(raw, &doc.Header); err != nil {
				return nil, fmt.Errorf("%w: header: %v", ErrMalformedDocument, err)
			}
			if doc.Header.Format != DocumentFormat {
				return nil, fmt.Errorf("%w: unsupported format %q", ErrMalformedDocument, doc.Header.Format)
			}
			continue
		}
		var e Entry
		if err := json.Unmarshal(raw, &e); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrMalformedDocument, line, err)
		}
		doc.Entries = append(doc.Entries, &e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDocument, err)
	}
	if line == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrMalformedDocument)
	}
	if uint64(len(doc.Entries)) != doc.Header.Length {
		return nil, fmt.Errorf("%w: header declares %d entries, found %d",
			ErrMalformedDocument, doc.Header.Length, len(doc.Entries))
	}
	return &doc, nil
}

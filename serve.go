package isg

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/jward/isg/internal/store"
)

// Request is one line of the stdio protocol.
type Request struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Op     string          `json:"op"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response answers one Request. Exactly one of Result and Error is set.
type Response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	OK     bool            `json:"ok"`
	Result any             `json:"result,omitempty"`
	Error  *QueryError     `json:"error,omitempty"`
}

type describeParams struct {
	Key        string        `json:"key"`
	Generation GenerationRef `json:"generation,omitempty"`
}

type diffParams struct {
	From GenerationRef `json:"from"`
	To   GenerationRef `json:"to"`
}

// Ops lists the operations Handle understands.
var Ops = []string{"traverse", "similar", "blast_radius", "describe_node", "diff"}

// Handle decodes and runs one request line.
func (q *Query) Handle(ctx context.Context, line []byte) Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return failure(nil, queryErrorf(KindInvalidRequest, "malformed request: %v", err))
	}
	res, err := q.Do(ctx, req.Op, req.Params)
	if err != nil {
		return failure(req.ID, asQueryError(err))
	}
	return Response{ID: req.ID, OK: true, Result: res}
}

// Do runs op with JSON encoded params.
func (q *Query) Do(ctx context.Context, op string, params json.RawMessage) (any, error) {
	switch op {
	case "traverse":
		var p TraverseRequest
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return q.Traverse(ctx, p)
	case "similar":
		var p SimilarRequest
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return q.Similar(ctx, p)
	case "blast_radius":
		var p BlastRequest
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return q.BlastRadius(ctx, p)
	case "describe_node":
		var p describeParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return q.DescribeNode(ctx, p.Key, p.Generation)
	case "diff":
		var p diffParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		return q.Diff(ctx, p.From, p.To)
	case "":
		return nil, queryErrorf(KindInvalidRequest, "op is required")
	}
	return nil, queryErrorf(KindInvalidRequest, "unknown op %q", op)
}

// Diff returns the delta between two snapshots, e.g. current and proposed.
func (q *Query) Diff(ctx context.Context, from, to GenerationRef) (res any, err error) {
	defer q.observe("diff", time.Now(), &err)
	a, err := q.snapshot(ctx, from)
	if err != nil {
		return nil, err
	}
	b, err := q.snapshot(ctx, to)
	if err != nil {
		return nil, err
	}
	return store.Diff(a, b), nil
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		raw = json.RawMessage("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return queryErrorf(KindInvalidParams, "%v", err)
	}
	return nil
}

func failure(id json.RawMessage, qe *QueryError) Response {
	return Response{ID: id, OK: false, Error: qe}
}

// maxRequestLine bounds one request line. A longer line is answered with an
// invalid_request error and skipped.
const maxRequestLine = 16 << 20

// Serve reads one JSON request per line from r and writes one JSON response
// per line to w until r is exhausted or ctx is done. Blank lines are
// ignored.
func (q *Query) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	return q.serve(ctx, r, w, maxRequestLine)
}

func (q *Query) serve(ctx context.Context, r io.Reader, w io.Writer, limit int) error {
	br := bufio.NewReaderSize(r, 64<<10)
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line, tooLong, rerr := readLine(br, limit)
		if rerr != nil && !errors.Is(rerr, io.EOF) {
			return fmt.Errorf("isg: serve: read: %w", rerr)
		}

		var resp *Response
		switch {
		case tooLong:
			q.e.logger.Warn("request line too long", "limit", limit)
			fail := failure(nil, queryErrorf(KindInvalidRequest, "request line exceeds %d bytes", limit))
			resp = &fail
		case len(line) > 0:
			got := q.Handle(ctx, line)
			resp = &got
		}
		if resp != nil {
			if err := enc.Encode(resp); err != nil {
				return fmt.Errorf("isg: serve: write: %w", err)
			}
			if err := bw.Flush(); err != nil {
				return fmt.Errorf("isg: serve: write: %w", err)
			}
		}
		if rerr != nil {
			return nil
		}
	}
}

// readLine returns the next line without surrounding space. A line longer
// than limit is consumed through its newline and reported as tooLong.
func readLine(br *bufio.Reader, limit int) ([]byte, bool, error) {
	var line []byte
	tooLong := false
	for {
		chunk, err := br.ReadSlice('\n')
		if !tooLong {
			line = append(line, chunk...)
			// Room for a trailing "\r\n".
			if len(line) > limit+2 {
				tooLong, line = true, nil
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if tooLong {
			return nil, true, err
		}
		line = bytes.TrimSpace(line)
		if len(line) > limit {
			return nil, true, err
		}
		return line, false, err
	}
}

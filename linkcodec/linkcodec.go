// Package linkcodec turns route state into a URL-fragment-safe token and
// back, so the whole document can be shared as a link.
//
// Fragment format: "#/<base64>", where <base64> is the standard base64
// encoding of the deflate-compressed UTF-8 JSON of the route state. The
// compression pass runs on the background worker via workerrpc, keeping the
// caller free while large documents are squeezed.
//
// Decode is forgiving by contract: an empty, absent or corrupt fragment
// yields no state (nil) and a log line, never an error — a bad link must not
// crash the app. Context cancellation is the one exception and propagates.
package linkcodec

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/klauspost/compress/flate"

	"github.com/hazyhaar/jsonview/workerrpc"
)

// Worker method names.
const (
	methodCompress   = "compress"
	methodDecompress = "decompress"
)

// FragmentPrefix starts every encoded fragment.
const FragmentPrefix = "#/"

// RouteState is the subset of app state that travels inside a link.
type RouteState struct {
	Text                 string   `json:"text"`
	InitiallyFocusedPath []string `json:"initiallyFocusedPath,omitempty"`
}

// bytesPayload carries raw bytes across the worker boundary
// (encoding/json base64s []byte).
type bytesPayload struct {
	Data []byte `json:"data"`
}

// RegisterHandlers installs the compression methods on w. They run on the
// worker goroutine and share it with the persistence backend; work units are
// short, so one queue is fine.
func RegisterHandlers(w *workerrpc.Worker) {
	w.Handle(methodCompress, func(_ context.Context, payload []byte) ([]byte, error) {
		var req bytesPayload
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode compress request: %w", err)
		}
		var buf bytes.Buffer
		fw, err := flate.NewWriter(&buf, flate.BestCompression)
		if err != nil {
			return nil, err
		}
		if _, err := fw.Write(req.Data); err != nil {
			return nil, err
		}
		if err := fw.Close(); err != nil {
			return nil, err
		}
		return json.Marshal(bytesPayload{Data: buf.Bytes()})
	})

	w.Handle(methodDecompress, func(_ context.Context, payload []byte) ([]byte, error) {
		var req bytesPayload
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("decode decompress request: %w", err)
		}
		fr := flate.NewReader(bytes.NewReader(req.Data))
		defer fr.Close()
		data, err := io.ReadAll(fr)
		if err != nil {
			return nil, fmt.Errorf("inflate: %w", err)
		}
		return json.Marshal(bytesPayload{Data: data})
	})
}

// Codec encodes and decodes shareable fragments.
type Codec struct {
	client *workerrpc.Client
	logger *slog.Logger
}

// Option configures a Codec.
type Option func(*Codec)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Codec) { c.logger = l }
}

// New creates a Codec whose compression runs on client's worker.
func New(client *workerrpc.Client, opts ...Option) *Codec {
	c := &Codec{client: client, logger: slog.Default()}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Encode produces the "#/<base64>" fragment for state.
func (c *Codec) Encode(ctx context.Context, state RouteState) (string, error) {
	serialized, err := json.Marshal(state)
	if err != nil {
		return "", fmt.Errorf("linkcodec: marshal route state: %w", err)
	}
	compressed, err := c.roundTrip(ctx, methodCompress, serialized)
	if err != nil {
		return "", fmt.Errorf("linkcodec: compress: %w", err)
	}
	return FragmentPrefix + base64.StdEncoding.EncodeToString(compressed), nil
}

// Decode is the inverse of Encode. An empty or absent fragment and any
// malformed fragment decode to (nil, nil); the cause is logged.
func (c *Codec) Decode(ctx context.Context, fragment string) (*RouteState, error) {
	b64 := strings.TrimPrefix(fragment, FragmentPrefix)
	b64 = strings.TrimPrefix(b64, "#") // a bare "#" is as empty as no fragment
	if b64 == "" {
		return nil, nil
	}

	compressed, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		c.logger.Warn("linkcodec: fragment is not valid base64", "error", err)
		return nil, nil
	}

	serialized, err := c.roundTrip(ctx, methodDecompress, compressed)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		c.logger.Warn("linkcodec: fragment decompression failed", "error", err)
		return nil, nil
	}

	var state RouteState
	if err := json.Unmarshal(serialized, &state); err != nil {
		c.logger.Warn("linkcodec: fragment holds malformed route state", "error", err)
		return nil, nil
	}
	return &state, nil
}

func (c *Codec) roundTrip(ctx context.Context, method string, data []byte) ([]byte, error) {
	payload, err := json.Marshal(bytesPayload{Data: data})
	if err != nil {
		return nil, err
	}
	value, err := c.client.Call(ctx, method, payload)
	if err != nil {
		return nil, err
	}
	var resp bytesPayload
	if err := json.Unmarshal(value, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

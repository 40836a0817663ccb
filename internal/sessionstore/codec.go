package sessionstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alexedwards/scs/v2"
	"github.com/ghaggin/brochure/internal/metrics"
	"github.com/ghaggin/brochure/internal/model"
	"go.uber.org/zap"
)

const (
	// VisitorKey is the single session key the payload schema knows about.
	VisitorKey = "visitor"

	payloadVersion = 1
)

type envelope struct {
	Version  int            `json:"version"`
	Deadline time.Time      `json:"deadline"`
	Visitor  *model.Visitor `json:"visitor,omitempty"`
}

// Codec stores session values as a versioned JSON envelope. Only a
// *model.Visitor under VisitorKey is accepted.
type Codec struct{}

var _ scs.Codec = Codec{}

func (Codec) Encode(deadline time.Time, values map[string]interface{}) ([]byte, error) {
	env := envelope{
		Version:  payloadVersion,
		Deadline: deadline.UTC(),
	}

	for k, v := range values {
		if k != VisitorKey {
			return nil, fmt.Errorf("%w: key %q", ErrUnsupportedValue, k)
		}
		switch vis := v.(type) {
		case *model.Visitor:
			env.Visitor = vis
		case model.Visitor:
			env.Visitor = &vis
		default:
			return nil, fmt.Errorf("%w: %T under %q", ErrUnsupportedValue, v, k)
		}
	}

	return json.Marshal(env)
}

func (Codec) Decode(b []byte) (time.Time, map[string]interface{}, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return time.Time{}, nil, fmt.Errorf("%w: %w", ErrMalformedPayload, err)
	}
	if env.Version != payloadVersion {
		return time.Time{}, nil, fmt.Errorf("%w: version %d", ErrMalformedPayload, env.Version)
	}

	values := make(map[string]interface{}, 1)
	if env.Visitor != nil {
		values[VisitorKey] = env.Visitor
	}

	return env.Deadline, values, nil
}

// TolerantCodec turns a malformed payload into an empty session that lives
// for Lifetime, instead of failing the request.
type TolerantCodec struct {
	Codec    scs.Codec
	Lifetime time.Duration
	Log      *zap.Logger
}

func (c TolerantCodec) Encode(deadline time.Time, values map[string]interface{}) ([]byte, error) {
	return c.Codec.Encode(deadline, values)
}

func (c TolerantCodec) Decode(b []byte) (time.Time, map[string]interface{}, error) {
	deadline, values, err := c.Codec.Decode(b)
	if err == nil {
		return deadline, values, nil
	}
	if !errors.Is(err, ErrMalformedPayload) {
		return deadline, values, err
	}

	c.Log.Warn("discarding malformed session payload", zap.Error(err), zap.Int("bytes", len(b)))
	metrics.MalformedPayloads.Inc()

	return time.Now().Add(c.Lifetime), map[string]interface{}{}, nil
}

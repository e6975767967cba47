package actuator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/danielpatrickdp/fieldsafe/go-controller/internal/field"
	"google.golang.org/protobuf/types/known/structpb"
)

// #region device
// Device is the actuation boundary: it accepts certified commands and drives the
// field off on demand. A nil Deenergize return is the off confirmation.
type Device interface {
	Apply(ctx context.Context, cmd field.Command) error
	Deenergize(ctx context.Context) error
}

// ErrNotConfirmed is returned when the device answers a deenergize without
// confirming the field is off.
var ErrNotConfirmed = errors.New("device did not confirm off")

// #endregion device

// #region wire
// Message fields carried in structpb.Struct payloads.
const (
	keySession    = "session_id"
	keyWaypoint   = "waypoint"
	keyComponents = "components"
	keyTimestamp  = "timestamp"
	keyOff        = "off"
	keyLatencyMs  = "latency_ms"
)

func encodeCommand(cmd field.Command) (*structpb.Struct, error) {
	comps := make([]any, len(cmd.State.Components))
	for i, x := range cmd.State.Components {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, fmt.Errorf("encode command: component %d not finite", i)
		}
		comps[i] = x
	}
	m := map[string]any{
		keySession:    cmd.SessionID,
		keyWaypoint:   float64(cmd.Waypoint),
		keyComponents: comps,
	}
	if !cmd.State.Timestamp.IsZero() {
		m[keyTimestamp] = cmd.State.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("encode command: %w", err)
	}
	return s, nil
}

func decodeCommand(s *structpb.Struct) (field.Command, error) {
	f := s.GetFields()
	list := f[keyComponents].GetListValue()
	if list == nil {
		return field.Command{}, fmt.Errorf("decode command: missing %s", keyComponents)
	}
	comps := make([]float64, len(list.GetValues()))
	for i, v := range list.GetValues() {
		if _, ok := v.GetKind().(*structpb.Value_NumberValue); !ok {
			return field.Command{}, fmt.Errorf("decode command: component %d not a number", i)
		}
		comps[i] = v.GetNumberValue()
	}
	var ts time.Time
	if raw := f[keyTimestamp].GetStringValue(); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return field.Command{}, fmt.Errorf("decode command timestamp: %w", err)
		}
		ts = parsed
	}
	return field.Command{
		SessionID: f[keySession].GetStringValue(),
		Waypoint:  int(f[keyWaypoint].GetNumberValue()),
		State:     field.State{Components: comps, Timestamp: ts},
	}, nil
}

// #endregion wire

// Package command builds and structurally validates Command envelopes.
//
// Structural validation covers required fields, identifier format and enum
// values. Business rules (cycles, trash membership, name conflicts) are
// checked by the pipeline against committed state.
package command

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/mesh-intelligence/canopy/internal/clock"
	"github.com/mesh-intelligence/canopy/pkg/types"
)

type options struct {
	id           types.CommandID
	groupID      string
	sourceViewID string
	clock        clock.Clock
}

// Option configures New.
type Option func(*options)

// WithGroupID tags the command so that consecutive commands sharing the
// group undo as one step.
func WithGroupID(groupID string) Option {
	return func(o *options) { o.groupID = groupID }
}

// WithSourceViewID records the view that issued the command.
func WithSourceViewID(viewID string) Option {
	return func(o *options) { o.sourceViewID = viewID }
}

// WithClock sets the clock used for IssuedAt.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithID overrides the generated CommandID. Used when replaying commands
// that arrived with an id of their own.
func WithID(id types.CommandID) Option {
	return func(o *options) { o.id = id }
}

// New builds a validated Command. It fails with ErrInvalidCommand, or
// ErrClipboardEmpty for a paste without nodes, and never returns a partially
// built command.
func New(t types.CommandType, payload types.Payload, opts ...Option) (types.Command, error) {
	o := options{clock: clock.Real()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == "" {
		o.id = types.NewCommandID()
	}
	cmd := types.Command{
		CommandID:    o.id,
		Type:         t,
		Payload:      payload,
		GroupID:      o.groupID,
		SourceViewID: o.sourceViewID,
		IssuedAt:     o.clock.Now(),
	}
	return Validate(cmd)
}

// Validate checks an envelope built elsewhere (for example decoded from the
// RPC boundary) and returns it with its payload normalized to a pointer.
func Validate(cmd types.Command) (types.Command, error) {
	if !cmd.Type.Valid() {
		return types.Command{}, fmt.Errorf("command type %q: %w", cmd.Type, types.ErrInvalidCommand)
	}
	if !types.ValidID(string(cmd.CommandID)) {
		return types.Command{}, fmt.Errorf("command id %q: %w", cmd.CommandID, types.ErrInvalidCommand)
	}

	p, err := normalize(cmd.Type, cmd.Payload)
	if err != nil {
		return types.Command{}, err
	}
	if p.CommandType() != cmd.Type {
		return types.Command{}, fmt.Errorf("payload %T does not belong to %s: %w", p, cmd.Type, types.ErrInvalidCommand)
	}
	if paste, ok := p.(*types.PasteNodesPayload); ok && len(paste.Clipboard.Nodes) == 0 {
		return types.Command{}, fmt.Errorf("paste into %s: %w", paste.TargetParentID, types.ErrClipboardEmpty)
	}
	if del, ok := p.(*types.PermanentDeletePayload); ok && len(del.NodeIDs) == 0 && del.OlderThan == 0 {
		return types.Command{}, fmt.Errorf("permanent delete needs node ids or an age: %w", types.ErrInvalidCommand)
	}
	if fields := Struct(p); len(fields) > 0 {
		return types.Command{}, fmt.Errorf("%s: %w: %w", cmd.Type, types.ErrInvalidCommand, &types.ValidationError{Fields: fields})
	}

	cmd.Payload = p
	return cmd, nil
}

// Decode unmarshals a JSON payload into the typed payload for t and
// validates it.
func Decode(t types.CommandType, raw json.RawMessage) (types.Payload, error) {
	p, err := types.DecodePayload(t, raw)
	if err != nil {
		return nil, err
	}
	if fields := Struct(p); len(fields) > 0 {
		return nil, fmt.Errorf("%s: %w: %w", t, types.ErrInvalidCommand, &types.ValidationError{Fields: fields})
	}
	return p, nil
}

// normalize returns p as a pointer payload. Undo and redo accept a nil
// payload.
func normalize(t types.CommandType, p types.Payload) (types.Payload, error) {
	if p == nil {
		if t == types.CommandUndo || t == types.CommandRedo {
			return types.NewPayload(t)
		}
		return nil, fmt.Errorf("%s without payload: %w", t, types.ErrInvalidCommand)
	}
	v := reflect.ValueOf(p)
	switch v.Kind() {
	case reflect.Pointer:
		if v.IsNil() {
			return nil, fmt.Errorf("%s with nil payload: %w", t, types.ErrInvalidCommand)
		}
		return p, nil
	case reflect.Struct:
		ptr := reflect.New(v.Type())
		ptr.Elem().Set(v)
		np, ok := ptr.Interface().(types.Payload)
		if !ok {
			return nil, fmt.Errorf("payload %T: %w", p, types.ErrInvalidCommand)
		}
		return np, nil
	}
	return nil, fmt.Errorf("payload %T: %w", p, types.ErrInvalidCommand)
}

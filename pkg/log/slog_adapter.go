package log

import (
	"context"
	"log/slog"
)

// SlogAdapter writes protocol events to an slog.Logger.
// Useful for development when you want to see protocol events in console.
type SlogAdapter struct {
	logger *slog.Logger
}

// NewSlogAdapter creates a new SlogAdapter that writes to the given slog.Logger.
func NewSlogAdapter(logger *slog.Logger) *SlogAdapter {
	return &SlogAdapter{logger: logger}
}

// Log writes the event to the slog logger at Debug level. Security events
// are logged at Warn.
func (a *SlogAdapter) Log(event Event) {
	attrs := []slog.Attr{
		slog.String("conn_id", event.ConnectionID),
		slog.String("direction", event.Direction.String()),
		slog.String("layer", event.Layer.String()),
		slog.String("category", event.Category.String()),
	}

	if event.PeerID != "" {
		attrs = append(attrs, slog.String("peer", event.PeerID))
	}
	if event.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote_addr", event.RemoteAddr))
	}
	if event.Epoch != 0 {
		attrs = append(attrs, slog.Uint64("epoch", uint64(event.Epoch)))
	}

	level := slog.LevelDebug

	// Add type-specific attributes
	switch {
	case event.Frame != nil:
		attrs = append(attrs,
			slog.Int("frame_size", event.Frame.Size),
			slog.Bool("truncated", event.Frame.Truncated),
		)
		if event.Frame.Kind != "" {
			attrs = append(attrs,
				slog.String("kind", event.Frame.Kind),
				slog.Uint64("seq", event.Frame.Sequence),
				slog.Uint64("msg_id", uint64(event.Frame.MessageID)),
			)
		}
		if event.Frame.FragmentCount > 1 {
			attrs = append(attrs,
				slog.Uint64("frag_index", uint64(event.Frame.FragmentIndex)),
				slog.Uint64("frag_count", uint64(event.Frame.FragmentCount)),
			)
		}
	case event.Handshake != nil:
		attrs = append(attrs,
			slog.String("cipher", event.Handshake.Cipher),
			slog.Bool("hmac", event.Handshake.HMACEnabled),
			slog.Bool("identity_proof", event.Handshake.IdentityProof),
			slog.Bool("reply", event.Handshake.Reply),
		)
	case event.StateChange != nil:
		attrs = append(attrs,
			slog.String("entity", event.StateChange.Entity.String()),
			slog.String("old_state", event.StateChange.OldState),
			slog.String("new_state", event.StateChange.NewState),
		)
		if event.StateChange.Reason != "" {
			attrs = append(attrs, slog.String("reason", event.StateChange.Reason))
		}
	case event.Rotation != nil:
		attrs = append(attrs,
			slog.String("phase", event.Rotation.Phase.String()),
			slog.Uint64("from_epoch", uint64(event.Rotation.FromEpoch)),
			slog.Uint64("to_epoch", uint64(event.Rotation.ToEpoch)),
		)
	case event.Security != nil:
		level = slog.LevelWarn
		attrs = append(attrs, slog.String("reason", event.Security.Reason))
		if event.Security.Sequence != 0 {
			attrs = append(attrs, slog.Uint64("seq", event.Security.Sequence))
		}
	case event.Error != nil:
		attrs = append(attrs,
			slog.String("error_layer", event.Error.Layer.String()),
			slog.String("error_msg", event.Error.Message),
			slog.String("error_context", event.Error.Context),
		)
		if event.Error.Code != nil {
			attrs = append(attrs, slog.Int("error_code", *event.Error.Code))
		}
	}

	a.logger.LogAttrs(context.Background(), level, "protocol", attrs...)
}

// Compile-time interface satisfaction check.
var _ Logger = (*SlogAdapter)(nil)

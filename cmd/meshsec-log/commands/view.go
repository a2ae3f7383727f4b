// Package commands implements the meshsec-log CLI commands.
package commands

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/meshsec/meshsec-go/pkg/log"
)

// ViewFilter specifies criteria for filtering events in the view command.
type ViewFilter struct {
	Layer     *log.Layer
	Direction *log.Direction
	Category  *log.Category
	PeerID    string
}

func (f ViewFilter) logFilter() log.Filter {
	return log.Filter{
		PeerID:    f.PeerID,
		Layer:     f.Layer,
		Direction: f.Direction,
		Category:  f.Category,
	}
}

// eventLabel names the payload carried by an event.
func eventLabel(event log.Event) string {
	switch {
	case event.Frame != nil:
		if event.Frame.Kind != "" {
			return "Frame " + event.Frame.Kind
		}
		return "Frame"
	case event.Handshake != nil:
		if event.Handshake.Reply {
			return "Handshake reply"
		}
		return "Handshake"
	case event.StateChange != nil:
		return "State"
	case event.Rotation != nil:
		return "Rotation " + event.Rotation.Phase.String()
	case event.Security != nil:
		return "Rejected"
	case event.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}

// formatEvent writes a human-readable representation of the event to w.
func formatEvent(w io.Writer, event log.Event) {
	// Header line: timestamp [conn:id] DIRECTION LAYER Type
	ts := event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000Z")
	fmt.Fprintf(w, "%s [conn:%s] %-3s %s %s\n",
		ts, shorten(event.ConnectionID), event.Direction.String(), event.Layer.String(), eventLabel(event))

	if event.PeerID != "" {
		fmt.Fprintf(w, "  Peer: %s", shorten(event.PeerID))
		if event.RemoteAddr != "" {
			fmt.Fprintf(w, " (%s)", event.RemoteAddr)
		}
		fmt.Fprintln(w)
	}
	if event.Epoch != 0 {
		fmt.Fprintf(w, "  Epoch: %d\n", event.Epoch)
	}

	switch {
	case event.Frame != nil:
		formatFrameDetails(w, event.Frame)
	case event.Handshake != nil:
		formatHandshakeDetails(w, event.Handshake)
	case event.StateChange != nil:
		formatStateChangeDetails(w, event.StateChange)
	case event.Rotation != nil:
		fmt.Fprintf(w, "  Epoch %d -> %d\n", event.Rotation.FromEpoch, event.Rotation.ToEpoch)
	case event.Security != nil:
		fmt.Fprintf(w, "  Reason: %s\n", event.Security.Reason)
		if event.Security.Sequence != 0 {
			fmt.Fprintf(w, "  Sequence: %d\n", event.Security.Sequence)
		}
	case event.Error != nil:
		formatErrorDetails(w, event.Error)
	}

	fmt.Fprintln(w) // Blank line between events
}

// shorten returns the first 8 characters of an identifier.
func shorten(id string) string {
	if len(id) >= 8 {
		return id[:8]
	}
	return id
}

func formatFrameDetails(w io.Writer, frame *log.FrameEvent) {
	fmt.Fprintf(w, "  Size: %d bytes\n", frame.Size)
	if frame.Sequence != 0 {
		fmt.Fprintf(w, "  Sequence: %d\n", frame.Sequence)
	}
	if frame.FragmentCount > 1 {
		fmt.Fprintf(w, "  Message: %d fragment %d/%d\n", frame.MessageID, frame.FragmentIndex+1, frame.FragmentCount)
	}
	if len(frame.Data) > 0 {
		fmt.Fprintf(w, "  Data: %s", hex.EncodeToString(frame.Data))
		if frame.Truncated {
			fmt.Fprintf(w, " (truncated)")
		}
		fmt.Fprintln(w)
	}
}

func formatHandshakeDetails(w io.Writer, hs *log.HandshakeEvent) {
	fmt.Fprintf(w, "  Cipher: %s\n", hs.Cipher)
	var opts []string
	if hs.HMACEnabled {
		opts = append(opts, "hmac")
	}
	if hs.TimestampValidation {
		opts = append(opts, "timestamps")
	}
	if hs.FragmentationEnabled {
		opts = append(opts, "fragmentation")
	}
	if hs.CompressionEnabled {
		opts = append(opts, "compression")
	}
	if hs.IdentityProof {
		opts = append(opts, "identity")
	}
	if len(opts) > 0 {
		fmt.Fprintf(w, "  Options: %s\n", strings.Join(opts, ", "))
	}
	fmt.Fprintf(w, "  MaxMessageSize: %d  RotationInterval: %ds\n", hs.MaxMessageSize, hs.RotationInterval)
}

func formatStateChangeDetails(w io.Writer, sc *log.StateChangeEvent) {
	fmt.Fprintf(w, "  Entity: %s\n", sc.Entity.String())
	if sc.OldState != "" {
		fmt.Fprintf(w, "  %s -> %s\n", sc.OldState, sc.NewState)
	} else {
		fmt.Fprintf(w, "  -> %s\n", sc.NewState)
	}
	if sc.Reason != "" {
		fmt.Fprintf(w, "  Reason: %s\n", sc.Reason)
	}
}

func formatErrorDetails(w io.Writer, err *log.ErrorEventData) {
	fmt.Fprintf(w, "  Layer: %s\n", err.Layer.String())
	fmt.Fprintf(w, "  Message: %s\n", err.Message)
	if err.Code != nil {
		fmt.Fprintf(w, "  Code: %d\n", *err.Code)
	}
	if err.Context != "" {
		fmt.Fprintf(w, "  Context: %s\n", err.Context)
	}
}

// ParseLayerFlag parses a layer name (case-insensitive).
func ParseLayerFlag(s string) (log.Layer, error) {
	l, ok := log.ParseLayer(strings.ToUpper(s))
	if !ok {
		return 0, fmt.Errorf("invalid layer: %s (must be transport, wire, session, or security)", s)
	}
	return l, nil
}

// ParseDirectionFlag parses a direction name (case-insensitive).
func ParseDirectionFlag(s string) (log.Direction, error) {
	switch strings.ToLower(s) {
	case "in":
		return log.DirectionIn, nil
	case "out":
		return log.DirectionOut, nil
	default:
		return 0, fmt.Errorf("invalid direction: %s (must be in or out)", s)
	}
}

// ParseCategoryFlag parses a category name (case-insensitive).
func ParseCategoryFlag(s string) (log.Category, error) {
	c, ok := log.ParseCategory(strings.ToUpper(s))
	if !ok {
		return 0, fmt.Errorf("invalid category: %s (must be message, handshake, control, state, security, or error)", s)
	}
	return c, nil
}

// RunView prints every matching event in path to output.
func RunView(path string, filter ViewFilter, output io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter.logFilter())
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	for {
		event, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read event: %w", err)
		}
		formatEvent(output, event)
	}
}

// Package interactive provides the interactive command-line interface
// for meshsec-node.
package interactive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"
	"unicode"

	"github.com/chzyer/readline"

	"github.com/meshsec/meshsec-go/pkg/connection"
	"github.com/meshsec/meshsec-go/pkg/identity"
	"github.com/meshsec/meshsec-go/pkg/keystore"
	"github.com/meshsec/meshsec-go/pkg/priority"
	"github.com/meshsec/meshsec-go/pkg/service"
)

var (
	errNoMatch   = errors.New("no client matches")
	errAmbiguous = errors.New("more than one client matches")
)

// Dialer opens links to remote nodes.
type Dialer interface {
	Dial(ctx context.Context, addr string) (identity.PeerID, error)
}

// Node is what the shell operates on.
type Node struct {
	Server *service.Server
	Link   Dialer
	Redial *connection.Manager
	Keys   keystore.Store
	Local  identity.PeerID
}

// Shell handles interactive mode for meshsec-node.
type Shell struct {
	rl   *readline.Instance
	out  io.Writer
	node Node
}

// New creates the readline instance. Call Attach before Run.
func New() (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "meshsec> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Shell{rl: rl, out: rl.Stdout()}, nil
}

// Attach sets the node the shell controls.
func (s *Shell) Attach(n Node) { s.node = n }

// Stdout returns a writer that coordinates with the readline prompt.
func (s *Shell) Stdout() io.Writer { return s.rl.Stdout() }

// Stderr returns a writer that coordinates with the readline prompt.
func (s *Shell) Stderr() io.Writer { return s.rl.Stderr() }

// Run starts the interactive command loop.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}

		if !s.exec(ctx, line) {
			fmt.Fprintln(s.out, "Exiting...")
			cancel()
			return
		}
	}
}

// exec runs one command line. It returns false when the shell should exit.
func (s *Shell) exec(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return true
	}
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "help", "?":
		s.printHelp()
	case "id":
		fmt.Fprintln(s.out, s.node.Local.String())
	case "clients", "peers", "c":
		s.cmdClients()
	case "send", "s":
		s.cmdSend(args, line)
	case "rotate":
		s.cmdRotate(args)
	case "priority", "prio":
		s.cmdPriority(args)
	case "disconnect", "kick":
		s.cmdDisconnect(args)
	case "dial":
		s.cmdDial(ctx, args)
	case "keep":
		s.cmdKeep(args)
	case "forget":
		s.cmdForget(args)
	case "targets", "t":
		s.cmdTargets()
	case "stats":
		s.cmdStats()
	case "keys":
		s.cmdKeys()
	case "quit", "exit", "q":
		return false
	default:
		fmt.Fprintf(s.out, "Unknown command: %s (type 'help' for commands)\n", cmd)
	}
	return true
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.out, `
meshsec Node Commands:
  Sessions:
    clients                  - List connected clients, highest priority first
    send <peer> <text>       - Send an encrypted message
    rotate <peer>            - Start a key rotation
    priority <peer> <tier>   - Set tier: low, normal, high, critical
    disconnect <peer>        - Drop a client and its link
    dial <host:port>         - Link to a remote node once
    keep <host:port>         - Link to a remote node and redial when it drops
    forget <host:port>       - Stop redialing a node
    targets                  - List redial targets

  Status:
    id                       - Show the local peer ID
    stats                    - Show server, engine and queue counters
    keys                     - List keystore entries

  General:
    help                     - Show this help
    quit                     - Exit node

  <peer> is any unique prefix of a client's hex peer ID.`)
}

// resolvePeer finds the connected client whose hex ID starts with prefix.
func (s *Shell) resolvePeer(prefix string) (identity.PeerID, error) {
	prefix = strings.ToLower(prefix)
	var found []identity.PeerID
	for _, c := range s.node.Server.Clients() {
		if strings.HasPrefix(c.Peer.String(), prefix) {
			found = append(found, c.Peer)
		}
	}
	switch len(found) {
	case 0:
		return identity.PeerID{}, fmt.Errorf("%w %q", errNoMatch, prefix)
	case 1:
		return found[0], nil
	default:
		return identity.PeerID{}, fmt.Errorf("%w %q", errAmbiguous, prefix)
	}
}

func (s *Shell) peerArg(args []string, usage string) (identity.PeerID, bool) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage:", usage)
		fmt.Fprintln(s.out, "  Use 'clients' to list peer IDs")
		return identity.PeerID{}, false
	}
	peer, err := s.resolvePeer(args[0])
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return identity.PeerID{}, false
	}
	return peer, true
}

func (s *Shell) cmdClients() {
	clients := s.node.Server.Clients()
	if len(clients) == 0 {
		fmt.Fprintln(s.out, "No clients connected")
		return
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PEER\tSTATE\tTIER\tSCORE\tEPOCH\tADDR\tIDLE")
	now := time.Now()
	for _, c := range clients {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%d\t%s\t%s\n",
			c.Peer.Short(), c.State, c.Tier, c.Score, c.Epoch, c.Addr,
			now.Sub(c.LastActivity).Truncate(time.Second))
	}
	tw.Flush()
}

func (s *Shell) cmdSend(args []string, line string) {
	if len(args) < 2 {
		fmt.Fprintln(s.out, "Usage: send <peer> <text>")
		return
	}
	peer, ok := s.peerArg(args, "send <peer> <text>")
	if !ok {
		return
	}
	text := skipFields(line, 2)

	if err := s.node.Server.SendToClient(peer, []byte(text)); err != nil {
		fmt.Fprintf(s.out, "Send failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Sent %d bytes to %s\n", len(text), peer.Short())
}

func (s *Shell) cmdRotate(args []string) {
	peer, ok := s.peerArg(args, "rotate <peer>")
	if !ok {
		return
	}
	if err := s.node.Server.RotatePeerKeys(peer); err != nil {
		fmt.Fprintf(s.out, "Rotation failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Rotation started with %s\n", peer.Short())
}

func (s *Shell) cmdPriority(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(s.out, "Usage: priority <peer> <low|normal|high|critical>")
		return
	}
	peer, ok := s.peerArg(args, "priority <peer> <tier>")
	if !ok {
		return
	}
	tier, err := priority.ParseTier(args[1])
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	s.node.Server.SetPriority(peer, tier)
	fmt.Fprintf(s.out, "%s is now %s\n", peer.Short(), tier)
}

func (s *Shell) cmdDisconnect(args []string) {
	peer, ok := s.peerArg(args, "disconnect <peer>")
	if !ok {
		return
	}
	s.node.Server.DisconnectClient(peer, "disconnected by operator")
	fmt.Fprintf(s.out, "Disconnected %s\n", peer.Short())
}

func (s *Shell) cmdDial(ctx context.Context, args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: dial <host:port>")
		return
	}
	if s.node.Link == nil {
		fmt.Fprintln(s.out, "Dialing is not available")
		return
	}
	dialCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	fmt.Fprintf(s.out, "Dialing %s...\n", args[0])
	peer, err := s.node.Link.Dial(dialCtx, args[0])
	if err != nil {
		fmt.Fprintf(s.out, "Dial failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Linked to %s\n", peer.Short())
}

func (s *Shell) cmdKeep(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: keep <host:port>")
		return
	}
	if s.node.Redial == nil {
		fmt.Fprintln(s.out, "Redial is not available")
		return
	}
	if err := s.node.Redial.Add(args[0]); err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Keeping %s linked\n", args[0])
}

func (s *Shell) cmdForget(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(s.out, "Usage: forget <host:port>")
		return
	}
	if s.node.Redial == nil {
		fmt.Fprintln(s.out, "Redial is not available")
		return
	}
	if err := s.node.Redial.Remove(args[0]); err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(s.out, "Stopped redialing %s\n", args[0])
}

func (s *Shell) cmdTargets() {
	if s.node.Redial == nil {
		fmt.Fprintln(s.out, "Redial is not available")
		return
	}
	targets := s.node.Redial.Targets()
	if len(targets) == 0 {
		fmt.Fprintln(s.out, "No redial targets")
		return
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDR\tSTATE\tPEER\tATTEMPTS\tLAST ERROR")
	for _, t := range targets {
		peer, lastErr := "-", "-"
		if !t.Peer.IsZero() {
			peer = t.Peer.Short()
		}
		if t.LastErr != nil {
			lastErr = t.LastErr.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", t.Addr, t.State, peer, t.Attempts, lastErr)
	}
	tw.Flush()
}

func (s *Shell) cmdStats() {
	st := s.node.Server.Stats()
	e, q := st.Engine, st.Queue

	fmt.Fprintf(s.out, "Clients:      %d (%d established, %d pending)\n", st.Clients, st.Established, st.Pending)
	fmt.Fprintf(s.out, "Handshakes:   %d (replays %d, identity failures %d)\n", e.Handshakes, e.HandshakeReplays, e.IdentityFailures)
	fmt.Fprintf(s.out, "Frames:       %d encrypted, %d decrypted\n", e.FramesEncrypted, e.FramesDecrypted)
	fmt.Fprintf(s.out, "Rejected:     tag %d, stale %d, replay %d, decrypt %d, epoch %d\n",
		e.RejectedBadTag, e.RejectedStale, e.RejectedReplay, e.RejectedDecrypt, e.RejectedUnknownEpoch)
	fmt.Fprintf(s.out, "Rotations:    %d started, %d completed, %d abandoned\n", e.RotationsStarted, e.RotationsCompleted, e.RotationsAbandoned)
	fmt.Fprintf(s.out, "Admission:    %d evicted, %d refused, %d rate limited, %d shed, %d malformed\n",
		st.Evicted, st.Refused, st.RateLimited, st.Shed, st.Malformed)
	fmt.Fprintf(s.out, "Queue:        %d/%d (high water %d, dropped %d, rejected %d, avg latency %s)\n",
		q.CurrentSize, q.MaxSize, q.HighWaterMark, q.Dropped, q.Rejected, q.AvgLatency)
}

func (s *Shell) cmdKeys() {
	if s.node.Keys == nil {
		fmt.Fprintln(s.out, "No keystore")
		return
	}
	entries, err := s.node.Keys.ListKeys()
	if err != nil {
		fmt.Fprintf(s.out, "Error: %v\n", err)
		return
	}
	if len(entries) == 0 {
		fmt.Fprintln(s.out, "Keystore is empty")
		return
	}
	tw := tabwriter.NewWriter(s.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ALIAS\tTYPE\tVERSION\tCREATED\tDESCRIPTION")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n", e.Alias, e.Type, e.Version, e.CreatedAt.Format(time.RFC3339), e.Description)
	}
	tw.Flush()
}

// skipFields returns line after its first n fields, keeping the spacing of
// the remainder.
func skipFields(line string, n int) string {
	rest := strings.TrimSpace(line)
	for i := 0; i < n && rest != ""; i++ {
		end := strings.IndexFunc(rest, unicode.IsSpace)
		if end < 0 {
			return ""
		}
		rest = strings.TrimLeftFunc(rest[end:], unicode.IsSpace)
	}
	return rest
}

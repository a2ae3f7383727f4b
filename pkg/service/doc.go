// Package service provides the secure session server that ties the
// session layer to a physical link.
//
// A Server owns one secure.Engine, one priority.Manager and one bounded
// inbound queue. It receives link callbacks, runs handshakes, decrypts
// inbound packets and hands completed messages to the consumer through
// Messages().
//
// Example usage:
//
//	link, _ := transport.NewQUICLink(transport.QUICConfig{LocalID: id.PeerID(), ListenAddr: ":4433"})
//	cfg := service.DefaultConfig(id.PeerID())
//	srv, err := service.NewServer(cfg, link)
//	srv.Start(ctx)
//	defer srv.Stop()
//
//	for {
//		msg, err := srv.Messages().Recv(ctx)
//		...
//	}
//
// # Client Lifecycle
//
// Each connected peer moves through
//
//	CONNECTED -> KEY_EXCHANGE_PENDING -> ESTABLISHED <-> ROTATING -> DISCONNECTED
//
// Sends fail fast unless the client is ESTABLISHED or ROTATING.
//
// # Load Handling
//
//   - Inbound packets pass a per-peer token bucket first.
//   - At MaxClients a newcomer evicts the lowest-ranked client only when
//     that client ranks below a fresh Normal-tier peer.
//   - Above the shed threshold of queue capacity, messages from Low-tier
//     clients are dropped.
//
// The server counts security errors per client but never bans peers on
// its own; OnSecurityError lets the embedding application decide.
package service

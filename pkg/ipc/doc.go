// Package ipc implements the named-channel transport that carries brokered
// messages between the processes of one application.
//
// Every process listens on its own inbound channel, a Unix domain socket at
// {dir}/{namespace}_{type}.{appInstanceID}, and dials one outbound channel per
// peer it talks to. Frames are length prefixed envelopes produced by the
// configured serializer.
//
// Peers are discovered through the root process: a starting member dials the
// root and sends JoinPeer, the root answers with PeersChanged listing every
// live instance, and members dial the peers they did not know. A process that
// shuts down broadcasts UnregisterPeer.
//
// Example usage:
//
//	t, err := ipc.NewTransport(cfg.Channel, members, hub, serializer, pipeline, log)
//	if err != nil {
//	    return err
//	}
//	chain, err := routing.NewChain(log, routing.Descriptor{
//	    Name:          "ipc",
//	    ReceiverMatch: routing.MatchAll,
//	    IsFallback:    true,
//	    Router:        t,
//	})
package ipc

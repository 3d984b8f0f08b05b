package impl

import (
	"context"
)

// listenDaemon starts the receive loop dispatching packets through the
// registry. Dispatch is synchronous: transport ordering is preserved into
// the round store, and callbacks never block (they only park payloads or
// enqueue requests).
func (n *ServerNode) listenDaemon(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			default:
				pkt, err := n.conf.Socket.Recv(ReadTimeout)
				if err != nil {
					continue
				}
				err = n.msg.ProcessPkt(pkt)
				if err != nil {
					continue
				}
			}
		}
	}()
}

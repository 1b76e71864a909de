package node

import (
	"github.com/mosaicnetworks/stxt/src/net"
	psync "github.com/mosaicnetworks/stxt/src/sync"
)

func (n *Node) processRPC(rpc net.RPC) {
	n.server.ProcessRPC(rpc)
}

func (n *Node) remote(target string) psync.Remote {
	return psync.NewTransportRemote(n.trans, target)
}

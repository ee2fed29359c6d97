package ycrdt

// Origin tags every mutation with where it came from, replacing the
// thread-local broker-origin marker described for the source material:
// the command-channel actor design carries this as an explicit value
// instead of a re-entrant guard.
type Origin interface {
	isOrigin()
}

// PeerOrigin identifies a mutation that arrived from a specific locally
// attached peer.
type PeerOrigin string

func (PeerOrigin) isOrigin() {}

type brokerOrigin struct{}

func (brokerOrigin) isOrigin() {}

// OriginBroker tags mutations folded from the broker ingress loop. The
// CRDT update hook must never re-publish a mutation carrying this origin.
var OriginBroker Origin = brokerOrigin{}

// IsBroker reports whether o is the broker origin sentinel.
func IsBroker(o Origin) bool {
	_, ok := o.(brokerOrigin)
	return ok
}

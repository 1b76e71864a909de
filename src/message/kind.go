package message

import "fmt"

// Kind is the closed set of message kinds.
type Kind uint8

const (
	// Ping carries no state change; it advances the graph and key
	// exchanges.
	Ping Kind = iota
	// Epoch opens a group.
	Epoch
	// Set assigns state values.
	Set
	// Del removes state keys.
	Del
	// Chg renames state keys.
	Chg
)

// String ...
func (k Kind) String() string {
	switch k {
	case Ping:
		return "ping"
	case Epoch:
		return "epoch"
	case Set:
		return "set"
	case Del:
		return "del"
	case Chg:
		return "chg"
	default:
		return "unknown"
	}
}

// ParseKind ...
func ParseKind(s string) (Kind, error) {
	switch s {
	case "ping":
		return Ping, nil
	case "epoch":
		return Epoch, nil
	case "set":
		return Set, nil
	case "del":
		return Del, nil
	case "chg":
		return Chg, nil
	default:
		return 0, fmt.Errorf("unknown message kind %q", s)
	}
}

package net

import (
	"errors"
	"net"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	errNotAdvertisable = errors.New("local bind address is not advertisable")
	errNotTCP          = errors.New("local address is not a TCP address")
)

// StreamLayer is the listener and dialer a NetworkTransport runs on.
type StreamLayer interface {
	net.Listener

	// Dial opens an outgoing connection.
	Dial(address string, timeout time.Duration) (net.Conn, error)

	// AdvertiseAddr is the address other peers should dial.
	AdvertiseAddr() string
}

// tcpStream is a StreamLayer over plain TCP.
type tcpStream struct {
	*net.TCPListener
	advertise string
}

// listenTCP binds bindAddr and checks that the address advertised to other
// peers, advertise or else the bound address, can actually be dialed.
func listenTCP(bindAddr, advertise string) (*tcpStream, error) {
	l, err := net.Listen("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	addr := l.Addr()
	if advertise != "" {
		if addr, err = net.ResolveTCPAddr("tcp", advertise); err != nil {
			l.Close()
			return nil, err
		}
	}

	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		l.Close()
		return nil, errNotTCP
	}
	if tcpAddr.IP.IsUnspecified() {
		l.Close()
		return nil, errNotAdvertisable
	}

	return &tcpStream{
		TCPListener: l.(*net.TCPListener),
		advertise:   advertise,
	}, nil
}

// Dial implements the StreamLayer interface.
func (t *tcpStream) Dial(address string, timeout time.Duration) (net.Conn, error) {
	return net.DialTimeout("tcp", address, timeout)
}

// AdvertiseAddr implements the StreamLayer interface.
func (t *tcpStream) AdvertiseAddr() string {
	if t.advertise != "" {
		return t.advertise
	}
	return t.Addr().String()
}

// NewTCPTransport binds bindAddr and returns a NetworkTransport over it.
// advertise, when set, is the address announced to other peers instead of
// the bound one.
func NewTCPTransport(
	bindAddr string,
	advertise string,
	maxPool int,
	timeout time.Duration,
	logger *logrus.Entry,
) (*NetworkTransport, error) {
	stream, err := listenTCP(bindAddr, advertise)
	if err != nil {
		return nil, err
	}
	return NewNetworkTransport(stream, maxPool, timeout, logger), nil
}

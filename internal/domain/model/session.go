package model

// ConnectionState is the wallet-connection lifecycle state.
type ConnectionState string

const (
	ConnectionUninitialized ConnectionState = "UNINITIALIZED"
	ConnectionDisconnected  ConnectionState = "DISCONNECTED"
	ConnectionConnecting    ConnectionState = "CONNECTING"
	ConnectionConnected     ConnectionState = "CONNECTED"
	ConnectionError         ConnectionState = "ERROR"
)

func (s ConnectionState) String() string {
	return string(s)
}

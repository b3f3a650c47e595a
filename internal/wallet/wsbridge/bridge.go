// Package wsbridge talks to a browser wallet over a websocket. A small page
// on the browser side forwards JSON-RPC 2.0 frames to window.ethereum and
// pushes accountsChanged / chainChanged events back as notifications.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emperorhan/blood-ledger/internal/chain/rpc"
	"github.com/emperorhan/blood-ledger/internal/ledgererr"
	"github.com/emperorhan/blood-ledger/internal/wallet"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 54 * time.Second
	maxFrameSize = 1 << 20
)

// ErrClosed is returned for calls made after the link went down.
var ErrClosed = errors.New("wallet bridge closed")

type frame struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpc.RPCError   `json:"error,omitempty"`
}

type reply struct {
	result json.RawMessage
	err    error
}

// Bridge is a wallet.Provider over a websocket link.
type Bridge struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan reply
	err     error

	done   chan struct{}
	feed   wallet.Feed[wallet.Notification]
	logger *slog.Logger
}

var _ wallet.Provider = (*Bridge)(nil)

// Dial connects to the bridge page and starts the read and ping loops.
func Dial(ctx context.Context, url string, logger *slog.Logger) (*Bridge, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial wallet bridge %s: %w", url, errors.Join(ledgererr.ErrProviderUnavailable, err))
	}
	b := &Bridge{
		conn:    conn,
		pending: make(map[int64]chan reply),
		done:    make(chan struct{}),
		logger:  logger.With("component", "wsbridge"),
	}
	go b.readLoop()
	go b.pingLoop()
	return b, nil
}

func (b *Bridge) Accounts(ctx context.Context) ([]common.Address, error) {
	var accounts []common.Address
	if err := b.request(ctx, "eth_accounts", nil, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

// RequestAccounts asks for permissions first so the wallet shows its
// account picker even when this origin is already authorized.
func (b *Bridge) RequestAccounts(ctx context.Context) ([]common.Address, error) {
	perms := []interface{}{map[string]interface{}{"eth_accounts": map[string]interface{}{}}}
	if err := b.request(ctx, "wallet_requestPermissions", perms, nil); err != nil {
		return nil, err
	}
	var accounts []common.Address
	if err := b.request(ctx, "eth_requestAccounts", nil, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func (b *Bridge) ChainID(ctx context.Context) (int64, error) {
	var hexID string
	if err := b.request(ctx, "eth_chainId", nil, &hexID); err != nil {
		return 0, err
	}
	return rpc.ParseHexInt64(hexID)
}

func (b *Bridge) SendTransaction(ctx context.Context, args rpc.TransactionArgs) (common.Hash, error) {
	var hash common.Hash
	if err := b.request(ctx, "eth_sendTransaction", []interface{}{args}, &hash); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

func (b *Bridge) Subscribe(fn func(wallet.Notification)) wallet.Subscription {
	return b.feed.Subscribe(fn)
}

// Done is closed once the link is down.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

func (b *Bridge) Close() error {
	b.writeMu.Lock()
	_ = b.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	b.writeMu.Unlock()
	err := b.conn.Close()
	b.shutdown(ErrClosed)
	return err
}

func (b *Bridge) request(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if params == nil {
		params = []interface{}{}
	}
	rawParams, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%s: marshal params: %w", method, err)
	}
	id := b.nextID.Add(1)
	ch := make(chan reply, 1)

	b.mu.Lock()
	if b.err != nil {
		err := b.err
		b.mu.Unlock()
		return fmt.Errorf("%s: %w", method, err)
	}
	b.pending[id] = ch
	b.mu.Unlock()

	if err := b.write(frame{JSONRPC: "2.0", ID: &id, Method: method, Params: rawParams}); err != nil {
		b.forget(id)
		return fmt.Errorf("%s: %w", method, err)
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return fmt.Errorf("%s: %w", method, r.err)
		}
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(r.result, out); err != nil {
			return fmt.Errorf("%s: unmarshal result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		b.forget(id)
		return fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (b *Bridge) write(f frame) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = b.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return b.conn.WriteJSON(f)
}

func (b *Bridge) forget(id int64) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

func (b *Bridge) readLoop() {
	b.conn.SetReadLimit(maxFrameSize)
	_ = b.conn.SetReadDeadline(time.Now().Add(pongWait))
	b.conn.SetPongHandler(func(string) error {
		return b.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := b.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				b.logger.Warn("wallet bridge read failed", "error", err)
			}
			b.shutdown(errors.Join(ledgererr.ErrProviderUnavailable, err))
			return
		}
		_ = b.conn.SetReadDeadline(time.Now().Add(pongWait))

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			b.logger.Debug("dropping malformed bridge frame", "error", err)
			continue
		}
		switch {
		case f.ID != nil && f.Method == "":
			b.deliver(*f.ID, f)
		case f.Method != "":
			b.notify(f)
		}
	}
}

func (b *Bridge) deliver(id int64, f frame) {
	b.mu.Lock()
	ch, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	if f.Error != nil {
		ch <- reply{err: f.Error}
		return
	}
	ch <- reply{result: f.Result}
}

func (b *Bridge) notify(f frame) {
	switch wallet.NotificationKind(f.Method) {
	case wallet.AccountsChanged:
		var params [][]common.Address
		if err := json.Unmarshal(f.Params, &params); err != nil || len(params) != 1 {
			b.logger.Debug("malformed accountsChanged", "params", string(f.Params))
			return
		}
		b.feed.Send(wallet.Notification{Kind: wallet.AccountsChanged, Accounts: params[0]})
	case wallet.ChainChanged:
		var params []string
		if err := json.Unmarshal(f.Params, &params); err != nil || len(params) != 1 {
			b.logger.Debug("malformed chainChanged", "params", string(f.Params))
			return
		}
		id, err := rpc.ParseHexInt64(params[0])
		if err != nil {
			return
		}
		b.feed.Send(wallet.Notification{Kind: wallet.ChainChanged, ChainID: id})
	case wallet.Disconnected:
		b.feed.Send(wallet.Notification{Kind: wallet.Disconnected})
	default:
		b.logger.Debug("ignoring bridge notification", "method", f.Method)
	}
}

func (b *Bridge) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case <-ticker.C:
			b.writeMu.Lock()
			err := b.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			b.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// shutdown fails every pending call and announces the disconnect once.
func (b *Bridge) shutdown(cause error) {
	b.mu.Lock()
	if b.err != nil {
		b.mu.Unlock()
		return
	}
	b.err = cause
	pending := b.pending
	b.pending = make(map[int64]chan reply)
	b.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{err: cause}
	}
	close(b.done)
	b.feed.Send(wallet.Notification{Kind: wallet.Disconnected})
}

package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/emperorhan/blood-ledger/internal/circuitbreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(handler func(*http.Request) (*http.Response, error), opts ...Option) *Client {
	client := NewClient("http://rpc.local", slog.Default(), opts...)
	client.httpClient = &http.Client{
		Transport: roundTripFunc(handler),
	}
	return client
}

func jsonHTTPResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

// resultHandler answers every single request with the given raw JSON result.
func resultHandler(t *testing.T, method string, result string) func(*http.Request) (*http.Response, error) {
	return func(r *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req Request
		require.NoError(t, json.Unmarshal(body, &req))
		if method != "" {
			assert.Equal(t, method, req.Method)
		}
		resp := Response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(result)}
		raw, err := json.Marshal(resp)
		require.NoError(t, err)
		return jsonHTTPResponse(http.StatusOK, string(raw)), nil
	}
}

func TestCall_Success(t *testing.T) {
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		var req Request
		require.NoError(t, json.Unmarshal(body, &req))

		assert.Equal(t, "2.0", req.JSONRPC)
		assert.Equal(t, "eth_testMethod", req.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		resp := Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  json.RawMessage(`"0x2a"`),
		}
		rawResp, err := json.Marshal(resp)
		require.NoError(t, err)
		return jsonHTTPResponse(http.StatusOK, string(rawResp)), nil
	})

	result, err := client.call(context.Background(), "eth_testMethod", []interface{}{"p1"})
	require.NoError(t, err)

	var value string
	require.NoError(t, json.Unmarshal(result, &value))
	assert.Equal(t, "0x2a", value)
}

func TestCall_NilParamsEncodedAsEmptyArray(t *testing.T) {
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(body), `"params":[]`)
		return jsonHTTPResponse(http.StatusOK, `{"jsonrpc":"2.0","id":1,"result":"0x1"}`), nil
	})

	_, err := client.call(context.Background(), "eth_chainId", nil)
	require.NoError(t, err)
}

func TestCall_RPCError(t *testing.T) {
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		resp := Response{
			JSONRPC: "2.0",
			ID:      1,
			Error:   &RPCError{Code: 3, Message: "execution reverted: Donor already registered"},
		}
		rawResp, err := json.Marshal(resp)
		require.NoError(t, err)
		return jsonHTTPResponse(http.StatusOK, string(rawResp)), nil
	})

	_, err := client.call(context.Background(), "eth_call", nil)
	require.Error(t, err)

	var rpcErr *RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, 3, rpcErr.Code)
	assert.Contains(t, err.Error(), "execution reverted")
}

func TestCall_HTTPError(t *testing.T) {
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		return jsonHTTPResponse(http.StatusBadGateway, "bad gateway"), nil
	})

	_, err := client.call(context.Background(), "eth_testMethod", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "http status 502")
}

func TestCall_BreakerOpensOnTransportFailures(t *testing.T) {
	calls := 0
	breaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 2, OpenTimeout: time.Hour})
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		calls++
		return nil, errors.New("connection refused")
	}, WithBreaker(breaker))

	for i := 0; i < 2; i++ {
		_, err := client.call(context.Background(), "eth_blockNumber", nil)
		require.Error(t, err)
	}
	assert.Equal(t, circuitbreaker.StateOpen, breaker.GetState())

	_, err := client.call(context.Background(), "eth_blockNumber", nil)
	require.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, 2, calls, "open breaker must not reach the transport")
}

func TestCall_RPCErrorDoesNotTripBreaker(t *testing.T) {
	breaker := circuitbreaker.New(circuitbreaker.Config{FailureThreshold: 1, OpenTimeout: time.Hour})
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		return jsonHTTPResponse(http.StatusOK, `{"jsonrpc":"2.0","id":1,"error":{"code":3,"message":"execution reverted"}}`), nil
	}, WithBreaker(breaker))

	_, err := client.call(context.Background(), "eth_call", nil)
	require.Error(t, err)
	assert.Equal(t, circuitbreaker.StateClosed, breaker.GetState())
}

func TestParseHexInt64(t *testing.T) {
	value, err := ParseHexInt64("0x2a")
	require.NoError(t, err)
	assert.Equal(t, int64(42), value)

	zero, err := ParseHexInt64("0x")
	require.NoError(t, err)
	assert.Zero(t, zero)

	_, err = ParseHexInt64("nope")
	require.Error(t, err)
}

func TestCallBatch_Success(t *testing.T) {
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var reqs []Request
		require.NoError(t, json.Unmarshal(body, &reqs))
		require.Len(t, reqs, 2)

		// Return reversed to verify ID-based reordering.
		resp := []Response{
			{JSONRPC: "2.0", ID: reqs[1].ID, Result: json.RawMessage(`"b"`)},
			{JSONRPC: "2.0", ID: reqs[0].ID, Result: json.RawMessage(`"a"`)},
		}
		rawResp, err := json.Marshal(resp)
		require.NoError(t, err)
		return jsonHTTPResponse(http.StatusOK, string(rawResp)), nil
	})

	requests := []Request{
		client.newRequest("m1", []interface{}{}),
		client.newRequest("m2", []interface{}{}),
	}
	results, err := client.callBatch(context.Background(), requests)
	require.NoError(t, err)
	require.Len(t, results, 2)

	var first string
	require.NoError(t, json.Unmarshal(results[0].Result, &first))
	assert.Equal(t, "a", first)
	var second string
	require.NoError(t, json.Unmarshal(results[1].Result, &second))
	assert.Equal(t, "b", second)
}

func TestCallBatch_MissingResponse(t *testing.T) {
	client := newTestClient(func(r *http.Request) (*http.Response, error) {
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)

		var reqs []Request
		require.NoError(t, json.Unmarshal(body, &reqs))
		require.Len(t, reqs, 2)

		resp := []Response{
			{JSONRPC: "2.0", ID: reqs[0].ID, Result: json.RawMessage(`null`)},
		}
		rawResp, err := json.Marshal(resp)
		require.NoError(t, err)
		return jsonHTTPResponse(http.StatusOK, string(rawResp)), nil
	})

	requests := []Request{
		client.newRequest("m1", []interface{}{}),
		client.newRequest("m2", []interface{}{}),
	}
	_, err := client.callBatch(context.Background(), requests)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing batch response")
}

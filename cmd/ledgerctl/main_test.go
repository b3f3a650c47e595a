package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/emperorhan/blood-ledger/internal/config"
	"github.com/emperorhan/blood-ledger/internal/domain/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const devKey0 = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func readOnlyEnv(t *testing.T) {
	t.Helper()
	t.Setenv("WALLET_MODE", config.WalletModeNone)
	t.Setenv("SESSION_STORE", config.SessionStoreMemory)
	t.Setenv("LOG_LEVEL", "error")
}

// chainIDNode answers eth_chainId and fails everything else.
func chainIDNode(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage `json:"id"`
			Method string          `json:"method"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if req.Method != "eth_chainId" {
			_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"error":{"code":-32601,"message":"method not found"}}`))
			return
		}
		_, _ = w.Write([]byte(`{"jsonrpc":"2.0","id":` + string(req.ID) + `,"result":"0x7a69"}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func keystoreEnv(t *testing.T) {
	t.Helper()
	t.Setenv("WALLET_MODE", config.WalletModeKeystore)
	t.Setenv("WALLET_PRIVATE_KEYS", devKey0)
	t.Setenv("WALLET_PREAUTHORIZED", "false")
	t.Setenv("SESSION_STORE", config.SessionStoreMemory)
	t.Setenv("LEDGER_RPC_URL", chainIDNode(t).URL)
	t.Setenv("LOG_LEVEL", "error")
}

func runCLI(t *testing.T, stdin string, args ...string) (int, string, string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var stdout, stderr bytes.Buffer
	code := run(ctx, args, strings.NewReader(stdin), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Usage(t *testing.T) {
	readOnlyEnv(t)

	code, _, stderr := runCLI(t, "")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "register-donor <blood-group>")

	code, _, stderr = runCLI(t, "", "donate")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, `unknown command "donate"`)

	code, _, stderr = runCLI(t, "", "update-request", "7")
	assert.Equal(t, exitUsage, code)
	assert.Contains(t, stderr, "usage: ledgerctl update-request")
}

func TestRun_StatusWithoutWallet(t *testing.T) {
	readOnlyEnv(t)

	code, stdout, _ := runCLI(t, "", "status")
	require.Equal(t, exitOK, code)

	var out struct {
		Session struct {
			State string `json:"state"`
		} `json:"session"`
		Errors []struct {
			Context string `json:"context"`
			Kind    string `json:"kind"`
		} `json:"errors"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, string(model.ConnectionDisconnected), out.Session.State)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, "connection", out.Errors[0].Context)
	assert.Equal(t, "provider_unavailable", out.Errors[0].Kind)
}

func TestRun_WritesWithoutWalletFailBeforeSubmitting(t *testing.T) {
	readOnlyEnv(t)

	code, _, stderr := runCLI(t, "", "register-donor", "O+")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "Error: Wallet not connected.")

	code, _, stderr = runCLI(t, "", "history")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "Error: Wallet not connected.")
}

func TestRun_RejectsMalformedArguments(t *testing.T) {
	readOnlyEnv(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"blood group", []string{"request-blood", "Q+"}, "unknown blood group"},
		{"donor address", []string{"record-donation", "0x123", "A+"}, "invalid address"},
		{"request status", []string{"update-request", "1", "DONE"}, "unknown request status"},
		{"schedule id", []string{"update-schedule", "-1", "COMPLETED"}, "schedule id"},
		{"schedule time", []string{"schedule", "0x1111000000000000000000000000000000000001", "tomorrow"}, "schedule time"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			code, _, stderr := runCLI(t, "", tc.args...)
			assert.Equal(t, exitError, code)
			assert.Contains(t, stderr, tc.want)
		})
	}
}

func TestRun_ConnectPromptsForApproval(t *testing.T) {
	keystoreEnv(t)

	code, stdout, stderr := runCLI(t, "y\n", "connect")
	require.Equal(t, exitOK, code, stderr)
	assert.Contains(t, stderr, "Connect account 0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266?")

	var s struct {
		Account string `json:"account"`
		ChainID int64  `json:"chain_id"`
		State   string `json:"state"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &s))
	assert.Equal(t, string(model.ConnectionConnected), s.State)
	assert.Equal(t, int64(31337), s.ChainID)
	assert.True(t, strings.EqualFold("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Account))
}

func TestRun_ConnectDeclined(t *testing.T) {
	keystoreEnv(t)

	code, _, stderr := runCLI(t, "n\n", "connect")
	assert.Equal(t, exitError, code)
	assert.Contains(t, stderr, "Error: The request was rejected in the wallet.")
}

func TestRun_YesSkipsPrompt(t *testing.T) {
	keystoreEnv(t)

	code, _, stderr := runCLI(t, "", "-yes", "connect")
	require.Equal(t, exitOK, code, stderr)
	assert.NotContains(t, stderr, "[y/N]")
}

func TestParseScheduleTime(t *testing.T) {
	at, err := parseScheduleTime("2024-03-01T09:30:00Z")
	require.NoError(t, err)
	assert.Equal(t, int64(1709285400), at.Unix())

	local, err := parseScheduleTime("2024-03-01T09:30")
	require.NoError(t, err)
	assert.Equal(t, time.Local, local.Location())
	assert.Equal(t, 9, local.Hour())

	_, err = parseScheduleTime("03/01/2024")
	assert.Error(t, err)
}

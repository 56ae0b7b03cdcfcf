package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailsync/internal/cache"
	"github.com/brandon/mailsync/internal/config"
	"github.com/brandon/mailsync/internal/credential"
	"github.com/brandon/mailsync/internal/email"
	"github.com/brandon/mailsync/internal/progress"
)

type rpcResponse struct {
	ID     interface{}            `json:"id"`
	Result map[string]interface{} `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	c, err := cache.NewCache(cache.MemoryPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	cfg := &config.Config{CachePath: cache.MemoryPath, Tuning: config.DefaultTuning()}
	m, err := email.NewManager(context.Background(), cfg, cache.NewStore(c, logger),
		progress.NewTracker(logger), credential.NewStore(nil, nil, logger), nil, logger)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	return NewServer(m, "test", logger)
}

func run(t *testing.T, s *Server, requests ...string) []rpcResponse {
	t.Helper()
	var out bytes.Buffer
	s.SetIO(strings.NewReader(strings.Join(requests, "\n")), &out)
	require.NoError(t, s.Run(context.Background()))

	var responses []rpcResponse
	dec := json.NewDecoder(&out)
	for dec.More() {
		var resp rpcResponse
		require.NoError(t, dec.Decode(&resp))
		responses = append(responses, resp)
	}
	return responses
}

func TestInitializeAndListTools(t *testing.T) {
	responses := run(t, newTestServer(t),
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
	)
	require.Len(t, responses, 2, "notifications are not answered")

	initResp := responses[0]
	assert.Equal(t, float64(1), initResp.ID)
	assert.Equal(t, protocolVersion, initResp.Result["protocolVersion"])
	info := initResp.Result["serverInfo"].(map[string]interface{})
	assert.Equal(t, "mailsync", info["name"])
	assert.Equal(t, "test", info["version"])

	var names []string
	for _, tool := range responses[1].Result["tools"].([]interface{}) {
		names = append(names, tool.(map[string]interface{})["name"].(string))
	}
	assert.Contains(t, names, "sync_account")
	assert.Contains(t, names, "fetch_attachment")
	assert.Contains(t, names, "cancel_operation")
}

func TestToolCall(t *testing.T) {
	responses := run(t, newTestServer(t),
		`{"jsonrpc":"2.0","id":"a","method":"tools/call","params":{"name":"list_operations","arguments":{}}}`,
		`{"jsonrpc":"2.0","id":"b","method":"tools/call","params":{"name":"get_message","arguments":{"account_name":"nobody","folder":"INBOX","uid":1}}}`,
		`{"jsonrpc":"2.0","id":"c","method":"tools/call","params":{"name":"search_emails"}}`,
	)
	require.Len(t, responses, 3)

	ok := responses[0]
	require.Nil(t, ok.Error)
	content := ok.Result["content"].([]interface{})[0].(map[string]interface{})
	assert.Equal(t, "text", content["type"])
	assert.JSONEq(t, `{"active":null}`, content["text"].(string))

	failed := responses[1]
	require.NotNil(t, failed.Error)
	assert.Equal(t, codeInternalError, failed.Error.Code)
	assert.Contains(t, failed.Error.Message, "unknown account")

	missing := responses[2]
	require.NotNil(t, missing.Error)
	assert.Equal(t, codeMethodNotFound, missing.Error.Code)
	assert.Equal(t, "Tool not found: search_emails", missing.Error.Message)
}

func TestUnknownMethodAndPing(t *testing.T) {
	responses := run(t, newTestServer(t),
		`{"jsonrpc":"2.0","id":7,"method":"resources/list"}`,
		`{"jsonrpc":"2.0","id":8,"method":"ping"}`,
	)
	require.Len(t, responses, 2)
	require.NotNil(t, responses[0].Error)
	assert.Equal(t, codeMethodNotFound, responses[0].Error.Code)
	assert.Nil(t, responses[1].Error)
	assert.Empty(t, responses[1].Result)
}

func TestMalformedInputEndsSession(t *testing.T) {
	responses := run(t, newTestServer(t), `{"jsonrpc":`+"\n}")
	require.Len(t, responses, 1)
	require.NotNil(t, responses[0].Error)
	assert.Equal(t, codeParseError, responses[0].Error.Code)
	assert.Nil(t, responses[0].ID)
}

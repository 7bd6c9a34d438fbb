package mcp

import (
	"os"
	"path/filepath"
	"testing"
)

// testServerScript writes a small Go program that acts as an MCP server over
// stdio. It answers initialize/tools requests, and exposes a few test/
// methods for exercising failure paths. Passing "headers" as an argument
// switches its replies to Content-Length framing.
func testServerScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "test_server.go")
	err := os.WriteFile(script, []byte(`package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

type Request struct {
	JSONRPC string          `+"`"+`json:"jsonrpc"`+"`"+`
	ID      *int64          `+"`"+`json:"id,omitempty"`+"`"+`
	Method  string          `+"`"+`json:"method"`+"`"+`
	Params  json.RawMessage `+"`"+`json:"params,omitempty"`+"`"+`
}

type Response struct {
	JSONRPC string          `+"`"+`json:"jsonrpc"`+"`"+`
	ID      int64           `+"`"+`json:"id"`+"`"+`
	Result  json.RawMessage `+"`"+`json:"result,omitempty"`+"`"+`
}

var (
	writeMu sync.Mutex
	headers = len(os.Args) > 1 && os.Args[1] == "headers"
)

func write(data []byte) {
	writeMu.Lock()
	defer writeMu.Unlock()
	if headers {
		fmt.Printf("Content-Length: %d\r\n\r\n%s", len(data), data)
	} else {
		fmt.Println(string(data))
	}
}

func reply(id int64, result string) {
	data, _ := json.Marshal(Response{JSONRPC: "2.0", ID: id, Result: json.RawMessage(result)})
	write(data)
}

func handle(req Request) {
	switch req.Method {
	case "initialize":
		reply(*req.ID, `+"`"+`{"protocolVersion":"2024-11-05","capabilities":{"tools":{}},"serverInfo":{"name":"testsrv","version":"1.0"}}`+"`"+`)
	case "tools/list":
		reply(*req.ID, `+"`"+`{"tools":[{"name":"echo","description":"Echoes input"}]}`+"`"+`)
	case "tools/call":
		reply(*req.ID, `+"`"+`{"content":[{"type":"text","text":"echoed"}],"isError":false}`+"`"+`)
	case "shutdown":
		reply(*req.ID, `+"`"+`{}`+"`"+`)
	case "test/sleep":
		time.Sleep(300 * time.Millisecond)
		reply(*req.ID, `+"`"+`{"slept":true}`+"`"+`)
	case "test/never":
		// no reply, ever
	case "test/notify":
		write([]byte(`+"`"+`{"jsonrpc":"2.0","method":"notifications/message","params":{"level":"info","data":"hello"}}`+"`"+`))
		reply(*req.ID, `+"`"+`{}`+"`"+`)
	case "test/crash":
		os.Exit(1)
	default:
		reply(*req.ID, `+"`"+`{}`+"`"+`)
	}
}

func main() {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}
		if req.Method == "exit" {
			os.Exit(0)
		}
		if req.ID == nil {
			continue
		}
		go handle(req)
	}
}
`), 0644)
	if err != nil {
		t.Fatal(err)
	}
	return script
}

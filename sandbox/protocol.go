package sandbox

import (
	"io"

	"github.com/bytedance/sonic"
)

// Host and worker exchange one JSON object per line.
//
//	host   -> worker  exec   {id, code, methods, maxCallStackSize, memoryLimitMB}
//	worker -> host    call   {id, group, method, args}
//	host   -> worker  reply  {id, value | error}
//	worker -> host    result {id, result}
//
// A worker runs one exec at a time and may issue any number of calls before
// its result.
type messageType string

const (
	msgExec   messageType = "exec"
	msgCall   messageType = "call"
	msgReply  messageType = "reply"
	msgResult messageType = "result"
)

type message struct {
	Type messageType `json:"type"`
	ID   uint64      `json:"id"`

	Code             string              `json:"code,omitempty"`
	Methods          map[string][]string `json:"methods,omitempty"`
	MaxCallStackSize int                 `json:"maxCallStackSize,omitempty"`
	MemoryLimitMB    int                 `json:"memoryLimitMB,omitempty"`

	Group  string `json:"group,omitempty"`
	Method string `json:"method,omitempty"`
	Args   []any  `json:"args,omitempty"`

	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`

	Result *Result `json:"result,omitempty"`
}

func newEncoder(w io.Writer) sonic.Encoder {
	return sonic.ConfigDefault.NewEncoder(w)
}

func newDecoder(r io.Reader) sonic.Decoder {
	return sonic.ConfigDefault.NewDecoder(r)
}

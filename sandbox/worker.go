package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime/debug"
	"sync"

	"github.com/bytedance/sonic"
)

// WorkerEnvVar marks a process started as a sandbox worker. Test binaries
// check it in TestMain to act as their own worker.
const WorkerEnvVar = "CODEMODE_SANDBOX_WORKER"

// IsWorkerProcess reports whether WorkerEnvVar is set
func IsWorkerProcess() bool {
	return os.Getenv(WorkerEnvVar) == "1"
}

// RunWorker serves exec requests read from r until r is exhausted. Each
// script gets a fresh runtime; the host enforces the time bound by killing
// the process.
func RunWorker(ctx context.Context, r io.Reader, w io.Writer) error {
	dec := newDecoder(r)
	enc := newEncoder(w)

	for {
		var msg message
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read request: %w", err)
		}
		if msg.Type != msgExec {
			return fmt.Errorf("unexpected message type: %s", msg.Type)
		}

		if msg.MemoryLimitMB > 0 {
			debug.SetMemoryLimit(int64(msg.MemoryLimitMB) << 20)
		}

		res := runRemote(ctx, msg, dec, enc)
		if err := enc.Encode(message{Type: msgResult, ID: msg.ID, Result: res}); err != nil {
			return fmt.Errorf("failed to write result: %w", err)
		}
	}
}

func runRemote(ctx context.Context, msg message, dec sonic.Decoder, enc sonic.Encoder) *Result {
	stack := msg.MaxCallStackSize
	if stack <= 0 {
		stack = DefaultMaxCallStackSize
	}
	eng, err := newEngine(stack)
	if err != nil {
		return faultResult()
	}

	api := &remoteBindings{methods: msg.Methods, dec: dec, enc: enc}
	sink := newConsoleSink(nil)
	out := eng.run(ctx, msg.Code, api, sink)

	res := out.result()
	res.Console = sink.drain()
	return res
}

// remoteBindings forwards every call to the host and blocks for its reply
type remoteBindings struct {
	methods map[string][]string
	dec     sonic.Decoder
	enc     sonic.Encoder

	mu     sync.Mutex
	nextID uint64
}

func (b *remoteBindings) Methods() map[string][]string {
	return b.methods
}

func (b *remoteBindings) Invoke(_ context.Context, group, method string, args []any) (any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if err := b.enc.Encode(message{Type: msgCall, ID: id, Group: group, Method: method, Args: args}); err != nil {
		return nil, fmt.Errorf("failed to send call: %w", err)
	}

	var reply message
	if err := b.dec.Decode(&reply); err != nil {
		return nil, fmt.Errorf("failed to read reply: %w", err)
	}
	if reply.Type != msgReply || reply.ID != id {
		return nil, fmt.Errorf("unexpected %s message %d while waiting for reply %d", reply.Type, reply.ID, id)
	}
	if reply.Error != "" {
		return nil, errors.New(reply.Error)
	}
	return reply.Value, nil
}

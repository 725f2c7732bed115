package ipc

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
)

func TestCodec(t *testing.T) {
	c := codec{}
	in := Frames{[]byte("new-send"), []byte("42"), {}}
	data, err := c.Marshal(&in)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 8}, data[:4])

	var out Frames
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, in, out)

	var empty Frames
	require.NoError(t, c.Unmarshal(nil, &empty))
	assert.Equal(t, 0, empty.Len())
}

func TestCodec_Malformed(t *testing.T) {
	c := codec{}
	var out Frames
	assert.ErrorIs(t, c.Unmarshal([]byte{0, 0}, &out), ErrMalformed)
	assert.ErrorIs(t, c.Unmarshal([]byte{0, 0, 0, 9, 'a'}, &out), ErrMalformed)
	assert.ErrorIs(t, c.Unmarshal([]byte{0xff, 0xff, 0xff, 0xff}, &out), ErrMalformed)

	_, err := c.Marshal("not frames")
	assert.Error(t, err)
}

func TestFramesAccessors(t *testing.T) {
	f := NewFrames("SUCCESS", "started")
	assert.Equal(t, "SUCCESS", f.Command())
	assert.Equal(t, "started", f.Arg(1))
	assert.Equal(t, "", f.Arg(2))
	assert.Nil(t, f.Raw(-1))

	var nilFrames *Frames
	assert.Equal(t, "", nilFrames.Command())
	assert.Equal(t, 0, nilFrames.Len())
}

func TestListen_RemovesStaleSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.sock")
	first, err := Listen(path)
	require.NoError(t, err)
	// Simulate a crashed process: the file stays behind.
	if ul, ok := first.(interface{ SetUnlinkOnClose(bool) }); ok {
		ul.SetUnlinkOnClose(false)
	}
	require.NoError(t, first.Close())
	_, err = os.Stat(path)
	require.NoError(t, err)

	second, err := Listen(path)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestListen_RefusesRegularFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "b.sock")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	_, err := Listen(path)
	assert.Error(t, err)
}

type echoBroker struct{}

func (echoBroker) Request(_ context.Context, req *Frames) (*Frames, error) {
	return Success(req.Command() + ":" + req.Arg(1)), nil
}

type collectReceiver struct {
	got chan []string
}

func (r *collectReceiver) Receive(stream ReceiveServerStream) error {
	var cmds []string
	for {
		m, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		cmds = append(cmds, m.Command())
	}
	r.got <- cmds
	return stream.SendAndClose(Success("done"))
}

func serve(t *testing.T, register func(*grpc.Server)) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "s.sock")
	lis, err := Listen(path)
	require.NoError(t, err)
	srv := grpc.NewServer()
	register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return path
}

func TestBrokerRoundTrip(t *testing.T) {
	path := serve(t, func(s *grpc.Server) { RegisterBrokerServer(s, echoBroker{}) })

	conn, err := Dial(UnixTarget(path))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	reply, err := Request(ctx, conn.Client(), NewFrames("new-send", "7"), grpc.WaitForReady(true))
	require.NoError(t, err)
	assert.Equal(t, ReplySuccess, reply.Command())
	assert.Equal(t, "new-send:7", reply.Arg(1))

	require.NoError(t, conn.Reconnect())
	reply, err = Request(ctx, conn.Client(), NewFrames("status"), grpc.WaitForReady(true))
	require.NoError(t, err)
	assert.Equal(t, "status:", reply.Arg(1))

	require.NoError(t, conn.Close())
	assert.Nil(t, conn.Client())
	assert.NoError(t, conn.Close())
}

func TestReceiveStream(t *testing.T) {
	rcv := &collectReceiver{got: make(chan []string, 1)}
	path := serve(t, func(s *grpc.Server) { RegisterReceiverServer(s, rcv) })

	conn, err := Dial(UnixTarget(path))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := OpenReceive(ctx, conn.Client(), grpc.WaitForReady(true))
	require.NoError(t, err)
	require.NoError(t, stream.Send(NewFrames("begin", "{}")))
	require.NoError(t, stream.Send(&Frames{[]byte("data"), []byte{0, 1, 2}}))
	require.NoError(t, stream.Send(NewFrames("end")))
	reply, err := stream.CloseAndRecv()
	require.NoError(t, err)
	assert.Equal(t, "done", reply.Arg(1))
	assert.Equal(t, []string{"begin", "data", "end"}, <-rcv.got)
}

package rpc

import (
	"bytes"
	"net"
	"testing"

	"github.com/aarch64rdbg/engine/rdbg"
	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type RPCSuite struct{}

func TestRPC(t *testing.T) {
	suite.RunTests(t, &RPCSuite{})
}

func (RPCSuite) TestSplitCommand(t *testing.T) {
	command, content := splitCommand([]byte("read_memory|0x1000 8"))
	expect.Equal(t, "read_memory", command)
	expect.Equal(t, "0x1000 8", string(content))
}

func (RPCSuite) TestSplitCommandWithoutContent(t *testing.T) {
	command, content := splitCommand([]byte("ping"))
	expect.Equal(t, "ping", command)
	expect.Nil(t, content)
}

func (RPCSuite) TestEncodeReply(t *testing.T) {
	payload := encodeReply("success", []byte("ok"))
	expect.Equal(t, "success|ok", string(payload))
}

func (RPCSuite) TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer

	expect.Nil(t, writeFrame(&buf, []byte("hello")))

	got, err := readFrame(&buf)
	expect.Nil(t, err)
	expect.Equal(t, "hello", string(got))
}

func (RPCSuite) TestReadFrameRejectsOversizedLength(t *testing.T) {
	// a length prefix claiming a payload far larger than maxPayloadSize.
	oversized := []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	_, err := readFrame(bytes.NewReader(oversized))
	expect.NotNil(t, err)
}

func (RPCSuite) TestServeDispatchesRegisteredCommand(t *testing.T) {
	server := &Server{handlers: map[string]Handler{}}
	server.Register("ping", func(_ *rdbg.Debugger, content []byte) ([]byte, error) {
		return content, nil
	})

	reply := server.dispatch([]byte("ping|hello"))
	command, content := splitCommand(reply)
	expect.Equal(t, "success", command)
	expect.Equal(t, "hello", string(content))
}

func (RPCSuite) TestServeDispatchUnknownCommand(t *testing.T) {
	server := &Server{handlers: map[string]Handler{}}
	reply := server.dispatch([]byte("bogus|x"))
	command, _ := splitCommand(reply)
	expect.Equal(t, "error", command)
}

func (RPCSuite) TestClientServerPing(t *testing.T) {
	server := NewServer()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	expect.Nil(t, err)

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		server.replaceConnection(conn)
		server.serveConnection(conn)
	}()

	client, err := Dial(listener.Addr().String())
	expect.Nil(t, err)
	defer client.Close()

	command, content, err := client.Call("ping", []byte("hi"))
	expect.Nil(t, err)
	expect.Equal(t, "success", command)
	expect.Equal(t, "hi", string(content))

	expect.Nil(t, listener.Close())
}

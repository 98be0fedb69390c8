package relay

import (
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"wlrelay/internal/hook"
	"wlrelay/internal/protocol"
	"wlrelay/internal/wire"
)

func unixPair(t *testing.T) (*net.UnixConn, *net.UnixConn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	return fileConn(t, fds[0]), fileConn(t, fds[1])
}

func fileConn(t *testing.T, fd int) *net.UnixConn {
	t.Helper()
	f := os.NewFile(uintptr(fd), "socketpair")
	defer f.Close()
	c, err := net.FileConn(f)
	require.NoError(t, err)
	return c.(*net.UnixConn)
}

// harness runs a session between two socket pairs. client and server are
// the test's ends, playing the Wayland client and the compositor.
type harness struct {
	client *net.UnixConn
	server *net.UnixConn
	sess   *Session
	// toClient is the session's own socket toward the client.
	toClient *net.UnixConn

	once   sync.Once
	done   chan error
	result error
}

func start(t *testing.T, cfg Config) *harness {
	t.Helper()
	clientPeer, clientSide := unixPair(t)
	serverPeer, serverSide := unixPair(t)
	if cfg.DrainTimeout == 0 {
		cfg.DrainTimeout = time.Second
	}
	cfg.Logger = zerolog.Nop()
	h := &harness{
		client:   clientPeer,
		server:   serverPeer,
		sess:     New(clientSide, serverSide, cfg),
		toClient: clientSide,
		done:     make(chan error, 1),
	}
	go func() { h.done <- h.sess.Run() }()
	t.Cleanup(func() {
		h.sess.Close()
		h.wait(t)
		clientPeer.Close()
		serverPeer.Close()
	})
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	h.once.Do(func() {
		select {
		case h.result = <-h.done:
		case <-time.After(5 * time.Second):
			t.Fatal("session did not finish")
		}
	})
	return h.result
}

func msg(sender uint32, opcode uint16, args ...wire.Arg) wire.Message {
	return wire.Message{Sender: sender, Opcode: opcode, Args: args}
}

func encode(t *testing.T, msgs ...wire.Message) ([]byte, []int) {
	t.Helper()
	var data []byte
	var fds []int
	for _, m := range msgs {
		var got []int
		var err error
		data, got, err = wire.AppendMessage(data, m)
		require.NoError(t, err)
		fds = append(fds, got...)
	}
	return data, fds
}

func send(t *testing.T, c *net.UnixConn, msgs ...wire.Message) []byte {
	t.Helper()
	data, fds := encode(t, msgs...)
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	_, _, err := c.WriteMsgUnix(data, oob, nil)
	require.NoError(t, err)
	return data
}

func recv(t *testing.T, c *net.UnixConn, n int) ([]byte, []int) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	var data []byte
	var fds []int
	buf := make([]byte, 4096)
	oob := make([]byte, unix.CmsgSpace(maxFdsOut*4))
	for len(data) < n {
		k, oobn, _, _, err := c.ReadMsgUnix(buf[:n-len(data)], oob)
		require.NoError(t, err)
		if oobn > 0 {
			got, err := parseRights(oob[:oobn])
			require.NoError(t, err)
			fds = append(fds, got...)
		}
		require.False(t, k == 0 && oobn == 0, "unexpected end of stream")
		data = append(data, buf[:k]...)
	}
	return data, fds
}

func expectEOF(t *testing.T, c *net.UnixConn) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, err := c.Read(make([]byte, 64))
	assert.Zero(t, n)
	assert.ErrorIs(t, err, io.EOF)
}

// relayed sends msgs from one end, checks the other end receives the same
// bytes and returns them.
func relayed(t *testing.T, from, to *net.UnixConn, msgs ...wire.Message) []byte {
	t.Helper()
	want := send(t, from, msgs...)
	got, _ := recv(t, to, len(want))
	require.Equal(t, want, got)
	return got
}

// handshake binds a registry (2), a compositor (5) and an output (6).
func handshake(t *testing.T, h *harness) {
	t.Helper()
	relayed(t, h.client, h.server,
		msg(1, 1, wire.NewID(2)),
		msg(2, 0, wire.Uint(1), wire.String("wl_compositor"), wire.Uint(4), wire.NewID(5)),
		msg(2, 0, wire.Uint(2), wire.String("wl_output"), wire.Uint(3), wire.NewID(6)),
	)
}

func TestRelayBothDirections(t *testing.T) {
	h := start(t, Config{})
	relayed(t, h.client, h.server, msg(1, 1, wire.NewID(2)))
	relayed(t, h.server, h.client,
		msg(2, 0, wire.Uint(1), wire.String("wl_compositor"), wire.Uint(6)),
		msg(2, 0, wire.Uint(2), wire.String("wl_shm"), wire.Uint(1)),
	)
	assert.Equal(t, StateActive, h.sess.State())

	require.NoError(t, h.sess.Close())
	assert.NoError(t, h.wait(t))
	assert.Equal(t, StateClosed, h.sess.State())
	st := h.sess.Stats()
	assert.Equal(t, int64(3), st.MessagesIn)
	assert.Equal(t, int64(3), st.MessagesOut)
}

func TestSurfaceLifecycleThroughSession(t *testing.T) {
	h := start(t, Config{})
	handshake(t, h)

	relayed(t, h.client, h.server, msg(5, 0, wire.NewID(3)))
	// wl_surface.enter
	relayed(t, h.server, h.client, msg(3, 0, wire.Object(6)))
	// wl_surface.destroy
	relayed(t, h.client, h.server, msg(3, 0))

	send(t, h.server, msg(3, 0, wire.Object(6)))
	err := h.wait(t)
	var re *Error
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindViolation, re.Kind)
	assert.Equal(t, protocol.Server, re.Side)
	assert.True(t, re.Fatal())
	expectEOF(t, h.client)
}

func TestMalformedHeaderClosesSession(t *testing.T) {
	h := start(t, Config{})
	bad := wire.AppendHeader(nil, wire.Header{Sender: 1, Opcode: 0, Size: 4})
	_, err := h.client.Write(bad)
	require.NoError(t, err)

	var re *Error
	require.ErrorAs(t, h.wait(t), &re)
	assert.Equal(t, KindMalformed, re.Kind)
	assert.Equal(t, protocol.Client, re.Side)
	expectEOF(t, h.server)
}

func TestPartialMessagesAreBuffered(t *testing.T) {
	h := start(t, Config{})
	data, _ := encode(t, msg(1, 1, wire.NewID(2)), msg(1, 0, wire.NewID(3)))
	for _, b := range data {
		_, err := h.client.Write([]byte{b})
		require.NoError(t, err)
	}
	got, _ := recv(t, h.server, len(data))
	assert.Equal(t, data, got)
}

// deleteIDs encodes n wl_display.delete_id events for ids nobody holds.
func deleteIDs(t *testing.T, n int) []byte {
	t.Helper()
	msgs := make([]wire.Message, n)
	for i := range msgs {
		msgs[i] = msg(1, 1, wire.Uint(uint32(100000+i)))
	}
	data, _ := encode(t, msgs...)
	return data
}

func TestDrainFlushesQueuedMessages(t *testing.T) {
	h := start(t, Config{QueueDepth: 4096, DrainTimeout: 5 * time.Second})
	require.NoError(t, h.toClient.SetWriteBuffer(4096))

	want := deleteIDs(t, 2048)
	_, err := h.server.Write(want)
	require.NoError(t, err)
	require.NoError(t, h.server.Close())

	// The client has not read anything yet, so most of the stream is still
	// queued inside the session when the compositor's end of stream is seen.
	require.Eventually(t, func() bool { return h.sess.State() == StateDraining }, 5*time.Second, time.Millisecond)
	assert.Less(t, h.sess.Stats().BytesOut, int64(len(want)))

	got, _ := recv(t, h.client, len(want))
	assert.Equal(t, want, got)
	expectEOF(t, h.client)
	assert.NoError(t, h.wait(t))
	st := h.sess.Stats()
	assert.Equal(t, int64(len(want)), st.BytesOut)
	assert.Equal(t, int64(2048), st.MessagesOut)
}

func TestBlockedDirectionDoesNotStallOther(t *testing.T) {
	h := start(t, Config{QueueDepth: 2})
	require.NoError(t, h.toClient.SetWriteBuffer(4096))

	flood := deleteIDs(t, 8192)
	flooded := make(chan error, 1)
	go func() {
		_, err := h.server.Write(flood)
		flooded <- err
	}()

	// The client reads nothing while it keeps talking to the compositor.
	var toServer int
	for id := uint32(3); id < 8; id++ {
		toServer += len(relayed(t, h.client, h.server, msg(1, 0, wire.NewID(id))))
	}
	assert.Less(t, h.sess.Stats().BytesOut, int64(toServer+len(flood)))
	assert.Equal(t, StateActive, h.sess.State())

	got, _ := recv(t, h.client, len(flood))
	assert.Equal(t, flood, got)
	select {
	case err := <-flooded:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("compositor writes never completed")
	}
	assert.Eventually(t, func() bool {
		return h.sess.Stats().BytesOut == int64(toServer+len(flood))
	}, 5*time.Second, time.Millisecond)
}

func TestDrainTimeoutClosesUndeliveredFds(t *testing.T) {
	h := start(t, Config{QueueDepth: 4096, DrainTimeout: 200 * time.Millisecond})
	require.NoError(t, h.toClient.SetWriteBuffer(4096))
	relayed(t, h.client, h.server,
		msg(1, 1, wire.NewID(2)),
		msg(2, 0, wire.Uint(1), wire.String("wl_seat"), wire.Uint(7), wire.NewID(3)),
		msg(3, 1, wire.NewID(4)),
	)

	devnull, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(devnull)

	// wl_keyboard.keymap events nobody reads
	const batches, perBatch = 5, 200
	for i := 0; i < batches; i++ {
		msgs := make([]wire.Message, perBatch)
		for j := range msgs {
			msgs[j] = msg(4, 0, wire.Uint(1), wire.Fd(devnull), wire.Uint(4096))
		}
		send(t, h.server, msgs...)
	}
	require.NoError(t, h.server.Close())

	assert.NoError(t, h.wait(t))
	st := h.sess.Stats()
	assert.Equal(t, int64(batches*perBatch), st.FdsReceived)
	assert.Equal(t, st.FdsReceived, st.FdsForwarded+st.FdsClosed)
	assert.Positive(t, st.FdsClosed)
	assert.Less(t, st.MessagesOut, int64(3+batches*perBatch))
}

func TestFdForwarded(t *testing.T) {
	h := start(t, Config{})
	relayed(t, h.client, h.server,
		msg(1, 1, wire.NewID(2)),
		msg(2, 0, wire.Uint(3), wire.String("wl_shm"), wire.Uint(1), wire.NewID(4)),
	)

	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	defer unix.Close(p[0])

	want := send(t, h.client, msg(4, 0, wire.NewID(7), wire.Fd(p[1]), wire.Int(4096)))
	require.NoError(t, unix.Close(p[1]))
	got, fds := recv(t, h.server, len(want))
	assert.Equal(t, want, got)
	require.Len(t, fds, 1)

	_, err := unix.Write(fds[0], []byte("ok"))
	require.NoError(t, err)
	require.NoError(t, unix.Close(fds[0]))

	buf := make([]byte, 8)
	n, err := unix.Read(p[0], buf)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(buf[:n]))

	require.NoError(t, h.sess.Close())
	require.NoError(t, h.wait(t))
	st := h.sess.Stats()
	assert.Equal(t, int64(1), st.FdsReceived)
	assert.Equal(t, int64(1), st.FdsForwarded)
	assert.Zero(t, st.FdsClosed)

	// every copy of the write end is closed now
	n, err = unix.Read(p[0], buf)
	assert.NoError(t, err)
	assert.Zero(t, n)
}

func TestFdConservation(t *testing.T) {
	dropPool := hook.Func(func(_ protocol.Side, m hook.Message) hook.Action {
		if m.Interface == "wl_shm" && m.Name == "create_pool" {
			return hook.Drop()
		}
		return hook.Forward(m.Message)
	})
	h := start(t, Config{Hook: dropPool})
	relayed(t, h.client, h.server,
		msg(1, 1, wire.NewID(2)),
		msg(2, 0, wire.Uint(3), wire.String("wl_shm"), wire.Uint(1), wire.NewID(4)),
	)

	var readEnds []int
	pipe := func() int {
		var p [2]int
		require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
		readEnds = append(readEnds, p[0])
		return p[1]
	}

	// dropped by the hook
	w1 := pipe()
	send(t, h.client, msg(4, 0, wire.NewID(7), wire.Fd(w1), wire.Int(4096)))
	unix.Close(w1)
	// forwarded
	w2 := pipe()
	want := send(t, h.client, msg(4, 0, wire.NewID(8), wire.Fd(w2), wire.Int(4096)))
	unix.Close(w2)
	// stray descriptor with a message that declares none
	w3 := pipe()
	data, _ := encode(t, msg(1, 0, wire.NewID(9)))
	_, _, err := h.client.WriteMsgUnix(data, unix.UnixRights(w3), nil)
	require.NoError(t, err)
	unix.Close(w3)

	_, fds := recv(t, h.server, len(want)+len(data))
	require.Len(t, fds, 1)
	unix.Close(fds[0])

	require.NoError(t, h.client.Close())
	require.NoError(t, h.wait(t))

	st := h.sess.Stats()
	assert.Equal(t, int64(3), st.FdsReceived)
	assert.Equal(t, int64(1), st.FdsForwarded)
	assert.Equal(t, int64(2), st.FdsClosed)
	assert.Equal(t, int64(1), st.Dropped)

	buf := make([]byte, 1)
	for _, fd := range readEnds {
		n, err := unix.Read(fd, buf)
		assert.NoError(t, err)
		assert.Zero(t, n, "write end still open somewhere")
		unix.Close(fd)
	}
}

const dmabufXML = `<protocol name="linux_dmabuf_v1">
  <interface name="zwp_linux_dmabuf_v1" version="3">
    <request name="destroy" type="destructor"/>
    <request name="create_params">
      <arg name="params_id" type="new_id" interface="zwp_linux_buffer_params_v1"/>
    </request>
  </interface>
  <interface name="zwp_linux_buffer_params_v1" version="3">
    <request name="destroy" type="destructor"/>
    <request name="add">
      <arg name="fd" type="fd"/>
      <arg name="plane_idx" type="uint"/>
      <arg name="offset" type="uint"/>
      <arg name="stride" type="uint"/>
      <arg name="modifier_hi" type="uint"/>
      <arg name="modifier_lo" type="uint"/>
    </request>
    <request name="create">
      <arg name="width" type="int"/>
      <arg name="height" type="int"/>
      <arg name="format" type="uint"/>
      <arg name="flags" type="uint"/>
    </request>
    <request name="create_immed">
      <arg name="buffer_id" type="new_id" interface="wl_buffer"/>
      <arg name="width" type="int"/>
      <arg name="height" type="int"/>
      <arg name="format" type="uint"/>
      <arg name="flags" type="uint"/>
    </request>
  </interface>
</protocol>`

func TestLoadedInterfaceCarriesFdAndNewID(t *testing.T) {
	ifaces, err := protocol.ParseXML(strings.NewReader(dmabufXML))
	require.NoError(t, err)
	set := protocol.Core()
	set.Add(ifaces...)
	h := start(t, Config{Protocol: set, AllowOpaque: true})
	handshake(t, h)

	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	defer unix.Close(p[0])

	relayed(t, h.client, h.server,
		msg(2, 0, wire.Uint(7), wire.String("zwp_linux_dmabuf_v1"), wire.Uint(3), wire.NewID(8)),
		msg(8, 1, wire.NewID(9)),
	)
	want := send(t, h.client, msg(9, 1, wire.Fd(p[1]), wire.Uint(0), wire.Uint(0), wire.Uint(256), wire.Uint(0), wire.Uint(0)))
	require.NoError(t, unix.Close(p[1]))
	got, fds := recv(t, h.server, len(want))
	assert.Equal(t, want, got)
	require.Len(t, fds, 1)
	_, err = unix.Write(fds[0], []byte("x"))
	require.NoError(t, err)
	unix.Close(fds[0])

	// create_immed allocates a wl_buffer that core requests then refer to
	relayed(t, h.client, h.server,
		msg(9, 3, wire.NewID(10), wire.Int(64), wire.Int(64), wire.Uint(0x34325258), wire.Uint(0)),
		msg(5, 0, wire.NewID(11)),
		msg(11, 1, wire.Object(10), wire.Int(0), wire.Int(0)),
	)
	assert.Equal(t, StateActive, h.sess.State())

	buf := make([]byte, 4)
	n, err := unix.Read(p[0], buf)
	require.NoError(t, err)
	assert.Equal(t, "x", string(buf[:n]))

	require.NoError(t, h.sess.Close())
	require.NoError(t, h.wait(t))
	st := h.sess.Stats()
	assert.Equal(t, int64(1), st.FdsForwarded)
	assert.Zero(t, st.FdsClosed)
}

func TestOpaqueMessageWithQueuedFdFailsClosed(t *testing.T) {
	h := start(t, Config{AllowOpaque: true})
	relayed(t, h.client, h.server,
		msg(1, 1, wire.NewID(2)),
		msg(2, 0, wire.Uint(3), wire.String("wl_shm"), wire.Uint(1), wire.NewID(4)),
		msg(2, 0, wire.Uint(9), wire.String("zwp_linux_dmabuf_v1"), wire.Uint(4), wire.NewID(5)),
	)

	var readEnds, writeEnds []int
	for i := 0; i < 2; i++ {
		var p [2]int
		require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
		readEnds = append(readEnds, p[0])
		writeEnds = append(writeEnds, p[1])
	}

	// An opaque request on the unknown interface followed by create_pool,
	// with one descriptor for each in the same send.
	data, _ := encode(t,
		wire.Message{Sender: 5, Opcode: 7, Raw: []byte{0, 0, 0, 0}},
		msg(4, 0, wire.NewID(6), wire.Fd(-1), wire.Int(4096)),
	)
	_, _, err := h.client.WriteMsgUnix(data, unix.UnixRights(writeEnds...), nil)
	require.NoError(t, err)
	wire.CloseFds(writeEnds)

	var re *Error
	require.ErrorAs(t, h.wait(t), &re)
	assert.Equal(t, KindFdTransfer, re.Kind)
	assert.Equal(t, protocol.Client, re.Side)
	assert.ErrorIs(t, re, wire.ErrUnclaimedFd)
	expectEOF(t, h.server)

	st := h.sess.Stats()
	assert.Zero(t, st.FdsForwarded)
	assert.Equal(t, st.FdsReceived, st.FdsClosed)

	buf := make([]byte, 1)
	for _, fd := range readEnds {
		n, err := unix.Read(fd, buf)
		assert.NoError(t, err)
		assert.Zero(t, n, "write end still open somewhere")
		unix.Close(fd)
	}
}

func TestStrayFdsAreBounded(t *testing.T) {
	h := start(t, Config{})
	devnull, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(devnull)

	const perSend = 250
	rights := make([]int, perSend)
	for i := range rights {
		rights[i] = devnull
	}
	// wl_display.sync declares no descriptors
	for i := 0; i*perSend <= wire.MaxQueuedFds; i++ {
		data, _ := encode(t, msg(1, 0, wire.NewID(uint32(10+i))))
		_, _, err := h.client.WriteMsgUnix(data, unix.UnixRights(rights...), nil)
		require.NoError(t, err)
	}

	var re *Error
	require.ErrorAs(t, h.wait(t), &re)
	assert.Equal(t, KindFdTransfer, re.Kind)
	assert.Equal(t, protocol.Client, re.Side)
	st := h.sess.Stats()
	assert.Greater(t, st.FdsReceived, int64(wire.MaxQueuedFds))
	assert.Zero(t, st.FdsForwarded)
	assert.Equal(t, st.FdsReceived, st.FdsClosed)
}

// script drives a short exchange and returns what each end received.
func script(t *testing.T, cfg Config) ([]byte, []byte, Stats) {
	h := start(t, cfg)
	var toServer, toClient []byte
	toServer = append(toServer, relayed(t, h.client, h.server,
		msg(1, 1, wire.NewID(2)),
		msg(2, 0, wire.Uint(1), wire.String("wl_compositor"), wire.Uint(4), wire.NewID(5)),
		msg(2, 0, wire.Uint(2), wire.String("wl_output"), wire.Uint(3), wire.NewID(6)),
	)...)
	toServer = append(toServer, relayed(t, h.client, h.server, msg(5, 0, wire.NewID(3)), msg(3, 6))...)
	toClient = append(toClient, relayed(t, h.server, h.client,
		msg(3, 0, wire.Object(6)),
		msg(1, 1, wire.Uint(40)),
	)...)
	require.NoError(t, h.sess.Close())
	require.NoError(t, h.wait(t))
	return toServer, toClient, h.sess.Stats()
}

func TestPassthroughIsTransparent(t *testing.T) {
	s1, c1, st1 := script(t, Config{})
	s2, c2, st2 := script(t, Config{Hook: hook.Passthrough})
	assert.Equal(t, s1, s2)
	assert.Equal(t, c1, c2)
	assert.Equal(t, st1, st2)
}

func TestHookInjectsBeforeOriginal(t *testing.T) {
	injectSync := hook.Func(func(from protocol.Side, m hook.Message) hook.Action {
		if from == protocol.Client && m.Interface == "wl_display" && m.Name == "get_registry" {
			return hook.Inject([]wire.Message{msg(1, 0, wire.NewID(10))}, hook.Forward(m.Message))
		}
		return hook.Forward(m.Message)
	})
	h := start(t, Config{Hook: injectSync})

	sent := send(t, h.client, msg(1, 1, wire.NewID(2)))
	injected, _ := encode(t, msg(1, 0, wire.NewID(10)))
	got, _ := recv(t, h.server, len(injected)+len(sent))
	assert.Equal(t, append(injected, sent...), got)

	// the injected callback is tracked, so its destructor event passes
	relayed(t, h.server, h.client, msg(10, 0, wire.Uint(1)))

	require.NoError(t, h.sess.Close())
	require.NoError(t, h.wait(t))
	assert.Equal(t, int64(1), h.sess.Stats().Injected)
}

func TestHookDuplicateFdFails(t *testing.T) {
	dup := hook.Func(func(_ protocol.Side, m hook.Message) hook.Action {
		if len(m.Fds()) == 0 {
			return hook.Forward(m.Message)
		}
		return hook.Inject([]wire.Message{m.Message}, hook.Forward(m.Message))
	})
	h := start(t, Config{Hook: dup})
	relayed(t, h.client, h.server,
		msg(1, 1, wire.NewID(2)),
		msg(2, 0, wire.Uint(3), wire.String("wl_shm"), wire.Uint(1), wire.NewID(4)),
	)
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	defer unix.Close(p[0])
	send(t, h.client, msg(4, 0, wire.NewID(7), wire.Fd(p[1]), wire.Int(4096)))
	unix.Close(p[1])

	var re *Error
	require.ErrorAs(t, h.wait(t), &re)
	assert.Equal(t, KindHook, re.Kind)
	st := h.sess.Stats()
	assert.Equal(t, st.FdsReceived, st.FdsClosed+st.FdsForwarded)
}

func TestSendMsgSplitsDescriptors(t *testing.T) {
	a, b := unixPair(t)
	defer a.Close()
	defer b.Close()

	var fds []int
	for i := 0; i < maxFdsOut+5; i++ {
		fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
		require.NoError(t, err)
		fds = append(fds, fd)
	}
	defer wire.CloseFds(fds)
	data, _ := encode(t, msg(1, 1, wire.NewID(2)))
	require.NoError(t, sendMsg(a, data, fds))

	got, received := recv(t, b, len(data))
	assert.Equal(t, data, got)
	assert.Len(t, received, len(fds))
	wire.CloseFds(received)

	assert.ErrorIs(t, sendMsg(a, data[:1], fds), ErrFdTransfer)
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		kind Kind
	}{
		{wire.ErrMalformedHeader, KindMalformed},
		{wire.ErrMalformedMessage, KindMalformed},
		{wire.ErrUnknownMessage, KindViolation},
		{wire.ErrMissingFd, KindFdTransfer},
		{wire.ErrUnclaimedFd, KindFdTransfer},
		{ErrFdTransfer, KindFdTransfer},
		{io.EOF, KindIO},
	}
	for _, tc := range cases {
		e := classify(protocol.Client, tc.err)
		assert.Equal(t, tc.kind, e.Kind, tc.err.Error())
		assert.ErrorIs(t, e, tc.err)
	}
	assert.False(t, classify(protocol.Server, io.EOF).Fatal())
}

package share_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	ptylib "github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/PiranhaCodes/ttyshare/internal/ipc"
	"github.com/PiranhaCodes/ttyshare/internal/share"
)

const waitTimeout = 5 * time.Second

// collector accumulates everything read from f in the background.
type collector struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func collect(f *os.File) *collector {
	c := &collector{}
	go func() {
		b := make([]byte, 1024)
		for {
			n, err := f.Read(b)
			if n > 0 {
				c.mu.Lock()
				c.buf.Write(b[:n])
				c.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()
	return c
}

func (c *collector) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func (c *collector) waitLen(n int) string {
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if s := c.String(); len(s) >= n {
			return s
		}
		time.Sleep(5 * time.Millisecond)
	}
	return c.String()
}

type LoopTestSuite struct {
	suite.Suite

	master, slave *os.File
	outR, outW    *os.File
	path          string
	server        *ipc.Server
	loop          *share.Loop

	fromSlave *collector // what the program side would read
	terminal  *collector // what the owning terminal would show

	cancel context.CancelFunc
	result chan error
}

func (s *LoopTestSuite) SetupTest() {
	var err error
	s.master, s.slave, err = ptylib.Open()
	s.Require().NoError(err)
	// program side in raw mode so bytes arrive exactly as the loop wrote them
	_, err = term.MakeRaw(int(s.slave.Fd()))
	s.Require().NoError(err)

	s.outR, s.outW, err = os.Pipe()
	s.Require().NoError(err)

	s.path = filepath.Join(s.T().TempDir(), "share.sock")
	s.server = ipc.NewServer(s.path, 0, nil)
	s.Require().NoError(s.server.Listen())

	s.fromSlave = collect(s.slave)
	s.terminal = collect(s.outR)
	s.result = make(chan error, 1)
}

func (s *LoopTestSuite) start(input int) {
	s.startWith(share.Config{
		Master:   int(s.master.Fd()),
		Output:   s.outW,
		Input:    input,
		Listener: s.server,
	}, nil)
}

// startWith builds the loop from cfg, calls prepare (if any) once the loop
// exists, then runs it in the background.
func (s *LoopTestSuite) startWith(cfg share.Config, prepare func()) {
	var err error
	s.loop, err = share.NewLoop(cfg)
	s.Require().NoError(err)
	if prepare != nil {
		prepare()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() { s.result <- s.loop.Run(ctx) }()
}

func (s *LoopTestSuite) TearDownTest() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.loop != nil {
		select {
		case <-s.result:
		case <-time.After(waitTimeout):
		}
		s.loop.Close()
		s.loop = nil
	}
	s.server.Close()
	s.master.Close()
	s.slave.Close()
	s.outR.Close()
	s.outW.Close()
}

func (s *LoopTestSuite) dial() net.Conn {
	conn, err := ipc.Dial(s.path)
	s.Require().NoError(err)
	return conn
}

func (s *LoopTestSuite) waitResult() error {
	select {
	case err := <-s.result:
		s.loop.Close()
		return err
	case <-time.After(waitTimeout):
		s.FailNow("loop did not finish")
		return nil
	}
}

func (s *LoopTestSuite) TestClientLineFeedBecomesCarriageReturn() {
	s.start(-1)
	conn := s.dial()
	defer conn.Close()

	_, err := conn.Write([]byte("hello\n"))
	s.Require().NoError(err)

	got := s.fromSlave.waitLen(6)
	time.Sleep(50 * time.Millisecond)
	s.Equal("hello\r", s.fromSlave.String())
	s.Equal("hello\r", got)
}

func (s *LoopTestSuite) TestPTYOutputGetsCarriageReturnAfterLineFeed() {
	s.start(-1)
	_, err := s.slave.Write([]byte("prompt>\n"))
	s.Require().NoError(err)

	s.Equal("prompt>\n\r", s.terminal.waitLen(9))
}

func (s *LoopTestSuite) TestTwoClientsEachByteOnce() {
	s.start(-1)
	c1 := s.dial()
	defer c1.Close()
	c2 := s.dial()
	defer c2.Close()

	_, err := c1.Write([]byte("A"))
	s.Require().NoError(err)
	_, err = c2.Write([]byte("B"))
	s.Require().NoError(err)

	got := s.fromSlave.waitLen(2)
	time.Sleep(50 * time.Millisecond)
	s.Len(s.fromSlave.String(), 2)
	s.ElementsMatch([]byte("AB"), []byte(got))
}

func (s *LoopTestSuite) TestFanInKeepsPerClientOrder() {
	s.start(-1)
	c1 := s.dial()
	defer c1.Close()
	c2 := s.dial()
	defer c2.Close()

	first := "abcdefghijklmnopqrstuvwxyz"
	second := "0123456789ABCDEFGHIJKLMNOP"

	var wg sync.WaitGroup
	send := func(c net.Conn, data string) {
		defer wg.Done()
		for i := range data {
			_, err := c.Write([]byte{data[i]})
			assert.NoError(s.T(), err)
		}
	}
	wg.Add(2)
	go send(c1, first)
	go send(c2, second)
	wg.Wait()

	got := s.fromSlave.waitLen(len(first) + len(second))
	s.Len(got, len(first)+len(second))
	s.Equal(first, keepOnly(got, first))
	s.Equal(second, keepOnly(got, second))
}

func keepOnly(s, alphabet string) string {
	var out []byte
	for i := range s {
		if bytes.IndexByte([]byte(alphabet), s[i]) >= 0 {
			out = append(out, s[i])
		}
	}
	return string(out)
}

func (s *LoopTestSuite) TestLastClientDisconnectEndsSession() {
	s.start(-1)
	conn := s.dial()
	_, err := conn.Write([]byte("bye\n"))
	s.Require().NoError(err)
	s.fromSlave.waitLen(4)
	s.Require().NoError(conn.Close())

	s.NoError(s.waitResult())
	st := s.loop.Stats()
	s.Equal(1, st.Accepted)
	s.Equal(0, st.Clients)
	s.EqualValues(4, st.BytesIn)
	s.loop = nil
}

func (s *LoopTestSuite) TestSessionContinuesWhileAClientRemains() {
	s.start(-1)
	c1 := s.dial()
	c2 := s.dial()
	defer c2.Close()

	_, err := c1.Write([]byte("1"))
	s.Require().NoError(err)
	_, err = c2.Write([]byte("2"))
	s.Require().NoError(err)
	s.fromSlave.waitLen(2)

	s.Require().NoError(c1.Close())
	select {
	case err := <-s.result:
		s.FailNow("loop ended with a client still connected", "err=%v", err)
	case <-time.After(200 * time.Millisecond):
	}

	_, err = c2.Write([]byte("3"))
	s.Require().NoError(err)
	s.Contains(s.fromSlave.waitLen(3), "3")

	s.Require().NoError(c2.Close())
	s.NoError(s.waitResult())
	s.loop = nil
}

func (s *LoopTestSuite) TestCancelStopsLoop() {
	s.start(-1)
	s.cancel()
	s.NoError(s.waitResult())
	s.loop = nil
}

func (s *LoopTestSuite) TestTerminalInputIsRelayedButNotCounted() {
	inR, inW, err := os.Pipe()
	s.Require().NoError(err)
	defer inR.Close()
	defer inW.Close()

	s.start(int(inR.Fd()))
	_, err = inW.Write([]byte("ls\n"))
	s.Require().NoError(err)
	s.Equal("ls\r", s.fromSlave.waitLen(3))

	// end of terminal input only stops watching it
	s.Require().NoError(inW.Close())
	select {
	case err := <-s.result:
		s.FailNow("loop ended on terminal EOF", "err=%v", err)
	case <-time.After(200 * time.Millisecond):
	}

	conn := s.dial()
	_, err = conn.Write([]byte("x"))
	s.Require().NoError(err)
	s.fromSlave.waitLen(4)
	s.Require().NoError(conn.Close())
	s.NoError(s.waitResult())
	s.loop = nil
}

func (s *LoopTestSuite) TestSlaveHangupEndsSession() {
	s.start(-1)
	conn := s.dial()
	defer conn.Close()

	_, err := conn.Write([]byte("x\n"))
	s.Require().NoError(err)
	s.fromSlave.waitLen(2)

	s.Require().NoError(s.slave.Close())
	s.NoError(s.waitResult())
	s.Equal(1, s.loop.Stats().Accepted)
	s.loop = nil
}

func (s *LoopTestSuite) TestPTYReadFailureIsTolerated() {
	// a directory always polls readable and every read fails with EISDIR
	dir, err := unix.Open(s.T().TempDir(), unix.O_RDONLY|unix.O_DIRECTORY, 0)
	s.Require().NoError(err)
	defer unix.Close(dir)

	s.startWith(share.Config{Master: dir, Output: s.outW, Input: -1, Listener: s.server}, nil)

	conn := s.dial()
	select {
	case err := <-s.result:
		s.FailNow("loop ended on a PTY read failure", "err=%v", err)
	case <-time.After(200 * time.Millisecond):
	}
	s.Require().NoError(conn.Close())

	s.NoError(s.waitResult())
	s.Equal(1, s.loop.Stats().Accepted)
	s.loop = nil
}

func (s *LoopTestSuite) TestPTYWriteFailureIsFatal() {
	// the read end of a pipe polls like a quiet master but rejects writes
	r, w, err := os.Pipe()
	s.Require().NoError(err)
	defer r.Close()
	defer w.Close()

	s.startWith(share.Config{Master: int(r.Fd()), Output: s.outW, Input: -1, Listener: s.server}, nil)

	conn := s.dial()
	defer conn.Close()
	_, err = conn.Write([]byte("ls\n"))
	s.Require().NoError(err)

	err = s.waitResult()
	s.ErrorIs(err, share.ErrIO)
	s.loop = nil
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("terminal gone") }

func (s *LoopTestSuite) TestTerminalWriteFailureIsFatal() {
	s.startWith(share.Config{
		Master:   int(s.master.Fd()),
		Output:   failingWriter{},
		Input:    -1,
		Listener: s.server,
	}, nil)

	_, err := s.slave.Write([]byte("out\n"))
	s.Require().NoError(err)

	err = s.waitResult()
	s.ErrorIs(err, share.ErrIO)
	s.loop = nil
}

// closedListener reports a descriptor that is closed once the loop has
// registered it.
type closedListener struct{ fd int }

func (c *closedListener) Fd() int                    { return c.fd }
func (c *closedListener) Accept() (int, bool, error) { return -1, false, nil }

func (s *LoopTestSuite) TestErroredListenerIsFatal() {
	r, w, err := os.Pipe()
	s.Require().NoError(err)
	defer w.Close()
	fd, err := unix.Dup(int(r.Fd()))
	s.Require().NoError(err)
	r.Close()

	ln := &closedListener{fd: fd}
	s.startWith(share.Config{Master: int(s.master.Fd()), Output: s.outW, Input: -1, Listener: ln}, func() {
		s.Require().NoError(unix.Close(fd))
	})

	s.ErrorIs(s.waitResult(), share.ErrServerLost)
	s.loop = nil
}

func (s *LoopTestSuite) TestErroredMasterIsFatal() {
	fd, err := unix.Dup(int(s.master.Fd()))
	s.Require().NoError(err)

	s.startWith(share.Config{Master: fd, Output: s.outW, Input: -1, Listener: s.server}, func() {
		s.Require().NoError(unix.Close(fd))
	})

	s.ErrorIs(s.waitResult(), share.ErrTerminalLost)
	s.loop = nil
}

func TestLoopTestSuite(t *testing.T) {
	suite.Run(t, new(LoopTestSuite))
}

func TestNewLoopRequiresEndpoints(t *testing.T) {
	_, err := share.NewLoop(share.Config{})
	require.Error(t, err)
}

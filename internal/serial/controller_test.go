package serial

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type pipePort struct {
	pr *io.PipeReader
	pw *io.PipeWriter

	mu      sync.Mutex
	written []byte
	closed  bool
}

func newPipePort() *pipePort {
	pr, pw := io.Pipe()
	return &pipePort{pr: pr, pw: pw}
}

func (p *pipePort) Read(b []byte) (int, error) { return p.pr.Read(b) }

func (p *pipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, b...)
	return len(b), nil
}

func (p *pipePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return p.pr.Close()
}

func (p *pipePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type reconfigurablePort struct {
	*pipePort
	lines []LineConfig
}

func (p *reconfigurablePort) SetLine(lc LineConfig) error {
	p.lines = append(p.lines, lc)
	return nil
}

type fakeOpener struct {
	mu    sync.Mutex
	ports []port
	lines []LineConfig
	make  func() port
	err   error
}

func (o *fakeOpener) open(path string, lc LineConfig) (port, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.lines = append(o.lines, lc)
	if o.err != nil {
		return nil, o.err
	}
	p := o.make()
	o.ports = append(o.ports, p)
	return p, nil
}

func (o *fakeOpener) opened() []port {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]port(nil), o.ports...)
}

func newTestController(o *fakeOpener) *Controller {
	return &Controller{path: "/dev/fake", open: o.open, log: zap.NewNop(), line: DefaultLineConfig()}
}

func TestController_AttachDetachIdempotent(t *testing.T) {
	o := &fakeOpener{make: func() port { return newPipePort() }}
	c := newTestController(o)

	require.NoError(t, c.Attach())
	require.NoError(t, c.Attach())
	require.True(t, c.Attached())
	require.Len(t, o.opened(), 1)

	require.NoError(t, c.Detach())
	require.NoError(t, c.Detach())
	require.False(t, c.Attached())
	require.True(t, o.opened()[0].(*pipePort).isClosed())

	require.ErrorIs(t, c.Attach(), ErrDetached)
}

func TestController_AttachFailureWrapsOpenFailed(t *testing.T) {
	cause := errors.New("no such device")
	o := &fakeOpener{err: cause}
	c := newTestController(o)

	err := c.Attach()
	require.ErrorIs(t, err, ErrOpenFailed)
	require.ErrorIs(t, err, cause)
	require.False(t, c.Attached())
}

// gatedOpen holds the first open until release is closed.
func gatedOpen(o *fakeOpener) (open opener, entered, release chan struct{}) {
	entered = make(chan struct{})
	release = make(chan struct{})
	var once sync.Once
	open = func(path string, lc LineConfig) (port, error) {
		first := false
		once.Do(func() { first = true })
		if first {
			close(entered)
			<-release
		}
		return o.open(path, lc)
	}
	return open, entered, release
}

func TestController_DetachDoesNotWaitForOpen(t *testing.T) {
	o := &fakeOpener{make: func() port { return newPipePort() }}
	open, entered, release := gatedOpen(o)
	c := &Controller{path: "/dev/fake", open: open, log: zap.NewNop(), line: DefaultLineConfig()}

	attachErr := make(chan error, 1)
	go func() { attachErr <- c.Attach() }()
	<-entered

	detached := make(chan error, 1)
	go func() { detached <- c.Detach() }()
	select {
	case err := <-detached:
		require.NoError(t, err)
	case <-time.After(time.Second):
		close(release)
		t.Fatalf("Detach blocked on a pending open")
	}
	require.False(t, c.Attached())

	close(release)
	select {
	case err := <-attachErr:
		require.ErrorIs(t, err, ErrDetached)
	case <-time.After(time.Second):
		t.Fatalf("Attach did not return")
	}
	ports := o.opened()
	require.Len(t, ports, 1)
	require.True(t, ports[0].(*pipePort).isClosed())
}

func TestController_LineChangeDuringOpenReopens(t *testing.T) {
	o := &fakeOpener{make: func() port { return newPipePort() }}
	open, entered, release := gatedOpen(o)
	c := &Controller{path: "/dev/fake", open: open, log: zap.NewNop(), line: DefaultLineConfig()}

	attachErr := make(chan error, 1)
	go func() { attachErr <- c.Attach() }()
	<-entered
	want := DefaultLineConfig().WithBaudRate(38400)
	require.NoError(t, c.SetLineConfig(want))
	close(release)

	select {
	case err := <-attachErr:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Attach did not return")
	}
	require.True(t, c.Attached())
	ports := o.opened()
	require.Len(t, ports, 2)
	require.True(t, ports[0].(*pipePort).isClosed())
	require.False(t, ports[1].(*pipePort).isClosed())
	o.mu.Lock()
	require.Equal(t, want, o.lines[1])
	o.mu.Unlock()
}

func TestController_DetachUnblocksRead(t *testing.T) {
	o := &fakeOpener{make: func() port { return newPipePort() }}
	c := newTestController(o)
	require.NoError(t, c.Attach())

	errCh := make(chan error, 1)
	go func() {
		buf := make([]byte, 16)
		_, err := c.Input().Read(buf)
		errCh <- err
	}()

	// Give the reader a moment to block.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Detach())

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrDetached)
	case <-time.After(time.Second):
		t.Fatalf("read did not return after Detach")
	}

	_, err := c.Output().Write([]byte("x"))
	require.ErrorIs(t, err, ErrDetached)
}

func TestController_ReadBeforeAttach(t *testing.T) {
	c := newTestController(&fakeOpener{make: func() port { return newPipePort() }})
	_, err := c.Input().Read(make([]byte, 4))
	require.ErrorIs(t, err, ErrNotAttached)
}

func TestController_SetLineConfigReconfiguresLive(t *testing.T) {
	var rp *reconfigurablePort
	o := &fakeOpener{make: func() port {
		rp = &reconfigurablePort{pipePort: newPipePort()}
		return rp
	}}
	c := newTestController(o)

	lc := DefaultLineConfig().WithBaudRate(38400)
	require.NoError(t, c.SetLineConfig(lc))
	require.NoError(t, c.Attach())
	require.Equal(t, []LineConfig{lc}, o.lines)

	lc2 := lc.WithBaudRate(115200)
	require.NoError(t, c.SetLineConfig(lc2))
	require.Equal(t, []LineConfig{lc2}, rp.lines)
	require.Len(t, o.opened(), 1)
	require.Equal(t, lc2, c.LineConfig())
}

func TestController_SetLineConfigReopensAndReaderFollows(t *testing.T) {
	o := &fakeOpener{make: func() port { return newPipePort() }}
	c := newTestController(o)
	require.NoError(t, c.Attach())

	got := make(chan string, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := c.Input().Read(buf)
		if err != nil {
			got <- "err: " + err.Error()
			return
		}
		got <- string(buf[:n])
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, c.SetLineConfig(DefaultLineConfig().WithBaudRate(4800)))
	ports := o.opened()
	require.Len(t, ports, 2)
	require.True(t, ports[0].(*pipePort).isClosed())

	go func() { _, _ = ports[1].(*pipePort).pw.Write([]byte("$GP")) }()
	select {
	case s := <-got:
		require.Equal(t, "$GP", s)
	case <-time.After(time.Second):
		t.Fatalf("reader did not continue on reopened port")
	}
}

func TestController_SetLineConfigRejectsInvalid(t *testing.T) {
	c := newTestController(&fakeOpener{make: func() port { return newPipePort() }})
	require.Error(t, c.SetLineConfig(LineConfig{BaudRate: 0, DataBits: 8, StopBits: OneStopBit}))
}

func TestController_WriteForwardsToPort(t *testing.T) {
	o := &fakeOpener{make: func() port { return newPipePort() }}
	c := newTestController(o)
	require.NoError(t, c.Attach())

	n, err := c.Output().Write([]byte("$PMTK220,1000*1F\r\n"))
	require.NoError(t, err)
	require.Equal(t, 18, n)
	p := o.opened()[0].(*pipePort)
	require.Equal(t, "$PMTK220,1000*1F\r\n", string(p.written))
}
